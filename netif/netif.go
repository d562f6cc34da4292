// Package netif is the network-driver contract of the node: access-point
// mode for provisioning and station mode for normal operation.
package netif

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/logging"
)

// Driver controls the radio. Association results are reported
// asynchronously as NetworkAttached and NetworkDetached events.
type Driver interface {
	// StartAccessPoint brings up the provisioning access point.
	StartAccessPoint(ctx context.Context, ssid string) error

	// StartStation joins the network described by creds.
	StartStation(ctx context.Context, creds event.Credentials) error
}

// Poster accepts events without blocking.
type Poster interface {
	Post(e event.Event) error
}

// AddrsFunc lists the addresses of the host's interfaces.
type AddrsFunc func() ([]net.Addr, error)

// Host is a Driver for nodes running on a general-purpose host whose
// network is managed by the operating system. Station mode succeeds once
// the host has a non-loopback address; Watch then reports link changes.
type Host struct {
	out      Poster
	log      logging.Logger
	addrs    AddrsFunc
	interval time.Duration

	mu       sync.Mutex
	station  bool
	attached bool
}

// HostOption configures a Host driver.
type HostOption func(*Host)

// WithAddrs replaces the interface address source.
func WithAddrs(fn AddrsFunc) HostOption {
	return func(h *Host) { h.addrs = fn }
}

// WithPollInterval sets how often Watch checks the link.
func WithPollInterval(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHost returns a host driver posting link events to out.
func NewHost(out Poster, opts ...HostOption) *Host {
	h := &Host{
		out:      out,
		log:      logging.NewNoOpLogger(),
		addrs:    net.InterfaceAddrs,
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithFields(logging.Fields{logging.FieldActivity: "netif"})
	return h
}

// StartAccessPoint implements Driver. The host has no radio to switch; the
// provisioning endpoint is served on the host's own interfaces.
func (h *Host) StartAccessPoint(_ context.Context, ssid string) error {
	h.mu.Lock()
	h.station = false
	h.attached = false
	h.mu.Unlock()

	h.log.Info("access point mode", logging.Fields{"ssid": ssid})
	return nil
}

// StartStation implements Driver.
func (h *Host) StartStation(_ context.Context, creds event.Credentials) error {
	up, err := h.linkUp()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.station = true
	h.attached = up
	h.mu.Unlock()

	h.log.Info("station mode", logging.Fields{"ssid": creds.WiFiSSID, "link_up": up})
	if up {
		return h.out.Post(event.NetworkAttached{})
	}
	return nil
}

// Watch polls the link while in station mode and posts NetworkAttached and
// NetworkDetached on changes. It returns when ctx is done.
func (h *Host) Watch(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check compares the link with the last known state once.
func (h *Host) Check() {
	h.mu.Lock()
	station := h.station
	h.mu.Unlock()
	if !station {
		return
	}

	up, err := h.linkUp()
	if err != nil {
		h.log.Warn("cannot read interfaces", logging.Fields{logging.FieldError: err})
		up = false
	}

	h.mu.Lock()
	changed := up != h.attached
	h.attached = up
	h.mu.Unlock()
	if !changed {
		return
	}

	var e event.Event = event.NetworkDetached{}
	if up {
		e = event.NetworkAttached{}
	}
	if err := h.out.Post(e); err != nil {
		h.log.Warn("link event dropped", logging.Fields{logging.FieldEvent: e.Name(), logging.FieldError: err})
	}
}

func (h *Host) linkUp() (bool, error) {
	addrs, err := h.addrs()
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if ok && !ipnet.IP.IsLoopback() {
			return true, nil
		}
	}
	return false, nil
}
