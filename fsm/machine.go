package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
)

// StatusOnline is published on the status topic when a session becomes active.
const StatusOnline = "online"

// Effects are the side effects run on entry to a state. Implementations may
// block; the machine runs them on the goroutine that calls Handle.
type Effects interface {
	// LoadCredentials returns persisted credentials, if any.
	LoadCredentials(ctx context.Context) (event.Credentials, bool, error)

	// SaveCredentials persists the credential record.
	SaveCredentials(ctx context.Context, creds event.Credentials) error

	// StartAccessPoint starts access-point mode and the provisioning collaborator.
	StartAccessPoint(ctx context.Context) error

	// StopProvisioning stops the provisioning collaborator if it is running.
	StopProvisioning(ctx context.Context) error

	// StartStation associates with the network in station mode.
	StartStation(ctx context.Context, creds event.Credentials) error

	// OpenSession asks for a broker session to be opened. retry is true when
	// a previous session was lost, so the caller can apply its backoff.
	OpenSession(ctx context.Context, creds event.Credentials, retry bool) error

	// CloseSession closes the broker session if one is open.
	CloseSession(ctx context.Context) error

	// SubscribeCommands subscribes to the command topic.
	SubscribeCommands(ctx context.Context) error

	// PublishStatus publishes to the status topic.
	PublishStatus(ctx context.Context, status string) error

	// PublishSample publishes a sensor sample.
	PublishSample(ctx context.Context, sample event.SensorSample) error

	// Dispatch hands a remote command to the application.
	Dispatch(ctx context.Context, command string) error
}

// machineOptions holds configuration for a Machine.
type machineOptions struct {
	logger  logging.Logger
	metrics metrics.Metrics
	drops   *rate.Sometimes
}

func defaultOptions() *machineOptions {
	return &machineOptions{
		logger:  logging.NewNoOpLogger(),
		metrics: metrics.NoOp{},
		drops:   &rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Option configures a Machine.
type Option func(*machineOptions)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *machineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *machineOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDropLogInterval sets how often dropped samples are logged after the
// first few.
func WithDropLogInterval(d time.Duration) Option {
	return func(o *machineOptions) {
		o.drops = &rate.Sometimes{First: 3, Interval: d}
	}
}

// Machine owns the live state. Handle and Start must be called from a single
// goroutine; State and Fail may be called from any.
type Machine struct {
	effects Effects
	opts    *machineOptions
	log     logging.Logger

	mu    sync.RWMutex
	state State
}

// NewMachine creates a machine in the Unprovisioned state.
func NewMachine(effects Effects, opts ...Option) *Machine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Machine{
		effects: effects,
		opts:    o,
		log:     o.logger.WithFields(logging.Fields{logging.FieldActivity: "fsm"}),
		state:   Unprovisioned{},
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start runs the Unprovisioned startup action: persisted credentials are
// handled as if they had just been provided; otherwise access-point mode and
// provisioning are started.
func (m *Machine) Start(ctx context.Context) error {
	if _, ok := m.State().(Unprovisioned); !ok {
		return fmt.Errorf("%w: start in %s", ErrState, m.State().Name())
	}
	return m.enter(ctx, Unprovisioned{}, nil)
}

// Handle applies e to the current state. Events that are not meaningful are
// logged and dropped. The returned error is non-nil only when an entry
// effect failed fatally.
func (m *Machine) Handle(ctx context.Context, e event.Event) error {
	current := m.State()

	next, ok := Apply(current, e)
	if !ok {
		m.drop(current, e)
		return nil
	}

	m.set(next)
	if next.Name() != current.Name() {
		m.opts.metrics.Counter(metrics.Transitions, metrics.Labels{metrics.LabelState: next.Name()}).Inc()
		m.log.Info("state changed", logging.Fields{
			"from":             current.Name(),
			logging.FieldState: next.Name(),
			logging.FieldEvent: e.Name(),
		})
	}

	return m.enter(ctx, next, e)
}

// Fail moves the machine to the terminal Failed state.
func (m *Machine) Fail(reason string) {
	prev := m.State()
	m.set(Failed{Reason: reason})
	m.opts.metrics.Counter(metrics.Transitions, metrics.Labels{metrics.LabelState: "Failed"}).Inc()
	m.log.Error("state machine failed", logging.Fields{
		"from":             prev.Name(),
		logging.FieldState: "Failed",
		logging.FieldError: reason,
	})
}

// Run starts the machine and then handles events from bus until ctx is done
// or an entry effect fails fatally.
func (m *Machine) Run(ctx context.Context, bus *event.Bus) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	for {
		e, err := bus.Next(ctx)
		if err != nil {
			return err
		}
		if err := m.Handle(ctx, e); err != nil {
			return err
		}
	}
}

func (m *Machine) drop(s State, e event.Event) {
	m.opts.metrics.Counter(metrics.EventsDropped, metrics.Labels{
		metrics.LabelState: s.Name(),
		metrics.LabelEvent: e.Name(),
	}).Inc()

	fields := logging.Fields{
		logging.FieldState: s.Name(),
		logging.FieldEvent: e.Name(),
		logging.FieldError: fmt.Errorf("%w: %s in %s", ErrState, e.Name(), s.Name()),
	}

	if sample, ok := e.(event.SensorSample); ok {
		fields[logging.FieldSensor] = sample.Kind.String()
		m.opts.drops.Do(func() {
			m.log.Info("sample dropped, no active session", fields)
		})
		return
	}
	m.log.Warn("event dropped", fields)
}

// enter runs the entry effects of s. trigger is the event that caused the
// transition, or nil on startup.
func (m *Machine) enter(ctx context.Context, s State, trigger event.Event) error {
	log := m.log.WithFields(logging.Fields{logging.FieldState: s.Name()})
	if trigger != nil {
		log = log.WithFields(logging.Fields{logging.FieldEvent: trigger.Name()})
	}

	switch st := s.(type) {
	case Unprovisioned:
		return m.enterUnprovisioned(ctx, log)

	case Provisioned:
		switch trigger.(type) {
		case event.CredentialsProvided:
			if err := m.effects.SaveCredentials(ctx, st.Credentials); err != nil {
				log.Error("cannot persist credentials", logging.Fields{logging.FieldError: err})
			}
			if err := m.effects.StopProvisioning(ctx); err != nil {
				log.Warn("cannot stop provisioning", logging.Fields{logging.FieldError: err})
			}
		case event.NetworkDetached:
			if err := m.effects.CloseSession(ctx); err != nil {
				log.Warn("cannot close session", logging.Fields{logging.FieldError: err})
			}
		}
		if err := m.effects.StartStation(ctx, st.Credentials); err != nil {
			log.Error("cannot start station mode", logging.Fields{logging.FieldError: err})
			return fmt.Errorf("%w: station: %w", ErrAssociation, err)
		}

	case NetworkAttached:
		_, lost := trigger.(event.SessionLost)
		if err := m.effects.OpenSession(ctx, st.Credentials, lost); err != nil {
			log.Error("cannot open session", logging.Fields{logging.FieldError: err})
		}

	case SessionActive:
		switch ev := trigger.(type) {
		case event.SensorSample:
			if err := m.effects.PublishSample(ctx, ev); err != nil {
				log.Warn("cannot publish sample", logging.Fields{
					logging.FieldSensor: ev.Kind.String(),
					logging.FieldError:  err,
				})
			}
		case event.RemoteCommand:
			if err := m.effects.Dispatch(ctx, ev.Text); err != nil {
				log.Warn("cannot dispatch command", logging.Fields{logging.FieldError: err})
			}
		default:
			if err := m.effects.SubscribeCommands(ctx); err != nil {
				log.Error("cannot subscribe to commands", logging.Fields{logging.FieldError: err})
			}
			if err := m.effects.PublishStatus(ctx, StatusOnline); err != nil {
				log.Warn("cannot publish status", logging.Fields{logging.FieldError: err})
			}
		}

	case Failed:
		log.Error("state machine is in the failed state", logging.Fields{logging.FieldError: st.Reason})
	}

	return nil
}

func (m *Machine) enterUnprovisioned(ctx context.Context, log logging.Logger) error {
	creds, found, err := m.effects.LoadCredentials(ctx)
	if err != nil {
		log.Warn("cannot read stored credentials", logging.Fields{logging.FieldError: err})
		found = false
	}

	if found {
		if err := creds.Validate(); err != nil {
			log.Warn("stored credentials are invalid", logging.Fields{logging.FieldError: err})
			found = false
		}
	}

	if found {
		log.Info("using stored credentials", logging.Fields{"ssid": creds.WiFiSSID})
		return m.Handle(ctx, event.CredentialsProvided{Credentials: creds})
	}

	log.Info("no stored credentials, starting access point", nil)
	if err := m.effects.StartAccessPoint(ctx); err != nil {
		log.Error("cannot start access point", logging.Fields{logging.FieldError: err})
		if errors.Is(err, ErrAssociation) {
			return err
		}
		return fmt.Errorf("%w: access point: %w", ErrAssociation, err)
	}
	return nil
}
