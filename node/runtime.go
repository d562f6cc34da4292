// Package node wires the sensor node together: the state machine consumes
// the event bus while the connector, send loop, receive loop, link watcher
// and samplers run as separate activities.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marcormc/sensornode/config"
	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/fsm"
	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
	"github.com/marcormc/sensornode/mqtt"
	"github.com/marcormc/sensornode/netif"
	"github.com/marcormc/sensornode/provision"
	"github.com/marcormc/sensornode/sensor"
	"github.com/marcormc/sensornode/store"
)

// DefaultPollInterval is how often the send and receive loops service the
// session when nothing wakes them earlier.
const DefaultPollInterval = 100 * time.Millisecond

// CommandHandler receives text published on the command topic.
type CommandHandler func(ctx context.Context, command string) error

type runtimeOptions struct {
	store        store.Store
	driver       netif.Driver
	transport    mqtt.Transport
	climate      sensor.Climate
	motion       sensor.Motion
	logger       logging.Logger
	metrics      metrics.Metrics
	onCommand    CommandHandler
	pollInterval time.Duration
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

// WithStore sets the credential store. By default an SQLite store is opened
// at the configured path.
func WithStore(s store.Store) Option {
	return func(o *runtimeOptions) { o.store = s }
}

// WithDriver sets the network driver. By default the host driver is used.
func WithDriver(d netif.Driver) Option {
	return func(o *runtimeOptions) { o.driver = d }
}

// WithTransport sets the MQTT transport.
func WithTransport(t mqtt.Transport) Option {
	return func(o *runtimeOptions) { o.transport = t }
}

// WithClimate sets the temperature and humidity sensor.
func WithClimate(c sensor.Climate) Option {
	return func(o *runtimeOptions) { o.climate = c }
}

// WithMotion sets the 6-axis sensor.
func WithMotion(m sensor.Motion) Option {
	return func(o *runtimeOptions) { o.motion = m }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *runtimeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *runtimeOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithCommandHandler sets the handler for remote commands.
func WithCommandHandler(h CommandHandler) Option {
	return func(o *runtimeOptions) { o.onCommand = h }
}

// WithPollInterval sets the send and receive loop period.
func WithPollInterval(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

type connectRequest struct {
	creds event.Credentials
	gen   uint64
}

// Runtime is a running sensor node.
type Runtime struct {
	cfg     *config.Config
	log     logging.Logger
	metrics metrics.Metrics

	bus       *event.Bus
	machine   *fsm.Machine
	session   *mqtt.SharedSession
	store     store.Store
	driver    netif.Driver
	provision *provision.Server
	samplers  []*sensor.Sampler
	backoff   *Backoff
	onCommand CommandHandler
	interval  time.Duration
	closers   []func() error

	connectReq chan connectRequest
	wake       chan struct{}
	// reqGen invalidates connect requests queued before a CloseSession.
	reqGen atomic.Uint64
	// conns counts successful transport connects.
	conns atomic.Uint64
	// postMu orders SessionEstablished before the SessionLost of the same
	// connection.
	postMu sync.Mutex
}

// New builds a runtime from cfg. Collaborators not supplied through options
// are created from the configuration.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{
		logger:       logging.NewNoOpLogger(),
		metrics:      metrics.NoOp{},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:     cfg,
		log:     o.logger.WithFields(logging.Fields{logging.FieldActivity: "node"}),
		metrics: o.metrics,
		bus:     event.NewBus(cfg.Queues.Events),
		backoff: &Backoff{
			Delay:     cfg.Reconnect.Delay,
			LongDelay: cfg.Reconnect.LongDelay,
			Threshold: cfg.Reconnect.Threshold,
		},
		onCommand:  o.onCommand,
		interval:   o.pollInterval,
		connectReq: make(chan connectRequest, 1),
		wake:       make(chan struct{}, 1),
	}
	if r.onCommand == nil {
		r.onCommand = r.logCommand
	}

	if err := r.setupStore(o.store); err != nil {
		return nil, err
	}
	if err := r.setupSession(o); err != nil {
		r.Close()
		return nil, err
	}

	r.driver = o.driver
	if r.driver == nil {
		r.driver = netif.NewHost(r.bus, netif.WithLogger(o.logger))
	}

	r.provision = provision.NewServer(r.bus,
		provision.WithAddress(cfg.Provisioning.Address),
		provision.WithLogger(o.logger),
		provision.WithRateLimit(rate.Limit(float64(cfg.Provisioning.RequestsPerMinute)/60), 5),
	)

	r.setupSamplers(o)

	r.machine = fsm.NewMachine(&effects{r: r}, fsm.WithLogger(o.logger), fsm.WithMetrics(o.metrics))
	return r, nil
}

func (r *Runtime) setupStore(s store.Store) error {
	if s == nil {
		path := r.cfg.Store.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		r.closers = append(r.closers, db.Close)
		s = db
	}

	if r.cfg.Store.Passphrase != "" {
		s = store.NewSealed(s, r.cfg.Store.Passphrase)
	}
	r.store = s
	return nil
}

func (r *Runtime) setupSession(o runtimeOptions) error {
	transport := o.transport
	if transport == nil {
		var topts []mqtt.TransportOption
		if r.cfg.Broker.Proxy != "" {
			p, err := mqtt.NewProxyDialer(r.cfg.Broker.Proxy)
			if err != nil {
				return fmt.Errorf("broker proxy: %w", err)
			}
			topts = append(topts, mqtt.WithProxy(p))
		}
		transport = mqtt.NewStreamTransport(topts...)
	}

	clientID := r.cfg.Node.ClientID
	if clientID == "" {
		clientID = mqtt.DefaultClientID()
	}

	r.session = mqtt.NewSharedSession(mqtt.NewSession(transport,
		mqtt.WithClientID(clientID),
		mqtt.WithConnectTimeout(r.cfg.Broker.ConnectTimeout),
		mqtt.WithQueueCapacity(r.cfg.Queues.Outbound),
		mqtt.WithInflightWindow(r.cfg.Queues.Inflight),
		mqtt.WithMessageHandler(r.handleMessage),
		mqtt.WithLogger(o.logger),
		mqtt.WithMetrics(o.metrics),
	))
	return nil
}

func (r *Runtime) setupSamplers(o runtimeOptions) {
	climate, motion := o.climate, o.motion
	if r.cfg.Sampling.Simulated {
		sim := sensor.NewSimulated(21.5, 45, uint64(time.Now().UnixNano()))
		if climate == nil {
			climate = sim
		}
		if motion == nil {
			motion = sim
		}
	}

	sopts := []sensor.SamplerOption{sensor.WithLogger(o.logger), sensor.WithMetrics(o.metrics)}
	if climate != nil {
		r.samplers = append(r.samplers, sensor.NewClimateSampler(climate, r.bus,
			append(sopts, sensor.WithInterval(r.cfg.Sampling.ClimateInterval))...))
	}
	if motion != nil {
		r.samplers = append(r.samplers, sensor.NewMotionSampler(motion, r.bus,
			append(sopts, sensor.WithInterval(r.cfg.Sampling.MotionInterval))...))
	}
}

// Bus returns the event bus.
func (r *Runtime) Bus() *event.Bus { return r.bus }

// State returns the current connectivity state.
func (r *Runtime) State() fsm.State { return r.machine.State() }

// Run starts every activity and blocks until ctx is done or one of them
// fails. A cancelled ctx is not an error. When an activity other than the
// state machine fails, the machine is moved to Failed before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.machine.Run(gctx, r.bus) })
	g.Go(func() error { return r.connector(gctx) })
	g.Go(func() error { return r.sendLoop(gctx) })
	g.Go(func() error { return r.receiveLoop(gctx) })

	if w, ok := r.driver.(interface{ Watch(context.Context) error }); ok {
		g.Go(func() error { return w.Watch(gctx) })
	}
	for _, s := range r.samplers {
		g.Go(func() error { return s.Run(gctx) })
	}

	r.log.Info("node started", logging.Fields{"samplers": len(r.samplers)})
	err := g.Wait()

	if cerr := r.session.Close(); cerr != nil {
		r.log.Debug("session close failed", logging.Fields{logging.FieldError: cerr})
	}
	if serr := r.provision.Stop(context.Background()); serr != nil {
		r.log.Warn("provisioning stop failed", logging.Fields{logging.FieldError: serr})
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		r.log.Info("node stopped", nil)
		return nil
	}
	// A broken activity leaves the node unable to work; association
	// failures only end the machine activity and keep their state.
	if !errors.Is(err, fsm.ErrAssociation) {
		r.machine.Fail(err.Error())
	}
	r.log.Error("node failed", logging.Fields{
		logging.FieldState: r.machine.State().Name(),
		logging.FieldError: err,
	})
	return err
}

// Close releases resources opened by New.
func (r *Runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// requestConnect replaces any queued connect request.
func (r *Runtime) requestConnect(creds event.Credentials) {
	req := connectRequest{creds: creds, gen: r.reqGen.Load()}
	for {
		select {
		case r.connectReq <- req:
			return
		default:
		}
		select {
		case <-r.connectReq:
		default:
		}
	}
}

func (r *Runtime) cancelConnect() {
	r.reqGen.Add(1)
	select {
	case <-r.connectReq:
	default:
	}
}

func (r *Runtime) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// connector opens broker sessions on request, spacing attempts with the
// backoff. A failed attempt is reported as SessionLost so the state machine
// asks again.
func (r *Runtime) connector(ctx context.Context) error {
	log := r.log.WithFields(logging.Fields{logging.FieldActivity: "connector"})

	for {
		var req connectRequest
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req = <-r.connectReq:
		}

		if delay := r.backoff.Next(); delay > 0 {
			log.Info("waiting before reconnect", logging.Fields{
				logging.FieldDuration: delay.String(),
				"attempt":             r.backoff.Failures(),
			})
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if req.gen != r.reqGen.Load() {
			log.Debug("connect request cancelled", nil)
			continue
		}

		endpoint := r.cfg.BrokerEndpoint(req.creds.BrokerHost)
		var creds *mqtt.Credentials
		if req.creds.BrokerUser != "" {
			creds = &mqtt.Credentials{Username: req.creds.BrokerUser, Password: req.creds.BrokerPassword}
		}

		if err := r.session.Connect(ctx, endpoint, r.cfg.KeepAliveSeconds(), creds); err != nil {
			log.Warn("broker connect failed", logging.Fields{logging.FieldRemoteAddr: endpoint, logging.FieldError: err})
			if err := r.bus.PostWait(ctx, event.SessionLost{Cause: err}); err != nil {
				return err
			}
			continue
		}

		r.conns.Add(1)
		r.kick()
	}
}

// sendLoop drains the outbound queue, runs the keep-alive and announces each
// new connection once its CONNECT is on the wire.
func (r *Runtime) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var announced uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}

		if !r.session.Connected() {
			continue
		}

		err := r.session.DrainOutbound()
		if err == nil {
			err = r.session.KeepAliveTick(time.Now())
		}
		if err != nil {
			if err := r.sessionFailed(ctx, err); err != nil {
				return err
			}
			continue
		}

		if gen := r.conns.Load(); gen != announced {
			if err := r.announce(ctx, gen, &announced); err != nil {
				return err
			}
		}
	}
}

// receiveLoop polls the session for inbound frames. An accepted CONNACK
// resets the reconnect backoff.
func (r *Runtime) receiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !r.session.Connected() {
			continue
		}

		if err := r.session.PollInbound(); err != nil {
			if err := r.sessionFailed(ctx, err); err != nil {
				return err
			}
		}

		for {
			in, ok := r.session.NextInbound()
			if !ok {
				break
			}
			if ack, ok := in.Packet.(*mqtt.ConnackPacket); ok && ack.Accepted() {
				r.backoff.Reset()
			}
			r.log.Debug("packet received", logging.Fields{logging.FieldPacketType: in.Packet.Type().String()})
		}
	}
}

func (r *Runtime) announce(ctx context.Context, gen uint64, announced *uint64) error {
	r.postMu.Lock()
	defer r.postMu.Unlock()

	if !r.session.Established() {
		return nil
	}
	*announced = gen
	return r.bus.PostWait(ctx, event.SessionEstablished{})
}

// sessionFailed turns a session error into SessionLost. The error is
// returned only when ctx ends while posting.
func (r *Runtime) sessionFailed(ctx context.Context, err error) error {
	if errors.Is(err, mqtt.ErrNotConnected) {
		return nil
	}
	r.log.Warn("session failed", logging.Fields{
		logging.FieldState: r.machine.State().Name(),
		logging.FieldError: err,
	})

	r.postMu.Lock()
	defer r.postMu.Unlock()
	return r.bus.PostWait(ctx, event.SessionLost{Cause: err})
}

// handleMessage runs under the session lock and must not block.
func (r *Runtime) handleMessage(topic string, payload []byte) {
	if !mqtt.TopicMatch(r.cfg.Topics.Command, topic) {
		r.log.Debug("message on unexpected topic", logging.Fields{logging.FieldTopic: topic})
		return
	}
	if err := r.bus.Post(event.RemoteCommand{Text: string(payload)}); err != nil {
		r.log.Warn("command dropped", logging.Fields{logging.FieldTopic: topic, logging.FieldError: err})
	}
}

func (r *Runtime) logCommand(_ context.Context, command string) error {
	r.log.Info("command received", logging.Fields{"command": command})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
