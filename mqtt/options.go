package mqtt

import (
	"time"

	"github.com/google/uuid"

	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
)

// MessageHandler receives inbound application messages. It runs with the
// session lock held and must not call back into the session.
type MessageHandler func(topic string, payload []byte)

// sessionOptions holds configuration for a Session.
type sessionOptions struct {
	clientID       string
	connectTimeout time.Duration
	queueCapacity  int
	inflightWindow int

	onMessage MessageHandler
	logger    logging.Logger
	metrics   metrics.Metrics
	now       func() time.Time
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *sessionOptions {
	return &sessionOptions{
		clientID:       DefaultClientID(),
		connectTimeout: DefaultConnectTimeout,
		queueCapacity:  DefaultQueueCapacity,
		inflightWindow: DefaultInflightWindow,
		onMessage:      func(string, []byte) {},
		logger:         logging.NewNoOpLogger(),
		metrics:        metrics.NoOp{},
		now:            time.Now,
	}
}

// DefaultClientID returns a random client identifier short enough for any
// 3.1.1 broker.
func DefaultClientID() string {
	return "sensornode-" + uuid.NewString()[:8]
}

// Option configures a Session.
type Option func(*sessionOptions)

// WithClientID sets the client identifier.
func WithClientID(id string) Option {
	return func(o *sessionOptions) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithConnectTimeout sets the transport connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithQueueCapacity sets the capacity of the outbound and inbound queues.
func WithQueueCapacity(n int) Option {
	return func(o *sessionOptions) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithInflightWindow sets how many packet identifiers may await acknowledgement.
func WithInflightWindow(n int) Option {
	return func(o *sessionOptions) {
		if n > 0 {
			o.inflightWindow = n
		}
	}
}

// WithMessageHandler sets the handler for inbound PUBLISH packets.
func WithMessageHandler(h MessageHandler) Option {
	return func(o *sessionOptions) {
		if h != nil {
			o.onMessage = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *sessionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *sessionOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock sets the time source used for keep-alive bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) {
		if now != nil {
			o.now = now
		}
	}
}
