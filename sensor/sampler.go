package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
)

// Default sampling periods.
const (
	DefaultClimateInterval = 4 * time.Second
	DefaultMotionInterval  = 5 * time.Second
)

// Poster accepts events without blocking. *event.Bus implements it.
type Poster interface {
	Post(e event.Event) error
}

type samplerOptions struct {
	interval time.Duration
	logger   logging.Logger
	metrics  metrics.Metrics
}

// SamplerOption configures a Sampler.
type SamplerOption func(*samplerOptions)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) SamplerOption {
	return func(o *samplerOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) SamplerOption {
	return func(o *samplerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) SamplerOption {
	return func(o *samplerOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Sampler periodically reads one sensor and posts its samples. Samples are
// posted without blocking; a saturated bus drops them.
type Sampler struct {
	name string
	read func(ctx context.Context) ([]event.SensorSample, error)
	out  Poster
	opts samplerOptions
	log  logging.Logger
}

func newSampler(name string, interval time.Duration, out Poster, read func(context.Context) ([]event.SensorSample, error), opts []SamplerOption) *Sampler {
	o := samplerOptions{
		interval: interval,
		logger:   logging.NewNoOpLogger(),
		metrics:  metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Sampler{
		name: name,
		read: read,
		out:  out,
		opts: o,
		log:  o.logger.WithFields(logging.Fields{logging.FieldActivity: "sampler", logging.FieldSensor: name}),
	}
}

// NewClimateSampler samples temperature then humidity every period,
// 4 seconds by default.
func NewClimateSampler(c Climate, out Poster, opts ...SamplerOption) *Sampler {
	return newSampler("climate", DefaultClimateInterval, out, func(ctx context.Context) ([]event.SensorSample, error) {
		var samples []event.SensorSample
		var errs []error

		if v, err := c.Temperature(ctx); err != nil {
			errs = append(errs, err)
		} else {
			samples = append(samples, event.NewTemperature(v))
		}

		if v, err := c.Humidity(ctx); err != nil {
			errs = append(errs, err)
		} else {
			samples = append(samples, event.NewHumidity(v))
		}

		return samples, errors.Join(errs...)
	}, opts)
}

// NewMotionSampler samples the 6-axis sensor every period, 5 seconds by default.
func NewMotionSampler(m Motion, out Poster, opts ...SamplerOption) *Sampler {
	return newSampler("motion", DefaultMotionInterval, out, func(ctx context.Context) ([]event.SensorSample, error) {
		v, err := m.Motion(ctx)
		if err != nil {
			return nil, err
		}
		return []event.SensorSample{event.NewAccel(v)}, nil
	}, opts)
}

// Name returns the sampler name.
func (s *Sampler) Name() string { return s.name }

// Run samples until ctx is done. Read failures are logged and the next
// period is tried.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample reads once and posts whatever was read. It returns the number of
// samples accepted by the bus.
func (s *Sampler) Sample(ctx context.Context) int {
	samples, err := s.read(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("sensor read failed", logging.Fields{logging.FieldError: err})
	}

	posted := 0
	for _, sample := range samples {
		if err := s.out.Post(sample); err != nil {
			s.opts.metrics.Counter(metrics.QueueFull, metrics.Labels{metrics.LabelQueue: "events"}).Inc()
			s.log.Debug("sample dropped", logging.Fields{
				logging.FieldEvent: sample.Kind.String(),
				logging.FieldError: err,
			})
			continue
		}
		posted++
	}
	return posted
}
