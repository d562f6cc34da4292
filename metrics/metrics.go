// Package metrics defines the counters the sensor node keeps about its
// connectivity lifecycle and an in-memory implementation of them.
package metrics

import (
	"strconv"
	"time"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels Labels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels Labels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels Labels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOp is a no-op implementation of Metrics.
type NoOp struct{}

// Counter returns a no-op counter.
func (NoOp) Counter(_ string, _ Labels) Counter { return noOpCounter{} }

// Gauge returns a no-op gauge.
func (NoOp) Gauge(_ string, _ Labels) Gauge { return noOpGauge{} }

// Histogram returns a no-op histogram.
func (NoOp) Histogram(_ string, _ Labels) Histogram { return noOpHistogram{} }

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(_ float64)  {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(_ float64)  {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (noOpHistogram) Observe(_ float64)               {}
func (noOpHistogram) ObserveDuration(_ time.Duration) {}
func (noOpHistogram) Count() uint64                   { return 0 }
func (noOpHistogram) Sum() float64                    { return 0 }

// Metric names.
const (
	// PacketsSent is the total number of MQTT packets written to the transport.
	PacketsSent = "mqtt_packets_sent_total"

	// PacketsReceived is the total number of MQTT packets decoded from the transport.
	PacketsReceived = "mqtt_packets_received_total"

	// BytesSent is the total bytes written to the transport.
	BytesSent = "mqtt_bytes_sent_total"

	// BytesReceived is the total bytes read from the transport.
	BytesReceived = "mqtt_bytes_received_total"

	// QueueFull counts enqueue attempts rejected by a saturated queue.
	QueueFull = "queue_full_total"

	// DecodeErrors counts malformed inbound frames that were discarded.
	DecodeErrors = "mqtt_decode_errors_total"

	// SessionsOpened counts transport connections opened by the engine.
	SessionsOpened = "mqtt_sessions_opened_total"

	// SessionsLost counts sessions torn down by a transport failure.
	SessionsLost = "mqtt_sessions_lost_total"

	// Transitions counts FSM state changes.
	Transitions = "fsm_transitions_total"

	// EventsDropped counts events the FSM discarded in the current state.
	EventsDropped = "fsm_events_dropped_total"

	// SamplesPublished counts sensor samples handed to the session engine.
	SamplesPublished = "sensor_samples_published_total"

	// ConnectLatency is the time between opening the transport and the session being established.
	ConnectLatency = "mqtt_connect_latency_seconds"
)

// Label names.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelQueue      = "queue"
	LabelState      = "state"
	LabelEvent      = "event"
	LabelSensor     = "sensor"
)

// QoSLabel formats a QoS level for the qos label.
func QoSLabel(qos byte) string {
	return strconv.Itoa(int(qos))
}
