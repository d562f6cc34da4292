package event

import (
	"context"

	"github.com/marcormc/sensornode/mqtt"
)

// DefaultCapacity is the event bus capacity.
const DefaultCapacity = 10

// ErrQueueFull is returned by Post when the bus is saturated.
var ErrQueueFull = mqtt.ErrQueueFull

// Bus is the single bounded FIFO between producers and the state machine.
// Any number of goroutines may post; one consumer receives.
type Bus struct {
	ch chan Event
}

// NewBus creates a bus holding at most capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Post enqueues e without blocking. It returns ErrQueueFull when the bus is full.
func (b *Bus) Post(e Event) error {
	select {
	case b.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// PostWait enqueues e, blocking until there is room or ctx is done.
func (b *Bus) PostWait(ctx context.Context, e Event) error {
	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until an event is available or ctx is done.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	select {
	case e := <-b.ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the receive side for use in a select.
func (b *Bus) Events() <-chan Event { return b.ch }

// Len returns the number of queued events.
func (b *Bus) Len() int { return len(b.ch) }

// Cap returns the bus capacity.
func (b *Bus) Cap() int { return cap(b.ch) }
