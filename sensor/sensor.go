// Package sensor reads the node's sensors on a schedule and posts the
// readings to the event bus.
package sensor

import (
	"context"
	"errors"
	"sync"
)

// ErrSensor is returned when a sensor cannot be read.
var ErrSensor = errors.New("sensor read failed")

// Climate is a temperature and relative humidity sensor.
type Climate interface {
	// Temperature returns degrees Celsius.
	Temperature(ctx context.Context) (float32, error)

	// Humidity returns relative humidity in percent.
	Humidity(ctx context.Context) (float32, error)
}

// Motion is a 6-axis inertial sensor. Values are three accelerations
// followed by three angular rates.
type Motion interface {
	Motion(ctx context.Context) ([6]float32, error)
}

// I2C is the raw two-wire bus.
type I2C interface {
	Write(addr uint8, data []byte) error
	Read(addr uint8, buf []byte) error
}

// SharedBus serializes access to one I2C bus shared by several sensors.
// Every transfer holds the lock for exactly one Write or Read.
type SharedBus struct {
	mu  sync.Mutex
	bus I2C
}

// NewSharedBus wraps bus.
func NewSharedBus(bus I2C) *SharedBus {
	return &SharedBus{bus: bus}
}

// Write implements I2C.
func (b *SharedBus) Write(addr uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Write(addr, data)
}

// Read implements I2C.
func (b *SharedBus) Read(addr uint8, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Read(addr, buf)
}
