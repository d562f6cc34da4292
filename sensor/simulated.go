package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Simulated stands in for the climate and motion sensors on hosts without
// a two-wire bus. Readings wander around the configured baseline.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	temp     float32
	humidity float32
	jitter   float32
}

// NewSimulated returns a simulated sensor pair. seed makes runs repeatable.
func NewSimulated(temperature, humidity float32, seed uint64) *Simulated {
	return &Simulated{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temp:     temperature,
		humidity: humidity,
		jitter:   0.5,
	}
}

func (s *Simulated) next(base float32) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return base + (s.rng.Float32()*2-1)*s.jitter
}

// Temperature implements Climate.
func (s *Simulated) Temperature(ctx context.Context) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.next(s.temp), nil
}

// Humidity implements Climate.
func (s *Simulated) Humidity(ctx context.Context) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.next(s.humidity), nil
}

// Motion implements Motion. The device is at rest: gravity on Z plus noise.
func (s *Simulated) Motion(ctx context.Context) ([6]float32, error) {
	if err := ctx.Err(); err != nil {
		return [6]float32{}, err
	}
	var v [6]float32
	for i := range v {
		v[i] = s.next(0) / 10
	}
	v[2] += 1
	return v, nil
}

// MemoryBus is an I2C bus that answers HTU21D measurement commands with
// fixed raw words. It is used to exercise the driver without hardware.
type MemoryBus struct {
	mu      sync.Mutex
	words   map[uint8]uint16
	last    map[uint8]uint8
	Writes  int
	Reads   int
	ReadErr error
}

// NewMemoryBus returns a bus answering cmd with words[cmd].
func NewMemoryBus(words map[uint8]uint16) *MemoryBus {
	return &MemoryBus{words: words, last: make(map[uint8]uint8)}
}

// Write implements I2C.
func (b *MemoryBus) Write(addr uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Writes++
	if len(data) != 1 {
		return fmt.Errorf("unexpected write of %d bytes", len(data))
	}
	b.last[addr] = data[0]
	return nil
}

// Read implements I2C.
func (b *MemoryBus) Read(addr uint8, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Reads++
	if b.ReadErr != nil {
		return b.ReadErr
	}
	cmd, ok := b.last[addr]
	if !ok {
		return fmt.Errorf("read from 0x%02x without command", addr)
	}
	word, ok := b.words[cmd]
	if !ok || len(buf) < 2 {
		return fmt.Errorf("no data for command 0x%02x", cmd)
	}
	binary.BigEndian.PutUint16(buf, word)
	return nil
}
