package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// HTU21D command set.
const (
	HTU21DAddress         uint8 = 0x40
	HTU21DMeasureTemp     uint8 = 0xE3
	HTU21DMeasureHumidity uint8 = 0xE5

	// DefaultConversionDelay is the wait between a measure command and the read.
	DefaultConversionDelay = 50 * time.Millisecond
)

// HTU21D is a Climate sensor on a shared bus. A measurement is a write of
// the command, a conversion delay with the bus released, then a two-byte read.
type HTU21D struct {
	bus   I2C
	addr  uint8
	delay time.Duration
}

// NewHTU21D returns a sensor at the default address.
func NewHTU21D(bus I2C) *HTU21D {
	return &HTU21D{bus: bus, addr: HTU21DAddress, delay: DefaultConversionDelay}
}

// Temperature implements Climate.
func (h *HTU21D) Temperature(ctx context.Context) (float32, error) {
	word, err := h.measure(ctx, HTU21DMeasureTemp)
	if err != nil {
		return 0, err
	}
	return 175.72*float32(word)/65536 - 46.85, nil
}

// Humidity implements Climate.
func (h *HTU21D) Humidity(ctx context.Context) (float32, error) {
	word, err := h.measure(ctx, HTU21DMeasureHumidity)
	if err != nil {
		return 0, err
	}
	return 125*float32(word)/65536 - 6, nil
}

func (h *HTU21D) measure(ctx context.Context, cmd uint8) (uint16, error) {
	if err := h.bus.Write(h.addr, []byte{cmd}); err != nil {
		return 0, fmt.Errorf("%w: command 0x%02x: %w", ErrSensor, cmd, err)
	}

	t := time.NewTimer(h.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	var buf [2]byte
	if err := h.bus.Read(h.addr, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read 0x%02x: %w", ErrSensor, cmd, err)
	}
	// The two low bits are status.
	return binary.BigEndian.Uint16(buf[:]) &^ 0x0003, nil
}
