package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/metrics"
)

func TestHTU21D(t *testing.T) {
	ctx := context.Background()
	raw := NewMemoryBus(map[uint8]uint16{
		HTU21DMeasureTemp:     0x6666,
		HTU21DMeasureHumidity: 0x8000,
	})
	h := NewHTU21D(NewSharedBus(raw))

	temp, err := h.Temperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 23.43, temp, 0.01)

	hum, err := h.Humidity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 56.5, hum, 0.001)

	assert.Equal(t, 2, raw.Writes)
	assert.Equal(t, 2, raw.Reads)

	t.Run("read failure", func(t *testing.T) {
		raw.ReadErr = errors.New("nack")
		_, err := h.Temperature(ctx)
		assert.ErrorIs(t, err, ErrSensor)
	})

	t.Run("cancelled during conversion", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := h.Humidity(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSharedBusSerializes(t *testing.T) {
	raw := NewMemoryBus(map[uint8]uint16{HTU21DMeasureTemp: 1})
	bus := NewSharedBus(raw)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				assert.NoError(t, bus.Write(HTU21DAddress, []byte{HTU21DMeasureTemp}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, raw.Writes)
}

type failingClimate struct{}

func (failingClimate) Temperature(context.Context) (float32, error) { return 21.5, nil }
func (failingClimate) Humidity(context.Context) (float32, error) {
	return 0, ErrSensor
}

func TestSampler(t *testing.T) {
	ctx := context.Background()

	t.Run("climate posts temperature then humidity", func(t *testing.T) {
		bus := event.NewBus(event.DefaultCapacity)
		s := NewClimateSampler(NewSimulated(21, 40, 1), bus)

		assert.Equal(t, 2, s.Sample(ctx))

		e, err := bus.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, event.Temperature, e.(event.SensorSample).Kind)
		e, err = bus.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, event.Humidity, e.(event.SensorSample).Kind)
	})

	t.Run("partial read still posts", func(t *testing.T) {
		bus := event.NewBus(event.DefaultCapacity)
		s := NewClimateSampler(failingClimate{}, bus)

		assert.Equal(t, 1, s.Sample(ctx))
		e, err := bus.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, event.NewTemperature(21.5), e)
	})

	t.Run("motion", func(t *testing.T) {
		bus := event.NewBus(event.DefaultCapacity)
		s := NewMotionSampler(NewSimulated(21, 40, 1), bus)

		assert.Equal(t, 1, s.Sample(ctx))
		e, err := bus.Next(ctx)
		require.NoError(t, err)
		sample := e.(event.SensorSample)
		assert.Equal(t, event.Accel6Axis, sample.Kind)
		assert.InDelta(t, 1, sample.Values[2], 0.1)
	})

	t.Run("full bus drops", func(t *testing.T) {
		bus := event.NewBus(1)
		mem := metrics.NewMemory()
		s := NewClimateSampler(NewSimulated(21, 40, 1), bus, WithMetrics(mem))

		assert.Equal(t, 1, s.Sample(ctx))
		assert.Equal(t, float64(1), mem.CounterValue(metrics.QueueFull, metrics.Labels{metrics.LabelQueue: "events"}))
	})

	t.Run("run ticks until cancelled", func(t *testing.T) {
		bus := event.NewBus(event.DefaultCapacity)
		s := NewMotionSampler(NewSimulated(21, 40, 1), bus, WithInterval(5*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		require.Eventually(t, func() bool { return bus.Len() >= 2 }, time.Second, time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}
