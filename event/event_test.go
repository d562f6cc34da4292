package event

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsValidate(t *testing.T) {
	valid := Credentials{WiFiSSID: "net1", WiFiPSK: "password1", BrokerHost: "broker.local"}
	require.NoError(t, valid.Validate())

	t.Run("open network and anonymous broker", func(t *testing.T) {
		assert.NoError(t, Credentials{WiFiSSID: "cafe", BrokerHost: "10.0.0.1"}.Validate())
	})

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing ssid", Credentials{WiFiPSK: "password1", BrokerHost: "broker"}},
		{"long ssid", Credentials{WiFiSSID: "0123456789012345678901234567890123", BrokerHost: "broker"}},
		{"long psk", Credentials{WiFiSSID: "net1", WiFiPSK: strings.Repeat("k", 65), BrokerHost: "broker"}},
		{"missing host", Credentials{WiFiSSID: "net1", BrokerHost: "  "}},
		{"password without user", Credentials{WiFiSSID: "net1", BrokerHost: "broker", BrokerPassword: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.creds.Validate(), ErrProvisioning)
		})
	}
}

func TestSensorSamplePayload(t *testing.T) {
	assert.Equal(t, "21.5", string(NewTemperature(21.5).Payload()))
	assert.Equal(t, "40.1", string(NewHumidity(40.1).Payload()))
	assert.Equal(t, "-3", string(NewTemperature(-3).Payload()))
	assert.Equal(t, "0.5,-1,9.81,0,0,0.25", string(NewAccel([6]float32{0.5, -1, 9.81, 0, 0, 0.25}).Payload()))
	assert.Equal(t, "SensorSample", NewTemperature(1).Name())
	assert.Equal(t, "accel", Accel6Axis.String())
}

func TestBus(t *testing.T) {
	t.Run("fifo", func(t *testing.T) {
		bus := NewBus(DefaultCapacity)
		require.NoError(t, bus.Post(NetworkAttached{}))
		require.NoError(t, bus.Post(SessionEstablished{}))

		e, err := bus.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NetworkAttached{}, e)

		e, err = bus.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SessionEstablished{}, e)
	})

	t.Run("post fails fast when full", func(t *testing.T) {
		bus := NewBus(DefaultCapacity)
		for range DefaultCapacity {
			require.NoError(t, bus.Post(NewTemperature(20)))
		}

		assert.ErrorIs(t, bus.Post(NewTemperature(21)), ErrQueueFull)
		assert.Equal(t, DefaultCapacity, bus.Len())
	})

	t.Run("post wait blocks until room", func(t *testing.T) {
		bus := NewBus(1)
		require.NoError(t, bus.Post(NetworkAttached{}))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.PostWait(context.Background(), SessionEstablished{}))
		}()

		_, err := bus.Next(context.Background())
		require.NoError(t, err)
		wg.Wait()
		assert.Equal(t, 1, bus.Len())
	})

	t.Run("post wait honours context", func(t *testing.T) {
		bus := NewBus(1)
		require.NoError(t, bus.Post(NetworkAttached{}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bus.PostWait(ctx, NetworkDetached{}), context.DeadlineExceeded)
	})

	t.Run("next honours context", func(t *testing.T) {
		bus := NewBus(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := bus.Next(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
