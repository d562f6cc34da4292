package fsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/metrics"
	"github.com/marcormc/sensornode/store"
)

var creds = event.Credentials{WiFiSSID: "net1", WiFiPSK: "pw1", BrokerHost: "broker.local"}

type fakeEffects struct {
	store      *store.Memory
	calls      []string
	samples    []event.SensorSample
	commands   []string
	retries    []bool
	apErr      error
	stationErr error
}

func newFakeEffects() *fakeEffects {
	return &fakeEffects{store: store.NewMemory()}
}

func (f *fakeEffects) LoadCredentials(ctx context.Context) (event.Credentials, bool, error) {
	f.calls = append(f.calls, "load")
	return store.LoadCredentials(ctx, f.store)
}

func (f *fakeEffects) SaveCredentials(ctx context.Context, c event.Credentials) error {
	f.calls = append(f.calls, "save")
	return store.SaveCredentials(ctx, f.store, c)
}

func (f *fakeEffects) StartAccessPoint(context.Context) error {
	f.calls = append(f.calls, "ap")
	return f.apErr
}

func (f *fakeEffects) StopProvisioning(context.Context) error {
	f.calls = append(f.calls, "stop-provisioning")
	return nil
}

func (f *fakeEffects) StartStation(context.Context, event.Credentials) error {
	f.calls = append(f.calls, "station")
	return f.stationErr
}

func (f *fakeEffects) OpenSession(_ context.Context, _ event.Credentials, retry bool) error {
	f.calls = append(f.calls, "open")
	f.retries = append(f.retries, retry)
	return nil
}

func (f *fakeEffects) CloseSession(context.Context) error {
	f.calls = append(f.calls, "close")
	return nil
}

func (f *fakeEffects) SubscribeCommands(context.Context) error {
	f.calls = append(f.calls, "subscribe")
	return nil
}

func (f *fakeEffects) PublishStatus(context.Context, string) error {
	f.calls = append(f.calls, "status")
	return nil
}

func (f *fakeEffects) PublishSample(_ context.Context, s event.SensorSample) error {
	f.calls = append(f.calls, "publish")
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeEffects) Dispatch(_ context.Context, cmd string) error {
	f.calls = append(f.calls, "dispatch")
	f.commands = append(f.commands, cmd)
	return nil
}

func allStates() []State {
	return []State{
		Unprovisioned{},
		Provisioned{Credentials: creds},
		NetworkAttached{Credentials: creds},
		SessionActive{Credentials: creds},
		Failed{Reason: "x"},
	}
}

func allEvents() []event.Event {
	return []event.Event{
		event.CredentialsProvided{Credentials: creds},
		event.NetworkAttached{},
		event.NetworkDetached{},
		event.SessionEstablished{},
		event.SessionLost{Cause: errors.New("eof")},
		event.RemoteCommand{Text: "reboot"},
		event.NewTemperature(21.5),
	}
}

func TestApply(t *testing.T) {
	defined := map[[2]string]string{
		{"Unprovisioned", "CredentialsProvided"}:  "Provisioned",
		{"Provisioned", "NetworkAttached"}:        "NetworkAttached",
		{"NetworkAttached", "SessionEstablished"}: "SessionActive",
		{"NetworkAttached", "SessionLost"}:        "NetworkAttached",
		{"NetworkAttached", "NetworkDetached"}:    "Provisioned",
		{"SessionActive", "RemoteCommand"}:        "SessionActive",
		{"SessionActive", "SensorSample"}:         "SessionActive",
		{"SessionActive", "SessionLost"}:          "NetworkAttached",
		{"SessionActive", "NetworkDetached"}:      "Provisioned",
	}

	for _, s := range allStates() {
		for _, e := range allEvents() {
			t.Run(s.Name()+"/"+e.Name(), func(t *testing.T) {
				next, ok := Apply(s, e)

				want, isDefined := defined[[2]string{s.Name(), e.Name()}]
				if !isDefined {
					assert.False(t, ok)
					assert.Nil(t, next)
					return
				}

				require.True(t, ok)
				assert.Equal(t, want, next.Name())
			})
		}
	}

	t.Run("referentially transparent", func(t *testing.T) {
		for _, s := range allStates() {
			for _, e := range allEvents() {
				a, okA := Apply(s, e)
				b, okB := Apply(s, e)
				assert.Equal(t, okA, okB)
				assert.Equal(t, a, b)
			}
		}
	})

	t.Run("credentials carried forward", func(t *testing.T) {
		s, _ := Apply(Unprovisioned{}, event.CredentialsProvided{Credentials: creds})
		s, _ = Apply(s, event.NetworkAttached{})
		s, _ = Apply(s, event.SessionEstablished{})
		s, _ = Apply(s, event.NetworkDetached{})
		assert.Equal(t, Provisioned{Credentials: creds}, s)
	})
}

func TestMachineScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("credentials provided", func(t *testing.T) {
		fx := newFakeEffects()
		m := NewMachine(fx)

		require.NoError(t, m.Start(ctx))
		assert.Equal(t, Unprovisioned{}, m.State())
		assert.Equal(t, []string{"load", "ap"}, fx.calls)

		require.NoError(t, m.Handle(ctx, event.CredentialsProvided{Credentials: creds}))
		assert.Equal(t, Provisioned{Credentials: creds}, m.State())

		ssid, ok, err := fx.store.Get(ctx, store.KeyWiFiSSID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "net1", ssid)
		assert.Equal(t, []string{"load", "ap", "save", "stop-provisioning", "station"}, fx.calls)
	})

	t.Run("network then session", func(t *testing.T) {
		fx := newFakeEffects()
		m := NewMachine(fx)
		require.NoError(t, m.Handle(ctx, event.CredentialsProvided{Credentials: creds}))
		fx.calls = nil

		require.NoError(t, m.Handle(ctx, event.NetworkAttached{}))
		assert.Equal(t, NetworkAttached{Credentials: creds}, m.State())
		assert.Equal(t, []string{"open"}, fx.calls)
		assert.Equal(t, []bool{false}, fx.retries)

		require.NoError(t, m.Handle(ctx, event.SessionEstablished{}))
		assert.Equal(t, SessionActive{Credentials: creds}, m.State())
		assert.Equal(t, []string{"open", "subscribe", "status"}, fx.calls)
	})

	t.Run("sample while unprovisioned is dropped", func(t *testing.T) {
		fx := newFakeEffects()
		mem := metrics.NewMemory()
		m := NewMachine(fx, WithMetrics(mem))

		require.NoError(t, m.Handle(ctx, event.NewTemperature(21.5)))
		assert.Equal(t, Unprovisioned{}, m.State())
		assert.Empty(t, fx.calls)
		assert.Empty(t, fx.samples)
		assert.Equal(t, float64(1), mem.CounterValue(metrics.EventsDropped, metrics.Labels{
			metrics.LabelState: "Unprovisioned",
			metrics.LabelEvent: "SensorSample",
		}))
	})

	t.Run("stored credentials skip provisioning", func(t *testing.T) {
		fx := newFakeEffects()
		require.NoError(t, store.SaveCredentials(ctx, fx.store, creds))
		m := NewMachine(fx)

		require.NoError(t, m.Start(ctx))
		assert.Equal(t, Provisioned{Credentials: creds}, m.State())
		assert.NotContains(t, fx.calls, "ap")
		assert.Contains(t, fx.calls, "station")
	})
}

func TestMachineActiveSession(t *testing.T) {
	ctx := context.Background()

	active := func(t *testing.T) (*Machine, *fakeEffects) {
		fx := newFakeEffects()
		m := NewMachine(fx)
		for _, e := range []event.Event{
			event.CredentialsProvided{Credentials: creds},
			event.NetworkAttached{},
			event.SessionEstablished{},
		} {
			require.NoError(t, m.Handle(ctx, e))
		}
		fx.calls = nil
		fx.retries = nil
		return m, fx
	}

	t.Run("sample is published", func(t *testing.T) {
		m, fx := active(t)
		require.NoError(t, m.Handle(ctx, event.NewTemperature(21.5)))
		assert.Equal(t, []event.SensorSample{event.NewTemperature(21.5)}, fx.samples)
		assert.Equal(t, SessionActive{Credentials: creds}, m.State())
	})

	t.Run("command is dispatched", func(t *testing.T) {
		m, fx := active(t)
		require.NoError(t, m.Handle(ctx, event.RemoteCommand{Text: "led on"}))
		assert.Equal(t, []string{"led on"}, fx.commands)
	})

	t.Run("session lost reopens", func(t *testing.T) {
		m, fx := active(t)
		require.NoError(t, m.Handle(ctx, event.SessionLost{Cause: errors.New("eof")}))
		assert.Equal(t, NetworkAttached{Credentials: creds}, m.State())
		assert.Equal(t, []bool{true}, fx.retries)

		require.NoError(t, m.Handle(ctx, event.SessionLost{}))
		assert.Equal(t, []bool{true, true}, fx.retries)
	})

	t.Run("network detached", func(t *testing.T) {
		m, fx := active(t)
		require.NoError(t, m.Handle(ctx, event.NetworkDetached{}))
		assert.Equal(t, Provisioned{Credentials: creds}, m.State())
		assert.Equal(t, []string{"close", "station"}, fx.calls)
	})
}

func TestMachineFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("access point failure is fatal", func(t *testing.T) {
		fx := newFakeEffects()
		fx.apErr = errors.New("radio busy")
		m := NewMachine(fx)

		err := m.Start(ctx)
		assert.ErrorIs(t, err, ErrAssociation)
		assert.Equal(t, Unprovisioned{}, m.State())
	})

	t.Run("station failure is fatal", func(t *testing.T) {
		fx := newFakeEffects()
		fx.stationErr = errors.New("no such network")
		m := NewMachine(fx)

		err := m.Handle(ctx, event.CredentialsProvided{Credentials: creds})
		assert.ErrorIs(t, err, ErrAssociation)
		assert.Equal(t, "Provisioned", m.State().Name())
	})

	t.Run("failed is terminal", func(t *testing.T) {
		fx := newFakeEffects()
		m := NewMachine(fx)
		m.Fail("flash corrupted")

		for _, e := range allEvents() {
			require.NoError(t, m.Handle(ctx, e))
		}
		assert.Equal(t, Failed{Reason: "flash corrupted"}, m.State())
		assert.Empty(t, fx.calls)
	})

	t.Run("start outside unprovisioned", func(t *testing.T) {
		m := NewMachine(newFakeEffects())
		require.NoError(t, m.Handle(ctx, event.CredentialsProvided{Credentials: creds}))
		assert.ErrorIs(t, m.Start(ctx), ErrState)
	})
}

func TestMachineRun(t *testing.T) {
	fx := newFakeEffects()
	m := NewMachine(fx)
	bus := event.NewBus(event.DefaultCapacity)

	require.NoError(t, bus.Post(event.CredentialsProvided{Credentials: creds}))
	require.NoError(t, bus.Post(event.NetworkAttached{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		return m.State().Name() == "NetworkAttached"
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
