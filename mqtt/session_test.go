package mqtt_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcormc/sensornode/metrics"
	"github.com/marcormc/sensornode/mqtt"
	"github.com/marcormc/sensornode/mqtt/mqtttest"
)

const waitTimeout = 2 * time.Second

// fakeTransport records writes and serves canned inbound bytes.
type fakeTransport struct {
	mu       sync.Mutex
	sendErr  error
	sent     [][]byte
	inbound  []byte
	closed   int
	dialErr  error
	maxWrite int
}

func (f *fakeTransport) Connect(context.Context, string, time.Duration) error { return f.dialErr }

func (f *fakeTransport) Send(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	n := len(p)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.sent = append(f.sent, append([]byte(nil), p[:n]...))
	return n, nil
}

func (f *fakeTransport) Recv(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.inbound)
	f.inbound = f.inbound[n:]
	return n, nil
}

func (f *fakeTransport) HasData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound) > 0
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) feed(t *testing.T, p mqtt.Packet) {
	t.Helper()
	out, err := mqtt.Encode(p)
	require.NoError(t, err)
	f.mu.Lock()
	f.inbound = append(f.inbound, out.Bytes()...)
	f.mu.Unlock()
}

func (f *fakeTransport) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []byte
	for _, b := range f.sent {
		all = append(all, b...)
	}
	return all
}

func TestSessionConnect(t *testing.T) {
	t.Run("queues CONNECT and establishes once written", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		s := mqtt.NewSession(broker.Transport(), mqtt.WithClientID("node-1"))

		require.NoError(t, s.Connect(context.Background(), mqtttest.Endpoint, 60, &mqtt.Credentials{Username: "u", Password: "p"}))
		assert.True(t, s.Connected())
		assert.False(t, s.Established())
		assert.Equal(t, 1, s.Pending())

		require.NoError(t, s.DrainOutbound())
		assert.True(t, s.Established())

		require.True(t, broker.WaitFor(mqtt.PacketCONNECT, 1, waitTimeout))
		connect := broker.Received(mqtt.PacketCONNECT)[0].(*mqtt.ConnectPacket)
		assert.Equal(t, "node-1", connect.ClientID)
		assert.Equal(t, uint16(60), connect.KeepAlive)
		assert.True(t, connect.CleanSession)
		assert.Equal(t, "u", connect.Username)
		assert.Equal(t, "p", connect.Password)

		require.NoError(t, s.Close())
	})

	t.Run("dial failure is a transport error", func(t *testing.T) {
		s := mqtt.NewSession(&fakeTransport{dialErr: errors.New("no route")})

		err := s.Connect(context.Background(), "broker", 60, nil)
		assert.ErrorIs(t, err, mqtt.ErrTransport)

		var se *mqtt.SessionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "connect", se.Op)
		assert.False(t, s.Connected())
	})

	t.Run("reconnect discards stale packets", func(t *testing.T) {
		ft := &fakeTransport{}
		s := mqtt.NewSession(ft)

		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))
		require.NoError(t, s.Publish("t", []byte("x"), 1))
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		assert.Equal(t, 1, s.Pending())
		assert.Zero(t, s.InFlight())
	})

	t.Run("refused CONNACK", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		broker.SetReturnCode(mqtt.ConnectRefusedNotAuthorized)
		s := mqtt.NewSession(broker.Transport())

		require.NoError(t, s.Connect(context.Background(), mqtttest.Endpoint, 60, nil))
		require.NoError(t, s.DrainOutbound())

		var pollErr error
		require.Eventually(t, func() bool {
			pollErr = s.PollInbound()
			return pollErr != nil
		}, waitTimeout, 5*time.Millisecond)

		assert.ErrorIs(t, pollErr, mqtt.ErrConnectRefused)
		var ce *mqtt.ConnectError
		require.ErrorAs(t, pollErr, &ce)
		assert.Equal(t, mqtt.ConnectRefusedNotAuthorized, ce.ReturnCode)
		assert.False(t, s.Connected())
	})
}

func TestSessionPublish(t *testing.T) {
	t.Run("qos 1 identifier retired by PUBACK", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		m := metrics.NewMemory()
		s := mqtt.NewSession(broker.Transport(), mqtt.WithMetrics(m))

		require.NoError(t, s.Connect(context.Background(), mqtttest.Endpoint, 60, nil))
		require.NoError(t, s.Publish("/rust/temperature", []byte("21.5"), 1))
		assert.Equal(t, 1, s.InFlight())

		require.NoError(t, s.DrainOutbound())
		require.True(t, broker.WaitFor(mqtt.PacketPUBLISH, 1, waitTimeout))

		pub := broker.Received(mqtt.PacketPUBLISH)[0].(*mqtt.PublishPacket)
		assert.Equal(t, "/rust/temperature", pub.Topic)
		assert.Equal(t, []byte("21.5"), pub.Payload)
		assert.NotZero(t, pub.PacketID)

		require.Eventually(t, func() bool {
			return s.PollInbound() == nil && s.InFlight() == 0
		}, waitTimeout, 5*time.Millisecond)

		assert.Equal(t, float64(1), m.CounterValue(metrics.PacketsSent, metrics.Labels{metrics.LabelPacketType: "PUBLISH"}))
		require.NoError(t, s.Close())
	})

	t.Run("not connected", func(t *testing.T) {
		s := mqtt.NewSession(&fakeTransport{})
		assert.ErrorIs(t, s.Publish("t", nil, 0), mqtt.ErrNotConnected)
	})

	t.Run("eleventh packet is rejected", func(t *testing.T) {
		m := metrics.NewMemory()
		s := mqtt.NewSession(&fakeTransport{}, mqtt.WithMetrics(m))
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		// CONNECT occupies the first slot.
		for range 9 {
			require.NoError(t, s.Publish("t", []byte("x"), 0))
		}
		err := s.Publish("t", []byte("x"), 1)
		assert.ErrorIs(t, err, mqtt.ErrQueueFull)
		assert.Equal(t, 10, s.Pending())
		assert.Zero(t, s.InFlight())
		assert.Equal(t, float64(1), m.CounterValue(metrics.QueueFull, metrics.Labels{metrics.LabelQueue: "outbound"}))
	})

	t.Run("encode failure", func(t *testing.T) {
		s := mqtt.NewSession(&fakeTransport{})
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		err := s.Publish("", []byte("x"), 1)
		assert.ErrorIs(t, err, mqtt.ErrEncode)
		assert.Zero(t, s.InFlight())
	})
}

func TestSessionSend(t *testing.T) {
	t.Run("partial writes are completed", func(t *testing.T) {
		ft := &fakeTransport{maxWrite: 3}
		s := mqtt.NewSession(ft, mqtt.WithClientID("a"))
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		sent, err := s.SendNext()
		require.NoError(t, err)
		assert.True(t, sent)

		expected, err := mqtt.Encode(&mqtt.ConnectPacket{ClientID: "a", KeepAlive: 60, CleanSession: true})
		require.NoError(t, err)
		assert.Equal(t, expected.Bytes(), ft.written())
	})

	t.Run("failure re-queues and reports once", func(t *testing.T) {
		ft := &fakeTransport{}
		s := mqtt.NewSession(ft)
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))
		require.NoError(t, s.DrainOutbound())
		require.NoError(t, s.Publish("t", []byte("x"), 0))

		ft.mu.Lock()
		ft.sendErr = errors.New("broken pipe")
		ft.mu.Unlock()

		err := s.DrainOutbound()
		assert.ErrorIs(t, err, mqtt.ErrTransport)
		assert.Equal(t, 1, s.Pending())
		assert.False(t, s.Connected())
		assert.Equal(t, 1, ft.closed)

		_, err = s.SendNext()
		assert.ErrorIs(t, err, mqtt.ErrNotConnected)
		assert.NotErrorIs(t, err, mqtt.ErrTransport)
	})

	t.Run("empty queue", func(t *testing.T) {
		s := mqtt.NewSession(&fakeTransport{})
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))
		require.NoError(t, s.DrainOutbound())

		sent, err := s.SendNext()
		assert.NoError(t, err)
		assert.False(t, sent)
	})

	t.Run("stalled peer fails the write and releases the lock", func(t *testing.T) {
		client, peer := net.Pipe()
		defer peer.Close()

		tr := mqtt.NewStreamTransport(mqtt.WithDialer("pipe", mqtt.DialerFunc(func(context.Context, string) (net.Conn, error) {
			return client, nil
		})))
		ss := mqtt.NewSharedSession(mqtt.NewSession(tr, mqtt.WithConnectTimeout(50*time.Millisecond)))
		require.NoError(t, ss.Connect(context.Background(), "pipe://stalled", 0, nil))

		drained := make(chan error, 1)
		go func() { drained <- ss.DrainOutbound() }()

		select {
		case err := <-drained:
			assert.ErrorIs(t, err, mqtt.ErrTransport)
		case <-time.After(waitTimeout):
			t.Fatal("drain still blocked on a peer that never reads")
		}

		assert.False(t, ss.Connected())
		assert.ErrorIs(t, ss.Publish("t", []byte("x"), 0), mqtt.ErrNotConnected)
	})
}

func TestSessionInbound(t *testing.T) {
	t.Run("publish is dispatched and acknowledged", func(t *testing.T) {
		broker := mqtttest.NewBroker()

		var mu sync.Mutex
		var got []string
		s := mqtt.NewSession(broker.Transport(), mqtt.WithMessageHandler(func(topic string, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, topic+"="+string(payload))
		}))

		require.NoError(t, s.Connect(context.Background(), mqtttest.Endpoint, 60, nil))
		require.NoError(t, s.DrainOutbound())
		require.NoError(t, broker.Publish("/rust/command", []byte("blink"), 1, 42))

		require.Eventually(t, func() bool {
			_ = s.PollInbound()
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, waitTimeout, 5*time.Millisecond)
		assert.Equal(t, []string{"/rust/command=blink"}, got)

		require.NoError(t, s.DrainOutbound())
		require.True(t, broker.WaitFor(mqtt.PacketPUBACK, 1, waitTimeout))
		assert.Equal(t, uint16(42), broker.Received(mqtt.PacketPUBACK)[0].(*mqtt.PubackPacket).PacketID)

		require.NoError(t, s.Close())
	})

	t.Run("malformed frame is dropped", func(t *testing.T) {
		ft := &fakeTransport{}
		m := metrics.NewMemory()

		var topics []string
		s := mqtt.NewSession(ft, mqtt.WithMetrics(m), mqtt.WithMessageHandler(func(topic string, _ []byte) {
			topics = append(topics, topic)
		}))
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		ft.mu.Lock()
		ft.inbound = append(ft.inbound, 0x34, 0x05, 0x00, 0x01, 't', 0x00, 0x01)
		ft.mu.Unlock()
		ft.feed(t, &mqtt.PublishPacket{Topic: "ok", Payload: []byte("1")})

		require.NoError(t, s.PollInbound())
		assert.Equal(t, []string{"ok"}, topics)
		assert.Equal(t, float64(1), m.CounterValue(metrics.DecodeErrors, nil))
	})

	t.Run("oversized frame is skipped whole", func(t *testing.T) {
		ft := &fakeTransport{}
		m := metrics.NewMemory()

		var topics []string
		s := mqtt.NewSession(ft, mqtt.WithMetrics(m), mqtt.WithMessageHandler(func(topic string, _ []byte) {
			topics = append(topics, topic)
		}))
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		inner, err := mqtt.Encode(&mqtt.PublishPacket{Topic: "cmd", Payload: []byte("reboot")})
		require.NoError(t, err)

		// PUBLISH "big" with a remaining length of 2000; a well-formed
		// PUBLISH sits in its payload right after the first receive buffer.
		frame := make([]byte, 3+2000)
		copy(frame, []byte{0x30, 0xD0, 0x0F, 0x00, 0x03, 'b', 'i', 'g'})
		copy(frame[mqtt.BufferSize:], inner.Bytes())

		ft.mu.Lock()
		ft.inbound = append(ft.inbound, frame...)
		ft.mu.Unlock()
		ft.feed(t, &mqtt.PublishPacket{Topic: "ok", Payload: []byte("1")})

		for range 4 {
			require.NoError(t, s.PollInbound())
		}
		assert.Equal(t, []string{"ok"}, topics)
		assert.Equal(t, float64(1), m.CounterValue(metrics.DecodeErrors, nil))
	})

	t.Run("close drops buffered state", func(t *testing.T) {
		ft := &fakeTransport{}
		s := mqtt.NewSession(ft)
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		ft.feed(t, &mqtt.ConnackPacket{})
		require.NoError(t, s.PollInbound())
		require.NoError(t, s.Subscribe(mqtt.TopicFilter{Filter: "a", QoS: 1}))
		require.NoError(t, s.Close())

		_, ok := s.NextInbound()
		assert.False(t, ok)
		assert.Zero(t, s.Pending())
		assert.Zero(t, s.InFlight())
	})

	t.Run("other packets are buffered", func(t *testing.T) {
		ft := &fakeTransport{}
		s := mqtt.NewSession(ft)
		require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))

		ft.feed(t, &mqtt.ConnackPacket{})
		ft.feed(t, &mqtt.PingrespPacket{})
		require.NoError(t, s.PollInbound())

		p, ok := s.NextInbound()
		require.True(t, ok)
		assert.Equal(t, mqtt.PacketCONNACK, p.Packet.Type())
		assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, p.Raw)

		p, ok = s.NextInbound()
		require.True(t, ok)
		assert.Equal(t, mqtt.PacketPINGRESP, p.Packet.Type())

		_, ok = s.NextInbound()
		assert.False(t, ok)
	})

	t.Run("peer close is a transport error", func(t *testing.T) {
		broker := mqtttest.NewBroker()
		s := mqtt.NewSession(broker.Transport())
		require.NoError(t, s.Connect(context.Background(), mqtttest.Endpoint, 60, nil))

		broker.Drop()

		var pollErr error
		require.Eventually(t, func() bool {
			pollErr = s.PollInbound()
			return pollErr != nil
		}, waitTimeout, 5*time.Millisecond)
		assert.ErrorIs(t, pollErr, mqtt.ErrTransport)
	})
}

func TestSessionKeepAlive(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start

	ft := &fakeTransport{}
	s := mqtt.NewSession(ft, mqtt.WithClock(func() time.Time { return now }))

	require.NoError(t, s.KeepAliveTick(now), "no-op before connect")

	require.NoError(t, s.Connect(context.Background(), "broker", 60, nil))
	require.NoError(t, s.DrainOutbound())

	t.Run("quiet before half interval", func(t *testing.T) {
		require.NoError(t, s.KeepAliveTick(start.Add(29*time.Second)))
		assert.Zero(t, s.Pending())
	})

	t.Run("ping after half interval, once", func(t *testing.T) {
		require.NoError(t, s.KeepAliveTick(start.Add(30*time.Second)))
		assert.Equal(t, 1, s.Pending())

		require.NoError(t, s.KeepAliveTick(start.Add(31*time.Second)))
		assert.Equal(t, 1, s.Pending())
	})

	t.Run("timeout after one and a half intervals of silence", func(t *testing.T) {
		err := s.KeepAliveTick(start.Add(90 * time.Second))
		assert.ErrorIs(t, err, mqtt.ErrKeepAliveTimeout)
		assert.False(t, s.Connected())
	})
}

func TestSharedSession(t *testing.T) {
	broker := mqtttest.NewBroker()
	ss := mqtt.NewSharedSession(mqtt.NewSession(broker.Transport()))

	require.NoError(t, ss.Connect(context.Background(), mqtttest.Endpoint, 60, nil))
	require.NoError(t, ss.DrainOutbound())
	assert.True(t, ss.Established())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 2 {
				_ = ss.Publish("/rust/humidity", []byte("40"), 0)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, ss.Pending())
	require.NoError(t, ss.DrainOutbound())
	assert.True(t, broker.WaitFor(mqtt.PacketPUBLISH, 8, waitTimeout))

	require.NoError(t, ss.Close())
	assert.True(t, broker.WaitFor(mqtt.PacketDISCONNECT, 1, waitTimeout))
	assert.False(t, ss.Connected())
}
