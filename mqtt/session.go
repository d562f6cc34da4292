package mqtt

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
)

// Credentials are the optional broker user name and password.
type Credentials struct {
	Username string
	Password string
}

// keepAliveGrace is the multiple of the keep-alive interval after which a
// silent broker is considered gone.
const keepAliveGrace = 1.5

// Session is a minimal MQTT 3.1.1 client engine: it encodes packets into
// bounded queues and moves bytes over a Transport when asked to. It never
// blocks waiting for the broker. A Session is not safe for concurrent use;
// share it through SharedSession.
type Session struct {
	opts      *sessionOptions
	transport Transport
	log       logging.Logger

	outbound *Queue[*OutboundPacket]
	inbound  *Queue[*InboundPacket]
	ids      *PacketIDs

	recv    [BufferSize]byte
	recvLen int
	// skip counts bytes of an oversized frame not yet received.
	skip int

	connected   bool
	established bool
	pingPending bool

	keepAlive   time.Duration
	lastSent    time.Time
	lastRecv    time.Time
	connectedAt time.Time
}

// NewSession creates a session over the given transport.
func NewSession(transport Transport, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Session{
		opts:      o,
		transport: transport,
		log:       o.logger.WithFields(logging.Fields{logging.FieldActivity: "mqtt"}),
		outbound:  NewQueue[*OutboundPacket](o.queueCapacity),
		inbound:   NewQueue[*InboundPacket](o.queueCapacity),
		ids:       NewPacketIDs(o.inflightWindow),
	}
}

// ClientID returns the client identifier sent in CONNECT.
func (s *Session) ClientID() string { return s.opts.clientID }

// Connect opens the transport to endpoint and queues a CONNECT packet with a
// clean session. It does not wait for CONNACK; a refusal surfaces from
// PollInbound. Packets queued for a previous connection are discarded.
func (s *Session) Connect(ctx context.Context, endpoint string, keepAlive uint16, creds *Credentials) error {
	if s.connected {
		s.teardown()
	}

	connect := &ConnectPacket{
		ClientID:     s.opts.clientID,
		KeepAlive:    keepAlive,
		CleanSession: true,
	}
	if creds != nil {
		connect.Username = creds.Username
		connect.Password = creds.Password
	}
	out, err := Encode(connect)
	if err != nil {
		return opError("connect", ErrEncode, err)
	}

	if err := s.transport.Connect(ctx, endpoint, s.opts.connectTimeout); err != nil {
		return opError("connect", ErrTransport, err)
	}
	if wt, ok := s.transport.(WriteTimeouter); ok {
		wt.SetWriteTimeout(s.writeTimeout(keepAlive))
	}

	now := s.opts.now()
	s.reset()
	s.connected = true
	s.keepAlive = time.Duration(keepAlive) * time.Second
	s.lastSent = now
	s.lastRecv = now
	s.connectedAt = now

	// The queue was just cleared, so CONNECT always fits.
	_ = s.outbound.Push(out)

	s.opts.metrics.Counter(metrics.SessionsOpened, nil).Inc()
	s.log.Info("transport connected", logging.Fields{logging.FieldRemoteAddr: endpoint})
	return nil
}

// writeTimeout bounds a single transport write: the keep-alive grace period
// when keep-alive is on, the connect timeout otherwise.
func (s *Session) writeTimeout(keepAlive uint16) time.Duration {
	if keepAlive == 0 {
		return s.opts.connectTimeout
	}
	return time.Duration(float64(time.Duration(keepAlive)*time.Second) * keepAliveGrace)
}

// Publish queues a PUBLISH at QoS 0 or 1. QoS 1 publications take a packet
// identifier that is retired when the broker's PUBACK arrives.
func (s *Session) Publish(topic string, payload []byte, qos byte) error {
	if qos > 1 {
		return opError("publish", ErrEncode, ErrInvalidQoS)
	}

	return s.enqueueWithID("publish", qos > 0, func(id uint16) Packet {
		return &PublishPacket{Topic: topic, Payload: payload, QoS: qos, PacketID: id}
	})
}

// Subscribe queues one SUBSCRIBE listing every filter.
func (s *Session) Subscribe(filters ...TopicFilter) error {
	return s.enqueueWithID("subscribe", true, func(id uint16) Packet {
		return &SubscribePacket{PacketID: id, Filters: filters}
	})
}

// Ping queues a PINGREQ.
func (s *Session) Ping() error {
	if err := s.enqueue("ping", &PingreqPacket{}); err != nil {
		return err
	}
	s.pingPending = true
	return nil
}

func (s *Session) enqueueWithID(op string, needsID bool, build func(id uint16) Packet) error {
	if !s.connected {
		return opError(op, ErrNotConnected, nil)
	}
	if s.outbound.Len() == s.outbound.Cap() {
		return s.queueFull(op)
	}

	var id uint16
	if needsID {
		var evicted uint16
		id, evicted = s.ids.Allocate()
		if evicted != 0 {
			s.log.Warn("in-flight window full, giving up on oldest packet id",
				logging.Fields{logging.FieldPacketID: evicted})
		}
	}

	p := build(id)
	out, err := Encode(p)
	if err != nil {
		if needsID {
			s.ids.Release(id)
		}
		return opError(op, ErrEncode, err)
	}

	// Capacity was checked above.
	_ = s.outbound.Push(out)
	return nil
}

func (s *Session) enqueue(op string, p Packet) error {
	if !s.connected {
		return opError(op, ErrNotConnected, nil)
	}
	out, err := Encode(p)
	if err != nil {
		return opError(op, ErrEncode, err)
	}
	if err := s.outbound.Push(out); err != nil {
		return s.queueFull(op)
	}
	return nil
}

func (s *Session) queueFull(op string) error {
	s.opts.metrics.Counter(metrics.QueueFull, metrics.Labels{metrics.LabelQueue: "outbound"}).Inc()
	return opError(op, ErrQueueFull, nil)
}

// SendNext writes the packet at the head of the outbound queue, looping over
// partial writes. It reports whether a packet was sent. On a transport
// failure, including a write that outlives the write timeout, the packet
// goes back to the head of the queue, the transport is closed and
// ErrTransport is returned; later calls return ErrNotConnected until the
// next Connect.
func (s *Session) SendNext() (bool, error) {
	if !s.connected {
		return false, opError("send", ErrNotConnected, nil)
	}

	out, ok := s.outbound.Pop()
	if !ok {
		return false, nil
	}

	data := out.Bytes()
	for written := 0; written < len(data); {
		n, err := s.transport.Send(data[written:])
		written += n
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			_ = s.outbound.PushFront(out)
			s.lost("send", err)
			return false, opError("send", ErrTransport, err)
		}
	}

	s.lastSent = s.opts.now()
	switch out.Kind {
	case PacketCONNECT:
		s.established = true
	case PacketPINGREQ:
		s.pingPending = false
	}

	s.opts.metrics.Counter(metrics.PacketsSent, metrics.Labels{metrics.LabelPacketType: out.Kind.String()}).Inc()
	s.opts.metrics.Counter(metrics.BytesSent, nil).Add(float64(len(data)))
	s.log.Debug("packet sent", logging.Fields{
		logging.FieldPacketType: out.Kind.String(),
		logging.FieldPacketID:   out.PacketID,
		logging.FieldBytes:      len(data),
	})
	return true, nil
}

// DrainOutbound sends queued packets until the queue is empty or a send fails.
func (s *Session) DrainOutbound() error {
	for {
		sent, err := s.SendNext()
		if err != nil || !sent {
			return err
		}
	}
}

// PollInbound reads whatever the transport has buffered without blocking
// and handles every complete frame. PUBLISH goes to the message handler
// (QoS 1 is acknowledged), PUBACK and SUBACK retire their identifiers and
// other packets are kept for NextInbound. Malformed frames are logged and
// dropped.
func (s *Session) PollInbound() error {
	if !s.connected {
		return opError("receive", ErrNotConnected, nil)
	}

	for s.transport.HasData() && s.recvLen < len(s.recv) {
		n, err := s.transport.Recv(s.recv[s.recvLen:])
		if n > 0 {
			s.recvLen += n
			s.lastRecv = s.opts.now()
			s.opts.metrics.Counter(metrics.BytesReceived, nil).Add(float64(n))
		}
		if err != nil {
			s.lost("receive", err)
			return opError("receive", ErrTransport, err)
		}
		if err := s.processFrames(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) processFrames() error {
	for s.recvLen > 0 {
		if s.skip > 0 {
			n := min(s.skip, s.recvLen)
			s.consume(n)
			s.skip -= n
			continue
		}

		p, n, err := Decode(s.recv[:s.recvLen])
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.opts.metrics.Counter(metrics.DecodeErrors, nil).Inc()
			s.log.Warn("discarding malformed frame", logging.Fields{logging.FieldError: err})
			if n == 0 {
				// Frame boundary unknown; nothing buffered can be trusted.
				n = s.recvLen
			}
			if n > s.recvLen {
				s.skip = n - s.recvLen
				n = s.recvLen
			}
			s.consume(n)
			continue
		}

		raw := make([]byte, n)
		copy(raw, s.recv[:n])
		s.consume(n)

		s.opts.metrics.Counter(metrics.PacketsReceived, metrics.Labels{metrics.LabelPacketType: p.Type().String()}).Inc()
		if err := s.dispatch(p, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) consume(n int) {
	copy(s.recv[:], s.recv[n:s.recvLen])
	s.recvLen -= n
}

func (s *Session) dispatch(p Packet, raw []byte) error {
	switch pkt := p.(type) {
	case *PublishPacket:
		s.opts.onMessage(pkt.Topic, pkt.Payload)
		if pkt.QoS == 1 {
			if err := s.enqueue("puback", &PubackPacket{PacketID: pkt.PacketID}); err != nil {
				s.log.Warn("cannot acknowledge publish", logging.Fields{
					logging.FieldPacketID: pkt.PacketID,
					logging.FieldError:    err,
				})
			}
		}
		return nil

	case *PubackPacket:
		if !s.ids.Release(pkt.PacketID) {
			s.log.Debug("PUBACK for unknown packet id", logging.Fields{logging.FieldPacketID: pkt.PacketID})
		}
		return nil

	case *SubackPacket:
		s.ids.Release(pkt.PacketID)
		for i, rc := range pkt.ReturnCodes {
			if rc == SubackFailure {
				s.log.Warn("subscription rejected", logging.Fields{"index": i, logging.FieldPacketID: pkt.PacketID})
			}
		}

	case *ConnackPacket:
		if !pkt.Accepted() {
			s.teardown()
			return &SessionError{Op: "connect", Err: &ConnectError{ReturnCode: pkt.ReturnCode}}
		}
		s.opts.metrics.Histogram(metrics.ConnectLatency, nil).ObserveDuration(s.opts.now().Sub(s.connectedAt))
	}

	if err := s.inbound.Push(&InboundPacket{Packet: p, Raw: raw}); err != nil {
		s.opts.metrics.Counter(metrics.QueueFull, metrics.Labels{metrics.LabelQueue: "inbound"}).Inc()
		s.log.Debug("inbound queue full, dropping packet", logging.Fields{logging.FieldPacketType: p.Type().String()})
	}
	return nil
}

// NextInbound pops the oldest buffered non-PUBLISH packet.
func (s *Session) NextInbound() (*InboundPacket, bool) {
	return s.inbound.Pop()
}

// KeepAliveTick queues a PINGREQ when nothing was sent for half the
// keep-alive interval, and fails the connection with ErrKeepAliveTimeout when
// nothing was received for 1.5 intervals.
func (s *Session) KeepAliveTick(now time.Time) error {
	if !s.established || s.keepAlive == 0 {
		return nil
	}

	if now.Sub(s.lastRecv) >= time.Duration(float64(s.keepAlive)*keepAliveGrace) {
		s.lost("keepalive", ErrKeepAliveTimeout)
		return opError("keepalive", ErrKeepAliveTimeout, nil)
	}

	if !s.pingPending && now.Sub(s.lastSent) >= s.keepAlive/2 {
		if err := s.Ping(); err != nil {
			s.log.Warn("cannot queue PINGREQ", logging.Fields{logging.FieldError: err})
		}
	}
	return nil
}

// Established reports whether CONNECT has been fully written on an open transport.
func (s *Session) Established() bool { return s.connected && s.established }

// Connected reports whether the transport is open.
func (s *Session) Connected() bool { return s.connected }

// Pending returns the number of queued outbound packets.
func (s *Session) Pending() int { return s.outbound.Len() }

// InFlight returns the number of packet identifiers awaiting acknowledgement.
func (s *Session) InFlight() int { return s.ids.Len() }

// Close sends a best-effort DISCONNECT and closes the transport.
func (s *Session) Close() error {
	if !s.connected {
		return nil
	}
	if s.established {
		if out, err := Encode(&DisconnectPacket{}); err == nil {
			_, _ = s.transport.Send(out.Bytes())
		}
	}

	s.connected = false
	s.reset()
	return s.transport.Close()
}

// reset drops all per-connection state.
func (s *Session) reset() {
	s.established = false
	s.pingPending = false
	s.outbound.Clear()
	s.inbound.Clear()
	s.ids.Reset()
	s.recvLen = 0
	s.skip = 0
}

// lost records a transport failure and closes the connection.
func (s *Session) lost(op string, cause error) {
	s.opts.metrics.Counter(metrics.SessionsLost, nil).Inc()
	s.log.Warn("connection lost", logging.Fields{"op": op, logging.FieldError: cause})
	s.teardown()
}

func (s *Session) teardown() {
	s.connected = false
	s.established = false
	s.pingPending = false
	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close failed", logging.Fields{logging.FieldError: err})
	}
}
