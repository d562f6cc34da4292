package mqtt

import (
	"context"
	"sync"
	"time"
)

// SharedSession guards a Session with one mutex. Every method holds the lock
// for a single operation only, so no activity can hold the session across a
// wait.
type SharedSession struct {
	mu sync.Mutex
	s  *Session
}

// NewSharedSession wraps s.
func NewSharedSession(s *Session) *SharedSession {
	return &SharedSession{s: s}
}

// Connect opens the transport and queues CONNECT.
func (ss *SharedSession) Connect(ctx context.Context, endpoint string, keepAlive uint16, creds *Credentials) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Connect(ctx, endpoint, keepAlive, creds)
}

// Publish queues a PUBLISH.
func (ss *SharedSession) Publish(topic string, payload []byte, qos byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Publish(topic, payload, qos)
}

// Subscribe queues a SUBSCRIBE.
func (ss *SharedSession) Subscribe(filters ...TopicFilter) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Subscribe(filters...)
}

// Ping queues a PINGREQ.
func (ss *SharedSession) Ping() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Ping()
}

// SendNext writes one queued packet.
func (ss *SharedSession) SendNext() (bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.SendNext()
}

// DrainOutbound sends queued packets, taking the lock once per packet.
func (ss *SharedSession) DrainOutbound() error {
	for {
		sent, err := ss.SendNext()
		if err != nil || !sent {
			return err
		}
	}
}

// PollInbound handles buffered inbound frames.
func (ss *SharedSession) PollInbound() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.PollInbound()
}

// NextInbound pops a buffered packet.
func (ss *SharedSession) NextInbound() (*InboundPacket, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.NextInbound()
}

// KeepAliveTick runs keep-alive bookkeeping.
func (ss *SharedSession) KeepAliveTick(now time.Time) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.KeepAliveTick(now)
}

// Established reports whether CONNECT has been written.
func (ss *SharedSession) Established() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Established()
}

// Connected reports whether the transport is open.
func (ss *SharedSession) Connected() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Connected()
}

// Pending returns the number of queued outbound packets.
func (ss *SharedSession) Pending() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Pending()
}

// Close disconnects and closes the transport.
func (ss *SharedSession) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s.Close()
}
