package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultConnectTimeout bounds opening a transport connection.
const DefaultConnectTimeout = 30 * time.Second

// Transport is a byte-stream connection to the broker.
// Implementations carry no retry logic.
type Transport interface {
	// Connect opens the connection to address within timeout.
	Connect(ctx context.Context, address string, timeout time.Duration) error

	// Send writes p, returning how much of it was accepted.
	Send(p []byte) (int, error)

	// Recv reads into p. It returns 0 and io.EOF when the peer closed.
	Recv(p []byte) (int, error)

	// HasData reports without blocking whether Recv would return at once.
	HasData() bool

	// Close closes the connection. Closing a closed transport is a no-op.
	Close() error
}

// WriteTimeouter is implemented by transports that bound every Send.
type WriteTimeouter interface {
	// SetWriteTimeout sets how long a single Send may block on the
	// current connection.
	SetWriteTimeout(d time.Duration)
}

// maxPending bounds bytes read ahead of the session.
const maxPending = 4 * BufferSize

// StreamTransport implements Transport over a net.Conn chosen by the
// endpoint scheme. A reader goroutine buffers incoming bytes so HasData
// never blocks.
type StreamTransport struct {
	mu      sync.Mutex
	dialers map[string]Dialer
	stream  *stream
}

// TransportOption configures a StreamTransport.
type TransportOption func(*StreamTransport)

// WithDialer registers d for endpoints with the given scheme.
func WithDialer(scheme string, d Dialer) TransportOption {
	return func(t *StreamTransport) {
		t.dialers[scheme] = d
	}
}

// WithTLSConfig sets the TLS configuration used by tls, wss and quic endpoints.
func WithTLSConfig(cfg *tls.Config) TransportOption {
	return func(t *StreamTransport) {
		t.dialers["tls"] = &TLSDialer{Config: cfg}
		t.dialers["wss"] = NewWSDialer(cfg)
		t.dialers["quic"] = &QUICDialer{TLSConfig: cfg}
	}
}

// WithProxy routes tcp and tls endpoints through the proxy dialer.
func WithProxy(p *ProxyDialer) TransportOption {
	return func(t *StreamTransport) {
		t.dialers["tcp"] = &TCPDialer{Forward: p}
		if td, ok := t.dialers["tls"].(*TLSDialer); ok {
			t.dialers["tls"] = &TLSDialer{Config: td.Config, Forward: p}
		}
	}
}

// NewStreamTransport creates a transport supporting tcp, tls, ws, wss, quic
// and unix endpoints.
func NewStreamTransport(opts ...TransportOption) *StreamTransport {
	t := &StreamTransport{
		dialers: map[string]Dialer{
			"tcp":  &TCPDialer{},
			"tls":  &TLSDialer{},
			"ws":   NewWSDialer(nil),
			"wss":  NewWSDialer(nil),
			"quic": &QUICDialer{},
			"unix": &UnixDialer{},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens a connection to the endpoint. An open connection is closed first.
func (t *StreamTransport) Connect(ctx context.Context, address string, timeout time.Duration) error {
	ep, err := ParseEndpoint(address)
	if err != nil {
		return err
	}

	t.mu.Lock()
	dialer, ok := t.dialers[ep.Scheme]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, ep.Address)
	if err != nil {
		return err
	}

	s := newStream(conn, timeout)

	t.mu.Lock()
	old := t.stream
	t.stream = s
	t.mu.Unlock()

	if old != nil {
		old.close()
	}
	go s.readLoop()
	return nil
}

func (t *StreamTransport) current() *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
}

// SetWriteTimeout bounds each Send on the current connection. A connection
// starts with the timeout it was opened with.
func (t *StreamTransport) SetWriteTimeout(d time.Duration) {
	s := t.current()
	if s == nil || d <= 0 {
		return
	}
	s.mu.Lock()
	s.writeTimeout = d
	s.mu.Unlock()
}

// Send writes p to the connection. A write that does not finish within the
// write timeout fails with os.ErrDeadlineExceeded.
func (t *StreamTransport) Send(p []byte) (int, error) {
	s := t.current()
	if s == nil {
		return 0, ErrNotConnected
	}

	s.mu.Lock()
	timeout := s.writeTimeout
	s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return s.conn.Write(p)
}

// Recv reads buffered bytes, blocking until some arrive or the connection ends.
func (t *StreamTransport) Recv(p []byte) (int, error) {
	s := t.current()
	if s == nil {
		return 0, ErrNotConnected
	}
	return s.read(p)
}

// HasData reports whether bytes or a connection error are pending.
func (t *StreamTransport) HasData() bool {
	s := t.current()
	if s == nil {
		return false
	}
	return s.ready()
}

// Close closes the connection.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	s := t.stream
	t.stream = nil
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.close()
}

// stream is the per-connection read-ahead state.
type stream struct {
	conn net.Conn

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []byte
	err          error
	closed       bool
	writeTimeout time.Duration
}

func newStream(conn net.Conn, writeTimeout time.Duration) *stream {
	s := &stream{conn: conn, writeTimeout: writeTimeout}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) readLoop() {
	buf := make([]byte, BufferSize)
	for {
		n, err := s.conn.Read(buf)

		s.mu.Lock()
		s.pending = append(s.pending, buf[:n]...)
		if err != nil && s.err == nil {
			s.err = err
		}
		s.cond.Broadcast()
		for len(s.pending) >= maxPending && !s.closed {
			s.cond.Wait()
		}
		stop := s.err != nil || s.closed
		s.mu.Unlock()

		if stop {
			return
		}
	}
}

func (s *stream) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}

	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.cond.Broadcast()
		return n, nil
	}
	if s.closed {
		return 0, net.ErrClosed
	}
	if s.err == io.EOF {
		return 0, io.EOF
	}
	return 0, s.err
}

func (s *stream) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || s.err != nil
}

func (s *stream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	return s.conn.Close()
}
