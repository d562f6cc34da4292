package mqtt

import (
	"errors"
	"fmt"
)

// Sentinel errors - check with errors.Is().
var (
	// ErrTransport is returned when the underlying connection fails to open, read or write.
	ErrTransport = errors.New("transport error")

	// ErrEncode is returned when a packet cannot be encoded into its fixed buffer.
	ErrEncode = errors.New("encode error")

	// ErrDecode is returned when inbound bytes are not a valid packet.
	ErrDecode = errors.New("decode error")

	// ErrQueueFull is returned when a bounded queue rejects an item.
	ErrQueueFull = errors.New("queue full")

	// ErrIncomplete is returned by Decode when more bytes are needed for a full frame.
	ErrIncomplete = errors.New("incomplete packet")

	// ErrNotConnected is returned when an operation requires an open transport.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectRefused is returned when the broker answers CONNECT with a non-zero return code.
	ErrConnectRefused = errors.New("connection refused")

	// ErrKeepAliveTimeout is returned when nothing has been received for 1.5 keep-alive periods.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrInvalidQoS is returned for QoS levels other than 0 and 1.
	ErrInvalidQoS = errors.New("invalid QoS level")

	// ErrProtocolViolation is returned for structurally valid frames with illegal content.
	ErrProtocolViolation = errors.New("protocol violation")
)

// SessionError records the session operation that failed.
// Extract with errors.As().
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string { return "mqtt " + e.Op + ": " + e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }

// opError tags cause with kind unless it already matches it.
func opError(op string, kind, cause error) error {
	switch {
	case cause == nil:
		cause = kind
	case !errors.Is(cause, kind):
		cause = fmt.Errorf("%w: %w", kind, cause)
	}
	return &SessionError{Op: op, Err: cause}
}

// ConnectError carries the CONNACK return code of a refused connection.
// Extract with errors.As().
type ConnectError struct {
	ReturnCode ConnectReturnCode
}

func (e *ConnectError) Error() string { return "connect refused: " + e.ReturnCode.String() }
func (e *ConnectError) Unwrap() error { return ErrConnectRefused }
