package mqtt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// BufferSize is the size of every fixed encode and receive buffer.
const BufferSize = 1024

// ErrBufferOverflow is returned when a packet does not fit in BufferSize bytes.
var ErrBufferOverflow = errors.New("packet exceeds buffer size")

// OutboundPacket is one encoded packet waiting in the outbound queue.
type OutboundPacket struct {
	buf [BufferSize]byte
	n   int

	// Kind is the type of the encoded packet.
	Kind PacketType

	// PacketID is the identifier the packet was encoded with, or 0.
	PacketID uint16
}

// Write appends p to the buffer. Overflow leaves the buffer unchanged.
func (o *OutboundPacket) Write(p []byte) (int, error) {
	if o.n+len(p) > len(o.buf) {
		return 0, ErrBufferOverflow
	}
	n := copy(o.buf[o.n:], p)
	o.n += n
	return n, nil
}

// Bytes returns the encoded packet.
func (o *OutboundPacket) Bytes() []byte { return o.buf[:o.n] }

// Len returns the encoded length.
func (o *OutboundPacket) Len() int { return o.n }

// Reset empties the buffer for reuse.
func (o *OutboundPacket) Reset() {
	o.n = 0
	o.Kind = 0
	o.PacketID = 0
}

// InboundPacket is a decoded packet together with its raw frame.
type InboundPacket struct {
	Packet Packet
	Raw    []byte
}

// Encode encodes p into a fresh outbound buffer.
// Any failure, including overflow of the fixed buffer, wraps ErrEncode.
func Encode(p Packet) (*OutboundPacket, error) {
	out := &OutboundPacket{Kind: p.Type()}
	if withID, ok := p.(PacketWithID); ok {
		out.PacketID = withID.ID()
	}
	if _, err := p.Encode(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, p.Type(), err)
	}
	return out, nil
}

// Decode decodes the first complete frame in buf.
// It returns the packet and the number of bytes the frame occupied.
// ErrIncomplete means buf holds only a prefix of a frame; any other error
// wraps ErrDecode and the returned length is the size of the bad frame when
// it could be determined, so the caller can skip it. For a frame larger than
// BufferSize that length exceeds len(buf).
func Decode(buf []byte) (Packet, int, error) {
	var header FixedHeader
	hn, err := header.Decode(bytes.NewReader(buf))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	frameLen := hn + int(header.RemainingLength)
	if frameLen > len(buf) {
		if frameLen > BufferSize {
			return nil, frameLen, fmt.Errorf("%w: %w", ErrDecode, ErrBufferOverflow)
		}
		return nil, 0, ErrIncomplete
	}

	p, err := decodeBody(header, buf[hn:frameLen])
	if err != nil {
		return nil, frameLen, fmt.Errorf("%w: %s: %w", ErrDecode, header.PacketType, err)
	}
	return p, frameLen, nil
}

// ReadPacket reads one complete packet from r.
func ReadPacket(r io.Reader) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}
	if header.Size()+int(header.RemainingLength) > BufferSize {
		return nil, n, fmt.Errorf("%w: %w", ErrDecode, ErrBufferOverflow)
	}

	body := make([]byte, header.RemainingLength)
	rn, err := io.ReadFull(r, body)
	n += rn
	if err != nil {
		return nil, n, err
	}

	p, err := decodeBody(header, body)
	if err != nil {
		return nil, n, fmt.Errorf("%w: %s: %w", ErrDecode, header.PacketType, err)
	}
	return p, n, nil
}

// WritePacket encodes p and writes it to w.
func WritePacket(w io.Writer, p Packet) (int, error) {
	out, err := Encode(p)
	if err != nil {
		return 0, err
	}
	return w.Write(out.Bytes())
}

func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	p, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	n, err := p.Decode(r, header)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if n != len(body) {
		return nil, ErrProtocolViolation
	}
	return p, nil
}

func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPacketType, t)
	}
}
