package mqtt

import "io"

// ConnectReturnCode is the CONNACK return code of MQTT 3.1.1.
type ConnectReturnCode byte

// CONNACK return codes.
const (
	ConnectAccepted                   ConnectReturnCode = 0x00
	ConnectRefusedProtocolVersion     ConnectReturnCode = 0x01
	ConnectRefusedIdentifierRejected  ConnectReturnCode = 0x02
	ConnectRefusedServerUnavailable   ConnectReturnCode = 0x03
	ConnectRefusedBadUsernamePassword ConnectReturnCode = 0x04
	ConnectRefusedNotAuthorized       ConnectReturnCode = 0x05
)

// String returns a human readable description of the return code.
func (c ConnectReturnCode) String() string {
	switch c {
	case ConnectAccepted:
		return "accepted"
	case ConnectRefusedProtocolVersion:
		return "unacceptable protocol version"
	case ConnectRefusedIdentifierRejected:
		return "identifier rejected"
	case ConnectRefusedServerUnavailable:
		return "server unavailable"
	case ConnectRefusedBadUsernamePassword:
		return "bad user name or password"
	case ConnectRefusedNotAuthorized:
		return "not authorized"
	default:
		return "unknown return code"
	}
}

// ConnackPacket represents an MQTT 3.1.1 CONNACK packet.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	total, err := writeHeader(w, PacketCONNACK, 0, 2)
	if err != nil {
		return total, err
	}

	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	n, err := w.Write([]byte{ack, byte(p.ReturnCode)})
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if err := expectHeader(header, PacketCONNACK); err != nil {
		return 0, err
	}
	if header.RemainingLength != 2 {
		return 0, ErrProtocolViolation
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}
	if buf[0]&0xFE != 0 {
		return n, ErrProtocolViolation
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ConnectReturnCode(buf[1])
	return n, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if p.SessionPresent && p.ReturnCode != ConnectAccepted {
		return ErrProtocolViolation
	}
	return nil
}

// Accepted reports whether the broker accepted the connection.
func (p *ConnackPacket) Accepted() bool { return p.ReturnCode == ConnectAccepted }
