package mqtt

import "io"

// ProtocolLevel is the CONNECT protocol level for MQTT 3.1.1.
const ProtocolLevel = 4

// Packet is the interface that all MQTT control packets implement.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the whole packet, fixed header included, to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet body from the reader.
	// The fixed header should already be decoded.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
type PacketWithID interface {
	Packet

	// ID returns the packet identifier.
	ID() uint16
}

// TopicFilter is one entry of a SUBSCRIBE request.
type TopicFilter struct {
	Filter string
	QoS    byte
}

// writeHeader writes a fixed header with no flags.
func writeHeader(w io.Writer, t PacketType, flags byte, remaining int) (int, error) {
	header := FixedHeader{PacketType: t, Flags: flags, RemainingLength: uint32(remaining)}
	return header.Encode(w)
}

// expectHeader checks the decoded header matches the packet being decoded.
func expectHeader(header FixedHeader, t PacketType) error {
	if header.PacketType != t {
		return ErrInvalidPacketType
	}
	return header.ValidateFlags()
}
