package mqtt

import (
	"errors"
	"io"
)

// PUBLISH packet errors.
var (
	ErrTopicNameEmpty   = errors.New("topic name cannot be empty")
	ErrTopicWildcard    = errors.New("topic name cannot contain wildcards")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS 1")
)

// PublishPacket represents an MQTT 3.1.1 PUBLISH packet at QoS 0 or 1.
type PublishPacket struct {
	// Topic is the topic name.
	Topic string

	// Payload is the application message.
	Payload []byte

	// QoS is the Quality of Service level (0 or 1).
	QoS byte

	// Retain is carried on the wire but has no meaning to the node.
	Retain bool

	// DUP indicates a retransmission.
	DUP bool

	// PacketID is the packet identifier (QoS 1 only).
	PacketID uint16
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// ID returns the packet identifier.
func (p *PublishPacket) ID() uint16 { return p.PacketID }

func (p *PublishPacket) flags() byte {
	var flags byte
	if p.DUP {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *PublishPacket) remainingLength() int {
	n := 2 + len(p.Topic) + len(p.Payload)
	if p.QoS > 0 {
		n += 2
	}
	return n
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	total, err := writeHeader(w, PacketPUBLISH, p.flags(), p.remainingLength())
	if err != nil {
		return total, err
	}

	n, err := encodeString(w, p.Topic)
	total += n
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		n, err = encodeUint16(w, p.PacketID)
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err = w.Write(p.Payload)
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if err := expectHeader(header, PacketPUBLISH); err != nil {
		return 0, err
	}

	p.DUP = header.Flags&0x08 != 0
	p.QoS = (header.Flags >> 1) & 0x03
	p.Retain = header.Flags&0x01 != 0
	if p.QoS > 1 {
		return 0, ErrInvalidQoS
	}

	var total, n int
	var err error
	p.Topic, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		p.PacketID, n, err = decodeUint16(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	payloadLen := int(header.RemainingLength) - total
	if payloadLen < 0 {
		return total, ErrProtocolViolation
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		n, err = io.ReadFull(r, p.Payload)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *PublishPacket) Validate() error {
	if p.QoS > 1 {
		return ErrInvalidQoS
	}
	if p.QoS == 0 && p.DUP {
		return ErrInvalidPacketFlags
	}
	if err := ValidateTopicName(p.Topic); err != nil {
		return err
	}
	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}
