package mqtt

import (
	"errors"
	"io"
)

// SUBSCRIBE packet errors.
var (
	ErrNoTopicFilters    = errors.New("at least one topic filter required")
	ErrTopicFilterEmpty  = errors.New("topic filter cannot be empty")
	ErrInvalidSubackCode = errors.New("invalid SUBACK return code")
)

// SubackFailure is the SUBACK return code for a rejected filter.
const SubackFailure = 0x80

// SubscribePacket represents an MQTT 3.1.1 SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID uint16
	Filters  []TopicFilter
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// ID returns the packet identifier.
func (p *SubscribePacket) ID() uint16 { return p.PacketID }

func (p *SubscribePacket) remainingLength() int {
	n := 2
	for _, f := range p.Filters {
		n += 2 + len(f.Filter) + 1
	}
	return n
}

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	total, err := writeHeader(w, PacketSUBSCRIBE, 0x02, p.remainingLength())
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, p.PacketID)
	total += n
	if err != nil {
		return total, err
	}

	for _, f := range p.Filters {
		n, err = encodeString(w, f.Filter)
		total += n
		if err != nil {
			return total, err
		}
		n, err = encodeByte(w, f.QoS)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if err := expectHeader(header, PacketSUBSCRIBE); err != nil {
		return 0, err
	}

	var (
		total, n int
		err      error
	)
	p.PacketID, n, err = decodeUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	p.Filters = p.Filters[:0]
	for total < int(header.RemainingLength) {
		var f TopicFilter
		f.Filter, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
		f.QoS, n, err = decodeByte(r)
		total += n
		if err != nil {
			return total, err
		}
		p.Filters = append(p.Filters, f)
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.Filters) == 0 {
		return ErrNoTopicFilters
	}
	for _, f := range p.Filters {
		if err := ValidateTopicFilter(f.Filter); err != nil {
			return err
		}
		if f.QoS > 1 {
			return ErrInvalidQoS
		}
	}
	return nil
}

// SubackPacket represents an MQTT 3.1.1 SUBACK packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// ID returns the packet identifier.
func (p *SubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	total, err := writeHeader(w, PacketSUBACK, 0, 2+len(p.ReturnCodes))
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, p.PacketID)
	total += n
	if err != nil {
		return total, err
	}

	n, err = w.Write(p.ReturnCodes)
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if err := expectHeader(header, PacketSUBACK); err != nil {
		return 0, err
	}
	if header.RemainingLength < 3 {
		return 0, ErrProtocolViolation
	}

	var (
		total int
		err   error
	)
	p.PacketID, total, err = decodeUint16(r)
	if err != nil {
		return total, err
	}

	p.ReturnCodes = make([]byte, int(header.RemainingLength)-2)
	n, err := io.ReadFull(r, p.ReturnCodes)
	total += n
	if err != nil {
		return total, err
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.ReturnCodes) == 0 {
		return ErrNoTopicFilters
	}
	for _, rc := range p.ReturnCodes {
		if rc > 2 && rc != SubackFailure {
			return ErrInvalidSubackCode
		}
	}
	return nil
}
