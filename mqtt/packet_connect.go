package mqtt

import (
	"errors"
	"io"
)

// CONNECT packet errors.
var (
	ErrClientIDEmpty        = errors.New("client identifier required without clean session")
	ErrPasswordWithoutUser  = errors.New("password requires a user name")
	ErrInvalidProtocolName  = errors.New("invalid protocol name")
	ErrInvalidProtocolLevel = errors.New("unsupported protocol level")
)

const protocolName = "MQTT"

const (
	connectFlagCleanSession = 0x02
	connectFlagPassword     = 0x40
	connectFlagUsername     = 0x80
	connectFlagsReserved    = 0x01
	connectFlagsWill        = 0x3C
)

// ConnectPacket represents an MQTT 3.1.1 CONNECT packet.
// Will messages are not supported.
type ConnectPacket struct {
	// ClientID is the client identifier.
	ClientID string

	// KeepAlive is the keep-alive interval in seconds.
	KeepAlive uint16

	// CleanSession asks the broker to discard any previous session state.
	CleanSession bool

	// Username is sent when non-empty.
	Username string

	// Password is sent when non-empty; it requires Username.
	Password string
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) flags() byte {
	var flags byte
	if p.CleanSession {
		flags |= connectFlagCleanSession
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if p.Password != "" {
		flags |= connectFlagPassword
	}
	return flags
}

func (p *ConnectPacket) remainingLength() int {
	// protocol name + level + flags + keep-alive
	n := 2 + len(protocolName) + 1 + 1 + 2
	n += 2 + len(p.ClientID)
	if p.Username != "" {
		n += 2 + len(p.Username)
	}
	if p.Password != "" {
		n += 2 + len(p.Password)
	}
	return n
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	total, err := writeHeader(w, PacketCONNECT, 0, p.remainingLength())
	if err != nil {
		return total, err
	}

	steps := []func() (int, error){
		func() (int, error) { return encodeString(w, protocolName) },
		func() (int, error) { return encodeByte(w, ProtocolLevel) },
		func() (int, error) { return encodeByte(w, p.flags()) },
		func() (int, error) { return encodeUint16(w, p.KeepAlive) },
		func() (int, error) { return encodeString(w, p.ClientID) },
	}
	if p.Username != "" {
		steps = append(steps, func() (int, error) { return encodeString(w, p.Username) })
	}
	if p.Password != "" {
		steps = append(steps, func() (int, error) { return encodeBinary(w, []byte(p.Password)) })
	}

	for _, step := range steps {
		n, err := step()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if err := expectHeader(header, PacketCONNECT); err != nil {
		return 0, err
	}

	name, total, err := decodeString(r)
	if err != nil {
		return total, err
	}
	if name != protocolName {
		return total, ErrInvalidProtocolName
	}

	level, n, err := decodeByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if level != ProtocolLevel {
		return total, ErrInvalidProtocolLevel
	}

	flags, n, err := decodeByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if flags&(connectFlagsReserved|connectFlagsWill) != 0 {
		return total, ErrProtocolViolation
	}
	p.CleanSession = flags&connectFlagCleanSession != 0

	p.KeepAlive, n, err = decodeUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	p.ClientID, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if flags&connectFlagUsername != 0 {
		p.Username, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
	}
	if flags&connectFlagPassword != 0 {
		var pw []byte
		pw, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
		p.Password = string(pw)
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if p.ClientID == "" && !p.CleanSession {
		return ErrClientIDEmpty
	}
	if p.Password != "" && p.Username == "" {
		return ErrPasswordWithoutUser
	}
	return nil
}
