// Package mqtttest provides an in-memory MQTT 3.1.1 broker for tests.
package mqtttest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/marcormc/sensornode/mqtt"
)

// Scheme is the endpoint scheme served by Broker.Transport.
const Scheme = "pipe"

// Endpoint is a broker endpoint that resolves to the in-memory broker.
const Endpoint = Scheme + "://broker"

// Broker accepts connections over net.Pipe, records every packet it reads
// and answers CONNECT, SUBSCRIBE, QoS 1 PUBLISH and PINGREQ.
type Broker struct {
	mu         sync.Mutex
	packets    []mqtt.Packet
	conns      []*brokerConn
	dials      int
	dialErr    error
	returnCode mqtt.ConnectReturnCode
	silent     bool
}

type brokerConn struct {
	net.Conn
	wmu sync.Mutex
}

func (c *brokerConn) write(p mqtt.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := mqtt.WritePacket(c, p)
	return err
}

// NewBroker creates a broker that accepts every connection.
func NewBroker() *Broker {
	return &Broker{}
}

// Dialer returns a dialer whose connections reach this broker.
func (b *Broker) Dialer() mqtt.Dialer {
	return mqtt.DialerFunc(func(_ context.Context, _ string) (net.Conn, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++
		if b.dialErr != nil {
			return nil, b.dialErr
		}

		client, server := net.Pipe()
		c := &brokerConn{Conn: server}
		b.conns = append(b.conns, c)
		go b.serve(c)
		return client, nil
	})
}

// Transport returns a stream transport that resolves Endpoint to this broker.
func (b *Broker) Transport() *mqtt.StreamTransport {
	return mqtt.NewStreamTransport(mqtt.WithDialer(Scheme, b.Dialer()))
}

// SetDialError makes subsequent dials fail with err; nil restores them.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetReturnCode sets the CONNACK return code for later connections.
func (b *Broker) SetReturnCode(rc mqtt.ConnectReturnCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.returnCode = rc
}

// SetSilent stops the broker from answering anything.
func (b *Broker) SetSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// Dials returns how many connections were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Packets returns a copy of every packet received so far.
func (b *Broker) Packets() []mqtt.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mqtt.Packet(nil), b.packets...)
}

// Received returns the received packets of type t.
func (b *Broker) Received(t mqtt.PacketType) []mqtt.Packet {
	var out []mqtt.Packet
	for _, p := range b.Packets() {
		if p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

// WaitFor blocks until n packets of type t were received or timeout elapses.
func (b *Broker) WaitFor(t mqtt.PacketType, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(b.Received(t)) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Publish sends a PUBLISH to the most recent connection.
func (b *Broker) Publish(topic string, payload []byte, qos byte, id uint16) error {
	c := b.last()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.write(&mqtt.PublishPacket{Topic: topic, Payload: payload, QoS: qos, PacketID: id})
}

// WriteRaw writes bytes verbatim to the most recent connection.
func (b *Broker) WriteRaw(data []byte) error {
	c := b.last()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.Write(data)
	return err
}

// Drop closes every open connection from the broker side.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (b *Broker) last() *brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *Broker) serve(c *brokerConn) {
	defer c.Close()

	for {
		p, _, err := mqtt.ReadPacket(c)
		if err != nil {
			return
		}

		b.mu.Lock()
		b.packets = append(b.packets, p)
		rc := b.returnCode
		silent := b.silent
		b.mu.Unlock()

		if silent {
			continue
		}

		var reply mqtt.Packet
		switch pkt := p.(type) {
		case *mqtt.ConnectPacket:
			reply = &mqtt.ConnackPacket{ReturnCode: rc}
		case *mqtt.SubscribePacket:
			codes := make([]byte, len(pkt.Filters))
			for i, f := range pkt.Filters {
				codes[i] = f.QoS
			}
			reply = &mqtt.SubackPacket{PacketID: pkt.PacketID, ReturnCodes: codes}
		case *mqtt.PublishPacket:
			if pkt.QoS == 1 {
				reply = &mqtt.PubackPacket{PacketID: pkt.PacketID}
			}
		case *mqtt.PingreqPacket:
			reply = &mqtt.PingrespPacket{}
		case *mqtt.DisconnectPacket:
			return
		}

		if reply != nil {
			if err := c.write(reply); err != nil {
				return
			}
		}
	}
}
