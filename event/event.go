// Package event defines the events exchanged between the node's activities
// and the bounded bus that carries them to the state machine.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProvisioning is returned for malformed or missing credentials.
var ErrProvisioning = errors.New("provisioning error")

// Credentials is what the provisioning collaborator collects. The broker
// user and password are optional; an empty string means absent.
type Credentials struct {
	WiFiSSID       string `json:"wifi_ssid"`
	WiFiPSK        string `json:"wifi_psk"`
	BrokerHost     string `json:"mqtt_host"`
	BrokerUser     string `json:"mqtt_user,omitempty"`
	BrokerPassword string `json:"mqtt_passwd,omitempty"`
}

// Validate checks the credentials can drive an association and a broker session.
func (c Credentials) Validate() error {
	var errs []error
	if c.WiFiSSID == "" {
		errs = append(errs, errors.New("wifi_ssid is required"))
	} else if len(c.WiFiSSID) > 32 {
		errs = append(errs, errors.New("wifi_ssid exceeds 32 bytes"))
	}
	if len(c.WiFiPSK) > 64 {
		errs = append(errs, errors.New("wifi_psk exceeds 64 bytes"))
	}
	if strings.TrimSpace(c.BrokerHost) == "" {
		errs = append(errs, errors.New("mqtt_host is required"))
	}
	if c.BrokerPassword != "" && c.BrokerUser == "" {
		errs = append(errs, errors.New("mqtt_passwd requires mqtt_user"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrProvisioning, errors.Join(errs...))
	}
	return nil
}

// Event is one of the values defined in this package.
type Event interface {
	// Name returns the event name used in logs and metrics.
	Name() string

	isEvent()
}

// CredentialsProvided carries credentials from provisioning or from the store.
type CredentialsProvided struct {
	Credentials Credentials
}

// NetworkAttached reports that station mode associated and obtained an address.
type NetworkAttached struct{}

// NetworkDetached reports that the station lost its association.
type NetworkDetached struct{}

// SessionEstablished reports that the broker session is up.
type SessionEstablished struct{}

// SessionLost reports that the broker session failed.
type SessionLost struct {
	Cause error
}

// RemoteCommand carries a command received on the command topic.
type RemoteCommand struct {
	Text string
}

// SampleKind identifies the sensor that produced a sample.
type SampleKind int

// Sample kinds.
const (
	Temperature SampleKind = iota
	Humidity
	Accel6Axis
)

// String returns the kind name.
func (k SampleKind) String() string {
	switch k {
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	case Accel6Axis:
		return "accel"
	default:
		return "unknown"
	}
}

// Len returns how many values a sample of this kind carries.
func (k SampleKind) Len() int {
	if k == Accel6Axis {
		return 6
	}
	return 1
}

// SensorSample is one reading. Temperature is in degrees Celsius, humidity
// in percent, and a 6-axis sample holds three accelerations followed by
// three angular rates.
type SensorSample struct {
	Kind   SampleKind
	Values [6]float32
}

// NewTemperature returns a temperature sample.
func NewTemperature(celsius float32) SensorSample {
	return SensorSample{Kind: Temperature, Values: [6]float32{celsius}}
}

// NewHumidity returns a humidity sample.
func NewHumidity(percent float32) SensorSample {
	return SensorSample{Kind: Humidity, Values: [6]float32{percent}}
}

// NewAccel returns a 6-axis sample.
func NewAccel(values [6]float32) SensorSample {
	return SensorSample{Kind: Accel6Axis, Values: values}
}

// Payload formats the sample as published: the shortest decimal form of
// each value, comma separated.
func (s SensorSample) Payload() []byte {
	var buf []byte
	for i := range s.Kind.Len() {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(s.Values[i]), 'f', -1, 32)
	}
	return buf
}

func (CredentialsProvided) Name() string { return "CredentialsProvided" }
func (NetworkAttached) Name() string     { return "NetworkAttached" }
func (NetworkDetached) Name() string     { return "NetworkDetached" }
func (SessionEstablished) Name() string  { return "SessionEstablished" }
func (SessionLost) Name() string         { return "SessionLost" }
func (RemoteCommand) Name() string       { return "RemoteCommand" }
func (SensorSample) Name() string        { return "SensorSample" }

func (CredentialsProvided) isEvent() {}
func (NetworkAttached) isEvent()     {}
func (NetworkDetached) isEvent()     {}
func (SessionEstablished) isEvent()  {}
func (SessionLost) isEvent()         {}
func (RemoteCommand) isEvent()       {}
func (SensorSample) isEvent()        {}
