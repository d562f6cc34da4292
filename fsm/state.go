// Package fsm is the connectivity state machine of the node. Apply is the
// pure transition function; Machine owns the live state and runs the entry
// effects of each transition.
package fsm

import (
	"errors"

	"github.com/marcormc/sensornode/event"
)

// Errors.
var (
	// ErrState marks an event that is not meaningful in the current state.
	// Such events are logged and dropped.
	ErrState = errors.New("event not valid in current state")

	// ErrAssociation is returned when access-point or station mode cannot be
	// started. It is fatal to the activity driving the machine.
	ErrAssociation = errors.New("network association failed")
)

// State is one of the values defined in this package.
type State interface {
	// Name returns the state name used in logs and metrics.
	Name() string

	isState()
}

// Unprovisioned is the initial state: no credentials are known yet.
type Unprovisioned struct{}

// Provisioned holds credentials; station mode is being started.
type Provisioned struct {
	Credentials event.Credentials
}

// NetworkAttached means the station is associated; a broker session is being
// opened. The credentials are carried forward for the broker address and for
// falling back to Provisioned.
type NetworkAttached struct {
	Credentials event.Credentials
}

// SessionActive means the broker session is up.
type SessionActive struct {
	Credentials event.Credentials
}

// Failed is terminal and operator visible. No event leaves it.
type Failed struct {
	Reason string
}

func (Unprovisioned) Name() string   { return "Unprovisioned" }
func (Provisioned) Name() string     { return "Provisioned" }
func (NetworkAttached) Name() string { return "NetworkAttached" }
func (SessionActive) Name() string   { return "SessionActive" }
func (Failed) Name() string          { return "Failed" }

func (Unprovisioned) isState()   {}
func (Provisioned) isState()     {}
func (NetworkAttached) isState() {}
func (SessionActive) isState()   {}
func (Failed) isState()          {}

// Apply returns the state that follows s on e. It reports false, with a nil
// state, when e is not meaningful in s; the caller keeps s unchanged.
// Apply has no side effects.
func Apply(s State, e event.Event) (State, bool) {
	switch st := s.(type) {
	case Unprovisioned:
		if ev, ok := e.(event.CredentialsProvided); ok {
			return Provisioned{Credentials: ev.Credentials}, true
		}

	case Provisioned:
		if _, ok := e.(event.NetworkAttached); ok {
			return NetworkAttached{Credentials: st.Credentials}, true
		}

	case NetworkAttached:
		switch e.(type) {
		case event.SessionEstablished:
			return SessionActive{Credentials: st.Credentials}, true
		case event.SessionLost:
			return st, true
		case event.NetworkDetached:
			return Provisioned{Credentials: st.Credentials}, true
		}

	case SessionActive:
		switch e.(type) {
		case event.RemoteCommand, event.SensorSample:
			return st, true
		case event.SessionLost:
			return NetworkAttached{Credentials: st.Credentials}, true
		case event.NetworkDetached:
			return Provisioned{Credentials: st.Credentials}, true
		}
	}

	return nil, false
}
