package transport

import (
	"errors"
	"time"
)

// Phase is the connection lifecycle stage.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseClosing        Phase = "closing"
)

var (
	ErrConnection          = errors.New("connection error")
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	ErrNotConnected        = errors.New("not connected")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrInvalidTransition   = errors.New("invalid connection phase transition")
)

var transitions = map[Phase][]Phase{
	PhaseDisconnected:   {PhaseConnecting},
	PhaseConnecting:     {PhaseConnected, PhaseDisconnected, PhaseClosing},
	PhaseConnected:      {PhaseAuthenticating, PhaseDisconnected, PhaseClosing},
	PhaseAuthenticating: {PhaseAuthenticated, PhaseConnected, PhaseDisconnected, PhaseClosing},
	PhaseAuthenticated:  {PhaseAuthenticating, PhaseDisconnected, PhaseClosing},
	PhaseClosing:        {PhaseDisconnected},
}

// CanTransitionTo checks whether moving to target is allowed.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == target {
			return true
		}
	}
	return false
}

// CanSend reports whether outbound frames are accepted. The handshake itself
// is sent while authenticating.
func (p Phase) CanSend() bool {
	switch p {
	case PhaseConnected, PhaseAuthenticating, PhaseAuthenticated:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnected  EventType = "reconnected"
	EventExhausted    EventType = "exhausted"
	EventClosed       EventType = "closed"
	// EventAuthFailed is raised by the coordinator client when the handshake
	// after a reconnect fails; the manager never emits it.
	EventAuthFailed EventType = "auth_failed"
)

// Event reports a connection lifecycle change to the owner of the manager.
type Event struct {
	Type    EventType
	Attempt int
	Err     error
	At      time.Time
}
