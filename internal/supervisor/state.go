package supervisor

import "time"

// State is the connection lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StatePairingRequired
	StateAuthenticating
	StateReady
	StateDisconnected
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairingRequired:
		return "pairing_required"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition describes one state change. Subscribers receive these.
type Transition struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

// Recovery holds the delays used when scheduling a re-initialization.
type Recovery struct {
	AuthFailureDelay time.Duration // after an auth failure
	DisconnectDelay  time.Duration // after a disconnect under normal memory
	PressureDelay    time.Duration // after a disconnect with memory past the critical threshold
	ResetDelay       time.Duration // between teardown and rebuild on an explicit reset
}

// DefaultRecovery returns the standard recovery delays.
func DefaultRecovery() Recovery {
	return Recovery{
		AuthFailureDelay: 5 * time.Second,
		DisconnectDelay:  5 * time.Second,
		PressureDelay:    15 * time.Second,
		ResetDelay:       2 * time.Second,
	}
}

// Stats counts re-initializations, for tests and diagnostics.
type Stats struct {
	Generation     uint64
	Reinits        int
	SkippedReinits int
}
