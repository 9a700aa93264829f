package session

import "time"

// State is the source-session lifecycle state. Only the Manager mutates
// it, in response to collaborator signals or explicit failure.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	// StateFatallyFailed is terminal: the attempt ceiling was reached and
	// the process needs external intervention.
	StateFatallyFailed State = "fatally_failed"
)

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastChange  time.Time `json:"last_change"`
	LastReason  string    `json:"last_reason,omitempty"`
}

// StateEvent is the bus payload for session.state.
type StateEvent struct {
	From     State  `json:"from"`
	To       State  `json:"to"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}
