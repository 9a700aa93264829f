package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store: disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free backend (jsonl + credentials file)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", persistence is disabled and the bridge
// runs fully volatile.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepRelayLog bounds the relay log; older rows are pruned
	// opportunistically. 0 means keep 30 days.
	KeepRelayLog time.Duration
}

// RelayEntry records one delivery queue outcome. Keep it compact and
// schema-stable.
type RelayEntry struct {
	At        time.Time `json:"at"`
	Direction string    `json:"direction"` // in | out | notice
	MessageID string    `json:"message_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Kind      string    `json:"kind"`
	OK        bool      `json:"ok"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
