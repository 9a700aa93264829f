package relay

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("relay: queue full")
	ErrStopped   = errors.New("relay: stopped")
)

// Item is one unit of outbound work. The queue owns it from Enqueue until
// the action resolves (success, exhausted retries, or shutdown).
type Item struct {
	// ID identifies the item in logs and bus events.
	ID string
	// Kind labels the item ("message", "notice", "qr", "reply", ...).
	Kind string
	// Summary is a short human-readable description used when the item
	// has to be reported as failed.
	Summary string
	// Action performs the destination call. It must be safe to invoke
	// multiple times (the queue retries it).
	Action func(ctx context.Context) error

	done     chan error
	attempts int
}

// Done returns a channel that resolves once the item has been executed
// (nil) or abandoned (last error). Callers that don't care may ignore it;
// failures are reported by the queue either way.
func (it *Item) Done() <-chan error { return it.done }

// Attempts reports how many times Action was invoked. Valid only after
// Done has resolved.
func (it *Item) Attempts() int { return it.attempts }

// Config fixes the queue policy at process start.
type Config struct {
	// MinInterval is the minimum delay between the end of one execution
	// and the start of the next.
	MinInterval time.Duration
	// MaxRetries is the total number of attempts per item.
	MaxRetries int
	// RetryBase scales the linear inter-attempt backoff (attempt * base).
	RetryBase time.Duration
	// SendsPerMinute caps overall throughput as a guard independent of
	// MinInterval. 0 disables the guard.
	SendsPerMinute int
	// QueueSize bounds pending items; Enqueue fails fast when full.
	QueueSize int
	// CallTimeout bounds a single action invocation.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 900 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// ItemEvent is the bus payload for relay.sent / relay.failed.
type ItemEvent struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Summary  string    `json:"summary,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
