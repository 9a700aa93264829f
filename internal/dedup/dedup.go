// Package dedup suppresses repeat relays of the same source event inside
// a fixed time window. State is volatile on purpose: a process restart
// follows a reconnection flow which may legitimately re-surface recent
// messages once.
package dedup

import (
	"sync"
	"time"
)

// Direction tags which side of the bridge produced the event, so an
// inbound and an outbound echo with the same platform id never collide.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Key builds the dedup key for a source message id. Callers must pick ids
// with enough entropy (the platform message id) to avoid collisions
// across unrelated events.
func Key(dir Direction, messageID string) string {
	return string(dir) + ":" + messageID
}

const DefaultTTL = 10 * time.Second

// Gate tracks recently seen keys. Safe for concurrent use.
type Gate struct {
	ttl time.Duration

	mu     sync.Mutex
	seen   map[string]*time.Timer
	closed bool
}

func New(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{ttl: ttl, seen: make(map[string]*time.Timer)}
}

// ShouldSuppress reports whether key was already seen within the TTL.
// The first sighting records the key and returns false; repeats return
// true without refreshing the TTL, so a steady stream of duplicates still
// expires ttl after the first sighting.
func (g *Gate) ShouldSuppress(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if _, ok := g.seen[key]; ok {
		return true
	}
	g.seen[key] = time.AfterFunc(g.ttl, func() { g.expire(key) })
	return false
}

func (g *Gate) expire(key string) {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

// Len reports the number of currently tracked keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Close stops all pending expiry timers. The gate suppresses nothing
// afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for k, t := range g.seen {
		t.Stop()
		delete(g.seen, k)
	}
}
