// Package backoff holds the delay policies used by the delivery queue and
// the session reconnector. The policies are pure functions of the attempt
// number so they can be unit-tested without timers.
package backoff

import (
	"math/rand"
	"time"
)

// Linear returns the delay before retry number attempt (1-based) using the
// queue's linear policy: attempt * base. Linear rather than exponential so
// the worst-case latency of a chat notification stays bounded.
func Linear(attempt int, base time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	return time.Duration(attempt) * base
}

// Capped returns the reconnect delay for the given attempt count:
// min(base * attempts, max). attempts is the number of failures observed
// so far, so the first reconnect waits one base interval.
func Capped(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		return 0
	}
	d := time.Duration(attempts) * base
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Jitter spreads d by up to 20% to avoid reconnect storms lining up
// across restarts. Jitter(0) is 0.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := int64(d) / 5
	if j <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(j+1))
}
