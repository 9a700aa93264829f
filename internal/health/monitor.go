// Package health watches for silent connection death: a session that
// still claims Ready but hasn't observed any message activity for a
// multiple of the check interval.
package health

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wabridge/internal/bus"
	"wabridge/internal/relay"
	"wabridge/internal/session"
)

// ActivityClock is a single timestamp updated on every observed inbound
// or outbound message. Updates are monotonic set-to-now operations, so
// last-writer-wins is safe.
type ActivityClock struct {
	v atomic.Int64
}

func (c *ActivityClock) Touch() { c.v.Store(time.Now().UnixNano()) }

func (c *ActivityClock) Last() time.Time {
	n := c.v.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// StallFactor is the idle multiple of the check interval that counts as
// a stall.
const StallFactor = 3

type Notifier interface {
	Notify(priority int, text string) error
}

type Config struct {
	// Interval between liveness checks.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// Monitor runs the periodic check. It only ever warns; escalation to a
// reconnect is left to the collaborator's own disconnect signal, so
// legitimate idle time can't cause reconnect churn.
type Monitor struct {
	cfg   Config
	log   zerolog.Logger
	notif Notifier
	bus   bus.Bus

	state func() session.State
	clock *ActivityClock

	// warnLimiter keeps warnings to at most one per interval tick.
	warnLimiter *rate.Limiter
	now         func() time.Time

	cron *cron.Cron
}

func NewMonitor(cfg Config, state func() session.State, clock *ActivityClock, notif Notifier, log zerolog.Logger, b bus.Bus) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:         cfg,
		log:         log,
		notif:       notif,
		bus:         b,
		state:       state,
		clock:       clock,
		warnLimiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		now:         time.Now,
	}
}

func (m *Monitor) Start() error {
	if m.cron != nil {
		return nil
	}
	// Startup counts as activity; a fresh process is not stalled.
	m.clock.Touch()
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.Interval), m.check); err != nil {
		return fmt.Errorf("health: schedule check: %w", err)
	}
	c.Start()
	m.cron = c
	m.log.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	return nil
}

func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

func (m *Monitor) check() {
	if m.state() != session.StateReady {
		return
	}
	last := m.clock.Last()
	if last.IsZero() {
		return
	}
	idle := m.now().Sub(last)
	if idle <= StallFactor*m.cfg.Interval {
		return
	}
	if !m.warnLimiter.Allow() {
		return
	}
	m.log.Warn().Dur("idle", idle).Msg("session looks stalled")
	if m.bus != nil {
		m.bus.Publish(bus.Event{Topic: bus.TopicHealthStalled, Data: StallEvent{Idle: idle.String(), Since: last}})
	}
	if m.notif != nil {
		_ = m.notif.Notify(relay.PriorityWarn, fmt.Sprintf(
			"No message activity for %s while the session reports ready. The connection may be dead.",
			idle.Round(time.Second)))
	}
}

// StallEvent is the bus payload for health.stalled.
type StallEvent struct {
	Idle  string    `json:"idle"`
	Since time.Time `json:"since"`
}
