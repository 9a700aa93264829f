// Package session owns the source-platform connection lifecycle: an
// explicit state machine around the collaborator's qr / authenticated /
// ready / disconnect signals, with capped reconnect backoff and an
// attempt ceiling.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/bus"
	"wabridge/internal/relay"
	"wabridge/internal/source"
	"wabridge/pkg/backoff"
)

var (
	// ErrNotReady is returned for outbound sends while the session is in
	// any state other than Ready.
	ErrNotReady = errors.New("session: not ready")
	// ErrFatal is returned once the attempt ceiling has been reached.
	ErrFatal = errors.New("session: fatally failed, restart required")
)

// Notifier is the slice of the delivery queue the manager needs; every
// transition notice goes through it so reconnect storms cannot violate
// the destination rate limit.
type Notifier interface {
	Notify(priority int, text string) error
}

type Config struct {
	// BaseDelay scales the reconnect backoff: min(base*attempts, max).
	BaseDelay time.Duration
	// MaxDelay caps the reconnect backoff.
	MaxDelay time.Duration
	// MaxAttempts is the consecutive-failure ceiling; reaching it is
	// terminal.
	MaxAttempts int
	// InitTimeout bounds one Initialize call.
	InitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 2 * time.Minute
	}
	return c
}

// Manager is the sole owner of the source session handle. All interaction
// with the collaborator goes through it.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	notif   Notifier
	bus     bus.Bus
	factory source.Factory
	handler source.Handler
	creds   source.CredentialStore

	// after is time.AfterFunc, injectable for deterministic tests.
	after func(d time.Duration, fn func()) *time.Timer

	mu         sync.Mutex
	state      State
	attempts   int
	authed     bool
	cur        source.Session
	timer      *time.Timer
	lastChange time.Time
	lastReason string
	runCtx     context.Context
	stopped    bool
}

func NewManager(cfg Config, factory source.Factory, notif Notifier, log zerolog.Logger, b bus.Bus) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		log:     log,
		notif:   notif,
		bus:     b,
		factory: factory,
		after:   time.AfterFunc,
		state:   StateDisconnected,
	}
}

// SetHandler wires the consumer of session events (the bridge). Must be
// called before Start.
func (m *Manager) SetHandler(h source.Handler) { m.handler = h }

// SetCredentialStore enables auth-state persistence for drivers that
// implement source.CredentialSession. Must be called before Start.
func (m *Manager) SetCredentialStore(cs source.CredentialStore) { m.creds = cs }

// Start performs the first connection attempt. Subsequent attempts are
// self-scheduled on disconnect signals.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.handler == nil {
		m.mu.Unlock()
		return errors.New("session: handler not set")
	}
	m.runCtx = ctx
	m.mu.Unlock()
	return m.connect(ctx)
}

// Stop tears down the current handle and cancels any scheduled attempt.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	cur := m.cur
	m.cur = nil
	m.mu.Unlock()

	if cur != nil {
		if err := cur.Destroy(ctx); err != nil {
			m.log.Warn().Err(err).Msg("session teardown on stop failed")
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive failed attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:       m.state,
		Attempts:    m.attempts,
		MaxAttempts: m.cfg.MaxAttempts,
		LastChange:  m.lastChange,
		LastReason:  m.lastReason,
	}
}

// Send relays text to a source address. Permitted only in Ready state.
func (m *Manager) Send(ctx context.Context, address, text string) error {
	m.mu.Lock()
	st := m.state
	cur := m.cur
	m.mu.Unlock()
	if st == StateFatallyFailed {
		return ErrFatal
	}
	if st != StateReady || cur == nil {
		return ErrNotReady
	}
	return cur.Send(ctx, address, text)
}

// Download fetches a message attachment through the owned handle.
func (m *Manager) Download(ctx context.Context, msg source.Message) ([]byte, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil {
		return nil, ErrNotReady
	}
	return cur.Download(ctx, msg)
}

// HandleEvent consumes one collaborator lifecycle signal. The bridge
// forwards every source.Event here after doing its own QR relaying.
func (m *Manager) HandleEvent(ev source.Event) {
	switch ev.Kind {
	case source.EventQR:
		m.onAuthChallenge()
	case source.EventAuthenticated:
		m.onAuthenticated()
		m.persistCredentials()
	case source.EventReady:
		m.onReady()
	case source.EventAuthFailure:
		// The stored blob just failed to authenticate; replaying it on
		// the next attempt would loop forever.
		m.discardCredentials()
		m.onDisconnect(string(ev.Kind), ev.Payload)
	case source.EventDisconnected:
		m.onDisconnect(string(ev.Kind), ev.Payload)
	default:
		m.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown session event ignored")
	}
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.state == StateFatallyFailed {
		m.mu.Unlock()
		return ErrFatal
	}
	prev := m.cur
	m.cur = nil
	m.transitionLocked(StateConnecting, "")
	m.notifyAsyncLocked(relay.PriorityInfo, "Connecting to the source platform.")
	m.mu.Unlock()

	// Clean teardown before reinitializing, so the previous handle can't
	// leak listeners or orphaned processes.
	if prev != nil {
		if err := prev.Destroy(ctx); err != nil {
			m.log.Warn().Err(err).Msg("previous session teardown failed")
		}
	}

	next := m.factory(m.handler)
	m.mu.Lock()
	m.cur = next
	m.authed = false
	m.mu.Unlock()

	m.restoreCredentials(ctx, next)

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()
	if err := next.Initialize(initCtx); err != nil {
		m.log.Error().Err(err).Msg("session initialize failed")
		m.onDisconnect("init_failure", err.Error())
		return nil
	}
	return nil
}

func (m *Manager) onAuthChallenge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting {
		return
	}
	m.transitionLocked(StateAuthenticating, "")
	m.notifyAsyncLocked(relay.PriorityInfo, "Source session waiting for QR authentication.")
}

func (m *Manager) onAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting:
		// Restored credentials skip the QR challenge.
		m.transitionLocked(StateAuthenticating, "")
	case StateAuthenticating:
	default:
		return
	}
	m.authed = true
}

// restoreCredentials loads the persisted auth blob into a fresh handle
// before Initialize. A restore failure is not fatal: the session falls
// back to the QR challenge.
func (m *Manager) restoreCredentials(ctx context.Context, sess source.Session) {
	if m.creds == nil {
		return
	}
	cs, ok := sess.(source.CredentialSession)
	if !ok {
		return
	}
	blob, found, err := m.creds.GetCredentials(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("credential load failed")
		return
	}
	if !found {
		return
	}
	if err := cs.RestoreCredentials(ctx, blob); err != nil {
		m.log.Warn().Err(err).Msg("credential restore failed, falling back to QR")
		return
	}
	m.log.Debug().Msg("session credentials restored")
}

// persistCredentials snapshots the auth state after a successful
// authentication. Runs off the event callback so the collaborator's
// goroutine is never blocked on storage.
func (m *Manager) persistCredentials() {
	m.mu.Lock()
	cur := m.cur
	authed := m.authed
	m.mu.Unlock()
	if m.creds == nil || cur == nil || !authed {
		return
	}
	cs, ok := cur.(source.CredentialSession)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		blob, err := cs.ExportCredentials(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("credential export failed")
			return
		}
		if err := m.creds.PutCredentials(ctx, blob); err != nil {
			m.log.Warn().Err(err).Msg("credential save failed")
			return
		}
		m.log.Debug().Msg("session credentials saved")
	}()
}

func (m *Manager) discardCredentials() {
	if m.creds == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.creds.DeleteCredentials(ctx); err != nil {
			m.log.Warn().Err(err).Msg("credential discard failed")
		}
	}()
}

func (m *Manager) onReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Ready is only entered after an authenticated-then-ready pair.
	if m.state != StateAuthenticating || !m.authed {
		m.log.Warn().
			Str("state", string(m.state)).
			Bool("authenticated", m.authed).
			Msg("ready signal out of order, ignored")
		return
	}
	m.attempts = 0
	m.transitionLocked(StateReady, "")
	m.notifyAsyncLocked(relay.PriorityInfo, "Source session connected and ready.")
}

func (m *Manager) onDisconnect(kind, reason string) {
	m.mu.Lock()
	if m.stopped || m.state == StateFatallyFailed {
		m.mu.Unlock()
		return
	}
	m.authed = false
	m.attempts++
	attempts := m.attempts
	detail := reason
	if detail == "" {
		detail = kind
	}

	if attempts >= m.cfg.MaxAttempts {
		m.transitionLocked(StateFatallyFailed, detail)
		m.mu.Unlock()
		m.log.Error().Int("attempts", attempts).Str("reason", detail).Msg("reconnect ceiling reached")
		m.notifyAsync(relay.PriorityCritical, fmt.Sprintf(
			"Source session failed permanently after %d attempts (%s). Manual restart required.",
			attempts, detail))
		return
	}

	m.transitionLocked(StateDisconnected, detail)
	delay := backoff.Capped(attempts, m.cfg.BaseDelay, m.cfg.MaxDelay)
	runCtx := m.runCtx
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.after(delay, func() {
		if runCtx != nil && runCtx.Err() != nil {
			return
		}
		ctx := runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		_ = m.connect(ctx)
	})
	m.mu.Unlock()

	m.log.Warn().
		Str("reason", detail).
		Int("attempt", attempts).
		Int("max", m.cfg.MaxAttempts).
		Dur("delay", delay).
		Msg("session disconnected, reconnect scheduled")
	m.notifyAsync(relay.PriorityWarn, fmt.Sprintf(
		"Source session lost (%s). Reconnecting in %s (attempt %d/%d).",
		detail, delay, attempts, m.cfg.MaxAttempts))
}

// transitionLocked records the state change and publishes it. Caller
// holds m.mu.
func (m *Manager) transitionLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.lastChange = time.Now()
	m.lastReason = reason
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("session state")
	if m.bus != nil {
		m.bus.Publish(bus.Event{Topic: bus.TopicSessionState, Data: StateEvent{
			From: from, To: to, Attempts: m.attempts, Reason: reason,
		}})
	}
}

func (m *Manager) notifyAsync(priority int, text string) {
	if m.notif == nil {
		return
	}
	if err := m.notif.Notify(priority, text); err != nil {
		m.log.Debug().Err(err).Msg("transition notice not queued")
	}
}

// notifyAsyncLocked is notifyAsync for callers already holding m.mu; the
// notifier only enqueues, it never calls back into the manager.
func (m *Manager) notifyAsyncLocked(priority int, text string) {
	m.notifyAsync(priority, text)
}

