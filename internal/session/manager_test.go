package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/source"
)

type fakeSession struct {
	mu       sync.Mutex
	inits    int
	destroys int
	sends    []string
	initErr  error
}

func (f *fakeSession) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeSession) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeSession) Send(ctx context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, address+"|"+text)
	return nil
}

func (f *fakeSession) Download(ctx context.Context, msg source.Message) ([]byte, error) {
	return nil, nil
}

type nopHandler struct{}

func (nopHandler) OnEvent(source.Event)          {}
func (nopHandler) OnInbound(source.Message)      {}
func (nopHandler) OnOutboundEcho(source.Message) {}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
	prios   []int
}

func (r *recordingNotifier) Notify(priority int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
	r.prios = append(r.prios, priority)
	return nil
}

type harness struct {
	m        *Manager
	notif    *recordingNotifier
	mu       sync.Mutex
	sessions []*fakeSession
	delays   []time.Duration
	pending  []func()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{notif: &recordingNotifier{}}
	factory := func(source.Handler) source.Session {
		fs := &fakeSession{}
		h.mu.Lock()
		h.sessions = append(h.sessions, fs)
		h.mu.Unlock()
		return fs
	}
	h.m = NewManager(cfg, factory, h.notif, zerolog.Nop(), nil)
	h.m.after = func(d time.Duration, fn func()) *time.Timer {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.pending = append(h.pending, fn)
		h.mu.Unlock()
		return time.AfterFunc(time.Hour, func() {})
	}
	h.m.SetHandler(nopHandler{})
	t.Cleanup(func() { h.m.Stop(context.Background()) })
	return h
}

// firePending runs the most recently scheduled reconnect callback.
func (h *harness) firePending(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		t.Fatal("no reconnect scheduled")
	}
	fn := h.pending[len(h.pending)-1]
	h.pending = h.pending[:len(h.pending)-1]
	h.mu.Unlock()
	fn()
}

func (h *harness) scheduled() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delays)
}

func goReady(m *Manager) {
	m.HandleEvent(source.Event{Kind: source.EventQR})
	m.HandleEvent(source.Event{Kind: source.EventAuthenticated})
	m.HandleEvent(source.Event{Kind: source.EventReady})
}

func TestHappyPathToReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.m.State(); got != StateConnecting {
		t.Fatalf("state after Start = %s, want connecting", got)
	}

	h.m.HandleEvent(source.Event{Kind: source.EventQR})
	if got := h.m.State(); got != StateAuthenticating {
		t.Fatalf("state after qr = %s, want authenticating", got)
	}

	// Ready before authenticated must be ignored.
	h.m.HandleEvent(source.Event{Kind: source.EventReady})
	if got := h.m.State(); got == StateReady {
		t.Fatal("ready without authenticated must not reach Ready")
	}

	h.m.HandleEvent(source.Event{Kind: source.EventAuthenticated})
	h.m.HandleEvent(source.Event{Kind: source.EventReady})
	if got := h.m.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	if got := h.m.Attempts(); got != 0 {
		t.Fatalf("attempts after ready = %d, want 0", got)
	}
}

func TestReadyNeverWithoutAuthPairFromConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.m.HandleEvent(source.Event{Kind: source.EventReady})
	if got := h.m.State(); got == StateReady {
		t.Fatal("ready straight from connecting must be ignored")
	}
}

func TestRestoredCredentialsSkipQR(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.m.HandleEvent(source.Event{Kind: source.EventAuthenticated})
	h.m.HandleEvent(source.Event{Kind: source.EventReady})
	if got := h.m.State(); got != StateReady {
		t.Fatalf("state = %s, want ready via restored credentials", got)
	}
}

func TestDisconnectSchedulesCappedBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BaseDelay: 5 * time.Second, MaxDelay: 12 * time.Second})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	goReady(h.m)

	h.m.HandleEvent(source.Event{Kind: source.EventDisconnected, Payload: "stream error"})
	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if got := h.m.Attempts(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	h.mu.Lock()
	delays := append([]time.Duration(nil), h.delays...)
	h.mu.Unlock()
	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Fatalf("scheduled delays = %v, want [5s]", delays)
	}

	// Second and third consecutive failures grow linearly, then cap.
	h.m.HandleEvent(source.Event{Kind: source.EventDisconnected})
	h.m.HandleEvent(source.Event{Kind: source.EventDisconnected})
	h.mu.Lock()
	delays = append([]time.Duration(nil), h.delays...)
	h.mu.Unlock()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 12 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestReconnectTearsDownPreviousHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	goReady(h.m)
	h.m.HandleEvent(source.Event{Kind: source.EventDisconnected})
	h.firePending(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) != 2 {
		t.Fatalf("sessions created = %d, want 2", len(h.sessions))
	}
	if h.sessions[0].destroys != 1 {
		t.Fatalf("first handle destroys = %d, want 1", h.sessions[0].destroys)
	}
	if h.sessions[1].inits != 1 {
		t.Fatalf("second handle inits = %d, want 1", h.sessions[1].inits)
	}
}

func TestAttemptCeilingIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxAttempts: 10})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	goReady(h.m)

	for i := 0; i < 10; i++ {
		h.m.HandleEvent(source.Event{Kind: source.EventDisconnected, Payload: "flap"})
	}
	if got := h.m.State(); got != StateFatallyFailed {
		t.Fatalf("state after 10 disconnects = %s, want fatally_failed", got)
	}
	// The terminal transition must not schedule another attempt.
	if got := h.scheduled(); got != 9 {
		t.Fatalf("scheduled reconnects = %d, want 9", got)
	}
	// Further signals are ignored.
	h.m.HandleEvent(source.Event{Kind: source.EventDisconnected})
	if got := h.m.Attempts(); got != 10 {
		t.Fatalf("attempts moved after terminal state: %d", got)
	}
	if err := h.m.Send(context.Background(), "addr", "hi"); !errors.Is(err, ErrFatal) {
		t.Fatalf("Send in terminal state = %v, want ErrFatal", err)
	}

	h.notif.mu.Lock()
	defer h.notif.mu.Unlock()
	critical := 0
	for _, p := range h.notif.prios {
		if p >= 9 {
			critical++
		}
	}
	if critical != 1 {
		t.Fatalf("critical notices = %d, want exactly 1", critical)
	}
}

func TestSendRequiresReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Send(context.Background(), "15551234567@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send while connecting = %v, want ErrNotReady", err)
	}

	goReady(h.m)
	if err := h.m.Send(context.Background(), "15551234567@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("Send while ready = %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	fs := h.sessions[0]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sends) != 1 || fs.sends[0] != "15551234567@s.whatsapp.net|hi" {
		t.Fatalf("session sends = %v", fs.sends)
	}
}

func TestReadyResetsAttemptCounter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	goReady(h.m)
	for i := 0; i < 3; i++ {
		h.m.HandleEvent(source.Event{Kind: source.EventDisconnected})
		h.firePending(t)
	}
	goReady(h.m)
	if got := h.m.Attempts(); got != 0 {
		t.Fatalf("attempts after recovery = %d, want 0", got)
	}
	if got := h.m.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestInitializeFailureCountsAsDisconnect(t *testing.T) {
	t.Parallel()

	h := &harness{notif: &recordingNotifier{}}
	factory := func(source.Handler) source.Session {
		fs := &fakeSession{initErr: errors.New("no network")}
		h.mu.Lock()
		h.sessions = append(h.sessions, fs)
		h.mu.Unlock()
		return fs
	}
	h.m = NewManager(Config{}, factory, h.notif, zerolog.Nop(), nil)
	h.m.after = func(d time.Duration, fn func()) *time.Timer {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.pending = append(h.pending, fn)
		h.mu.Unlock()
		return time.AfterFunc(time.Hour, func() {})
	}
	h.m.SetHandler(nopHandler{})
	t.Cleanup(func() { h.m.Stop(context.Background()) })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state after failed init = %s, want disconnected", got)
	}
	if got := h.m.Attempts(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if got := h.scheduled(); got != 1 {
		t.Fatalf("scheduled reconnects = %d, want 1", got)
	}
}

// credSession records credential calls alongside the usual lifecycle
// ones, so ordering against Initialize can be asserted.
type credSession struct {
	mu         sync.Mutex
	order      []string
	restored   [][]byte
	export     []byte
	exportErr  error
	restoreErr error
}

func (c *credSession) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "init")
	return nil
}

func (c *credSession) Destroy(ctx context.Context) error { return nil }

func (c *credSession) Send(ctx context.Context, address, text string) error { return nil }

func (c *credSession) Download(ctx context.Context, msg source.Message) ([]byte, error) {
	return nil, nil
}

func (c *credSession) ExportCredentials(ctx context.Context) ([]byte, error) {
	return c.export, c.exportErr
}

func (c *credSession) RestoreCredentials(ctx context.Context, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "restore")
	c.restored = append(c.restored, blob)
	return c.restoreErr
}

type fakeCredStore struct {
	mu   sync.Mutex
	blob []byte
	has  bool
	puts int
	dels int
}

func (s *fakeCredStore) PutCredentials(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), blob...)
	s.has = true
	s.puts++
	return nil
}

func (s *fakeCredStore) GetCredentials(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blob, s.has, nil
}

func (s *fakeCredStore) DeleteCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = nil
	s.has = false
	s.dels++
	return nil
}

func newCredManager(t *testing.T, store *fakeCredStore) (*Manager, *credSession) {
	t.Helper()
	cs := &credSession{export: []byte("exported-auth-state")}
	m := NewManager(Config{}, func(source.Handler) source.Session { return cs },
		&recordingNotifier{}, zerolog.Nop(), nil)
	m.SetHandler(nopHandler{})
	m.SetCredentialStore(store)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, cs
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStoredCredentialsRestoredBeforeInitialize(t *testing.T) {
	t.Parallel()

	store := &fakeCredStore{blob: []byte("old-auth-state"), has: true}
	m, cs := newCredManager(t, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.restored) != 1 || string(cs.restored[0]) != "old-auth-state" {
		t.Fatalf("restored blobs = %q, want the stored one", cs.restored)
	}
	if len(cs.order) != 2 || cs.order[0] != "restore" || cs.order[1] != "init" {
		t.Fatalf("call order = %v, want restore before init", cs.order)
	}
}

func TestCredentialsSavedAfterAuthentication(t *testing.T) {
	t.Parallel()

	store := &fakeCredStore{}
	m, _ := newCredManager(t, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.HandleEvent(source.Event{Kind: source.EventQR})
	m.HandleEvent(source.Event{Kind: source.EventAuthenticated})

	waitUntil(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.puts == 1 && string(store.blob) == "exported-auth-state"
	})
}

func TestAuthFailureDiscardsCredentials(t *testing.T) {
	t.Parallel()

	store := &fakeCredStore{blob: []byte("stale"), has: true}
	m, _ := newCredManager(t, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.HandleEvent(source.Event{Kind: source.EventAuthFailure})

	waitUntil(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.dels == 1 && !store.has
	})
}

func TestDisconnectKeepsCredentials(t *testing.T) {
	t.Parallel()

	store := &fakeCredStore{blob: []byte("still-good"), has: true}
	m, _ := newCredManager(t, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.HandleEvent(source.Event{Kind: source.EventDisconnected, Payload: "stream error"})
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.dels != 0 || !store.has {
		t.Fatal("ordinary disconnect must not discard credentials")
	}
}

func TestConnectingEmitsNotice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.notif.mu.Lock()
	defer h.notif.mu.Unlock()
	found := false
	for _, n := range h.notif.notices {
		if n == "Connecting to the source platform." {
			found = true
		}
	}
	if !found {
		t.Fatalf("notices = %q, want a connecting notice", h.notif.notices)
	}
}
