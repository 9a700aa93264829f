// Package status serves a small operational HTTP surface: liveness,
// a JSON snapshot of bridge state, and the tail of recent bus events.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/bus"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
)

const recentEventCap = 50

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:8642"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Snapshot is what /status returns. The app supplies a provider that
// assembles it from the live components.
type Snapshot struct {
	Uptime       string              `json:"uptime"`
	Session      session.Snapshot    `json:"session"`
	QueueDepth   int                 `json:"queue_depth"`
	LastActivity time.Time           `json:"last_activity"`
	IdleFor      string              `json:"idle_for"`
	DedupEntries int                 `json:"dedup_entries"`
	Workers      supervisor.Counters `json:"workers"`
}

type Server struct {
	cfg  Config
	log  zerolog.Logger
	snap func() Snapshot
	bus  bus.Bus

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	unsub  func()
	recent []bus.Event
}

func New(cfg Config, snap func() Snapshot, b bus.Bus, log zerolog.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8642"
	}
	return &Server{cfg: cfg, log: log, snap: snap, bus: b}
}

// Start binds and serves in the background. Serve errors after a clean
// Stop are swallowed; anything else is logged, never fatal — status is
// optional observability and must not take the bridge down with it.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	if !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn().Str("addr", s.cfg.Addr).Msg("status server on non-loopback address; it has no auth")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	if s.bus != nil {
		s.collectEvents()
	}

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status server exited")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server started")
	return nil
}

// Addr returns the bound address, empty until Start succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	unsub := s.unsub
	s.srv = nil
	s.ln = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
}

// collectEvents tails the bus into a bounded ring for /events.
func (s *Server) collectEvents() {
	ch, unsub := s.bus.Subscribe(recentEventCap)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	go func() {
		for ev := range ch {
			s.mu.Lock()
			s.recent = append(s.recent, ev)
			if len(s.recent) > recentEventCap {
				s.recent = s.recent[len(s.recent)-recentEventCap:]
			}
			s.mu.Unlock()
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.snap())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	out := append([]bus.Event(nil), s.recent...)
	s.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
