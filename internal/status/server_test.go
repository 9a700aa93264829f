package status

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/bus"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func startTestServer(t *testing.T, b bus.Bus) *Server {
	t.Helper()
	srv := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() Snapshot {
		return Snapshot{
			Uptime:     "1m0s",
			Session:    session.Snapshot{State: session.StateReady, MaxAttempts: 10},
			QueueDepth: 3,
			Workers:    supervisor.Counters{Active: 4, Started: 7},
		}
	}, b, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	if srv.Addr() == "" {
		t.Fatal("expected status server to expose address")
	}
	if err := waitForHTTP(ctx, "http://"+srv.Addr()+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	srv := startTestServer(t, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Session.State != session.StateReady || snap.QueueDepth != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Workers.Active != 4 || snap.Workers.Started != 7 {
		t.Errorf("workers = %+v", snap.Workers)
	}
}

func TestEventsEndpointTailsBus(t *testing.T) {
	b := bus.New()
	srv := startTestServer(t, b)

	b.Publish(bus.Event{Topic: bus.TopicSessionState, Data: "ready"})

	// Publish is async to subscribers; poll until the tail shows it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + srv.Addr() + "/events")
		if err != nil {
			t.Fatal(err)
		}
		var events []bus.Event
		err = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(events) == 1 && events[0].Topic == bus.TopicSessionState {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached tail: %v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisabledServerDoesNotBind(t *testing.T) {
	srv := New(Config{Enabled: false}, func() Snapshot { return Snapshot{} }, nil, zerolog.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	if srv.Addr() != "" {
		t.Errorf("disabled server bound to %s", srv.Addr())
	}
}
