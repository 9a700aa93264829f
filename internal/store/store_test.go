package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, zerolog.Nop())
		if err != nil {
			t.Fatalf("Open(%q) err = %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, zerolog.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bridge.db")}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	e := RelayEntry{
		At:        time.Now(),
		Direction: "in",
		MessageID: "ABC123",
		Sender:    "15551234567@s.whatsapp.net",
		Kind:      "message",
		OK:        true,
		Attempts:  1,
		TookMS:    42,
	}
	if err := st.AppendRelay(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendRelay(ctx, RelayEntry{Direction: "notice", Kind: "notice", OK: false, Attempts: 3, Error: "dead"}); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "bridge.relay.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var got RelayEntry
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("relay log lines = %d, want 2", lines)
	}

	// Credentials: absent, then present, then deleted.
	if _, ok, err := st.GetCredentials(ctx); err != nil || ok {
		t.Fatalf("fresh credentials = (%v, %v), want absent", ok, err)
	}
	if err := st.PutCredentials(ctx, []byte(`{"session":"blob"}`)); err != nil {
		t.Fatal(err)
	}
	blob, ok, err := st.GetCredentials(ctx)
	if err != nil || !ok || string(blob) != `{"session":"blob"}` {
		t.Fatalf("credentials round trip = (%q, %v, %v)", blob, ok, err)
	}
	if err := st.DeleteCredentials(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetCredentials(ctx); ok {
		t.Fatal("credentials still present after delete")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "bridge.db"), BusyTimeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.AppendRelay(ctx, RelayEntry{Direction: "in", MessageID: "M1", Kind: "message", OK: true, Attempts: 1}); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := st.GetCredentials(ctx); err != nil || ok {
		t.Fatalf("fresh credentials = (%v, %v), want absent", ok, err)
	}
	if err := st.PutCredentials(ctx, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces the single row.
	if err := st.PutCredentials(ctx, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	blob, ok, err := st.GetCredentials(ctx)
	if err != nil || !ok || string(blob) != "v2" {
		t.Fatalf("credentials = (%q, %v, %v), want v2", blob, ok, err)
	}
	if err := st.DeleteCredentials(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetCredentials(ctx); ok {
		t.Fatal("credentials still present after delete")
	}
}
