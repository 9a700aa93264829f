// Package store persists the relay audit log and the source session
// credential blob, so a restart can resume without re-scanning the QR.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Store is the minimal persistence API used by the bridge.
type Store interface {
	AppendRelay(ctx context.Context, e RelayEntry) error
	PutCredentials(ctx context.Context, blob []byte) error
	GetCredentials(ctx context.Context) ([]byte, bool, error)
	DeleteCredentials(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if
// persistence is disabled.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("store: unknown driver: " + driver)
	}
}
