package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.relay.jsonl (append-only JSON Lines)
//   - <prefix>.creds.json  (credential blob, replaced atomically)
type fileStore struct {
	log zerolog.Logger

	mu        sync.Mutex
	relayFile *os.File
	credsPath string
}

func openFile(cfg Config, log zerolog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store: path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(prefix+".relay.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, relayFile: rf, credsPath: prefix + ".creds.json"}, nil
}

func (s *fileStore) AppendRelay(ctx context.Context, e RelayEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayFile == nil {
		return ErrDisabled
	}
	_, err = s.relayFile.Write(append(b, '\n'))
	return err
}

func (s *fileStore) PutCredentials(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.credsPath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.credsPath)
}

func (s *fileStore) GetCredentials(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.credsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) DeleteCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.credsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayFile == nil {
		return nil
	}
	err := s.relayFile.Close()
	s.relayFile = nil
	return err
}
