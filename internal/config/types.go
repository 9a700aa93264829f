package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full configuration surface. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m"); each consumer parses
// its own fields via ParseDurationOrDefault and applies its defaults,
// so an omitted section yields a working bridge.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Source   SourceConfig   `json:"source,omitempty"`
	Relay    RelayConfig    `json:"relay,omitempty"`
	Session  SessionConfig  `json:"session,omitempty"`
	Dedup    DedupConfig    `json:"dedup,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`
	Media    MediaConfig    `json:"media,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Status   StatusConfig   `json:"status,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the operator chat every relayed message lands in.
	ChatID int64 `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type SourceConfig struct {
	// Driver selects a registered source-session driver. Default "echo"
	// (the loopback driver); real deployments register their platform
	// driver and name it here.
	Driver string `json:"driver,omitempty"`
	// AddressSuffix completes a bare numeric address into a full
	// source-platform address. Default "@s.whatsapp.net".
	AddressSuffix string `json:"address_suffix,omitempty"`
}

// RelayConfig controls the outbound delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - min_interval: "900ms"
//   - max_retries: 3
//   - retry_base: "500ms"
//   - sends_per_minute: 0 (guard disabled)
//   - queue_size: 512
//   - call_timeout: "10s"
type RelayConfig struct {
	MinInterval    string `json:"min_interval,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	SendsPerMinute int    `json:"sends_per_minute,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	CallTimeout    string `json:"call_timeout,omitempty"`
}

// SessionConfig controls reconnection policy.
//
// Defaults: base "5s", max "60s", max_attempts 10, init_timeout "2m".
type SessionConfig struct {
	ReconnectBase string `json:"reconnect_base,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	InitTimeout   string `json:"init_timeout,omitempty"`
}

type DedupConfig struct {
	// TTL is the suppression window per message ID. Default "10s".
	TTL string `json:"ttl,omitempty"`
}

type HealthConfig struct {
	// Interval between checks; the stall threshold is 3x this. Default "1m".
	Interval string `json:"interval,omitempty"`
}

type MediaConfig struct {
	// MaxBytes is the attachment size ceiling. Default 20 MiB.
	MaxBytes int64 `json:"max_bytes,omitempty"`
	// DownloadTimeout bounds one media download. Default "1m".
	DownloadTimeout string `json:"download_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
//
// Bind to localhost unless the host firewall handles exposure; the
// server has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8642"
}

// StorageConfig controls the optional persistence layer (relay audit
// log and session credentials).
type StorageConfig struct {
	Driver      string `json:"driver"` // "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// KeepRelayLog prunes audit entries older than this. Default "720h".
	KeepRelayLog string `json:"keep_relay_log,omitempty"`
}

// Validate rejects configurations the bridge cannot start with. Missing
// credentials are fatal at startup on purpose: a bridge without a
// destination is not degraded, it is useless.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or set WABRIDGE_TELEGRAM_TOKEN)"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required (or set WABRIDGE_TELEGRAM_CHAT_ID)"))
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, errors.New("relay.max_retries must be >= 0"))
	}
	if c.Session.MaxAttempts < 0 {
		errs = append(errs, errors.New("session.max_attempts must be >= 0"))
	}
	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q not supported (file, sqlite)", c.Storage.Driver))
		}
	}
	// Durations are parsed lazily by consumers; check them here so a
	// typo fails the reload instead of the component start.
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"relay.min_interval", c.Relay.MinInterval},
		{"relay.retry_base", c.Relay.RetryBase},
		{"relay.call_timeout", c.Relay.CallTimeout},
		{"session.reconnect_base", c.Session.ReconnectBase},
		{"session.reconnect_max", c.Session.ReconnectMax},
		{"session.init_timeout", c.Session.InitTimeout},
		{"dedup.ttl", c.Dedup.TTL},
		{"health.interval", c.Health.Interval},
		{"media.download_timeout", c.Media.DownloadTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage != nil {
		for _, f := range []struct{ path, raw string }{
			{"storage.busy_timeout", c.Storage.BusyTimeout},
			{"storage.keep_relay_log", c.Storage.KeepRelayLog},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
