package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides. Env wins over the file so a unit file or
// container runtime can inject credentials without editing config.
const (
	EnvTelegramToken  = "WABRIDGE_TELEGRAM_TOKEN"
	EnvTelegramChatID = "WABRIDGE_TELEGRAM_CHAT_ID"
	EnvListenAddr     = "WABRIDGE_LISTEN_ADDR"
	EnvMaxRetries     = "WABRIDGE_MAX_RETRIES"
	EnvReconnectBase  = "WABRIDGE_RECONNECT_BASE"
	EnvMediaMaxBytes  = "WABRIDGE_MEDIA_MAX_BYTES"
)

// ApplyEnv overlays recognized environment variables onto cfg. Malformed
// values are errors, not silent fallbacks.
func ApplyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramChatID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q: %w", EnvTelegramChatID, v, err)
		}
		cfg.Telegram.ChatID = id
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.Status.Enabled = true
		cfg.Status.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxRetries)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid retry count %q", EnvMaxRetries, v)
		}
		cfg.Relay.MaxRetries = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvReconnectBase)); v != "" {
		if _, err := ParseDurationField(EnvReconnectBase, v); err != nil {
			return err
		}
		cfg.Session.ReconnectBase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMediaMaxBytes)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid byte count %q", EnvMediaMaxBytes, v)
		}
		cfg.Media.MaxBytes = n
	}
	return nil
}
