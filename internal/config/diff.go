package config

import (
	"reflect"
	"strings"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the Telegram token) never
// appear in the attrs, only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, map[string]any) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make(map[string]any, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs["telegram.token_set"] = strings.TrimSpace(newCfg.Telegram.Token) != ""
		attrs["telegram.chat_id"] = newCfg.Telegram.ChatID
		attrs["telegram.poll_timeout"] = strings.TrimSpace(newCfg.Telegram.PollTimeout)
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs["source.driver"] = newCfg.Source.Driver
		attrs["source.address_suffix"] = newCfg.Source.AddressSuffix
	}

	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs["relay.min_interval"] = newCfg.Relay.MinInterval
		attrs["relay.max_retries"] = newCfg.Relay.MaxRetries
		attrs["relay.sends_per_minute"] = newCfg.Relay.SendsPerMinute
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs["session.reconnect_base"] = newCfg.Session.ReconnectBase
		attrs["session.max_attempts"] = newCfg.Session.MaxAttempts
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs["dedup.ttl"] = newCfg.Dedup.TTL
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs["health.interval"] = newCfg.Health.Interval
	}

	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
		attrs["media.max_bytes"] = newCfg.Media.MaxBytes
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs["logging.level"] = newCfg.Logging.Level
		attrs["logging.console"] = newCfg.Logging.Console
		attrs["logging.file_enabled"] = newCfg.Logging.File.Enabled
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs["status.enabled"] = newCfg.Status.Enabled
		attrs["status.addr"] = strings.TrimSpace(newCfg.Status.Addr)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs["storage.driver"] = newCfg.Storage.Driver
		}
	}

	return changed, attrs
}

// RequiresRestart reports whether the changed sections can only take
// effect on a new process. Logging level and the relay rate guard apply
// live; everything else touches a connection handle or a worker that is
// fixed at start.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging":
		default:
			return true
		}
	}
	return false
}
