package app

import (
	"time"

	"wabridge/internal/bridge"
	"wabridge/internal/config"
	"wabridge/internal/health"
	"wabridge/internal/relay"
	"wabridge/internal/session"
	"wabridge/internal/source/echo"
	"wabridge/internal/status"
	"wabridge/internal/store"
)

// The map* helpers translate the string-typed config surface into the
// typed component configs, parsing durations along the way. Components
// apply their own defaults to zero values.

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	minInterval, err := config.ParseDurationField("relay.min_interval", cfg.Relay.MinInterval)
	if err != nil {
		return relay.Config{}, err
	}
	retryBase, err := config.ParseDurationField("relay.retry_base", cfg.Relay.RetryBase)
	if err != nil {
		return relay.Config{}, err
	}
	callTimeout, err := config.ParseDurationField("relay.call_timeout", cfg.Relay.CallTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		MinInterval:    minInterval,
		MaxRetries:     cfg.Relay.MaxRetries,
		RetryBase:      retryBase,
		SendsPerMinute: cfg.Relay.SendsPerMinute,
		QueueSize:      cfg.Relay.QueueSize,
		CallTimeout:    callTimeout,
	}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationField("session.reconnect_base", cfg.Session.ReconnectBase)
	if err != nil {
		return session.Config{}, err
	}
	max, err := config.ParseDurationField("session.reconnect_max", cfg.Session.ReconnectMax)
	if err != nil {
		return session.Config{}, err
	}
	initTimeout, err := config.ParseDurationField("session.init_timeout", cfg.Session.InitTimeout)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		BaseDelay:   base,
		MaxDelay:    max,
		MaxAttempts: cfg.Session.MaxAttempts,
		InitTimeout: initTimeout,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	interval, err := config.ParseDurationField("health.interval", cfg.Health.Interval)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Interval: interval}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	downloadTimeout, err := config.ParseDurationField("media.download_timeout", cfg.Media.DownloadTimeout)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		ChatID:          cfg.Telegram.ChatID,
		AddressSuffix:   cfg.Source.AddressSuffix,
		MediaMaxBytes:   cfg.Media.MaxBytes,
		DownloadTimeout: downloadTimeout,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, bool, error) {
	if cfg.Storage == nil || cfg.Storage.Driver == "" || cfg.Storage.Driver == "none" {
		return store.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, false, err
	}
	keep, err := config.ParseDurationField("storage.keep_relay_log", cfg.Storage.KeepRelayLog)
	if err != nil {
		return store.Config{}, false, err
	}
	return store.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		BusyTimeout:  busy,
		KeepRelayLog: keep,
	}, true, nil
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:     cfg.Status.Enabled,
		Addr:        cfg.Status.Addr,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: time.Minute,
	}
}

func sourceDriver(cfg *config.Config) string {
	if cfg.Source.Driver == "" {
		return echo.DriverName
	}
	return cfg.Source.Driver
}
