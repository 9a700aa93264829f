// Package app assembles the bridge: config, logging, storage, the
// Telegram destination, the delivery queue, the source session manager,
// health monitoring, and the controller that ties them together.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"wabridge/internal/bridge"
	"wabridge/internal/bus"
	"wabridge/internal/config"
	"wabridge/internal/dedup"
	"wabridge/internal/health"
	"wabridge/internal/logging"
	"wabridge/internal/qr"
	"wabridge/internal/relay"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	"wabridge/internal/source"
	"wabridge/internal/status"
	"wabridge/internal/store"
	"wabridge/internal/transport"
	"wabridge/internal/transport/telegram"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log       zerolog.Logger
	logCloser io.Closer
	bus       bus.Bus
	store     store.Store

	dest    *telegram.Adapter
	queue   *relay.Queue
	notif   *relay.Notifier
	gate    *dedup.Gate
	clock   *health.ActivityClock
	sess    *session.Manager
	monitor *health.Monitor
	status  *status.Server
	ctrl    *bridge.Controller

	updates   chan transport.Update
	startedAt time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, zerolog.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		FilePath: logFilePath(cfg),
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With().Str("comp", "config").Logger())

	b := bus.New()

	var st store.Store
	if sc, enabled, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err = store.Open(sc, log.With().Str("comp", "store").Logger())
		if err != nil {
			return nil, err
		}
		log.Info().Str("driver", sc.Driver).Msg("storage enabled")
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	dest, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With().Str("comp", "telegram").Logger())
	if err != nil {
		return nil, err
	}

	relayCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := relay.New(relayCfg, log.With().Str("comp", "relay").Logger(), b)

	chatTarget := transport.ChatTarget{ChatID: cfg.Telegram.ChatID}
	notif := relay.NewNotifier(queue, func(ctx context.Context, text string) error {
		_, err := dest.SendText(ctx, chatTarget, text, nil)
		return err
	})

	ttl, err := config.ParseDurationOrDefault("dedup.ttl", cfg.Dedup.TTL, dedup.DefaultTTL)
	if err != nil {
		return nil, err
	}
	gate := dedup.New(ttl)
	clock := &health.ActivityClock{}

	factory, err := source.Lookup(sourceDriver(cfg))
	if err != nil {
		return nil, err
	}
	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sess := session.NewManager(sessCfg, factory, notif, log.With().Str("comp", "session").Logger(), b)
	if st != nil {
		// Drivers that support auth-state export resume after a restart
		// without re-scanning the QR.
		sess.SetCredentialStore(st)
	}

	healthCfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	monitor := health.NewMonitor(healthCfg, sess.State, clock, notif, log.With().Str("comp", "health").Logger(), b)

	bridgeCfg, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctrl := bridge.New(bridgeCfg, queue, notif, dest, sess, gate, clock,
		qr.NewPNGRenderer(0), st, b, log.With().Str("comp", "bridge").Logger())
	// The controller is the session's event handler: lifecycle signals
	// pass through it (QR relay) on their way to the state machine.
	sess.SetHandler(ctrl)

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log.With().Str("comp", "app").Logger(),
		logCloser: logCloser,
		bus:       b,
		store:     st,
		dest:      dest,
		queue:     queue,
		notif:     notif,
		gate:      gate,
		clock:     clock,
		sess:      sess,
		monitor:   monitor,
		ctrl:      ctrl,
		updates:   make(chan transport.Update, 256),
	}
	a.status = status.New(mapStatusConfig(cfg), a.snapshot, b, log.With().Str("comp", "status").Logger())
	return a, nil
}

func logFilePath(cfg *config.Config) string {
	if cfg.Logging.File.Enabled {
		return cfg.Logging.File.Path
	}
	return ""
}

func (a *App) snapshot() status.Snapshot {
	last := a.clock.Last()
	idle := time.Duration(0)
	if !last.IsZero() {
		idle = time.Since(last)
	}
	return status.Snapshot{
		Uptime:       time.Since(a.startedAt).Round(time.Second).String(),
		Session:      a.sess.Snapshot(),
		QueueDepth:   a.queue.Depth(),
		LastActivity: last,
		IdleFor:      idle.Round(time.Second).String(),
		DedupEntries: a.gate.Len(),
		Workers:      a.sup.Counters(),
	}
}

// Done is closed when the app context is cancelled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// The queue comes up first: every later component assumes it can
	// enqueue notices. It gets its own context so the supervisor's
	// cancel doesn't abort the drain Stop performs.
	a.queue.Start(context.Background())

	if err := a.dest.Start(runCtx, a.updates); err != nil {
		return err
	}
	if err := a.sess.Start(runCtx); err != nil {
		return err
	}
	if err := a.monitor.Start(); err != nil {
		return err
	}
	if err := a.status.Start(runCtx); err != nil {
		// Status is optional observability; a bind failure must not
		// keep messages from flowing.
		a.log.Warn().Err(err).Msg("status server failed to start")
	}

	a.sup.Go("bridge.run", func(c context.Context) error {
		return a.ctrl.Run(c, a.updates)
	})

	// Hot reload: level changes apply live, everything else is logged
	// as restart-required. The watcher validates before publishing.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	// The watcher self-heals transient fsnotify failures internally; a
	// restart here covers the cases where it gives up entirely.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	// Debug tail of bus events; components subscribe themselves for
	// anything load-bearing.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("bus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug().Str("topic", e.Topic).Time("at", e.Time).Msg("event")
			}
		}
	})

	if sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		a.log.Debug().Err(err).Msg("sd_notify failed")
	} else if sent {
		a.log.Debug().Msg("sd_notify: ready")
	}

	a.log.Info().Msg("bridge started")
	return nil
}

func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	changed, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info().Msg("config reloaded (no changes)")
		return
	}

	if logging.ApplyLevel(newCfg.Logging.Level) {
		a.log.Info().Str("level", newCfg.Logging.Level).Msg("log level applied")
	}
	if config.RequiresRestart(changed) {
		a.log.Warn().Strs("changed", changed).
			Msg("config sections changed that need a restart to take effect")
	}
	a.log.Info().Strs("changed", changed).Fields(attrs).Msg("config reloaded")
}

// Stop unwinds the bridge in dependency order, bounding each step so a
// stuck component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info().Str("reason", string(reason)).Msg("stopping")
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn().Str("step", name).Err(err).Msg("stop step error")
			}
			a.log.Debug().Str("step", name).Dur("took", time.Since(start)).Msg("stop step done")
		case <-stepCtx.Done():
			a.log.Warn().Str("step", name).Dur("elapsed", time.Since(start)).
				Msg("stop step deadline reached, continuing")
		}
	}

	// Source first so no new inbound arrives, then the monitor, then
	// the queue drains what is already accepted, then the destination.
	step("session", 3*time.Second, func(c context.Context) error { a.sess.Stop(c); return nil })
	step("health", time.Second, func(c context.Context) error { a.monitor.Stop(); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error { return a.dest.Stop(c) })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("store", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.gate.Close()
	a.log.Info().Msg("stopped")
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return nil
}

// FatalNotice delivers one best-effort direct message to the operator
// about a fatal error. It bypasses the queue on purpose: by the time it
// runs, the queue may be the thing that failed.
func (a *App) FatalNotice(err error) {
	if err == nil || a.dest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text := "🚨 Bridge stopped: " + strings.TrimSpace(err.Error())
	cfg := a.cfgm.Get()
	if cfg == nil {
		return
	}
	_, _ = a.dest.SendText(ctx, transport.ChatTarget{ChatID: cfg.Telegram.ChatID}, text, nil)
}
