package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"medwatch/internal/admin"
	"medwatch/internal/config"
	"medwatch/internal/eventbus"
	"medwatch/internal/ledger"
	"medwatch/internal/metrics"
	"medwatch/internal/monitor"
	"medwatch/internal/notifier"
	"medwatch/internal/notify"
	rtsup "medwatch/internal/runtime/supervisor"
	"medwatch/internal/source"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/internal/transport"
	"medwatch/internal/transport/telegram"
	logx "medwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	adapter *telegram.Adapter    // nil without a bot token
	tgSink  *notify.TelegramSink // nil unless notify.sink=telegram
	notif   *notifier.Service    // nil when notify.sink=none

	src      source.Source
	srcWatch bool
	closeSrc func() error

	engine *engine.Service
	sched  *scheduler.Service
	mon    *monitor.Monitor
	admin  *admin.Service
	cmds   *Commands

	messages chan transport.Message
}

// New loads and validates the config and wires every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, err
	}

	// Chat logging needs the telegram sink as sender; start without it and
	// Apply the final config once the sender is set.
	bootLogCfg := mapLoggingConfig(cfg)
	bootLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootLogCfg)

	bus := eventbus.New()
	reg := metrics.NewRegistry()
	m := metrics.MustNew(reg)
	m.SetBusDropped(bus.Dropped)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.Component("app")),
		logs:     logSvc,
		bus:      bus,
		reg:      reg,
		messages: make(chan transport.Message, 64),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		if a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	kind, _ := sinkKind(cfg)
	var sink notify.Sink
	switch kind {
	case sinkTelegram:
		if a.tgSink, err = notify.NewTelegramSink(a.adapter, mapTelegramSinkConfig(cfg), log); err != nil {
			return nil, err
		}
		logSvc.SetChatSender(a.tgSink)
		sink = a.tgSink
	case sinkLog:
		sink = notify.LogSink{Log: log.With(logx.Component("notify.log"))}
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	var monSink notify.Sink
	if sink != nil {
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(ncfg, sink, log, bus, a.store, m)
		monSink = a.notif
	}

	var led ledger.Ledger = ledger.NewMemory()
	if cfg.Ledger.Persist {
		p, err := ledger.OpenPersistent(ctx, a.store, log)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		led = p
	}

	srcCfg, watch, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.src, a.closeSrc, err = source.Open(ctx, srcCfg, log.With(logx.Component("source"))); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	a.srcWatch = watch

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log, bus)

	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scheduler.Config{Enabled: true, Timezone: monCfg.Timezone}, a.engine, log)

	a.mon, err = monitor.New(monCfg, monitor.Deps{
		Source:    a.src,
		Ledger:    led,
		Sink:      monSink,
		Scheduler: a.sched,
		Log:       log,
		Bus:       bus,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(adminCfg, a.mon, reg, log)

	if a.adapter != nil {
		a.cmds = NewCommands(log.With(logx.Component("commands")), a.adapter, a.mon, cfg.Telegram.OwnerUserIDs)
	}

	ok = true
	return a, nil
}

// Monitor exposes the monitor handle.
func (a *App) Monitor() *monitor.Monitor { return a.mon }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(validate)

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.messages); err != nil {
			return err
		}
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, menu); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}
	if a.notif != nil {
		a.notif.Start(runCtx)
	}
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	a.sched.Start(runCtx)
	if a.admin.Enabled() {
		a.admin.Start(runCtx)
	}

	if f, ok := a.src.(*source.File); ok && a.srcWatch {
		a.sup.GoRestart("source.watch", f.Watch,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	switch err := a.mon.Start(runCtx); {
	case errors.Is(err, monitor.ErrUnsupported):
		// Not fatal: admin and config reload keep running.
		a.log.Error("notifications are not supported in this environment (notify.sink=none); expiry monitoring disabled")
	case err != nil:
		return fmt.Errorf("monitor: %w", err)
	}

	if a.cmds != nil {
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.messages)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })

	sdNotify(a.log, "READY=1")
	a.log.Info("app started")
	return nil
}

// restartSections cannot be applied live.
var restartSections = map[string]string{
	"storage":  "storage",
	"source":   "source",
	"telegram": "telegram token or poll timeout",
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if what, ok := restartSections[s]; ok {
			a.log.Warn("config change requires restart", logx.String("section", s), logx.String("what", what))
		}
	}
	if oldCfg != nil && oldCfg.Ledger.Persist != newCfg.Ledger.Persist {
		a.log.Warn("ledger.persist changed; restart required")
	}

	if a.tgSink != nil {
		a.tgSink.Apply(mapTelegramSinkConfig(newCfg))
	}
	a.logs.Apply(mapLoggingConfig(newCfg))
	if a.cmds != nil {
		a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	if a.notif != nil && slices.Contains(sections, "notifier") {
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			// Stop drains with the old settings; Start picks up the new ones.
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.notif.Apply(ncfg)
			a.notif.Start(ctx)
		}
	}

	if ecfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}

	mcfg, err := mapMonitorConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scheduler.Config{Enabled: true, Timezone: mcfg.Timezone})
		if err := a.mon.Apply(mcfg); err != nil {
			a.log.Warn("monitor config rejected; keeping previous", logx.Err(err))
		}
	}

	if acfg, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, acfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1")

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// never extend the caller's deadline
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("monitor", time.Second, func(context.Context) error { a.mon.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// closeResources releases the source and the store.
func (a *App) closeResources() {
	if a.closeSrc != nil {
		if err := a.closeSrc(); err != nil {
			a.log.Warn("source close failed", logx.Err(err))
		}
		a.closeSrc = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
