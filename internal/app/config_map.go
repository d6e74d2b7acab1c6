package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medwatch/internal/admin"
	"medwatch/internal/config"
	"medwatch/internal/monitor"
	"medwatch/internal/notifier"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/internal/transport"
	logx "medwatch/pkg/logx"
)

// Sink kinds accepted by notify.sink.
const (
	sinkTelegram = "telegram"
	sinkLog      = "log"
	sinkNone     = "none"
)

func sinkKind(cfg *config.Config) (string, error) {
	s := strings.ToLower(strings.TrimSpace(cfg.Notify.Sink))
	switch s {
	case "":
		if strings.TrimSpace(cfg.Telegram.Token) != "" {
			return sinkTelegram, nil
		}
		return sinkLog, nil
	case sinkTelegram, sinkLog, sinkNone:
		return s, nil
	default:
		return "", fmt.Errorf("notify.sink: unknown sink %q", cfg.Notify.Sink)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegramSinkConfig(cfg *config.Config) notify.TelegramConfig {
	n := cfg.Notify
	replace := true
	if n.ReplaceByTag != nil {
		replace = *n.ReplaceByTag
	}
	return notify.TelegramConfig{
		Target:       transport.ChatTarget{ChatID: n.ChatID, ThreadID: n.ThreadID},
		Permission:   n.Permission,
		ReplaceByTag: replace,
		TagCacheSize: n.TagCacheSize,
	}
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	m := cfg.Monitor
	scanTimeout, err := config.ParseDurationField("monitor.scan_timeout", m.ScanTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	digestTimeout, err := config.ParseDurationField("monitor.digest_timeout", m.DigestTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	waitInterval, err := config.ParseDurationField("source.wait_interval", cfg.Source.WaitInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	if cfg.Ledger.RetainDays < 0 {
		return monitor.Config{}, fmt.Errorf("ledger.retain_days must be >= 0")
	}
	if cfg.Source.WaitAttempts < 0 {
		return monitor.Config{}, fmt.Errorf("source.wait_attempts must be >= 0")
	}
	return monitor.Config{
		ScanInterval:  strings.TrimSpace(m.ScanInterval),
		DigestAt:      strings.TrimSpace(m.DigestAt),
		Timezone:      strings.TrimSpace(m.Timezone),
		URL:           strings.TrimSpace(m.URL),
		TestOnStart:   m.TestOnStart,
		RetainDays:    cfg.Ledger.RetainDays,
		ScanTimeout:   scanTimeout,
		DigestTimeout: digestTimeout,
		WaitInterval:  waitInterval,
		WaitAttempts:  cfg.Source.WaitAttempts,
	}, nil
}

// mapSourceConfig also reports whether a file source should be watched.
func mapSourceConfig(cfg *config.Config) (source.Config, bool, error) {
	s := cfg.Source
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" {
		driver = "file"
	}
	watch := true
	if s.Watch != nil {
		watch = *s.Watch
	}
	switch driver {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return source.Config{}, false, fmt.Errorf("source.path is required when source.driver=file")
		}
	case "postgres", "pg":
		if strings.TrimSpace(s.DSN) == "" {
			return source.Config{}, false, fmt.Errorf("source.dsn is required when source.driver=postgres")
		}
		watch = false
	case "static":
		if len(s.Medicines) == 0 {
			return source.Config{}, false, fmt.Errorf("source.medicines is required when source.driver=static")
		}
		watch = false
	default:
		return source.Config{}, false, fmt.Errorf("unknown source.driver: %s", s.Driver)
	}
	return source.Config{
		Driver: driver,
		Path:   strings.TrimSpace(s.Path),
		DSN:    strings.TrimSpace(s.DSN),
		Table:  strings.TrimSpace(s.Table),

		Medicines: s.Medicines,
	}, watch, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig fills defaults. An omitted notifier section means a
// synchronous pipeline with retry and rate limiting.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Sync:            true,
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     15 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
		HistorySize:     100,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	out.Audit = n.Audit
	if n.Sync != nil {
		out.Sync = *n.Sync
	}
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if n.HistorySize != 0 {
		out.HistorySize = n.HistorySize
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	case out.HistorySize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.history_size must be >= 0")
	}
	return out, nil
}

// mapTaskEngineConfig applies defaults when values are omitted or 0. The
// engine is enabled unless task_engine.enabled is explicitly false.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     2,
		QueueSize:   64,
		HistorySize: 100,
	}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	out := admin.Config{
		Enabled:              a.Enabled,
		Addr:                 strings.TrimSpace(a.Addr),
		Token:                strings.TrimSpace(a.Token),
		AllowInsecure:        a.AllowInsecure,
		Pprof:                a.Pprof,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 2*time.Minute); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validate rejects a config before it is committed, both at startup and on
// hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("empty config")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	kind, err := sinkKind(cfg)
	if err != nil {
		return err
	}
	if kind == sinkTelegram && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("notify.sink=telegram requires telegram.token")
	}
	if cfg.Logging.Telegram.Enabled && kind != sinkTelegram {
		return fmt.Errorf("logging.telegram requires notify.sink=telegram")
	}

	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	if mc.Timezone != "" {
		if _, err := time.LoadLocation(mc.Timezone); err != nil {
			return fmt.Errorf("monitor.timezone: invalid %q: %w", mc.Timezone, err)
		}
	}
	if mc.ScanInterval != "" {
		if _, err := scheduler.ParseSchedule(mc.ScanInterval); err != nil {
			return fmt.Errorf("monitor.scan_interval: %w", err)
		}
	}
	if mc.DigestAt != "" {
		if _, err := monitor.ParseDailyAt(mc.DigestAt, time.UTC); err != nil {
			return fmt.Errorf("monitor.digest_at: %w", err)
		}
	}
	if _, _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Ledger.Persist && cfg.Storage == nil {
		return fmt.Errorf("ledger.persist requires a storage section")
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	te, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	if !te.Enabled {
		return fmt.Errorf("task_engine.enabled cannot be false: scans and digests run on the engine")
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}
