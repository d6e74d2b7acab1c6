package config

import "medwatch/internal/medicine"

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "6h") parsed by the app when mapping a
// section into its runtime config.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Monitor MonitorConfig `json:"monitor"`
	Source  SourceConfig  `json:"source"`
	Notify  NotifyConfig  `json:"notify"`

	// Notifier controls the delivery pipeline. Omitted means enabled with
	// synchronous delivery.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Ledger  LedgerConfig   `json:"ledger"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin"`

	// TaskEngine runs scans and digests. Omitted means enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to the notify chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// MonitorConfig controls the expiry scan and the morning digest.
//
// Defaults: scan_interval "6h", digest_at "08:00", timezone = local zone.
type MonitorConfig struct {
	ScanInterval  string `json:"scan_interval,omitempty"`
	DigestAt      string `json:"digest_at,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	URL           string `json:"url,omitempty"`
	TestOnStart   bool   `json:"test_on_start,omitempty"`
	ScanTimeout   string `json:"scan_timeout,omitempty"`
	DigestTimeout string `json:"digest_timeout,omitempty"`
}

// SourceConfig selects where the medicine list comes from.
//
// Example:
//
//	"source": { "driver": "file", "path": "./medicines.yaml" }
//
// The static driver reads the list inline from Medicines.
type SourceConfig struct {
	Driver    string              `json:"driver"` // file | postgres | static
	Path      string              `json:"path,omitempty"`
	DSN       string              `json:"dsn,omitempty"` // do not log
	Table     string              `json:"table,omitempty"`
	Medicines []medicine.Medicine `json:"medicines,omitempty"`
	// Watch re-reads a file source on change. Omitted means true.
	Watch *bool `json:"watch,omitempty"`

	WaitInterval string `json:"wait_interval,omitempty"`
	WaitAttempts int    `json:"wait_attempts,omitempty"`
}

// NotifyConfig selects the sink notifications are rendered to.
type NotifyConfig struct {
	Sink     string `json:"sink"` // telegram | log | none
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Permission is auto | granted | denied | default.
	Permission   string `json:"permission,omitempty"`
	ReplaceByTag *bool  `json:"replace_by_tag,omitempty"`
	TagCacheSize int    `json:"tag_cache_size,omitempty"`
}

// NotifierConfig controls the delivery pipeline around the sink.
//
// Sync (default true) makes Deliver wait for the send so scan reports carry
// real failures; false queues and returns.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Sync            *bool  `json:"sync,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	Audit           bool   `json:"audit,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// LedgerConfig controls the dedup ledger. Persist needs storage.
type LedgerConfig struct {
	Persist    bool `json:"persist,omitempty"`
	RetainDays int  `json:"retain_days,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./medwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AdminConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9477").
//   - A non-loopback bind needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TaskEngineConfig controls the worker pool scans and digests run on.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 100
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}
