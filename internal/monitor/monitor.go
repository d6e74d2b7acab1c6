// Package monitor owns the expiry scan and the daily digest for one medicine
// source and one notification sink.
//
// A Monitor is an explicit handle: it holds the source, ledger and sink it
// was built with and registers two named schedules, "monitor.scan" and
// "monitor.digest", with the task scheduler. Start may be called again to
// re-initialize; the schedules are upserted by name so a second Start never
// leaves two timers behind.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medwatch/internal/eventbus"
	"medwatch/internal/ledger"
	"medwatch/internal/medicine"
	"medwatch/internal/metrics"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/clock"
	logx "medwatch/pkg/logx"
)

const (
	ScheduleScan   = "monitor.scan"
	ScheduleDigest = "monitor.digest"
)

// A scan or digest that could not read the snapshot is retried twice,
// about half a minute apart.
const (
	jobRetries    = 2
	snapshotRetry = 30 * time.Second
)

// ErrUnsupported is returned by Start when no sink is configured.
var ErrUnsupported = notify.ErrUnsupported

type Config struct {
	// ScanInterval is a scheduler spec: "6h", "06:00" or a cron expression.
	ScanInterval string
	DigestAt     string // HH:MM
	Timezone     string
	URL          string
	TestOnStart  bool
	RetainDays   int

	ScanTimeout   time.Duration
	DigestTimeout time.Duration

	WaitInterval time.Duration
	WaitAttempts int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval == "" {
		c.ScanInterval = "6h"
	}
	if c.DigestAt == "" {
		c.DigestAt = "08:00"
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 2 * time.Minute
	}
	if c.DigestTimeout <= 0 {
		c.DigestTimeout = time.Minute
	}
	return c
}

// Scheduler is the part of the task scheduler the monitor registers with.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	AddFunc(name, label string, sched cron.Schedule, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// Deps are the collaborators a Monitor is built from. Sink may be nil, in
// which case Start reports ErrUnsupported.
type Deps struct {
	Source    source.Source
	Ledger    ledger.Ledger
	Sink      notify.Sink
	Scheduler Scheduler
	Clock     clock.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
}

type Monitor struct {
	deps Deps
	log  logx.Logger

	// startMu serializes Start/Stop/Apply; mu guards the fields below.
	startMu sync.Mutex
	scanMu  sync.Mutex

	mu         sync.Mutex
	cfg        Config
	loc        *time.Location
	daily      DailyAt
	running    bool
	startedAt  time.Time
	lastScan   *Report
	lastDigest *DigestResult
}

func New(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Source == nil {
		return nil, errors.New("monitor: source required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	m := &Monitor{deps: deps, log: deps.Log.With(logx.Component("monitor"))}
	if err := m.setConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) setConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	l := time.Local
	if cfg.Timezone != "" {
		var err error
		if l, err = time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("monitor.timezone: %w", err)
		}
	}
	daily, err := ParseDailyAt(cfg.DigestAt, l)
	if err != nil {
		return fmt.Errorf("monitor.digest_at: %w", err)
	}
	m.mu.Lock()
	m.cfg, m.loc, m.daily = cfg, l, daily
	m.mu.Unlock()
	return nil
}

func (m *Monitor) scanner() *Scanner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Scanner{
		Source:     m.deps.Source,
		Ledger:     m.deps.Ledger,
		Sink:       m.deps.Sink,
		Clock:      m.deps.Clock,
		Location:   m.loc,
		URL:        m.cfg.URL,
		RetainDays: m.cfg.RetainDays,
		Log:        m.log.With(logx.String("task", "scan")),
		Bus:        m.deps.Bus,
		Metrics:    m.deps.Metrics,
	}
}

func (m *Monitor) digest() *Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Digest{
		Source:   m.deps.Source,
		Sink:     m.deps.Sink,
		Clock:    m.deps.Clock,
		Location: m.loc,
		URL:      m.cfg.URL,
		Log:      m.log.With(logx.String("task", "digest")),
		Bus:      m.deps.Bus,
		Metrics:  m.deps.Metrics,
	}
}

// Start checks the environment, waits briefly for a first snapshot, runs
// the startup scan and registers the periodic scan and the daily digest.
func (m *Monitor) Start(ctx context.Context) error {
	if m.deps.Sink == nil {
		return ErrUnsupported
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.isRunning() {
		m.log.Info("monitor re-initializing")
		m.unregister()
	}

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if err := source.WaitReady(ctx, m.deps.Source, cfg.WaitInterval, cfg.WaitAttempts, m.log); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	r := m.ScanNow(ctx)
	if cfg.TestOnStart && r.Skipped != SkipPermission {
		if err := m.SendTest(ctx); err != nil {
			m.log.Warn("test notification failed", logx.Err(err))
		}
	}

	if err := m.register(); err != nil {
		m.unregister()
		return err
	}

	m.mu.Lock()
	m.running = true
	m.startedAt = m.deps.Clock.Now()
	next := m.daily.Next(m.startedAt)
	m.mu.Unlock()
	m.log.Info("monitor started", logx.String("scan_every", cfg.ScanInterval), logx.Time("next_digest", next))
	return nil
}

func (m *Monitor) register() error {
	if m.deps.Scheduler == nil {
		return nil
	}
	m.mu.Lock()
	cfg := m.cfg
	daily := m.daily
	m.mu.Unlock()

	opt := scheduler.TaskOptions{
		SkipIfRunning: true,
		Retries:       jobRetries,
		Backoff:       scheduler.Backoff{Base: snapshotRetry, Max: 2 * snapshotRetry},
	}
	if _, err := m.deps.Scheduler.AddSchedule(ScheduleScan, cfg.ScanInterval, cfg.ScanTimeout, opt, func(ctx context.Context) error {
		r := m.ScanNow(ctx)
		return jobError(r.Skipped, r.cause)
	}); err != nil {
		return fmt.Errorf("register scan: %w", err)
	}
	if _, err := m.deps.Scheduler.AddFunc(ScheduleDigest, "daily "+daily.String(), daily, cfg.DigestTimeout, opt, func(ctx context.Context) error {
		res := m.DigestNow(ctx)
		return jobError(res.Skipped, res.cause)
	}); err != nil {
		return fmt.Errorf("register digest: %w", err)
	}
	return nil
}

// jobError maps a run's outcome onto the engine's retry contract. Only a
// failed snapshot read is retried; delivery retries live in the notifier.
func jobError(skipped string, cause error) error {
	switch {
	case cause == nil:
		return nil
	case skipped == SkipSnapshot:
		return engine.RetryAfter(cause, snapshotRetry)
	default:
		return engine.NoRetry(cause)
	}
}

func (m *Monitor) unregister() {
	if m.deps.Scheduler == nil {
		return
	}
	m.deps.Scheduler.Remove(ScheduleScan)
	m.deps.Scheduler.Remove(ScheduleDigest)
}

// Stop removes both schedules. A scan already running finishes on its own.
func (m *Monitor) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.isRunning() {
		return
	}
	m.unregister()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.log.Info("monitor stopped")
}

// Apply swaps the config. A running monitor re-registers its schedules so a
// new interval, digest time or timezone takes effect at once.
func (m *Monitor) Apply(cfg Config) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	if !m.isRunning() {
		return nil
	}
	return m.register()
}

func (m *Monitor) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ScanNow runs one scan. Concurrent calls are serialized.
func (m *Monitor) ScanNow(ctx context.Context) Report {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	r := m.scanner().Scan(ctx)
	m.mu.Lock()
	m.lastScan = &r
	m.mu.Unlock()
	return r
}

// DigestNow sends today's digest immediately.
func (m *Monitor) DigestNow(ctx context.Context) DigestResult {
	res := m.digest().Fire(ctx)
	m.mu.Lock()
	m.lastDigest = &res
	m.mu.Unlock()
	return res
}

// PreviewDigest builds the digest as it would look at now, without delivering it.
func (m *Monitor) PreviewDigest(ctx context.Context, now time.Time) (notify.Notification, bool, error) {
	meds, err := m.deps.Source.Snapshot(ctx)
	if err != nil {
		return notify.Notification{}, false, err
	}
	m.mu.Lock()
	l, url := m.loc, m.cfg.URL
	m.mu.Unlock()
	now = now.In(l)
	n, ok := BuildDigest(meds, medicine.DateOf(now), url, now)
	return n, ok, nil
}

// SendTest delivers the "notifications work" message.
func (m *Monitor) SendTest(ctx context.Context) error {
	return m.deliverDirect(ctx, func(now time.Time, url string) notify.Notification {
		return notify.Test(now, url)
	})
}

// Relay forwards an inbound push message through the sink.
func (m *Monitor) Relay(ctx context.Context, msg notify.PushMessage) error {
	return m.deliverDirect(ctx, func(now time.Time, url string) notify.Notification {
		return notify.Relay(msg, now, url)
	})
}

func (m *Monitor) deliverDirect(ctx context.Context, build func(now time.Time, url string) notify.Notification) error {
	sink := m.deps.Sink
	if sink == nil {
		return ErrUnsupported
	}
	if sink.Permission(ctx) != notify.PermissionGranted {
		return notify.ErrPermission
	}
	m.mu.Lock()
	url := m.cfg.URL
	m.mu.Unlock()
	return sink.Deliver(ctx, build(m.deps.Clock.Now(), url))
}

// Status is a point-in-time view for /status and the admin API.
type Status struct {
	Running      bool          `json:"running"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	Permission   string        `json:"permission"`
	ScanInterval string        `json:"scan_interval"`
	DigestAt     string        `json:"digest_at"`
	Timezone     string        `json:"timezone"`
	NextDigest   time.Time     `json:"next_digest"`
	LedgerKeys   int           `json:"ledger_keys"`
	LastScan     *Report       `json:"last_scan,omitempty"`
	LastDigest   *DigestResult `json:"last_digest,omitempty"`
}

func (m *Monitor) Snapshot(ctx context.Context) Status {
	perm := notify.PermissionDefault
	if m.deps.Sink != nil {
		perm = m.deps.Sink.Permission(ctx)
	}
	now := m.deps.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Running:      m.running,
		StartedAt:    m.startedAt,
		Permission:   perm.String(),
		ScanInterval: m.cfg.ScanInterval,
		DigestAt:     m.daily.String(),
		Timezone:     m.loc.String(),
		NextDigest:   m.daily.Next(now),
		LedgerKeys:   m.deps.Ledger.Len(),
	}
	if m.lastScan != nil {
		r := *m.lastScan
		st.LastScan = &r
	}
	if m.lastDigest != nil {
		d := *m.lastDigest
		st.LastDigest = &d
	}
	return st
}
