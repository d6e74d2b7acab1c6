// Package source provides read-only medicine snapshots to the monitor.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"medwatch/internal/medicine"
	logx "medwatch/pkg/logx"
)

// ErrNotReady is returned by sources that have not loaded any data yet.
var ErrNotReady = errors.New("source: snapshot not ready")

// Source returns the current list of medicines. Callers must treat the
// returned slice as read-only.
type Source interface {
	Snapshot(ctx context.Context) ([]medicine.Medicine, error)
}

type Config struct {
	Driver string // file | postgres | static
	Path   string
	DSN    string
	Table  string
	// Medicines is the fixed list served by the static driver.
	Medicines []medicine.Medicine
	// WaitInterval and WaitAttempts bound the startup readiness poll.
	WaitInterval time.Duration
	WaitAttempts int
}

// Open builds the configured source. The returned closer is never nil.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Source, func() error, error) {
	nop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		fs := NewFile(cfg.Path, log)
		if err := fs.Load(); err != nil {
			log.Warn("initial medicines load failed", logx.String("path", cfg.Path), logx.Err(err))
		}
		return fs, nop, nil
	case "postgres", "pg":
		ps, err := OpenPostgres(ctx, cfg.DSN, cfg.Table, log)
		if err != nil {
			return nil, nop, err
		}
		return ps, ps.Close, nil
	case "static":
		if len(cfg.Medicines) == 0 {
			return nil, nop, errors.New("static source needs at least one medicine")
		}
		return NewStatic(cfg.Medicines), nop, nil
	default:
		return nil, nop, fmt.Errorf("unknown source driver: %s", cfg.Driver)
	}
}

// Static serves a fixed list: the inline config list or test fixtures.
type Static struct {
	mu   sync.RWMutex
	meds []medicine.Medicine
}

func NewStatic(meds []medicine.Medicine) *Static {
	return &Static{meds: append([]medicine.Medicine(nil), meds...)}
}

func (s *Static) Set(meds []medicine.Medicine) {
	s.mu.Lock()
	s.meds = append([]medicine.Medicine(nil), meds...)
	s.mu.Unlock()
}

func (s *Static) Snapshot(ctx context.Context) ([]medicine.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]medicine.Medicine(nil), s.meds...), nil
}

// Func adapts a function to Source.
type Func func(ctx context.Context) ([]medicine.Medicine, error)

func (f Func) Snapshot(ctx context.Context) ([]medicine.Medicine, error) { return f(ctx) }

// WaitReady polls src until it returns a non-empty snapshot or attempts run
// out, then returns so the caller can proceed either way. Only context
// cancellation is reported as an error.
func WaitReady(ctx context.Context, src Source, interval time.Duration, attempts int, log logx.Logger) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if attempts <= 0 {
		attempts = 20
	}
	for i := 1; i <= attempts; i++ {
		meds, err := src.Snapshot(ctx)
		if err == nil && len(meds) > 0 {
			log.Debug("snapshot ready", logx.Int("attempt", i), logx.Int("medicines", len(meds)))
			return nil
		}
		if i == attempts {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	log.Warn("snapshot not ready, proceeding", logx.Int("attempts", attempts))
	return nil
}
