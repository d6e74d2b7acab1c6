package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/internal/notify"
	"medwatch/internal/storage"
	logx "medwatch/pkg/logx"
)

func note(tag, body string) notify.Notification {
	return notify.Notification{Title: "t", Body: body, Tag: tag, Data: notify.Data{Type: "warning", MedicineID: "m1"}}
}

func syncCfg() Config {
	return Config{Enabled: true, Sync: true, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestSyncDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	var calls atomic.Int32
	rec.Fail = func(notify.Notification) error {
		if calls.Add(1) < 3 {
			return errors.New("telegram 502")
		}
		return nil
	}
	s := New(syncCfg(), rec, logx.Nop(), eventbus.New(), nil, nil)

	if err := s.Deliver(context.Background(), note("medicine-warning-m1", "a")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(rec.Delivered()) != 1 {
		t.Fatalf("delivered = %d", len(rec.Delivered()))
	}
	h := s.History()
	if len(h) != 1 || !h[0].OK || h[0].Attempts != 3 || h[0].ID == "" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestSyncDeliverReturnsFinalError(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	boom := errors.New("down")
	rec.Fail = func(notify.Notification) error { return boom }
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(syncCfg(), rec, logx.Nop(), bus, nil, nil)
	if err := s.Deliver(context.Background(), note("x", "a")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeNotifyFailed {
			t.Fatalf("event type = %s", ev.Type)
		}
		if ne := ev.Data.(NotificationEvent); ne.Attempts != 3 {
			t.Fatalf("attempts = %d", ne.Attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestPermissionErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	var calls atomic.Int32
	rec.Fail = func(notify.Notification) error { calls.Add(1); return notify.ErrPermission }
	s := New(syncCfg(), rec, logx.Nop(), nil, nil, nil)

	if err := s.Deliver(context.Background(), note("x", "a")); !errors.Is(err, notify.ErrPermission) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	cfg := syncCfg()
	cfg.DedupWindow = time.Minute
	s := New(cfg, rec, logx.Nop(), nil, nil, nil)
	ctx := context.Background()

	_ = s.Deliver(ctx, note("daily-reminder", "same"))
	_ = s.Deliver(ctx, note("daily-reminder", "same"))
	_ = s.Deliver(ctx, note("daily-reminder", "changed"))

	if got := len(rec.Delivered()); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
}

func TestDisabledIsPassThrough(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	s := New(Config{}, rec, logx.Nop(), nil, nil, nil)
	if err := s.Deliver(context.Background(), note("x", "a")); err != nil {
		t.Fatal(err)
	}
	if len(rec.Delivered()) != 1 || len(s.History()) != 0 {
		t.Fatal("disabled notifier should hand straight to the sink")
	}
	if s.Permission(context.Background()) != notify.PermissionGranted {
		t.Fatal("permission should come from the sink")
	}
}

func TestNoSinkIsUnsupported(t *testing.T) {
	t.Parallel()
	s := New(syncCfg(), nil, logx.Nop(), nil, nil, nil)
	if err := s.Deliver(context.Background(), note("x", "a")); !errors.Is(err, notify.ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if s.Permission(context.Background()) != notify.PermissionDefault {
		t.Fatal("no sink must not report granted")
	}
}

func TestAsyncQueueDrainsOnStop(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	cfg := syncCfg()
	cfg.Sync = false
	cfg.Workers = 2
	s := New(cfg, rec, logx.Nop(), nil, nil, nil)

	if err := s.Deliver(context.Background(), note("x", "a")); !errors.Is(err, ErrStopped) {
		t.Fatalf("async deliver before Start: %v", err)
	}
	s.Start(context.Background())
	for i := 0; i < 10; i++ {
		if err := s.Deliver(context.Background(), note("x", string(rune('a'+i)))); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := len(rec.Delivered()); got != 10 {
		t.Fatalf("delivered = %d, want 10", got)
	}
	if err := s.Deliver(context.Background(), note("x", "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("deliver after Stop: %v", err)
	}
}

func TestAuditAndPersistedDedup(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "medwatch.db")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := notify.NewRecorder()
	cfg := syncCfg()
	cfg.Audit = true
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	s := New(cfg, rec, logx.Nop(), nil, st, nil)
	s.Start(context.Background())

	ctx := context.Background()
	if err := s.Deliver(ctx, note("medicine-warning-m1", "a")); err != nil {
		t.Fatal(err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s.Stop(stopCtx)
	cancel()

	recs, err := st.RecentDeliveries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].OK || recs[0].MedicineID != "m1" || recs[0].Type != "warning" {
		t.Fatalf("unexpected audit %+v", recs)
	}

	// A fresh pipeline over the same store sees the persisted window.
	rec2 := notify.NewRecorder()
	s2 := New(cfg, rec2, logx.Nop(), nil, st, nil)
	if err := s2.Deliver(ctx, note("medicine-warning-m1", "a")); err != nil {
		t.Fatal(err)
	}
	if len(rec2.Delivered()) != 0 {
		t.Fatal("persisted dedup window was not honoured")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter band", d)
	}
}
