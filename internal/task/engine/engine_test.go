package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"medwatch/internal/eventbus"
	logx "medwatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngineRunsAndRecordsHistory(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var ran atomic.Int32
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { ran.Add(1); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })

	h := s.Snapshot().History[0]
	if ran.Load() != 1 || h.Name != "ok" || h.Error != "" || h.Attempts != 1 {
		t.Fatalf("unexpected history: ran=%d item=%+v", ran.Load(), h)
	}
}

func TestEngineRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{Backoff: Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "" || h.Attempts != 3 {
		t.Fatalf("want success after 3 attempts, got %+v", h)
	}
}

func TestEngineNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "perm", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if h := s.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("error = %q", h.Error)
	}
}

func TestEngineOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "scan",
		Opt:  TaskOptions{SkipIfRunning: true},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("skipped = %d", got)
	}
}

func TestEnginePanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: -1})

	_ = s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error { panic("kaboom") }})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "panic: kaboom" {
		t.Fatalf("error = %q", h.Error)
	}

	// The worker survives and keeps draining the queue.
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
}

func TestEngineDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if err := idle.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run must be rejected")
	}
}

func TestRetryAfterHintIsHonoured(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "snapshot",
		Opt:  TaskOptions{Retries: 1, Backoff: Backoff{Base: time.Hour, Max: time.Hour, Jitter: 0.01}},
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return RetryAfter(errors.New("db down"), time.Millisecond)
			}
			return nil
		},
	})
	// A doubling backoff from Base would wait an hour; the hint wins.
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "" || h.Attempts != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestNegativeRetriesDisableConfigBudget(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 4})

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "once", Opt: TaskOptions{Retries: -1}, Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 1 || s.Snapshot().History[0].Error != "boom" {
		t.Fatalf("calls=%d history=%+v", calls.Load(), s.Snapshot().History)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	cases := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{4, 0, 800 * time.Millisecond},
		{8, 0, time.Second},
		{1, 300 * time.Millisecond, 300 * time.Millisecond},
		{1, 5 * time.Second, time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(b, tc.attempt, tc.hint, nil); got != tc.want {
			t.Errorf("attempt %d hint %s: got %s want %s", tc.attempt, tc.hint, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	cases := []struct {
		name  string
		err   error
		final bool
		after time.Duration
	}{
		{"plain", base, false, 0},
		{"no retry", NoRetry(base), true, 0},
		{"retry after", RetryAfter(base, time.Second), false, time.Second},
		{"wrapped", fmt.Errorf("scan: %w", NoRetry(base)), true, 0},
	}
	for _, tc := range cases {
		cause, final, after := classify(tc.err)
		if !errors.Is(cause, base) || final != tc.final || after != tc.after {
			t.Errorf("%s: cause=%v final=%v after=%s", tc.name, cause, final, after)
		}
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Error("nil errors must stay nil")
	}
}
