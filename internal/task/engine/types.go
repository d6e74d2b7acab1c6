package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the worker pool. The scheduler only triggers; timeouts,
// retries and overlap gating are applied here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a run when the task has no timeout of its own.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops a task that waited longer than this in the queue.
	// 0 keeps every task.
	MaxQueueDelay time.Duration

	HistorySize int
	// RetryMax is the retry budget for tasks that leave Retries at 0.
	RetryMax int
}

func (c Config) normalized() Config {
	c.Workers = positive(c.Workers, 2)
	c.QueueSize = positive(c.QueueSize, 64)
	c.HistorySize = positive(c.HistorySize, 100)
	c.RetryMax = max(c.RetryMax, 0)
	return c
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Backoff spaces retries: Base doubles per attempt up to Max, then Jitter
// (a fraction, 0.2 = ±20%) is applied.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// TaskOptions tune one task.
type TaskOptions struct {
	// SkipIfRunning rejects a trigger while the same task is queued or running.
	SkipIfRunning bool
	// Retries is the number of extra attempts after a failure. 0 takes
	// Config.RetryMax; a negative value disables retries.
	Retries int
	Backoff Backoff
}

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	switch {
	case o.Retries == 0:
		o.Retries = cfg.RetryMax
	case o.Retries < 0:
		o.Retries = 0
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 500 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 15 * time.Second
	}
	if o.Backoff.Jitter <= 0 {
		o.Backoff.Jitter = 0.2
	}
	return o
}

// Gate admits one run of a task at a time. The scheduler owns one per
// schedule; tasks without a gate share one per name.
type Gate struct {
	mu   sync.Mutex
	busy bool
}

func (g *Gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false
	}
	g.busy = true
	return true
}

func (g *Gate) leave() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Task is one unit of work.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	Gate    *Gate
}

// Run describes one finished (or dropped) task. It is kept in the history
// and published on the bus.
type Run struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Skipped          uint64 `json:"skipped"`

	History []Run `json:"history"`
}
