package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medwatch/internal/eventbus"
	rtsup "medwatch/internal/runtime/supervisor"
	logx "medwatch/pkg/logx"
)

// Drop warnings are logged at most this often per kind.
const dropWarnEvery = 5 * time.Second

// Service runs tasks on a fixed pool of supervised workers.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	queue   chan pending
	stopCh  chan struct{}
	stopped chan struct{} // non-nil while a Stop is draining
	sup     *rtsup.Supervisor

	gatesMu sync.Mutex
	gates   map[string]*Gate

	histMu  sync.Mutex
	history []Run

	seq       atomic.Uint64
	inFlight  atomic.Int32
	queueFull atomic.Uint64
	stale     atomic.Uint64
	skipped   atomic.Uint64

	lastFullWarn  atomic.Int64
	lastStaleWarn atomic.Int64
}

type pending struct {
	task     Task
	opt      TaskOptions
	timeout  time.Duration
	queuedAt time.Time
	gate     *Gate
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.normalized(),
		log:   log.With(logx.Component("taskengine")),
		bus:   bus,
		gates: make(map[string]*Gate),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool { return s.stopCh != nil && s.stopped == nil }

// Apply swaps the config. The pool is restarted only when its shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	up := s.running()
	s.mu.Unlock()

	switch {
	case !up && cfg.Enabled:
		s.Start(ctx)
	case up && !cfg.Enabled:
		s.Stop(ctx)
	case up && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already running,
// and waits for a pending Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.running() {
		s.mu.Unlock()
		return
	}
	if draining := s.stopped; draining != nil {
		s.mu.Unlock()
		select {
		case <-draining:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	queue := make(chan pending, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.queue, s.stopCh, s.sup = queue, stopCh, sup
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes the pool and waits for the workers until ctx expires. The
// drain continues in the background after a timeout.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	done := s.stopped
	if done == nil {
		done = make(chan struct{})
		s.stopped = done
		close(s.stopCh)
		sup := s.sup
		go func() {
			sup.Cancel()
			_ = sup.Wait(context.Background())
			s.mu.Lock()
			s.queue, s.stopCh, s.stopped, s.sup = nil, nil, nil, nil
			s.mu.Unlock()
			s.inFlight.Store(0)
			close(done)
		}()
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, queue, up := s.cfg, s.queue, s.running()
	stopping := s.stopped != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case stopping:
		return ErrStopping
	case !up:
		return ErrStopped
	}

	p := pending{task: t, opt: t.Opt.resolve(cfg), timeout: t.Timeout, queuedAt: now}
	if p.timeout <= 0 {
		p.timeout = cfg.DefaultTimeout
	}
	if p.opt.SkipIfRunning {
		p.gate = t.Gate
		if p.gate == nil {
			p.gate = s.gateFor(t.Name)
		}
		if !p.gate.enter() {
			s.skipped.Add(1)
			s.publish(eventbus.TypeTaskSkipped, Run{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: already queued or running", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	select {
	case queue <- p:
		return nil
	default:
	}
	if p.gate != nil {
		p.gate.leave()
	}
	n := s.queueFull.Add(1)
	s.publish(eventbus.TypeTaskDropped, Run{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if s.throttled(&s.lastFullWarn, now) {
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(queue)), logx.Int64("dropped", int64(n)))
	}
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, queue := s.cfg, s.queue
	s.mu.Unlock()

	s.histMu.Lock()
	h := append([]Run(nil), s.history...)
	s.histMu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         len(queue),
		QueueCap:         cap(queue),
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.queueFull.Load(),
		DroppedStale:     s.stale.Load(),
		Skipped:          s.skipped.Load(),
		History:          h,
	}
}

func (s *Service) gateFor(name string) *Gate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g := s.gates[name]
	if g == nil {
		g = &Gate{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) publish(typ string, r Run) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: r})
	}
}

func (s *Service) record(r Run) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.histMu.Lock()
	s.history = append(s.history, r)
	if over := len(s.history) - size; over > 0 {
		s.history = s.history[over:]
	}
	s.histMu.Unlock()
}

// throttled reports whether a warning may be logged now, claiming the slot.
func (s *Service) throttled(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(dropWarnEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}
