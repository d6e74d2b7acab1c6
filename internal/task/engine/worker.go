package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"medwatch/internal/eventbus"
	logx "medwatch/pkg/logx"
)

func (s *Service) work(ctx context.Context, stopCh <-chan struct{}, queue <-chan pending, idx int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)+1))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case p := <-queue:
			s.inFlight.Add(1)
			s.execute(ctx, stopCh, p, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, stopCh <-chan struct{}, p pending, rng *rand.Rand) {
	if p.gate != nil {
		defer p.gate.leave()
	}
	start := time.Now()
	run := Run{ID: p.task.ID, Name: p.task.Name, Started: start, QueueDelay: max(start.Sub(p.queuedAt), 0)}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && run.QueueDelay > maxDelay {
		run.Error = "stale_queue_delay"
		n := s.stale.Add(1)
		s.publish(eventbus.TypeTaskDropped, run)
		s.record(run)
		if s.throttled(&s.lastStaleWarn, start) {
			s.log.Warn("task dropped: stale queue", logx.String("task", run.Name), logx.Duration("queue_delay", run.QueueDelay), logx.Int64("dropped", int64(n)))
		}
		return
	}

	log := s.log.With(logx.String("task", run.Name))
	log.Debug("task started", logx.Duration("queue_delay", run.QueueDelay))

	err := s.attempts(ctx, stopCh, p, rng, &run, log)
	run.Duration = time.Since(start)
	if err != nil {
		run.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Int("attempts", run.Attempts), logx.Duration("dur", run.Duration))
		s.publish(eventbus.TypeTaskFailed, run)
	} else {
		log.Debug("task completed", logx.Int("attempts", run.Attempts), logx.Duration("dur", run.Duration))
		s.publish(eventbus.TypeTaskFinished, run)
	}
	s.record(run)
}

// attempts runs the task until it succeeds, asks to stop, or the retry
// budget is spent.
func (s *Service) attempts(ctx context.Context, stopCh <-chan struct{}, p pending, rng *rand.Rand, run *Run, log logx.Logger) error {
	for {
		run.Attempts++
		cause, final, after := classify(s.once(ctx, p, log))
		if cause == nil || final || run.Attempts > p.opt.Retries {
			return cause
		}

		delay := retryDelay(p.opt.Backoff, run.Attempts, after, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", run.Attempts+1), logx.Duration("delay", delay), logx.Err(cause))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-stopCh:
			t.Stop()
			return ErrStopping
		case <-t.C:
		}
	}
}

// once runs a single attempt under the task timeout. A panic becomes an error
// so the worker survives.
func (s *Service) once(ctx context.Context, p pending, log logx.Logger) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return p.task.Run(ctx)
}

// retryDelay doubles Base per failed attempt, or starts from the task's own
// hint, then jitters and caps at Max.
func retryDelay(b Backoff, attempt int, hint time.Duration, rng *rand.Rand) time.Duration {
	d := hint
	if d <= 0 {
		d = b.Base
		for i := 1; i < attempt && d < b.Max; i++ {
			d *= 2
		}
	}
	d = min(d, b.Max)
	if b.Jitter > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*b.Jitter))
	}
	return min(max(d, 0), b.Max)
}
