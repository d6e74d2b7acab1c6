package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medwatch/internal/eventbus"
	"medwatch/internal/metrics"
	"medwatch/internal/notify"
	rtsup "medwatch/internal/runtime/supervisor"
	"medwatch/internal/storage"
	logx "medwatch/pkg/logx"
)

type job struct {
	n        notify.Notification
	dedupKey string
}

// Service implements a notification pipeline in front of a notify.Sink:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sink    notify.Sink
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	running   bool
	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

var _ notify.Sink = (*Service)(nil)

type dedupWrite struct {
	key   string
	until time.Time
}

// New wires the pipeline. store and m may be nil.
func New(cfg Config, sink notify.Sink, log logx.Logger, bus eventbus.Bus, store storage.Store, m *metrics.Metrics) *Service {
	s := &Service{
		sink:    sink,
		log:     log.With(logx.Component("notifier")),
		bus:     bus,
		store:   store,
		metrics: m,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}

	s.cfg = cfg
	// Burst equals the per-second rate so short spikes do not block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Permission reports the sink's permission; no sink means default.
func (s *Service) Permission(ctx context.Context) notify.Permission {
	if s.sink == nil {
		return notify.PermissionDefault
	}
	return s.sink.Permission(ctx)
}

// Start launches the async workers and the dedup persister. Sync mode
// delivers without Start; Start there only enables dedup persistence.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	cfg := s.cfg
	s.running = true
	s.accepting = true
	if cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	pch := s.persistCh
	st := s.store
	var q chan job
	if !cfg.Sync {
		s.queue = make(chan job, cfg.QueueSize)
		q = s.queue
	}
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return nil
		})
	}
	if q == nil {
		s.log.Info("notifier started", logx.Bool("sync", true))
		return
	}
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Bool("sync", false), logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Deliver calls finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		if q != nil {
			close(q)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.running = false
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver runs the pipeline for n. See the package doc for sync vs async.
func (s *Service) Deliver(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.sink == nil {
		return notify.ErrUnsupported
	}
	if n.Data.ID == "" {
		n.Data.ID = notify.NewID()
	}

	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return s.sink.Deliver(ctx, n)
	}
	// Sync delivery works without Start; async needs the workers.
	if s.stopDone != nil || (!cfg.Sync && (!s.accepting || s.queue == nil)) {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.metrics.Deduped()
		s.publish(eventbus.TypeNotifyDeduped, n, key, 0, nil)
		s.log.Debug("notification deduped", logx.String("tag", n.Tag), logx.String("id", n.Data.ID))
		return nil
	}

	if cfg.Sync {
		return s.sendWithRetry(ctx, job{n: n, dedupKey: key})
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.publish(eventbus.TypeNotifyDropped, n, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recent delivery outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			_ = s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	start := time.Now()
	maxAttempts := 1 + cfg.RetryMax
	attempts := 0
	var err error
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err = lim.Wait(ctx); err != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.sink.Deliver(callCtx, j.n)
		cancel()
		if err == nil || errors.Is(err, notify.ErrPermission) || errors.Is(err, notify.ErrUnsupported) {
			break
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		}
	}

	took := time.Since(start)
	it := HistoryItem{At: start, ID: j.n.Data.ID, Tag: j.n.Tag, Title: j.n.Title, OK: err == nil, Attempts: attempts, Took: took}
	if err != nil {
		it.Error = err.Error()
		s.log.Warn("notification delivery failed", logx.String("tag", j.n.Tag), logx.String("id", j.n.Data.ID), logx.Int("attempts", attempts), logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, j.n, j.dedupKey, attempts, err)
	} else {
		s.publish(eventbus.TypeNotifySent, j.n, j.dedupKey, attempts, nil)
	}
	s.appendHistory(it, cfg.HistorySize)
	s.metrics.Delivery(err == nil, j.n.Data.Type, took)
	if cfg.Audit {
		s.audit(ctx, j.n, it)
	}
	return err
}

func (s *Service) audit(ctx context.Context, n notify.Notification, it HistoryItem) {
	if s.store == nil {
		return
	}
	// Audit outlives a cancelled caller so shutdown deliveries are still recorded.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	rec := storage.DeliveryRecord{
		At:         it.At,
		ID:         it.ID,
		Tag:        it.Tag,
		Type:       n.Data.Type,
		MedicineID: n.Data.MedicineID,
		OK:         it.OK,
		Attempts:   it.Attempts,
		Error:      it.Error,
		TookMS:     it.Took.Milliseconds(),
	}
	if err := s.store.AppendDelivery(actx, rec); err != nil {
		s.log.Debug("delivery audit failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, n notify.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{ID: n.Data.ID, Tag: n.Tag, Type: n.Data.Type, Key: key, At: now, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func dedupKey(n notify.Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Tag))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check against storage.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), jittered
// to 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
