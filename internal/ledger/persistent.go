package ledger

import (
	"context"
	"time"

	"medwatch/internal/medicine"
	"medwatch/internal/storage"
	logx "medwatch/pkg/logx"
)

// Persistent is a Memory ledger that writes each newly recorded key through
// a storage.Store and warms itself from the store on open. Store failures
// are logged; the in-memory decision stays authoritative.
type Persistent struct {
	mem   *Memory
	store storage.Store
	log   logx.Logger
}

// OpenPersistent returns storage.ErrDisabled when st is nil.
func OpenPersistent(ctx context.Context, st storage.Store, log logx.Logger) (*Persistent, error) {
	if st == nil {
		return nil, storage.ErrDisabled
	}
	p := &Persistent{mem: NewMemory(), store: st, log: log.With(logx.Component("ledger"))}
	entries, err := st.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	skipped := 0
	for _, e := range entries {
		k, err := ParseKey(e.Key)
		if err != nil {
			skipped++
			continue
		}
		p.mem.keys[k] = struct{}{}
	}
	p.log.Info("ledger loaded", logx.Int("keys", len(p.mem.keys)), logx.Int("skipped", skipped))
	return p, nil
}

func (p *Persistent) ShouldFire(ctx context.Context, key Key) bool { return p.mem.ShouldFire(ctx, key) }

func (p *Persistent) Record(ctx context.Context, key Key) {
	p.mem.Record(ctx, key)
	p.persist(ctx, key)
}

func (p *Persistent) CheckAndRecord(ctx context.Context, key Key) bool {
	if !p.mem.CheckAndRecord(ctx, key) {
		return false
	}
	p.persist(ctx, key)
	return true
}

func (p *Persistent) Len() int { return p.mem.Len() }

func (p *Persistent) Prune(ctx context.Context, before medicine.Date) int {
	n := p.mem.Prune(ctx, before)
	if _, err := p.store.PruneLedger(ctx, before.String()); err != nil {
		p.log.Warn("ledger prune failed", logx.Err(err))
	}
	return n
}

func (p *Persistent) persist(ctx context.Context, key Key) {
	e := storage.LedgerEntry{Key: key.String(), Day: key.Day.String(), RecordedAt: time.Now()}
	if err := p.store.PutLedger(ctx, e); err != nil {
		p.log.Warn("ledger persist failed", logx.String("key", e.Key), logx.Err(err))
	}
}
