package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "medwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files, for Path "data/medwatch.db":
//   - data/medwatch.deliveries.jsonl
//   - data/medwatch.ledger.{snapshot.json,journal.jsonl}
//   - data/medwatch.dedup.{snapshot.json,journal.jsonl}
type fileStore struct {
	log logx.Logger

	mu             sync.Mutex
	deliveriesPath string
	deliveries     *os.File
	ledger         *journal[LedgerEntry]
	dedup          *journal[int64] // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	s := &fileStore{log: log, deliveriesPath: prefix + ".deliveries.jsonl"}
	var err error
	if s.deliveries, err = os.OpenFile(s.deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.ledger, err = openJournal[LedgerEntry](prefix+".ledger", 1000); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.dedup, err = openJournal[int64](prefix+".dedup", 1000); err != nil {
		_ = s.Close()
		return nil, err
	}
	now := time.Now().UnixMilli()
	for k, until := range s.dedup.data {
		if until < now {
			delete(s.dedup.data, k)
		}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.close())
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return json.NewEncoder(s.deliveries).Encode(r)
}

// RecentDeliveries reads the tail of the deliveries file, newest first.
func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.deliveriesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]DeliveryRecord, 0, limit)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DeliveryRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, r)
	}
	out := make([]DeliveryRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, sc.Err()
}

func (s *fileStore) PutLedger(ctx context.Context, e LedgerEntry) error {
	if strings.TrimSpace(e.Key) == "" {
		return nil
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger.data[e.Key]; ok {
		return nil
	}
	return s.ledger.put(e.Key, e)
}

func (s *fileStore) LoadLedger(ctx context.Context) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, 0, len(s.ledger.data))
	for _, e := range s.ledger.data {
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) PruneLedger(ctx context.Context, beforeDay string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.ledger.data {
		if e.Day < beforeDay {
			if err := s.ledger.del(k); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.data[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
