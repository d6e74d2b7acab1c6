// Package ledger remembers which (medicine, offset, day) events have already
// been delivered so repeated scans never notify twice.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"medwatch/internal/medicine"
)

// Key identifies one logical notification event.
type Key struct {
	MedicineID string
	Offset     int
	Day        medicine.Date
}

func (k Key) String() string {
	return k.MedicineID + "|" + strconv.Itoa(k.Offset) + "|" + k.Day.String()
}

// ParseKey is the inverse of Key.String. Medicine IDs may contain '|'.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, "|")
	if i < 0 {
		return Key{}, fmt.Errorf("ledger: malformed key %q", s)
	}
	j := strings.LastIndex(s[:i], "|")
	if j < 0 {
		return Key{}, fmt.Errorf("ledger: malformed key %q", s)
	}
	off, err := strconv.Atoi(s[j+1 : i])
	if err != nil {
		return Key{}, fmt.Errorf("ledger: malformed offset in %q: %w", s, err)
	}
	day, err := medicine.ParseDate(s[i+1:])
	if err != nil {
		return Key{}, err
	}
	return Key{MedicineID: s[:j], Offset: off, Day: day}, nil
}

// Ledger is the dedup contract. Implementations are safe for concurrent use.
type Ledger interface {
	// ShouldFire reports whether key has not been recorded yet.
	ShouldFire(ctx context.Context, key Key) bool
	// Record marks key as fired.
	Record(ctx context.Context, key Key)
	// CheckAndRecord atomically records key and reports whether it was new.
	CheckAndRecord(ctx context.Context, key Key) bool
	Len() int
	// Prune drops keys whose Day is before the given day and returns how many.
	Prune(ctx context.Context, before medicine.Date) int
}

// Memory is an in-process ledger. With no pruning it only grows.
type Memory struct {
	mu   sync.Mutex
	keys map[Key]struct{}
}

func NewMemory() *Memory {
	return &Memory{keys: map[Key]struct{}{}}
}

func (m *Memory) ShouldFire(ctx context.Context, key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.keys[key]
	return !seen
}

func (m *Memory) Record(ctx context.Context, key Key) {
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) CheckAndRecord(ctx context.Context, key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.keys[key]; seen {
		return false
	}
	m.keys[key] = struct{}{}
	return true
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) Prune(ctx context.Context, before medicine.Date) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.keys {
		if k.Day.Before(before) {
			delete(m.keys, k)
			n++
		}
	}
	return n
}
