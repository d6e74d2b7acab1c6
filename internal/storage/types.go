package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journals plus snapshots next to Path
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one notification delivery attempt.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	ID         string    `json:"id"`
	Tag        string    `json:"tag"`
	Type       string    `json:"type"`
	MedicineID string    `json:"medicine_id,omitempty"`
	OK         bool      `json:"ok"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// LedgerEntry is a persisted dedup ledger key. Day is YYYY-MM-DD so it
// orders lexically.
type LedgerEntry struct {
	Key        string    `json:"key"`
	Day        string    `json:"day"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the persistence API used by the ledger and the notifier.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)

	PutLedger(ctx context.Context, e LedgerEntry) error
	LoadLedger(ctx context.Context) ([]LedgerEntry, error)
	// PruneLedger removes entries whose Day is before the given day.
	PruneLedger(ctx context.Context, beforeDay string) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
