package notifier

import (
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
//
// Enabled=false turns the Service into a pass-through to the sink.
type Config struct {
	Enabled         bool
	Sync            bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	Audit           bool
	HistorySize     int
}

type HistoryItem struct {
	At       time.Time     `json:"at"`
	ID       string        `json:"id"`
	Tag      string        `json:"tag"`
	Title    string        `json:"title"`
	OK       bool          `json:"ok"`
	Attempts int           `json:"attempts"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ID       string    `json:"id"`
	Tag      string    `json:"tag"`
	Type     string    `json:"type"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}
