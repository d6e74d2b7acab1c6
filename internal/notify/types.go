// Package notify defines the notification payload medwatch hands to a sink,
// the sink contract, and the concrete sinks (Telegram, log, recorder).
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnsupported means no delivery surface is available in this environment.
	ErrUnsupported = errors.New("notify: notifications not supported")
	// ErrPermission means the user has not granted notification permission.
	ErrPermission = errors.New("notify: permission not granted")
)

// Permission mirrors the three-state notification permission model.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// ParsePermission reads a config value; anything unknown is "default".
func ParsePermission(s string) Permission {
	switch s {
	case "granted":
		return PermissionGranted
	case "denied":
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

// Data types carried in Notification.Data.Type.
const (
	TypeDailyReminder = "daily-reminder"
	TypeTest          = "test"
	TypePush          = "push"
)

// Well-known tags.
const (
	TagDailyReminder = "daily-reminder"
	TagTest          = "test-notification"
	TagPush          = "fcm-notification"
	TagPushBG        = "background-notification"
)

var (
	VibrateDefault  = []time.Duration{200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	VibrateCritical = []time.Duration{200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
)

type Data struct {
	Type         string    `json:"type"`
	MedicineID   string    `json:"medicineId,omitempty"`
	MedicineName string    `json:"medicineName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url"`
	// ID correlates a notification across logs, audit and sinks.
	ID string `json:"id"`
}

// Action is a clickable action attached to a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Tag                string          `json:"tag"`
	RequireInteraction bool            `json:"requireInteraction"`
	Vibrate            []time.Duration `json:"-"`
	Actions            []Action        `json:"actions,omitempty"`
	Data               Data            `json:"data"`
}

// VibrateMillis renders the vibration pattern the way push payloads carry it.
func (n Notification) VibrateMillis() []int {
	out := make([]int, 0, len(n.Vibrate))
	for _, d := range n.Vibrate {
		out = append(out, int(d/time.Millisecond))
	}
	return out
}

// NewID returns a fresh correlation id.
func NewID() string { return uuid.NewString() }

// Sink is the delivery surface. Deliver must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
	Permission(ctx context.Context) Permission
}

// Test returns the "notifications work" message sent after permission is granted.
func Test(now time.Time, url string) Notification {
	return Notification{
		Title:   "🚀 Lékařský Protokol aktivní!",
		Body:    "Notifikace fungují perfektně, admirále Jiříku! 🖖",
		Tag:     TagTest,
		Vibrate: VibrateDefault,
		Data:    Data{Type: TypeTest, Timestamp: now, URL: url, ID: NewID()},
	}
}
