// Package expiry maps a medicine and the current day to at most one
// expiration event. Evaluate is pure.
package expiry

import (
	"fmt"
	"time"

	"medwatch/internal/medicine"
	"medwatch/internal/notify"
)

type Severity string

const (
	Warning  Severity = "warning"
	Urgent   Severity = "urgent"
	Critical Severity = "critical"
	Expired  Severity = "expired"
)

// Offsets are the days-until-end values that trigger an event.
var Offsets = []int{7, 3, 0, -1}

var severityByOffset = map[int]Severity{
	7:  Warning,
	3:  Urgent,
	0:  Critical,
	-1: Expired,
}

// SeverityFor returns the severity for a days-until-end value, if any.
func SeverityFor(diff int) (Severity, bool) {
	s, ok := severityByOffset[diff]
	return s, ok
}

// Event is a single expiration notification intent.
type Event struct {
	MedicineID   string
	MedicineName string
	Offset       int
	// Day is the reference day the event was evaluated for.
	Day      medicine.Date
	Severity Severity
}

// Evaluate returns the event for m on today, or false when none applies.
func Evaluate(m medicine.Medicine, today medicine.Date) (Event, bool) {
	if !m.Eligible() || m.EndDate == nil {
		return Event{}, false
	}
	diff := medicine.DaysBetween(today, *m.EndDate)
	sev, ok := SeverityFor(diff)
	if !ok {
		return Event{}, false
	}
	return Event{
		MedicineID:   m.ID,
		MedicineName: m.Name,
		Offset:       diff,
		Day:          today,
		Severity:     sev,
	}, true
}

// Tag is the notification tag for the event: medicine-{severity}-{id}.
func (e Event) Tag() string {
	return fmt.Sprintf("medicine-%s-%s", e.Severity, e.MedicineID)
}

// Message returns the user-facing title and body for the event.
func Message(e Event) (title, body string) {
	switch e.Severity {
	case Warning:
		return "⚠️ Lék končí za týden", e.MedicineName + "\nZbývá 7 dní do dobrání.\nPřiprav si recept na nový!"
	case Urgent:
		return "🚨 Lék brzy končí!", e.MedicineName + "\nZbývají jen 3 dny!\nZajisti si nový včas!"
	case Critical:
		return "🔴 Lék končí DNES!", e.MedicineName + "\nDnes je poslední den!\nNezapomeň si zajistit náhradu!"
	case Expired:
		return "❌ Lék skončil včera!", e.MedicineName + "\nLék již není k dispozici.\nDoplň si zásoby!"
	default:
		return e.MedicineName, ""
	}
}

// Notification builds the sink payload for e.
func Notification(e Event, url string, now time.Time) notify.Notification {
	title, body := Message(e)
	vib := notify.VibrateDefault
	if e.Severity == Critical {
		vib = notify.VibrateCritical
	}
	return notify.Notification{
		Title:              title,
		Body:               body,
		Tag:                e.Tag(),
		RequireInteraction: e.Severity == Critical || e.Severity == Urgent,
		Vibrate:            vib,
		Data: notify.Data{
			Type:         string(e.Severity),
			MedicineID:   e.MedicineID,
			MedicineName: e.MedicineName,
			Timestamp:    now,
			URL:          url,
			ID:           notify.NewID(),
		},
	}
}
