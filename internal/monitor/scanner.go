package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"medwatch/internal/eventbus"
	"medwatch/internal/expiry"
	"medwatch/internal/ledger"
	"medwatch/internal/medicine"
	"medwatch/internal/metrics"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/pkg/clock"
	logx "medwatch/pkg/logx"
)

// Skip reasons reported by Scan and Digest.Fire.
const (
	SkipPermission = "permission"
	SkipSnapshot   = "snapshot"
	SkipEmpty      = "empty"
	SkipCancelled  = "cancelled"
)

// Report summarises one scan.
type Report struct {
	RunID      string        `json:"run_id"`
	At         time.Time     `json:"at"`
	Day        medicine.Date `json:"day"`
	Total      int           `json:"total"`
	Eligible   int           `json:"eligible"`
	Fired      int           `json:"fired"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Pruned     int           `json:"pruned,omitempty"`
	Skipped    string        `json:"skipped,omitempty"`
	Took       time.Duration `json:"took"`

	// cause is why the scan ended early; the scan job turns it into a
	// retry decision.
	cause error
}

// FiredEvent is published on the bus for every event that passed the ledger.
type FiredEvent struct {
	RunID    string `json:"run_id"`
	Tag      string `json:"tag"`
	Severity string `json:"severity"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Scanner evaluates every eligible medicine against today's date and
// delivers each event the ledger has not seen yet.
type Scanner struct {
	Source     source.Source
	Ledger     ledger.Ledger
	Sink       notify.Sink
	Clock      clock.Clock
	Location   *time.Location
	URL        string
	RetainDays int

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Scan never returns an error: snapshot problems and missing permission end
// the scan early, delivery failures are counted per event.
func (s *Scanner) Scan(ctx context.Context) (r Report) {
	start := time.Now()
	now := s.Clock.Now().In(loc(s.Location))
	r = Report{RunID: uuid.NewString(), At: now, Day: medicine.DateOf(now)}
	log := s.Log.With(logx.String("run_id", r.RunID), logx.String("day", r.Day.String()))

	defer func() {
		r.Took = time.Since(start)
		result := "ok"
		if r.Skipped != "" {
			result = r.Skipped
		}
		s.Metrics.ObserveScan(result, r.Eligible, r.Took, now)
		s.Metrics.Ledger(s.Ledger.Len(), r.Pruned)
		if s.Bus != nil {
			s.Bus.Publish(eventbus.Event{Type: eventbus.TypeScan, Time: now, Data: r})
		}
	}()

	if p := s.Sink.Permission(ctx); p != notify.PermissionGranted {
		r.Skipped = SkipPermission
		log.Debug("scan skipped", logx.String("permission", p.String()))
		return r
	}

	meds, err := s.Source.Snapshot(ctx)
	if err != nil {
		r.Skipped = SkipSnapshot
		if errors.Is(err, source.ErrNotReady) {
			log.Debug("scan skipped: snapshot not ready")
		} else {
			r.cause = err
			log.Warn("scan skipped: snapshot failed", logx.Err(err))
		}
		return r
	}
	r.Total = len(meds)
	if len(meds) == 0 {
		r.Skipped = SkipEmpty
		log.Debug("scan skipped: no medicines")
		return r
	}

	for i, m := range meds {
		// Keys are recorded before delivery, so nothing may be recorded once
		// the scan can no longer send.
		if err := ctx.Err(); err != nil {
			r.Skipped, r.cause = SkipCancelled, err
			log.Warn("scan cancelled", logx.Int("remaining", len(meds)-i), logx.Err(err))
			break
		}
		if !m.Eligible() {
			continue
		}
		r.Eligible++
		ev, ok := expiry.Evaluate(m, r.Day)
		if !ok {
			continue
		}
		key := ledger.Key{MedicineID: ev.MedicineID, Offset: ev.Offset, Day: ev.Day}
		// Recorded before delivery: a failed send is not retried by later scans.
		if !s.Ledger.CheckAndRecord(ctx, key) {
			r.Duplicates++
			s.Metrics.EventDuplicate()
			continue
		}

		n := expiry.Notification(ev, s.URL, now)
		fe := FiredEvent{RunID: r.RunID, Tag: n.Tag, Severity: string(ev.Severity), OK: true}
		if err := s.Sink.Deliver(ctx, n); err != nil {
			r.Failed++
			fe.OK, fe.Error = false, err.Error()
			log.Warn("expiry notification failed", logx.String("tag", n.Tag), logx.String("medicine", m.Name), logx.Err(err))
		} else {
			r.Fired++
			s.Metrics.EventFired(string(ev.Severity))
			log.Info("expiry notification sent", logx.String("tag", n.Tag), logx.String("medicine", m.Name), logx.Int("offset", ev.Offset))
		}
		if s.Bus != nil {
			s.Bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Time: now, Data: fe})
		}
	}

	if s.RetainDays > 0 && r.cause == nil {
		r.Pruned = s.Ledger.Prune(ctx, r.Day.AddDays(-s.RetainDays))
	}

	if r.Fired > 0 || r.Failed > 0 {
		log.Info("scan finished", logx.Int("eligible", r.Eligible), logx.Int("fired", r.Fired), logx.Int("failed", r.Failed), logx.Int("duplicates", r.Duplicates))
	} else {
		log.Debug("scan finished", logx.Int("eligible", r.Eligible), logx.Int("duplicates", r.Duplicates))
	}
	return r
}

func loc(l *time.Location) *time.Location {
	if l == nil {
		return time.Local
	}
	return l
}
