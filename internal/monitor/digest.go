package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/internal/medicine"
	"medwatch/internal/metrics"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/pkg/clock"
	logx "medwatch/pkg/logx"
)

const digestTitle = "🌅 Ranní přehled léků"

// DailyAt fires once a day at Hour:Minute wall-clock time in Location.
// It satisfies cron.Schedule.
type DailyAt struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseDailyAt reads "HH:MM".
func ParseDailyAt(s string, l *time.Location) (DailyAt, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return DailyAt{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return DailyAt{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return DailyAt{}, fmt.Errorf("invalid minute in %q", s)
	}
	return DailyAt{Hour: h, Minute: m, Location: l}, nil
}

// Next returns the first HH:MM strictly after t. The following day is
// computed on the calendar, so DST changes never shift the wall-clock time.
func (d DailyAt) Next(t time.Time) time.Time {
	lt := t.In(loc(d.Location))
	target := time.Date(lt.Year(), lt.Month(), lt.Day(), d.Hour, d.Minute, 0, 0, lt.Location())
	if !target.After(t) {
		target = time.Date(lt.Year(), lt.Month(), lt.Day()+1, d.Hour, d.Minute, 0, 0, lt.Location())
	}
	return target
}

func (d DailyAt) String() string { return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute) }

// BuildDigest renders the morning overview for the eligible medicines in
// meds. It reports false when there is nothing to send.
func BuildDigest(meds []medicine.Medicine, today medicine.Date, url string, now time.Time) (notify.Notification, bool) {
	var list, warn strings.Builder
	count := 0
	for _, m := range meds {
		if !m.Eligible() {
			continue
		}
		count++
		emoji := "🔵"
		if m.Status == medicine.StatusTaking {
			emoji = "💊"
		}
		if m.EndDate == nil {
			fmt.Fprintf(&list, "%s %s - dlouhodobě\n", emoji, m.Name)
			continue
		}
		days := medicine.DaysBetween(today, *m.EndDate)
		fmt.Fprintf(&list, "%s %s - zbývá %d dní\n", emoji, m.Name, days)
		switch {
		case days > 0 && days <= 7:
			fmt.Fprintf(&warn, "⚠️ %s - zbývá %d dní\n", m.Name, days)
		case days <= 0:
			fmt.Fprintf(&warn, "🔴 %s - SKONČENO!\n", m.Name)
		}
	}
	if count == 0 {
		return notify.Notification{}, false
	}

	var body strings.Builder
	body.WriteString("🌅 Dobré ráno, admirále!\n\n")
	body.WriteString("Dnes užíváš:\n")
	body.WriteString(list.String())
	if warn.Len() > 0 {
		body.WriteString("\n⚠️ Upozornění:\n")
		body.WriteString(warn.String())
	}

	return notify.Notification{
		Title:   digestTitle,
		Body:    strings.TrimSpace(body.String()),
		Tag:     notify.TagDailyReminder,
		Vibrate: notify.VibrateDefault,
		Data: notify.Data{
			Type:      notify.TypeDailyReminder,
			Timestamp: now,
			URL:       url,
			ID:        notify.NewID(),
		},
	}, true
}

// DigestResult summarises one digest run.
type DigestResult struct {
	At       time.Time `json:"at"`
	Eligible int       `json:"eligible"`
	Sent     bool      `json:"sent"`
	Skipped  string    `json:"skipped,omitempty"`
	Error    string    `json:"error,omitempty"`

	cause error
}

// Digest sends the daily overview. Re-arming is left to the scheduler,
// which asks DailyAt for the next fire time after every run.
type Digest struct {
	Source   source.Source
	Sink     notify.Sink
	Clock    clock.Clock
	Location *time.Location
	URL      string

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Fire builds and delivers today's digest. Failures are logged and
// reported in the result, never returned.
func (d *Digest) Fire(ctx context.Context) (res DigestResult) {
	now := d.Clock.Now().In(loc(d.Location))
	res.At = now
	defer func() {
		result := "sent"
		switch {
		case res.Error != "":
			result = "error"
		case res.Skipped != "":
			result = res.Skipped
		}
		d.Metrics.Digest(result)
		if d.Bus != nil {
			d.Bus.Publish(eventbus.Event{Type: eventbus.TypeDigest, Time: now, Data: res})
		}
	}()

	if p := d.Sink.Permission(ctx); p != notify.PermissionGranted {
		res.Skipped = SkipPermission
		d.Log.Debug("digest skipped", logx.String("permission", p.String()))
		return res
	}
	meds, err := d.Source.Snapshot(ctx)
	if err != nil {
		res.Skipped = SkipSnapshot
		if !errors.Is(err, source.ErrNotReady) {
			res.cause = err
			d.Log.Warn("digest skipped: snapshot failed", logx.Err(err))
		}
		return res
	}
	n, ok := BuildDigest(meds, medicine.DateOf(now), d.URL, now)
	if !ok {
		res.Skipped = SkipEmpty
		d.Log.Info("digest skipped: no active medicines")
		return res
	}
	res.Eligible = len(medicine.Filter(meds))
	if err := d.Sink.Deliver(ctx, n); err != nil {
		res.Error, res.cause = err.Error(), err
		d.Log.Warn("digest delivery failed", logx.Err(err))
		return res
	}
	res.Sent = true
	d.Log.Info("digest sent", logx.Int("medicines", res.Eligible))
	return res
}
