package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medwatch/internal/ledger"
	"medwatch/internal/medicine"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/clock"
	logx "medwatch/pkg/logx"
)

func date(s string) *medicine.Date {
	d := medicine.MustParseDate(s)
	return &d
}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func newScanner(meds []medicine.Medicine, now time.Time) (*Scanner, *notify.Recorder, *clock.Manual) {
	rec := notify.NewRecorder()
	clk := clock.NewManual(now)
	return &Scanner{
		Source:   source.NewStatic(meds),
		Ledger:   ledger.NewMemory(),
		Sink:     rec,
		Clock:    clk,
		Location: time.UTC,
		URL:      "/",
		Log:      logx.Nop(),
	}, rec, clk
}

func TestScanUrgentFiresOnce(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{{ID: "m1", Name: "Amoxicillin", Status: medicine.StatusTaking, EndDate: date("2024-03-13")}}
	s, rec, _ := newScanner(meds, at("2024-03-10 09:00"))

	r := s.Scan(context.Background())
	if r.Fired != 1 || r.Eligible != 1 {
		t.Fatalf("report = %+v", r)
	}
	got := rec.Delivered()
	if len(got) != 1 {
		t.Fatalf("delivered %d, want 1", len(got))
	}
	n := got[0]
	if n.Tag != "medicine-urgent-m1" || !n.RequireInteraction {
		t.Fatalf("unexpected notification %+v", n)
	}
	if !strings.Contains(n.Body, "Amoxicillin") {
		t.Fatalf("body %q does not name the medicine", n.Body)
	}

	r = s.Scan(context.Background())
	if r.Fired != 0 || r.Duplicates != 1 || len(rec.Delivered()) != 1 {
		t.Fatalf("second scan must not deliver again: %+v", r)
	}
}

func TestScanCadenceWithinDayNeverDoubleFires(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{{ID: "m1", Name: "Ibalgin", Status: medicine.StatusUsing, EndDate: date("2024-03-10")}}
	s, rec, clk := newScanner(meds, at("2024-03-10 00:30"))

	for range 4 {
		s.Scan(context.Background())
		clk.Advance(6 * time.Hour)
	}
	got := rec.Delivered()
	if len(got) != 1 || got[0].Tag != "medicine-critical-m1" {
		t.Fatalf("want one critical notification, got %+v", got)
	}
}

func TestScanConsecutiveDaysHitEveryOffset(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{{ID: "m1", Name: "Paralen", Status: medicine.StatusTaking, EndDate: date("2024-03-20")}}
	s, rec, clk := newScanner(meds, at("2024-03-10 10:00"))

	for range 14 {
		s.Scan(context.Background())
		clk.Advance(24 * time.Hour)
	}
	var tags []string
	for _, n := range rec.Delivered() {
		tags = append(tags, n.Tag)
	}
	want := []string{"medicine-warning-m1", "medicine-urgent-m1", "medicine-critical-m1", "medicine-expired-m1"}
	if strings.Join(tags, ",") != strings.Join(want, ",") {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestScanDeliveryFailureIsIsolated(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{
		{ID: "a", Name: "A", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
		{ID: "b", Name: "B", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
	}
	s, rec, _ := newScanner(meds, at("2024-03-10 09:00"))
	rec.Fail = func(n notify.Notification) error {
		if n.Tag == "medicine-urgent-a" {
			return errors.New("push service down")
		}
		return nil
	}

	r := s.Scan(context.Background())
	if r.Failed != 1 || r.Fired != 1 {
		t.Fatalf("report = %+v", r)
	}
	if got := rec.Delivered(); len(got) != 1 || got[0].Tag != "medicine-urgent-b" {
		t.Fatalf("delivered = %+v", got)
	}

	// The failed key was recorded, so it is not retried.
	rec.Fail = nil
	if r := s.Scan(context.Background()); r.Fired != 0 {
		t.Fatalf("failed event was retried: %+v", r)
	}
}

func TestScanWithoutPermissionRecordsNothing(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{{ID: "m1", Name: "A", Status: medicine.StatusTaking, EndDate: date("2024-03-13")}}
	s, rec, _ := newScanner(meds, at("2024-03-10 09:00"))
	rec.SetPermission(notify.PermissionDenied)

	r := s.Scan(context.Background())
	if r.Skipped != SkipPermission || len(rec.Delivered()) != 0 || s.Ledger.Len() != 0 {
		t.Fatalf("report = %+v ledger=%d", r, s.Ledger.Len())
	}

	// Once granted the same day, the event still fires.
	rec.SetPermission(notify.PermissionGranted)
	if r := s.Scan(context.Background()); r.Fired != 1 {
		t.Fatalf("report after grant = %+v", r)
	}
}

func TestScanSkipsDiscontinuedAndLongTerm(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{
		{ID: "d", Name: "Old", Status: medicine.StatusDiscontinued, EndDate: date("2024-03-10")},
		{ID: "l", Name: "Forever", Status: medicine.StatusTaking},
	}
	s, rec, _ := newScanner(meds, at("2024-03-10 09:00"))
	r := s.Scan(context.Background())
	if r.Eligible != 1 || r.Fired != 0 || len(rec.Delivered()) != 0 {
		t.Fatalf("report = %+v", r)
	}
}

func TestDailyAtNext(t *testing.T) {
	t.Parallel()
	prague, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	d := DailyAt{Hour: 8, Minute: 0, Location: prague}
	in := func(s string) time.Time {
		tt, err := time.ParseInLocation("2006-01-02 15:04", s, prague)
		if err != nil {
			t.Fatal(err)
		}
		return tt
	}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before", in("2024-03-10 07:59"), in("2024-03-10 08:00")},
		{"exactly", in("2024-03-10 08:00"), in("2024-03-11 08:00")},
		{"after", in("2024-03-10 09:00"), in("2024-03-11 08:00")},
		{"spring forward", in("2024-03-30 12:00"), in("2024-03-31 08:00")},
		{"fall back", in("2024-10-26 12:00"), in("2024-10-27 08:00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Next(tt.now)
			if !got.Equal(tt.want) {
				t.Fatalf("Next(%s) = %s, want %s", tt.now, got, tt.want)
			}
			if !got.After(tt.now) || got.Sub(tt.now) > 25*time.Hour {
				t.Fatalf("Next(%s) = %s out of range", tt.now, got)
			}
		})
	}
}

func TestParseDailyAt(t *testing.T) {
	t.Parallel()
	if d, err := ParseDailyAt("08:00", time.UTC); err != nil || d.String() != "08:00" {
		t.Fatalf("ParseDailyAt: %v %v", d, err)
	}
	for _, bad := range []string{"", "8", "24:00", "08:60", "08:5", "ab:cd"} {
		if _, err := ParseDailyAt(bad, time.UTC); err == nil {
			t.Errorf("ParseDailyAt(%q) expected error", bad)
		}
	}
}

func TestBuildDigest(t *testing.T) {
	t.Parallel()
	today := medicine.MustParseDate("2024-03-10")
	meds := []medicine.Medicine{
		{ID: "1", Name: "Amoxicillin", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
		{ID: "2", Name: "Mast", Status: medicine.StatusUsing},
		{ID: "3", Name: "Sirup", Status: medicine.StatusUsing, EndDate: date("2024-03-09")},
		{ID: "4", Name: "Stare", Status: medicine.StatusDiscontinued, EndDate: date("2024-03-11")},
	}
	n, ok := BuildDigest(meds, today, "/", time.Now())
	if !ok {
		t.Fatal("expected a digest")
	}
	want := "🌅 Dobré ráno, admirále!\n\n" +
		"Dnes užíváš:\n" +
		"💊 Amoxicillin - zbývá 3 dní\n" +
		"🔵 Mast - dlouhodobě\n" +
		"🔵 Sirup - zbývá -1 dní\n" +
		"\n⚠️ Upozornění:\n" +
		"⚠️ Amoxicillin - zbývá 3 dní\n" +
		"🔴 Sirup - SKONČENO!"
	if n.Body != want {
		t.Fatalf("body:\n%s\nwant:\n%s", n.Body, want)
	}
	if n.Title != digestTitle || n.Tag != notify.TagDailyReminder {
		t.Fatalf("title/tag = %q/%q", n.Title, n.Tag)
	}

	if _, ok := BuildDigest(meds[3:], today, "/", time.Now()); ok {
		t.Fatal("digest with no eligible medicines must be skipped")
	}
}

func TestDigestFireRespectsPermission(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	rec.SetPermission(notify.PermissionDefault)
	d := &Digest{
		Source: source.NewStatic([]medicine.Medicine{{ID: "1", Name: "A", Status: medicine.StatusTaking}}),
		Sink:   rec,
		Clock:  clock.NewManual(at("2024-03-10 08:00")),
		Log:    logx.Nop(),
	}
	if res := d.Fire(context.Background()); res.Sent || res.Skipped != SkipPermission {
		t.Fatalf("result = %+v", res)
	}
	rec.SetPermission(notify.PermissionGranted)
	if res := d.Fire(context.Background()); !res.Sent || res.Eligible != 1 {
		t.Fatalf("result = %+v", res)
	}
}

type nopEngine struct{}

func (nopEngine) Enqueue(engine.Task) error  { return nil }
func (nopEngine) Snapshot() engine.Snapshot { return engine.Snapshot{} }

func newMonitor(t *testing.T, sink notify.Sink) (*Monitor, *scheduler.Service) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, nopEngine{}, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	m, err := New(Config{Timezone: "UTC", WaitAttempts: 1, WaitInterval: time.Millisecond}, Deps{
		Source:    source.NewStatic([]medicine.Medicine{{ID: "m1", Name: "A", Status: medicine.StatusTaking, EndDate: date("2024-03-13")}}),
		Sink:      sink,
		Scheduler: sched,
		Clock:     clock.NewManual(at("2024-03-10 09:00")),
		Log:       logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, sched
}

func TestMonitorStartTwiceKeepsOneSchedulePerName(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	m, sched := newMonitor(t, rec)

	for range 2 {
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	snap := sched.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !sched.Has(ScheduleScan) || !sched.Has(ScheduleDigest) {
		t.Fatal("scan and digest schedules must be registered")
	}
	// The startup scan fired once; the second Start found the key recorded.
	if got := rec.Delivered(); len(got) != 1 {
		t.Fatalf("delivered %d, want 1", len(got))
	}

	st := m.Snapshot(context.Background())
	if !st.Running || st.DigestAt != "08:00" || st.LedgerKeys != 1 || st.LastScan == nil {
		t.Fatalf("status = %+v", st)
	}
	if !st.NextDigest.Equal(at("2024-03-11 08:00")) {
		t.Fatalf("next digest = %s", st.NextDigest)
	}

	m.Stop()
	if sched.Has(ScheduleScan) || sched.Has(ScheduleDigest) {
		t.Fatal("Stop must remove both schedules")
	}
}

func TestMonitorWithoutSink(t *testing.T) {
	t.Parallel()
	m, sched := newMonitor(t, nil)
	if err := m.Start(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Start err = %v", err)
	}
	if sched.Has(ScheduleScan) {
		t.Fatal("nothing may be registered without a sink")
	}
}

func TestMonitorSendTestAndRelay(t *testing.T) {
	t.Parallel()
	rec := notify.NewRecorder()
	m, _ := newMonitor(t, rec)

	if err := m.SendTest(context.Background()); err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	var msg notify.PushMessage
	msg.Notification.Title = "Hi"
	msg.Notification.Body = "there"
	if err := m.Relay(context.Background(), msg); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	got := rec.Delivered()
	if len(got) != 2 || got[0].Tag != notify.TagTest || got[1].Title != "Hi" {
		t.Fatalf("delivered = %+v", got)
	}

	rec.SetPermission(notify.PermissionDenied)
	if err := m.SendTest(context.Background()); !errors.Is(err, notify.ErrPermission) {
		t.Fatalf("SendTest err = %v", err)
	}
}

func TestScanStopsRecordingOnceCancelled(t *testing.T) {
	t.Parallel()
	meds := []medicine.Medicine{
		{ID: "a", Name: "A", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
		{ID: "b", Name: "B", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
		{ID: "c", Name: "C", Status: medicine.StatusTaking, EndDate: date("2024-03-13")},
	}
	s, rec, _ := newScanner(meds, at("2024-03-10 09:00"))

	ctx, cancel := context.WithCancel(context.Background())
	rec.Fail = func(notify.Notification) error {
		cancel()
		return nil
	}
	r := s.Scan(ctx)
	if r.Fired != 1 || r.Skipped != SkipCancelled || s.Ledger.Len() != 1 {
		t.Fatalf("report = %+v ledger=%d", r, s.Ledger.Len())
	}

	// The events the cancelled scan never reached fire on the next one.
	rec.Fail = nil
	r = s.Scan(context.Background())
	if r.Fired != 2 || r.Duplicates != 1 || len(rec.Delivered()) != 3 {
		t.Fatalf("report = %+v delivered=%d", r, len(rec.Delivered()))
	}
}

func TestScheduledScanRetriesOnlySnapshotFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		snapshot error
		attempts int
		failed   bool
	}{
		{"read error", errors.New("connection refused"), 1 + jobRetries, true},
		{"not ready", source.ErrNotReady, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
			eng.Start(context.Background())
			t.Cleanup(func() { eng.Stop(context.Background()) })

			m, err := New(Config{Timezone: "UTC"}, Deps{
				Source: source.Func(func(context.Context) ([]medicine.Medicine, error) { return nil, tc.snapshot }),
				Sink:   notify.NewRecorder(),
				Clock:  clock.NewManual(at("2024-03-10 09:00")),
				Log:    logx.Nop(),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = eng.Enqueue(engine.Task{
				Name: ScheduleScan,
				Opt:  engine.TaskOptions{Retries: jobRetries, Backoff: engine.Backoff{Base: time.Millisecond, Max: time.Millisecond}},
				Run: func(ctx context.Context) error {
					r := m.ScanNow(ctx)
					return jobError(r.Skipped, r.cause)
				},
			})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			deadline := time.Now().Add(3 * time.Second)
			for len(eng.Snapshot().History) == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			h := eng.Snapshot().History
			if len(h) != 1 || h[0].Attempts != tc.attempts || (h[0].Error != "") != tc.failed {
				t.Fatalf("history = %+v", h)
			}
		})
	}
}

func TestJobErrorCancelledScanIsFinal(t *testing.T) {
	t.Parallel()
	if err := jobError("", nil); err != nil {
		t.Fatalf("clean run err = %v", err)
	}
	err := jobError(SkipCancelled, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestMonitorRestartInterruptedLeavesItStopped(t *testing.T) {
	t.Parallel()
	src := source.NewStatic([]medicine.Medicine{{ID: "m1", Name: "A", Status: medicine.StatusTaking}})
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, nopEngine{}, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	m, err := New(Config{Timezone: "UTC", WaitAttempts: 2, WaitInterval: time.Hour}, Deps{
		Source:    src,
		Sink:      notify.NewRecorder(),
		Scheduler: sched,
		Clock:     clock.NewManual(at("2024-03-10 09:00")),
		Log:       logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.Set(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("second Start err = %v", err)
	}
	if m.Snapshot(context.Background()).Running || sched.Has(ScheduleScan) {
		t.Fatal("an interrupted restart must leave the monitor stopped")
	}
}
