package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"medwatch/internal/task/engine"
	logx "medwatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddSchedule parses schedule and registers either a cron or interval task.
// Registration is an upsert by name.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 8 * * *", "@hourly", "@every 6h"
//   - Interval duration: "6h", "2h30m"
//   - Interval HH:MM: "06:00" (six hours)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.add(scheduleDef{id: newID("cron"), name: name, spec: spec, timeout: timeout, job: job, opt: opt})
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	spec := fmt.Sprintf("@every %s", every.String())
	return s.add(scheduleDef{id: newID("interval"), name: name, spec: spec, timeout: timeout, job: job, opt: opt})
}

// AddFunc registers a caller-built cron.Schedule. label is only shown in
// snapshots and logs.
func (s *Service) AddFunc(name, label string, sched cron.Schedule, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if sched == nil {
		return "", errors.New("schedule required")
	}
	return s.add(scheduleDef{id: newID("func"), name: name, spec: label, sched: sched, timeout: timeout, job: job, opt: opt})
}

func (s *Service) add(d scheduleDef) (string, error) {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}
	d.gate = &engine.Gate{}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so repeated registration never duplicates a trigger.
	_ = s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return d.name, nil
	}
	cur := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(cur); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return d.name, err
	}
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(cur, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return d.name, nil
}

// Remove unschedules all schedules with the given name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule with this name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run, opt, gate := d.name, d.timeout, d.job, d.opt, d.gate
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     opt,
			Gate:    gate,
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	sched, err := s.scheduleLocked(d)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, job)
	return nil
}

func (s *Service) scheduleLocked(d *scheduleDef) (cron.Schedule, error) {
	if d.sched != nil {
		d.startupSpread = 0
		return d.sched, nil
	}
	spec := strings.TrimSpace(d.spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			// Spread the first tick so several interval schedules do not
			// fire together right after start.
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			return sched, nil
		}
	}
	d.startupSpread = 0
	return s.parser.Parse(spec)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for d.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.DebugEnabled() || n <= 0 || s.c == nil || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func newID(kind string) string {
	return fmt.Sprintf("%s:%d", kind, time.Now().UnixNano())
}
