package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shiftboard/internal/task/engine"
	logx "shiftboard/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Job is the work a schedule triggers.
type Job func(ctx context.Context) error

// Registration describes one schedule. State, when set, is the run state the
// engine gates overlap on, so callers can observe Running().
type Registration struct {
	Name    string
	Timeout time.Duration
	Opt     TaskOptions
	State   *engine.RunState
	Job     Job
	// OnSkip runs when a trigger is dropped because the previous run is
	// still in flight.
	OnSkip func()
}

// AddSchedule registers reg under any format ParseSchedule accepts.
func (s *Service) AddSchedule(schedule string, reg Registration) error {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if spec.Every > 0 {
		return s.AddInterval(spec.Every, reg)
	}
	return s.add(spec.Cron, spec.String(), reg)
}

// AddCron registers reg under a cron spec evaluated in the scheduler zone.
func (s *Service) AddCron(spec string, reg Registration) error {
	return s.add(spec, "cron "+spec, reg)
}

// AddInterval fires every d. The first run is spread over up to 30s past d.
func (s *Service) AddInterval(every time.Duration, reg Registration) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add("@every "+every.String(), "every "+every.String(), reg)
}

// AddDaily fires every day at HH:MM.
func (s *Service) AddDaily(atHHMM string, reg Registration) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(fmt.Sprintf("%d %d * * *", m, h), fmt.Sprintf("daily at %02d:%02d", h, m), reg)
}

// AddWeekly fires on weekday at HH:MM.
func (s *Service) AddWeekly(weekday time.Weekday, atHHMM string, reg Registration) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), fmt.Sprintf("weekly on %s at %02d:%02d", weekday, h, m), reg)
}

// add upserts by name so re-registration never duplicates a schedule.
func (s *Service) add(spec, trigger string, reg Registration) error {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if reg.Job == nil {
		return errors.New("schedule job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	state := reg.State
	if state == nil {
		state = &engine.RunState{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("%s:%d", name, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		trigger: trigger,
		timeout: reg.Timeout,
		job:     reg.Job,
		opt:     reg.Opt,
		state:   state,
		onSkip:  reg.OnSkip,
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("trigger", trigger)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, opt, state, onSkip := d.name, d.timeout, d.job, d.opt, d.state, d.onSkip
	run := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt, State: state})
		if errors.Is(err, engine.ErrOverlapSkip) && onSkip != nil {
			onSkip()
		}
		s.reportEnqueueError(name, err)
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := staggeredEvery(dur, time.Now().In(s.loc))
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, run)
			return nil
		}
	}
	d.startupSpread = 0
	id, err := s.c.AddJob(d.spec, run)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
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

// previewNextRunsLocked lists the next n fire times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || strings.HasPrefix(spec, "@every") {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, ", ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
