// Package jobs owns the recurring work of the service: the main scrape
// batch, daily retention cleanup and the weekly stats snapshot. It also
// exposes manual scrapes and a status view for the admin API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"shiftboard/internal/cache"
	"shiftboard/internal/eventbus"
	"shiftboard/internal/metrics"
	"shiftboard/internal/scrape"
	"shiftboard/internal/scrape/orchestrator"
	"shiftboard/internal/storage"
	"shiftboard/internal/task/engine"
	"shiftboard/internal/task/scheduler"
	"shiftboard/internal/venue"
	logx "shiftboard/pkg/logx"
)

// Task ids as shown by Status.
const (
	TaskMainScrape  = "main_scraping"
	TaskCleanup     = "daily_cleanup"
	TaskWeeklyStats = "weekly_stats"
)

// Cache keys written by the jobs.
const (
	KeyLastExecution = "scraping:last_execution"
	KeyWeeklyStats   = "stats:weekly"
)

const (
	DefaultInterval     = 300 * time.Second
	DefaultCleanupAt    = "03:00"
	DefaultStatsAt      = "04:00"
	DefaultRunLogDays   = 30
	DefaultShiftDays    = 90
	lastExecutionTTL    = time.Hour
	weeklyStatsTTL      = 7 * 24 * time.Hour
	defaultHousekeeping = 5 * time.Minute
)

var taskNames = map[string]string{
	TaskMainScrape:  "Main scraping job",
	TaskCleanup:     "Daily cleanup job",
	TaskWeeklyStats: "Weekly statistics update",
}

type Config struct {
	Interval time.Duration
	// Cron, when set, replaces Interval for the main scrape.
	Cron          string
	ScrapeTimeout time.Duration // 0 means no limit

	CleanupAt    string // HH:MM
	StatsWeekday time.Weekday
	StatsAt      string // HH:MM

	RunLogDays int
	ShiftDays  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if strings.TrimSpace(c.CleanupAt) == "" {
		c.CleanupAt = DefaultCleanupAt
	}
	if strings.TrimSpace(c.StatsAt) == "" {
		c.StatsAt = DefaultStatsAt
	}
	if c.RunLogDays <= 0 {
		c.RunLogDays = DefaultRunLogDays
	}
	if c.ShiftDays <= 0 {
		c.ShiftDays = DefaultShiftDays
	}
	return c
}

func (c Config) scrapeSchedule() string {
	if c.Cron != "" {
		return c.Cron
	}
	return c.Interval.String()
}

// Scraper runs scrape batches.
type Scraper interface {
	ScrapeAll(ctx context.Context, venues []venue.Venue) orchestrator.BatchResult
}

// Venues supplies the current venue configuration.
type Venues interface {
	Venues() []venue.Venue
	Filter(ids []string) []venue.Venue
}

type Deps struct {
	Scheduler *scheduler.Service
	Scraper   Scraper
	Venues    Venues
	Store     storage.Store
	Cache     cache.Store
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Service struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	// scrapeState is the engine overlap gate for the main scrape.
	scrapeState *engine.RunState
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		log:         log.With(logx.Comp("jobs")),
		now:         time.Now,
		scrapeState: &engine.RunState{},
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reconfigure swaps the config and re-registers the tasks so new triggers
// take effect.
func (s *Service) Reconfigure(cfg Config) error {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	return s.Register()
}

// Register adds the three recurring tasks to the scheduler. Registering
// again replaces them.
func (s *Service) Register() error {
	sch := s.deps.Scheduler
	cfg := s.config()
	if err := sch.AddSchedule(cfg.scrapeSchedule(), scheduler.Registration{
		Name:    TaskMainScrape,
		Timeout: cfg.ScrapeTimeout,
		// A batch contains its own failures; retrying would rescrape every venue.
		Opt:    engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		State:  s.scrapeState,
		Job:    s.observe(TaskMainScrape, s.ScheduledScrape),
		OnSkip: s.onScrapeSkipped,
	}); err != nil {
		return fmt.Errorf("register %s: %w", TaskMainScrape, err)
	}
	if err := sch.AddDaily(cfg.CleanupAt, scheduler.Registration{
		Name:    TaskCleanup,
		Timeout: defaultHousekeeping,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Job: s.observe(TaskCleanup, func(ctx context.Context) error {
			_, err := s.Cleanup(ctx)
			return err
		}),
	}); err != nil {
		return fmt.Errorf("register %s: %w", TaskCleanup, err)
	}
	if err := sch.AddWeekly(cfg.StatsWeekday, cfg.StatsAt, scheduler.Registration{
		Name:    TaskWeeklyStats,
		Timeout: defaultHousekeeping,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Job: s.observe(TaskWeeklyStats, func(ctx context.Context) error {
			_, err := s.WeeklyStats(ctx)
			return err
		}),
	}); err != nil {
		return fmt.Errorf("register %s: %w", TaskWeeklyStats, err)
	}
	s.log.Info("jobs registered",
		logx.String("scrape_schedule", cfg.scrapeSchedule()),
		logx.String("cleanup_at", cfg.CleanupAt),
		logx.String("stats_at", cfg.StatsWeekday.String()+" "+cfg.StatsAt),
	)
	return nil
}

// ScrapeRunning reports whether the scheduled scrape is queued or running.
func (s *Service) ScrapeRunning() bool { return s.scrapeState.Running() }

// observe records the outcome of every run. A disabled store will not come
// back on retry, so that failure is marked permanent.
func (s *Service) observe(task string, fn scheduler.Job) scheduler.Job {
	return func(ctx context.Context) error {
		err := fn(ctx)
		s.deps.Metrics.TaskRun(task, err)
		if errors.Is(err, storage.ErrDisabled) {
			return engine.NoRetry(err)
		}
		return err
	}
}

func (s *Service) onScrapeSkipped() {
	s.deps.Metrics.BatchSkipped()
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicBatchSkipped, Data: map[string]any{"task": TaskMainScrape}})
	s.log.Info("scrape tick skipped; previous batch still running")
}

// Summary is the record of the last scheduled scrape.
type Summary struct {
	ExecutedAt      time.Time `json:"executed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	SuccessCount    int       `json:"success_count"`
	FailedCount     int       `json:"failed_count"`
	TotalPeople     int       `json:"total_people"`
	TotalShifts     int       `json:"total_shifts"`
}

// ScheduledScrape runs one full batch and records its summary.
func (s *Service) ScheduledScrape(ctx context.Context) error {
	venues := s.deps.Venues.Venues()
	s.log.Info("scheduled scrape starting", logx.Int("venues", len(venues)))
	start := s.now()
	batch := s.deps.Scraper.ScrapeAll(ctx, venues)
	end := s.now()

	sum := Summary{
		ExecutedAt:      end.UTC(),
		DurationSeconds: end.Sub(start).Seconds(),
		SuccessCount:    len(batch.Succeeded),
		FailedCount:     len(batch.Failed),
		TotalPeople:     batch.TotalPeople,
		TotalShifts:     batch.TotalShifts,
	}
	s.log.Info("scheduled scrape completed",
		logx.Duration("took", end.Sub(start)),
		logx.Int("success", sum.SuccessCount),
		logx.Int("failed", sum.FailedCount),
		logx.Int("people", sum.TotalPeople),
		logx.Int("shifts", sum.TotalShifts),
	)
	if err := cache.SetJSON(ctx, s.deps.Cache, KeyLastExecution, sum, lastExecutionTTL); err != nil {
		s.log.Warn("write last execution failed", logx.Err(err))
	}
	return nil
}

// RunManualScrape scrapes every venue when ids is empty, otherwise the
// configured venues among ids. It runs outside the scheduled overlap gate;
// per-venue locking in the orchestrator still serializes each venue.
func (s *Service) RunManualScrape(ctx context.Context, ids []string) (orchestrator.BatchResult, error) {
	ids = compactIDs(ids)
	if len(ids) == 0 {
		s.log.Info("manual scrape starting", logx.String("venues", "all"))
		return s.deps.Scraper.ScrapeAll(ctx, s.deps.Venues.Venues()), nil
	}
	targets := s.deps.Venues.Filter(ids)
	if len(targets) == 0 {
		return orchestrator.BatchResult{}, fmt.Errorf("%w: %s", scrape.ErrNoMatchingVenues, strings.Join(ids, ", "))
	}
	s.log.Info("manual scrape starting", logx.String("venues", strings.Join(ids, ",")), logx.Int("matched", len(targets)))
	return s.deps.Scraper.ScrapeAll(ctx, targets), nil
}

type CleanupResult struct {
	RunsDeleted   int64 `json:"runs_deleted"`
	ShiftsDeleted int64 `json:"shifts_deleted"`
}

// Cleanup deletes run logs by start time and shifts by scrape time.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := s.now()
	cfg := s.config()
	var res CleanupResult
	var err error
	res.RunsDeleted, err = s.deps.Store.DeleteRunsStartedBefore(ctx, now.AddDate(0, 0, -cfg.RunLogDays))
	if err != nil {
		return res, fmt.Errorf("delete old runs: %w", err)
	}
	res.ShiftsDeleted, err = s.deps.Store.DeleteShiftsScrapedBefore(ctx, now.AddDate(0, 0, -cfg.ShiftDays))
	if err != nil {
		return res, fmt.Errorf("delete old shifts: %w", err)
	}
	s.log.Info("daily cleanup completed", logx.Int64("runs", res.RunsDeleted), logx.Int64("shifts", res.ShiftsDeleted))
	return res, nil
}

type WeeklySnapshot struct {
	UpdatedAt time.Time     `json:"updated_at"`
	Stats     storage.Stats `json:"stats"`
}

// WeeklyStats computes the aggregate counts and caches them for a week.
func (s *Service) WeeklyStats(ctx context.Context) (WeeklySnapshot, error) {
	now := s.now()
	st, err := s.deps.Store.Stats(ctx, startOfDay(now))
	if err != nil {
		return WeeklySnapshot{}, fmt.Errorf("stats: %w", err)
	}
	snap := WeeklySnapshot{UpdatedAt: now.UTC(), Stats: st}
	if err := cache.SetJSON(ctx, s.deps.Cache, KeyWeeklyStats, snap, weeklyStatsTTL); err != nil {
		return snap, fmt.Errorf("cache weekly stats: %w", err)
	}
	s.log.Info("weekly stats updated",
		logx.Int("venues", st.Venues),
		logx.Int("people", st.People),
		logx.Int("shifts", st.Shifts),
		logx.Int("active", st.ActivePeople),
		logx.Int("new_today", st.NewPeopleToday),
	)
	return snap, nil
}

type JobStatus struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run"`
	Trigger string     `json:"trigger"`
	Running bool       `json:"running"`
}

type Status struct {
	SchedulerRunning bool        `json:"scheduler_running"`
	ScrapeInFlight   bool        `json:"scrape_in_flight"`
	Timezone         string      `json:"timezone"`
	Jobs             []JobStatus `json:"jobs"`
	LastExecution    *Summary    `json:"last_execution,omitempty"`
}

// Status reports every registered task with its next fire time and the last
// scheduled scrape summary, if still cached.
func (s *Service) Status(ctx context.Context) Status {
	snap := s.deps.Scheduler.Snapshot()
	st := Status{
		SchedulerRunning: snap.Started,
		ScrapeInFlight:   s.ScrapeRunning(),
		Timezone:         snap.Timezone,
		Jobs:             make([]JobStatus, 0, len(snap.Schedules)),
	}
	for _, sch := range snap.Schedules {
		js := JobStatus{ID: sch.Name, Name: sch.Name, Trigger: sch.Trigger, Running: sch.Running}
		if n, ok := taskNames[sch.Name]; ok {
			js.Name = n
		}
		if !sch.Next.IsZero() {
			next := sch.Next
			js.NextRun = &next
		}
		st.Jobs = append(st.Jobs, js)
	}
	var sum Summary
	ok, err := cache.GetJSON(ctx, s.deps.Cache, KeyLastExecution, &sum)
	switch {
	case err != nil:
		s.log.Warn("read last execution failed", logx.Err(err))
	case ok:
		st.LastExecution = &sum
	}
	return st
}

func compactIDs(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
