// Package orchestrator runs venue scrapes end to end and aggregates them into
// batches.
//
// A venue run is fetch, extract, reconcile, then a cache snapshot. Any failure
// is contained at the venue: the run row is sealed as failed and the last
// cached snapshot, if any, stands in for the result.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"shiftboard/internal/cache"
	"shiftboard/internal/eventbus"
	"shiftboard/internal/metrics"
	"shiftboard/internal/scrape"
	"shiftboard/internal/scrape/extract"
	"shiftboard/internal/scrape/fetch"
	"shiftboard/internal/storage"
	"shiftboard/internal/venue"
	logx "shiftboard/pkg/logx"
)

const (
	DefaultMaxConcurrent = 3
	DefaultSnapshotTTL   = 900 * time.Second
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusCached  Status = "cached"
	StatusFailed  Status = "failed"
)

// Browser opens one rendering session per batch.
type Browser interface {
	Open(ctx context.Context) (fetch.Fetcher, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, venueID string, people []scrape.PersonCandidate, shifts []scrape.ShiftCandidate) (scrape.Counts, error)
}

type Config struct {
	MaxConcurrent int
	SnapshotTTL   time.Duration
	// Location anchors each venue's date sequence. Nil means time.Local.
	Location *time.Location
}

type Deps struct {
	Browser    Browser
	Reconciler Reconciler
	Store      storage.Store
	Cache      cache.Store
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// VenueResult is one venue's outcome within a batch.
type VenueResult struct {
	VenueID     string        `json:"venue_id"`
	VenueName   string        `json:"venue_name"`
	Status      Status        `json:"status"`
	PeopleFound int           `json:"people_found"`
	ShiftsFound int           `json:"shifts_found"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	CachedAt    *time.Time    `json:"cached_at,omitempty"`
}

// BatchResult aggregates a batch. Totals cover succeeded venues only; cached
// and failed entries are both listed under Failed.
type BatchResult struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"-"`
	Succeeded   []VenueResult `json:"success"`
	Failed      []VenueResult `json:"failed"`
	TotalPeople int           `json:"total_people"`
	TotalShifts int           `json:"total_shifts"`
}

type Orchestrator struct {
	cfg   Config
	deps  Deps
	log   logx.Logger
	locks *keyedMutex
	// slots bounds venue runs in flight across every batch, so a manual
	// trigger overlapping the schedule still respects MaxConcurrent.
	slots *semaphore.Weighted
	now   func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(logx.Comp("orchestrator")),
		locks: newKeyedMutex(),
		slots: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:   time.Now,
	}
}

// ScrapeAll runs every venue (deduplicated by id). At most MaxConcurrent venue
// runs are in flight process-wide, shared with any other batch running at the
// same time. It never fails as a whole.
func (o *Orchestrator) ScrapeAll(ctx context.Context, venues []venue.Venue) BatchResult {
	venues = dedupe(venues)
	batch := BatchResult{
		ID:        uuid.NewString(),
		StartedAt: o.now(),
		Succeeded: []VenueResult{},
		Failed:    []VenueResult{},
	}
	log := o.log.With(logx.String("batch", batch.ID))
	log.Info("scrape batch started", logx.Int("venues", len(venues)))

	var (
		sess    fetch.Fetcher
		openErr error
	)
	if len(venues) > 0 {
		sess, openErr = o.deps.Browser.Open(ctx)
		if openErr != nil {
			log.Error("browser launch failed", logx.Err(openErr))
		} else {
			defer sess.Close()
		}
	}

	results := make([]VenueResult, len(venues))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxConcurrent)
	for i, v := range venues {
		g.Go(func() error {
			results[i] = o.runSlot(ctx, log, sess, openErr, v)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Status == StatusSuccess {
			batch.Succeeded = append(batch.Succeeded, r)
			batch.TotalPeople += r.PeopleFound
			batch.TotalShifts += r.ShiftsFound
			continue
		}
		batch.Failed = append(batch.Failed, r)
	}
	batch.Duration = o.now().Sub(batch.StartedAt)

	o.deps.Metrics.BatchFinished(batch.Duration, batch.TotalPeople, batch.TotalShifts)
	o.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicBatchDone, Data: map[string]any{
		"id":           batch.ID,
		"succeeded":    len(batch.Succeeded),
		"failed":       len(batch.Failed),
		"total_people": batch.TotalPeople,
		"total_shifts": batch.TotalShifts,
	}})
	log.Info("scrape batch finished",
		logx.Int("succeeded", len(batch.Succeeded)),
		logx.Int("failed", len(batch.Failed)),
		logx.Int("people", batch.TotalPeople),
		logx.Int("shifts", batch.TotalShifts),
		logx.Duration("took", batch.Duration),
	)
	return batch
}

// ScrapeOne runs a single venue in its own browser session.
func (o *Orchestrator) ScrapeOne(ctx context.Context, v venue.Venue) VenueResult {
	b := o.ScrapeAll(ctx, []venue.Venue{v})
	if len(b.Succeeded) > 0 {
		return b.Succeeded[0]
	}
	return b.Failed[0]
}

// runSlot waits for a process-wide slot before running v. A cancelled wait
// still goes through runVenue so the venue reports a failure with its fallback.
func (o *Orchestrator) runSlot(ctx context.Context, log logx.Logger, sess fetch.Fetcher, openErr error, v venue.Venue) VenueResult {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		if openErr == nil {
			openErr = err
		}
		return o.runVenue(ctx, log, sess, openErr, v)
	}
	defer o.slots.Release(1)
	return o.runVenue(ctx, log, sess, openErr, v)
}

func (o *Orchestrator) runVenue(ctx context.Context, log logx.Logger, sess fetch.Fetcher, openErr error, v venue.Venue) VenueResult {
	unlock := o.locks.Lock(v.ID)
	defer unlock()

	log = log.With(logx.String("venue", v.ID))
	start := o.now()
	o.deps.Metrics.VenueStarted()

	res := VenueResult{VenueID: v.ID, VenueName: v.Name}
	runID, counts, snap, err := o.scrapeVenue(ctx, log, sess, openErr, v, start)
	dur := o.now().Sub(start)
	res.Duration = dur

	if err == nil {
		res.Status = StatusSuccess
		res.PeopleFound, res.ShiftsFound = counts.People, counts.Shifts
		o.seal(ctx, log, storage.ScrapeRun{
			ID: runID, Status: storage.RunSuccess,
			PeopleFound: counts.People, ShiftsFound: counts.Shifts,
			Duration: dur, CompletedAt: o.now(),
		})
		if err := cache.SetJSON(ctx, o.deps.Cache, scrape.SnapshotKey(v.ID), snap, o.cfg.SnapshotTTL); err != nil {
			log.Warn("snapshot write failed", logx.Err(err))
		}
		log.Info("venue scraped", logx.Int("people", counts.People), logx.Int("shifts", counts.Shifts), logx.Duration("took", dur))
	} else {
		res.Error = err.Error()
		if runID != 0 {
			o.seal(ctx, log, storage.ScrapeRun{
				ID: runID, Status: storage.RunFailed, Error: err.Error(),
				Duration: dur, CompletedAt: o.now(),
			})
		}
		res.Status = StatusFailed
		var cached scrape.Snapshot
		ok, cerr := cache.GetJSON(ctx, o.deps.Cache, scrape.SnapshotKey(v.ID), &cached)
		switch {
		case cerr != nil:
			log.Warn("snapshot read failed", logx.Err(cerr))
		case ok:
			res.Status = StatusCached
			res.PeopleFound, res.ShiftsFound = len(cached.People), len(cached.Shifts)
			at := cached.ScrapedAt
			res.CachedAt = &at
		}
		log.Warn("venue scrape failed", logx.Err(err), logx.String("fallback", string(res.Status)))
	}

	o.deps.Metrics.VenueFinished(v.ID, string(res.Status), dur)
	o.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicVenueDone, Data: res})
	return res
}

// scrapeVenue does the fallible part of a venue run. runID is non-zero once the
// run row exists.
func (o *Orchestrator) scrapeVenue(ctx context.Context, log logx.Logger, sess fetch.Fetcher, openErr error, v venue.Venue, start time.Time) (int64, scrape.Counts, scrape.Snapshot, error) {
	if err := o.deps.Store.UpsertVenue(ctx, storage.Venue{
		ID: v.ID, Name: v.Name, URL: v.URL, Area: v.Area,
		OpenTime: v.OpenTime, CloseTime: v.CloseTime, ClosedDays: v.ClosedDays,
		Active: true,
	}); err != nil {
		return 0, scrape.Counts{}, scrape.Snapshot{}, &scrape.ReconcileError{VenueID: v.ID, Op: "upsert venue", Err: err}
	}
	runID, err := o.deps.Store.StartRun(ctx, v.ID, start)
	if err != nil {
		return 0, scrape.Counts{}, scrape.Snapshot{}, &scrape.ReconcileError{VenueID: v.ID, Op: "start run", Err: err}
	}

	if openErr != nil {
		return runID, scrape.Counts{}, scrape.Snapshot{}, &scrape.FetchError{VenueID: v.ID, URL: v.URL, Err: openErr}
	}
	if sess == nil {
		return runID, scrape.Counts{}, scrape.Snapshot{}, &scrape.FetchError{VenueID: v.ID, URL: v.URL, Err: errors.New("no browser session")}
	}

	markup, err := sess.Fetch(ctx, v)
	if err != nil {
		return runID, scrape.Counts{}, scrape.Snapshot{}, err
	}
	ex, err := extract.Extract(markup, v, start.In(o.cfg.Location))
	if err != nil {
		return runID, scrape.Counts{}, scrape.Snapshot{}, err
	}
	if !ex.ContainerFound {
		log.Warn("schedule container not found", logx.String("selector", v.Selectors.ScheduleContainer))
	}

	counts, err := o.deps.Reconciler.Reconcile(ctx, v.ID, ex.People, ex.Shifts)
	if err != nil {
		return runID, scrape.Counts{}, scrape.Snapshot{}, err
	}
	snap := scrape.Snapshot{People: ex.People, Shifts: ex.Shifts, ScrapedAt: o.now()}
	if snap.People == nil {
		snap.People = []scrape.PersonCandidate{}
	}
	if snap.Shifts == nil {
		snap.Shifts = []scrape.ShiftCandidate{}
	}
	return runID, counts, snap, nil
}

func (o *Orchestrator) seal(ctx context.Context, log logx.Logger, run storage.ScrapeRun) {
	if err := o.deps.Store.FinishRun(ctx, run); err != nil {
		log.Error("seal scrape run failed", logx.Int64("run", run.ID), logx.Err(err))
	}
}

func dedupe(in []venue.Venue) []venue.Venue {
	out := make([]venue.Venue, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v.ID]; ok {
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	return out
}
