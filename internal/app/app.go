package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"shiftboard/internal/cache"
	"shiftboard/internal/config"
	"shiftboard/internal/eventbus"
	"shiftboard/internal/imagestore"
	"shiftboard/internal/jobs"
	"shiftboard/internal/metrics"
	rtsup "shiftboard/internal/runtime/supervisor"
	"shiftboard/internal/scrape/fetch"
	"shiftboard/internal/scrape/orchestrator"
	"shiftboard/internal/scrape/reconcile"
	"shiftboard/internal/storage"
	"shiftboard/internal/task/engine"
	"shiftboard/internal/task/scheduler"
	"shiftboard/internal/transport/httpapi"
	"shiftboard/internal/venue"
	logx "shiftboard/pkg/logx"
)

const eventHistory = 500

// Sections that are only read at startup.
var restartSections = []string{"storage", "cache", "images", "task_engine"}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	events  *eventbus.Recorder
	metrics *metrics.Metrics

	store   *storage.SQLiteStore
	cache   cache.Store
	catalog *venue.Catalog
	orch    *orchestrator.Orchestrator

	engine *engine.Service
	sched  *scheduler.Service
	jobs   *jobs.Service
	http   *httpapi.Server

	runtime *runtimeView
}

type options struct {
	browser orchestrator.Browser
}

type Option func(*options)

// WithBrowser replaces the Chrome session launcher.
func WithBrowser(b orchestrator.Browser) Option {
	return func(o *options) { o.browser = b }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Comp("app"))

	// validate already ran every mapper, so the errors below are I/O only.
	loc, _ := loadLocation(cfg)
	sc, _ := mapStorageConfig(cfg)
	cacheDriver, _ := mapCacheDriver(cfg)
	fc, _ := mapFetchConfig(cfg)
	oc, _ := mapOrchestratorConfig(cfg, loc)
	ic, _ := mapImagesConfig(cfg)
	jc, _ := mapJobsConfig(cfg)
	hc, _ := mapHTTPConfig(cfg, ic)
	ec, _ := mapEngineConfig(cfg)

	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	st, err := storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	kv, err := cache.Open(cacheDriver, st.DB())
	if err != nil {
		return fail(fmt.Errorf("open cache: %w", err), st.Close)
	}

	bus := eventbus.New()
	m := metrics.New()

	up, err := imagestore.New(ic, log)
	if err != nil {
		return fail(fmt.Errorf("image store: %w", err), st.Close)
	}
	up = imagestore.Observed(up, m.ImageUpload)

	browser := o.browser
	if browser == nil {
		browser = fetch.NewChrome(fc, log.With(logx.Comp("fetch")))
	}
	orch := orchestrator.New(oc, orchestrator.Deps{
		Browser:    browser,
		Reconciler: reconcile.New(st, up, log),
		Store:      st,
		Cache:      kv,
		Bus:        bus,
		Metrics:    m,
		Log:        log,
	})

	catalog := venue.NewCatalog(venuesFile(cfg), log.With(logx.Comp("venues")))

	eng := engine.New(ec, log.With(logx.Comp("taskengine")), bus)
	sched := scheduler.New(mapSchedulerConfig(cfg), eng, log.With(logx.Comp("scheduler")))
	js := jobs.New(jc, jobs.Deps{
		Scheduler: sched,
		Scraper:   orch,
		Venues:    catalog,
		Store:     st,
		Cache:     kv,
		Bus:       bus,
		Metrics:   m,
		Log:       log,
	})
	if err := js.Register(); err != nil {
		return fail(err, st.Close)
	}

	events := eventbus.NewRecorder(eventHistory)
	rt := &runtimeView{engine: eng}
	srv := httpapi.New(hc, httpapi.Deps{
		Store:     st,
		Cache:     kv,
		Jobs:      js,
		Scheduler: sched,
		Events:    events,
		Runtime:   rt,
		Metrics:   m.Handler(),
		Location:  loc,
	}, log)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		events:  events,
		metrics: m,
		store:   st,
		cache:   kv,
		catalog: catalog,
		orch:    orch,
		engine:  eng,
		sched:   sched,
		jobs:    js,
		http:    srv,
		runtime: rt,
	}

	catalog.OnChange(a.onVenuesChanged)
	a.syncVenues(context.Background(), catalog.Load())
	return a, nil
}

// onVenuesChanged runs after a hot-reload of the venues file.
func (a *App) onVenuesChanged(vs []venue.Venue) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.syncVenues(ctx, vs)
	ids := make([]string, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.ID)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicVenuesReloaded, Data: map[string]any{"venues": ids}})
}

// syncVenues upserts configured venues so the read API lists them before
// their first scrape.
func (a *App) syncVenues(ctx context.Context, vs []venue.Venue) {
	for _, v := range vs {
		err := a.store.UpsertVenue(ctx, storage.Venue{
			ID:         v.ID,
			Name:       v.Name,
			URL:        v.URL,
			Area:       v.Area,
			OpenTime:   v.OpenTime,
			CloseTime:  v.CloseTime,
			ClosedDays: v.ClosedDays,
			Active:     true,
		})
		if err != nil {
			a.log.Warn("venue sync failed", logx.String("venue", v.ID), logx.Err(err))
		}
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Venues returns the configured venue list.
func (a *App) Venues() []venue.Venue { return a.catalog.Venues() }

// Scrape runs one batch outside the scheduler. Empty ids means every venue.
func (a *App) Scrape(ctx context.Context, ids []string) (orchestrator.BatchResult, error) {
	return a.jobs.RunManualScrape(ctx, ids)
}

// HTTPAddr is the bound API address, empty when the server is not listening.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.runtime.sup.Store(a.sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("events.record", func(c context.Context) error {
		a.events.Run(c, a.bus)
		return nil
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	a.sup.Go("venues.watch", func(c context.Context) error {
		return a.catalog.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("venues", len(a.catalog.Venues())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("http", a.http.Enabled()),
	)
	return nil
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if venuesFile(prev) != venuesFile(next) {
		a.log.Warn("scraper.venues_file changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	prevSched := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	switch {
	case prevSched && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if !a.engine.Enabled() {
			a.log.Warn("task engine was disabled at startup; scheduled runs will be rejected until restart")
		}
		a.sched.Start(ctx)
	}

	if jc, err := mapJobsConfig(next); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else if err := a.jobs.Reconfigure(jc); err != nil {
		a.log.Error("re-register jobs failed", logx.Err(err))
	}

	ic, _ := mapImagesConfig(next)
	if hc, err := mapHTTPConfig(next, ic); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop triggers before the context goes so no new batch is queued.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	a.sup.Cancel()

	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases storage and logging for an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	return errors.Join(err, a.logs.Close())
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, record when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
