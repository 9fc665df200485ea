package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shiftboard/internal/config"
	"shiftboard/internal/imagestore"
	"shiftboard/internal/jobs"
	"shiftboard/internal/scrape/fetch"
	"shiftboard/internal/scrape/orchestrator"
	"shiftboard/internal/storage"
	"shiftboard/internal/task/engine"
	"shiftboard/internal/task/scheduler"
	"shiftboard/internal/transport/httpapi"
	logx "shiftboard/pkg/logx"
)

const defaultVenuesFile = "./venues.yaml"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func validateLogConfig(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown logging.format: %s", cfg.Logging.Format)
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapCacheDriver(cfg *config.Config) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Cache.Driver))
	switch driver {
	case "", "sqlite", "sqlite3", "memory":
		return driver, nil
	default:
		return "", fmt.Errorf("unknown cache.driver: %s", cfg.Cache.Driver)
	}
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	sc := cfg.Scraper
	nav, err := config.ParseDurationField("scraper.navigation_timeout", sc.NavigationTimeout)
	if err != nil {
		return fetch.Config{}, err
	}
	headless := true
	if sc.Headless != nil {
		headless = *sc.Headless
	}
	return fetch.Config{
		Headless:          headless,
		ExecPath:          strings.TrimSpace(sc.ChromePath),
		UserAgent:         strings.TrimSpace(sc.UserAgent),
		NavigationTimeout: nav,
	}, nil
}

// mapOrchestratorConfig falls back to cache.default_ttl for the snapshot TTL.
func mapOrchestratorConfig(cfg *config.Config, loc *time.Location) (orchestrator.Config, error) {
	if cfg.Scraper.MaxConcurrent < 0 {
		return orchestrator.Config{}, errors.New("scraper.max_concurrent must be >= 0")
	}
	def, err := config.ParseDurationOrDefault("cache.default_ttl", cfg.Cache.DefaultTTL, orchestrator.DefaultSnapshotTTL)
	if err != nil {
		return orchestrator.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("scraper.snapshot_ttl", cfg.Scraper.SnapshotTTL, def)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		MaxConcurrent: cfg.Scraper.MaxConcurrent,
		SnapshotTTL:   ttl,
		Location:      loc,
	}, nil
}

func mapImagesConfig(cfg *config.Config) (imagestore.Config, error) {
	ic := cfg.Images
	timeout, err := config.ParseDurationField("images.timeout", ic.Timeout)
	if err != nil {
		return imagestore.Config{}, err
	}
	if ic.RatePerSec < 0 {
		return imagestore.Config{}, errors.New("images.rate_per_sec must be >= 0")
	}
	return imagestore.Config{
		Timeout:    timeout,
		RatePerSec: ic.RatePerSec,
		Local: imagestore.LocalConfig{
			Dir:          strings.TrimSpace(ic.Local.Dir),
			PublicPrefix: strings.TrimSpace(ic.Local.PublicPrefix),
		},
		Cloudflare: imagestore.CloudflareConfig{
			AccountID:   strings.TrimSpace(ic.Cloudflare.AccountID),
			APIToken:    strings.TrimSpace(ic.Cloudflare.APIToken),
			DeliveryURL: strings.TrimSpace(ic.Cloudflare.DeliveryURL),
			APIBase:     strings.TrimSpace(ic.Cloudflare.APIBase),
		},
	}, nil
}

// localImagePaths returns the directory and URL prefix the HTTP server should
// expose, both empty when photos go to Cloudflare.
func localImagePaths(ic imagestore.Config) (dir, prefix string) {
	if ic.Cloudflare.Enabled() {
		return "", ""
	}
	return ic.Local.Paths()
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapJobsConfig accepts a duration or a cron expression for scraper.interval.
func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	var err error
	var sched scheduler.Spec
	if strings.TrimSpace(cfg.Scraper.Interval) != "" {
		if sched, err = scheduler.ParseSchedule(cfg.Scraper.Interval); err != nil {
			return jobs.Config{}, fmt.Errorf("scraper.interval: %w", err)
		}
		if sched.Every > 0 && sched.Every < time.Second {
			return jobs.Config{}, errors.New("scraper.interval must be at least 1s")
		}
	}
	wd, err := jobs.ParseWeekday(cfg.Scheduler.StatsWeekday)
	if err != nil {
		return jobs.Config{}, fmt.Errorf("scheduler.stats_weekday: %w", err)
	}
	cleanupAt, err := config.ParseClockField("scheduler.cleanup_at", cfg.Scheduler.CleanupAt)
	if err != nil {
		return jobs.Config{}, err
	}
	statsAt, err := config.ParseClockField("scheduler.stats_at", cfg.Scheduler.StatsAt)
	if err != nil {
		return jobs.Config{}, err
	}
	if cfg.Retention.RunLogDays < 0 || cfg.Retention.ShiftDays < 0 {
		return jobs.Config{}, errors.New("retention days must be >= 0")
	}
	return jobs.Config{
		Interval:     sched.Every,
		Cron:         sched.Cron,
		CleanupAt:    cleanupAt,
		StatsWeekday: wd,
		StatsAt:      statsAt,
		RunLogDays:   cfg.Retention.RunLogDays,
		ShiftDays:    cfg.Retention.ShiftDays,
	}, nil
}

func mapHTTPConfig(cfg *config.Config, ic imagestore.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	ttl, err := config.ParseDurationField("http.response_ttl", hc.ResponseTTL)
	if err != nil {
		return httpapi.Config{}, err
	}
	if hc.Enabled && hc.Pprof && hc.Admin.Password == "" {
		return httpapi.Config{}, errors.New("http.pprof needs http.admin.password")
	}
	dir, prefix := localImagePaths(ic)
	return httpapi.Config{
		Enabled:        hc.Enabled,
		Addr:           strings.TrimSpace(hc.Addr),
		ReadTimeout:    read,
		WriteTimeout:   write,
		ResponseTTL:    ttl,
		AdminUser:      hc.Admin.Username,
		AdminPassword:  hc.Admin.Password,
		AllowedOrigins: hc.AllowedOrigins,
		Pprof:          hc.Pprof,
		ImagesDir:      dir,
		ImagesPrefix:   prefix,
	}, nil
}

// mapEngineConfig follows scheduler.enabled unless task_engine.enabled says
// otherwise. Scrape batches are never retried by default.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Workers:   2,
		QueueSize: 64,
		RetryMax:  -1,
	}
	te := cfg.TaskEngine
	if te == nil {
		return ec, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, errors.New("task_engine sizes must be >= 0")
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		ec.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		ec.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		ec.QueueSize = te.QueueSize
	}
	if te.RetryMax > 0 {
		ec.RetryMax = te.RetryMax
	}
	ec.HistorySize = te.HistorySize
	var err error
	if ec.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if ec.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func venuesFile(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Scraper.VenuesFile); p != "" {
		return p
	}
	return defaultVenuesFile
}

// validate runs every mapper so a reload is rejected before anything applies.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateLogConfig(cfg); err != nil {
		return err
	}
	loc, err := loadLocation(cfg)
	if err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCacheDriver(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOrchestratorConfig(cfg, loc); err != nil {
		return err
	}
	ic, err := mapImagesConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg, ic); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	return nil
}
