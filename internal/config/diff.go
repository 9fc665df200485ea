package config

import (
	"slices"
	"strings"

	logx "shiftboard/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.driver", strings.TrimSpace(newCfg.Cache.Driver)))
	}

	if !scraperEqual(oldCfg.Scraper, newCfg.Scraper) {
		changed = append(changed, "scraper")
		attrs = append(attrs,
			logx.String("scraper.interval", strings.TrimSpace(newCfg.Scraper.Interval)),
			logx.Int("scraper.max_concurrent", newCfg.Scraper.MaxConcurrent),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Int("retention.run_log_days", newCfg.Retention.RunLogDays),
			logx.Int("retention.shift_days", newCfg.Retention.ShiftDays),
		)
	}

	// Images (never log api token)
	if oldCfg.Images != newCfg.Images {
		changed = append(changed, "images")
		attrs = append(attrs,
			logx.Bool("images.cloudflare", strings.TrimSpace(newCfg.Images.Cloudflare.AccountID) != "" && strings.TrimSpace(newCfg.Images.Cloudflare.APIToken) != ""),
			logx.String("images.local_dir", strings.TrimSpace(newCfg.Images.Local.Dir)),
		)
	}

	if !taskEngineEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}

	// HTTP (never log admin password)
	if !httpEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.admin_set", newCfg.HTTP.Admin.Username != "" && newCfg.HTTP.Admin.Password != ""),
			logx.Strings("http.allowed_origins", newCfg.HTTP.AllowedOrigins),
		)
	}

	return changed, attrs
}

func scraperEqual(a, b ScraperConfig) bool {
	if (a.Headless == nil) != (b.Headless == nil) {
		return false
	}
	if a.Headless != nil && *a.Headless != *b.Headless {
		return false
	}
	a.Headless, b.Headless = nil, nil
	return a == b
}

func taskEngineEqual(a, b *TaskEngineConfig) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if (a.Enabled == nil) != (b.Enabled == nil) {
		return false
	}
	if a.Enabled != nil && *a.Enabled != *b.Enabled {
		return false
	}
	ac, bc := *a, *b
	ac.Enabled, bc.Enabled = nil, nil
	return ac == bc
}

func httpEqual(a, b HTTPConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Addr == b.Addr &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.ResponseTTL == b.ResponseTTL &&
		a.Admin == b.Admin &&
		a.Pprof == b.Pprof &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins)
}
