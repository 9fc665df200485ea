package config

// Config is the root configuration document (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Unknown fields are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	Scraper   ScraperConfig   `json:"scraper"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`
	Images    ImagesConfig    `json:"images"`

	// TaskEngine controls execution settings for scheduled tasks.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	HTTP HTTPConfig `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CacheConfig selects the key/value cache backend.
//
// Driver values:
//   - "sqlite" (default): cache table inside the storage database
//   - "memory": process-local map (lost on restart)
type CacheConfig struct {
	Driver     string `json:"driver"`
	DefaultTTL string `json:"default_ttl,omitempty"`
}

type ScraperConfig struct {
	VenuesFile        string `json:"venues_file"`
	Interval          string `json:"interval,omitempty"`
	MaxConcurrent     int    `json:"max_concurrent,omitempty"`
	Headless          *bool  `json:"headless,omitempty"`
	NavigationTimeout string `json:"navigation_timeout,omitempty"`
	ChromePath        string `json:"chrome_path,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`

	// SnapshotTTL bounds how long a venue's last good extraction stays
	// available as a fallback. Defaults to cache.default_ttl.
	SnapshotTTL string `json:"snapshot_ttl,omitempty"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"` // IANA TZ, e.g. "Asia/Tokyo"

	CleanupAt    string `json:"cleanup_at,omitempty"`    // HH:MM, default 03:00
	StatsWeekday string `json:"stats_weekday,omitempty"` // default monday
	StatsAt      string `json:"stats_at,omitempty"`      // HH:MM, default 04:00
}

type RetentionConfig struct {
	RunLogDays int `json:"run_log_days,omitempty"`
	ShiftDays  int `json:"shift_days,omitempty"`
}

// ImagesConfig controls photo rehosting.
//
// When cloudflare.account_id and cloudflare.api_token are both set, photos are
// uploaded to Cloudflare Images; otherwise they are written under local.dir.
type ImagesConfig struct {
	Timeout    string           `json:"timeout,omitempty"`
	RatePerSec int              `json:"rate_per_sec,omitempty"`
	Local      LocalImages      `json:"local"`
	Cloudflare CloudflareImages `json:"cloudflare"`
}

type LocalImages struct {
	Dir          string `json:"dir"`
	PublicPrefix string `json:"public_prefix,omitempty"`
}

type CloudflareImages struct {
	AccountID   string `json:"account_id,omitempty"`
	APIToken    string `json:"api_token,omitempty"`
	DeliveryURL string `json:"delivery_url,omitempty"`
	APIBase     string `json:"api_base,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (scrape batches are not retried)
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool        `json:"enabled"`
	Addr         string      `json:"addr"`
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	ResponseTTL  string      `json:"response_ttl,omitempty"`
	Admin        AdminConfig `json:"admin"`

	// AllowedOrigins enables CORS for browser clients. "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof behind admin auth.
	Pprof bool `json:"pprof,omitempty"`
}

type AdminConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
