package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeBytesYAML(t *testing.T) {
	t.Parallel()

	src := []byte(`
logging:
  level: debug
  console: true
scraper:
  venues_file: ./venues.yaml
  max_concurrent: 5
  headless: false
http:
  enabled: true
  addr: 127.0.0.1:8080
  admin:
    username: admin
    password: secret
`)
	var cfg Config
	require.NoError(t, DecodeBytes("config.yaml", src, &cfg))
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5, cfg.Scraper.MaxConcurrent)
	require.NotNil(t, cfg.Scraper.Headless)
	require.False(t, *cfg.Scraper.Headless)
	require.Equal(t, "secret", cfg.HTTP.Admin.Password)
}

func TestDecodeBytesRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	var cfg Config
	err := DecodeBytes("config.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`), &cfg)
	require.Error(t, err)

	err = DecodeBytes("config.yaml", []byte("scraper:\n  bogus: 1\n"), &cfg)
	require.Error(t, err)
}

func TestDecodeBytesRejectsTrailingData(t *testing.T) {
	t.Parallel()

	var cfg Config
	err := DecodeBytes("config.json", []byte(`{"logging":{}} {"logging":{}}`), &cfg)
	require.Error(t, err)
}

func TestConfigManagerLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"timezone":"Asia/Tokyo"}}`), 0o600))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.True(t, cfg.Scheduler.Enabled)
	require.Same(t, cfg, m.Get())
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{name: "empty uses default", raw: "", def: time.Minute, want: time.Minute},
		{name: "zero uses default", raw: "0s", def: time.Minute, want: time.Minute},
		{name: "explicit", raw: "90s", def: time.Minute, want: 90 * time.Second},
		{name: "invalid", raw: "soon", def: time.Minute, wantErr: true},
		{name: "negative", raw: "-1s", def: time.Minute, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationOrDefault("x", tt.raw, tt.def)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSummarizeConfigChangeNeverLogsSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.HTTP.Admin.Password = "hunter2"
	newCfg.Images.Cloudflare.APIToken = "tok"

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.ElementsMatch(t, []string{"http", "images"}, sections)
	require.NotEmpty(t, attrs)
}

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Scraper.MaxConcurrent = 3
	applied := ApplyEnv(cfg, fakeEnv(map[string]string{
		"SHIFTBOARD_ADMIN_PASSWORD":         "s3cret",
		"SHIFTBOARD_SCRAPER_MAX_CONCURRENT": "7",
		"SHIFTBOARD_HTTP_ALLOWED_ORIGINS":   " http://localhost:3000, ,https://app.example.com ",
		"SHIFTBOARD_LOG_LEVEL":              "   ",
		"OTHER_ADMIN_PASSWORD":              "ignored",
	}))

	require.Equal(t, []string{
		"SHIFTBOARD_ADMIN_PASSWORD",
		"SHIFTBOARD_HTTP_ALLOWED_ORIGINS",
		"SHIFTBOARD_SCRAPER_MAX_CONCURRENT",
	}, applied)
	require.Equal(t, "s3cret", cfg.HTTP.Admin.Password)
	require.Equal(t, 7, cfg.Scraper.MaxConcurrent)
	require.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.HTTP.AllowedOrigins)
	require.Empty(t, cfg.Logging.Level)
}

func TestApplyEnvIgnoresBadNumber(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Scraper.MaxConcurrent = 3
	ApplyEnv(cfg, fakeEnv(map[string]string{"SHIFTBOARD_SCRAPER_MAX_CONCURRENT": "many"}))
	require.Equal(t, 3, cfg.Scraper.MaxConcurrent)
}

func TestParseClockField(t *testing.T) {
	t.Parallel()

	got, err := ParseClockField("x", " 03:30 ")
	require.NoError(t, err)
	require.Equal(t, "03:30", got)

	got, err = ParseClockField("x", "")
	require.NoError(t, err)
	require.Empty(t, got)

	for _, bad := range []string{"3am", "25:00", "12:61", "12"} {
		_, err := ParseClockField("scheduler.cleanup_at", bad)
		require.ErrorContains(t, err, "scheduler.cleanup_at", bad)
	}
}

func TestConfigManagerLoadAppliesEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  admin:\n    username: admin\n    password: fromfile\n"), 0o600))

	m := NewConfigManager(path)
	m.SetEnvLookup(fakeEnv(map[string]string{"SHIFTBOARD_ADMIN_PASSWORD": "fromenv"}))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "admin", cfg.HTTP.Admin.Username)
	require.Equal(t, "fromenv", cfg.HTTP.Admin.Password)
}

func TestConfigManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)

	require.Same(t, second, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestConfigManagerWatchReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	m := NewConfigManager(path)
	m.SetEnvLookup(fakeEnv(nil))
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return os.ErrInvalid
		}
		return nil
	})
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may not be registered yet; keep rewriting until it sees one.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600)
		select {
		case got = <-ch:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "debug", got.Logging.Level)
	require.Equal(t, "debug", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: bogus\n"), 0o600))
	time.Sleep(3 * watchDebounce)
	require.Equal(t, "debug", m.Get().Logging.Level)
	select {
	case cfg := <-ch:
		// A debounced write of the debug config may still be queued.
		require.Equal(t, "debug", cfg.Logging.Level)
	default:
	}
}

func TestSummarizeConfigChangeComparesOrigins(t *testing.T) {
	t.Parallel()

	oldCfg, newCfg := &Config{}, &Config{}
	oldCfg.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	newCfg.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	require.Empty(t, sections)

	newCfg.HTTP.AllowedOrigins = append(newCfg.HTTP.AllowedOrigins, "https://app.example.com")
	sections, _ = SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"http"}, sections)

	newCfg.HTTP.AllowedOrigins = oldCfg.HTTP.AllowedOrigins
	newCfg.HTTP.Admin.Password = "changed"
	sections, _ = SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"http"}, sections)
}
