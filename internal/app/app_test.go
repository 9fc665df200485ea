package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftboard/internal/config"
	"shiftboard/internal/imagestore"
	"shiftboard/internal/scrape"
	"shiftboard/internal/scrape/fetch"
	"shiftboard/internal/storage"
)

const testVenues = `
venues:
  - id: alpha
    name: Alpha
    url: https://alpha.example.com/schedule
  - id: beta
    name: Beta
    url: https://beta.example.com/schedule
`

type failingBrowser struct{}

func (failingBrowser) Open(context.Context) (fetch.Fetcher, error) {
	return nil, errors.New("no browser in tests")
}

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	venues := filepath.Join(dir, "venues.yaml")
	require.NoError(t, os.WriteFile(venues, []byte(testVenues), 0o600))

	cfg := fmt.Sprintf(`
logging:
  level: error
  console: false
storage:
  driver: sqlite
  path: %q
cache:
  driver: memory
scraper:
  venues_file: %q
scheduler:
  enabled: false
  timezone: UTC
images:
  local:
    dir: %q
http:
  enabled: true
  addr: 127.0.0.1:0
  admin:
    username: admin
    password: secret
`, filepath.Join(dir, "shiftboard.db"), venues, filepath.Join(dir, "images"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func baseConfig() *config.Config {
	return &config.Config{
		Storage:   config.StorageConfig{Path: "data.db"},
		Scheduler: config.SchedulerConfig{Timezone: "Asia/Tokyo"},
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	off := false
	cases := map[string]func(c *config.Config){
		"timezone":       func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"storage driver": func(c *config.Config) { c.Storage.Driver = "postgres" },
		"storage path":   func(c *config.Config) { c.Storage.Path = "" },
		"cache driver":   func(c *config.Config) { c.Cache.Driver = "redis" },
		"log format":     func(c *config.Config) { c.Logging.Format = "xml" },
		"interval":       func(c *config.Config) { c.Scraper.Interval = "fast" },
		"short interval": func(c *config.Config) { c.Scraper.Interval = "10ms" },
		"cron interval":  func(c *config.Config) { c.Scraper.Interval = "* * *" },
		"weekday":        func(c *config.Config) { c.Scheduler.StatsWeekday = "someday" },
		"cleanup at":     func(c *config.Config) { c.Scheduler.CleanupAt = "3am" },
		"retention":      func(c *config.Config) { c.Retention.ShiftDays = -1 },
		"snapshot ttl":   func(c *config.Config) { c.Scraper.SnapshotTTL = "-5m" },
		"image rate":     func(c *config.Config) { c.Images.RatePerSec = -1 },
		"pprof":          func(c *config.Config) { c.HTTP.Enabled, c.HTTP.Pprof = true, true },
		"engine": func(c *config.Config) {
			c.Scheduler.Enabled = true
			c.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			mutate(cfg)
			require.Error(t, validate(cfg))
		})
	}

	require.NoError(t, validate(baseConfig()))
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Scheduler.Enabled = true
	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	require.True(t, ec.Enabled)
	require.Equal(t, 2, ec.Workers)
	require.Equal(t, -1, ec.RetryMax)

	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 4, RetryMax: 2, DefaultTimeout: "30s"}
	ec, err = mapEngineConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, ec.Workers)
	require.Equal(t, 2, ec.RetryMax)
	require.Equal(t, 30*time.Second, ec.DefaultTimeout)
}

func TestMapOrchestratorSnapshotTTL(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Cache.DefaultTTL = "20m"
	oc, err := mapOrchestratorConfig(cfg, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, oc.SnapshotTTL)

	cfg.Scraper.SnapshotTTL = "1h"
	oc, err = mapOrchestratorConfig(cfg, time.UTC)
	require.NoError(t, err)
	require.Equal(t, time.Hour, oc.SnapshotTTL)
}

func TestMapJobsConfigSchedule(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Scraper.Interval = "2m"
	jc, err := mapJobsConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, jc.Interval)
	require.Empty(t, jc.Cron)

	cfg.Scraper.Interval = "*/5 10-22 * * *"
	jc, err = mapJobsConfig(cfg)
	require.NoError(t, err)
	require.Zero(t, jc.Interval)
	require.Equal(t, "*/5 10-22 * * *", jc.Cron)
}

func TestLocalImagePaths(t *testing.T) {
	t.Parallel()

	dir, prefix := localImagePaths(imagestore.Config{})
	require.Equal(t, imagestore.DefaultLocalDir, dir)
	require.Equal(t, imagestore.DefaultPrefix, prefix)

	dir, prefix = localImagePaths(imagestore.Config{Local: imagestore.LocalConfig{
		Dir: " ./photos ", PublicPrefix: "/static/photos/",
	}})
	require.Equal(t, "./photos", dir)
	require.Equal(t, "/static/photos", prefix)

	dir, prefix = localImagePaths(imagestore.Config{Cloudflare: imagestore.CloudflareConfig{
		AccountID: "acc", APIToken: "tok", DeliveryURL: "https://imagedelivery.net/x",
	}})
	require.Empty(t, dir)
	require.Empty(t, prefix)
}

func TestAppServesSyncedVenues(t *testing.T) {
	t.Parallel()

	a, err := New(writeFixture(t), WithBrowser(failingBrowser{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + a.HTTPAddr() + "/api/v1/venues")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var venues []storage.VenueSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&venues))
	ids := []string{}
	for _, v := range venues {
		ids = append(ids, v.ID)
	}
	require.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestAppScrapeRecordsFailures(t *testing.T) {
	t.Parallel()

	a, err := New(writeFixture(t), WithBrowser(failingBrowser{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	require.Len(t, a.Venues(), 2)

	res, err := a.Scrape(context.Background(), []string{"beta"})
	require.NoError(t, err)
	require.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.Equal(t, "beta", res.Failed[0].VenueID)

	_, err = a.Scrape(context.Background(), []string{"gamma"})
	require.ErrorIs(t, err, scrape.ErrNoMatchingVenues)
}
