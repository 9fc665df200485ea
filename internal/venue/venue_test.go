package venue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	logx "shiftboard/pkg/logx"
)

const sampleVenues = `
venues:
  - id: v1
    name: Venue One
    url: https://example.com/schedule
    area: shibuya
    selectors:
      schedule_container: "#sched"
      person_name: ".girl"
    scraping:
      wait_time: 500
      scroll_to_bottom: true
  - id: v2
    url: https://example.org/
    open_time: "12:00"
    close_time: "23:30"
  - id: v1
    url: https://example.com/dup
  - name: no id
    url: https://example.com/
  - id: bad-url
    url: /relative/path
  - id: bad-hours
    url: https://example.com/
    open_time: "25:99"
`

func TestParseAppliesDefaultsAndValidates(t *testing.T) {
	t.Parallel()

	venues, problems, err := Parse([]byte(sampleVenues))
	require.NoError(t, err)
	require.Len(t, venues, 2)
	require.Len(t, problems, 4)

	v1 := venues[0]
	require.Equal(t, "v1", v1.ID)
	require.Equal(t, "#sched", v1.Selectors.ScheduleContainer)
	require.Equal(t, ".girl", v1.Selectors.PersonName)
	require.Equal(t, DefaultDateSection, v1.Selectors.DateSection)
	require.Equal(t, DefaultPersonImage, v1.Selectors.PersonImage)
	require.Equal(t, DefaultTimeRange, v1.Selectors.TimeRange)
	require.Equal(t, DefaultOpenTime, v1.OpenTime)
	require.Equal(t, DefaultCloseTime, v1.CloseTime)
	require.Equal(t, DefaultLookaheadDays, v1.Options.LookaheadDays)
	require.True(t, v1.Options.ScrollToBottom)
	require.Equal(t, int64(500), v1.WaitDuration().Milliseconds())

	v2 := venues[1]
	require.Equal(t, "v2", v2.Name, "name falls back to id")
	require.Equal(t, "12:00", v2.OpenTime)
	require.Equal(t, "23:30", v2.CloseTime)
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	venues, _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Empty(t, venues)
}

func TestCatalogToleratesMissingAndMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "venues.yaml")

	c := NewCatalog(path, logx.Nop())
	require.Empty(t, c.Load(), "missing file yields empty list")

	require.NoError(t, os.WriteFile(path, []byte("venues: [ {id: v1"), 0o600))
	require.Empty(t, c.Load(), "malformed file yields empty list")

	require.NoError(t, os.WriteFile(path, []byte(sampleVenues), 0o600))
	require.Len(t, c.Load(), 2)

	// A broken reload keeps the last good list.
	require.NoError(t, os.WriteFile(path, []byte(":::"), 0o600))
	require.Len(t, c.Load(), 2)
}

func TestCatalogFilterAndOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleVenues), 0o600))

	c := NewCatalog(path, logx.Nop())
	c.Load()

	got := c.Filter([]string{"v2", "unknown"})
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].ID)

	v, ok := c.Get("v1")
	require.True(t, ok)
	require.Equal(t, "Venue One", v.Name)

	var seen int
	c.OnChange(func(vs []Venue) { seen = len(vs) })
	c.Load()
	require.Equal(t, 2, seen)
}

func TestParseRequiresVenuesKey(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "\n", ":::", "other: 1", "venues:"} {
		_, _, err := Parse([]byte(doc))
		require.ErrorIs(t, err, ErrNoVenuesKey, "%q", doc)
	}

	venues, problems, err := Parse([]byte("venues: []"))
	require.NoError(t, err)
	require.Empty(t, problems)
	require.Empty(t, venues)
}

func TestCatalogKeepsListWhenFileTruncated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleVenues), 0o600))

	c := NewCatalog(path, logx.Nop())
	require.Len(t, c.Load(), 2)

	var notified int
	c.OnChange(func([]Venue) { notified++ })

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.Len(t, c.Load(), 2)
	require.Len(t, c.Venues(), 2)
	require.Zero(t, notified)

	require.NoError(t, os.WriteFile(path, []byte("venues: []\n"), 0o600))
	require.Empty(t, c.Load())
	require.Equal(t, 1, notified)
}
