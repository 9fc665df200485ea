package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestVenueAndBatchCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.VenueStarted()
	m.VenueStarted()
	require.Equal(t, 2.0, testutil.ToFloat64(m.fetchInFlight))

	m.VenueFinished("a", OutcomeSuccess, 2*time.Second)
	m.VenueFinished("b", OutcomeCached, time.Second)
	require.Equal(t, 0.0, testutil.ToFloat64(m.fetchInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(m.venueRuns.WithLabelValues("a", OutcomeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.venueRuns.WithLabelValues("b", OutcomeCached)))

	m.BatchFinished(3*time.Second, 5, 9)
	m.BatchSkipped()
	require.Equal(t, 5.0, testutil.ToFloat64(m.batchPeople))
	require.Equal(t, 9.0, testutil.ToFloat64(m.batchShifts))
	require.Equal(t, 1.0, testutil.ToFloat64(m.batchSkipped))

	m.TaskRun("main_scraping", nil)
	m.TaskRun("main_scraping", errors.New("x"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("main_scraping", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.ImageUpload(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(string(body), `shiftboard_image_uploads_total{result="ok"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.VenueStarted()
	m.VenueFinished("a", OutcomeFailed, time.Second)
	m.BatchFinished(time.Second, 1, 1)
	m.ImageUpload(false)
	require.Nil(t, m.Registry())
}
