package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"shiftboard/internal/scrape"
	"shiftboard/internal/venue"
	logx "shiftboard/pkg/logx"
)

func TestIdleTrackerWaitsForQuiet(t *testing.T) {
	t.Parallel()

	tr := newIdleTracker()
	tr.observe(&network.EventRequestWillBeSent{})
	require.EqualValues(t, 1, tr.inflight.Load())

	done := make(chan error, 1)
	go func() { done <- tr.wait(150*time.Millisecond, 5*time.Second).Do(context.Background()) }()

	select {
	case <-done:
		t.Fatal("wait returned while a request was in flight")
	case <-time.After(300 * time.Millisecond):
	}

	tr.observe(&network.EventLoadingFinished{})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the network went quiet")
	}
}

func TestIdleTrackerHonoursLimit(t *testing.T) {
	t.Parallel()

	tr := newIdleTracker()
	tr.observe(&network.EventRequestWillBeSent{})

	start := time.Now()
	require.NoError(t, tr.wait(time.Second, 250*time.Millisecond).Do(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)
}

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary on PATH")
	return ""
}

func TestChromeFetch(t *testing.T) {
	exe := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><div class="schedule" id="s"></div>
<script>document.getElementById("s").innerHTML = '<div class="date"><span class="name">Aoi</span></div>';</script>
</body></html>`))
	}))
	defer srv.Close()

	c := NewChrome(Config{Headless: true, ExecPath: exe, NavigationTimeout: 20 * time.Second}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := c.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	html, err := sess.Fetch(ctx, venue.Venue{ID: "ok", URL: srv.URL + "/schedule"})
	require.NoError(t, err)
	require.True(t, strings.Contains(html, `<span class="name">Aoi</span>`), html)

	_, err = sess.Fetch(ctx, venue.Venue{ID: "gone", URL: srv.URL + "/gone"})
	var fe *scrape.FetchError
	require.True(t, errors.As(err, &fe))
	require.EqualValues(t, http.StatusNotFound, fe.Status)
	require.Equal(t, "gone", fe.VenueID)
}
