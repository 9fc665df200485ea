package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shiftboard/internal/cache"
	logx "shiftboard/pkg/logx"
)

// Cache key prefixes for API responses. DELETE /admin/cache clears them.
const (
	keyShiftsByDate = "shifts_by_date:"
	keyVenueShifts  = "venue_shifts:"
	keyPersonDetail = "person_detail:"
	keyNewToday     = "new_people_today:"
)

const (
	venueShiftsTTL  = 10 * time.Minute
	personDetailTTL = 30 * time.Minute
	newTodayTTL     = time.Hour
)

var clearPatterns = []string{
	keyShiftsByDate + "*",
	keyVenueShifts + "*",
	keyPersonDetail + "*",
	keyNewToday + "*",
	"scraping:*",
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("json encode failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// internalError logs err and answers 500 without leaking details.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

// serveCached answers from the cache at key or calls load and stores its
// result for ttl. Cache failures degrade to an uncached response.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, load func(ctx context.Context) (any, error)) {
	ctx := r.Context()
	var raw json.RawMessage
	ok, err := cache.GetJSON(ctx, s.deps.Cache, key, &raw)
	if err != nil {
		s.log.Debug("cache read failed", logx.String("key", key), logx.Err(err))
	}
	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	v, err := load(ctx)
	if err != nil {
		var he httpError
		if errors.As(err, &he) {
			s.writeError(w, he.status, he.msg)
			return
		}
		s.internalError(w, r, err)
		return
	}
	if err := cache.SetJSON(ctx, s.deps.Cache, key, v, ttl); err != nil {
		s.log.Debug("cache write failed", logx.String("key", key), logx.Err(err))
	}
	w.Header().Set("X-Cache", "miss")
	s.writeJSON(w, http.StatusOK, v)
}

// httpError carries a client-facing status out of a loader.
type httpError struct {
	status int
	msg    string
}

func (e httpError) Error() string { return e.msg }

// intQuery parses name within [lo, hi], returning def when absent.
func intQuery(r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func (s *Server) today() time.Time {
	y, m, d := time.Now().In(s.deps.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.deps.Location)
}
