package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"shiftboard/internal/cache"
	"shiftboard/internal/eventbus"
	"shiftboard/internal/scrape"
	"shiftboard/internal/storage"
	logx "shiftboard/pkg/logx"
)

const statusRunWindow = 20

type venueStatus struct {
	VenueID     string            `json:"venue_id"`
	VenueName   string            `json:"venue_name"`
	Status      storage.RunStatus `json:"status"`
	LastRun     time.Time         `json:"last_run"`
	PeopleFound int               `json:"people_found"`
	ShiftsFound int               `json:"shifts_found"`
	Error       string            `json:"error,omitempty"`
}

type statsResponse struct {
	storage.Stats
	ScrapingStatus []venueStatus `json:"scraping_status"`
}

// handleStats adds each venue's latest run, taken from the most recent runs.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.deps.Store.Stats(ctx, s.today())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	runs, err := s.deps.Store.RecentRuns(ctx, statusRunWindow)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := statsResponse{Stats: st, ScrapingStatus: []venueStatus{}}
	seen := map[string]bool{}
	for _, run := range runs {
		if seen[run.VenueID] {
			continue
		}
		seen[run.VenueID] = true
		name := run.VenueName
		if name == "" {
			name = run.VenueID
		}
		resp.ScrapingStatus = append(resp.ScrapingStatus, venueStatus{
			VenueID:     run.VenueID,
			VenueName:   name,
			Status:      run.Status,
			LastRun:     run.StartedAt,
			PeopleFound: run.PeopleFound,
			ShiftsFound: run.ShiftsFound,
			Error:       run.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type scrapeRequest struct {
	VenueIDs []string `json:"venue_ids"`
}

// handleScrape runs a batch synchronously. An empty body scrapes every venue.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scraping is not available")
		return
	}
	var req scrapeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.deps.Jobs.RunManualScrape(r.Context(), req.VenueIDs)
	if errors.Is(err, scrape.ErrNoMatchingVenues) {
		s.writeError(w, http.StatusBadRequest, "no valid venue ids provided")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.log.Info("manual scrape finished",
		logx.String("batch", res.ID),
		logx.Int("success", len(res.Succeeded)),
		logx.Int("failed", len(res.Failed)),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"message": fmt.Sprintf("Scraped %d venue(s)", len(res.Succeeded)+len(res.Failed)),
		"result":  res,
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Jobs.Status(r.Context()))
}

func (s *Server) handleRuntime(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runtime == nil {
		s.writeError(w, http.StatusServiceUnavailable, "runtime stats are not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Runtime.RuntimeSnapshot())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not available")
		return
	}
	// Detached so the schedule outlives this request.
	s.deps.Scheduler.Start(context.WithoutCancel(r.Context()))
	s.log.Info("scheduler started via admin api")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not available")
		return
	}
	s.deps.Scheduler.Stop(r.Context())
	s.log.Info("scheduler stopped via admin api")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(r, "limit", 50, 1, 500)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	runs, err := s.deps.Store.RecentRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []storage.ScrapeRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(r, "limit", 50, 1, 1000)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	events := []eventbus.Event{}
	if s.deps.Events != nil {
		events = append(events, s.deps.Events.Recent(limit)...)
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	total := 0
	for _, pattern := range clearPatterns {
		n, err := cache.Clear(r.Context(), s.deps.Cache, pattern)
		if err != nil {
			s.internalError(w, r, fmt.Errorf("clear %s: %w", pattern, err))
			return
		}
		total += n
	}
	s.log.Info("api cache cleared", logx.Int("entries", total))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Cleared %d cache entries", total),
		"cleared": total,
	})
}
