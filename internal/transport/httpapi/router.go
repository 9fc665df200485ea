package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shiftboard/internal/cache"
	"shiftboard/internal/eventbus"
	"shiftboard/internal/jobs"
	"shiftboard/internal/scrape/orchestrator"
	"shiftboard/internal/storage"
	logx "shiftboard/pkg/logx"
)

// Jobs is the slice of the jobs service the admin API drives.
type Jobs interface {
	RunManualScrape(ctx context.Context, ids []string) (orchestrator.BatchResult, error)
	Status(ctx context.Context) jobs.Status
}

// SchedulerControl pauses and resumes recurring work.
type SchedulerControl interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

type EventSource interface {
	Recent(limit int) []eventbus.Event
}

// RuntimeSource reports process internals such as supervised goroutines
// and the task queue.
type RuntimeSource interface {
	RuntimeSnapshot() any
}

type Deps struct {
	Store     storage.Store
	Cache     cache.Store
	Jobs      Jobs
	Scheduler SchedulerControl
	Events    EventSource
	Runtime   RuntimeSource
	Metrics   http.Handler
	// Location decides what "today" means.
	Location *time.Location
}

func (d Deps) withDefaults() Deps {
	if d.Cache == nil {
		d.Cache = cache.NewMemory()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	return d
}

// Handler builds the full route tree for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors(cfg.AllowedOrigins))
	}

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if cfg.ImagesDir != "" && cfg.ImagesPrefix != "" {
		prefix := "/" + strings.Trim(cfg.ImagesPrefix, "/")
		r.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.ImagesDir))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/venues", s.handleVenues)
		r.Get("/venues/{id}", s.handleVenue)
		r.Get("/venues/{id}/shifts", s.handleVenueShifts)
		r.Get("/shifts", s.handleShiftsByDate)
		r.Get("/people", s.handlePeople)
		r.Get("/people/new-today", s.handleNewToday)
		r.Get("/people/{id}", s.handlePerson)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth(cfg))
			r.Get("/stats", s.handleStats)
			r.Post("/scrape", s.handleScrape)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Post("/scheduler/start", s.handleSchedulerStart)
			r.Post("/scheduler/stop", s.handleSchedulerStop)
			r.Get("/logs", s.handleLogs)
			r.Get("/events", s.handleEvents)
			r.Get("/runtime", s.handleRuntime)
			r.Delete("/cache", s.handleClearCache)
		})
	})

	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth(cfg))
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// adminAuth rejects every request when no admin password is configured.
func (s *Server) adminAuth(cfg Config) func(http.Handler) http.Handler {
	creds := map[string]string{}
	if cfg.AdminUser != "" && cfg.AdminPassword != "" {
		creds[cfg.AdminUser] = cfg.AdminPassword
	}
	return middleware.BasicAuth("shiftboard-admin", creds)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", ww.Status()),
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("dur", time.Since(start)),
					logx.String("req_id", middleware.GetReqID(r.Context())),
				}
				if ww.Status() >= http.StatusInternalServerError {
					log.Warn("http request", fields...)
					return
				}
				log.Debug("http request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
