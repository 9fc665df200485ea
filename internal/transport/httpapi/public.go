package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"shiftboard/internal/storage"
)

const dateLayout = "2006-01-02"

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	vs, err := s.deps.Store.VenueSummaries(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if vs == nil {
		vs = []storage.VenueSummary{}
	}
	s.writeJSON(w, http.StatusOK, vs)
}

func (s *Server) findVenue(ctx context.Context, id string) (storage.VenueSummary, error) {
	vs, err := s.deps.Store.VenueSummaries(ctx)
	if err != nil {
		return storage.VenueSummary{}, err
	}
	for _, v := range vs {
		if v.ID == id {
			return v, nil
		}
	}
	return storage.VenueSummary{}, httpError{status: http.StatusNotFound, msg: "venue not found"}
}

func (s *Server) handleVenue(w http.ResponseWriter, r *http.Request) {
	v, err := s.findVenue(r.Context(), chi.URLParam(r, "id"))
	var he httpError
	switch {
	case errors.As(err, &he):
		s.writeError(w, he.status, he.msg)
	case err != nil:
		s.internalError(w, r, err)
	default:
		s.writeJSON(w, http.StatusOK, v)
	}
}

type venueShiftsResponse struct {
	Venue     storage.VenueSummary `json:"venue"`
	Shifts    []storage.ShiftView  `json:"shifts"`
	DateRange dateRange            `json:"date_range"`
}

type dateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Days      int    `json:"days"`
}

// handleVenueShifts lists one venue's shifts over 1 to 14 days.
func (s *Server) handleVenueShifts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	days, ok := intQuery(r, "days", 7, 1, 14)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "days must be between 1 and 14")
		return
	}
	start := s.today()
	if raw := r.URL.Query().Get("start_date"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, s.deps.Location)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid start_date format, use YYYY-MM-DD")
			return
		}
		start = t
	}
	end := start.AddDate(0, 0, days-1)
	rng := dateRange{StartDate: start.Format(dateLayout), EndDate: end.Format(dateLayout), Days: days}

	key := keyVenueShifts + id + ":" + rng.StartDate + ":" + rng.EndDate
	s.serveCached(w, r, key, venueShiftsTTL, func(ctx context.Context) (any, error) {
		v, err := s.findVenue(ctx, id)
		if err != nil {
			return nil, err
		}
		resp := venueShiftsResponse{Venue: v, Shifts: []storage.ShiftView{}, DateRange: rng}
		people := map[int64]bool{}
		for d := 0; d < days; d++ {
			rows, err := s.deps.Store.ShiftsByDate(ctx, start.AddDate(0, 0, d).Format(dateLayout), id)
			if err != nil {
				return nil, err
			}
			for _, sh := range rows {
				people[sh.PersonID] = true
			}
			resp.Shifts = append(resp.Shifts, rows...)
		}
		// Within the range the count reflects who is scheduled, not the roster.
		resp.Venue.PeopleCount = len(people)
		return resp, nil
	})
}

type venueDay struct {
	VenueID   string              `json:"venue_id"`
	VenueName string              `json:"venue_name"`
	Shifts    []storage.ShiftView `json:"shifts"`
}

type dayShiftsResponse struct {
	Date        string     `json:"date"`
	TotalPeople int        `json:"total_people"`
	Venues      []venueDay `json:"venues"`
}

// handleShiftsByDate groups one day's shifts by venue.
func (s *Server) handleShiftsByDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return
	}
	venueID := strings.TrimSpace(r.URL.Query().Get("venue_id"))
	scope := venueID
	if scope == "" {
		scope = "all"
	}

	s.mu.Lock()
	ttl := s.cfg.ResponseTTL
	s.mu.Unlock()

	s.serveCached(w, r, keyShiftsByDate+date+":"+scope, ttl, func(ctx context.Context) (any, error) {
		rows, err := s.deps.Store.ShiftsByDate(ctx, date, venueID)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].VenueID < rows[j].VenueID })

		resp := dayShiftsResponse{Date: date, TotalPeople: len(rows), Venues: []venueDay{}}
		for _, sh := range rows {
			n := len(resp.Venues)
			if n == 0 || resp.Venues[n-1].VenueID != sh.VenueID {
				resp.Venues = append(resp.Venues, venueDay{VenueID: sh.VenueID, VenueName: sh.VenueName})
				n++
			}
			resp.Venues[n-1].Shifts = append(resp.Venues[n-1].Shifts, sh)
		}
		return resp, nil
	})
}

var validStatus = map[storage.PersonStatus]bool{
	storage.StatusNew:      true,
	storage.StatusActive:   true,
	storage.StatusDeparted: true,
}

func (s *Server) handlePeople(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.PeopleFilter{VenueID: q.Get("venue_id"), Status: storage.PersonStatus(q.Get("status"))}
	if f.Status != "" && !validStatus[f.Status] {
		s.writeError(w, http.StatusBadRequest, "invalid status, use new, active or departed")
		return
	}
	var ok bool
	if f.Limit, ok = intQuery(r, "limit", 100, 1, 200); !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	if f.Offset, ok = intQuery(r, "offset", 0, 0, 1<<31-1); !ok {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	people, err := s.deps.Store.ListPeople(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if people == nil {
		people = []storage.Person{}
	}
	s.writeJSON(w, http.StatusOK, people)
}

func (s *Server) handleNewToday(w http.ResponseWriter, r *http.Request) {
	day := s.today()
	s.serveCached(w, r, keyNewToday+day.Format(dateLayout), newTodayTTL, func(ctx context.Context) (any, error) {
		people, err := s.deps.Store.NewPeopleSince(ctx, day)
		if err != nil {
			return nil, err
		}
		if people == nil {
			people = []storage.Person{}
		}
		return people, nil
	})
}

const recentShiftLimit = 30

type personDetail struct {
	storage.Person
	RecentShifts      []storage.Shift `json:"recent_shifts"`
	WorkDaysCount     int             `json:"work_days_count"`
	FavoriteTimeSlots []string        `json:"favorite_time_slots"`
}

// handlePerson returns a person with their latest shifts, newest first.
func (s *Server) handlePerson(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	s.serveCached(w, r, keyPersonDetail+raw, personDetailTTL, func(ctx context.Context) (any, error) {
		p, err := s.deps.Store.Person(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, httpError{status: http.StatusNotFound, msg: "person not found"}
		}
		if err != nil {
			return nil, err
		}
		all, err := s.deps.Store.ShiftsByPerson(ctx, id, "")
		if err != nil {
			return nil, err
		}
		recent := make([]storage.Shift, 0, min(len(all), recentShiftLimit))
		for i := len(all) - 1; i >= 0 && len(recent) < recentShiftLimit; i-- {
			recent = append(recent, all[i])
		}
		return personDetail{
			Person:            p,
			RecentShifts:      recent,
			WorkDaysCount:     len(recent),
			FavoriteTimeSlots: favoriteSlots(recent),
		}, nil
	})
}

// favoriteSlots ranks morning (<12h), afternoon (<17h) and evening starts by
// frequency; ties keep first-seen order.
func favoriteSlots(shifts []storage.Shift) []string {
	counts := map[string]int{}
	var order []string
	for _, sh := range shifts {
		h, err := strconv.Atoi(strings.SplitN(sh.StartTime, ":", 2)[0])
		if err != nil {
			continue
		}
		slot := "evening"
		switch {
		case h < 12:
			slot = "morning"
		case h < 17:
			slot = "afternoon"
		}
		if counts[slot] == 0 {
			order = append(order, slot)
		}
		counts[slot]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if order == nil {
		order = []string{}
	}
	return order
}
