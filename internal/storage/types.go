package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("not found")
	ErrRunSealed  = errors.New("scrape run already sealed")
	ErrBadRunSeal = errors.New("scrape run must be sealed as success or failed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type PersonStatus string

const (
	StatusNew      PersonStatus = "new"
	StatusActive   PersonStatus = "active"
	StatusDeparted PersonStatus = "departed"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

const DefaultShiftType = "regular"

type Venue struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Area       string    `json:"area,omitempty"`
	OpenTime   string    `json:"open_time"`
	CloseTime  string    `json:"close_time"`
	ClosedDays []string  `json:"closed_days"`
	Active     bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type VenueSummary struct {
	Venue
	PeopleCount int `json:"people_count"`
}

// PeopleFilter narrows ListPeople. Zero fields match everything; Limit
// defaults to 50 and is capped at 200.
type PeopleFilter struct {
	VenueID string
	Status  PersonStatus
	Limit   int
	Offset  int
}

// Person is identified by (VenueID, Name). Empty PhotoURL means no photo.
type Person struct {
	ID          int64        `json:"id"`
	VenueID     string       `json:"venue_id"`
	Name        string       `json:"name"`
	PhotoURL    string       `json:"photo_url,omitempty"`
	PhotoSource string       `json:"-"`
	Status      PersonStatus `json:"status"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
}

// Shift is identified by (VenueID, PersonID, Date, StartTime).
// ScrapedAt is set on insert and drives retention.
type Shift struct {
	ID        int64     `json:"id"`
	VenueID   string    `json:"venue_id"`
	PersonID  int64     `json:"person_id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	ShiftType string    `json:"shift_type"`
	Notes     string    `json:"notes,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// ShiftView is a shift joined with its person and venue for read APIs.
type ShiftView struct {
	Shift
	PersonName  string `json:"person_name"`
	PersonPhoto string `json:"person_photo,omitempty"`
	VenueName   string `json:"venue_name"`
}

type ScrapeRun struct {
	ID          int64         `json:"id"`
	VenueID     string        `json:"venue_id"`
	VenueName   string        `json:"venue_name,omitempty"`
	Status      RunStatus     `json:"status"`
	PeopleFound int           `json:"people_found"`
	ShiftsFound int           `json:"shifts_found"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

type Stats struct {
	Venues         int `json:"total_venues"`
	People         int `json:"total_people"`
	Shifts         int `json:"total_shifts"`
	ActivePeople   int `json:"active_people"`
	NewPeopleToday int `json:"new_people_today"`
}

// Store is the persistence API used by the scrape pipeline and read APIs.
type Store interface {
	UpsertVenue(ctx context.Context, v Venue) error
	ListVenues(ctx context.Context) ([]Venue, error)
	// VenueSummaries lists venues with their count of new or active people.
	VenueSummaries(ctx context.Context) ([]VenueSummary, error)

	PeopleByVenue(ctx context.Context, venueID string) ([]Person, error)
	ListPeople(ctx context.Context, f PeopleFilter) ([]Person, error)
	Person(ctx context.Context, id int64) (Person, error)
	NewPeopleSince(ctx context.Context, since time.Time) ([]Person, error)

	ShiftsByDate(ctx context.Context, date, venueID string) ([]ShiftView, error)
	ShiftsByPerson(ctx context.Context, personID int64, fromDate string) ([]Shift, error)

	// InTx runs fn in a single transaction; any error rolls it back.
	InTx(ctx context.Context, fn func(Tx) error) error

	StartRun(ctx context.Context, venueID string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, run ScrapeRun) error
	RecentRuns(ctx context.Context, limit int) ([]ScrapeRun, error)

	DeleteRunsStartedBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteShiftsScrapedBefore(ctx context.Context, t time.Time) (int64, error)

	Stats(ctx context.Context, dayStart time.Time) (Stats, error)
	Close() error
}

// Tx is the write surface used during reconciliation.
type Tx interface {
	InsertPerson(ctx context.Context, p Person) (int64, error)
	// UpdatePerson writes photo, status and last-seen for an existing person.
	UpdatePerson(ctx context.Context, p Person) error
	SetPersonStatus(ctx context.Context, id int64, status PersonStatus) error
	PersonIDByName(ctx context.Context, venueID, name string) (int64, bool, error)
	// UpsertShift inserts or updates end time, type and notes by natural key.
	UpsertShift(ctx context.Context, s Shift) error
}
