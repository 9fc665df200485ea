// Package scrape holds the candidate types and error taxonomy shared by the
// fetch, extract, reconcile and orchestrator stages.
package scrape

import (
	"errors"
	"fmt"
	"time"
)

// PersonCandidate is a person as read from a page, before reconciliation.
type PersonCandidate struct {
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// ShiftCandidate references its person by name; the reconciler resolves ids.
type ShiftCandidate struct {
	PersonName string `json:"person_name"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	ShiftType  string `json:"shift_type"`
}

// Counts is what a venue run reports.
type Counts struct {
	People int `json:"people_found"`
	Shifts int `json:"shifts_found"`
}

// Snapshot is the last good extraction of a venue, kept in cache as a fallback.
type Snapshot struct {
	People    []PersonCandidate `json:"people"`
	Shifts    []ShiftCandidate  `json:"shifts"`
	ScrapedAt time.Time         `json:"scraped_at"`
}

// SnapshotKey is the cache key for a venue snapshot.
func SnapshotKey(venueID string) string { return "venue_snapshot:" + venueID }

var ErrNoMatchingVenues = errors.New("no configured venues match the requested ids")

// FetchError reports a navigation, HTTP status, timeout or capture failure.
type FetchError struct {
	VenueID string
	URL     string
	Status  int64
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status >= 400 {
		return fmt.Sprintf("fetch %s (%s): http status %d", e.VenueID, e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.VenueID, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReconcileError reports a persistence failure; the venue's writes were rolled back.
type ReconcileError struct {
	VenueID string
	Op      string
	Err     error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: %s: %v", e.VenueID, e.Op, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }
