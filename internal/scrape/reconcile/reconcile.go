// Package reconcile merges extracted candidates into persisted state.
//
// Person lifecycle per venue:
//
//	(absent) -> new        first sighting
//	new|active -> departed  missing from a run
//	departed -> active      seen again
//
// A reappearing person never returns to new.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"shiftboard/internal/imagestore"
	"shiftboard/internal/scrape"
	"shiftboard/internal/storage"
	logx "shiftboard/pkg/logx"
)

// Reconciler is safe for concurrent use across venues. Callers serialize runs
// for the same venue.
type Reconciler struct {
	store  storage.Store
	images imagestore.Uploader
	log    logx.Logger
	now    func() time.Time
}

func New(store storage.Store, images imagestore.Uploader, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		store:  store,
		images: images,
		log:    log.With(logx.Comp("reconcile")),
		now:    time.Now,
	}
}

type personPlan struct {
	cand     scrape.PersonCandidate
	existing *storage.Person
	photoURL string

	// photoSource is set only when photoURL is a rehosted copy, so a failed
	// upload is retried on the next run.
	photoSource string
}

// Reconcile applies one venue's candidates. All writes happen in a single
// transaction; on a persistence failure nothing is kept and a
// *scrape.ReconcileError is returned.
func (r *Reconciler) Reconcile(ctx context.Context, venueID string, people []scrape.PersonCandidate, shifts []scrape.ShiftCandidate) (scrape.Counts, error) {
	existing, err := r.store.PeopleByVenue(ctx, venueID)
	if err != nil {
		return scrape.Counts{}, &scrape.ReconcileError{VenueID: venueID, Op: "load people", Err: err}
	}
	byName := make(map[string]*storage.Person, len(existing))
	for i := range existing {
		byName[existing[i].Name] = &existing[i]
	}

	plans := r.planPeople(ctx, venueID, dedupe(people), byName)
	now := r.now()

	var counts scrape.Counts
	err = r.store.InTx(ctx, func(tx storage.Tx) error {
		ids := make(map[string]int64, len(plans))
		for _, p := range plans {
			id, err := r.applyPerson(ctx, tx, venueID, p, now)
			if err != nil {
				return err
			}
			ids[p.cand.Name] = id
		}

		for _, prev := range existing {
			if _, seen := ids[prev.Name]; seen || prev.Status == storage.StatusDeparted {
				continue
			}
			if err := tx.SetPersonStatus(ctx, prev.ID, storage.StatusDeparted); err != nil {
				return opErr("mark departed", err)
			}
			r.log.Info("person departed", logx.String("venue", venueID), logx.String("name", prev.Name))
		}

		upserted := 0
		for _, s := range shifts {
			name := strings.TrimSpace(s.PersonName)
			id, ok := ids[name]
			if !ok {
				var err error
				id, ok, err = tx.PersonIDByName(ctx, venueID, name)
				if err != nil {
					return opErr("resolve person", err)
				}
			}
			if !ok {
				r.log.Debug("shift skipped, unknown person", logx.String("venue", venueID), logx.String("name", name))
				continue
			}
			shiftType := s.ShiftType
			if shiftType == "" {
				shiftType = storage.DefaultShiftType
			}
			if err := tx.UpsertShift(ctx, storage.Shift{
				VenueID:   venueID,
				PersonID:  id,
				Date:      s.Date,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				ShiftType: shiftType,
				ScrapedAt: now,
			}); err != nil {
				return opErr("upsert shift", err)
			}
			upserted++
		}

		counts = scrape.Counts{People: len(plans), Shifts: upserted}
		return nil
	})
	if err != nil {
		var re *scrape.ReconcileError
		if errors.As(err, &re) {
			re.VenueID = venueID
			return scrape.Counts{}, re
		}
		return scrape.Counts{}, &scrape.ReconcileError{VenueID: venueID, Op: "transaction", Err: err}
	}
	return counts, nil
}

// planPeople decides each person's photo URL. Uploads happen before the
// transaction opens.
func (r *Reconciler) planPeople(ctx context.Context, venueID string, people []scrape.PersonCandidate, byName map[string]*storage.Person) []personPlan {
	plans := make([]personPlan, 0, len(people))
	for _, c := range people {
		p := personPlan{cand: c, existing: byName[c.Name]}
		switch {
		case c.PhotoURL == "":
		case p.existing != nil && p.existing.PhotoSource == c.PhotoURL && p.existing.PhotoURL != "":
			p.photoURL, p.photoSource = p.existing.PhotoURL, p.existing.PhotoSource
		default:
			p.photoURL, p.photoSource = r.rehost(ctx, venueID, c)
		}
		plans = append(plans, p)
	}
	return plans
}

// rehost returns the URL to store and, on success, the source it came from.
func (r *Reconciler) rehost(ctx context.Context, venueID string, c scrape.PersonCandidate) (string, string) {
	if r.images == nil {
		return c.PhotoURL, ""
	}
	if u := r.images.Upload(ctx, c.PhotoURL, venueID+"_"+c.Name); u != "" {
		return u, c.PhotoURL
	}
	r.log.Warn("photo rehost failed, keeping source url", logx.String("venue", venueID), logx.String("name", c.Name))
	return c.PhotoURL, ""
}

func (r *Reconciler) applyPerson(ctx context.Context, tx storage.Tx, venueID string, p personPlan, now time.Time) (int64, error) {
	if p.existing == nil {
		id, err := tx.InsertPerson(ctx, storage.Person{
			VenueID:     venueID,
			Name:        p.cand.Name,
			PhotoURL:    p.photoURL,
			PhotoSource: p.photoSource,
			Status:      storage.StatusNew,
			FirstSeen:   now,
			LastSeen:    now,
		})
		if err != nil {
			return 0, opErr("insert person", err)
		}
		return id, nil
	}

	upd := *p.existing
	upd.LastSeen = now
	if p.photoURL != "" {
		upd.PhotoURL = p.photoURL
		upd.PhotoSource = p.photoSource
	}
	if upd.Status == storage.StatusDeparted {
		upd.Status = storage.StatusActive
		r.log.Info("person returned", logx.String("venue", venueID), logx.String("name", upd.Name))
	}
	if err := tx.UpdatePerson(ctx, upd); err != nil {
		return 0, opErr("update person", err)
	}
	return upd.ID, nil
}

// dedupe keeps the first occurrence of each name; a later non-empty photo fills
// a missing one.
func dedupe(in []scrape.PersonCandidate) []scrape.PersonCandidate {
	out := make([]scrape.PersonCandidate, 0, len(in))
	idx := make(map[string]int, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if i, ok := idx[c.Name]; ok {
			if out[i].PhotoURL == "" {
				out[i].PhotoURL = c.PhotoURL
			}
			continue
		}
		idx[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

func opErr(op string, err error) error {
	return &scrape.ReconcileError{Op: op, Err: err}
}
