package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "shiftboard/pkg/logx"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "shiftboard.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedVenue(t *testing.T, st *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, st.UpsertVenue(context.Background(), Venue{
		ID: id, Name: "Venue " + id, URL: "https://example.com/" + id,
		OpenTime: "11:00", CloseTime: "22:00", Active: true,
	}))
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestUpsertVenueUpdatesInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	seedVenue(t, st, "a")
	require.NoError(t, st.UpsertVenue(ctx, Venue{
		ID: "a", Name: "Renamed", URL: "https://example.com/a", Area: "north",
		OpenTime: "12:00", CloseTime: "23:00", ClosedDays: []string{"monday"}, Active: true,
	}))

	vs, err := st.ListVenues(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, "Renamed", vs[0].Name)
	require.Equal(t, "north", vs[0].Area)
	require.Equal(t, []string{"monday"}, vs[0].ClosedDays)
}

func TestPeopleAndShiftsInTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")

	now := time.Now()
	var personID int64
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		id, err := tx.InsertPerson(ctx, Person{VenueID: "a", Name: "Mika", PhotoURL: "/images/m.jpg", FirstSeen: now, LastSeen: now})
		if err != nil {
			return err
		}
		personID = id
		return tx.UpsertShift(ctx, Shift{VenueID: "a", PersonID: id, Date: "2024-05-01", StartTime: "11:00", EndTime: "18:00", ScrapedAt: now})
	}))

	p, err := st.Person(ctx, personID)
	require.NoError(t, err)
	require.Equal(t, StatusNew, p.Status)
	require.Equal(t, "/images/m.jpg", p.PhotoURL)

	// Same natural key: end time changes, no new row.
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.UpsertShift(ctx, Shift{VenueID: "a", PersonID: personID, Date: "2024-05-01", StartTime: "11:00", EndTime: "20:00", ScrapedAt: now.Add(time.Hour)})
	}))

	views, err := st.ShiftsByDate(ctx, "2024-05-01", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "20:00", views[0].EndTime)
	require.Equal(t, DefaultShiftType, views[0].ShiftType)
	require.Equal(t, "Mika", views[0].PersonName)
	require.Equal(t, "Venue a", views[0].VenueName)
	require.Equal(t, now.UnixMilli(), views[0].ScrapedAt.UnixMilli())

	byPerson, err := st.ShiftsByPerson(ctx, personID, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, byPerson, 1)

	none, err := st.ShiftsByDate(ctx, "2024-05-01", "other")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx Tx) error {
		now := time.Now()
		if _, err := tx.InsertPerson(ctx, Person{VenueID: "a", Name: "Rin", FirstSeen: now, LastSeen: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	people, err := st.PeopleByVenue(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, people)
}

func TestPersonIDByNameAndUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")

	now := time.Now()
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		id, err := tx.InsertPerson(ctx, Person{VenueID: "a", Name: "Yui", FirstSeen: now, LastSeen: now})
		if err != nil {
			return err
		}
		got, ok, err := tx.PersonIDByName(ctx, "a", "Yui")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, got)

		_, ok, err = tx.PersonIDByName(ctx, "a", "Nobody")
		require.NoError(t, err)
		require.False(t, ok)

		if err := tx.SetPersonStatus(ctx, id, StatusDeparted); err != nil {
			return err
		}
		return tx.UpdatePerson(ctx, Person{ID: id, Status: StatusActive, LastSeen: now.Add(time.Minute)})
	}))

	people, err := st.PeopleByVenue(ctx, "a")
	require.NoError(t, err)
	require.Len(t, people, 1)
	require.Equal(t, StatusActive, people[0].Status)

	err = st.InTx(ctx, func(tx Tx) error {
		return tx.UpdatePerson(ctx, Person{ID: 9999, Status: StatusActive, LastSeen: now})
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.Person(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunSealedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")

	id, err := st.StartRun(ctx, "a", time.Now())
	require.NoError(t, err)

	require.ErrorIs(t, st.FinishRun(ctx, ScrapeRun{ID: id, Status: RunRunning}), ErrBadRunSeal)
	require.NoError(t, st.FinishRun(ctx, ScrapeRun{ID: id, Status: RunSuccess, PeopleFound: 3, ShiftsFound: 7, Duration: 1500 * time.Millisecond}))
	require.ErrorIs(t, st.FinishRun(ctx, ScrapeRun{ID: id, Status: RunFailed, Error: "late"}), ErrRunSealed)

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSuccess, runs[0].Status)
	require.Equal(t, 3, runs[0].PeopleFound)
	require.Equal(t, 7, runs[0].ShiftsFound)
	require.Equal(t, "Venue a", runs[0].VenueName)
	require.Equal(t, 1500*time.Millisecond, runs[0].Duration)
	require.False(t, runs[0].CompletedAt.IsZero())
}

func TestRetentionAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")

	now := time.Now()
	old := now.Add(-100 * 24 * time.Hour)

	_, err := st.StartRun(ctx, "a", old)
	require.NoError(t, err)
	_, err = st.StartRun(ctx, "a", now)
	require.NoError(t, err)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		id, err := tx.InsertPerson(ctx, Person{VenueID: "a", Name: "Ao", FirstSeen: now, LastSeen: now})
		if err != nil {
			return err
		}
		if err := tx.UpsertShift(ctx, Shift{VenueID: "a", PersonID: id, Date: "2024-01-01", StartTime: "11:00", EndTime: "22:00", ScrapedAt: old}); err != nil {
			return err
		}
		return tx.UpsertShift(ctx, Shift{VenueID: "a", PersonID: id, Date: "2024-04-01", StartTime: "11:00", EndTime: "22:00", ScrapedAt: now})
	}))

	n, err := st.DeleteRunsStartedBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = st.DeleteShiftsScrapedBefore(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats, err := st.Stats(ctx, dayStart)
	require.NoError(t, err)
	require.Equal(t, Stats{Venues: 1, People: 1, Shifts: 1, ActivePeople: 0, NewPeopleToday: 1}, stats)

	fresh, err := st.NewPeopleSince(ctx, dayStart)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
}

func TestVenueSummariesAndListPeople(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedVenue(t, st, "a")
	seedVenue(t, st, "b")

	now := time.Now()
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		for _, p := range []Person{
			{VenueID: "a", Name: "Aoi", Status: StatusActive},
			{VenueID: "a", Name: "Beni", Status: StatusNew},
			{VenueID: "a", Name: "Chika", Status: StatusDeparted},
			{VenueID: "b", Name: "Dai", Status: StatusActive},
		} {
			p.FirstSeen, p.LastSeen = now, now
			if _, err := tx.InsertPerson(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))

	sums, err := st.VenueSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	require.Equal(t, "a", sums[0].ID)
	require.Equal(t, 2, sums[0].PeopleCount)
	require.Equal(t, 1, sums[1].PeopleCount)

	all, err := st.ListPeople(ctx, PeopleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	departed, err := st.ListPeople(ctx, PeopleFilter{VenueID: "a", Status: StatusDeparted})
	require.NoError(t, err)
	require.Len(t, departed, 1)
	require.Equal(t, "Chika", departed[0].Name)

	page, err := st.ListPeople(ctx, PeopleFilter{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
}
