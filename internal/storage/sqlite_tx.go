package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertPerson(ctx context.Context, p Person) (int64, error) {
	status := p.Status
	if status == "" {
		status = StatusNew
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO people(venue_id, name, photo_url, photo_source, status, first_seen, last_seen)
		 VALUES(?,?,?,?,?,?,?)`,
		p.VenueID, p.Name, nullStr(p.PhotoURL), nullStr(p.PhotoSource), string(status),
		p.FirstSeen.UnixMilli(), p.LastSeen.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) UpdatePerson(ctx context.Context, p Person) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE people SET photo_url = ?, photo_source = ?, status = ?, last_seen = ? WHERE id = ?`,
		nullStr(p.PhotoURL), nullStr(p.PhotoSource), string(p.Status), p.LastSeen.UnixMilli(), p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) SetPersonStatus(ctx context.Context, id int64, status PersonStatus) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE people SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (t *sqliteTx) PersonIDByName(ctx context.Context, venueID, name string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM people WHERE venue_id = ? AND name = ?`, venueID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *sqliteTx) UpsertShift(ctx context.Context, s Shift) error {
	shiftType := strings.TrimSpace(s.ShiftType)
	if shiftType == "" {
		shiftType = DefaultShiftType
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO shifts(venue_id, person_id, date, start_time, end_time, shift_type, notes, scraped_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(venue_id, person_id, date, start_time) DO UPDATE SET
		   end_time = excluded.end_time,
		   shift_type = excluded.shift_type,
		   notes = excluded.notes`,
		s.VenueID, s.PersonID, s.Date, s.StartTime, s.EndTime, shiftType, nullStr(s.Notes), s.ScrapedAt.UnixMilli())
	return err
}
