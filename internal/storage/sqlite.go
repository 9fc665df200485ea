package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "shiftboard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*SQLiteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLiteStore{db: db, log: log}

	// Basic pragmas.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// DB exposes the underlying handle so sibling components (the cache) can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- venues ----

func (s *SQLiteStore) UpsertVenue(ctx context.Context, v Venue) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	days := v.ClosedDays
	if days == nil {
		days = []string{}
	}
	daysJSON, err := json.Marshal(days)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO venues(id, name, url, area, open_time, close_time, closed_days, is_active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, url=excluded.url, area=excluded.area,
		   open_time=excluded.open_time, close_time=excluded.close_time,
		   closed_days=excluded.closed_days, is_active=excluded.is_active,
		   updated_at=excluded.updated_at`,
		v.ID, v.Name, v.URL, nullStr(v.Area), v.OpenTime, v.CloseTime, string(daysJSON), v.Active,
		now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListVenues(ctx context.Context) ([]Venue, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	sums, err := s.VenueSummaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Venue, 0, len(sums))
	for _, v := range sums {
		out = append(out, v.Venue)
	}
	return out, nil
}

func (s *SQLiteStore) VenueSummaries(ctx context.Context) ([]VenueSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.name, v.url, v.area, v.open_time, v.close_time, v.closed_days, v.is_active, v.created_at, v.updated_at,
		        (SELECT COUNT(*) FROM people p WHERE p.venue_id = v.id AND p.status IN (?, ?))
		 FROM venues v ORDER BY v.name, v.id`,
		string(StatusNew), string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VenueSummary
	for rows.Next() {
		var (
			v       VenueSummary
			area    sql.NullString
			days    string
			created int64
			updated int64
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.URL, &area, &v.OpenTime, &v.CloseTime, &days, &v.Active, &created, &updated, &v.PeopleCount); err != nil {
			return nil, err
		}
		v.Area = area.String
		if err := json.Unmarshal([]byte(days), &v.ClosedDays); err != nil {
			v.ClosedDays = nil
		}
		v.CreatedAt = time.UnixMilli(created)
		v.UpdatedAt = time.UnixMilli(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- people ----

const personColumns = `id, venue_id, name, photo_url, photo_source, status, first_seen, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(r rowScanner) (Person, error) {
	var (
		p      Person
		photo  sql.NullString
		source sql.NullString
		status string
		first  int64
		last   int64
	)
	if err := r.Scan(&p.ID, &p.VenueID, &p.Name, &photo, &source, &status, &first, &last); err != nil {
		return Person{}, err
	}
	p.PhotoURL = photo.String
	p.PhotoSource = source.String
	p.Status = PersonStatus(status)
	p.FirstSeen = time.UnixMilli(first)
	p.LastSeen = time.UnixMilli(last)
	return p, nil
}

func (s *SQLiteStore) queryPeople(ctx context.Context, query string, args ...any) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PeopleByVenue(ctx context.Context, venueID string) ([]Person, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryPeople(ctx,
		`SELECT `+personColumns+` FROM people WHERE venue_id = ? ORDER BY name`, venueID)
}

func (s *SQLiteStore) ListPeople(ctx context.Context, f PeopleFilter) ([]Person, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	q := `SELECT ` + personColumns + ` FROM people WHERE 1=1`
	var args []any
	if v := strings.TrimSpace(f.VenueID); v != "" {
		q += ` AND venue_id = ?`
		args = append(args, v)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY last_seen DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))
	return s.queryPeople(ctx, q, args...)
}

func (s *SQLiteStore) Person(ctx context.Context, id int64) (Person, error) {
	if s == nil || s.db == nil {
		return Person{}, ErrDisabled
	}
	p, err := scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM people WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Person{}, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) NewPeopleSince(ctx context.Context, since time.Time) ([]Person, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryPeople(ctx,
		`SELECT `+personColumns+` FROM people WHERE status = ? AND first_seen >= ? ORDER BY first_seen DESC`,
		string(StatusNew), since.UnixMilli())
}

// ---- shifts ----

func (s *SQLiteStore) ShiftsByDate(ctx context.Context, date, venueID string) ([]ShiftView, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT sh.id, sh.venue_id, sh.person_id, sh.date, sh.start_time, sh.end_time, sh.shift_type, sh.notes, sh.scraped_at,
	             p.name, p.photo_url, v.name
	      FROM shifts sh
	      JOIN people p ON p.id = sh.person_id
	      JOIN venues v ON v.id = sh.venue_id
	      WHERE sh.date = ?`
	args := []any{date}
	if strings.TrimSpace(venueID) != "" {
		q += ` AND sh.venue_id = ?`
		args = append(args, venueID)
	}
	q += ` ORDER BY sh.start_time, p.name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShiftView
	for rows.Next() {
		var (
			v       ShiftView
			notes   sql.NullString
			scraped int64
			photo   sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.VenueID, &v.PersonID, &v.Date, &v.StartTime, &v.EndTime, &v.ShiftType, &notes, &scraped,
			&v.PersonName, &photo, &v.VenueName); err != nil {
			return nil, err
		}
		v.Notes = notes.String
		v.ScrapedAt = time.UnixMilli(scraped)
		v.PersonPhoto = photo.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ShiftsByPerson(ctx context.Context, personID int64, fromDate string) ([]Shift, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, venue_id, person_id, date, start_time, end_time, shift_type, notes, scraped_at
		 FROM shifts WHERE person_id = ? AND date >= ? ORDER BY date, start_time`,
		personID, fromDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shift
	for rows.Next() {
		var (
			sh      Shift
			notes   sql.NullString
			scraped int64
		)
		if err := rows.Scan(&sh.ID, &sh.VenueID, &sh.PersonID, &sh.Date, &sh.StartTime, &sh.EndTime, &sh.ShiftType, &notes, &scraped); err != nil {
			return nil, err
		}
		sh.Notes = notes.String
		sh.ScrapedAt = time.UnixMilli(scraped)
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ---- transactions ----

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- scrape runs ----

func (s *SQLiteStore) StartRun(ctx context.Context, venueID string, startedAt time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_runs(venue_id, status, started_at) VALUES(?,?,?)`,
		venueID, string(RunRunning), startedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun seals a running run. A run can only be sealed once.
func (s *SQLiteStore) FinishRun(ctx context.Context, run ScrapeRun) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if run.Status != RunSuccess && run.Status != RunFailed {
		return ErrBadRunSeal
	}
	completed := run.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_runs
		 SET status = ?, people_found = ?, shifts_found = ?, error = ?, duration_ms = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(run.Status), run.PeopleFound, run.ShiftsFound, nullStr(run.Error), run.Duration.Milliseconds(),
		completed.UnixMilli(), run.ID, string(RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunSealed
	}
	return nil
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]ScrapeRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.venue_id, v.name, r.status, r.people_found, r.shifts_found, r.error, r.duration_ms, r.started_at, r.completed_at
		 FROM scrape_runs r LEFT JOIN venues v ON v.id = r.venue_id
		 ORDER BY r.started_at DESC, r.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScrapeRun
	for rows.Next() {
		var (
			r         ScrapeRun
			name      sql.NullString
			status    string
			errText   sql.NullString
			durMS     int64
			started   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.VenueID, &name, &status, &r.PeopleFound, &r.ShiftsFound, &errText, &durMS, &started, &completed); err != nil {
			return nil, err
		}
		r.VenueName = name.String
		r.Status = RunStatus(status)
		r.Error = errText.String
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.StartedAt = time.UnixMilli(started)
		if completed.Valid {
			r.CompletedAt = time.UnixMilli(completed.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- retention ----

func (s *SQLiteStore) DeleteRunsStartedBefore(ctx context.Context, t time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrape_runs WHERE started_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteShiftsScrapedBefore(ctx context.Context, t time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM shifts WHERE scraped_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- stats ----

func (s *SQLiteStore) Stats(ctx context.Context, dayStart time.Time) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrDisabled
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM venues WHERE is_active = 1),
		   (SELECT COUNT(*) FROM people),
		   (SELECT COUNT(*) FROM shifts),
		   (SELECT COUNT(*) FROM people WHERE status = ?),
		   (SELECT COUNT(*) FROM people WHERE status = ? AND first_seen >= ?)`,
		string(StatusActive), string(StatusNew), dayStart.UnixMilli(),
	).Scan(&st.Venues, &st.People, &st.Shifts, &st.ActivePeople, &st.NewPeopleToday)
	return st, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
