package cache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SQLDB is the subset of *sql.DB the SQLite backend uses.
type SQLDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const cacheSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);`

// SQLite keeps entries in a table next to the application data.
type SQLite struct {
	db  SQLDB
	now func() time.Time
}

func NewSQLite(ctx context.Context, db SQLDB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (c *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		v   []byte
		exp int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	if exp != 0 && c.now().UnixMilli() >= exp {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, exp)
		return nil, ErrMiss
	}
	return v, nil
}

func (c *SQLite) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = c.now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, exp)
	return err
}

func (c *SQLite) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `DELETE FROM cache_entries WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	_, err := c.db.ExecContext(ctx, q, args...)
	return err
}

// Keys uses SQLite GLOB, which has the same shell-style syntax as Memory.Keys.
func (c *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	now := c.now().UnixMilli()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT key FROM cache_entries WHERE key GLOB ? ORDER BY key`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
