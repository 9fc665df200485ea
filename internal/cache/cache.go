// Package cache provides a small key/value store with per-key expiry.
//
// Values are opaque byte slices; callers marshal their own payloads. Keys
// matches shell-style globs ("venue_snapshot:*").
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrMiss = errors.New("cache miss")

type Store interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// GetJSON decodes a cached JSON value. ok is false on a miss.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetEx(ctx, key, b, ttl)
}

// Clear deletes every key matching pattern and returns how many were removed.
func Clear(ctx context.Context, s Store, pattern string) (int, error) {
	keys, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Open picks a backend by driver name.
func Open(driver string, db SQLDB) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		if db == nil {
			return nil, errors.New("cache: sqlite backend needs a database")
		}
		return NewSQLite(context.Background(), db)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("cache: unknown driver: " + driver)
	}
}
