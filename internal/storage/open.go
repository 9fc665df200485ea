package storage

import (
	"errors"
	"strings"

	logx "shiftboard/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
