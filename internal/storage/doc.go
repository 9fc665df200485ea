// Package storage is the persistence layer for venues, people, shifts and
// scrape runs.
//
// SQLite (modernc.org/sqlite, pure Go) is the only driver. The schema lives
// in migrations.sql and is applied idempotently at open.
package storage
