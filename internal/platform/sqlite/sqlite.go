// Package sqlite opens the embedded single-file store used when STORE_DRIVER
// is "sqlite". It carries the same tables and the same partial unique index
// as the Postgres migrations.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	study_id   TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	conditions TEXT NOT NULL DEFAULT '',
	phase      TEXT NOT NULL DEFAULT '',
	sex        TEXT NOT NULL DEFAULT 'all'
);

CREATE TABLE IF NOT EXISTS sites (
	id          TEXT PRIMARY KEY,
	study_id    TEXT NOT NULL REFERENCES studies(study_id),
	facility    TEXT,
	city        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	postal_code TEXT,
	latitude    REAL,
	longitude   REAL,
	status      TEXT NOT NULL DEFAULT 'unknown'
);

CREATE INDEX IF NOT EXISTS idx_sites_study ON sites(study_id);
CREATE INDEX IF NOT EXISTS idx_sites_coords ON sites(latitude, longitude);

CREATE TABLE IF NOT EXISTS claims (
	id           TEXT PRIMARY KEY,
	study_id     TEXT NOT NULL,
	location_key TEXT NOT NULL,
	site_id      TEXT,
	owner_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_study ON claims(study_id);
CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_claims_active_location
	ON claims(study_id, location_key)
	WHERE status IN ('pending_verification', 'approved');
`

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
