// Package store opens and migrates the reference implementation of the
// store contract from the reconciliation design: a transactional
// key/row store with unique indexes on crosswalk.email, shadow.email
// and conflict(email, field, status), an append-only sync_log, and a
// sync_state key/value table. SQLite has no advisory-lock primitive;
// the per-email lock is the in-process registry in pkg/lock.
//
// The real store contract (§6 of the design) is an external
// collaborator — any transactional SQL store that can satisfy the
// schema below works. This package backs that contract with SQLite the
// same way the teacher's materialize/driver/sqlite package backs a
// driver contract with a concrete database/sql handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // register the "sqlite3" driver
	log "github.com/sirupsen/logrus"
)

// sqliteOpenMu serializes sql.Open/PingContext calls the same way the
// teacher's sqlite driver does — go-sqlite3 races badly on a freshly
// created database file otherwise.
var sqliteOpenMu sync.Mutex

const schema = `
CREATE TABLE IF NOT EXISTS crosswalk (
	email      TEXT PRIMARY KEY,
	a_id       TEXT,
	b_id       TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS crosswalk_a_id_idx ON crosswalk(a_id);
CREATE INDEX IF NOT EXISTS crosswalk_b_id_idx ON crosswalk(b_id);

CREATE TABLE IF NOT EXISTS shadow (
	email              TEXT PRIMARY KEY,
	snapshot           TEXT NOT NULL,
	validation_status  TEXT NOT NULL,
	data_quality       TEXT,
	last_validated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL,
	field          TEXT NOT NULL,
	a_value        TEXT,
	b_value        TEXT,
	detected_at    TEXT NOT NULL,
	status         TEXT NOT NULL,
	resolved_value TEXT,
	resolved_at    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS conflict_pending_idx
	ON conflict(email, field, status) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS sync_log (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	email       TEXT NOT NULL,
	field       TEXT,
	action      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	result      TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	dedupe_key  TEXT NOT NULL,
	error_type  TEXT,
	status_code INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS sync_log_dedupe_idx ON sync_log(dedupe_key);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS customer (
	a_id       TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	first_name TEXT,
	last_name  TEXT,
	phone      TEXT,
	city       TEXT,
	country    TEXT,
	updated_at TEXT NOT NULL
);
`

// Open opens (creating if necessary) a SQLite database at path and
// applies the reconciliation schema. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", path)
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	// The advisory-lock discipline (pkg/lock) and the per-email
	// serialization it provides only hold if writers don't also
	// interleave via SQLite's own connection pool; cap it at one to
	// make the single-process advisory lock authoritative.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	log.WithField("path", path).Info("reconciliation store ready")
	return db, nil
}
