// Package synclog implements the append-only per-field event log
// (component C6): one row per reconciliation action, keyed for
// idempotent retries by a dedupe key.
package synclog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of event recorded.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionSkip      Action = "skip"
	ActionFillEmpty Action = "fill_empty"
	ActionConflict  Action = "conflict"
)

// Direction mirrors pkg/kernel.Direction, duplicated here (rather than
// imported) so the log's vocabulary stays stable even if the kernel's
// internal Direction type changes shape.
type Direction string

const (
	DirAtoB Direction = "A->B"
	DirBtoA Direction = "B->A"
	DirBoth Direction = "BOTH"
	DirNone Direction = "none"
)

// Result is the outcome of the logged action.
type Result string

const (
	ResultApplied  Result = "applied"
	ResultSkipped  Result = "skipped"
	ResultConflict Result = "conflict"
	ResultError    Result = "error"
)

// Entry is one sync-log row.
type Entry struct {
	ID         string
	CreatedAt  time.Time
	Email      string
	Field      string // optional
	Action     Action
	Direction  Direction
	Result     Result
	OldValue   *string
	NewValue   *string
	DedupeKey  string
	ErrorType  string // optional
	StatusCode int    // optional, 0 if not applicable
}

// monotonic is a process-wide counter guaranteeing dedupe-key
// uniqueness even when two log inserts land in the same nanosecond
// (observed on fast test machines).
var monotonic int64

// DedupeKey builds "{source}-{email}-{monotonic}" as specified.
func DedupeKey(source, email string) string {
	n := atomic.AddInt64(&monotonic, 1)
	return fmt.Sprintf("%s-%s-%d", source, email, time.Now().UnixNano()+n)
}

// Store is the sync-log contract: append-only, with dedupe-on-insert.
type Store interface {
	// Append inserts e. If e.DedupeKey collides with an existing row
	// (a StoreConflict per the design's error taxonomy — an idempotent
	// retry producing the same event), Append swallows the conflict
	// and returns nil.
	Append(ctx context.Context, e Entry) error
}

// SQLite backs Store with the sync_log table.
type SQLite struct{ db *sql.DB }

func New(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, created_at, email, field, action, direction, result, old_value, new_value, dedupe_key, error_type, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.Format(time.RFC3339Nano), e.Email, nullableString(e.Field),
		string(e.Action), string(e.Direction), string(e.Result),
		e.OldValue, e.NewValue, e.DedupeKey, nullableString(e.ErrorType), nullableInt(e.StatusCode))
	if err != nil {
		if isUniqueViolation(err) {
			return nil // StoreConflict on dedupe key: retry produced the same event.
		}
		return fmt.Errorf("synclog.Append(%s): %w", e.Email, err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
