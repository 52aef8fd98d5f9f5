// Package conflict implements the append-only ledger of unresolved
// field conflicts (component C5): created when the kernel (pkg/kernel)
// emits ActionConflict, resolved manually by the (out of scope)
// operator UI via Resolve. Resolve updates only the ledger row: it does
// not write the resolved value to A, to B or to the shadow, and the
// executor has no path that does so.
package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsf/jsondiff"
)

// Status is the conflict row's resolution state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Row is one conflict ledger entry.
type Row struct {
	ID            string
	Email         string
	Field         string
	AValue        *string
	BValue        *string
	DetectedAt    time.Time
	Status        Status
	ResolvedValue *string
	ResolvedAt    *time.Time
}

var ErrAlreadyPending = errors.New("conflict: a pending conflict already exists for this (email, field)")

// Diff renders a human-readable structural diff of r's A and B values,
// for the operator UI's conflict review screen. Values are wrapped as
// single-key JSON objects so jsondiff's line-oriented output reads as
// a one-field diff rather than two bare scalars.
func (r Row) Diff() string {
	a, _ := json.Marshal(map[string]*string{r.Field: r.AValue})
	b, _ := json.Marshal(map[string]*string{r.Field: r.BValue})
	opts := jsondiff.DefaultConsoleOptions()
	_, text := jsondiff.Compare(a, b, &opts)
	return text
}

// Store is the conflict ledger contract.
type Store interface {
	// Create inserts a pending conflict. If one already exists for
	// (email, field, status=pending), Create is a no-op and returns
	// nil — this is the ledger-layer dedupe the design requires so
	// repeated sync calls before resolution don't grow the ledger.
	Create(ctx context.Context, email, field string, aValue, bValue *string) error
	// Resolve marks the pending conflict for (email, field) resolved
	// with resolvedValue, returning the resolved row.
	Resolve(ctx context.Context, email, field string, resolvedValue *string) (Row, error)
	// PendingFor returns the pending conflict for (email, field), if any.
	PendingFor(ctx context.Context, email, field string) (Row, bool, error)
	// CountPending returns the total number of pending conflicts.
	CountPending(ctx context.Context) (int, error)
}

// SQLite backs Store with the conflict table.
type SQLite struct{ db *sql.DB }

func New(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Create(ctx context.Context, email, field string, aValue, bValue *string) error {
	_, exists, err := s.PendingFor(ctx, email, field)
	if err != nil {
		return err
	}
	if exists {
		return nil // ledger-layer dedupe
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict (id, email, field, a_value, b_value, detected_at, status, resolved_value, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		uuid.NewString(), email, field, aValue, bValue,
		time.Now().UTC().Format(time.RFC3339Nano), string(StatusPending))
	if err != nil {
		return fmt.Errorf("conflict.Create(%s,%s): %w", email, field, err)
	}
	return nil
}

func (s *SQLite) Resolve(ctx context.Context, email, field string, resolvedValue *string) (Row, error) {
	row, ok, err := s.PendingFor(ctx, email, field)
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, fmt.Errorf("conflict.Resolve(%s,%s): no pending conflict", email, field)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE conflict SET status = ?, resolved_value = ?, resolved_at = ? WHERE id = ?`,
		string(StatusResolved), resolvedValue, now.Format(time.RFC3339Nano), row.ID)
	if err != nil {
		return Row{}, fmt.Errorf("conflict.Resolve(%s,%s): %w", email, field, err)
	}
	row.Status = StatusResolved
	row.ResolvedValue = resolvedValue
	row.ResolvedAt = &now
	return row, nil
}

func (s *SQLite) PendingFor(ctx context.Context, email, field string) (Row, bool, error) {
	var r Row
	var aValue, bValue, resolvedValue sql.NullString
	var detectedAt, status string
	var resolvedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, field, a_value, b_value, detected_at, status, resolved_value, resolved_at
		FROM conflict WHERE email = ? AND field = ? AND status = ?`,
		email, field, string(StatusPending),
	).Scan(&r.ID, &r.Email, &r.Field, &aValue, &bValue, &detectedAt, &status, &resolvedValue, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("conflict.PendingFor(%s,%s): %w", email, field, err)
	}
	if aValue.Valid {
		r.AValue = &aValue.String
	}
	if bValue.Valid {
		r.BValue = &bValue.String
	}
	r.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	r.Status = Status(status)
	return r, true, nil
}

func (s *SQLite) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict WHERE status = ?`, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("conflict.CountPending: %w", err)
	}
	return n, nil
}
