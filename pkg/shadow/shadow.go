// Package shadow implements the last-synced joint snapshot store
// (component C4): the reference point the kernel (pkg/kernel) diffs
// current A and current B against.
package shadow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ValidationStatus classifies how complete a shadow's snapshot is.
type ValidationStatus string

const (
	StatusComplete   ValidationStatus = "complete"
	StatusIncomplete ValidationStatus = "incomplete"
)

// Metadata carries the provenance bits the design's snapshot shape
// specifies alongside the field maps.
type Metadata struct {
	HasA       bool      `json:"hasA"`
	HasB       bool      `json:"hasB"`
	IsComplete bool      `json:"isComplete"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Snapshot is the joint A/B view persisted per email. B is nil for
// placeholder shadows inserted by operator gap-fill.
type Snapshot struct {
	A        map[string]*string `json:"A"`
	B        map[string]*string `json:"B"`
	Metadata Metadata            `json:"metadata"`
}

// Row is one shadow entry.
type Row struct {
	Email            string
	Snapshot         Snapshot
	ValidationStatus ValidationStatus
	DataQuality      string
	LastValidatedAt  time.Time
}

var ErrNotFound = errors.New("shadow: not found")

// Store is the shadow store contract.
type Store interface {
	Get(ctx context.Context, email string) (Row, error)
	Upsert(ctx context.Context, row Row) error
	// UpsertMany writes rows in sub-batches of at most batchSize to
	// bound query size, as the backfill orchestrator (C10) requires.
	UpsertMany(ctx context.Context, rows []Row, batchSize int) error
	Count(ctx context.Context) (int, error)
}

// SQLite backs Store with the shadow table.
type SQLite struct{ db *sql.DB }

func New(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Get(ctx context.Context, email string) (Row, error) {
	var r Row
	var snapJSON, status string
	var quality sql.NullString
	var lastValidated string
	err := s.db.QueryRowContext(ctx, `
		SELECT email, snapshot, validation_status, data_quality, last_validated_at
		FROM shadow WHERE email = ?`, email,
	).Scan(&r.Email, &snapJSON, &status, &quality, &lastValidated)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("shadow.Get(%s): %w", email, err)
	}
	if err := json.Unmarshal([]byte(snapJSON), &r.Snapshot); err != nil {
		return Row{}, fmt.Errorf("shadow.Get(%s): unmarshal snapshot: %w", email, err)
	}
	r.ValidationStatus = ValidationStatus(status)
	r.DataQuality = quality.String
	r.LastValidatedAt, _ = time.Parse(time.RFC3339Nano, lastValidated)
	return r, nil
}

func (s *SQLite) Upsert(ctx context.Context, row Row) error {
	return s.upsertTx(ctx, s.db, row)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLite) upsertTx(ctx context.Context, ex execer, row Row) error {
	snapJSON, err := json.Marshal(row.Snapshot)
	if err != nil {
		return fmt.Errorf("shadow.Upsert(%s): marshal snapshot: %w", row.Email, err)
	}
	if row.LastValidatedAt.IsZero() {
		row.LastValidatedAt = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO shadow (email, snapshot, validation_status, data_quality, last_validated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			snapshot = excluded.snapshot,
			validation_status = excluded.validation_status,
			data_quality = excluded.data_quality,
			last_validated_at = excluded.last_validated_at`,
		row.Email, string(snapJSON), string(row.ValidationStatus), row.DataQuality,
		row.LastValidatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("shadow.Upsert(%s): %w", row.Email, err)
	}
	return nil
}

func (s *SQLite) UpsertMany(ctx context.Context, rows []Row, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("shadow.UpsertMany: begin: %w", err)
		}
		for _, row := range rows[start:end] {
			if err := s.upsertTx(ctx, tx, row); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("shadow.UpsertMany: commit: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shadow`).Scan(&n); err != nil {
		return 0, fmt.Errorf("shadow.Count: %w", err)
	}
	return n, nil
}

// AView and BView return the snapshot's A and B field maps in the
// kernel.View-compatible map shape. Kept in
// this package (rather than pkg/kernel) to avoid a dependency cycle:
// kernel stays dependency-free except for pkg/managedfield.
func (sn Snapshot) AView() map[string]*string { return sn.A }
func (sn Snapshot) BView() map[string]*string { return sn.B }
