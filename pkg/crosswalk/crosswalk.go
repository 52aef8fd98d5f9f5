// Package crosswalk implements the email identity map (component C3):
// email -> (a_id, b_id). Canonical lower-cased email is the key, and at
// most one row exists per email.
package crosswalk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Row is one crosswalk entry. AID/BID are independently nullable.
type Row struct {
	Email     string
	AID       *string
	BID       *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasBoth reports whether both ids are populated (a "pair").
func (r Row) HasBoth() bool { return r.AID != nil && r.BID != nil }

// Store is the crosswalk store contract.
type Store interface {
	// Get returns the row for email, or (Row{}, false, nil) if absent.
	Get(ctx context.Context, email string) (Row, bool, error)
	// EnsureRow creates an empty row for email if none exists; it never
	// overwrites an existing row.
	EnsureRow(ctx context.Context, email string) error
	// SetAId sets a_id for email, creating the row if needed. Passing
	// nil is only valid when repair=true (explicit downgrade).
	SetAId(ctx context.Context, email string, aID *string, repair bool) error
	// SetBId sets b_id for email, creating the row if needed. Passing
	// nil is only valid when repair=true (explicit downgrade, e.g. B
	// reporting "not found" for a previously-valid b_id).
	SetBId(ctx context.Context, email string, bID *string, repair bool) error
	// PageByMissingBId returns rows with a non-null a_id and a null
	// b_id, for the ID-repair orchestrator (C12).
	PageByMissingBId(ctx context.Context, offset, limit int) ([]Row, error)
	// PagePairs returns rows where both ids are populated, ordered by
	// email, for the backfill orchestrator (C10) Phase 3.
	PagePairs(ctx context.Context, offset, limit int) ([]Row, error)
	// PageWithoutShadow returns crosswalk rows that have no
	// corresponding shadow row, ordered by email, for the diagnostic
	// scanner (C13).
	PageWithoutShadow(ctx context.Context, offset, limit int) ([]Row, error)
	// CountWithAId counts rows with a non-null a_id.
	CountWithAId(ctx context.Context) (int, error)
	// CountPairs counts rows with both ids populated.
	CountPairs(ctx context.Context) (int, error)
}

var ErrDowngradeRequiresRepair = errors.New("crosswalk: nulling an existing id requires repair=true")

// SQLite backs Store with the crosswalk table.
type SQLite struct {
	db    *sql.DB
	cache *lru.Cache[string, Row]
}

// New wraps db. cacheSize bounds the in-process LRU fronting Get calls
// (the design sizes this to one orchestrator chunk, since C9 re-reads
// the same row on every retry within a chunk).
func New(db *sql.DB, cacheSize int) *SQLite {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	c, _ := lru.New[string, Row](cacheSize)
	return &SQLite{db: db, cache: c}
}

func (s *SQLite) Get(ctx context.Context, email string) (Row, bool, error) {
	if row, ok := s.cache.Get(email); ok {
		return row, true, nil
	}
	var r Row
	var aID, bID sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT email, a_id, b_id, created_at, updated_at FROM crosswalk WHERE email = ?`, email,
	).Scan(&r.Email, &aID, &bID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("crosswalk.Get(%s): %w", email, err)
	}
	if aID.Valid {
		r.AID = &aID.String
	}
	if bID.Valid {
		r.BID = &bID.String
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	s.cache.Add(email, r)
	return r, true, nil
}

func (s *SQLite) EnsureRow(ctx context.Context, email string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crosswalk (email, a_id, b_id, created_at, updated_at)
		VALUES (?, NULL, NULL, ?, ?)
		ON CONFLICT(email) DO NOTHING`, email, now, now)
	if err != nil {
		return fmt.Errorf("crosswalk.EnsureRow(%s): %w", email, err)
	}
	s.cache.Remove(email)
	return nil
}

func (s *SQLite) SetAId(ctx context.Context, email string, aID *string, repair bool) error {
	return s.setId(ctx, email, "a_id", aID, repair)
}

func (s *SQLite) SetBId(ctx context.Context, email string, bID *string, repair bool) error {
	return s.setId(ctx, email, "b_id", bID, repair)
}

func (s *SQLite) setId(ctx context.Context, email, column string, id *string, repair bool) error {
	if err := s.EnsureRow(ctx, email); err != nil {
		return err
	}
	if id == nil && !repair {
		existing, ok, err := s.Get(ctx, email)
		if err != nil {
			return err
		}
		var current *string
		if ok {
			if column == "a_id" {
				current = existing.AID
			} else {
				current = existing.BID
			}
		}
		if current != nil {
			return ErrDowngradeRequiresRepair
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`UPDATE crosswalk SET %s = ?, updated_at = ? WHERE email = ?`, column)
	if _, err := s.db.ExecContext(ctx, query, id, now, email); err != nil {
		return fmt.Errorf("crosswalk.setId(%s,%s): %w", email, column, err)
	}
	s.cache.Remove(email)
	return nil
}

func (s *SQLite) PageByMissingBId(ctx context.Context, offset, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, a_id, b_id, created_at, updated_at FROM crosswalk
		WHERE a_id IS NOT NULL AND b_id IS NULL
		ORDER BY email ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("crosswalk.PageByMissingBId: %w", err)
	}
	return scanRows(rows)
}

func (s *SQLite) PagePairs(ctx context.Context, offset, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, a_id, b_id, created_at, updated_at FROM crosswalk
		WHERE a_id IS NOT NULL AND b_id IS NOT NULL
		ORDER BY email ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("crosswalk.PagePairs: %w", err)
	}
	return scanRows(rows)
}

func (s *SQLite) PageWithoutShadow(ctx context.Context, offset, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.email, c.a_id, c.b_id, c.created_at, c.updated_at FROM crosswalk c
		WHERE NOT EXISTS (SELECT 1 FROM shadow s WHERE s.email = c.email)
		ORDER BY c.email ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("crosswalk.PageWithoutShadow: %w", err)
	}
	return scanRows(rows)
}

func (s *SQLite) CountWithAId(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk WHERE a_id IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("crosswalk.CountWithAId: %w", err)
	}
	return n, nil
}

func (s *SQLite) CountPairs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk WHERE a_id IS NOT NULL AND b_id IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("crosswalk.CountPairs: %w", err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var aID, bID sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&r.Email, &aID, &bID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("crosswalk.scanRows: %w", err)
		}
		if aID.Valid {
			r.AID = &aID.String
		}
		if bID.Valid {
			r.BID = &bID.String
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
