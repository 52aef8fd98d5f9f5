// Package astore is the reference A-side store: the local relational
// system of record for customer rows. The design treats A as an
// external collaborator co-owned by the host application and the sync
// core (C9) — this package backs that contract with the same customer
// table store.Open migrates, scoped so C9 never touches a column
// outside the managed field set.
package astore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/brightfield/reconsync/pkg/managedfield"
)

// Row is one A-side customer record, restricted to identity plus the
// managed fields.
type Row struct {
	AID       string
	Email     string
	Fields    map[string]string // keyed by managedfield.Field.Name
	UpdatedAt time.Time
}

// View projects r into a kernel.View-compatible map (nil for any
// managed field absent or empty on this row).
func (r Row) View() map[string]*string {
	out := make(map[string]*string, len(managedfield.Registry))
	for _, f := range managedfield.Registry {
		if v, ok := r.Fields[f.Name]; ok && v != "" {
			val := v
			out[f.Name] = &val
		}
	}
	return out
}

var ErrNotFound = errors.New("astore: not found")

// Store is the A-side contract C9 depends on: lookup by email, create
// on import, and a single-column update keyed by email — never a
// blanket row overwrite, so sync can never clobber a field outside the
// managed set.
type Store interface {
	GetByEmail(ctx context.Context, email string) (Row, error)
	// Create inserts a new row from an import path (B->A), returning the
	// generated a_id.
	Create(ctx context.Context, email string, fields map[string]string) (Row, error)
	// UpdateField applies a single managed-field column update keyed by
	// email, read-modify-write discipline per the design's ownership
	// note: it never touches any column outside the managed set.
	UpdateField(ctx context.Context, email, field, value string) error
	// PageByEmail pages all customer rows ordered by email ascending, for
	// the A->B orchestrator loop (C11).
	PageByEmail(ctx context.Context, afterEmail string, limit int) ([]Row, error)
	Count(ctx context.Context) (int, error)
}

// SQLite backs Store with the customer table.
type SQLite struct{ db *sql.DB }

func New(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) GetByEmail(ctx context.Context, email string) (Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a_id, email, first_name, last_name, phone, city, country, updated_at
		FROM customer WHERE email = ?`, email)
	return scanRow(row)
}

func (s *SQLite) Create(ctx context.Context, email string, fields map[string]string) (Row, error) {
	aID := generateAID(email)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer (a_id, email, first_name, last_name, phone, city, country, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		aID, email, fields["first_name"], fields["last_name"], fields["phone"], fields["city"], fields["country"],
		now.Format(time.RFC3339Nano))
	if err != nil {
		return Row{}, fmt.Errorf("astore.Create(%s): %w", email, err)
	}
	return Row{AID: aID, Email: email, Fields: fields, UpdatedAt: now}, nil
}

func (s *SQLite) UpdateField(ctx context.Context, email, field, value string) error {
	mf, ok := managedfield.ByName(field)
	if !ok {
		return fmt.Errorf("astore.UpdateField(%s): unmanaged field %q", email, field)
	}
	query := fmt.Sprintf(`UPDATE customer SET %s = ?, updated_at = ? WHERE email = ?`, mf.AColumn)
	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC().Format(time.RFC3339Nano), email)
	if err != nil {
		return fmt.Errorf("astore.UpdateField(%s,%s): %w", email, field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("astore.UpdateField(%s,%s): %w", email, field, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) PageByEmail(ctx context.Context, afterEmail string, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a_id, email, first_name, last_name, phone, city, country, updated_at
		FROM customer WHERE email > ? ORDER BY email ASC LIMIT ?`, afterEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("astore.PageByEmail: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRowFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customer`).Scan(&n); err != nil {
		return 0, fmt.Errorf("astore.Count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row *sql.Row) (Row, error) {
	r, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return r, err
}

func scanRowFromRows(rows *sql.Rows) (Row, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (Row, error) {
	var r Row
	var firstName, lastName, phone, city, country sql.NullString
	var updatedAt string
	err := s.Scan(&r.AID, &r.Email, &firstName, &lastName, &phone, &city, &country, &updatedAt)
	if err != nil {
		return Row{}, err
	}
	r.Fields = map[string]string{
		"first_name": firstName.String,
		"last_name":  lastName.String,
		"phone":      phone.String,
		"city":       city.String,
		"country":    country.String,
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

// generateAID derives a stable-looking local id for a newly imported
// row. A real A-side store assigns its own primary key; this reference
// store has no sequence to borrow, so it derives one from the email so
// Create is deterministic under retry (re-running an import for the
// same email before the crosswalk catches up yields the same a_id
// instead of a duplicate).
func generateAID(email string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(email))
	return fmt.Sprintf("a_%x", h.Sum64())
}
