// Package progress implements the small key/value checkpoint store
// (component C7): well-known JSON-shaped values keyed by name, readable
// by the (out of scope) operator UI and written by the orchestrators.
// Key names are preserved exactly as the design requires for UI
// compatibility.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brightfield/reconsync/pkg/ratelimit"
)

// Well-known keys, names preserved exactly for UI compatibility.
const (
	KeyBackfillProgress  = "backfill_progress"
	KeySyncStatus        = "sync_status"
	KeyImportCursor      = "mailerlite:import:cursor"
	KeyRateLimitStatus   = "mailerlite_rate_limit_status"
	KeyIncompleteBreakdown = "backfill_incomplete_breakdown"
)

// Phase enumerates the backfill orchestrator's state machine.
type Phase string

const (
	PhaseBuildCrosswalkFromA Phase = "phase1_crosswalk_from_a"
	PhaseAugmentFromB        Phase = "phase2_augment_from_b"
	PhaseCreateShadows       Phase = "phase3_create_shadows"
	PhaseCompleted           Phase = "completed"
)

// RunStatus is the coarse status of a long-running orchestrator.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// BackfillProgress is the shape persisted under KeyBackfillProgress.
type BackfillProgress struct {
	Phase             Phase     `json:"phase"`
	ClientOffset      int       `json:"clientOffset"`
	SubscriberCursor  string    `json:"subscriberCursor"`
	ShadowOffset      int       `json:"shadowOffset"`
	CrosswalkCreated  int       `json:"crosswalkCreated"`
	ShadowsCreated    int       `json:"shadowsCreated"`
	Errors            int       `json:"errors"`
	StartedAt         time.Time `json:"startedAt"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
	Status            RunStatus `json:"status"`
	ContinuationCount int       `json:"continuationCount"`
	Paused            bool      `json:"paused"`
}

// SyncStatus is the consolidated operator view under KeySyncStatus.
type SyncStatus struct {
	Backfill        BackfillSummary `json:"backfill"`
	FullSync        SyncSummary     `json:"fullSync"`
	IncrementalSync SyncSummary     `json:"incrementalSync"`
	LastSync        time.Time       `json:"lastSync"`
	Statistics      Statistics      `json:"statistics"`
}

// BackfillSummary is the backfill slice of SyncStatus.
type BackfillSummary struct {
	Status RunStatus `json:"status"`
	Paused bool      `json:"paused"`
}

// SyncSummary is a generic direction/run summary slice of SyncStatus.
type SyncSummary struct {
	RecordsProcessed  int       `json:"recordsProcessed"`
	ConflictsDetected int       `json:"conflictsDetected"`
	UpdatesApplied    int       `json:"updatesApplied"`
	Errors            int       `json:"errors"`
	Done              bool      `json:"done"`
	LastRunAt         time.Time `json:"lastRunAt"`
}

// Statistics rolls up cumulative counters for the operator dashboard.
type Statistics struct {
	TotalCrosswalkRows int `json:"totalCrosswalkRows"`
	TotalShadows       int `json:"totalShadows"`
	PendingConflicts   int `json:"pendingConflicts"`
}

// ImportCursor is the resume point for the B→A direction of C11.
type ImportCursor struct {
	Cursor           string    `json:"cursor"`
	RecordsProcessed int       `json:"recordsProcessed"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// IncompleteBreakdown is C13's aggregate classification summary.
type IncompleteBreakdown struct {
	Total           int                 `json:"total"`
	PerStatus       map[string]int      `json:"perStatus"`
	SampleEmails    map[string][]string `json:"sampleEmails"`
	Recommendations string              `json:"recommendations"`
}

var ErrNotFound = errors.New("progress: key not found")

// Store is the key/value checkpoint store contract.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

// SQLite backs Store with the sync_state table.
type SQLite struct {
	db *sql.DB
}

// New wraps a *sql.DB already migrated with the sync_state table.
func New(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("progress.Get(%s): %w", key, err)
	}
	return json.RawMessage(raw), nil
}

func (s *SQLite) Put(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("progress.Put(%s): marshal: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return fmt.Errorf("progress.Put(%s): %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("progress.Delete(%s): %w", key, err)
	}
	return nil
}

// GetBackfillProgress reads and unmarshals KeyBackfillProgress, or
// returns the zero value with ErrNotFound if absent.
func GetBackfillProgress(ctx context.Context, s Store) (BackfillProgress, error) {
	var out BackfillProgress
	raw, err := s.Get(ctx, KeyBackfillProgress)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal backfill_progress: %w", err)
	}
	return out, nil
}

// PutBackfillProgress writes KeyBackfillProgress.
func PutBackfillProgress(ctx context.Context, s Store, p BackfillProgress) error {
	return s.Put(ctx, KeyBackfillProgress, p)
}

// GetImportCursor reads KeyImportCursor.
func GetImportCursor(ctx context.Context, s Store) (ImportCursor, error) {
	var out ImportCursor
	raw, err := s.Get(ctx, KeyImportCursor)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal import cursor: %w", err)
	}
	return out, nil
}

// PutImportCursor writes KeyImportCursor.
func PutImportCursor(ctx context.Context, s Store, c ImportCursor) error {
	return s.Put(ctx, KeyImportCursor, c)
}

// DeleteImportCursor removes KeyImportCursor once a B→A stream ends.
func DeleteImportCursor(ctx context.Context, s Store) error {
	return s.Delete(ctx, KeyImportCursor)
}

// GetIncompleteBreakdown reads KeyIncompleteBreakdown.
func GetIncompleteBreakdown(ctx context.Context, s Store) (IncompleteBreakdown, error) {
	var out IncompleteBreakdown
	raw, err := s.Get(ctx, KeyIncompleteBreakdown)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal incomplete breakdown: %w", err)
	}
	return out, nil
}

// PutRateLimitSnapshot satisfies pkg/ratelimit.SnapshotWriter, writing
// KeyRateLimitStatus.
func (s *SQLite) PutRateLimitSnapshot(ctx context.Context, snap ratelimit.Snapshot) error {
	return s.Put(ctx, KeyRateLimitStatus, snap)
}
