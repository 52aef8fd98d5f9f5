// Package diagnostic implements the diagnostic scanner (component
// C13): for crosswalk rows that never got a shadow during backfill,
// classify each email by what B actually reports and aggregate a
// breakdown an operator can act on.
package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsf/jsondiff"
	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/syncerr"
)

// Category is one of the classification buckets a scanned email falls
// into.
type Category string

const (
	CategoryActive       Category = "active"
	CategoryUnsubscribed Category = "unsubscribed"
	CategoryBounced      Category = "bounced"
	CategorySpam         Category = "spam"
	CategoryJunk         Category = "junk"
	CategoryNotFound     Category = "not_found"
	CategoryRateLimited  Category = "rate_limited"
	CategoryError        Category = "error"
)

// maxSamples bounds how many example emails are kept per category in
// the persisted breakdown.
const maxSamples = 10

// DefaultBatchSize is how many crosswalk rows one Run call scans when
// the caller doesn't specify one.
const DefaultBatchSize = 100

// Classification is one scanned row's verdict, the per-email detail
// behind the aggregate Summary.
type Classification struct {
	Email    string   `json:"email"`
	Category Category `json:"category"`
}

// Result is what one Run invocation returns to its caller.
type Result struct {
	Batch           int
	Summary         progress.IncompleteBreakdown
	Results         []Classification
	Done            bool
	Recommendations string
}

// Orchestrator runs C13.
type Orchestrator struct {
	progress  progress.Store
	crosswalk crosswalk.Store
	a         astore.Store
	b         *bclient.Client

	defaultBatchSize int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDefaultBatchSize overrides DefaultBatchSize as the size Run uses
// when its caller doesn't specify one (batchSize <= 0).
func WithDefaultBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultBatchSize = n
		}
	}
}

func New(p progress.Store, cw crosswalk.Store, a astore.Store, b *bclient.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{progress: p, crosswalk: cw, a: a, b: b, defaultBatchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run scans up to batchSize crosswalk rows without shadows starting at
// offset, classifies each, and persists the aggregate breakdown to
// sync_state["backfill_incomplete_breakdown"].
func (o *Orchestrator) Run(ctx context.Context, batchSize, offset int) (Result, error) {
	if batchSize <= 0 {
		batchSize = o.defaultBatchSize
	}

	rows, err := o.crosswalk.PageWithoutShadow(ctx, offset, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("diagnostic.Run: %w", err)
	}

	breakdown := progress.IncompleteBreakdown{
		PerStatus:    map[string]int{},
		SampleEmails: map[string][]string{},
	}
	results := make([]Classification, 0, len(rows))

	for _, row := range rows {
		cat := o.classify(ctx, row)
		classifiedTotal.WithLabelValues(string(cat)).Inc()
		breakdown.Total++
		breakdown.PerStatus[string(cat)]++
		if len(breakdown.SampleEmails[string(cat)]) < maxSamples {
			breakdown.SampleEmails[string(cat)] = append(breakdown.SampleEmails[string(cat)], row.Email)
		}
		results = append(results, Classification{Email: row.Email, Category: cat})
	}

	breakdown.Recommendations = recommend(breakdown.PerStatus)

	if err := o.progress.Put(ctx, progress.KeyIncompleteBreakdown, breakdown); err != nil {
		return Result{}, fmt.Errorf("diagnostic.Run: persist breakdown: %w", err)
	}

	return Result{
		Batch:           len(rows),
		Summary:         breakdown,
		Results:         results,
		Done:            len(rows) < batchSize,
		Recommendations: breakdown.Recommendations,
	}, nil
}

// classify looks up row's subscriber on B (by id if known, else by
// email) and maps its status to a Category. Lookup failures and rate
// limiting are themselves categories, matching the design's intent
// that the scan never aborts on one bad record.
func (o *Orchestrator) classify(ctx context.Context, row crosswalk.Row) Category {
	var (
		sub bclient.Subscriber
		err error
	)
	if row.BID != nil {
		sub, err = o.b.GetByID(ctx, *row.BID)
	} else {
		sub, err = o.b.GetByEmail(ctx, row.Email)
	}

	switch {
	case err == nil:
		o.logFieldDrift(ctx, row, sub)
		return statusCategory(sub.Status)
	case errors.Is(err, bclient.NotFoundErr):
		return CategoryNotFound
	case syncerr.Is(err, syncerr.RateLimited):
		return CategoryRateLimited
	default:
		log.WithError(err).WithField("email", row.Email).Warn("diagnostic: classify lookup failed")
		return CategoryError
	}
}

func statusCategory(s bclient.Status) Category {
	switch s {
	case bclient.StatusActive, bclient.StatusUnconfirmed:
		return CategoryActive
	case bclient.StatusUnsubscribed:
		return CategoryUnsubscribed
	case bclient.StatusBounced:
		return CategoryBounced
	case bclient.StatusJunk:
		return CategoryJunk
	default:
		// B's taxonomy grows occasionally (spam-complaint statuses and
		// similar); anything not in the known set is bucketed here so
		// the breakdown stays exhaustive without failing closed.
		return CategorySpam
	}
}

// logFieldDrift diffs B's raw fields against the A row's fields, when
// an A row already exists for this email (common: phase 1 of backfill
// created it, but phase 3 never got to build a shadow). Debug-only;
// the breakdown itself stays a plain count, this is for an operator
// tailing logs during a scan.
func (o *Orchestrator) logFieldDrift(ctx context.Context, row crosswalk.Row, sub bclient.Subscriber) {
	if row.AID == nil {
		return
	}
	aRow, err := o.a.GetByEmail(ctx, row.Email)
	if err != nil {
		return
	}
	aJSON, err1 := json.Marshal(aRow.Fields)
	bJSON, err2 := json.Marshal(sub.Fields)
	if err1 != nil || err2 != nil {
		return
	}
	opts := jsondiff.DefaultConsoleOptions()
	diffType, diffText := jsondiff.Compare(aJSON, bJSON, &opts)
	if diffType == jsondiff.FullMatch {
		return
	}
	log.WithFields(log.Fields{"email": row.Email, "diff": diffText}).Debug("diagnostic: A/B field drift on shadowless pair")
}

func recommend(counts map[string]int) string {
	var out string
	if n := counts[string(CategoryUnsubscribed)]; n > 0 {
		out += fmt.Sprintf("%d unsubscribed - valid, should have shadows; run backfill phase 3 again. ", n)
	}
	if n := counts[string(CategoryBounced)]; n > 0 {
		out += fmt.Sprintf("%d bounced - valid, should have shadows. ", n)
	}
	if n := counts[string(CategoryJunk)] + counts[string(CategorySpam)]; n > 0 {
		out += fmt.Sprintf("%d junk/spam - consider excluding from future sync. ", n)
	}
	if n := counts[string(CategoryNotFound)]; n > 0 {
		out += fmt.Sprintf("%d not_found - remove crosswalk rows, re-run id-repair. ", n)
	}
	if n := counts[string(CategoryRateLimited)]; n > 0 {
		out += fmt.Sprintf("%d rate_limited - re-run scan later. ", n)
	}
	if n := counts[string(CategoryError)]; n > 0 {
		out += fmt.Sprintf("%d error - inspect logs for the affected emails. ", n)
	}
	if out == "" {
		out = "no incomplete records found"
	}
	return out
}
