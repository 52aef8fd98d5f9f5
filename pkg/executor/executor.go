// Package executor implements the per-email Record Sync Executor
// (component C9): the coordinator every orchestrator (pkg/orchestrator)
// funnels individual emails through. It is the only place the advisory
// lock (pkg/lock), the kernel (pkg/kernel), and every store package
// (pkg/crosswalk, pkg/shadow, pkg/conflict, pkg/synclog, pkg/astore,
// pkg/bclient) meet.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/conflict"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/kernel"
	"github.com/brightfield/reconsync/pkg/lock"
	"github.com/brightfield/reconsync/pkg/managedfield"
	"github.com/brightfield/reconsync/pkg/shadow"
	"github.com/brightfield/reconsync/pkg/synclog"
)

// Mode tells Sync which side is allowed to be created when the record
// is missing from one store: an import run (driven off a B listing)
// may materialize a new A-row; an export run (driven off an A page)
// may materialize a new B subscriber. Neither mode may create on the
// other's behalf — that is what keeps B->A and A->B loops from racing
// to double-create the same record.
type Mode string

const (
	ModeImport Mode = "import" // B is the source of truth for creation
	ModeExport Mode = "export" // A is the source of truth for creation
)

// Input is one Sync invocation's parameters.
type Input struct {
	Email string
	Mode  Mode
	// Source tags sync-log dedupe keys and entries with the calling
	// orchestrator, e.g. "backfill", "bidirectional", "idrepair".
	Source string
	// DryRun, when true, computes the same decision set but performs no
	// write: no A update, no B update, no conflict insert, no sync-log
	// insert, no shadow advance.
	DryRun bool
	// KnownB, when set, is used instead of re-fetching from B — the
	// bidirectional orchestrator's B->A loop already has the page's
	// subscriber in hand and would otherwise burn a second rate-limit
	// token re-fetching it.
	KnownB *bclient.Subscriber
}

// Outcome summarizes what Sync did for telemetry and orchestrator
// aggregation.
type Outcome struct {
	Created   string // "", "a", or "b" - which side was freshly created
	Decisions []kernel.FieldDecision
	Applied   int
	Conflicts int
	Errors    int
}

// Executor wires the stores, the rate-limited B client and the
// advisory-lock registry together to run C8 per email.
type Executor struct {
	locks     *lock.Registry
	crosswalk crosswalk.Store
	shadow    shadow.Store
	conflicts conflict.Store
	synclog   synclog.Store
	a         astore.Store
	b         *bclient.Client
}

func New(locks *lock.Registry, cw crosswalk.Store, sh shadow.Store, cf conflict.Store, sl synclog.Store, a astore.Store, b *bclient.Client) *Executor {
	return &Executor{locks: locks, crosswalk: cw, shadow: sh, conflicts: cf, synclog: sl, a: a, b: b}
}

// Sync runs the full per-email reconciliation described by the design:
// acquire the advisory lock, load crosswalk/shadow/A, resolve B,
// run the kernel, apply updates, write the conflict ledger and sync
// log, and advance the shadow. It never rolls back a partial sync:
// a write failure on one field surfaces as an error-result log row and
// withholds the shadow advance, leaving the record to retry next run.
func (e *Executor) Sync(ctx context.Context, in Input) (Outcome, error) {
	release, err := e.locks.AcquireForEmail(ctx, in.Email)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor.Sync(%s): acquiring lock: %w", in.Email, err)
	}
	defer release()

	entry := log.WithFields(log.Fields{"email": in.Email, "source": in.Source, "mode": in.Mode})

	cwRow, _, err := e.crosswalk.Get(ctx, in.Email)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor.Sync(%s): crosswalk.Get: %w", in.Email, err)
	}

	shRow, err := e.shadow.Get(ctx, in.Email)
	if errors.Is(err, shadow.ErrNotFound) {
		shRow = shadow.Row{Email: in.Email}
	} else if err != nil {
		return Outcome{}, fmt.Errorf("executor.Sync(%s): shadow.Get: %w", in.Email, err)
	}

	aRow, err := e.a.GetByEmail(ctx, in.Email)
	aFound := true
	if errors.Is(err, astore.ErrNotFound) {
		aFound = false
	} else if err != nil {
		return Outcome{}, fmt.Errorf("executor.Sync(%s): astore.GetByEmail: %w", in.Email, err)
	}

	if !aFound {
		if in.Mode != ModeImport {
			return Outcome{}, fmt.Errorf("executor.Sync(%s): A-row absent outside import mode", in.Email)
		}
		return e.createA(ctx, in, entry, cwRow)
	}

	bSub, bFound, err := e.resolveB(ctx, in.Email, cwRow)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor.Sync(%s): resolving B: %w", in.Email, err)
	}

	if !bFound {
		if in.Mode != ModeExport {
			return Outcome{}, fmt.Errorf("executor.Sync(%s): B record absent outside export mode", in.Email)
		}
		return e.createB(ctx, in, entry, aRow)
	}

	return e.reconcile(ctx, in, entry, shRow, aRow, bSub)
}

// resolveB fetches the current B view, preferring crosswalk.b_id via
// GetByID and falling back to GetByEmail, per the design's §4.6 step 4.
// A 404 on a stored b_id triggers crosswalk repair (null the b_id so
// C12 picks it back up) rather than treating the record as new.
func (e *Executor) resolveB(ctx context.Context, email string, cw crosswalk.Row) (bclient.Subscriber, bool, error) {
	if cw.BID != nil {
		sub, err := e.b.GetByID(ctx, *cw.BID)
		switch {
		case errors.Is(err, bclient.NotFoundErr):
			if repairErr := e.crosswalk.SetBId(ctx, email, nil, true); repairErr != nil {
				return bclient.Subscriber{}, false, repairErr
			}
		case err != nil:
			return bclient.Subscriber{}, false, err
		default:
			return sub, true, nil
		}
	}

	sub, err := e.b.GetByEmail(ctx, email)
	if errors.Is(err, bclient.NotFoundErr) {
		return bclient.Subscriber{}, false, nil
	}
	if err != nil {
		return bclient.Subscriber{}, false, err
	}
	return sub, true, nil
}

// createA materializes a new A-row from B's fields (the import path),
// links the crosswalk, and seeds a complete shadow since both sides
// now agree by construction.
func (e *Executor) createA(ctx context.Context, in Input, entry *log.Entry, cw crosswalk.Row) (Outcome, error) {
	var bSub bclient.Subscriber
	var found bool
	if in.KnownB != nil {
		bSub, found = *in.KnownB, true
	} else {
		var err error
		bSub, found, err = e.resolveB(ctx, in.Email, cw)
		if err != nil {
			return Outcome{}, err
		}
	}
	if !found {
		return Outcome{}, fmt.Errorf("executor.createA(%s): B record not found for import", in.Email)
	}

	fields := bFieldsToAFields(bSub)
	entry.Info("creating A-row from B during import")

	if in.DryRun {
		return Outcome{Created: "a"}, nil
	}

	aRow, err := e.a.Create(ctx, in.Email, fields)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor.createA(%s): %w", in.Email, err)
	}
	if err := e.crosswalk.SetAId(ctx, in.Email, &aRow.AID, false); err != nil {
		return Outcome{}, fmt.Errorf("executor.createA(%s): %w", in.Email, err)
	}
	if err := e.crosswalk.SetBId(ctx, in.Email, &bSub.ID, false); err != nil {
		return Outcome{}, fmt.Errorf("executor.createA(%s): %w", in.Email, err)
	}

	if err := e.appendLog(ctx, in, "", synclog.ActionCreate, synclog.DirBtoA, synclog.ResultApplied, nil, nil); err != nil {
		entry.WithError(err).Warn("failed to append create log entry")
	}

	if err := e.upsertShadow(ctx, in.Email, aRow.View(), bFieldsView(bSub), true, true); err != nil {
		return Outcome{}, fmt.Errorf("executor.createA(%s): %w", in.Email, err)
	}
	return Outcome{Created: "a"}, nil
}

// createB materializes a new B subscriber from A's fields (the export
// path), links the crosswalk, and seeds a complete shadow.
func (e *Executor) createB(ctx context.Context, in Input, entry *log.Entry, aRow astore.Row) (Outcome, error) {
	fields := aFieldsToBFields(aRow)
	entry.Info("creating B subscriber from A during export")

	if in.DryRun {
		return Outcome{Created: "b"}, nil
	}

	sub, err := e.b.Create(ctx, in.Email, fields)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor.createB(%s): %w", in.Email, err)
	}
	if err := e.crosswalk.SetAId(ctx, in.Email, &aRow.AID, false); err != nil {
		return Outcome{}, fmt.Errorf("executor.createB(%s): %w", in.Email, err)
	}
	if err := e.crosswalk.SetBId(ctx, in.Email, &sub.ID, false); err != nil {
		return Outcome{}, fmt.Errorf("executor.createB(%s): %w", in.Email, err)
	}

	if err := e.appendLog(ctx, in, "", synclog.ActionCreate, synclog.DirAtoB, synclog.ResultApplied, nil, nil); err != nil {
		entry.WithError(err).Warn("failed to append create log entry")
	}

	if err := e.upsertShadow(ctx, in.Email, aRow.View(), bFieldsView(sub), true, true); err != nil {
		return Outcome{}, fmt.Errorf("executor.createB(%s): %w", in.Email, err)
	}
	return Outcome{Created: "b"}, nil
}

// reconcile is the steady-state path: both sides exist, so run the
// kernel and apply its verdict field by field.
func (e *Executor) reconcile(ctx context.Context, in Input, entry *log.Entry, sh shadow.Row, aRow astore.Row, bSub bclient.Subscriber) (Outcome, error) {
	aView := aRow.View()
	bView := bFieldsView(bSub)
	shadowAView := sh.Snapshot.AView()
	shadowBView := sh.Snapshot.BView()

	result := kernel.Decide(aView, bView, shadowAView, shadowBView)
	out := Outcome{Decisions: result.Decisions}

	mergedA := cloneView(aView)
	mergedB := cloneView(bView)
	anyFailure := false

	for _, d := range result.UpdatesA {
		wasEmpty := managedfield.Empty(managedfield.Normalize(aView[d.Field]))
		action := synclog.ActionUpdate
		if wasEmpty {
			action = synclog.ActionFillEmpty
		}
		if in.DryRun {
			out.Applied++
			mergedA[d.Field] = d.Value
			continue
		}
		value := ""
		if d.Value != nil {
			value = *d.Value
		}
		if err := e.a.UpdateField(ctx, in.Email, d.Field, value); err != nil {
			anyFailure = true
			out.Errors++
			_ = e.appendLog(ctx, in, d.Field, action, synclog.DirBtoA, synclog.ResultError, aView[d.Field], d.Value)
			entry.WithError(err).WithField("field", d.Field).Warn("A update failed")
			continue
		}
		mergedA[d.Field] = d.Value
		out.Applied++
		_ = e.appendLog(ctx, in, d.Field, action, synclog.DirBtoA, synclog.ResultApplied, aView[d.Field], d.Value)
	}

	if len(result.UpdatesB) > 0 {
		current := make(map[string]string, len(managedfield.Registry))
		for _, f := range managedfield.Registry {
			if v := bView[f.Name]; v != nil {
				current[f.BKey()] = *v
			}
		}
		desired := make(map[string]string, len(current))
		for k, v := range current {
			desired[k] = v
		}
		for _, d := range result.UpdatesB {
			if f, ok := managedfield.ByName(d.Field); ok && d.Value != nil {
				desired[f.BKey()] = *d.Value
			}
		}

		if in.DryRun {
			for _, d := range result.UpdatesB {
				mergedB[d.Field] = d.Value
				out.Applied++
			}
		} else if _, err := e.b.Update(ctx, bSub.ID, current, desired); err != nil {
			anyFailure = true
			out.Errors += len(result.UpdatesB)
			entry.WithError(err).Warn("B update failed")
			for _, d := range result.UpdatesB {
				_ = e.appendLog(ctx, in, d.Field, synclog.ActionUpdate, synclog.DirAtoB, synclog.ResultError, bView[d.Field], d.Value)
			}
		} else {
			for _, d := range result.UpdatesB {
				wasEmpty := managedfield.Empty(managedfield.Normalize(bView[d.Field]))
				action := synclog.ActionUpdate
				if wasEmpty {
					action = synclog.ActionFillEmpty
				}
				mergedB[d.Field] = d.Value
				out.Applied++
				_ = e.appendLog(ctx, in, d.Field, action, synclog.DirAtoB, synclog.ResultApplied, bView[d.Field], d.Value)
			}
		}
	}

	for _, d := range result.Conflicts {
		out.Conflicts++
		// An unresolved conflict keeps reporting against the prior
		// shadow baseline every run; the ledger's own dedupe (not this
		// merge) is what stops it from growing without bound.
		mergedA[d.Field] = shadowAView[d.Field]
		mergedB[d.Field] = shadowBView[d.Field]
		if in.DryRun {
			continue
		}
		if err := e.conflicts.Create(ctx, in.Email, d.Field, d.AValue, d.BValue); err != nil {
			anyFailure = true
			out.Errors++
			entry.WithError(err).WithField("field", d.Field).Warn("conflict ledger write failed")
			continue
		}
		_ = e.appendLog(ctx, in, d.Field, synclog.ActionConflict, synclog.DirNone, synclog.ResultConflict, d.AValue, d.BValue)
	}

	if in.DryRun || anyFailure {
		return out, nil
	}

	if err := e.upsertShadow(ctx, in.Email, mergedA, mergedB, true, true); err != nil {
		return out, fmt.Errorf("executor.reconcile(%s): %w", in.Email, err)
	}
	return out, nil
}

func (e *Executor) appendLog(ctx context.Context, in Input, field string, action synclog.Action, dir synclog.Direction, result synclog.Result, oldValue, newValue *string) error {
	entry := synclog.Entry{
		Email:     in.Email,
		Field:     field,
		Action:    action,
		Direction: dir,
		Result:    result,
		OldValue:  oldValue,
		NewValue:  newValue,
		DedupeKey: synclog.DedupeKey(in.Source, in.Email),
	}
	return e.synclog.Append(ctx, entry)
}

func (e *Executor) upsertShadow(ctx context.Context, email string, a, b map[string]*string, hasA, hasB bool) error {
	now := time.Now().UTC()
	complete := hasA && hasB
	status := shadow.StatusIncomplete
	quality := "partial"
	if complete {
		status = shadow.StatusComplete
		quality = "ok"
	}
	return e.shadow.Upsert(ctx, shadow.Row{
		Email: email,
		Snapshot: shadow.Snapshot{
			A: a,
			B: b,
			Metadata: shadow.Metadata{
				HasA:       hasA,
				HasB:       hasB,
				IsComplete: complete,
				CreatedAt:  now,
			},
		},
		ValidationStatus: status,
		DataQuality:      quality,
		LastValidatedAt:  now,
	})
}

func cloneView(v map[string]*string) map[string]*string {
	out := make(map[string]*string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// bFieldsView projects a B subscriber's field map into a
// kernel.View-compatible map keyed by managed-field name.
func bFieldsView(sub bclient.Subscriber) map[string]*string {
	out := make(map[string]*string, len(managedfield.Registry))
	for _, f := range managedfield.Registry {
		if v, ok := sub.Fields[f.BKey()]; ok && v != "" {
			val := v
			out[f.Name] = &val
		}
	}
	return out
}

func bFieldsToAFields(sub bclient.Subscriber) map[string]string {
	out := make(map[string]string, len(managedfield.Registry))
	for _, f := range managedfield.Registry {
		out[f.Name] = sub.Fields[f.BKey()]
	}
	return out
}

func aFieldsToBFields(row astore.Row) map[string]string {
	out := make(map[string]string, len(managedfield.Registry))
	for _, f := range managedfield.Registry {
		out[f.BKey()] = row.Fields[f.Name]
	}
	return out
}
