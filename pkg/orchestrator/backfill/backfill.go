// Package backfill implements the bulk shadow-construction orchestrator
// (component C10): for every crosswalk pair with both ids populated but
// no shadow yet, build one by reading A and B and persisting the joint
// snapshot. Runs one bounded chunk per invocation and checkpoints to
// pkg/progress so a caller (pkg/api's handler, or RunToCompletion) can
// invoke it repeatedly until it reports Completed.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/managedfield"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/shadow"
)

// Default chunk sizes, per the design's §4.7.
const (
	ChunkSizePhase12 = 100
	ChunkSizePhase3  = 500
	ShadowBatchSize  = 50
)

// StallThreshold is how long a "running" progress row with no update
// is treated as abandoned rather than actively in-flight.
const StallThreshold = 5 * time.Minute

// MaxContinuations bounds a self-continuing run chain.
const MaxContinuations = 200

// Orchestrator runs the C10 state machine.
type Orchestrator struct {
	progress  progress.Store
	crosswalk crosswalk.Store
	shadow    shadow.Store
	a         astore.Store
	b         *bclient.Client

	chunkSizePhase12 int
	chunkSizePhase3  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChunkSizes overrides the phase 1/2 and phase 3 page sizes
// (defaults ChunkSizePhase12/ChunkSizePhase3), e.g. from operator
// configuration.
func WithChunkSizes(phase12, phase3 int) Option {
	return func(o *Orchestrator) {
		if phase12 > 0 {
			o.chunkSizePhase12 = phase12
		}
		if phase3 > 0 {
			o.chunkSizePhase3 = phase3
		}
	}
}

func New(p progress.Store, cw crosswalk.Store, sh shadow.Store, a astore.Store, b *bclient.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		progress: p, crosswalk: cw, shadow: sh, a: a, b: b,
		chunkSizePhase12: ChunkSizePhase12,
		chunkSizePhase3:  ChunkSizePhase3,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunChunk runs preflight fast-forward then processes at most one
// chunk of whichever phase the checkpoint is in, persisting the result
// before returning.
func (o *Orchestrator) RunChunk(ctx context.Context) (progress.BackfillProgress, error) {
	p, err := o.loadOrInit(ctx)
	if err != nil {
		return p, err
	}

	if p.Status == progress.StatusCompleted {
		return p, nil
	}

	if err := o.fastForward(ctx, &p); err != nil {
		return p, err
	}
	if p.Status == progress.StatusCompleted {
		return p, o.checkpoint(ctx, p)
	}

	p.Status = progress.StatusRunning
	var chunkErr error
	switch p.Phase {
	case progress.PhaseBuildCrosswalkFromA:
		chunkErr = o.runPhase1(ctx, &p)
	case progress.PhaseAugmentFromB:
		chunkErr = o.runPhase2(ctx, &p)
	case progress.PhaseCreateShadows:
		chunkErr = o.runPhase3(ctx, &p)
	default:
		p.Phase = progress.PhaseBuildCrosswalkFromA
		chunkErr = o.runPhase1(ctx, &p)
	}

	if chunkErr != nil {
		p.Errors++
		p.Status = progress.StatusFailed
		p.LastUpdatedAt = time.Now().UTC()
		_ = o.checkpoint(ctx, p)
		chunksTotal.WithLabelValues(string(p.Phase), "error").Inc()
		return p, chunkErr
	}

	p.LastUpdatedAt = time.Now().UTC()
	if err := o.checkpoint(ctx, p); err != nil {
		return p, err
	}
	chunksTotal.WithLabelValues(string(p.Phase), "ok").Inc()
	return p, nil
}

// RunToCompletion loops RunChunk up to MaxContinuations times, the
// in-process analogue of the design's background self-continuation —
// a caller that wants true out-of-band continuation should instead
// invoke RunChunk repeatedly from its own scheduler and stop on
// Completed/error, which is exactly what this loop does.
func (o *Orchestrator) RunToCompletion(ctx context.Context) (progress.BackfillProgress, error) {
	var p progress.BackfillProgress
	for i := 0; i < MaxContinuations; i++ {
		var err error
		p, err = o.RunChunk(ctx)
		if err != nil {
			return p, err
		}
		if p.Status == progress.StatusCompleted || p.Status == progress.StatusFailed {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		default:
		}
	}
	log.WithField("continuations", MaxContinuations).Warn("backfill stopped at continuation bound without completing")
	return p, nil
}

func (o *Orchestrator) loadOrInit(ctx context.Context) (progress.BackfillProgress, error) {
	p, err := progress.GetBackfillProgress(ctx, o.progress)
	if errors.Is(err, progress.ErrNotFound) {
		return progress.BackfillProgress{
			Phase:     progress.PhaseBuildCrosswalkFromA,
			Status:    progress.StatusRunning,
			StartedAt: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return progress.BackfillProgress{}, fmt.Errorf("backfill.loadOrInit: %w", err)
	}
	// Stall recovery: a running row whose last update predates the
	// threshold is treated as abandoned and simply re-entered from its
	// last checkpointed phase/offset rather than restarted from zero.
	if p.Status == progress.StatusRunning && time.Since(p.LastUpdatedAt) > StallThreshold {
		log.WithField("phase", p.Phase).Warn("backfill progress stale, resuming from last checkpoint")
	}
	return p, nil
}

// fastForward implements the design's preflight: if shadows already
// cover every pair, mark completed; else if every client has a
// crosswalk a_id, skip straight to phase 3.
func (o *Orchestrator) fastForward(ctx context.Context, p *progress.BackfillProgress) error {
	clients, err := o.a.Count(ctx)
	if err != nil {
		return fmt.Errorf("backfill.fastForward: count clients: %w", err)
	}
	withAId, err := o.crosswalk.CountWithAId(ctx)
	if err != nil {
		return fmt.Errorf("backfill.fastForward: count crosswalk a_id: %w", err)
	}
	pairs, err := o.crosswalk.CountPairs(ctx)
	if err != nil {
		return fmt.Errorf("backfill.fastForward: count pairs: %w", err)
	}
	shadows, err := o.shadow.Count(ctx)
	if err != nil {
		return fmt.Errorf("backfill.fastForward: count shadows: %w", err)
	}

	switch {
	case pairs > 0 && shadows >= pairs:
		p.Phase = progress.PhaseCompleted
		p.Status = progress.StatusCompleted
	case clients > 0 && withAId >= clients && p.Phase == progress.PhaseBuildCrosswalkFromA:
		p.Phase = progress.PhaseCreateShadows
		p.ShadowOffset = shadows
		p.SubscriberCursor = ""
	}
	return nil
}

func (o *Orchestrator) runPhase1(ctx context.Context, p *progress.BackfillProgress) error {
	rows, err := o.a.PageByEmail(ctx, p.SubscriberCursor, o.chunkSizePhase12)
	if err != nil {
		return fmt.Errorf("backfill.runPhase1: %w", err)
	}
	for _, row := range rows {
		if err := o.crosswalk.EnsureRow(ctx, row.Email); err != nil {
			return fmt.Errorf("backfill.runPhase1(%s): %w", row.Email, err)
		}
		aID := row.AID
		if err := o.crosswalk.SetAId(ctx, row.Email, &aID, false); err != nil {
			return fmt.Errorf("backfill.runPhase1(%s): %w", row.Email, err)
		}
		p.CrosswalkCreated++
	}
	if len(rows) < o.chunkSizePhase12 {
		p.Phase = progress.PhaseAugmentFromB
		p.SubscriberCursor = ""
	} else {
		p.SubscriberCursor = rows[len(rows)-1].Email
	}
	return nil
}

func (o *Orchestrator) runPhase2(ctx context.Context, p *progress.BackfillProgress) error {
	page, err := o.b.ListPage(ctx, p.SubscriberCursor, o.chunkSizePhase12)
	if err != nil {
		return fmt.Errorf("backfill.runPhase2: %w", err)
	}
	for _, sub := range page.Subscribers {
		if err := o.crosswalk.EnsureRow(ctx, sub.Email); err != nil {
			return fmt.Errorf("backfill.runPhase2(%s): %w", sub.Email, err)
		}
		bID := sub.ID
		if err := o.crosswalk.SetBId(ctx, sub.Email, &bID, false); err != nil {
			return fmt.Errorf("backfill.runPhase2(%s): %w", sub.Email, err)
		}
		p.CrosswalkCreated++
	}
	if page.NextCursor == "" {
		p.Phase = progress.PhaseCreateShadows
		p.SubscriberCursor = ""
		shadows, err := o.shadow.Count(ctx)
		if err != nil {
			return fmt.Errorf("backfill.runPhase2: count shadows: %w", err)
		}
		p.ShadowOffset = shadows
	} else {
		p.SubscriberCursor = page.NextCursor
	}
	return nil
}

func (o *Orchestrator) runPhase3(ctx context.Context, p *progress.BackfillProgress) error {
	pairs, err := o.crosswalk.PagePairs(ctx, p.ShadowOffset, o.chunkSizePhase3)
	if err != nil {
		return fmt.Errorf("backfill.runPhase3: %w", err)
	}
	if len(pairs) == 0 {
		p.Phase = progress.PhaseCompleted
		p.Status = progress.StatusCompleted
		return nil
	}

	rows := make([]shadow.Row, 0, len(pairs))
	for start := 0; start < len(pairs); start += 100 {
		end := start + 100
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]
		emails := make([]string, len(batch))
		for i, pair := range batch {
			emails[i] = pair.Email
		}
		bResults, err := o.b.GetBatch(ctx, emails)
		if err != nil {
			return fmt.Errorf("backfill.runPhase3: GetBatch: %w", err)
		}
		for _, pair := range batch {
			aRow, err := o.a.GetByEmail(ctx, pair.Email)
			hasA := err == nil
			if err != nil && !errors.Is(err, astore.ErrNotFound) {
				return fmt.Errorf("backfill.runPhase3(%s): %w", pair.Email, err)
			}

			res := bResults[pair.Email]
			hasB := res.Err == nil && !res.NotFound
			if res.Err != nil {
				p.Errors++
				errorsTotal.WithLabelValues(string(progress.PhaseCreateShadows)).Inc()
			}

			var aView, bView map[string]*string
			if hasA {
				aView = aRow.View()
			}
			if hasB {
				bView = bFieldsView(res.Subscriber)
			}

			status := shadow.StatusIncomplete
			quality := "partial"
			if hasA && hasB {
				status = shadow.StatusComplete
				quality = "ok"
			}
			now := time.Now().UTC()
			rows = append(rows, shadow.Row{
				Email: pair.Email,
				Snapshot: shadow.Snapshot{
					A: aView,
					B: bView,
					Metadata: shadow.Metadata{
						HasA:       hasA,
						HasB:       hasB,
						IsComplete: hasA && hasB,
						CreatedAt:  now,
					},
				},
				ValidationStatus: status,
				DataQuality:      quality,
				LastValidatedAt:  now,
			})
			p.ShadowsCreated++
		}
	}

	if err := o.shadow.UpsertMany(ctx, rows, ShadowBatchSize); err != nil {
		return fmt.Errorf("backfill.runPhase3: %w", err)
	}

	p.ShadowOffset += len(pairs)
	if len(pairs) < o.chunkSizePhase3 {
		p.Phase = progress.PhaseCompleted
		p.Status = progress.StatusCompleted
	}
	return nil
}

func (o *Orchestrator) checkpoint(ctx context.Context, p progress.BackfillProgress) error {
	if err := progress.PutBackfillProgress(ctx, o.progress, p); err != nil {
		return fmt.Errorf("backfill.checkpoint: %w", err)
	}
	return nil
}

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
