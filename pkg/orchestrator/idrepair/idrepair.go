// Package idrepair implements the ID-repair orchestrator (component
// C12): fills in a missing crosswalk.b_id by looking the record up in
// B by email, one chunk of emails at a time.
package idrepair

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/syncerr"
)

// ChunkSize is how many crosswalk rows one invocation repairs.
const ChunkSize = 100

// RequestSpacing paces GetByEmail calls independent of the shared
// limiter: the lookup endpoint carries stricter per-endpoint limits on
// B than the bucket C1 enforces globally, so the design calls for an
// explicit 500ms gap between requests (effective 2/s) on top of it.
const RequestSpacing = 500 * time.Millisecond

// RateLimitWait is how long a 429 mid-chunk waits before moving on; the
// design treats it as a chunk-ending error rather than retrying, to
// avoid burning the whole chunk's budget on one stuck email.
const RateLimitWait = 10 * time.Second

// Result summarizes one chunk's repairs.
type Result struct {
	Attempted int
	Repaired  int
	NotFound  int
	Errors    int
	Done      bool // true when fewer than ChunkSize rows remained
}

// Orchestrator runs C12.
type Orchestrator struct {
	crosswalk crosswalk.Store
	b         *bclient.Client

	chunkSize      int
	requestSpacing time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChunkSize overrides the default ChunkSize.
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithRequestSpacing overrides the default RequestSpacing.
func WithRequestSpacing(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.requestSpacing = d
		}
	}
}

func New(cw crosswalk.Store, b *bclient.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{crosswalk: cw, b: b, chunkSize: ChunkSize, requestSpacing: RequestSpacing}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunChunk repairs up to ChunkSize crosswalk rows missing b_id.
func (o *Orchestrator) RunChunk(ctx context.Context) (Result, error) {
	rows, err := o.crosswalk.PageByMissingBId(ctx, 0, o.chunkSize)
	if err != nil {
		return Result{}, fmt.Errorf("idrepair.RunChunk: %w", err)
	}

	var res Result
	for i, row := range rows {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(o.requestSpacing):
			}
		}

		res.Attempted++
		sub, err := o.b.GetByEmail(ctx, row.Email)
		switch {
		case errors.Is(err, bclient.NotFoundErr):
			res.NotFound++
			attemptsTotal.WithLabelValues("not_found").Inc()
		case syncerr.Is(err, syncerr.RateLimited):
			res.Errors++
			attemptsTotal.WithLabelValues("rate_limited").Inc()
			log.WithField("email", row.Email).Warn("id-repair rate limited, ending chunk early")
			time.Sleep(RateLimitWait)
			return res, nil
		case err != nil:
			res.Errors++
			attemptsTotal.WithLabelValues("error").Inc()
			log.WithError(err).WithField("email", row.Email).Warn("id-repair lookup failed")
		default:
			bID := sub.ID
			if err := o.crosswalk.SetBId(ctx, row.Email, &bID, false); err != nil {
				res.Errors++
				attemptsTotal.WithLabelValues("error").Inc()
				log.WithError(err).WithField("email", row.Email).Warn("id-repair SetBId failed")
				continue
			}
			res.Repaired++
			attemptsTotal.WithLabelValues("repaired").Inc()
		}
	}

	res.Done = len(rows) < o.chunkSize
	return res, nil
}
