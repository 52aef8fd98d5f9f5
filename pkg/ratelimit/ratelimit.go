// Package ratelimit implements the token bucket (component C1) that
// paces every outbound call to B: capacity 120, refilling at 120 per
// 60 seconds. It wraps golang.org/x/time/rate, which already implements
// a monotonic-clock token bucket, behind the blocking/non-blocking API
// the design specifies, and adds the periodic snapshot the design
// requires the operator UI to be able to read (component C7, key
// "mailerlite_rate_limit_status").
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Capacity is the token bucket size (spec: 120).
	Capacity = 120
	// RefillWindow is the window the capacity refills over (spec: 60s).
	RefillWindow = 60 * time.Second
)

// Snapshot is the observability view of the limiter at a point in time,
// matching the shape persisted under "mailerlite_rate_limit_status".
type Snapshot struct {
	TokensAvailable      float64   `json:"tokensAvailable"`
	RequestsInLastMinute int       `json:"requestsInLastMinute"`
	UtilizationPercent   float64   `json:"utilizationPercent"`
	Timestamp            time.Time `json:"timestamp"`
}

// Limiter paces calls crossing the process boundary to B. Every call
// that reaches B must go through exactly one Acquire.
type Limiter struct {
	lim *rate.Limiter

	mu      sync.Mutex
	history []time.Time // sliding 60s window of granted acquisitions
}

// New builds a Limiter with the given capacity (burst) and refill rate
// expressed as tokens per window (e.g. New(120, 120, time.Minute) for
// 120/min). The bucket starts drained rather than full: x/time/rate
// hands a freshly-constructed Limiter a full burst on its first call,
// which would let a cold process issue capacity calls instantly and
// then another capacity's worth over the following window, doubling
// the call rate B actually sees in that first window.
func New(capacity int, perWindow int, window time.Duration) *Limiter {
	r := rate.Limit(float64(perWindow) / window.Seconds())
	lim := rate.NewLimiter(r, capacity)
	lim.AllowN(time.Now(), capacity)
	return &Limiter{lim: lim}
}

// Default builds the limiter configuration named in the design: 120
// capacity, refilling at 120 per 60 seconds.
func Default() *Limiter {
	return New(Capacity, Capacity, RefillWindow)
}

// Acquire blocks until at least one token is available, then consumes
// it, recording the grant in the sliding 60s request-count window.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.history = append(l.history, time.Now())
	l.mu.Unlock()
	requestsTotalCounter.Inc()
	return nil
}

// Available returns the current (fractional) token count without
// consuming one.
func (l *Limiter) Available() float64 {
	return l.lim.Tokens()
}

// RequestsInLastMinute returns the count of Acquire grants in the
// trailing 60-second sliding window, trimming older entries as a
// side effect.
func (l *Limiter) RequestsInLastMinute() int {
	cutoff := time.Now().Add(-time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	for i < len(l.history) && l.history[i].Before(cutoff) {
		i++
	}
	l.history = l.history[i:]
	return len(l.history)
}

// Snapshot captures the current state for C7 persistence.
func (l *Limiter) Snapshot() Snapshot {
	avail := l.Available()
	tokensAvailableGauge.Set(avail)
	util := 0.0
	if Capacity > 0 {
		util = (1 - avail/float64(Capacity)) * 100
		if util < 0 {
			util = 0
		}
	}
	return Snapshot{
		TokensAvailable:      avail,
		RequestsInLastMinute: l.RequestsInLastMinute(),
		UtilizationPercent:   util,
		Timestamp:            time.Now(),
	}
}

// SnapshotWriter is satisfied by the progress store (C7); kept narrow
// here so pkg/ratelimit doesn't need to import pkg/progress.
type SnapshotWriter interface {
	PutRateLimitSnapshot(ctx context.Context, snap Snapshot) error
}

// RunSnapshotLoop persists a Snapshot to w every interval until ctx is
// canceled. This is the "process-global... periodic snapshot task
// started at service init" called for in the design notes; callers run
// it once per process, not once per orchestrator.
func (l *Limiter) RunSnapshotLoop(ctx context.Context, w SnapshotWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.PutRateLimitSnapshot(ctx, l.Snapshot())
		}
	}
}
