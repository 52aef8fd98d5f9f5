// Package lock implements the advisory-lock discipline the design
// requires: a transaction-scoped, process-wide mutex keyed by a 64-bit
// hash of "sync_"+email, serializing concurrent reconciliations of the
// same record. The real store contract (§6 of the design) specifies a
// native advisory_xact_lock(int64) primitive; when the backing store
// doesn't offer one (as with this module's SQLite reference store),
// §9's portability note says to fall back to an in-process mutex
// keyed the same way — which is what this package does.
package lock

import (
	"context"
	"hash/fnv"
	"sync"
)

// KeyFor derives the 64-bit advisory-lock key for an email, matching
// the "hash(sync_+email)" scheme named in the design's glossary.
func KeyFor(email string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("sync_" + email))
	return int64(h.Sum64())
}

// Registry hands out per-key mutexes, reclaiming them once unused so
// the map doesn't grow without bound across a long-running service.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

// New returns an empty lock registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

// Acquire blocks until the advisory lock for key is held, or ctx is
// done. The returned release func must be called exactly once to
// release the lock and let Acquire reclaim the entry when unused.
func (r *Registry) Acquire(ctx context.Context, key int64) (release func(), err error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refcount++
	r.mu.Unlock()

	locked := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return func() { r.release(key, e) }, nil
	case <-ctx.Done():
		// The goroutine above will still acquire e.mu eventually and
		// leak it locked forever unless we unlock once it does. Spin
		// off a reclaimer that takes over our refcount: when it finally
		// locks, it immediately unlocks and releases on our behalf.
		go func() {
			<-locked
			r.release(key, e)
		}()
		return nil, ctx.Err()
	}
}

// AcquireForEmail is a convenience wrapper around Acquire using the
// email-derived key.
func (r *Registry) AcquireForEmail(ctx context.Context, email string) (func(), error) {
	return r.Acquire(ctx, KeyFor(email))
}

func (r *Registry) release(key int64, e *entry) {
	e.mu.Unlock()
	r.mu.Lock()
	e.refcount--
	if e.refcount == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}
