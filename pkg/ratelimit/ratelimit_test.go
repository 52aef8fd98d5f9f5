package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestNew_StartsDrained guards Testable Property 7 / Scenario S6: a
// freshly constructed Limiter must not hand out a full burst of
// capacity tokens at t=0, or a cold process draining a backlog would
// issue up to 2x capacity calls within the first window.
func TestNew_StartsDrained(t *testing.T) {
	l := New(Capacity, Capacity, RefillWindow)
	require.Less(t, l.Available(), 1.0)
}

// TestAcquire_ColdStartDoesNotBurst drives a small bucket past what a
// full-burst bug would allow and checks the grant count over the
// window never exceeds capacity.
func TestAcquire_ColdStartDoesNotBurst(t *testing.T) {
	const capacity = 3
	window := 300 * time.Millisecond
	l := New(capacity, capacity, window)

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	granted := 0
	for {
		if err := l.Acquire(ctx); err != nil {
			break
		}
		granted++
		if granted > capacity {
			t.Fatalf("cold start granted %d calls within the first window, want <= %d", granted, capacity)
		}
	}
}
