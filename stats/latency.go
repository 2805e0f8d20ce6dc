package stats

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded ring of durations for percentile estimates.
// A nil tracker ignores observations.
type LatencyTracker struct {
	mu     sync.Mutex
	ring   []time.Duration
	filled int
	next   int
}

func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 256
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

func (t *LatencyTracker) Observe(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ring[t.next] = d
	t.next = (t.next + 1) % len(t.ring)
	if t.filled < len(t.ring) {
		t.filled++
	}
	t.mu.Unlock()
}

// LatencySnapshot summarizes the ring contents.
type LatencySnapshot struct {
	P50 time.Duration
	P99 time.Duration
	Max time.Duration
	N   int
}

func (t *LatencyTracker) Snapshot() LatencySnapshot {
	if t == nil {
		return LatencySnapshot{}
	}
	t.mu.Lock()
	values := slices.Clone(t.ring[:t.filled])
	t.mu.Unlock()
	n := len(values)
	if n == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(values)
	return LatencySnapshot{
		P50: values[n/2],
		P99: values[int(float64(n-1)*0.99)],
		Max: values[n-1],
		N:   n,
	}
}
