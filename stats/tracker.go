// Package stats tracks poll outcomes, transport failures and fetch latency for
// display in the dashboard and periodic console output.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker counts what the poll loop did
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so the poll loop and transport
	// callbacks don't fight over a mutex
	outcomeCounts sync.Map // string -> *atomic.Uint64
	failureCounts sync.Map // op -> *atomic.Uint64
	start         atomic.Int64
	records       atomic.Uint64
	ticks         atomic.Uint64
	lastFailure   atomic.Int64
	fetchLatency  *LatencyTracker
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{fetchLatency: NewLatencyTracker(512)}
	t.start.Store(time.Now().UnixNano())
	return t
}

// ObservePoll records one tick of the sync loop. Latency is only sampled for
// ticks that reached the network.
func (t *Tracker) ObservePoll(outcome string, records int, latency time.Duration) {
	t.ticks.Add(1)
	incrementCounter(&t.outcomeCounts, outcome)
	if records > 0 {
		t.records.Add(uint64(records))
	}
	if latency > 0 {
		t.fetchLatency.Observe(latency)
	}
}

// ObserveFailure records an absorbed transport failure for op.
func (t *Tracker) ObserveFailure(op string, _ error) {
	incrementCounter(&t.failureCounts, op)
	t.lastFailure.Store(time.Now().UnixNano())
}

// GetOutcomeCounts returns a copy of tick outcome counts
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	return copyCounts(&t.outcomeCounts)
}

// GetFailureCounts returns a copy of transport failure counts by op
func (t *Tracker) GetFailureCounts() map[string]uint64 {
	return copyCounts(&t.failureCounts)
}

// TotalFailures returns the failure count across all ops.
func (t *Tracker) TotalFailures() uint64 {
	var total uint64
	t.failureCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Records returns how many samples were committed to the buffer.
func (t *Tracker) Records() uint64 {
	return t.records.Load()
}

// Ticks returns how many ticks ran.
func (t *Tracker) Ticks() uint64 {
	return t.ticks.Load()
}

// LastFailure returns when the last transport failure happened, or the zero time.
func (t *Tracker) LastFailure() time.Time {
	ns := t.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// FetchLatency returns history fetch latency percentiles.
func (t *Tracker) FetchLatency() LatencySnapshot {
	return t.fetchLatency.Snapshot()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.outcomeCounts, &t.failureCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.records.Store(0)
	t.ticks.Store(0)
	t.lastFailure.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lat := t.FetchLatency()
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Sync: %s ticks, %s records, uptime %s, fetch p50 %s p99 %s",
		humanize.Comma(int64(t.Ticks())),
		humanize.Comma(int64(t.Records())),
		t.GetUptime().Truncate(time.Second),
		lat.P50.Round(time.Millisecond),
		lat.P99.Round(time.Millisecond)))
	lines = append(lines, formatMapCounts("Ticks by outcome", &t.outcomeCounts))
	lines = append(lines, formatMapCounts("Transport failures", &t.failureCounts))
	return lines
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(snapshot[k])))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
