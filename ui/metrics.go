package ui

import (
	"fmt"
	"sync/atomic"
	"time"

	"kprofiler/stats"
)

// Metrics tracks UI-level counters and latency distributions.
type Metrics struct {
	renderLatency *stats.LatencyTracker
	searchLatency *stats.LatencyTracker
	views         atomic.Uint64
	actions       atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		renderLatency: stats.NewLatencyTracker(512),
		searchLatency: stats.NewLatencyTracker(512),
	}
}

func (m *Metrics) ObserveRender(d time.Duration) {
	if m == nil {
		return
	}
	m.renderLatency.Observe(d)
}

func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.searchLatency.Observe(d)
}

// ViewReceived counts engine views delivered to the dashboard.
func (m *Metrics) ViewReceived() {
	if m == nil {
		return
	}
	m.views.Add(1)
}

// Action counts key-driven commands (pause, clear, save, load, auto-pause).
func (m *Metrics) Action() {
	if m == nil {
		return
	}
	m.actions.Add(1)
}

func (m *Metrics) RenderSnapshot() stats.LatencySnapshot {
	if m == nil {
		return stats.LatencySnapshot{}
	}
	return m.renderLatency.Snapshot()
}

func (m *Metrics) SearchSnapshot() stats.LatencySnapshot {
	if m == nil {
		return stats.LatencySnapshot{}
	}
	return m.searchLatency.Snapshot()
}

// Line renders the counters for the stats pane.
func (m *Metrics) Line() string {
	if m == nil {
		return ""
	}
	render := m.RenderSnapshot()
	search := m.SearchSnapshot()
	return fmt.Sprintf("UI: views %d, actions %d, frame delay p50 %s p99 %s, search p99 %s",
		m.views.Load(), m.actions.Load(),
		render.P50.Round(time.Microsecond), render.P99.Round(time.Microsecond),
		search.P99.Round(time.Microsecond))
}
