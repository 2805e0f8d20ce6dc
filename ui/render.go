package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rivo/tview"

	"kprofiler/series"
	"kprofiler/syncer"
	"kprofiler/telemetry"
)

const (
	accentTag   = "[#ff69b4]"
	accentReset = "[-]"
	notAvail    = "N/A"
	sparkWidth  = 48
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

func accentText(text string) string {
	if text == "" {
		return ""
	}
	return accentTag + text + accentReset
}

func targetName(cfg telemetry.ServerConfig) string {
	if name := strings.TrimSpace(cfg.TargetProcessName); name != "" {
		return name
	}
	return "target process"
}

// refreshText is the agent-supplied page interval, N/A until the agent sends one.
func refreshText(cfg telemetry.ServerConfig) string {
	if cfg.PageUpdateIntervalMillis <= 0 {
		return notAvail
	}
	return (time.Duration(cfg.PageUpdateIntervalMillis) * time.Millisecond).String()
}

// Purpose: Build the two header lines from a view.
// Key aspects: Badges reflect pause, loaded snapshot and pending resync; the
// auto-pause countdown is recomputed against now so it moves between views.
// Upstream: Dashboard.renderHeader.
// Downstream: humanize.Comma, View.AutoPauseRemaining.
func headerText(v syncer.View, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  Version: %d", accentText("Target:"), targetName(v.Config), v.Version)
	if v.Paused {
		b.WriteString("  [yellow]PAUSED[-]")
	}
	if v.Mode == syncer.ModeLoaded {
		b.WriteString("  [cyan]LOADED SNAPSHOT[-]")
	}
	if v.ResyncPending {
		b.WriteString("  [cyan]RESYNC ON RESUME[-]")
	}
	if v.Config.ShouldShowTotalOnly {
		b.WriteString("  total only")
	}
	b.WriteString("\n")

	updated := notAvail
	if !v.LastUpdated.IsZero() {
		updated = v.LastUpdated.In(now.Location()).Format(series.TimestampLayout)
	}
	fmt.Fprintf(&b, "Last updated: %s  Processes: %d  Records: %s  Refresh: %s",
		updated,
		telemetry.CountReal(v.Processes),
		humanize.Comma(int64(len(v.Samples))),
		refreshText(v.Config))
	if left, ok := v.AutoPauseRemaining(now); ok {
		fmt.Fprintf(&b, "  Auto-pause in %s", left.Round(time.Second))
	}
	return b.String()
}

// processLabel is the list entry text for a process.
func processLabel(p telemetry.Process) string {
	if telemetry.IsPseudo(p.ProcessID) {
		return p.Label
	}
	if p.Label != "" {
		return fmt.Sprintf("%d %s (%s)", p.ProcessID, p.Name, p.Label)
	}
	return fmt.Sprintf("%d %s", p.ProcessID, p.Name)
}

// waitingText returns the placeholder shown instead of charts, or "" when
// there is data to draw.
func waitingText(v syncer.View) string {
	if len(v.Processes) == 0 {
		return fmt.Sprintf("Waiting for %s to start...", targetName(v.Config))
	}
	if len(v.Samples) == 0 {
		return "No data yet."
	}
	return ""
}

// Purpose: Render the detail pane for one process.
// Key aspects: Derives the series fresh from the view samples; CPU and GPU get
// a sparkline plus avg/min/max; memory metrics are summarized in bytes.
// Upstream: Dashboard.renderDetail.
// Downstream: series.Derive, series.Summarize.
func detailText(v syncer.View, p telemetry.Process) string {
	if msg := waitingText(v); msg != "" {
		return msg
	}
	s := series.Derive(v.Samples, p.ProcessID)
	if s.Len() == 0 {
		return fmt.Sprintf("No samples for %s yet.", processLabel(p))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s points  %s .. %s\n\n",
		accentText(processLabel(p)),
		humanize.Comma(int64(s.Len())),
		s.Timestamps[0], s.Timestamps[s.Len()-1])

	writePercent(&b, "CPU", s.CPU)
	if !v.Config.ShouldDisableGPU {
		writePercent(&b, "GPU", s.GPU)
	}
	if !s.HasMemory {
		return b.String()
	}
	b.WriteString("\nMemory          last        avg         min         max\n")
	for _, m := range series.Metrics() {
		sum := series.Summarize(s.MemoryValues(m))
		if sum.Max == 0 {
			continue
		}
		fmt.Fprintf(&b, "%-15s %-11s %-11s %-11s %s\n", m,
			megabytes(sum.Last), megabytes(sum.Avg), megabytes(sum.Min), megabytes(sum.Max))
	}
	return b.String()
}

func writePercent(b *strings.Builder, name string, values []float64) {
	sum := series.Summarize(values)
	fmt.Fprintf(b, "%-4s %s\n     last %.1f%%  avg %.1f%%  min %.1f%%  max %.1f%%\n",
		name, sparkline(values, sparkWidth), sum.Last, sum.Avg, sum.Min, sum.Max)
}

func megabytes(mb float64) string {
	if mb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(mb * 1024 * 1024))
}

// sparkline draws the last width values scaled between their min and max.
func sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

// renderEvents formats log pane lines with a colored subsystem tag.
func renderEvents(events []StyledEvent) string {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s%-4s[-] %s",
			e.Timestamp.Local().Format(series.TimestampLayout),
			e.Kind.color(), e.Kind.Label(),
			tview.Escape(e.Message))
	}
	return b.String()
}
