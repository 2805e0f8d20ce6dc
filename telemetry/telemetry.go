// Package telemetry defines the per-process samples, process descriptors and
// agent configuration exchanged with the remote monitoring agent.
package telemetry

import (
	"strings"
	"time"
)

// Pseudo-process IDs injected client-side. The agent never lists them.
const (
	AggregatePID = 0
	SystemPID    = 4
)

// MemoryBreakdown carries the independently labelled memory metrics for a
// sample. Values are in MB except VSize, which is in bytes.
type MemoryBreakdown struct {
	UniqueSetSize     float64 `json:"uniqueSetSize"`
	ResidentSetSize   float64 `json:"residentSetSize"`
	VirtualSize       float64 `json:"virtualSize"`
	WorkingSet        float64 `json:"workingSet"`
	PrivateWorkingSet float64 `json:"privateWorkingSet"`
	SystemTotal       float64 `json:"systemTotal"`
	SystemAvailable   float64 `json:"systemAvailable"`
	FromTaskmgr       float64 `json:"fromTaskmgr"`
	VSize             float64 `json:"vsize"`
}

// Process identifies a tracked process.
type Process struct {
	ProcessID int    `json:"processId"`
	Name      string `json:"name"`
	Label     string `json:"label"`
}

// Sample is one telemetry reading. It is never modified after it is received.
type Sample struct {
	TimestampSeconds float64         `json:"timestampSeconds"`
	Process          Process         `json:"process"`
	CPUPercentage    float64         `json:"cpuPercentage"`
	GPUPercentage    float64         `json:"gpuPercentage"`
	Memory           MemoryBreakdown `json:"memoryUtilization"`
}

// ProcessID returns the ID of the process the sample belongs to.
func (s Sample) ProcessID() int {
	return s.Process.ProcessID
}

// Time converts the sample timestamp to a time.Time.
func (s Sample) Time() time.Time {
	sec := int64(s.TimestampSeconds)
	nsec := int64((s.TimestampSeconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// HistoryPage is one page of the agent's history. Version is nil when the
// agent did not echo a version, which means "unchanged".
type HistoryPage struct {
	Records []Sample
	Version *int64
}

// LabelCriterion assigns Label to processes whose command line contains Keyword.
type LabelCriterion struct {
	Keyword string `json:"keyword"`
	Label   string `json:"label"`
}

// Match reports whether the command line contains the criterion keyword.
func (c LabelCriterion) Match(cmdline string) bool {
	if c.Keyword == "" {
		return false
	}
	return strings.Contains(cmdline, c.Keyword)
}

// ServerConfig is the agent configuration served from /api/config. Zero values
// mean "unknown"; callers must not treat a zero interval as "poll constantly".
type ServerConfig struct {
	TargetProcessName         string           `json:"targetProcessName"`
	DurationMillis            int64            `json:"durationMillis"`
	ShouldShowRealtimeDiagram bool             `json:"shouldShowRealtimeDiagram"`
	LatestRecordCount         int              `json:"latestRecordCount"`
	PageUpdateIntervalMillis  int64            `json:"pageUpdateIntervalMillis"`
	ShouldWriteLogs           bool             `json:"shouldWriteLogs"`
	ShouldDisableGPU          bool             `json:"shouldDisableGpu"`
	ShouldShowTotalOnly       bool             `json:"shouldShowTotalOnly"`
	Port                      int              `json:"port"`
	HistoryUpperBound         int              `json:"historyUpperBound"`
	CPUDurationMillis         int64            `json:"cpuDurationMillis"`
	GPUDurationMillis         int64            `json:"gpuDurationMillis"`
	LabelCriteria             []LabelCriterion `json:"labelCriteria"`
}

// PollInterval returns the agent's page update interval, or fallback when the
// agent did not supply one. A non-positive fallback is replaced with one second.
func (c ServerConfig) PollInterval(fallback time.Duration) time.Duration {
	if c.PageUpdateIntervalMillis > 0 {
		return time.Duration(c.PageUpdateIntervalMillis) * time.Millisecond
	}
	if fallback <= 0 {
		return time.Second
	}
	return fallback
}

// LabelFor returns the label of the first criterion matching cmdline.
func (c ServerConfig) LabelFor(cmdline string) (string, bool) {
	for _, criterion := range c.LabelCriteria {
		if criterion.Match(cmdline) {
			return criterion.Label, true
		}
	}
	return "", false
}

// IsPseudo reports whether pid is one of the client-side pseudo-processes.
func IsPseudo(pid int) bool {
	return pid == AggregatePID || pid == SystemPID
}

// AggregateProcess is the synthetic "all tracked processes" entry.
func AggregateProcess() Process {
	return Process{ProcessID: AggregatePID, Name: "all", Label: "Total"}
}

// SystemProcess is the synthetic "whole system" entry.
func SystemProcess() Process {
	return Process{ProcessID: SystemPID, Name: "systemwide", Label: "Whole system"}
}

// WithPseudoProcesses prepends the pseudo-process entries to the agent's list.
// An empty list stays empty so callers can still tell "no processes yet".
// With totalOnly only the aggregate entry is returned.
func WithPseudoProcesses(real []Process, totalOnly bool) []Process {
	if len(real) == 0 {
		return []Process{}
	}
	if totalOnly {
		return []Process{AggregateProcess()}
	}
	out := make([]Process, 0, len(real)+2)
	out = append(out, AggregateProcess(), SystemProcess())
	for _, p := range real {
		if IsPseudo(p.ProcessID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CountReal returns how many entries are real processes.
func CountReal(processes []Process) int {
	n := 0
	for _, p := range processes {
		if !IsPseudo(p.ProcessID) {
			n++
		}
	}
	return n
}
