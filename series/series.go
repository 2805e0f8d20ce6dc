// Package series derives per-process chart series from the sync buffer. Every
// call recomputes from the samples it is given; nothing is cached.
package series

import (
	"math"
	"time"

	"kprofiler/telemetry"
)

// TimestampLayout formats axis labels.
const TimestampLayout = "15:04:05"

// Series is the chart data for one process, in buffer arrival order.
type Series struct {
	ProcessID  int
	Timestamps []string
	CPU        []float64
	GPU        []float64
	// Memory is nil for the whole-system pseudo-process.
	Memory    []telemetry.MemoryBreakdown
	HasMemory bool
}

// Len returns the number of points.
func (s Series) Len() int {
	return len(s.Timestamps)
}

// Metric selects one memory sub-metric.
type Metric int

const (
	MetricRSS Metric = iota
	MetricUSS
	MetricVMS
	MetricWorkingSet
	MetricPrivateWorkingSet
	MetricTaskmgr
	MetricSystemAvailable
	MetricSystemTotal
)

var metricNames = [...]string{
	MetricRSS:               "rss",
	MetricUSS:               "uss",
	MetricVMS:               "vms",
	MetricWorkingSet:        "working set",
	MetricPrivateWorkingSet: "private working set",
	MetricTaskmgr:           "task manager",
	MetricSystemAvailable:   "system available",
	MetricSystemTotal:       "system total",
}

func (m Metric) String() string {
	if m < 0 || int(m) >= len(metricNames) {
		return "unknown"
	}
	return metricNames[m]
}

// Metrics lists every memory metric in display order.
func Metrics() []Metric {
	return []Metric{MetricRSS, MetricUSS, MetricVMS, MetricWorkingSet, MetricPrivateWorkingSet, MetricTaskmgr, MetricSystemAvailable, MetricSystemTotal}
}

// Value extracts the metric from a breakdown.
func (m Metric) Value(b telemetry.MemoryBreakdown) float64 {
	switch m {
	case MetricRSS:
		return b.ResidentSetSize
	case MetricUSS:
		return b.UniqueSetSize
	case MetricVMS:
		return b.VirtualSize
	case MetricWorkingSet:
		return b.WorkingSet
	case MetricPrivateWorkingSet:
		return b.PrivateWorkingSet
	case MetricTaskmgr:
		return b.FromTaskmgr
	case MetricSystemAvailable:
		return b.SystemAvailable
	case MetricSystemTotal:
		return b.SystemTotal
	}
	return 0
}

// MemoryValues returns one memory metric as a flat series, or nil when the
// series has no memory.
func (s Series) MemoryValues(m Metric) []float64 {
	if !s.HasMemory {
		return nil
	}
	out := make([]float64, len(s.Memory))
	for i, b := range s.Memory {
		out[i] = m.Value(b)
	}
	return out
}

// Derive builds the series for pid with timestamps in local time.
func Derive(samples []telemetry.Sample, pid int) Series {
	return DeriveIn(samples, pid, time.Local)
}

// Purpose: Build the chart series for one process.
// Key aspects: Filters by pid in arrival order. pid 0 aggregates every real
// process per timestamp; pid 4 never carries memory.
// Upstream: Derive, DeriveAll, ui dashboard.
// Downstream: aggregate.
func DeriveIn(samples []telemetry.Sample, pid int, loc *time.Location) Series {
	if loc == nil {
		loc = time.Local
	}
	if pid == telemetry.AggregatePID {
		return aggregate(samples, loc)
	}
	s := Series{ProcessID: pid, HasMemory: pid != telemetry.SystemPID}
	for _, sample := range samples {
		if sample.ProcessID() != pid {
			continue
		}
		s.Timestamps = append(s.Timestamps, formatTimestamp(sample, loc))
		s.CPU = append(s.CPU, sample.CPUPercentage)
		s.GPU = append(s.GPU, sample.GPUPercentage)
		if s.HasMemory {
			s.Memory = append(s.Memory, sample.Memory)
		}
	}
	return s
}

type bucket struct {
	ts     float64
	cpu    float64
	gpu    float64
	memory telemetry.MemoryBreakdown
}

// Real-process rows sharing a timestamp are summed; the system-wide memory
// figures come from the latest row in the bucket since every process reports
// the same host.
func aggregate(samples []telemetry.Sample, loc *time.Location) Series {
	index := make(map[float64]int)
	var buckets []bucket
	for _, sample := range samples {
		if telemetry.IsPseudo(sample.ProcessID()) {
			continue
		}
		i, ok := index[sample.TimestampSeconds]
		if !ok {
			i = len(buckets)
			index[sample.TimestampSeconds] = i
			buckets = append(buckets, bucket{ts: sample.TimestampSeconds})
		}
		b := &buckets[i]
		b.cpu += sample.CPUPercentage
		b.gpu += sample.GPUPercentage
		m := sample.Memory
		b.memory.UniqueSetSize += m.UniqueSetSize
		b.memory.ResidentSetSize += m.ResidentSetSize
		b.memory.VirtualSize += m.VirtualSize
		b.memory.WorkingSet += m.WorkingSet
		b.memory.PrivateWorkingSet += m.PrivateWorkingSet
		b.memory.FromTaskmgr += m.FromTaskmgr
		b.memory.VSize += m.VSize
		b.memory.SystemTotal = m.SystemTotal
		b.memory.SystemAvailable = m.SystemAvailable
	}

	s := Series{ProcessID: telemetry.AggregatePID, HasMemory: true}
	if len(buckets) == 0 {
		return s
	}
	s.Timestamps = make([]string, len(buckets))
	s.CPU = make([]float64, len(buckets))
	s.GPU = make([]float64, len(buckets))
	s.Memory = make([]telemetry.MemoryBreakdown, len(buckets))
	for i, b := range buckets {
		s.Timestamps[i] = formatTimestamp(telemetry.Sample{TimestampSeconds: b.ts}, loc)
		s.CPU[i] = b.cpu
		s.GPU[i] = b.gpu
		s.Memory[i] = b.memory
	}
	return s
}

func formatTimestamp(s telemetry.Sample, loc *time.Location) string {
	return s.Time().In(loc).Format(TimestampLayout)
}

// DeriveAll builds one series per process, in process list order.
func DeriveAll(samples []telemetry.Sample, processes []telemetry.Process) []Series {
	out := make([]Series, 0, len(processes))
	for _, p := range processes {
		out = append(out, Derive(samples, p.ProcessID))
	}
	return out
}

// Summary holds the reference lines drawn over a series.
type Summary struct {
	Count int
	Avg   float64
	Min   float64
	Max   float64
	Last  float64
}

// Summarize computes average, extremes and last value. An empty input yields
// the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Summary{
		Count: len(values),
		Avg:   sum / float64(len(values)),
		Min:   lo,
		Max:   hi,
		Last:  values[len(values)-1],
	}
}
