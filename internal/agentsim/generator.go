package agentsim

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"kprofiler/telemetry"
)

// Generator produces a random-walk sample per process on every step.
type Generator struct {
	processes []telemetry.Process
	rng       *rand.Rand
	cpu       map[int]float64
	mem       map[int]float64
	systemMB  float64
}

// NewGenerator builds a generator for the given processes. The seed makes runs reproducible.
func NewGenerator(processes []telemetry.Process, seed uint64) *Generator {
	g := &Generator{
		processes: processes,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		cpu:       make(map[int]float64, len(processes)),
		mem:       make(map[int]float64, len(processes)),
		systemMB:  32768,
	}
	for _, p := range processes {
		g.cpu[p.ProcessID] = 5 + g.rng.Float64()*20
		g.mem[p.ProcessID] = 200 + g.rng.Float64()*800
	}
	return g
}

// Step returns one sample per process plus one whole-system sample, all stamped now.
func (g *Generator) Step(now time.Time) []telemetry.Sample {
	ts := float64(now.Unix())
	out := make([]telemetry.Sample, 0, len(g.processes)+1)
	var totalCPU, totalMem float64
	for _, p := range g.processes {
		cpu := clamp(g.cpu[p.ProcessID]+g.rng.NormFloat64()*3, 0, 100)
		mem := math.Max(50, g.mem[p.ProcessID]+g.rng.NormFloat64()*10)
		g.cpu[p.ProcessID] = cpu
		g.mem[p.ProcessID] = mem
		totalCPU += cpu
		totalMem += mem
		out = append(out, telemetry.Sample{
			TimestampSeconds: ts,
			Process:          p,
			CPUPercentage:    round2(cpu),
			GPUPercentage:    round2(clamp(cpu*0.4+g.rng.Float64()*5, 0, 100)),
			Memory: telemetry.MemoryBreakdown{
				UniqueSetSize:     round2(mem * 0.8),
				ResidentSetSize:   round2(mem),
				VirtualSize:       round2(mem * 3),
				WorkingSet:        round2(mem * 0.95),
				PrivateWorkingSet: round2(mem * 0.7),
				SystemTotal:       g.systemMB,
				SystemAvailable:   round2(math.Max(0, g.systemMB-8000-totalMem)),
				FromTaskmgr:       round2(mem * 0.75),
				VSize:             math.Round(mem * 3 * 1024 * 1024),
			},
		})
	}
	out = append(out, telemetry.Sample{
		TimestampSeconds: ts,
		Process:          telemetry.SystemProcess(),
		CPUPercentage:    round2(clamp(totalCPU/4+10, 0, 100)),
		GPUPercentage:    round2(clamp(totalCPU/8, 0, 100)),
	})
	return out
}

// Run appends a step to s every interval until ctx is done.
func (g *Generator) Run(ctx context.Context, s *Server, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Append(g.Step(now)...)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
