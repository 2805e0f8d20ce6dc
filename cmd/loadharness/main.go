package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"kprofiler/internal/agentsim"
	"kprofiler/stats"
	"kprofiler/syncer"
	"kprofiler/telemetry"
	"kprofiler/transport"
)

// loadharness runs an in-process agent that grows its history at a fixed rate
// and drives a sync engine against it, optionally clearing the agent history
// periodically, to give a repeatable load for profiling the sync path.
func main() {
	var (
		processes  int
		stepEvery  time.Duration
		pollEvery  time.Duration
		runFor     time.Duration
		clearEvery time.Duration
		maxPage    int
	)
	fs := pflag.NewFlagSet("loadharness", pflag.ContinueOnError)
	fs.IntVar(&processes, "processes", 32, "synthetic processes per generator step")
	fs.DurationVar(&stepEvery, "step", 10*time.Millisecond, "generator step interval")
	fs.DurationVar(&pollEvery, "poll", 50*time.Millisecond, "engine poll interval")
	fs.DurationVar(&runFor, "duration", 30*time.Second, "how long to run the load")
	fs.DurationVar(&clearEvery, "clear-every", 0, "clear the agent history this often (0 = never)")
	fs.IntVar(&maxPage, "max-page", 0, "cap records per history response (0 = unlimited)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if processes <= 0 || runFor <= 0 {
		log.Fatalf("processes and duration must be >0 (got %d, %s)", processes, runFor)
	}

	procs := make([]telemetry.Process, 0, processes)
	for i := 0; i < processes; i++ {
		procs = append(procs, telemetry.Process{ProcessID: 2000 + i, Name: "load.exe"})
	}
	srv := agentsim.New(agentsim.Options{
		InitialVersion: 1,
		MaxPage:        maxPage,
		Config:         telemetry.ServerConfig{TargetProcessName: "load.exe", PageUpdateIntervalMillis: pollEvery.Milliseconds()},
	})
	srv.SetProcesses(procs)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	tracker := stats.NewTracker()
	client := transport.New(transport.Options{
		BaseURL: httpSrv.URL,
		OnError: tracker.ObserveFailure,
	})
	var committed atomic.Uint64
	engine := syncer.New(syncer.Options{
		Transport: client,
		Interval:  pollEvery,
		Tracker:   tracker,
		OnCommit:  func(batch []telemetry.Sample) { committed.Add(uint64(len(batch))) },
	})

	log.Printf("loadharness: starting processes=%d step=%s poll=%s duration=%s clear-every=%s max-page=%d",
		processes, stepEvery, pollEvery, runFor, clearEvery, maxPage)

	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()

	go agentsim.NewGenerator(procs, uint64(time.Now().UnixNano())).Run(ctx, srv, stepEvery)
	if clearEvery > 0 {
		go func() {
			ticker := time.NewTicker(clearEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					engine.Clear(ctx)
				}
			}
		}()
	}
	start := time.Now()
	_ = engine.Run(ctx)
	engine.Stop()
	elapsed := time.Since(start)

	v := engine.View()
	log.Println("loadharness: complete")
	for _, line := range tracker.SnapshotLines() {
		log.Print(line)
	}
	log.Printf("agent records=%s version=%d, buffer=%s version=%d, committed=%s",
		humanize.Comma(int64(srv.Len())), srv.Version(),
		humanize.Comma(int64(len(v.Samples))), v.Version,
		humanize.Comma(int64(committed.Load())))
	log.Printf("throughput=%.1f samples/sec over %s", float64(committed.Load())/elapsed.Seconds(), elapsed.Round(time.Millisecond))
}
