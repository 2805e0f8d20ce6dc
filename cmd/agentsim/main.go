// Command agentsim serves a synthetic monitoring agent so the dashboard can be
// run and demoed without the real agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"kprofiler/internal/agentsim"
	"kprofiler/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		listen     string
		target     string
		processes  int
		interval   time.Duration
		seed       uint64
		maxPage    int
		version    int64
		totalOnly  bool
		disableGPU bool
	)
	fs := pflag.NewFlagSet("agentsim", pflag.ContinueOnError)
	fs.StringVar(&listen, "listen", "127.0.0.1:6308", "address to serve the agent API on")
	fs.StringVar(&target, "target", "chrome.exe", "target process name reported in /api/config")
	fs.IntVar(&processes, "processes", 4, "number of synthetic processes")
	fs.DurationVar(&interval, "interval", time.Second, "sample interval, also reported as the page update interval")
	fs.Uint64Var(&seed, "seed", 1, "random seed for reproducible series")
	fs.IntVar(&maxPage, "max-page", 0, "cap records per history response (0 = unlimited)")
	fs.Int64Var(&version, "initial-version", 1, "history version at startup")
	fs.BoolVar(&totalOnly, "total-only", false, "report shouldShowTotalOnly")
	fs.BoolVar(&disableGPU, "disable-gpu", false, "report shouldDisableGpu")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if processes <= 0 {
		return fmt.Errorf("processes must be >0 (got %d)", processes)
	}

	procs := make([]telemetry.Process, 0, processes)
	for i := 0; i < processes; i++ {
		procs = append(procs, telemetry.Process{ProcessID: 1000 + i, Name: target})
	}
	cfg := telemetry.ServerConfig{
		TargetProcessName:        target,
		PageUpdateIntervalMillis: interval.Milliseconds(),
		ShouldShowTotalOnly:      totalOnly,
		ShouldDisableGPU:         disableGPU,
		LabelCriteria:            []telemetry.LabelCriterion{{Keyword: "--type=gpu", Label: "GPU process"}},
	}
	srv := agentsim.New(agentsim.Options{InitialVersion: version, MaxPage: maxPage, Config: cfg})
	srv.SetProcesses(procs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := agentsim.NewGenerator(procs, seed)
	go gen.Run(ctx, srv, interval)

	httpSrv := &http.Server{Addr: listen, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Printf("agentsim: serving %d %s processes on http://%s (version %d)", processes, target, listen, version)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Printf("agentsim: stopped with %d records at version %d", srv.Len(), srv.Version())
	return nil
}
