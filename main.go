// Program kprofiler is the live dashboard client for the process telemetry
// agent. It wires the agent transport, the sync engine, the optional sample
// recorder and the terminal dashboard (or a headless stats log).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"kprofiler/config"
	"kprofiler/internal/ratelimit"
	"kprofiler/recorder"
	"kprofiler/stats"
	"kprofiler/syncer"
	"kprofiler/telemetry"
	"kprofiler/transport"
	"kprofiler/ui"
)

const (
	defaultConfigPath       = "data/config.yaml"
	envConfigPath           = "KPROF_CONFIG_PATH"
	transportLogInterval    = 30 * time.Second
	shutdownDrainTimeout    = 5 * time.Second
	recorderPreflightBudget = 10 * time.Second
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// cliOptions holds command-line overrides. Empty values leave config as is.
type cliOptions struct {
	ConfigPath   string
	ServerURL    string
	UIMode       string
	PollInterval time.Duration
	ShowVersion  bool
}

// Purpose: Parse command-line flags.
// Key aspects: ContinueOnError so main decides how to report bad input.
// Upstream: main.
// Downstream: pflag.FlagSet.Parse.
func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := pflag.NewFlagSet("kprofiler", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	fs.StringVar(&opts.ServerURL, "server", "", "agent base URL, overrides server.url")
	fs.StringVar(&opts.UIMode, "ui", "", "dashboard mode: tview or headless")
	fs.DurationVar(&opts.PollInterval, "poll-interval", 0, "fallback poll delay until the agent reports its own")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

// Purpose: Resolve and load the client configuration.
// Key aspects: Tries the flag path, then the env path, then the default path.
// An explicit path that does not exist is an error; a missing default falls
// back to built-in defaults.
// Upstream: main.
// Downstream: config.Load, config.Default.
func loadConfig(flagPath string) (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if p := strings.TrimSpace(flagPath); p != "" {
		candidates = append(candidates, p)
	} else if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		candidates = append(candidates, p)
	}
	explicit := len(candidates) > 0
	if !explicit {
		candidates = append(candidates, defaultConfigPath)
	}

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	if explicit {
		return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
	}
	return config.Default(), "built-in defaults", nil
}

// applyOverrides layers flag values onto cfg and re-validates.
func applyOverrides(cfg *config.Config, opts cliOptions) error {
	if v := strings.TrimSpace(opts.ServerURL); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(opts.UIMode); v != "" {
		cfg.UI.Mode = v
	}
	if opts.PollInterval > 0 {
		cfg.Sync.PollIntervalMS = int(opts.PollInterval / time.Millisecond)
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

// Purpose: Detect whether stdout is attached to an interactive terminal.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main UI selection.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// transportErrorReporter counts every absorbed agent failure and logs at
// most one line per operation per interval.
func transportErrorReporter(tracker *stats.Tracker, limiter *ratelimit.Keyed) func(op string, err error) {
	return func(op string, err error) {
		tracker.ObserveFailure(op, err)
		total, ok := limiter.Inc(op)
		if !ok {
			return
		}
		cause := err
		var terr *transport.Error
		if errors.As(err, &terr) {
			cause = terr.Err
			if terr.Status != 0 {
				cause = fmt.Errorf("status %d", terr.Status)
			}
		}
		log.Printf("Transport: %s failed (%s so far): %v", op, humanize.Comma(int64(total)), cause)
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("kprofiler %s\n", Version)
		return
	}
	if err := run(opts); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(opts cliOptions) error {
	cfg, configSource, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	defer fanout.Close()
	// The fanout stamps its own timestamps.
	log.SetFlags(0)
	log.SetOutput(fanout)
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}

	var dash ui.Surface
	switch cfg.UI.Mode {
	case config.UIModeHeadless:
		log.Printf("UI disabled (mode=headless)")
	case config.UIModeTview:
		if !isStdoutTTY() {
			log.Printf("UI disabled (tview requires an interactive console)")
		}
	}

	log.Printf("kprofiler %s starting, config from %s", Version, configSource)
	tracker := stats.NewTracker()
	client := transport.New(transport.Options{
		BaseURL:   cfg.Server.URL,
		Timeout:   cfg.ServerTimeout(),
		UserAgent: cfg.Server.UserAgent,
		OnError:   transportErrorReporter(tracker, ratelimit.NewKeyed(transportLogInterval)),
	})

	var rec *recorder.Recorder
	engineOpts := syncer.Options{
		Transport: client,
		Interval:  cfg.PollInterval(),
		Tracker:   tracker,
		TotalOnly: cfg.Sync.TotalOnly,
	}
	if cfg.Recorder.Enabled {
		rec, err = recorder.Open(recorder.Options{
			DBPath:           cfg.Recorder.DBPath,
			QueueSize:        cfg.Recorder.QueueSize,
			BatchSize:        cfg.Recorder.BatchSize,
			BatchInterval:    cfg.Recorder.BatchInterval(),
			PreflightTimeout: recorderPreflightBudget,
		})
		if err != nil {
			log.Printf("Warning: recorder disabled: %v", err)
		} else {
			rec.Start()
			engineOpts.OnCommit = rec.Enqueue
			log.Printf("Recorder: archiving samples to %s", cfg.Recorder.DBPath)
		}
	}
	engine := syncer.New(engineOpts)

	if cfg.UI.Mode == config.UIModeTview && isStdoutTTY() {
		d := ui.NewDashboard(ui.Options{
			Engine:      engine,
			SnapshotDir: cfg.Snapshot.Dir,
			RefreshFPS:  cfg.UI.RefreshFPS,
		})
		d.WaitReady()
		fanout.SetConsoleSink(d.SystemWriter(), false)
		d.SetStats([]string{"Initializing..."})
		dash = d
	} else {
		cfg.Print()
	}

	if cfg.Sync.AutoPauseMinutes > 0 && engine.ScheduleAutoPause(cfg.Sync.AutoPauseMinutes) {
		log.Printf("Sync: auto-pause in %d minute(s)", cfg.Sync.AutoPauseMinutes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Sync: loop stopped: %v", err)
		}
	}()
	statsInterval := time.Duration(cfg.UI.StatsIntervalSeconds) * time.Second
	go displayStats(ctx, statsInterval, tracker, engine, rec, dash, fanout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Printf("Polling %s. Press Ctrl+C to stop.", cfg.Server.URL)
	var quit <-chan struct{}
	if dash != nil {
		quit = dash.Done()
	}
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case <-quit:
		log.Printf("Dashboard closed")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(shutdownDrainTimeout):
		log.Printf("Warning: sync loop did not stop within %s", shutdownDrainTimeout)
	}
	engine.Stop()
	if dash != nil {
		dash.Stop()
		fanout.SetConsoleSink(os.Stdout, true)
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("Recorder: close: %v", err)
		}
		log.Printf("Recorder: wrote %s samples, dropped %s",
			humanize.Comma(int64(rec.Written())), humanize.Comma(int64(rec.Dropped())))
	}
	for _, line := range statsLines(tracker, engine, rec) {
		log.Print(line)
	}
	log.Println("kprofiler stopped")
	return nil
}

// Purpose: Periodically emit sync stats.
// Key aspects: With the dashboard the lines go to its stats pane and only to
// the log file; headless they are logged normally.
// Upstream: run.
// Downstream: statsLines, ui.Surface.SetStats, logFanout.WriteFileOnlyLine.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, engine *syncer.Engine, rec *recorder.Recorder, dash ui.Surface, fanout *logFanout) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lines := statsLines(tracker, engine, rec)
		if dash == nil {
			for _, line := range lines {
				log.Print(line)
			}
			continue
		}
		dash.SetStats(lines)
		now := time.Now().UTC()
		for _, line := range lines {
			fanout.WriteFileOnlyLine(line, now)
		}
	}
}

// statsLines combines tracker counters with the engine and recorder state.
func statsLines(tracker *stats.Tracker, engine *syncer.Engine, rec *recorder.Recorder) []string {
	lines := tracker.SnapshotLines()
	v := engine.View()
	state := "running"
	if v.Paused {
		state = "paused"
	}
	lines = append(lines, fmt.Sprintf("Buffer: %s samples, version %d, %s/%s, %d processes",
		humanize.Comma(int64(len(v.Samples))), v.Version, v.Mode, state, telemetry.CountReal(v.Processes)))
	if rec != nil {
		lines = append(lines, fmt.Sprintf("Recorder: %s written, %s dropped",
			humanize.Comma(int64(rec.Written())), humanize.Comma(int64(rec.Dropped()))))
	}
	return lines
}
