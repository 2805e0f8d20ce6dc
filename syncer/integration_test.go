package syncer_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"kprofiler/internal/agentsim"
	"kprofiler/syncer"
	"kprofiler/telemetry"
	"kprofiler/transport"
)

func agentSample(ts float64, pid int, cpu float64) telemetry.Sample {
	return telemetry.Sample{
		TimestampSeconds: ts,
		Process:          telemetry.Process{ProcessID: pid, Name: "chrome.exe"},
		CPUPercentage:    cpu,
		GPUPercentage:    cpu / 3,
		Memory:           telemetry.MemoryBreakdown{ResidentSetSize: 100 + cpu, SystemTotal: 16384, SystemAvailable: 9000.125},
	}
}

func tickUntil(t *testing.T, e *syncer.Engine, want syncer.Outcome) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := e.Tick(context.Background())
		if got == want {
			return
		}
		if got != syncer.OutcomeDeferred || time.Now().After(deadline) {
			t.Fatalf("expected %s, got %s", want, got)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertMirrors(t *testing.T, e *syncer.Engine, srv *agentsim.Server) {
	t.Helper()
	v := e.View()
	if !slices.Equal(v.Samples, srv.Records()) {
		t.Fatalf("buffer diverged from agent: %d local vs %d remote", len(v.Samples), srv.Len())
	}
	if v.Version != srv.Version() {
		t.Fatalf("expected version %d, got %d", srv.Version(), v.Version)
	}
}

func TestEngineAgainstAgent(t *testing.T) {
	srv := agentsim.New(agentsim.Options{
		InitialVersion: 3,
		MaxPage:        2,
		Config:         telemetry.ServerConfig{TargetProcessName: "chrome.exe"},
	})
	srv.SetProcesses([]telemetry.Process{{ProcessID: 10, Name: "chrome.exe"}, {ProcessID: 11, Name: "chrome.exe"}})
	for i := 0; i < 5; i++ {
		srv.Append(agentSample(float64(1000+i), 10+i%2, float64(i)))
	}
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	var committed int
	e := syncer.New(syncer.Options{
		Transport: transport.New(transport.Options{BaseURL: hs.URL}),
		Interval:  time.Hour,
		OnCommit:  func(batch []telemetry.Sample) { committed += len(batch) },
	})
	defer e.Stop()
	ctx := context.Background()

	if cfg := e.ReloadConfig(ctx); cfg.TargetProcessName != "chrome.exe" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	e.ReloadProcesses(ctx)
	if got := telemetry.CountReal(e.View().Processes); got != 2 {
		t.Fatalf("expected 2 real processes, got %d", got)
	}

	// Version 0 never matches the agent, so the first page is discarded.
	tickUntil(t, e, syncer.OutcomeReset)
	if len(e.View().Samples) != 0 {
		t.Fatalf("reset must not keep the mismatched payload")
	}
	tickUntil(t, e, syncer.OutcomeAppended)
	tickUntil(t, e, syncer.OutcomeAppended)
	tickUntil(t, e, syncer.OutcomeAppended)
	tickUntil(t, e, syncer.OutcomeEmpty)
	assertMirrors(t, e, srv)
	if committed != 5 {
		t.Fatalf("expected 5 committed samples, got %d", committed)
	}

	// Paused polling replays the gap in one resumed tick.
	e.Pause()
	srv.Append(agentSample(1005, 10, 5))
	tickUntil(t, e, syncer.OutcomePaused)
	e.Resume()
	tickUntil(t, e, syncer.OutcomeAppended)
	assertMirrors(t, e, srv)

	// Clear empties both sides; the agent's version bump is absorbed as a reset.
	e.Clear(ctx)
	tickUntil(t, e, syncer.OutcomeReset)
	srv.Append(agentSample(2000, 11, 9))
	tickUntil(t, e, syncer.OutcomeAppended)
	assertMirrors(t, e, srv)

	// Export, load, resume: the buffer resynchronizes under the agent's new version.
	text, err := e.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	before := srv.Version()
	if err := e.LoadSnapshot(ctx, text); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if v := e.View(); v.Mode != syncer.ModeLoaded || !v.Paused || !slices.Equal(v.Samples, srv.Records()) {
		t.Fatalf("expected loaded paused buffer equal to the export, got mode=%s paused=%v n=%d", v.Mode, v.Paused, len(v.Samples))
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Version() == before {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot upload never reached the agent")
		}
		time.Sleep(2 * time.Millisecond)
	}
	e.Resume()
	tickUntil(t, e, syncer.OutcomeReset)
	tickUntil(t, e, syncer.OutcomeAppended)
	assertMirrors(t, e, srv)
}

func TestEngineSurvivesAgentOutage(t *testing.T) {
	srv := agentsim.New(agentsim.Options{})
	srv.Append(agentSample(1, 10, 1))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	var failures []string
	e := syncer.New(syncer.Options{
		Transport: transport.New(transport.Options{
			BaseURL: hs.URL,
			OnError: func(op string, _ error) { failures = append(failures, op) },
		}),
		Interval: time.Hour,
	})
	defer e.Stop()

	srv.SetFailing(true)
	tickUntil(t, e, syncer.OutcomeEmpty)
	if len(failures) == 0 {
		t.Fatalf("expected the outage to be reported")
	}
	srv.SetFailing(false)
	tickUntil(t, e, syncer.OutcomeAppended)
	assertMirrors(t, e, srv)
}
