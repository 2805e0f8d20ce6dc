package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kprofiler/internal/agentsim"
	"kprofiler/snapshot"
	"kprofiler/telemetry"
)

type errorLog struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (l *errorLog) record(op string, err error) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

func newSimClient(t *testing.T, opts agentsim.Options) (*agentsim.Server, *Client, *errorLog) {
	t.Helper()
	sim := agentsim.New(opts)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	log := &errorLog{}
	client := New(Options{BaseURL: srv.URL + "/", Timeout: time.Second, OnError: log.record})
	return sim, client, log
}

func proc(pid int) telemetry.Process {
	return telemetry.Process{ProcessID: pid, Name: "p.exe", Label: "main"}
}

func TestFetchHistoryPageEchoesVersionOnMismatch(t *testing.T) {
	sim, client, log := newSimClient(t, agentsim.Options{InitialVersion: 3})
	sim.Append(
		telemetry.Sample{TimestampSeconds: 1, Process: proc(10), CPUPercentage: 1},
		telemetry.Sample{TimestampSeconds: 2, Process: proc(10), CPUPercentage: 2},
	)
	ctx := context.Background()

	page := client.FetchHistoryPage(ctx, 0, 0)
	if page.Version == nil || *page.Version != 3 {
		t.Fatalf("expected version 3 on first contact, got %v", page.Version)
	}

	page = client.FetchHistoryPage(ctx, 1, 3)
	if page.Version != nil {
		t.Fatalf("expected no version when unchanged, got %d", *page.Version)
	}
	if len(page.Records) != 1 || page.Records[0].CPUPercentage != 2 {
		t.Fatalf("expected the sample after cursor 1, got %+v", page.Records)
	}
	if log.count() != 0 {
		t.Fatalf("expected no errors, got %v", log.errs)
	}
}

func TestFetchProcessesDistinguishesAbsentFromEmpty(t *testing.T) {
	sim, client, _ := newSimClient(t, agentsim.Options{})
	ctx := context.Background()

	if procs, ok := client.FetchProcesses(ctx); ok || procs != nil {
		t.Fatalf("expected absent list, got %v ok=%v", procs, ok)
	}
	sim.SetProcesses(nil)
	procs, ok := client.FetchProcesses(ctx)
	if !ok || procs == nil || len(procs) != 0 {
		t.Fatalf("expected confirmed empty list, got %v ok=%v", procs, ok)
	}
	sim.SetProcesses([]telemetry.Process{proc(10), proc(11)})
	procs, ok = client.FetchProcesses(ctx)
	if !ok || len(procs) != 2 {
		t.Fatalf("expected 2 processes, got %v ok=%v", procs, ok)
	}
}

func TestFetchConfig(t *testing.T) {
	_, client, _ := newSimClient(t, agentsim.Options{Config: telemetry.ServerConfig{
		TargetProcessName:        "game.exe",
		PageUpdateIntervalMillis: 750,
		LabelCriteria:            []telemetry.LabelCriterion{{Keyword: "--gpu", Label: "gpu"}},
	}})
	cfg := client.FetchConfig(context.Background())
	if cfg.TargetProcessName != "game.exe" || cfg.PageUpdateIntervalMillis != 750 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.LabelCriteria) != 1 || cfg.LabelCriteria[0].Label != "gpu" {
		t.Fatalf("unexpected label criteria %+v", cfg.LabelCriteria)
	}
}

func TestFailuresFallBackAndReport(t *testing.T) {
	sim, client, log := newSimClient(t, agentsim.Options{InitialVersion: 1})
	sim.SetProcesses([]telemetry.Process{proc(10)})
	sim.SetFailing(true)
	ctx := context.Background()

	if cfg := client.FetchConfig(ctx); cfg.PageUpdateIntervalMillis != 0 || cfg.TargetProcessName != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
	if _, ok := client.FetchProcesses(ctx); ok {
		t.Fatalf("expected absent processes on failure")
	}
	page := client.FetchHistoryPage(ctx, 0, 0)
	if page.Version != nil || len(page.Records) != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
	if _, err := client.DownloadFullHistory(ctx); err == nil {
		t.Fatalf("expected download error")
	}
	if log.count() != 4 {
		t.Fatalf("expected 4 reported failures, got %d", log.count())
	}
	var terr *Error
	if !errors.As(log.errs[2], &terr) || terr.Op != OpHistory || terr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected history 503 error, got %v", log.errs[2])
	}
}

func TestDecodeFailureIsAbsorbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	log := &errorLog{}
	client := New(Options{BaseURL: srv.URL, OnError: log.record})
	page := client.FetchHistoryPage(context.Background(), 5, 2)
	if page.Version != nil || page.Records != nil {
		t.Fatalf("expected empty page, got %+v", page)
	}
	if log.count() != 1 || !strings.Contains(log.errs[0].Error(), "decode") {
		t.Fatalf("expected one decode error, got %v", log.errs)
	}
}

func TestUnreachableAgentIsAbsorbed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	log := &errorLog{}
	client := New(Options{BaseURL: url, Timeout: 200 * time.Millisecond, OnError: log.record})
	page := client.FetchHistoryPage(context.Background(), 0, 0)
	if len(page.Records) != 0 || page.Version != nil {
		t.Fatalf("expected empty page, got %+v", page)
	}
	if log.count() != 1 {
		t.Fatalf("expected one reported failure, got %d", log.count())
	}
}

func TestUploadDownloadClear(t *testing.T) {
	sim, client, _ := newSimClient(t, agentsim.Options{InitialVersion: 1})
	ctx := context.Background()
	samples := []telemetry.Sample{
		{TimestampSeconds: 10, Process: proc(10), CPUPercentage: 1.5, Memory: telemetry.MemoryBreakdown{ResidentSetSize: 100}},
		{TimestampSeconds: 11, Process: proc(11), GPUPercentage: 7.25},
	}
	text := snapshot.Encode(samples)

	if err := client.UploadFullHistory(ctx, text); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if sim.Version() != 2 || sim.Len() != 2 {
		t.Fatalf("expected version bump and 2 samples, got v=%d len=%d", sim.Version(), sim.Len())
	}
	got, err := client.DownloadFullHistory(ctx)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if got != text {
		t.Fatalf("expected download to round trip upload\nwant %q\ngot  %q", text, got)
	}
	if err := client.ClearHistory(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if sim.Version() != 3 || sim.Len() != 0 {
		t.Fatalf("expected cleared history with version 3, got v=%d len=%d", sim.Version(), sim.Len())
	}
}

func TestUploadRejectsMalformedSnapshot(t *testing.T) {
	_, client, log := newSimClient(t, agentsim.Options{})
	err := client.UploadFullHistory(context.Background(), "not,a,snapshot\n")
	var terr *Error
	if !errors.As(err, &terr) || terr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 transport error, got %v", err)
	}
	if log.count() != 1 {
		t.Fatalf("expected failure reported once, got %d", log.count())
	}
}

func TestEmptyBaseURL(t *testing.T) {
	client := New(Options{})
	if _, ok := client.FetchProcesses(context.Background()); ok {
		t.Fatalf("expected absent result without base URL")
	}
}
