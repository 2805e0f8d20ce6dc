package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kprofiler/snapshot"
	"kprofiler/telemetry"
)

type fetchCall struct {
	cursor  int64
	version int64
}

// fakeTransport serves an append-only history like the agent does, or a
// scripted sequence of pages when pages is non-empty.
type fakeTransport struct {
	mu           sync.Mutex
	history      []telemetry.Sample
	version      int64
	pages        []telemetry.HistoryPage
	calls        []fetchCall
	processes    []telemetry.Process
	hasProcesses bool
	config       telemetry.ServerConfig
	uploads      []string
	clears       int

	entered chan struct{}
	release chan struct{}
}

func (f *fakeTransport) FetchConfig(context.Context) telemetry.ServerConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *fakeTransport) FetchProcesses(context.Context) ([]telemetry.Process, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasProcesses {
		return nil, false
	}
	return append([]telemetry.Process{}, f.processes...), true
}

func (f *fakeTransport) FetchHistoryPage(_ context.Context, cursor, version int64) telemetry.HistoryPage {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{cursor: cursor, version: version})
	entered, release := f.entered, f.release
	var page telemetry.HistoryPage
	if len(f.pages) > 0 {
		page = f.pages[0]
		f.pages = f.pages[1:]
	} else {
		if int(cursor) < len(f.history) {
			page.Records = append([]telemetry.Sample(nil), f.history[cursor:]...)
		}
		if version != f.version {
			v := f.version
			page.Version = &v
		}
	}
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return page
}

func (f *fakeTransport) DownloadFullHistory(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshot.Encode(f.history), nil
}

func (f *fakeTransport) UploadFullHistory(_ context.Context, text string) error {
	samples, err := snapshot.Parse(text)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, text)
	f.history = samples
	f.version++
	return nil
}

func (f *fakeTransport) ClearHistory(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.history = nil
	f.version++
	return nil
}

func (f *fakeTransport) append(samples ...telemetry.Sample) {
	f.mu.Lock()
	f.history = append(f.history, samples...)
	f.mu.Unlock()
}

func (f *fakeTransport) fetches() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []string
	records  int
}

func (o *outcomeLog) ObservePoll(outcome string, records int, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.records += records
	o.mu.Unlock()
}

func sample(ts float64, pid int, cpu float64) telemetry.Sample {
	return telemetry.Sample{
		TimestampSeconds: ts,
		Process:          telemetry.Process{ProcessID: pid, Name: "proc.exe", Label: "main"},
		CPUPercentage:    cpu,
		GPUPercentage:    cpu / 2,
		Memory:           telemetry.MemoryBreakdown{ResidentSetSize: 100 + cpu, SystemTotal: 16384},
	}
}

func version(v int64) *int64 { return &v }

func newTestEngine(ft *fakeTransport, clock *fakeClock) *Engine {
	opts := Options{Transport: ft, Interval: 20 * time.Millisecond}
	if clock != nil {
		opts.Now = clock.Now
	}
	return New(opts)
}

func assertSamples(t *testing.T, got, want []telemetry.Sample) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConcreteVersionResetScenario(t *testing.T) {
	s1, s2 := sample(1, 10, 1), sample(2, 10, 2)
	ft := &fakeTransport{pages: []telemetry.HistoryPage{
		{Records: []telemetry.Sample{s1, s2}, Version: version(0)},
		{Records: []telemetry.Sample{}, Version: version(7)},
	}}
	e := newTestEngine(ft, nil)
	ctx := context.Background()

	if got := e.Tick(ctx); got != OutcomeAppended {
		t.Fatalf("expected appended, got %s", got)
	}
	assertSamples(t, e.View().Samples, []telemetry.Sample{s1, s2})

	if got := e.Tick(ctx); got != OutcomeReset {
		t.Fatalf("expected reset, got %s", got)
	}
	calls := ft.fetches()
	if calls[0] != (fetchCall{0, 0}) || calls[1] != (fetchCall{2, 0}) {
		t.Fatalf("unexpected fetch calls %+v", calls)
	}
	v := e.View()
	if len(v.Samples) != 0 || v.Cursor() != 0 || v.Version != 7 {
		t.Fatalf("expected empty buffer at version 7, got len=%d version=%d", len(v.Samples), v.Version)
	}
}

func TestMonotonicGrowthPreservesEarlierSamples(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	ctx := context.Background()

	var want []telemetry.Sample
	var views [][]telemetry.Sample
	for round := 0; round < 5; round++ {
		batch := []telemetry.Sample{sample(float64(round*10+2), 11, float64(round)), sample(float64(round*10+1), 10, float64(round))}
		ft.append(batch...)
		want = append(want, batch...)
		e.Tick(ctx)
		views = append(views, e.View().Samples)
	}
	e.Tick(ctx)
	final := e.View().Samples
	assertSamples(t, final, want)
	for i, earlier := range views {
		if len(earlier) > len(final) {
			t.Fatalf("view %d longer than final buffer", i)
		}
		assertSamples(t, earlier, final[:len(earlier)])
	}
	calls := ft.fetches()
	for i, c := range calls {
		if c.cursor != int64(2*i) {
			t.Fatalf("fetch %d: expected cursor %d, got %d", i, 2*i, c.cursor)
		}
	}
}

func TestVersionResetDropsPayloadAndRefillsFromZero(t *testing.T) {
	a, b := sample(1, 10, 1), sample(2, 10, 2)
	x, c, d := sample(50, 10, 9), sample(51, 10, 3), sample(52, 10, 4)
	ft := &fakeTransport{pages: []telemetry.HistoryPage{
		{Records: []telemetry.Sample{a, b}, Version: version(1)},
		{Records: []telemetry.Sample{a, b}},
		{Records: []telemetry.Sample{x}, Version: version(2)},
		{Records: []telemetry.Sample{c, d}},
	}}
	e := newTestEngine(ft, nil)
	ctx := context.Background()

	if got := e.Tick(ctx); got != OutcomeReset {
		t.Fatalf("first contact: expected reset to version 1, got %s", got)
	}
	e.Tick(ctx)
	assertSamples(t, e.View().Samples, []telemetry.Sample{a, b})

	if got := e.Tick(ctx); got != OutcomeReset {
		t.Fatalf("expected reset, got %s", got)
	}
	if n := len(e.View().Samples); n != 0 {
		t.Fatalf("expected payload of the reset response to be dropped, got %d samples", n)
	}
	e.Tick(ctx)
	assertSamples(t, e.View().Samples, []telemetry.Sample{c, d})
	calls := ft.fetches()
	if last := calls[len(calls)-1]; last != (fetchCall{0, 2}) {
		t.Fatalf("expected refill from cursor 0 at version 2, got %+v", last)
	}
}

func TestPauseResumeReplaysGapInOneTick(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	ctx := context.Background()
	ft.append(sample(1, 10, 1))
	e.Tick(ctx)

	e.Pause()
	before := len(ft.fetches())
	for i := 0; i < 5; i++ {
		ft.append(sample(float64(10+i), 10, float64(i)))
		if got := e.Tick(ctx); got != OutcomePaused {
			t.Fatalf("expected paused tick, got %s", got)
		}
	}
	if len(ft.fetches()) != before {
		t.Fatalf("expected no fetch while paused")
	}
	if n := len(e.View().Samples); n != 1 {
		t.Fatalf("expected buffer frozen at 1 sample, got %d", n)
	}

	e.Resume()
	if got := e.Tick(ctx); got != OutcomeAppended {
		t.Fatalf("expected appended after resume, got %s", got)
	}
	if n := len(e.View().Samples); n != 6 {
		t.Fatalf("expected all 5 missed samples after one tick, got %d total", n)
	}
	if last := ft.fetches()[len(ft.fetches())-1]; last.cursor != 1 {
		t.Fatalf("expected resumed fetch at cursor 1, got %d", last.cursor)
	}
}

func TestTogglePause(t *testing.T) {
	e := newTestEngine(&fakeTransport{}, nil)
	if !e.TogglePause() || !e.View().Paused {
		t.Fatalf("expected paused after first toggle")
	}
	if e.TogglePause() || e.View().Paused {
		t.Fatalf("expected running after second toggle")
	}
}

func TestAutoPauseCountdown(t *testing.T) {
	clock := newFakeClock()
	ft := &fakeTransport{}
	e := newTestEngine(ft, clock)
	ctx := context.Background()

	if !e.ScheduleAutoPause(5) {
		t.Fatalf("expected schedule to arm")
	}
	if got := e.View().PauseAt; !got.Equal(clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected pause time %v", got)
	}
	clock.Advance(5*time.Minute - time.Second)
	if got := e.Tick(ctx); got == OutcomeAutoPaused || got == OutcomePaused {
		t.Fatalf("expected live tick before deadline, got %s", got)
	}
	fetched := len(ft.fetches())

	clock.Advance(time.Second)
	if got := e.Tick(ctx); got != OutcomeAutoPaused {
		t.Fatalf("expected auto pause, got %s", got)
	}
	v := e.View()
	if !v.Paused || !v.PauseAt.IsZero() {
		t.Fatalf("expected paused with schedule cleared, got paused=%v pauseAt=%v", v.Paused, v.PauseAt)
	}
	if len(ft.fetches()) != fetched {
		t.Fatalf("expected no fetch on the auto-pause tick")
	}
	if got := e.Tick(ctx); got != OutcomePaused {
		t.Fatalf("expected paused tick afterwards, got %s", got)
	}
}

func TestAutoPauseToggleCancels(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(&fakeTransport{}, clock)

	if !e.ScheduleAutoPause(5) {
		t.Fatalf("expected first call to arm")
	}
	if e.ScheduleAutoPause(5) {
		t.Fatalf("expected second call to cancel")
	}
	if !e.View().PauseAt.IsZero() {
		t.Fatalf("expected schedule cleared")
	}
	clock.Advance(10 * time.Minute)
	if got := e.Tick(context.Background()); got == OutcomeAutoPaused {
		t.Fatalf("cancelled schedule must not pause")
	}
}

func TestAutoPauseInvalidInputCancels(t *testing.T) {
	e := newTestEngine(&fakeTransport{}, newFakeClock())
	cases := []string{"abc", "1.5", "", "-3"}
	for _, raw := range cases {
		e.ScheduleAutoPause(3)
		e.ScheduleAutoPause(3)
		e.ScheduleAutoPause(3)
		if e.View().PauseAt.IsZero() {
			t.Fatalf("setup: expected pending schedule")
		}
		if e.ScheduleAutoPauseInput(raw) {
			t.Fatalf("input %q: expected no schedule", raw)
		}
		if !e.View().PauseAt.IsZero() {
			t.Fatalf("input %q: expected pending schedule cancelled", raw)
		}
	}
	if e.ScheduleAutoPauseInput("-1") {
		t.Fatalf("negative input must not arm")
	}
	if !e.ScheduleAutoPauseInput(" 2 ") {
		t.Fatalf("expected valid input to arm")
	}
}

func TestZeroMinuteAutoPausePausesNextTick(t *testing.T) {
	e := newTestEngine(&fakeTransport{}, newFakeClock())
	e.ScheduleAutoPause(0)
	if got := e.Tick(context.Background()); got != OutcomeAutoPaused {
		t.Fatalf("expected auto pause, got %s", got)
	}
}

func TestLoadExportRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{Transport: ft, Interval: time.Hour})
	defer e.Stop()
	ctx := context.Background()
	ft.append(sample(1.25, 10, 12.5), sample(1.25, 11, 0.3), sample(2, 10, 99.125))
	e.Tick(ctx)
	before := e.View().Samples

	text, err := e.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := e.LoadSnapshot(ctx, text); err != nil {
		t.Fatalf("load: %v", err)
	}
	v := e.View()
	assertSamples(t, v.Samples, before)
	if v.Mode != ModeLoaded || !v.Paused {
		t.Fatalf("expected Loaded/Paused, got %s paused=%v", v.Mode, v.Paused)
	}
}

func TestLoadSnapshotParseErrorLeavesStateUntouched(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	defer e.Stop()
	ctx := context.Background()
	ft.append(sample(1, 10, 1))
	e.Tick(ctx)
	before := e.View()

	err := e.LoadSnapshot(ctx, "this is not a snapshot")
	var perr *snapshot.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *snapshot.ParseError, got %v", err)
	}
	after := e.View()
	assertSamples(t, after.Samples, before.Samples)
	if after.Mode != ModeLive || after.Paused || after.Seq != before.Seq {
		t.Fatalf("expected state untouched, got mode=%s paused=%v", after.Mode, after.Paused)
	}
	e.Stop()
	if len(ft.uploads) != 0 {
		t.Fatalf("expected no upload for a bad snapshot")
	}
}

func TestLoadHoldThenResumeResyncs(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	defer e.Stop()
	ctx := context.Background()
	ft.append(sample(1, 10, 1))
	e.Tick(ctx)

	loaded := []telemetry.Sample{sample(100, 20, 5), sample(101, 20, 6)}
	if err := e.LoadSnapshot(ctx, snapshot.Encode(loaded)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := e.Tick(ctx); got != OutcomePaused {
		t.Fatalf("expected loaded engine to stay paused, got %s", got)
	}

	waitFor(t, "load hold to expire", func() bool {
		v := e.View()
		return v.Mode == ModeLive && v.ResyncPending
	})
	v := e.View()
	if !v.Paused {
		t.Fatalf("expected engine still paused after hold")
	}
	assertSamples(t, v.Samples, loaded)

	waitFor(t, "upload", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.uploads) == 1
	})

	e.Resume()
	v = e.View()
	if len(v.Samples) != 0 || v.ResyncPending || v.Paused {
		t.Fatalf("expected resync to start from an empty running buffer, got %+v", v)
	}
	if got := e.Tick(ctx); got != OutcomeReset {
		t.Fatalf("expected version reset after upload bumped the agent version, got %s", got)
	}
	e.Tick(ctx)
	assertSamples(t, e.View().Samples, loaded)
	calls := ft.fetches()
	if last := calls[len(calls)-1]; last.cursor != 0 {
		t.Fatalf("expected refill from cursor 0, got %d", last.cursor)
	}
}

func TestResumeDuringLoadHoldResyncs(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{Transport: ft, Interval: time.Hour})
	defer e.Stop()
	if err := e.LoadSnapshot(context.Background(), snapshot.Encode([]telemetry.Sample{sample(1, 10, 1)})); err != nil {
		t.Fatalf("load: %v", err)
	}
	e.Resume()
	v := e.View()
	if v.Mode != ModeLive || v.Paused || len(v.Samples) != 0 {
		t.Fatalf("expected Live/Running with empty buffer, got mode=%s paused=%v len=%d", v.Mode, v.Paused, len(v.Samples))
	}
}

func TestInFlightFetchDroppedAfterClear(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	defer e.Stop()
	ctx := context.Background()
	ft.append(sample(1, 10, 1), sample(2, 10, 2))

	ft.mu.Lock()
	ft.entered = make(chan struct{})
	ft.release = make(chan struct{})
	ft.mu.Unlock()

	result := make(chan Outcome, 1)
	go func() { result <- e.Tick(ctx) }()
	<-ft.entered
	e.Clear(ctx)
	close(ft.release)

	if got := <-result; got != OutcomeStale {
		t.Fatalf("expected stale outcome, got %s", got)
	}
	if n := len(e.View().Samples); n != 0 {
		t.Fatalf("expected stale page not to be appended, got %d samples", n)
	}

	ft.mu.Lock()
	ft.entered, ft.release = nil, nil
	ft.mu.Unlock()
	e.Stop()
	if ft.clears != 1 {
		t.Fatalf("expected one agent clear, got %d", ft.clears)
	}
	if got := e.Tick(ctx); got != OutcomeReset {
		t.Fatalf("expected version reset after agent clear, got %s", got)
	}
	if got := e.Tick(ctx); got != OutcomeEmpty {
		t.Fatalf("expected empty history after clear, got %s", got)
	}
}

func TestInFlightFetchDroppedAfterLoad(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{Transport: ft, Interval: time.Hour})
	defer e.Stop()
	ctx := context.Background()
	ft.append(sample(1, 10, 1))

	ft.mu.Lock()
	ft.entered = make(chan struct{})
	ft.release = make(chan struct{})
	ft.mu.Unlock()

	result := make(chan Outcome, 1)
	go func() { result <- e.Tick(ctx) }()
	<-ft.entered
	loaded := []telemetry.Sample{sample(7, 30, 7)}
	if err := e.LoadSnapshot(ctx, snapshot.Encode(loaded)); err != nil {
		t.Fatalf("load: %v", err)
	}
	close(ft.release)

	if got := <-result; got != OutcomeStale {
		t.Fatalf("expected stale outcome, got %s", got)
	}
	assertSamples(t, e.View().Samples, loaded)
}

func TestClearDefersTicksUntilAgentAnswers(t *testing.T) {
	e := newTestEngine(&fakeTransport{}, nil)
	e.mu.Lock()
	e.clearing = 1
	e.mu.Unlock()
	if got := e.Tick(context.Background()); got != OutcomeDeferred {
		t.Fatalf("expected deferred tick, got %s", got)
	}
}

func TestEmptyPagesKeepEngineAlive(t *testing.T) {
	ft := &fakeTransport{}
	tracker := &outcomeLog{}
	e := New(Options{Transport: ft, Interval: 5 * time.Millisecond, Tracker: tracker})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, "several ticks", func() bool { return len(ft.fetches()) >= 3 })
	ft.append(sample(1, 10, 1))
	waitFor(t, "late sample", func() bool { return len(e.View().Samples) == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.records != 1 {
		t.Fatalf("expected 1 committed record observed, got %d", tracker.records)
	}
}

func TestRunWakesOnResume(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{Transport: ft, Interval: time.Hour})
	e.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	ft.append(sample(1, 10, 1))
	time.Sleep(20 * time.Millisecond)
	if len(e.View().Samples) != 0 {
		t.Fatalf("expected nothing fetched while paused")
	}
	e.Resume()
	waitFor(t, "resume tick", func() bool { return len(e.View().Samples) == 1 })
}

func TestProcessesRefreshedOnTick(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	ctx := context.Background()

	e.Tick(ctx)
	if v := e.View(); v.HasProcesses || v.Processes != nil {
		t.Fatalf("expected no process list yet")
	}

	ft.mu.Lock()
	ft.hasProcesses = true
	ft.processes = []telemetry.Process{{ProcessID: 10, Name: "a.exe"}}
	ft.mu.Unlock()
	e.Tick(ctx)
	v := e.View()
	if len(v.Processes) != 3 || v.Processes[0].ProcessID != telemetry.AggregatePID || v.Processes[1].ProcessID != telemetry.SystemPID {
		t.Fatalf("expected pseudo processes first, got %+v", v.Processes)
	}

	ft.mu.Lock()
	ft.hasProcesses = false
	ft.mu.Unlock()
	e.Tick(ctx)
	if n := len(e.View().Processes); n != 3 {
		t.Fatalf("expected absent list to keep the previous one, got %d", n)
	}

	ft.mu.Lock()
	ft.hasProcesses = true
	ft.config = telemetry.ServerConfig{ShouldShowTotalOnly: true, PageUpdateIntervalMillis: 250}
	ft.mu.Unlock()
	e.ReloadConfig(ctx)
	v = e.View()
	if len(v.Processes) != 1 || v.Processes[0].ProcessID != telemetry.AggregatePID {
		t.Fatalf("expected total-only list, got %+v", v.Processes)
	}
	if v.Interval != 250*time.Millisecond {
		t.Fatalf("expected agent interval, got %v", v.Interval)
	}
}

func TestIntervalNeverZero(t *testing.T) {
	e := New(Options{Transport: &fakeTransport{}})
	if got := e.Interval(); got != defaultInterval {
		t.Fatalf("expected default interval, got %v", got)
	}
}

func TestSubscribeAndCommitHook(t *testing.T) {
	ft := &fakeTransport{}
	var committed [][]telemetry.Sample
	e := New(Options{Transport: ft, OnCommit: func(batch []telemetry.Sample) {
		committed = append(committed, batch)
	}})
	ctx := context.Background()

	var seen []View
	cancel := e.Subscribe(func(v View) { seen = append(seen, v) })

	ft.append(sample(1, 10, 1), sample(2, 10, 2))
	e.Tick(ctx)
	if len(seen) == 0 {
		t.Fatalf("expected a notification after append")
	}
	last := seen[len(seen)-1]
	if len(last.Samples) != 2 {
		t.Fatalf("expected notified view with 2 samples, got %d", len(last.Samples))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Seq <= seen[i-1].Seq {
			t.Fatalf("expected increasing sequence numbers")
		}
	}
	if len(committed) != 1 || len(committed[0]) != 2 {
		t.Fatalf("expected one committed batch of 2, got %v", committed)
	}

	e.Tick(ctx)
	if len(committed) != 1 {
		t.Fatalf("expected empty page not to be committed")
	}

	cancel()
	n := len(seen)
	e.Pause()
	if len(seen) != n {
		t.Fatalf("expected no notification after cancel")
	}
}

func TestViewDoesNotAliasLaterAppends(t *testing.T) {
	ft := &fakeTransport{}
	e := newTestEngine(ft, nil)
	ctx := context.Background()
	ft.append(sample(1, 10, 1))
	e.Tick(ctx)
	v := e.View()
	ft.append(sample(2, 10, 2))
	e.Tick(ctx)
	if len(v.Samples) != 1 || cap(v.Samples) != 1 {
		t.Fatalf("expected clipped view, got len=%d cap=%d", len(v.Samples), cap(v.Samples))
	}
}

func TestExportIsPassthrough(t *testing.T) {
	ft := &fakeTransport{}
	ft.append(sample(1, 10, 1))
	e := newTestEngine(ft, nil)
	text, err := e.ExportSnapshot(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if text != snapshot.Encode(ft.history) {
		t.Fatalf("expected agent history, got %q", text)
	}
	if len(e.View().Samples) != 0 {
		t.Fatalf("export must not touch the buffer")
	}
}
