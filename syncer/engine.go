// Package syncer owns the dashboard's authoritative sample buffer. The Engine
// pulls the agent's append-only history page by page, fences it with the
// agent's version token, and runs the pause, auto-pause and snapshot-load state
// machine that decides when server data may reach the buffer.
package syncer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"kprofiler/snapshot"
	"kprofiler/telemetry"
)

// Transport is the subset of the agent client the engine drives.
// *transport.Client satisfies it.
type Transport interface {
	FetchConfig(ctx context.Context) telemetry.ServerConfig
	FetchProcesses(ctx context.Context) ([]telemetry.Process, bool)
	FetchHistoryPage(ctx context.Context, cursor, version int64) telemetry.HistoryPage
	DownloadFullHistory(ctx context.Context) (string, error)
	UploadFullHistory(ctx context.Context, snapshot string) error
	ClearHistory(ctx context.Context) error
}

// Tracker receives one observation per poll tick.
type Tracker interface {
	ObservePoll(outcome string, records int, latency time.Duration)
}

// Mode says where the buffer contents came from.
type Mode int

const (
	ModeLive Mode = iota
	ModeLoaded
)

func (m Mode) String() string {
	if m == ModeLoaded {
		return "loaded"
	}
	return "live"
}

// Outcome describes what a single tick did.
type Outcome string

const (
	OutcomeAppended   Outcome = "appended"
	OutcomeEmpty      Outcome = "empty"
	OutcomeReset      Outcome = "reset"
	OutcomeStale      Outcome = "stale"
	OutcomePaused     Outcome = "paused"
	OutcomeAutoPaused Outcome = "auto_paused"
	OutcomeDeferred   Outcome = "deferred"
)

const defaultInterval = time.Second

// Options configures an Engine.
type Options struct {
	Transport Transport
	// Interval is the poll delay used while the agent has not supplied one.
	Interval time.Duration
	// Now is the wall clock used for auto-pause and "last updated".
	Now     func() time.Time
	Tracker Tracker
	// OnCommit receives every batch appended to the buffer, after listeners ran.
	OnCommit func([]telemetry.Sample)
	// TotalOnly forces the aggregate-only process list regardless of agent config.
	TotalOnly bool
}

// View is an immutable copy of the engine state for rendering.
type View struct {
	// Seq increases on every state change; a larger Seq is a newer view.
	Seq           uint64
	Samples       []telemetry.Sample
	Processes     []telemetry.Process
	HasProcesses  bool
	Config        telemetry.ServerConfig
	Version       int64
	Paused        bool
	Mode          Mode
	ResyncPending bool
	PauseAt       time.Time
	LastUpdated   time.Time
	Interval      time.Duration
}

// Cursor is the pagination offset the next live fetch will use.
func (v View) Cursor() int {
	return len(v.Samples)
}

// AutoPauseRemaining returns the time left before the scheduled pause, or false
// when no pause is scheduled.
func (v View) AutoPauseRemaining(now time.Time) (time.Duration, bool) {
	if v.PauseAt.IsZero() {
		return 0, false
	}
	left := v.PauseAt.Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

type listener struct {
	id int
	fn func(View)
}

// Engine is the sync state machine. All methods are safe for concurrent use.
type Engine struct {
	transport Transport
	fallback  time.Duration
	now       func() time.Time
	tracker   Tracker
	onCommit  func([]telemetry.Sample)
	totalOnly bool

	// tickMu serializes ticks; mu guards everything below and is never held
	// across network I/O.
	tickMu sync.Mutex
	mu     sync.Mutex

	samples      []telemetry.Sample
	version      int64
	epoch        uint64
	paused       bool
	pauseAt      time.Time
	mode         Mode
	resync       bool
	clearing     int
	lastUpdated  time.Time
	config       telemetry.ServerConfig
	rawProcesses []telemetry.Process
	processes    []telemetry.Process
	hasProcesses bool
	seq          uint64
	holdTimer    *time.Timer
	listeners    []listener
	nextID       int
	stopped      bool

	wake chan struct{}
	bg   sync.WaitGroup
}

// New builds an engine in the Live/Running state with an empty buffer at version 0.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fallback := opts.Interval
	if fallback <= 0 {
		fallback = defaultInterval
	}
	return &Engine{
		transport: opts.Transport,
		fallback:  fallback,
		now:       now,
		tracker:   opts.Tracker,
		onCommit:  opts.OnCommit,
		totalOnly: opts.TotalOnly,
		wake:      make(chan struct{}, 1),
	}
}

// Interval returns the current poll delay. It is never zero.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intervalLocked()
}

func (e *Engine) intervalLocked() time.Duration {
	return e.config.PollInterval(e.fallback)
}

// Purpose: Drive the poll loop until ctx is cancelled.
// Key aspects: Loads the agent config and process list first, ticks once at
// start, then ticks with a fixed delay armed only after each tick returns, so
// ticks never overlap.
// Resume wakes the loop early so a paused gap is replayed at once.
// Upstream: main.
// Downstream: ReloadConfig, ReloadProcesses, Tick.
func (e *Engine) Run(ctx context.Context) error {
	e.ReloadConfig(ctx)
	e.ReloadProcesses(ctx)

	timer := time.NewTimer(e.Interval())
	defer timer.Stop()
	for {
		e.Tick(ctx)
		timer.Reset(e.Interval())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-e.wake:
		}
	}
}

// Purpose: Run one poll step.
// Key aspects: Auto-pause and pause short-circuit without fetching. The fetch
// runs unlocked; the commit re-validates epoch and mode so a response that
// raced Clear, LoadSnapshot or Resume is dropped. A version change discards
// the buffer and the response payload together.
// Upstream: Run, tests.
// Downstream: Transport.FetchHistoryPage, Transport.FetchProcesses, listeners, OnCommit.
func (e *Engine) Tick(ctx context.Context) Outcome {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if !e.pauseAt.IsZero() && !e.now().Before(e.pauseAt) {
		e.pauseAt = time.Time{}
		e.paused = true
		e.mu.Unlock()
		log.Printf("Sync: auto-pause reached, polling paused")
		e.notify()
		e.observe(OutcomeAutoPaused, 0, 0)
		return OutcomeAutoPaused
	}
	if e.paused {
		e.mu.Unlock()
		e.observe(OutcomePaused, 0, 0)
		return OutcomePaused
	}
	if e.clearing > 0 {
		e.mu.Unlock()
		e.observe(OutcomeDeferred, 0, 0)
		return OutcomeDeferred
	}
	cursor := int64(len(e.samples))
	version := e.version
	epoch := e.epoch
	e.mu.Unlock()

	start := time.Now()
	page := e.transport.FetchHistoryPage(ctx, cursor, version)
	latency := time.Since(start)

	e.mu.Lock()
	if e.epoch != epoch || e.mode != ModeLive || e.clearing > 0 {
		e.mu.Unlock()
		e.observe(OutcomeStale, 0, latency)
		return OutcomeStale
	}
	if page.Version != nil && *page.Version != version {
		dropped := len(e.samples)
		e.version = *page.Version
		e.samples = nil
		e.epoch++
		e.lastUpdated = e.now()
		e.mu.Unlock()
		log.Printf("Sync: history version %d -> %d, dropped %d buffered samples", version, *page.Version, dropped)
		e.notify()
		e.observe(OutcomeReset, 0, latency)
		return OutcomeReset
	}
	var batch []telemetry.Sample
	if n := len(page.Records); n > 0 {
		e.samples = append(e.samples, page.Records...)
		end := len(e.samples)
		batch = e.samples[end-n : end : end]
	}
	e.lastUpdated = e.now()
	e.mu.Unlock()

	e.refreshProcesses(ctx)
	e.notify()
	if len(batch) == 0 {
		e.observe(OutcomeEmpty, 0, latency)
		return OutcomeEmpty
	}
	if e.onCommit != nil {
		e.onCommit(batch)
	}
	e.observe(OutcomeAppended, len(batch), latency)
	return OutcomeAppended
}

// ReloadConfig fetches the agent configuration. The last fetch wins; a failed
// fetch yields the zero config, which reads as "unknown".
func (e *Engine) ReloadConfig(ctx context.Context) telemetry.ServerConfig {
	cfg := e.transport.FetchConfig(ctx)
	e.mu.Lock()
	e.config = cfg
	e.processes = e.withPseudoLocked(e.rawProcesses)
	e.mu.Unlock()
	e.notify()
	return cfg
}

// ReloadProcesses re-polls the agent's process list and notifies listeners.
func (e *Engine) ReloadProcesses(ctx context.Context) {
	e.refreshProcesses(ctx)
	e.notify()
}

// An absent list keeps the previous one; only a confirmed list replaces it.
func (e *Engine) refreshProcesses(ctx context.Context) {
	list, ok := e.transport.FetchProcesses(ctx)
	if !ok {
		return
	}
	e.mu.Lock()
	e.rawProcesses = list
	e.hasProcesses = true
	e.processes = e.withPseudoLocked(list)
	e.mu.Unlock()
}

func (e *Engine) withPseudoLocked(list []telemetry.Process) []telemetry.Process {
	if !e.hasProcesses {
		return nil
	}
	return telemetry.WithPseudoProcesses(list, e.totalOnly || e.config.ShouldShowTotalOnly)
}

// Pause stops fetching. The cursor stays put so Resume replays the gap.
func (e *Engine) Pause() {
	e.mu.Lock()
	changed := !e.paused
	e.paused = true
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// Purpose: Return to Live/Running.
// Key aspects: Plain resume keeps the buffer; the next fetch at cursor
// len(buffer) returns everything missed. Resuming from loaded data drops the
// buffer so polling resynchronizes from offset 0 under the agent's version.
// Upstream: dashboard keybindings, tests.
// Downstream: listeners, Run wake channel.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.mode == ModeLoaded || e.resync {
		e.samples = nil
		e.mode = ModeLive
		e.resync = false
		e.epoch++
		e.stopHoldLocked()
	}
	e.paused = false
	e.mu.Unlock()
	e.notify()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// TogglePause flips between paused and running and returns the new paused state.
func (e *Engine) TogglePause() bool {
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		e.Resume()
		return false
	}
	e.Pause()
	return true
}

// ScheduleAutoPause arms a one-shot pause minutes from now. If a schedule is
// already pending it is cancelled instead; negative minutes only cancel.
// It reports whether a new schedule was armed.
func (e *Engine) ScheduleAutoPause(minutes int) bool {
	e.mu.Lock()
	if !e.pauseAt.IsZero() {
		e.pauseAt = time.Time{}
		e.mu.Unlock()
		e.notify()
		return false
	}
	if minutes < 0 {
		e.mu.Unlock()
		return false
	}
	e.pauseAt = e.now().Add(time.Duration(minutes) * time.Minute)
	e.mu.Unlock()
	e.notify()
	return true
}

// ScheduleAutoPauseInput is ScheduleAutoPause for raw dashboard input. Text
// that is not an integer cancels any pending schedule.
func (e *Engine) ScheduleAutoPauseInput(raw string) bool {
	minutes, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		e.CancelAutoPause()
		return false
	}
	return e.ScheduleAutoPause(minutes)
}

// CancelAutoPause drops any pending auto-pause.
func (e *Engine) CancelAutoPause() {
	e.mu.Lock()
	pending := !e.pauseAt.IsZero()
	e.pauseAt = time.Time{}
	e.mu.Unlock()
	if pending {
		e.notify()
	}
}

// Purpose: Replace the buffer with an offline snapshot.
// Key aspects: Parse failures leave all state untouched. On success the engine
// enters Loaded/Paused, uploads the text to the agent in the background and
// arms a hold of one poll interval, after which the mode returns to Live while
// staying paused until Resume.
// Upstream: dashboard load action, tests.
// Downstream: snapshot.Parse, Transport.UploadFullHistory, listeners.
func (e *Engine) LoadSnapshot(ctx context.Context, text string) error {
	samples, err := snapshot.Parse(text)
	if err != nil {
		return fmt.Errorf("syncer: load snapshot: %w", err)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("syncer: load snapshot: engine stopped")
	}
	e.samples = samples[:len(samples):len(samples)]
	e.mode = ModeLoaded
	e.paused = true
	e.resync = false
	e.pauseAt = time.Time{}
	e.epoch++
	epoch := e.epoch
	e.stopHoldLocked()
	e.holdTimer = time.AfterFunc(e.intervalLocked(), func() { e.endHold(epoch) })
	e.mu.Unlock()

	log.Printf("Sync: loaded snapshot with %d samples", len(samples))
	e.notify()

	bgCtx := context.WithoutCancel(ctx)
	e.background(func() {
		if err := e.transport.UploadFullHistory(bgCtx, text); err != nil {
			log.Printf("Sync: snapshot upload failed: %v", err)
		}
	})
	return nil
}

func (e *Engine) endHold(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch || e.mode != ModeLoaded {
		e.mu.Unlock()
		return
	}
	e.mode = ModeLive
	e.resync = true
	e.holdTimer = nil
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) stopHoldLocked() {
	if e.holdTimer != nil {
		e.holdTimer.Stop()
		e.holdTimer = nil
	}
}

// Clear empties the local buffer at once and asks the agent to clear its
// history in the background. Ticks are deferred until the agent answers; the
// version change it causes is reconciled by the normal reset path.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	e.samples = nil
	e.epoch++
	e.clearing++
	e.mu.Unlock()
	e.notify()

	bgCtx := context.WithoutCancel(ctx)
	e.background(func() {
		if err := e.transport.ClearHistory(bgCtx); err != nil {
			log.Printf("Sync: history clear failed: %v", err)
		}
		e.mu.Lock()
		e.clearing--
		e.mu.Unlock()
	})
}

// ExportSnapshot returns the agent's full history as snapshot text. It does
// not read the local buffer.
func (e *Engine) ExportSnapshot(ctx context.Context) (string, error) {
	text, err := e.transport.DownloadFullHistory(ctx)
	if err != nil {
		return "", fmt.Errorf("syncer: export snapshot: %w", err)
	}
	return text, nil
}

// View returns the current state. The samples slice never aliases later appends.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() View {
	n := len(e.samples)
	return View{
		Seq:           e.seq,
		Samples:       e.samples[:n:n],
		Processes:     e.processes,
		HasProcesses:  e.hasProcesses,
		Config:        e.config,
		Version:       e.version,
		Paused:        e.paused,
		Mode:          e.mode,
		ResyncPending: e.resync,
		PauseAt:       e.pauseAt,
		LastUpdated:   e.lastUpdated,
		Interval:      e.intervalLocked(),
	}
}

// Subscribe registers fn to receive a view after every state change. Listeners
// run outside the engine lock in registration order and may call back into the
// engine. The returned func removes the listener.
func (e *Engine) Subscribe(fn func(View)) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	e.seq++
	v := e.viewLocked()
	ls := e.listeners
	e.mu.Unlock()
	for _, l := range ls {
		l.fn(v)
	}
}

func (e *Engine) observe(outcome Outcome, records int, latency time.Duration) {
	if e.tracker != nil {
		e.tracker.ObservePoll(string(outcome), records, latency)
	}
}

func (e *Engine) background(fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

// Stop cancels the load hold and waits for background uploads and clears.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.stopHoldLocked()
	e.mu.Unlock()
	e.bg.Wait()
}
