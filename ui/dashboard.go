// Package ui renders the live dashboard: header badges, the process list, per
// process CPU/GPU/memory summaries and a log pane, driven by engine views.
package ui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"kprofiler/syncer"
	"kprofiler/telemetry"
)

const (
	uiBorderColor = tcell.ColorGray
	uiTitleColor  = tcell.ColorHotPink

	logPaneMaxEvents   = 500
	logPaneMaxBytes    = 256 * 1024
	logPaneMaxLine     = 2048
	paneWriterMaxBytes = 16 * 1024
)

type promptKind int

const (
	promptNone promptKind = iota
	promptLoad
	promptAutoPause
	promptSearch
)

// Options configures the dashboard.
type Options struct {
	Engine      *syncer.Engine
	SnapshotDir string
	RefreshFPS  int
}

// Dashboard is the tview Surface. Engine views arrive through Subscribe and
// are drawn by the frame scheduler; key handlers call back into the engine.
type Dashboard struct {
	app       *tview.Application
	pages     *tview.Pages
	engine    *syncer.Engine
	dir       string
	scheduler *frameScheduler
	search    *SearchFilter
	metrics   *Metrics
	logBuf    *EventBuffer

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	stop   sync.Once

	header   *tview.TextView
	list     *tview.List
	detail   *tview.TextView
	logView  *tview.TextView
	statsBox *tview.TextView
	prompt   *tview.InputField

	unsubscribe func()

	// mu guards the latest view and stats lines handed in from other goroutines.
	mu    sync.Mutex
	view  syncer.View
	stats []string

	// UI goroutine only.
	shown      []telemetry.Process
	selected   int
	rebuilding bool
	promptMode promptKind
	helpShown  bool
	logScratch []StyledEvent
}

// Purpose: Construct the dashboard and start the tview event loop.
// Key aspects: Subscribes to the engine before the first draw so no view is
// missed; a one-second ticker keeps the auto-pause countdown moving.
// Upstream: main.
// Downstream: tview.Application.Run, frameScheduler, syncer.Engine.Subscribe.
func NewDashboard(opts Options) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	app := tview.NewApplication()
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})

	metrics := NewMetrics()
	d := &Dashboard{
		app:      app,
		pages:    tview.NewPages(),
		engine:   opts.Engine,
		dir:      opts.SnapshotDir,
		search:   NewSearchFilter(ctx),
		metrics:  metrics,
		logBuf:   NewEventBuffer(logPaneMaxEvents, logPaneMaxBytes, logPaneMaxLine),
		ctx:      ctx,
		cancel:   cancel,
		ready:    ready,
		done:     make(chan struct{}),
		selected: telemetry.AggregatePID,
	}
	d.scheduler = newFrameScheduler(func(frame func()) { app.QueueUpdateDraw(frame) },
		opts.RefreshFPS, 100*time.Millisecond, metrics.ObserveRender)

	d.buildLayout()
	d.installKeybindings()

	if d.engine != nil {
		d.view = d.engine.View()
		d.unsubscribe = d.engine.Subscribe(d.onView)
	}
	d.scheduler.Schedule("view", d.renderView)
	d.scheduler.Start()
	go d.countdownLoop()

	go func() {
		if err := app.Run(); err != nil {
			log.Printf("UI: tview error: %v", err)
		}
		d.Stop()
	}()
	return d
}

func (d *Dashboard) buildLayout() {
	d.header = newBoxedTextView("kprofiler")
	d.list = tview.NewList().ShowSecondaryText(false).SetHighlightFullLine(true)
	d.list.SetBorder(true).SetTitle(accentText("Processes")).SetTitleAlign(tview.AlignLeft)
	d.list.SetBorderColor(uiBorderColor)
	d.list.SetChangedFunc(func(index int, _ string, _ string, _ rune) {
		if d.rebuilding || index < 0 || index >= len(d.shown) {
			return
		}
		d.selected = d.shown[index].ProcessID
		d.renderDetail()
	})
	d.detail = newBoxedTextView("Detail")
	d.logView = newBoxedTextView("Log")
	d.logView.SetScrollable(true)
	d.statsBox = newBoxedTextView("Sync stats")
	d.prompt = tview.NewInputField().SetFieldWidth(0)
	d.prompt.SetDoneFunc(d.onPromptDone)
	d.prompt.SetChangedFunc(d.onPromptChanged)

	middle := tview.NewFlex().
		AddItem(d.list, 36, 0, true).
		AddItem(d.detail, 0, 1, false)
	bottom := tview.NewFlex().
		AddItem(d.logView, 0, 3, false).
		AddItem(d.statsBox, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 4, 0, false).
		AddItem(middle, 0, 1, true).
		AddItem(bottom, 10, 0, false).
		AddItem(d.prompt, 1, 0, false).
		AddItem(buildFooter(), 1, 0, false)

	d.pages.AddPage("main", root, true, true)
	d.pages.AddPage("help", buildHelpOverlay(), true, false)
	d.app.SetRoot(d.pages, true).SetFocus(d.list)
}

func (d *Dashboard) installKeybindings() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if d.promptMode != promptNone {
			return event
		}
		if d.helpShown {
			if event.Key() == tcell.KeyEsc || event.Rune() == 'h' || event.Rune() == '?' {
				d.toggleHelp(false)
				return nil
			}
		}
		switch event.Key() {
		case tcell.KeyCtrlC:
			d.Stop()
			return nil
		case tcell.KeyEsc:
			d.prompt.SetText("")
			d.search.SetQuery("", d.requestView)
			return nil
		}

		switch event.Rune() {
		case 'q', 'Q':
			d.Stop()
			return nil
		case 'h', '?':
			d.toggleHelp(!d.helpShown)
			return nil
		case 'p':
			d.metrics.Action()
			if d.engine.TogglePause() {
				log.Printf("UI: paused")
			} else {
				log.Printf("UI: resumed")
			}
			return nil
		case 'c':
			d.metrics.Action()
			d.engine.Clear(d.ctx)
			log.Printf("UI: history cleared")
			return nil
		case 's':
			d.metrics.Action()
			d.saveAsync()
			return nil
		case 'l':
			d.openPrompt(promptLoad, "Load snapshot file: ", "")
			return nil
		case 'a':
			if _, pending := d.currentView().AutoPauseRemaining(time.Now()); pending {
				d.metrics.Action()
				d.engine.CancelAutoPause()
				log.Printf("UI: auto-pause cancelled")
				return nil
			}
			d.openPrompt(promptAutoPause, "Pause after minutes: ", "")
			return nil
		case '/':
			d.openPrompt(promptSearch, "Search: ", d.search.ActiveQuery())
			return nil
		}
		return event
	})
}

func (d *Dashboard) openPrompt(kind promptKind, label, text string) {
	d.promptMode = kind
	d.prompt.SetLabel(accentText(label)).SetText(text)
	d.app.SetFocus(d.prompt)
}

func (d *Dashboard) closePrompt() {
	d.promptMode = promptNone
	d.prompt.SetLabel("").SetText("")
	d.app.SetFocus(d.list)
}

func (d *Dashboard) onPromptChanged(text string) {
	if d.promptMode == promptSearch {
		d.search.SetQuery(text, d.requestView)
	}
}

func (d *Dashboard) onPromptDone(key tcell.Key) {
	mode := d.promptMode
	text := d.prompt.GetText()
	if key == tcell.KeyEscape {
		if mode == promptSearch {
			d.search.SetQuery("", d.requestView)
		}
		d.closePrompt()
		return
	}
	if key != tcell.KeyEnter {
		return
	}
	switch mode {
	case promptLoad:
		d.metrics.Action()
		d.loadAsync(text)
	case promptAutoPause:
		d.metrics.Action()
		if d.engine.ScheduleAutoPauseInput(text) {
			log.Printf("UI: auto-pause in %s minute(s)", strings.TrimSpace(text))
		} else {
			log.Printf("UI: auto-pause not scheduled (%q)", text)
		}
	case promptSearch:
		d.promptMode = promptNone
		d.prompt.SetLabel(accentText("Search: "))
		d.app.SetFocus(d.list)
		return
	}
	d.closePrompt()
}

func (d *Dashboard) saveAsync() {
	target := d.currentView().Config.TargetProcessName
	go func() {
		path, err := saveSnapshot(d.ctx, d.engine, d.dir, target)
		if err != nil {
			log.Printf("UI: save failed: %v", err)
			return
		}
		log.Printf("UI: saved snapshot to %s", path)
	}()
}

func (d *Dashboard) loadAsync(path string) {
	go func() {
		resolved, err := loadSnapshotFile(d.ctx, d.engine, d.dir, path)
		if err != nil {
			log.Printf("UI: load failed: %v", err)
			return
		}
		log.Printf("UI: loaded snapshot %s", resolved)
	}()
}

func (d *Dashboard) toggleHelp(show bool) {
	d.helpShown = show
	if show {
		d.pages.ShowPage("help")
		d.pages.SendToFront("help")
		return
	}
	d.pages.HidePage("help")
}

// onView runs on whichever goroutine changed engine state.
func (d *Dashboard) onView(v syncer.View) {
	d.metrics.ViewReceived()
	d.mu.Lock()
	if v.Seq < d.view.Seq {
		d.mu.Unlock()
		return
	}
	d.view = v
	d.mu.Unlock()
	d.requestView()
}

func (d *Dashboard) requestView() {
	d.scheduler.Schedule("view", d.renderView)
}

func (d *Dashboard) currentView() syncer.View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

func (d *Dashboard) countdownLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.scheduler.Schedule("header", d.renderHeader)
		}
	}
}

func (d *Dashboard) renderView() {
	d.renderHeader()
	d.renderList()
	d.renderDetail()
}

func (d *Dashboard) renderHeader() {
	d.header.SetText(headerText(d.currentView(), time.Now()))
}

// renderList rebuilds the list only when the filtered entries changed and
// keeps the selection on the same pid when it is still listed.
func (d *Dashboard) renderList() {
	v := d.currentView()
	query := d.search.ActiveQuery()
	start := time.Now()
	shown := filterProcesses(v.Processes, query)
	if query != "" {
		d.metrics.ObserveSearch(time.Since(start))
	}
	if slices.Equal(shown, d.shown) {
		return
	}
	d.rebuilding = true
	d.list.Clear()
	current := 0
	for i, p := range shown {
		d.list.AddItem(processLabel(p), "", 0, nil)
		if p.ProcessID == d.selected {
			current = i
		}
	}
	d.shown = shown
	if len(shown) > 0 {
		d.list.SetCurrentItem(current)
		d.selected = shown[current].ProcessID
	}
	d.rebuilding = false
	title := "Processes"
	if query != "" {
		title = fmt.Sprintf("Processes /%s", query)
	}
	d.list.SetTitle(accentText(title))
}

func (d *Dashboard) renderDetail() {
	v := d.currentView()
	p := telemetry.AggregateProcess()
	for _, candidate := range d.shown {
		if candidate.ProcessID == d.selected {
			p = candidate
			break
		}
	}
	d.detail.SetText(detailText(v, p))
}

func (d *Dashboard) renderLog() {
	events, _ := d.logBuf.SnapshotInto(d.logScratch)
	d.logScratch = events
	d.logView.SetText(renderEvents(events))
	d.logView.ScrollToEnd()
}

func (d *Dashboard) renderStats() {
	d.mu.Lock()
	lines := append([]string(nil), d.stats...)
	d.mu.Unlock()
	lines = append(lines, d.metrics.Line())
	if evicted := d.logBuf.Evicted(); evicted > 0 {
		lines = append(lines, fmt.Sprintf("Log pane: %d older lines dropped", evicted))
	}
	d.statsBox.SetText(strings.Join(lines, "\n"))
}

// WaitReady blocks until the first frame is drawn or the dashboard stops.
func (d *Dashboard) WaitReady() {
	if d == nil {
		return
	}
	select {
	case <-d.ready:
	case <-d.done:
	}
}

// Stop tears the dashboard down. Safe to call more than once.
func (d *Dashboard) Stop() {
	if d == nil {
		return
	}
	d.stop.Do(func() {
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		d.cancel()
		d.search.Stop()
		d.scheduler.Stop()
		d.app.Stop()
		close(d.done)
	})
}

func (d *Dashboard) Done() <-chan struct{} {
	return d.done
}

// SetStats replaces the stats pane lines.
func (d *Dashboard) SetStats(lines []string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.stats = append(d.stats[:0], lines...)
	d.mu.Unlock()
	d.scheduler.Schedule("stats", d.renderStats)
}

// AppendSystem adds one line to the log pane.
func (d *Dashboard) AppendSystem(line string) {
	if d == nil {
		return
	}
	d.logBuf.Append(StyledEvent{Timestamp: time.Now(), Kind: classifyLine(line), Message: line})
	d.scheduler.Schedule("log", d.renderLog)
}

// SystemWriter returns an io.Writer that feeds whole lines to the log pane.
func (d *Dashboard) SystemWriter() io.Writer {
	if d == nil {
		return nil
	}
	return &paneWriter{sink: d.AppendSystem}
}

// paneWriter splits writes into lines. The partial-line buffer is bounded so
// a writer that never sends a newline cannot grow it without limit.
type paneWriter struct {
	sink         func(string)
	mu           sync.Mutex
	buf          []byte
	droppedBytes uint64
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.sink == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(w.buf[:idx], "\r")))
		w.buf = w.buf[idx+1:]
	}
	if excess := len(w.buf) - paneWriterMaxBytes; excess > 0 {
		w.buf = w.buf[excess:]
		w.droppedBytes += uint64(excess)
	}
	w.mu.Unlock()
	for _, line := range lines {
		w.sink(line)
	}
	return len(p), nil
}

func newBoxedTextView(title string) *tview.TextView {
	tv := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	tv.SetBorder(true)
	if title != "" {
		tv.SetTitle(accentText(title)).SetTitleAlign(tview.AlignLeft)
	}
	tv.SetBorderColor(uiBorderColor)
	tv.SetTitleColor(uiTitleColor)
	return tv
}

func buildFooter() *tview.TextView {
	return tview.NewTextView().SetDynamicColors(true).SetText(
		accentText("p") + " Pause/Resume  " + accentText("c") + " Clear  " + accentText("s") + " Save  " +
			accentText("l") + " Load  " + accentText("a") + " Auto-pause  " + accentText("/") + " Search  " +
			accentText("h") + " Help  " + accentText("q") + " Quit",
	)
}

func buildHelpOverlay() tview.Primitive {
	help := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	help.SetText(strings.TrimSpace(fmt.Sprintf(`
KEYBOARD HELP

  %[1]sp%[2]s  Pause or resume live updates (resume catches up in one poll)
  %[1]sc%[2]s  Clear local and agent history
  %[1]ss%[2]s  Save the agent history to the snapshot directory
  %[1]sl%[2]s  Load a snapshot file (pauses; resume returns to live data)
  %[1]sa%[2]s  Schedule an auto-pause in N minutes, press again to cancel
  %[1]s/%[2]s  Search processes by pid, name or label   Esc clears
  ↑/↓  Select process   q / Ctrl+C Quit
`, accentTag, accentReset)))
	help.SetBorder(true).SetTitle("Help")
	help.SetBorderColor(uiBorderColor)
	help.SetTitleColor(uiTitleColor)
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(help, 13, 1, true).
			AddItem(nil, 0, 1, false),
			76, 1, true).
		AddItem(nil, 0, 1, false)
}
