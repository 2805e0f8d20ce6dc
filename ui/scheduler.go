package ui

import (
	"sync"
	"time"
)

// frameScheduler coalesces pane updates and caps the redraw rate. Each pane
// schedules under its own id; only the latest callback per id runs, in the
// order the ids were first scheduled within the frame.
type frameScheduler struct {
	queue        func(func())
	mu           sync.Mutex
	pending      map[string]func()
	order        []string
	quit         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	started      bool
	frameTime    time.Duration
	drainTimeout time.Duration
	observeDelay func(time.Duration)
}

// newFrameScheduler builds a scheduler that hands each frame to queue, usually
// tview's QueueUpdateDraw. A nil queue runs frames on the scheduler goroutine.
func newFrameScheduler(queue func(func()), targetFPS int, drainTimeout time.Duration, observeDelay func(time.Duration)) *frameScheduler {
	if targetFPS <= 0 {
		targetFPS = 10
	}
	if drainTimeout <= 0 {
		drainTimeout = 100 * time.Millisecond
	}
	return &frameScheduler{
		queue:        queue,
		pending:      make(map[string]func()),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		frameTime:    time.Second / time.Duration(targetFPS),
		drainTimeout: drainTimeout,
		observeDelay: observeDelay,
	}
}

func (f *frameScheduler) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()
	go f.run()
}

// Stop flushes what is pending, bounded by the drain timeout. Safe to call twice.
func (f *frameScheduler) Stop() {
	if f == nil {
		return
	}
	f.stopOnce.Do(func() {
		close(f.quit)
		f.mu.Lock()
		started := f.started
		f.mu.Unlock()
		if !started {
			f.flushBounded(f.drainTimeout)
			return
		}
		select {
		case <-f.done:
		case <-time.After(f.drainTimeout):
		}
	})
}

func (f *frameScheduler) Schedule(id string, fn func()) {
	if f == nil || fn == nil {
		return
	}
	f.mu.Lock()
	if _, ok := f.pending[id]; !ok {
		f.order = append(f.order, id)
	}
	f.pending[id] = fn
	f.mu.Unlock()
}

func (f *frameScheduler) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.frameTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-f.quit:
			f.flushBounded(f.drainTimeout)
			return
		}
	}
}

func (f *frameScheduler) flush() {
	f.flushBounded(0)
}

func (f *frameScheduler) flushBounded(max time.Duration) {
	deadline := time.Time{}
	if max > 0 {
		deadline = time.Now().Add(max)
	}
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}
		f.mu.Lock()
		if len(f.order) == 0 {
			f.mu.Unlock()
			return
		}
		batch := make([]func(), 0, len(f.order))
		for _, id := range f.order {
			batch = append(batch, f.pending[id])
			delete(f.pending, id)
		}
		f.order = f.order[:0]
		f.mu.Unlock()

		queuedAt := time.Now()
		frame := func() {
			for _, fn := range batch {
				fn()
			}
			if f.observeDelay != nil {
				f.observeDelay(time.Since(queuedAt))
			}
		}
		if f.queue == nil {
			frame()
			continue
		}
		f.queue(frame)
	}
}
