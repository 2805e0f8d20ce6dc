package ui

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies which subsystem wrote a log line.
type EventKind int

const (
	EventSystem EventKind = iota
	EventSync
	EventTransport
	EventRecorder
	EventUI
)

func (k EventKind) Label() string {
	switch k {
	case EventSync:
		return "SYNC"
	case EventTransport:
		return "NET"
	case EventRecorder:
		return "REC"
	case EventUI:
		return "UI"
	default:
		return "SYS"
	}
}

func (k EventKind) color() string {
	switch k {
	case EventSync:
		return "[green]"
	case EventTransport:
		return "[red]"
	case EventRecorder:
		return "[cyan]"
	case EventUI:
		return "[yellow]"
	default:
		return "[white]"
	}
}

// classifyLine maps the "Subsystem:" log prefix to a kind.
func classifyLine(line string) EventKind {
	head, _, ok := strings.Cut(line, ":")
	if !ok {
		return EventSystem
	}
	switch head {
	case "Sync":
		return EventSync
	case "Transport":
		return EventTransport
	case "Recorder":
		return EventRecorder
	case "UI":
		return EventUI
	default:
		return EventSystem
	}
}

// StyledEvent is one line of the log pane.
type StyledEvent struct {
	Timestamp time.Time
	Kind      EventKind
	Message   string
}

// EventBuffer keeps the newest log lines within a count and byte budget.
// Oversized lines are truncated rather than dropped so an error is never lost.
type EventBuffer struct {
	mu       sync.Mutex
	events   []StyledEvent
	head     int
	count    int
	bytes    int
	maxBytes int
	maxLine  int
	seq      atomic.Uint64
	evicted  atomic.Uint64
}

// NewEventBuffer sizes the ring. maxBytes <= 0 disables the byte budget.
func NewEventBuffer(maxCount, maxBytes, maxLine int) *EventBuffer {
	if maxCount <= 0 {
		maxCount = 1
	}
	return &EventBuffer{
		events:   make([]StyledEvent, maxCount),
		maxBytes: maxBytes,
		maxLine:  maxLine,
	}
}

func (b *EventBuffer) Append(e StyledEvent) {
	if b == nil {
		return
	}
	if b.maxLine > 0 && len(e.Message) > b.maxLine {
		e.Message = e.Message[:b.maxLine] + "..."
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == len(b.events) || (b.maxBytes > 0 && b.count > 0 && b.bytes+len(e.Message) > b.maxBytes) {
		b.evictOldestLocked()
	}
	b.events[(b.head+b.count)%len(b.events)] = e
	b.bytes += len(e.Message)
	b.count++
	b.seq.Add(1)
}

// SnapshotInto copies the buffered events, oldest first, reusing dst.
func (b *EventBuffer) SnapshotInto(dst []StyledEvent) ([]StyledEvent, uint64) {
	if b == nil {
		return dst[:0], 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cap(dst) < b.count {
		dst = make([]StyledEvent, b.count)
	}
	dst = dst[:b.count]
	for i := 0; i < b.count; i++ {
		dst[i] = b.events[(b.head+i)%len(b.events)]
	}
	return dst, b.seq.Load()
}

// Evicted returns how many lines fell off the front.
func (b *EventBuffer) Evicted() uint64 {
	if b == nil {
		return 0
	}
	return b.evicted.Load()
}

func (b *EventBuffer) evictOldestLocked() {
	if b.count == 0 {
		return
	}
	b.bytes -= len(b.events[b.head].Message)
	b.events[b.head] = StyledEvent{}
	b.head = (b.head + 1) % len(b.events)
	b.count--
	b.evicted.Add(1)
}
