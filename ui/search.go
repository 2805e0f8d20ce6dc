package ui

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lev "github.com/agnivade/levenshtein"

	"kprofiler/telemetry"
)

// SearchFilter debounces query updates to protect UI latency.
type SearchFilter struct {
	mu          sync.RWMutex
	query       string
	activeQuery string
	timer       *time.Timer
	ctx         context.Context
	onChange    func()
}

const searchDebounce = 250 * time.Millisecond

func NewSearchFilter(ctx context.Context) *SearchFilter {
	return &SearchFilter{ctx: ctx}
}

func (s *SearchFilter) SetQuery(query string, onChange func()) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.query = strings.ToLower(strings.TrimSpace(query))
	s.onChange = onChange
	if s.ctx != nil && s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(searchDebounce, s.fire)
	} else {
		s.timer.Reset(searchDebounce)
	}
	s.mu.Unlock()
}

func (s *SearchFilter) ActiveQuery() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeQuery
}

func (s *SearchFilter) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

func (s *SearchFilter) fire() {
	if s == nil {
		return
	}
	if s.ctx != nil && s.ctx.Err() != nil {
		return
	}
	var cb func()
	s.mu.Lock()
	s.activeQuery = s.query
	cb = s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Purpose: Decide whether a process entry matches a search query.
// Key aspects: Substring match on pid, name and label; words of four or more
// runes also accept one edit so "chrme" still finds "chrome".
// Upstream: filterProcesses.
// Downstream: lev.ComputeDistance.
func matchProcess(query string, p telemetry.Process) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	if strconv.Itoa(p.ProcessID) == query {
		return true
	}
	name := strings.ToLower(p.Name)
	label := strings.ToLower(p.Label)
	if strings.Contains(name, query) || strings.Contains(label, query) {
		return true
	}
	if len([]rune(query)) < 4 {
		return false
	}
	for _, word := range strings.FieldsFunc(name+" "+label, isWordBreak) {
		if lev.ComputeDistance(query, word) <= 1 {
			return true
		}
	}
	return false
}

func isWordBreak(r rune) bool {
	switch r {
	case ' ', '.', '-', '_', '/', '\\':
		return true
	}
	return false
}

// filterProcesses keeps list order. Pseudo entries always stay visible.
func filterProcesses(processes []telemetry.Process, query string) []telemetry.Process {
	if strings.TrimSpace(query) == "" {
		return processes
	}
	out := make([]telemetry.Process, 0, len(processes))
	for _, p := range processes {
		if telemetry.IsPseudo(p.ProcessID) || matchProcess(query, p) {
			out = append(out, p)
		}
	}
	return out
}
