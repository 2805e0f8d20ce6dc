package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kprofiler/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFilePrefix      = "kprofiler-"
	logFileDateLayout  = "2006-01-02"
	maxPendingLogBytes = 16 * 1024
)

// lineSink receives complete log lines.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type writerSink struct {
	w     io.Writer
	stamp bool
}

func (s *writerSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.stamp {
		line = formatLogTimestamp(now) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *writerSink) Close() error { return nil }

// dailyFileSink appends to one file per UTC day and prunes files older than
// the retention window whenever it opens a new day.
type dailyFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	day           string
	file          *os.File
	lastErrorAt   time.Time
}

// Purpose: Create the daily file sink.
// Key aspects: Creates the directory and prunes old files up front.
// Upstream: setupLogging.
// Downstream: os.MkdirAll, pruneLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: prune failed for %s: %v\n", dir, err)
	}
	return &dailyFileSink{dir: dir, retentionDays: retentionDays}, nil
}

func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if day := now.Format(logFileDateLayout); s.file == nil || s.day != day {
		s.openDayLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.warnLocked(now, fmt.Errorf("write failed: %w", err))
	}
}

func (s *dailyFileSink) openDayLocked(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.warnLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	s.file = file
	s.day = day
	if err := pruneLogs(s.dir, now, s.retentionDays); err != nil {
		s.warnLocked(now, fmt.Errorf("prune failed: %w", err))
	}
}

// File errors go to stderr at most once a minute.
func (s *dailyFileSink) warnLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	return err
}

// logFanout is the log.Logger output. It splits writes into lines and hands
// each line to the console sink (stdout or the dashboard log pane) and the
// file sink.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console lineSink
	file    lineSink
}

// Purpose: Build the fanout from config.
// Key aspects: Always returns a usable fanout; a file sink failure is returned
// alongside it so startup can continue on the console alone.
// Upstream: main startup.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := &logFanout{console: &writerSink{w: console, stamp: true}}
	if !cfg.Enabled {
		return fanout, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.file = sink
	return fanout, nil
}

// SetConsoleSink swaps the console writer, e.g. to the dashboard log pane.
func (f *logFanout) SetConsoleSink(w io.Writer, stamp bool) {
	if f == nil {
		return
	}
	var sink lineSink
	if w != nil {
		sink = &writerSink{w: w, stamp: stamp}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.pending[:idx], "\r")))
		f.pending = f.pending[idx+1:]
	}
	if len(f.pending) > maxPendingLogBytes {
		lines = append(lines, string(f.pending))
		f.pending = nil
	}
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnlyLine records a line in the log file without echoing it to the
// console. Used for periodic stats while the dashboard shows them itself.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file != nil {
		return file.Close()
	}
	return nil
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// pruneLogs removes daily files older than retentionDays, counting today.
func pruneLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if day, ok := parseLogFileDate(entry.Name()); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
