// Package snapshot encodes and parses the flat text snapshot of a telemetry
// history: one CSV row per sample, located by header name.
package snapshot

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"kprofiler/telemetry"

	"github.com/zeebo/xxh3"
)

// Column names in the order Encode writes them.
const (
	ColTimestamp         = "timestamp_seconds"
	ColProcessID         = "process_id"
	ColProcessName       = "process_name"
	ColProcessLabel      = "process_label"
	ColCPU               = "cpu_percent"
	ColGPU               = "gpu_percent"
	ColUSS               = "uss_mb"
	ColRSS               = "rss_mb"
	ColVMS               = "vms_mb"
	ColWorkingSet        = "working_set_mb"
	ColPrivateWorkingSet = "private_working_set_mb"
	ColSystemTotal       = "system_total_mb"
	ColSystemAvailable   = "system_available_mb"
	ColTaskmgr           = "taskmgr_mb"
	ColVSize             = "vsize_bytes"
)

// Header lists every snapshot column.
var Header = []string{
	ColTimestamp, ColProcessID, ColProcessName, ColProcessLabel,
	ColCPU, ColGPU,
	ColUSS, ColRSS, ColVMS, ColWorkingSet, ColPrivateWorkingSet,
	ColSystemTotal, ColSystemAvailable, ColTaskmgr, ColVSize,
}

var (
	ErrMissingHeader = errors.New("missing header row")
	ErrNegative      = errors.New("negative memory value")
)

// ParseError reports malformed snapshot input. Line is 1-based; Column is
// empty when the problem is not tied to one column.
type ParseError struct {
	Line   int
	Column string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("snapshot: line %d, column %s: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("snapshot: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Encode writes samples as snapshot text in buffer order.
func Encode(samples []telemetry.Sample) string {
	var buf bytes.Buffer
	_ = Write(&buf, samples)
	return buf.String()
}

// Write streams samples as snapshot text to w.
func Write(w io.Writer, samples []telemetry.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	for i := range samples {
		if err := cw.Write(Row(samples[i])); err != nil {
			return fmt.Errorf("snapshot: write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders one sample in Header column order.
func Row(s telemetry.Sample) []string {
	m := s.Memory
	return []string{
		formatFloat(s.TimestampSeconds),
		strconv.Itoa(s.Process.ProcessID),
		s.Process.Name,
		s.Process.Label,
		formatFloat(s.CPUPercentage),
		formatFloat(s.GPUPercentage),
		formatFloat(m.UniqueSetSize),
		formatFloat(m.ResidentSetSize),
		formatFloat(m.VirtualSize),
		formatFloat(m.WorkingSet),
		formatFloat(m.PrivateWorkingSet),
		formatFloat(m.SystemTotal),
		formatFloat(m.SystemAvailable),
		formatFloat(m.FromTaskmgr),
		formatFloat(m.VSize),
	}
}

// Parse decodes snapshot text. It fails with *ParseError on malformed input
// and never returns a partial result.
func Parse(text string) ([]telemetry.Sample, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, &ParseError{Line: 1, Err: ErrMissingHeader}
	}
	if err != nil {
		return nil, csvParseError(err, 1)
	}
	index, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	samples := make([]telemetry.Sample, 0, strings.Count(text, "\n"))
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvParseError(err, 0)
		}
		line, _ := r.FieldPos(0)
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != len(header) {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("expected %d fields, got %d", len(header), len(record))}
		}
		s, err := parseRow(record, index, line)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Fingerprint hashes the canonical row of a sample. Equal samples always
// produce equal fingerprints.
func Fingerprint(s telemetry.Sample) uint64 {
	return xxh3.HashString(strings.Join(Row(s), "\x1f"))
}

// Digest hashes a whole snapshot in order, for quick equality checks between
// an exported and a loaded history.
func Digest(samples []telemetry.Sample) uint64 {
	h := xxh3.New()
	for i := range samples {
		_, _ = h.WriteString(strings.Join(Row(samples[i]), "\x1f"))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

func headerIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := index[name]; dup {
			return nil, &ParseError{Line: 1, Column: name, Err: errors.New("duplicate column")}
		}
		index[name] = i
	}
	for _, name := range Header {
		if _, ok := index[name]; !ok {
			return nil, &ParseError{Line: 1, Column: name, Err: ErrMissingHeader}
		}
	}
	return index, nil
}

func parseRow(record []string, index map[string]int, line int) (telemetry.Sample, error) {
	var s telemetry.Sample
	var firstErr error
	num := func(col string) float64 {
		if firstErr != nil {
			return 0
		}
		raw := strings.TrimSpace(record[index[col]])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			firstErr = &ParseError{Line: line, Column: col, Err: err}
			return 0
		}
		return v
	}
	mem := func(col string) float64 {
		v := num(col)
		if firstErr == nil && v < 0 {
			firstErr = &ParseError{Line: line, Column: col, Err: ErrNegative}
		}
		return v
	}

	s.TimestampSeconds = num(ColTimestamp)
	pidRaw := strings.TrimSpace(record[index[ColProcessID]])
	pid, err := strconv.Atoi(pidRaw)
	if err != nil && firstErr == nil {
		firstErr = &ParseError{Line: line, Column: ColProcessID, Err: err}
	}
	s.Process = telemetry.Process{
		ProcessID: pid,
		Name:      record[index[ColProcessName]],
		Label:     record[index[ColProcessLabel]],
	}
	s.CPUPercentage = num(ColCPU)
	s.GPUPercentage = num(ColGPU)
	s.Memory = telemetry.MemoryBreakdown{
		UniqueSetSize:     mem(ColUSS),
		ResidentSetSize:   mem(ColRSS),
		VirtualSize:       mem(ColVMS),
		WorkingSet:        mem(ColWorkingSet),
		PrivateWorkingSet: mem(ColPrivateWorkingSet),
		SystemTotal:       mem(ColSystemTotal),
		SystemAvailable:   mem(ColSystemAvailable),
		FromTaskmgr:       mem(ColTaskmgr),
		VSize:             mem(ColVSize),
	}
	if firstErr != nil {
		return telemetry.Sample{}, firstErr
	}
	return s, nil
}

func csvParseError(err error, line int) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &ParseError{Line: perr.Line, Err: perr.Err}
	}
	return &ParseError{Line: line, Err: err}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
