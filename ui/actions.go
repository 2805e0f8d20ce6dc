package ui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type snapshotExporter interface {
	ExportSnapshot(ctx context.Context) (string, error)
}

type snapshotLoader interface {
	LoadSnapshot(ctx context.Context, text string) error
}

// snapshotFileName is "history-<target>.csv" with path separators and spaces
// replaced so the target name cannot escape the snapshot directory.
func snapshotFileName(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return "history.csv"
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, target)
	return "history-" + clean + ".csv"
}

// Purpose: Save the agent's full history to the snapshot directory.
// Key aspects: Writes to a temp file and renames so a failed export never
// truncates an earlier snapshot.
// Upstream: Dashboard save key.
// Downstream: syncer.Engine.ExportSnapshot, os.Rename.
func saveSnapshot(ctx context.Context, src snapshotExporter, dir, target string) (string, error) {
	text, err := src.ExportSnapshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ui: save snapshot: %w", err)
	}
	path := filepath.Join(dir, snapshotFileName(target))
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return "", fmt.Errorf("ui: save snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("ui: save snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("ui: save snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("ui: save snapshot: %w", err)
	}
	return path, nil
}

// loadSnapshotFile reads path and hands the text to the engine. A relative
// path is resolved against the snapshot directory first, then the working dir.
func loadSnapshotFile(ctx context.Context, dst snapshotLoader, dir, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("ui: load snapshot: empty path")
	}
	candidates := []string{path}
	if !filepath.IsAbs(path) && dir != "" {
		candidates = []string{filepath.Join(dir, path), path}
	}
	var lastErr error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if err := dst.LoadSnapshot(ctx, string(data)); err != nil {
			return candidate, err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("ui: load snapshot: %w", lastErr)
}
