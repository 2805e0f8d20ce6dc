package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var sidecarSuffixes = []string{"", "-wal", "-shm", "-journal"}

// preflight checkpoints and quick-checks an existing database before the main
// open. A database that fails either check is renamed aside with its sidecars
// so the recorder can start on a fresh file; the quarantine path is returned.
// A missing database is healthy.
func preflight(path string, timeout time.Duration) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", fmt.Errorf("recorder: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	checkErr := checkDB(ctx, db, timeout)
	_ = db.Close()
	if checkErr == nil {
		return "", nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("recorder: preflight timed out after %s", timeout)
	}
	return quarantine(path, time.Now().UTC())
}

func checkDB(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, s := range sidecarSuffixes {
		src := path + s
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", fmt.Errorf("recorder: quarantine %s: %w", src, err)
		}
	}
	return path + suffix, nil
}
