// Package recorder archives committed telemetry samples to SQLite for offline
// analysis without slowing the sync loop. Rows are keyed by an xxh3
// fingerprint, so re-fetching history after a version reset does not store
// the same sample twice.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kprofiler/snapshot"
	"kprofiler/telemetry"

	_ "modernc.org/sqlite"
)

// Options configures a Recorder.
type Options struct {
	DBPath           string
	QueueSize        int
	BatchSize        int
	BatchInterval    time.Duration
	PreflightTimeout time.Duration
}

// Recorder persists samples asynchronously. The sync loop never blocks on it;
// when the queue is full samples are dropped and counted.
type Recorder struct {
	db            *sql.DB
	queue         chan telemetry.Sample
	stop          chan struct{}
	done          chan struct{}
	batchSize     int
	batchInterval time.Duration
	started       atomic.Bool
	stopOnce      sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
}

// Open prepares the database at opts.DBPath; call Start to begin writing.
func Open(opts Options) (*Recorder, error) {
	path := strings.TrimSpace(opts.DBPath)
	if path == "" {
		return nil, errors.New("recorder: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	if moved, err := preflight(path, opts.PreflightTimeout); err != nil {
		return nil, err
	} else if moved != "" {
		log.Printf("Recorder: unhealthy database quarantined to %s", moved)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	qsize := opts.QueueSize
	if qsize <= 0 {
		qsize = 4096
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := opts.BatchInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Recorder{
		db:            db,
		queue:         make(chan telemetry.Sample, qsize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		batchInterval: interval,
	}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
	create table if not exists samples (
		id integer primary key autoincrement,
		fingerprint integer not null unique,
		ts real not null,
		process_id integer not null,
		process_name text,
		process_label text,
		cpu real,
		gpu real,
		uss_mb real,
		rss_mb real,
		vms_mb real,
		working_set_mb real,
		private_working_set_mb real,
		system_total_mb real,
		system_available_mb real,
		taskmgr_mb real,
		vsize_bytes real
	);
	create index if not exists idx_samples_pid_ts on samples(process_id, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("recorder: schema: %w", err)
	}
	return nil
}

// Start launches the insert loop.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	if r.started.CompareAndSwap(false, true) {
		go r.insertLoop()
	}
}

// Close flushes queued samples and closes the database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		} else {
			r.flush(r.drain(nil))
		}
		err = r.db.Close()
	})
	return err
}

// Enqueue queues a committed batch without blocking. It matches the engine's
// OnCommit hook.
func (r *Recorder) Enqueue(batch []telemetry.Sample) {
	if r == nil {
		return
	}
	for _, s := range batch {
		select {
		case r.queue <- s:
		default:
			r.dropped.Add(1)
		}
	}
}

// Written returns how many new rows were stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns how many samples were lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) insertLoop() {
	defer close(r.done)
	batch := make([]telemetry.Sample, 0, r.batchSize)
	timer := time.NewTimer(r.batchInterval)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			r.flush(r.drain(batch))
			return
		case s := <-r.queue:
			batch = append(batch, s)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
				timer.Reset(r.batchInterval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(r.batchInterval)
		}
	}
}

func (r *Recorder) drain(batch []telemetry.Sample) []telemetry.Sample {
	for {
		select {
		case s := <-r.queue:
			batch = append(batch, s)
		default:
			return batch
		}
	}
}

func (r *Recorder) flush(batch []telemetry.Sample) {
	if len(batch) == 0 {
		return
	}
	tx, err := r.db.Begin()
	if err != nil {
		log.Printf("Recorder: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert or ignore into samples(
		fingerprint, ts, process_id, process_name, process_label, cpu, gpu,
		uss_mb, rss_mb, vms_mb, working_set_mb, private_working_set_mb,
		system_total_mb, system_available_mb, taskmgr_mb, vsize_bytes
	) values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Recorder: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var inserted uint64
	for _, s := range batch {
		m := s.Memory
		res, err := stmt.Exec(
			int64(snapshot.Fingerprint(s)),
			s.TimestampSeconds,
			s.Process.ProcessID,
			s.Process.Name,
			s.Process.Label,
			s.CPUPercentage,
			s.GPUPercentage,
			m.UniqueSetSize,
			m.ResidentSetSize,
			m.VirtualSize,
			m.WorkingSet,
			m.PrivateWorkingSet,
			m.SystemTotal,
			m.SystemAvailable,
			m.FromTaskmgr,
			m.VSize,
		)
		if err != nil {
			log.Printf("Recorder: insert failed: %v", err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted += uint64(n)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Recorder: commit: %v", err)
		return
	}
	r.written.Add(inserted)
}

// Count returns the number of stored samples.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `select count(*) from samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("recorder: count: %w", err)
	}
	return n, nil
}

// Recent returns up to limit samples for pid, oldest first.
func (r *Recorder) Recent(ctx context.Context, pid, limit int) ([]telemetry.Sample, error) {
	if limit <= 0 {
		return []telemetry.Sample{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `select ts, process_id, process_name, process_label, cpu, gpu,
		uss_mb, rss_mb, vms_mb, working_set_mb, private_working_set_mb,
		system_total_mb, system_available_mb, taskmgr_mb, vsize_bytes
		from (select * from samples where process_id = ? order by ts desc, id desc limit ?)
		order by ts asc, id asc`, pid, limit)
	if err != nil {
		return nil, fmt.Errorf("recorder: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]telemetry.Sample, 0, limit)
	for rows.Next() {
		var s telemetry.Sample
		m := &s.Memory
		if err := rows.Scan(&s.TimestampSeconds, &s.Process.ProcessID, &s.Process.Name, &s.Process.Label,
			&s.CPUPercentage, &s.GPUPercentage,
			&m.UniqueSetSize, &m.ResidentSetSize, &m.VirtualSize, &m.WorkingSet, &m.PrivateWorkingSet,
			&m.SystemTotal, &m.SystemAvailable, &m.FromTaskmgr, &m.VSize); err != nil {
			return nil, fmt.Errorf("recorder: scan recent: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: iterate recent: %w", err)
	}
	return out, nil
}
