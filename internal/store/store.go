package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	// StatusOrphaned marks a run whose host died before recording an outcome.
	StatusOrphaned = "orphaned"
)

// Run is the audit record of one sandboxed conversion.
type Run struct {
	ID           string    `json:"id"`
	Converter    string    `json:"converter"`
	SourceDigest string    `json:"source_digest"`
	Capabilities string    `json:"capabilities"`
	PID          int       `json:"pid"`
	HostPID      int       `json:"host_pid"`
	CgroupPath   string    `json:"cgroup_path,omitempty"`
	Status       string    `json:"status"`
	OK           bool      `json:"ok"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorReason  string    `json:"error_reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	PeakRSS      int64     `json:"peak_rss"`
	PeakCPUMs    int64     `json:"peak_cpu_ms"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// Result is what a finished run records.
type Result struct {
	OK          bool
	ErrorKind   string
	ErrorReason string
	Message     string
	PeakRSS     int64
	PeakCPU     time.Duration
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	converter     TEXT NOT NULL,
	source_digest TEXT NOT NULL DEFAULT '',
	capabilities  TEXT NOT NULL DEFAULT '',
	pid           INTEGER NOT NULL DEFAULT 0,
	host_pid      INTEGER NOT NULL DEFAULT 0,
	cgroup_path   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	ok            INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_reason  TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	peak_rss      INTEGER NOT NULL DEFAULT 0,
	peak_cpu_ms   INTEGER NOT NULL DEFAULT 0,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_runs_source_digest ON runs(source_digest);
`

const runColumns = `id, converter, source_digest, capabilities, pid, host_pid, cgroup_path, status, ok,
	error_kind, error_reason, message, peak_rss, peak_cpu_ms, started_at, finished_at`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. PRAGMAs in DSN are applied
// per-connection by the driver.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (concurrent runs + reaper overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, far faster writes than FULL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// An in-memory database is pinned to one connection, since every connection
// would otherwise see its own empty database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, converter, source_digest, capabilities, pid, host_pid, cgroup_path, status, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Converter, run.SourceDigest, run.Capabilities, run.PID, run.HostPID, run.CgroupPath,
			run.Status, run.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// SetRunProcess records the child once it is running, so a restarted host
// can find it.
func (s *Store) SetRunProcess(id string, pid int, cgroupPath string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET pid = ?, cgroup_path = ? WHERE id = ?`, pid, cgroupPath, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run process: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) FinishRun(id string, res Result) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, ok = ?, error_kind = ?, error_reason = ?, message = ?,
			 peak_rss = ?, peak_cpu_ms = ?, finished_at = ? WHERE id = ?`,
			StatusFinished, res.OK, res.ErrorKind, res.ErrorReason, res.Message,
			res.PeakRSS, res.PeakCPU.Milliseconds(), time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) MarkOrphaned(id, message string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, message = ?, finished_at = ? WHERE id = ?`,
			StatusOrphaned, message, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking run orphaned: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns the newest runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListRunningRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// PruneFinished deletes finished and orphaned runs that ended before cutoff.
func (s *Store) PruneFinished(before time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM runs WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
			StatusRunning, before.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var finished sql.NullTime
	var peakCPU int64
	err := row.Scan(
		&run.ID, &run.Converter, &run.SourceDigest, &run.Capabilities, &run.PID, &run.HostPID, &run.CgroupPath,
		&run.Status, &run.OK, &run.ErrorKind, &run.ErrorReason, &run.Message,
		&run.PeakRSS, &peakCPU, &run.StartedAt, &finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.PeakCPUMs = peakCPU
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
