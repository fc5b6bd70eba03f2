// Package history archives completed runs for later inspection. Parsed
// agent events append to a JSON Lines file as the run progresses; terminal
// runs and their iteration records land in a SQLite database served by the
// inspect command.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ralph/internal/checkpoint"
)

// Store archives runs in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
}

// RunSummary is one archived run as listed by RecentRuns.
type RunSummary struct {
	RunID      string
	Task       string
	Status     string
	StopReason string
	Iterations int
	Attempts   int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve history db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	store := &Store{DBPath: absPath, db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	stop_reason TEXT,
	iterations INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS iterations (
	run_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	summary TEXT,
	output_bytes INTEGER NOT NULL,
	output_lines INTEGER NOT NULL,
	PRIMARY KEY (run_id, idx, attempt)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// RecordRun archives a run and its iteration records in one transaction.
// Recording the same run ID again replaces its rows, so archiving after a
// resume stays consistent with the checkpoint.
func (s *Store) RecordRun(state *checkpoint.RunState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO runs (run_id, task, status, stop_reason, iterations, attempts, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, state.RunID, state.Task, state.Status.String(), state.StopReason,
		state.Iteration, len(state.Records),
		state.StartedAt.UTC().Format(time.RFC3339),
		state.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM iterations WHERE run_id = ?`, state.RunID); err != nil {
		return fmt.Errorf("clear iterations: %w", err)
	}

	for _, rec := range state.Records {
		_, err := tx.Exec(`
			INSERT INTO iterations (run_id, idx, attempt, started_at, ended_at, exit_code, outcome, summary, output_bytes, output_lines)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, state.RunID, rec.Index, rec.Attempt,
			rec.StartedAt.UTC().Format(time.RFC3339),
			rec.EndedAt.UTC().Format(time.RFC3339),
			rec.ExitCode, rec.Outcome.String(), rec.Summary,
			rec.OutputBytes, rec.OutputLines)
		if err != nil {
			return fmt.Errorf("insert iteration %d.%d: %w", rec.Index, rec.Attempt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecentRuns returns the latest archived runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT run_id, task, status, stop_reason, iterations, attempts, started_at, ended_at
		FROM runs
		ORDER BY started_at DESC, run_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var stopReason sql.NullString
		var startedAt, endedAt string
		if err := rows.Scan(&r.RunID, &r.Task, &r.Status, &stopReason, &r.Iterations, &r.Attempts, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StopReason = stopReason.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.EndedAt, _ = time.Parse(time.RFC3339, endedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunIterations returns a run's archived attempts in execution order.
func (s *Store) RunIterations(runID string) ([]checkpoint.IterationRecord, error) {
	rows, err := s.db.Query(`
		SELECT idx, attempt, started_at, ended_at, exit_code, outcome, summary, output_bytes, output_lines
		FROM iterations
		WHERE run_id = ?
		ORDER BY idx, attempt
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var recs []checkpoint.IterationRecord
	for rows.Next() {
		var rec checkpoint.IterationRecord
		var startedAt, endedAt, outcome string
		var summary sql.NullString
		if err := rows.Scan(&rec.Index, &rec.Attempt, &startedAt, &endedAt, &rec.ExitCode, &outcome, &summary, &rec.OutputBytes, &rec.OutputLines); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		rec.EndedAt, _ = time.Parse(time.RFC3339, endedAt)
		rec.Outcome, _ = checkpoint.ParseOutcome(outcome)
		rec.Summary = summary.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
