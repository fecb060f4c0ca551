// Package timeline journals task transitions and subagent runs in SQLite.
package timeline

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const maxResultLen = 4000

// Service is the SQLite-backed journal.
type Service struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create timeline dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

// RecordTaskEvent appends a task status change.
func (s *Service) RecordTaskEvent(evt *TaskEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO task_events (session_key, task_id, from_status, to_status, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		evt.SessionKey, evt.TaskID, evt.FromStatus, evt.ToStatus, evt.Note, evt.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record task event: %w", err)
	}
	evt.ID, _ = res.LastInsertId()
	return nil
}

// ListTaskEvents returns events oldest first. An empty taskID lists the whole
// session; limit <= 0 means no limit.
func (s *Service) ListTaskEvents(sessionKey, taskID string, limit int) ([]TaskEvent, error) {
	query := `SELECT id, session_key, task_id, from_status, to_status, note, created_at
		FROM task_events WHERE session_key = ?`
	args := []any{sessionKey}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Note, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordRunStarted inserts a running subagent run.
func (s *Service) RecordRunStarted(run *SubagentRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := s.db.Exec(
		`INSERT INTO subagent_runs (run_id, session_key, task_id, label, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionKey, run.TaskID, run.Label, run.Status, run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunFinished stores the terminal status of a run.
func (s *Service) RecordRunFinished(runID, status, result, errText string) error {
	if len(result) > maxResultLen {
		result = result[:maxResultLen]
	}
	res, err := s.db.Exec(
		`UPDATE subagent_runs SET status = ?, result = ?, error = ?, ended_at = ? WHERE run_id = ?`,
		status, result, errText, time.Now().UnixMilli(), runID,
	)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record run finish: unknown run %s", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Service) ListRuns(limit int) ([]SubagentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, session_key, task_id, label, status, result, error, created_at, ended_at
		FROM subagent_runs ORDER BY created_at DESC, run_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []SubagentRun
	for rows.Next() {
		var r SubagentRun
		var created int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.SessionKey, &r.TaskID, &r.Label, &r.Status, &r.Result, &r.Error, &created, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
