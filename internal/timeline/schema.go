package timeline

import "time"

// TaskEvent records one status change of a conversation task.
type TaskEvent struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubagentRun is the journaled state of one background run.
type SubagentRun struct {
	RunID      string     `json:"run_id"`
	SessionKey string     `json:"session_key"`
	TaskID     string     `json:"task_id,omitempty"`
	Label      string     `json:"label"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusError   = "error"
	RunStatusKilled  = "killed"
)

// Schema creates the journal tables. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(session_key, task_id);

CREATE TABLE IF NOT EXISTS subagent_runs (
	run_id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_subagent_runs_created ON subagent_runs(created_at);
`
