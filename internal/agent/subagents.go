package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/timeline"
	"github.com/KafClaw/TaskClaw/internal/tools"
)

// ErrSpawnLimit is returned when a spawn would exceed the configured limits.
var ErrSpawnLimit = errors.New("subagent limit reached")

// finishedRunRetention bounds how long finished runs stay listable.
const finishedRunRetention = time.Hour

// SubagentLimits bounds concurrent background runs.
type SubagentLimits struct {
	MaxConcurrent         int
	MaxChildrenPerSession int
}

// SpawnRequest describes a background run and where its result goes.
type SpawnRequest struct {
	Task          string
	Label         string
	OriginChannel string
	OriginChatID  string
	PlaceholderID string
	// TaskID links the run to a conversation task.
	TaskID string
	// ParentSession defaults to the origin session key.
	ParentSession string
	// Metadata is origin delivery metadata (thread ids and the like) that
	// is carried back with the announcement.
	Metadata map[string]any
}

// SubagentRun is a snapshot of one background run.
type SubagentRun struct {
	RunID         string
	Label         string
	Task          string
	TaskID        string
	ParentSession string
	OriginChannel string
	OriginChatID  string
	PlaceholderID string
	Metadata      map[string]any
	Status        string
	Result        string
	Error         string
	CreatedAt     time.Time
	EndedAt       *time.Time

	cancel context.CancelFunc
	// exited is set once the runner goroutine has returned. A killed run
	// has EndedAt set before that.
	exited bool
}

func (r *SubagentRun) clone() *SubagentRun {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	c.cancel = nil
	return &c
}

// RunFunc executes a run's task and returns the final text.
type RunFunc func(ctx context.Context, run *SubagentRun) (string, error)

// RunJournal records run lifecycle; *timeline.Service implements it.
type RunJournal interface {
	RecordRunStarted(run *timeline.SubagentRun) error
	RecordRunFinished(runID, status, result, errText string) error
}

// SubagentManager launches background runs and announces their completion
// back to the originating conversation through the bus.
type SubagentManager struct {
	mu      sync.Mutex
	runs    map[string]*SubagentRun
	limits  SubagentLimits
	bus     *bus.MessageBus
	runner  RunFunc
	journal RunJournal
	wg      sync.WaitGroup
}

// NewSubagentManager creates a manager. journal may be nil.
func NewSubagentManager(b *bus.MessageBus, limits SubagentLimits, runner RunFunc, journal RunJournal) *SubagentManager {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = 8
	}
	if limits.MaxChildrenPerSession <= 0 {
		limits.MaxChildrenPerSession = 5
	}
	return &SubagentManager{
		runs:    make(map[string]*SubagentRun),
		limits:  limits,
		bus:     b,
		runner:  runner,
		journal: journal,
	}
}

// Limits returns the effective limits.
func (m *SubagentManager) Limits() SubagentLimits {
	return m.limits
}

// Spawn starts a run on its own context and returns immediately.
func (m *SubagentManager) Spawn(ctx context.Context, req SpawnRequest) (*SubagentRun, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, errors.New("subagent task is empty")
	}
	if m.runner == nil {
		return nil, errors.New("subagent runner not configured")
	}
	if req.OriginChannel == "" {
		req.OriginChannel = bus.CLIChannel
	}
	if req.OriginChatID == "" {
		req.OriginChatID = "direct"
	}
	if req.ParentSession == "" {
		req.ParentSession = bus.JoinReturnAddress(req.OriginChannel, req.OriginChatID)
	}
	if strings.TrimSpace(req.Label) == "" {
		req.Label = tools.SpawnLabel(req.Task)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &SubagentRun{
		RunID:         uuid.NewString(),
		Label:         req.Label,
		Task:          req.Task,
		TaskID:        req.TaskID,
		ParentSession: req.ParentSession,
		OriginChannel: req.OriginChannel,
		OriginChatID:  req.OriginChatID,
		PlaceholderID: req.PlaceholderID,
		Metadata:      maps.Clone(req.Metadata),
		Status:        timeline.RunStatusRunning,
		CreatedAt:     time.Now(),
		cancel:        cancel,
	}

	m.mu.Lock()
	if err := m.canSpawnLocked(req.ParentSession); err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	m.runs[run.RunID] = run
	snapshot := run.clone()
	m.wg.Add(1)
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.RecordRunStarted(&timeline.SubagentRun{
			RunID:      run.RunID,
			SessionKey: run.ParentSession,
			TaskID:     run.TaskID,
			Label:      run.Label,
			CreatedAt:  run.CreatedAt,
		}); err != nil {
			slog.Warn("Failed to journal subagent start", "run_id", run.RunID, "error", err)
		}
	}

	slog.Info("Subagent spawned", "run_id", run.RunID, "label", run.Label, "session", run.ParentSession, "task_id", run.TaskID)
	go m.execute(runCtx, run.RunID, snapshot)
	return snapshot.clone(), nil
}

func (m *SubagentManager) canSpawnLocked(parentSession string) error {
	m.sweepLocked(time.Now())
	active, children := 0, 0
	for _, run := range m.runs {
		if run.exited {
			continue
		}
		active++
		if run.ParentSession == parentSession {
			children++
		}
	}
	if children >= m.limits.MaxChildrenPerSession {
		return fmt.Errorf("%w: %d/%d active runs for this session", ErrSpawnLimit, children, m.limits.MaxChildrenPerSession)
	}
	if active >= m.limits.MaxConcurrent {
		return fmt.Errorf("%w: %d/%d active runs", ErrSpawnLimit, active, m.limits.MaxConcurrent)
	}
	return nil
}

func (m *SubagentManager) sweepLocked(now time.Time) {
	for id, run := range m.runs {
		if run.exited && run.EndedAt != nil && now.Sub(*run.EndedAt) > finishedRunRetention {
			delete(m.runs, id)
		}
	}
}

func (m *SubagentManager) execute(ctx context.Context, runID string, run *SubagentRun) {
	defer m.wg.Done()

	result, err := m.safeRun(ctx, run)

	status := timeline.RunStatusOK
	if err != nil {
		status = timeline.RunStatusError
	}
	if final, ok := m.finish(runID, status, result, err); ok {
		status = final
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if m.journal != nil {
		if jerr := m.journal.RecordRunFinished(runID, status, result, errText); jerr != nil {
			slog.Warn("Failed to journal subagent finish", "run_id", runID, "error", jerr)
		}
	}
	slog.Info("Subagent finished", "run_id", runID, "status", status)
	m.announce(run, status, result, errText)
}

func (m *SubagentManager) safeRun(ctx context.Context, run *SubagentRun) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Subagent panicked", "run_id", run.RunID, "panic", rec)
			err = fmt.Errorf("subagent panicked: %v", rec)
		}
	}()
	return m.runner(ctx, run)
}

// finish records the outcome. A run killed in the meantime keeps its
// killed status, which is returned.
func (m *SubagentManager) finish(runID, status, result string, runErr error) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", false
	}
	run.exited = true
	if run.cancel != nil {
		run.cancel()
		run.cancel = nil
	}
	if run.Status == timeline.RunStatusKilled {
		return run.Status, true
	}
	now := time.Now()
	run.Status = status
	run.Result = result
	if runErr != nil {
		run.Error = runErr.Error()
	}
	run.EndedAt = &now
	return status, true
}

// announce publishes the completion as a system inbound message addressed
// to the origin conversation.
func (m *SubagentManager) announce(run *SubagentRun, status, result, errText string) {
	if m.bus == nil {
		return
	}
	var content string
	switch status {
	case timeline.RunStatusOK:
		instruction := "Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like run ids."
		if run.TaskID != "" {
			instruction = "Report this result to the user. Keep the summary, changed files and usage notes; leave out internal details like run ids."
		}
		content = fmt.Sprintf("[Subagent '%s' completed successfully]\n\nTask: %s\n\nResult:\n%s\n\n%s",
			run.Label, run.Task, result, instruction)
	case timeline.RunStatusKilled:
		content = fmt.Sprintf("[Subagent '%s' was stopped]\n\nTask: %s\n\nTell the user briefly that this background work was stopped before it finished.",
			run.Label, run.Task)
	default:
		content = fmt.Sprintf("[Subagent '%s' failed]\n\nTask: %s\n\nError: %s\n\nTell the user briefly that the background work did not finish and what went wrong.",
			run.Label, run.Task, errText)
	}

	meta := maps.Clone(run.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[bus.MetaKeyRunID] = run.RunID
	meta[bus.MetaKeyRunStatus] = status
	if run.TaskID != "" {
		meta[bus.MetaKeyTaskID] = run.TaskID
	}
	if run.PlaceholderID != "" {
		meta[bus.MetaKeyPlaceholderID] = run.PlaceholderID
	}

	m.bus.PublishInbound(&bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent:" + run.RunID,
		ChatID:   bus.JoinReturnAddress(run.OriginChannel, run.OriginChatID),
		Content:  content,
		Metadata: meta,
	})
}

// Get returns a snapshot of a run.
func (m *SubagentManager) Get(runID string) (*SubagentRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	return run.clone(), true
}

// List returns snapshots of known runs, newest first.
func (m *SubagentManager) List() []*SubagentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(time.Now())
	out := make([]*SubagentRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Active returns the number of runs still executing, including killed runs
// whose runner has not returned yet.
func (m *SubagentManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, run := range m.runs {
		if !run.exited {
			n++
		}
	}
	return n
}

// Kill cancels a running run. The runner observes cancellation through its
// context; the run is announced as stopped.
func (m *SubagentManager) Kill(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.EndedAt != nil {
		return false
	}
	now := time.Now()
	run.Status = timeline.RunStatusKilled
	run.EndedAt = &now
	if run.cancel != nil {
		run.cancel()
		run.cancel = nil
	}
	return true
}

// Wait blocks until every spawned run has finished and announced.
func (m *SubagentManager) Wait() {
	m.wg.Wait()
}
