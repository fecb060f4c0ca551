package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/KafClaw/TaskClaw/internal/bus"
)

const spawnLabelLimit = 30

// SpawnRequest is what the spawn tool hands to the background runner.
type SpawnRequest struct {
	Task          string
	Label         string
	Route         Route
	PlaceholderID string
}

// SpawnFunc starts a background run and returns its id.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (string, error)

// SpawnTool starts a background subagent for long-running work. The result
// is announced back to the conversation when the run finishes.
type SpawnTool struct {
	spawn SpawnFunc
	send  SendFunc
}

// NewSpawnTool creates a spawn tool. send may be nil, in which case no
// placeholder message is posted.
func NewSpawnTool(spawn SpawnFunc, send SendFunc) *SpawnTool {
	return &SpawnTool{spawn: spawn, send: send}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent for a long-running task. The result is reported back to the user when it finishes."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete instructions for the subagent",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label shown to the user",
			},
		},
		"required": []string{"task"},
	}
}

// SpawnLabel derives a display label from a task description.
func SpawnLabel(task string) string {
	task = strings.TrimSpace(task)
	if utf8.RuneCountInString(task) <= spawnLabelLimit {
		return task
	}
	return string([]rune(task)[:spawnLabelLimit]) + "..."
}

func (t *SpawnTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if t.spawn == nil {
		return "", errors.New("spawn unavailable")
	}
	task := strings.TrimSpace(GetString(params, "task", ""))
	if task == "" {
		return "", errors.New("task is required")
	}
	label := strings.TrimSpace(GetString(params, "label", ""))
	if label == "" {
		label = SpawnLabel(task)
	}

	route, _ := RouteFrom(ctx)
	req := SpawnRequest{Task: task, Label: label, Route: route}

	if t.send != nil && route.Channel != "" && route.Channel != bus.CLIChannel {
		id, err := t.send(ctx, &bus.OutboundMessage{
			Channel:        route.Channel,
			ChatID:         route.ChatID,
			Content:        fmt.Sprintf("⏳ *Processing:* %s", label),
			Metadata:       route.Metadata,
			TrackMessageID: true,
		})
		if err == nil {
			req.PlaceholderID = id
		}
	}

	runID, err := t.spawn(ctx, req)
	if err != nil {
		return "", fmt.Errorf("spawn subagent: %w", err)
	}
	return fmt.Sprintf("Subagent '%s' started (run %s). I'll report back when it completes.", label, runID), nil
}
