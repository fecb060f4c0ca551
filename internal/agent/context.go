package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/tools"
)

// bootstrapFiles are optional workspace files appended to the system prompt.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md"}

// ContextBuilder assembles the system prompt and messages.
type ContextBuilder struct {
	workspace string
	registry  *tools.Registry
	now       func() time.Time
}

// NewContextBuilder creates a new ContextBuilder.
func NewContextBuilder(workspace string, registry *tools.Registry) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		registry:  registry,
		now:       time.Now,
	}
}

// BuildSystemPrompt constructs the system prompt from runtime info and
// workspace bootstrap files.
func (b *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{b.identity()}
	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) identity() string {
	t := b.now()
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	wsPath := b.workspace
	if abs, err := filepath.Abs(wsPath); err == nil {
		wsPath = abs
	}

	var toolNames string
	if b.registry != nil {
		toolNames = strings.Join(b.registry.Names(), ", ")
	}

	return fmt.Sprintf(`# TaskClaw 🦀

You are TaskClaw, a helpful assistant that can plan and carry out development work.
Use tools when they help; reply in plain text when they do not.
Long-running work belongs in a background run (the spawn tool), which reports back when done.

## Current Time
%s

## Runtime
%s

## Workspace
%s

## Tools
%s`, t.Format("2006-01-02 15:04 (Monday)"), runtimeInfo, wsPath, toolNames)
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	if b.workspace == "" {
		return ""
	}
	var sections []string
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", name, content))
	}
	return strings.Join(sections, "\n\n")
}

// BuildMessages constructs the message list for the model: system prompt,
// session history, then the current message.
func (b *ContextBuilder) BuildMessages(history []session.Message, current, channel, chatID string) []provider.Message {
	systemPrompt := b.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, provider.Message{Role: provider.RoleUser, Content: current})
}

// BuildSubagentMessages constructs the isolated message list for a
// background run. Subagents get no conversation history.
func (b *ContextBuilder) BuildSubagentMessages(task string) []provider.Message {
	prompt := b.BuildSystemPrompt() + "\n\n## Background Run\n" +
		"You are running in the background on a delegated task. Complete it with the tools available, " +
		"then reply with a concise final report. You cannot ask the user questions."
	return []provider.Message{
		{Role: provider.RoleSystem, Content: prompt},
		{Role: provider.RoleUser, Content: task},
	}
}
