package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/tools"
)

const (
	emptyTurnReply   = "I've completed processing but have no response to give."
	emptySystemReply = "Background task completed."

	forcedSummaryPrompt = "You have used all available tool iterations. Do not call any more tools. " +
		"Summarize what you found and did so far and give the user your best final answer."
)

// runToolLoop calls the model up to maxIterations times, executing requested
// tools serially and feeding results back. When the budget runs out without
// a plain answer, one last call without tools forces a summary. It makes at
// most maxIterations+1 calls.
func (l *Loop) runToolLoop(ctx context.Context, messages []provider.Message, registry *tools.Registry) (string, error) {
	defs := registry.Definitions()

	for i := 0; i < l.maxIterations; i++ {
		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       defs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}
		if !resp.HasToolCalls() {
			if resp == nil {
				return "", nil
			}
			return strings.TrimSpace(resp.Content), nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			slog.Debug("Executing tool", "tool", tc.Name, "iteration", i+1)
			result := registry.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	slog.Warn("Tool iteration budget exhausted, forcing summary", "max_iterations", l.maxIterations)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: forcedSummaryPrompt})
	resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    messages,
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM summary call failed: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}

// processTurn runs a normal conversational turn.
func (l *Loop) processTurn(ctx context.Context, msg *bus.InboundMessage, sess *session.Session) (*bus.OutboundMessage, error) {
	messages := l.contextBuilder.BuildMessages(sess.GetHistory(l.historyLimit), msg.Content, msg.Channel, msg.ChatID)
	ctx = tools.WithRoute(ctx, routeFor(msg.Channel, msg.ChatID, msg.Metadata))

	content, err := l.runToolLoop(ctx, messages, l.registry)
	if err != nil {
		return nil, err
	}
	if content == "" {
		content = emptyTurnReply
	}

	sess.AddMessage(provider.RoleUser, msg.Content)
	sess.AddMessage(provider.RoleAssistant, content)
	l.saveSession(sess)
	return l.reply(msg, content), nil
}

// runSubagent is the RunFunc behind the SubagentManager: the same tool loop
// over an isolated message list, without the spawn tool.
func (l *Loop) runSubagent(ctx context.Context, run *SubagentRun) (string, error) {
	ctx = tools.WithRoute(ctx, routeFor(run.OriginChannel, run.OriginChatID, run.Metadata))
	content, err := l.runToolLoop(ctx, l.contextBuilder.BuildSubagentMessages(run.Task), l.subagentRegistry)
	if err != nil {
		return "", err
	}
	if content == "" {
		content = "(no output)"
	}
	return content, nil
}

// spawnFromTool backs the spawn tool for model-initiated background runs.
func (l *Loop) spawnFromTool(ctx context.Context, req tools.SpawnRequest) (string, error) {
	channel, chatID := req.Route.Channel, req.Route.ChatID
	if channel == "" {
		channel, chatID = bus.CLIChannel, "direct"
	}
	run, err := l.subagents.Spawn(ctx, SpawnRequest{
		Task:          req.Task,
		Label:         req.Label,
		OriginChannel: channel,
		OriginChatID:  chatID,
		PlaceholderID: req.PlaceholderID,
		Metadata:      req.Route.Metadata,
	})
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}
