package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/task"
	"github.com/KafClaw/TaskClaw/internal/timeline"
	"github.com/KafClaw/TaskClaw/internal/tools"
)

// processSystemMessage handles a background completion. ChatID carries the
// "origin_channel:origin_chat_id" return address; the reply goes there.
func (l *Loop) processSystemMessage(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	originChannel, originChatID := bus.ReturnAddress(msg.ChatID)
	slog.Info("Processing system message", "sender", msg.SenderID, "origin", msg.ChatID)

	sess := l.sessions.GetOrCreate(bus.JoinReturnAddress(originChannel, originChatID))
	if taskID := msg.MetaString(bus.MetaKeyTaskID); taskID != "" {
		l.finishTask(sess, taskID, msg.MetaString(bus.MetaKeyRunStatus), msg.MetaString(bus.MetaKeyRunID))
	}

	messages := l.contextBuilder.BuildMessages(sess.GetHistory(l.historyLimit), msg.Content, originChannel, originChatID)
	ctx = tools.WithRoute(ctx, routeFor(originChannel, originChatID, msg.Metadata))

	content, err := l.runToolLoop(ctx, messages, l.registry)
	if err != nil {
		l.saveSession(sess)
		return nil, err
	}
	if content == "" {
		content = emptySystemReply
	}

	sess.AddMessage(provider.RoleUser, fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content))
	sess.AddMessage(provider.RoleAssistant, content)
	l.saveSession(sess)

	return &bus.OutboundMessage{
		Channel:       originChannel,
		ChatID:        originChatID,
		TraceID:       msg.TraceID,
		Content:       content,
		Metadata:      maps.Clone(msg.Metadata),
		EditMessageID: msg.MetaString(bus.MetaKeyPlaceholderID),
	}, nil
}

// finishTask moves an executing task to completed or failed. It is the only
// path out of executing.
func (l *Loop) finishTask(sess *session.Session, taskID, runStatus, runID string) {
	t, ok := sess.Tasks.Get(taskID)
	if !ok {
		slog.Warn("Completion for unknown task", "session", sess.Key, "task_id", taskID)
		return
	}
	if t.Status != task.StatusExecuting {
		slog.Warn("Completion for task not executing", "task_id", taskID, "status", t.Status)
		return
	}
	if runID != "" && t.AssignedTo != "" && t.AssignedTo != runID {
		slog.Warn("Completion from unexpected run", "task_id", taskID, "run_id", runID, "assigned_to", t.AssignedTo)
		return
	}
	to := task.StatusFailed
	if runStatus == timeline.RunStatusOK {
		to = task.StatusCompleted
	}
	if err := l.transition(sess, t, to, "run "+runStatus); err != nil {
		slog.Warn("Task completion transition failed", "task_id", taskID, "error", err)
	}
}
