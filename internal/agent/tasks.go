package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/task"
	"github.com/KafClaw/TaskClaw/internal/timeline"
)

var approvalKeywords = keywordSet("yes", "y", "ok", "okay", "confirm", "approve", "go",
	"是", "好", "好的", "确认", "批准", "执行", "sí", "si", "oui", "ja")

var rejectionKeywords = keywordSet("no", "n", "cancel", "reject", "stop", "abort",
	"否", "不", "取消", "拒绝", "nein", "non")

// Sessions written before the task manager only understood these.
var (
	legacyApprovalKeywords  = keywordSet("yes", "y", "是", "ok", "confirm")
	legacyRejectionKeywords = keywordSet("no", "n", "否", "cancel")
)

func keywordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// normalizeReply lowercases a short reply and drops surrounding punctuation.
func normalizeReply(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, " !.?,;:~`'\"。！？，")
	return s
}

func isApproval(s string) bool  { return approvalKeywords[normalizeReply(s)] }
func isRejection(s string) bool { return rejectionKeywords[normalizeReply(s)] }

func approvalPrompt(id string) string {
	return fmt.Sprintf("Reply `yes` to approve and start *%s*, `no` to cancel, or send more details to refine it.", id)
}

// createTask registers a classified request as a task, shows it, and
// promotes it to refining so the next message refines it.
func (l *Loop) createTask(sess *session.Session, content string, decision DevTaskDecision) string {
	t := sess.Tasks.Create(task.TitleFrom(content), content, "")
	t.SetSolution(decision.Solution())
	l.journalTask(sess.Key, t.ID, "", task.StatusDrafting, "created")
	slog.Info("Task created", "session", sess.Key, "task_id", t.ID, "category", t.Category)

	view := t.FormatForUser()
	if err := l.transition(sess, t, task.StatusRefining, "displayed"); err != nil {
		slog.Warn("Task promotion failed", "task_id", t.ID, "error", err)
	}
	sess.SetActiveTask(t.ID)

	reply := "📋 New task drafted.\n\n" + view + "\n\n" + approvalPrompt(t.ID)
	sess.AddMessage(provider.RoleUser, content)
	sess.AddMessage(provider.RoleAssistant, reply)
	l.saveSession(sess)
	return reply
}

// redisplayTask answers a repeated request with the existing task.
func (l *Loop) redisplayTask(sess *session.Session, t *task.Task) string {
	reply := "This matches an existing task:\n\n" + t.FormatForUser()
	if t.Status == task.StatusDrafting || t.Status == task.StatusRefining {
		sess.SetActiveTask(t.ID)
		l.saveSession(sess)
		reply += "\n\n" + approvalPrompt(t.ID)
	}
	return reply
}

// handleRefinement processes a message while a task is active.
func (l *Loop) handleRefinement(ctx context.Context, msg *bus.InboundMessage, sess *session.Session, t *task.Task, content string) (string, error) {
	switch {
	case isApproval(content):
		return l.approveTask(ctx, msg, sess, t, content)
	case isRejection(content):
		return l.cancelTask(sess, t, content), nil
	}

	if t.Status == task.StatusApproved {
		// The last hand-off failed; only approval (retry) or rejection apply.
		return fmt.Sprintf("Task *%s* is approved but not running yet. Reply `yes` to retry or `no` to cancel.", t.ID), nil
	}
	if t.Status == task.StatusDrafting {
		if err := l.transition(sess, t, task.StatusRefining, "refinement"); err != nil {
			return "", err
		}
	}

	decision := l.decider.ClassifyRefinement(ctx, t.Clone(), content)
	if decision.Kind == RefinementApprove && !decision.Fallback {
		return l.approveTask(ctx, msg, sess, t, content)
	}

	var reply string
	switch {
	case decision.Fallback:
		reply = fmt.Sprintf("📝 Noted on task *%s*.", t.ID)
		t.AddRefinement(content, reply, "note")
	case decision.Kind == RefinementQuestion:
		reply = decision.Reply
		if reply == "" {
			reply = fmt.Sprintf("Task *%s* is still being refined.", t.ID)
		}
		t.AddRefinement(content, reply, string(RefinementQuestion))
	default:
		reqs := decision.Requirements
		if len(reqs) == 0 {
			reqs = []string{content}
		}
		added := t.AddRequirements(reqs...)
		reply = decision.Reply
		if reply == "" {
			reply = fmt.Sprintf("🔧 Updated task *%s* (%d new requirement(s)).", t.ID, added)
		}
		t.AddRefinement(content, reply, string(RefinementRequirement))
	}

	reply += "\n\n" + approvalPrompt(t.ID)
	sess.AddMessage(provider.RoleUser, content)
	sess.AddMessage(provider.RoleAssistant, reply)
	l.saveSession(sess)
	return reply, nil
}

// approveTask moves a task to approved, hands it to a background run and
// marks it executing. The active pointer is cleared on hand-off; when the
// spawn fails the task stays approved and active so it can be retried.
func (l *Loop) approveTask(ctx context.Context, msg *bus.InboundMessage, sess *session.Session, t *task.Task, content string) (string, error) {
	if t.Status != task.StatusApproved {
		if err := l.transition(sess, t, task.StatusApproved, "approved"); err != nil {
			return "", err
		}
		t.AddRefinement(content, "", "approve")
	}

	run, err := l.subagents.Spawn(ctx, SpawnRequest{
		Task:          executionPrompt(t),
		Label:         t.ID,
		OriginChannel: msg.Channel,
		OriginChatID:  msg.ChatID,
		TaskID:        t.ID,
		ParentSession: sess.Key,
		Metadata:      msg.Metadata,
	})
	if err != nil {
		slog.Warn("Task hand-off failed", "task_id", t.ID, "error", err)
		sess.SetActiveTask(t.ID)
		l.saveSession(sess)
		return fmt.Sprintf("⚠️ Task *%s* is approved but could not start: %v\nReply `yes` to retry or `no` to cancel.", t.ID, err), nil
	}

	t.AssignedTo = run.RunID
	if err := l.transition(sess, t, task.StatusExecuting, "run "+run.RunID); err != nil {
		return "", err
	}
	sess.SetActiveTask("")

	reply := fmt.Sprintf("✅ Task *%s* approved and started.\nI'll report back here when it's done. Use `/task status %s` to check on it.", t.ID, t.ID)
	sess.AddMessage(provider.RoleUser, content)
	sess.AddMessage(provider.RoleAssistant, reply)
	l.saveSession(sess)
	return reply, nil
}

func (l *Loop) cancelTask(sess *session.Session, t *task.Task, content string) string {
	if err := l.transition(sess, t, task.StatusCancelled, "rejected"); err != nil {
		slog.Warn("Task cancel failed", "task_id", t.ID, "error", err)
	}
	t.AddRefinement(content, "", "cancel")
	sess.SetActiveTask("")

	reply := fmt.Sprintf("🚫 Task *%s* cancelled.", t.ID)
	sess.AddMessage(provider.RoleUser, content)
	sess.AddMessage(provider.RoleAssistant, reply)
	l.saveSession(sess)
	return reply
}

// handlePendingTask resolves a legacy single-slot proposal. Approval
// migrates it into the task manager and follows the normal hand-off.
func (l *Loop) handlePendingTask(ctx context.Context, msg *bus.InboundMessage, sess *session.Session, content string) (string, error) {
	answer := normalizeReply(content)
	switch {
	case legacyApprovalKeywords[answer]:
		p := sess.PendingTask
		sess.PendingTask = nil
		t := sess.Tasks.Create(task.TitleFrom(p.OriginalRequest), p.OriginalRequest, "")
		t.SetSolution(&task.Solution{
			Analysis:      p.Analysis,
			Steps:         p.Steps,
			Requirements:  p.Requirements,
			EstimatedCost: p.EstimatedCost,
		})
		l.journalTask(sess.Key, t.ID, "", task.StatusDrafting, "migrated from pending proposal")
		sess.SetActiveTask(t.ID)
		return l.approveTask(ctx, msg, sess, t, content)
	case legacyRejectionKeywords[answer]:
		sess.PendingTask = nil
		l.saveSession(sess)
		return "🚫 Task cancelled.", nil
	default:
		return "Please reply `yes` to run the pending task, or `no` to cancel it.", nil
	}
}

// transition applies a lifecycle change and journals it.
func (l *Loop) transition(sess *session.Session, t *task.Task, to task.Status, note string) error {
	from := t.Status
	if _, err := sess.Tasks.Transition(t.ID, to); err != nil {
		return err
	}
	if from != to {
		slog.Info("Task transition", "session", sess.Key, "task_id", t.ID, "from", from, "to", to)
		l.journalTask(sess.Key, t.ID, from, to, note)
	}
	return nil
}

func (l *Loop) journalTask(sessionKey, taskID string, from, to task.Status, note string) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordTaskEvent(&timeline.TaskEvent{
		SessionKey: sessionKey,
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Note:       note,
	}); err != nil {
		slog.Warn("Failed to journal task event", "task_id", taskID, "error", err)
	}
}

// executionPrompt is the delegated instruction for an approved task.
func executionPrompt(t *task.Task) string {
	var steps []string
	if t.Solution != nil {
		steps = t.Solution.Steps
	}
	return fmt.Sprintf(`Execute this development task:
%s

Requirements: %s
Steps: %s

When complete, provide:
1. Summary of what was done
2. Any files created/modified
3. How to use/test the result
4. Any guidelines for future maintenance`, t.Description, joinOrNone(t.Requirements), joinOrNone(steps))
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none specified"
	}
	return strings.Join(items, "; ")
}
