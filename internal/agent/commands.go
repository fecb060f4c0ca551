package agent

import (
	"fmt"
	"strings"

	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/task"
)

const taskCommandPrefix = "/task"

const taskHelp = "*Task commands*\n" +
	"  `/task show [id]`: show a task (default: the active one)\n" +
	"  `/task status [id]`: one-line status\n" +
	"  `/task list`: list tasks in this conversation\n" +
	"  `/task clear`: cancel the active task\n" +
	"  `/task delete <id>`: delete a task\n" +
	"  `/task help`: this help"

type taskCommand struct {
	Name string
	Arg  string
}

// parseTaskCommand recognizes "/task <sub> [arg]". A bare "/task" means show.
func parseTaskCommand(content string) (taskCommand, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || strings.ToLower(fields[0]) != taskCommandPrefix {
		return taskCommand{}, false
	}
	cmd := taskCommand{Name: "show"}
	if len(fields) > 1 {
		cmd.Name = strings.ToLower(fields[1])
	}
	if len(fields) > 2 {
		cmd.Arg = fields[2]
	}
	return cmd, true
}

func (l *Loop) handleTaskCommand(sess *session.Session, cmd taskCommand) string {
	switch cmd.Name {
	case "show":
		t, errMsg := l.resolveTask(sess, cmd.Arg)
		if t == nil {
			return errMsg
		}
		// Showing a task that is still being refined makes it the target of
		// the next message.
		if cmd.Arg != "" && (t.Status == task.StatusDrafting || t.Status == task.StatusRefining) {
			sess.SetActiveTask(t.ID)
		}
		return t.FormatForUser()
	case "status":
		t, errMsg := l.resolveTask(sess, cmd.Arg)
		if t == nil {
			return errMsg
		}
		line := fmt.Sprintf("%s *%s*: %s (%s)", t.Status.Emoji(), t.ID, t.Title, t.Status)
		if t.AssignedTo != "" {
			if run, ok := l.subagents.Get(t.AssignedTo); ok {
				line += fmt.Sprintf("\nRun %s: %s", shortID(run.RunID), run.Status)
			}
		}
		return line
	case "list", "ls":
		return l.listTasks(sess)
	case "clear":
		return l.clearActiveTask(sess)
	case "delete", "rm":
		if cmd.Arg == "" {
			return "Usage: `/task delete <id>`"
		}
		t, ok := sess.Tasks.Get(cmd.Arg)
		if !ok {
			return fmt.Sprintf("Task *%s* not found.", cmd.Arg)
		}
		if t.Status == task.StatusExecuting {
			return fmt.Sprintf("Task *%s* is executing and cannot be deleted.", t.ID)
		}
		if sess.ActiveTaskID == t.ID {
			sess.SetActiveTask("")
		}
		sess.Tasks.Delete(t.ID)
		l.journalTask(sess.Key, t.ID, t.Status, t.Status, "deleted")
		return fmt.Sprintf("🗑️ Task *%s* deleted.", t.ID)
	case "help":
		return taskHelp
	default:
		return fmt.Sprintf("Unknown task command %q.\n\n%s", cmd.Name, taskHelp)
	}
}

// resolveTask picks the task a command refers to: the given id, else the
// active task, else the most recently updated one.
func (l *Loop) resolveTask(sess *session.Session, id string) (*task.Task, string) {
	if id != "" {
		if t, ok := sess.Tasks.Get(id); ok {
			return t, ""
		}
		return nil, fmt.Sprintf("Task *%s* not found.", id)
	}
	if t := sess.ActiveTask(); t != nil {
		return t, ""
	}
	if all := sess.Tasks.List(""); len(all) > 0 {
		return all[0], ""
	}
	return nil, "No tasks yet."
}

func (l *Loop) listTasks(sess *session.Session) string {
	all := sess.Tasks.List("")
	if len(all) == 0 {
		return "No tasks yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Tasks* (%d)\n", len(all))
	for _, t := range all {
		fmt.Fprintf(&b, "  %s `%s` %s (%s)", t.Status.Emoji(), t.ID, t.Title, t.Status)
		if t.ID == sess.ActiveTaskID {
			b.WriteString(" ← active")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Loop) clearActiveTask(sess *session.Session) string {
	hadPending := sess.PendingTask != nil
	sess.PendingTask = nil

	t := sess.ActiveTask()
	if t == nil {
		if hadPending {
			return "🚫 Pending proposal cleared."
		}
		return "No active task."
	}
	if t.Status != task.StatusExecuting {
		if err := l.transition(sess, t, task.StatusCancelled, "cleared"); err != nil {
			return fmt.Sprintf("Could not cancel task *%s*: %v", t.ID, err)
		}
	}
	sess.SetActiveTask("")
	return fmt.Sprintf("🚫 Task *%s* cancelled.", t.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
