package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/TaskClaw/internal/config"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/task"
	"github.com/KafClaw/TaskClaw/internal/timeline"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Inspect conversation tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks of one session, or of every session",
		RunE:  runTaskList,
	}

	taskShowCmd = &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}

	taskHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "Show journaled task transitions and background runs",
		RunE:  runTaskHistory,
	}
)

func init() {
	taskCmd.PersistentFlags().StringP("session", "s", "", "Session key (channel:chat)")
	taskCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")
	taskListCmd.Flags().String("status", "", "Only tasks with this status")
	taskHistoryCmd.Flags().String("task", "", "Only events of this task")
	taskHistoryCmd.Flags().Int("limit", 50, "Maximum entries per section")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskHistoryCmd)
}

type taskListEntry struct {
	Session string `json:"session"`
	ID      string `json:"id"`
	Status  string `json:"status"`
	Title   string `json:"title"`
	Active  bool   `json:"active,omitempty"`
}

func loadSessions() (*config.Config, *session.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	sessions, err := session.NewManager(cfg.Paths.SessionsDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sessions, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("session")
	status, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")

	_, sessions, err := loadSessions()
	if err != nil {
		return err
	}
	keys := []string{strings.TrimSpace(key)}
	if keys[0] == "" {
		keys = keys[:0]
		for _, info := range sessions.List() {
			keys = append(keys, info.Key)
		}
	}

	entries := []taskListEntry{}
	for _, k := range keys {
		sess := sessions.GetOrCreate(k)
		for _, t := range sess.Tasks.List(task.Status(status)) {
			entries = append(entries, taskListEntry{
				Session: k,
				ID:      t.ID,
				Status:  string(t.Status),
				Title:   t.Title,
				Active:  t.ID == sess.ActiveTaskID,
			})
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	for _, e := range entries {
		marker := " "
		if e.Active {
			marker = color.YellowString("*")
		}
		fmt.Fprintf(out, "%s %-10s %s %-12s %s\n", marker, e.ID, task.Status(e.Status).Emoji(), e.Status, e.Title)
		if key == "" {
			fmt.Fprintf(out, "    %s\n", color.New(color.Faint).Sprint(e.Session))
		}
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("session")
	asJSON, _ := cmd.Flags().GetBool("json")
	if strings.TrimSpace(key) == "" {
		return errors.New("--session is required")
	}

	_, sessions, err := loadSessions()
	if err != nil {
		return err
	}
	t, ok := sessions.GetOrCreate(key).Tasks.Get(args[0])
	if !ok {
		return fmt.Errorf("task %s not found in session %s", args[0], key)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, t.Encode())
	}
	fmt.Fprint(out, t.FormatForUser())
	if n := len(t.Refinements); n > 0 {
		fmt.Fprintf(out, "\nRefinements (%d):\n", n)
		for _, r := range t.Refinements {
			fmt.Fprintf(out, "  %s [%s] %s\n", r.Timestamp.Format("2006-01-02 15:04"), r.Action, r.User)
		}
	}
	return nil
}

type taskHistory struct {
	Events []timeline.TaskEvent   `json:"events"`
	Runs   []timeline.SubagentRun `json:"runs"`
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("session")
	taskID, _ := cmd.Flags().GetString("task")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	if strings.TrimSpace(key) == "" {
		return errors.New("--session is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	journal, err := timeline.Open(cfg.Timeline.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	history := taskHistory{Events: []timeline.TaskEvent{}, Runs: []timeline.SubagentRun{}}
	events, err := journal.ListTaskEvents(key, taskID, limit)
	if err != nil {
		return err
	}
	if events != nil {
		history.Events = events
	}
	runs, err := journal.ListRuns(limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.SessionKey == key && (taskID == "" || r.TaskID == taskID) {
			history.Runs = append(history.Runs, r)
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, history)
	}
	fmt.Fprintf(out, "Session: %s\n", key)
	fmt.Fprintf(out, "Transitions: %d\n", len(history.Events))
	for _, e := range history.Events {
		from := e.FromStatus
		if from == "" {
			from = "∅"
		}
		line := fmt.Sprintf("  %s %-10s %s → %s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.TaskID, from, e.ToStatus)
		if e.Note != "" {
			line += " (" + e.Note + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Runs: %d\n", len(history.Runs))
	for _, r := range history.Runs {
		fmt.Fprintf(out, "  %s %-8s %-10s %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status, r.TaskID, r.Label)
	}
	return nil
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
