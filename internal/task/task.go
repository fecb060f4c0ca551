// Package task models delegated development tasks and their lifecycle within a session.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusDrafting  Status = "drafting"
	StatusRefining  Status = "refining"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned when a task id is unknown to the manager.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid task transition")
)

var transitions = map[Status][]Status{
	StatusDrafting:  {StatusRefining, StatusApproved, StatusCancelled},
	StatusRefining:  {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusExecuting, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pointable reports whether a session's active task pointer may reference a
// task in this status.
func (s Status) Pointable() bool {
	switch s {
	case StatusDrafting, StatusRefining, StatusApproved, StatusExecuting:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Emoji returns the status marker used in user-facing views.
func (s Status) Emoji() string {
	switch s {
	case StatusDrafting:
		return "📝"
	case StatusRefining:
		return "🔧"
	case StatusApproved:
		return "✅"
	case StatusExecuting:
		return "🔄"
	case StatusCompleted:
		return "✨"
	case StatusFailed:
		return "❌"
	case StatusCancelled:
		return "🚫"
	}
	return "📋"
}

// Refinement is one entry of a task's append-only refinement log.
type Refinement struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Bot       string    `json:"bot,omitempty"`
	Action    string    `json:"action,omitempty"`
}

// Solution is the structured plan proposed for a task.
type Solution struct {
	Analysis      string   `json:"analysis,omitempty"`
	Steps         []string `json:"steps,omitempty"`
	Requirements  []string `json:"requirements,omitempty"`
	EstimatedCost string   `json:"estimated_cost,omitempty"`
}

// Task is a tracked unit of delegated work.
type Task struct {
	ID           string
	Category     string
	Number       int
	Title        string
	Description  string
	Status       Status
	Requirements []string
	Refinements  []Refinement
	Solution     *Solution
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AssignedTo   string
}

// FormatID builds the "{category}-{number}" identifier.
func FormatID(category string, number int) string {
	return fmt.Sprintf("%s-%d", category, number)
}

// AddRequirements merges requirements by set union, keeping first-seen order.
// It returns the number of requirements that were new.
func (t *Task) AddRequirements(reqs ...string) int {
	seen := make(map[string]bool, len(t.Requirements))
	for _, r := range t.Requirements {
		seen[strings.ToLower(r)] = true
	}
	added := 0
	for _, r := range reqs {
		r = strings.TrimSpace(r)
		if r == "" || seen[strings.ToLower(r)] {
			continue
		}
		seen[strings.ToLower(r)] = true
		t.Requirements = append(t.Requirements, r)
		added++
	}
	if added > 0 {
		t.UpdatedAt = time.Now()
	}
	return added
}

// AddRefinement appends an entry to the refinement log.
func (t *Task) AddRefinement(user, bot, action string) {
	now := time.Now()
	t.Refinements = append(t.Refinements, Refinement{
		Timestamp: now,
		User:      user,
		Bot:       bot,
		Action:    action,
	})
	t.UpdatedAt = now
}

// SetSolution records the proposed plan and merges its requirements.
func (t *Task) SetSolution(sol *Solution) {
	if sol == nil {
		return
	}
	t.Solution = sol
	t.AddRequirements(sol.Requirements...)
	t.UpdatedAt = time.Now()
}

// transition moves the task to the given status if the lifecycle allows it.
func (t *Task) transition(to Status) error {
	if t.Status == to {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Requirements = append([]string(nil), t.Requirements...)
	c.Refinements = append([]Refinement(nil), t.Refinements...)
	if t.Solution != nil {
		sol := *t.Solution
		sol.Steps = append([]string(nil), t.Solution.Steps...)
		sol.Requirements = append([]string(nil), t.Solution.Requirements...)
		c.Solution = &sol
	}
	return &c
}

const descriptionPreview = 200

// FormatForUser renders the task view shown in chat.
func (t *Task) FormatForUser() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Task %s*: %s\n", t.Status.Emoji(), t.ID, t.Title)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)

	desc := t.Description
	if utf8.RuneCountInString(desc) > descriptionPreview {
		desc = string([]rune(desc)[:descriptionPreview]) + "..."
	}
	if desc != "" && desc != t.Title {
		fmt.Fprintf(&b, "\n%s\n", desc)
	}

	if len(t.Requirements) > 0 {
		b.WriteString("\n*Requirements*:\n")
		for _, r := range t.Requirements {
			fmt.Fprintf(&b, "  • %s\n", r)
		}
	}

	if t.Solution != nil {
		if t.Solution.Analysis != "" {
			fmt.Fprintf(&b, "\n*Analysis*: %s\n", t.Solution.Analysis)
		}
		if len(t.Solution.Steps) > 0 {
			b.WriteString("\n*Steps*:\n")
			for i, s := range t.Solution.Steps {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
			}
		}
		if t.Solution.EstimatedCost != "" {
			fmt.Fprintf(&b, "\n*Estimated cost*: %s\n", t.Solution.EstimatedCost)
		}
	}

	if n := len(t.Refinements); n > 0 {
		fmt.Fprintf(&b, "\n_Refined %d time(s)_\n", n)
	}
	return strings.TrimRight(b.String(), "\n")
}
