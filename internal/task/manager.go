package task

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const titleLimit = 60

// Manager owns the tasks of one session. It is not safe for concurrent use;
// a session's turns are processed by a single consumer.
type Manager struct {
	SessionKey string
	Rules      []CategoryRule

	tasks    map[string]*Task
	counters map[string]int
}

// NewManager creates an empty task manager for a session.
func NewManager(sessionKey string) *Manager {
	return &Manager{
		SessionKey: sessionKey,
		Rules:      CategoryRules,
		tasks:      make(map[string]*Task),
		counters:   make(map[string]int),
	}
}

// TitleFrom derives a task title from free text: first line, bounded length.
func TitleFrom(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if utf8.RuneCountInString(text) > titleLimit {
		text = string([]rune(text)[:titleLimit]) + "..."
	}
	return text
}

// Create adds a drafting task. An empty category is inferred from the description.
func (m *Manager) Create(title, description, category string) *Task {
	if category == "" {
		rules := m.Rules
		if rules == nil {
			rules = CategoryRules
		}
		category = InferCategory(rules, description)
	}
	m.counters[category]++
	n := m.counters[category]

	now := time.Now()
	t := &Task{
		ID:          FormatID(category, n),
		Category:    category,
		Number:      n,
		Title:       title,
		Description: description,
		Status:      StatusDrafting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	return t
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// Active returns the most recently updated drafting or refining task.
func (m *Manager) Active() *Task {
	var best *Task
	for _, t := range m.tasks {
		if t.Status != StatusDrafting && t.Status != StatusRefining {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
		}
	}
	return best
}

// Transition moves a task to a new status.
func (m *Manager) Transition(id string, to Status) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := t.transition(to); err != nil {
		return t, err
	}
	return t, nil
}

// Delete removes a task. Counters are not rewound.
func (m *Manager) Delete(id string) bool {
	if _, ok := m.tasks[id]; !ok {
		return false
	}
	delete(m.tasks, id)
	return true
}

// Len returns the number of tasks.
func (m *Manager) Len() int {
	return len(m.tasks)
}

// List returns tasks, most recently updated first. A non-empty status filters.
func (m *Manager) List(status Status) []*Task {
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// FindByText returns the task whose title or description equals text,
// ignoring case and surrounding space. Ties go to the oldest task.
func (m *Manager) FindByText(text string) *Task {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}
	var found *Task
	for _, t := range m.tasks {
		if strings.ToLower(strings.TrimSpace(t.Title)) != needle &&
			strings.ToLower(strings.TrimSpace(t.Description)) != needle {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) ||
			(t.CreatedAt.Equal(found.CreatedAt) && t.ID < found.ID) {
			found = t
		}
	}
	return found
}

// NextNumber reports the number the next task in category would receive.
func (m *Manager) NextNumber(category string) int {
	return m.counters[category] + 1
}

// recount rebuilds per-category counters as the max observed number.
func (m *Manager) recount() {
	m.counters = make(map[string]int)
	for _, t := range m.tasks {
		if t.Number > m.counters[t.Category] {
			m.counters[t.Category] = t.Number
		}
	}
}
