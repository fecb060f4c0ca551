// Package session provides conversation session management.
package session

import (
	"sync"
	"time"

	"github.com/KafClaw/TaskClaw/internal/task"
)

// Message represents a chat message in a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PendingTask is the single-slot proposal kept by sessions written before the
// task manager existed. New code never creates one.
type PendingTask struct {
	OriginalRequest string   `json:"original_request"`
	Analysis        string   `json:"analysis,omitempty"`
	Requirements    []string `json:"requirements,omitempty"`
	EstimatedCost   string   `json:"estimated_cost,omitempty"`
	Steps           []string `json:"steps,omitempty"`
}

// Session is the durable state of one conversation.
type Session struct {
	Key       string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any

	PendingTask  *PendingTask
	ActiveTaskID string
	Tasks        *task.Manager

	mu sync.RWMutex
}

// NewSession creates a new session with the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
		Tasks:     task.NewManager(key),
	}
}

// AddMessage adds a message to the session.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	s.UpdatedAt = now
}

// GetHistory returns the most recent maxMessages messages.
func (s *Session) GetHistory(maxMessages int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if maxMessages > 0 && len(s.Messages) > maxMessages {
		start = len(s.Messages) - maxMessages
	}
	result := make([]Message, len(s.Messages)-start)
	copy(result, s.Messages[start:])
	return result
}

// Clear removes all messages from the session. Task state is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Messages = []Message{}
	s.UpdatedAt = time.Now()
}

// ActiveTask resolves the active task pointer. A dangling or stale pointer
// (task deleted or no longer in a pointable state) is cleared.
func (s *Session) ActiveTask() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ActiveTaskID == "" {
		return nil
	}
	t, ok := s.Tasks.Get(s.ActiveTaskID)
	if !ok || !t.Status.Pointable() {
		s.ActiveTaskID = ""
		return nil
	}
	return t
}

// SetActiveTask points the session at a task; an empty id clears the pointer.
func (s *Session) SetActiveTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActiveTaskID = id
	s.UpdatedAt = time.Now()
}

// Touch marks the session as modified.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = time.Now()
}

// GetMetadata returns a metadata value by key.
func (s *Session) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Metadata == nil {
		return nil, false
	}
	val, ok := s.Metadata[key]
	return val, ok
}

// SetMetadata sets a metadata value by key.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now()
}
