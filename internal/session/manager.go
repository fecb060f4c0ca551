package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/TaskClaw/internal/task"
)

// FormatVersion is written into the metadata line of every session file.
// Version 1 files predate task state and load with an empty task manager.
const FormatVersion = 2

// metadataRecord is the first line of a session file.
type metadataRecord struct {
	Type         string              `json:"_type"`
	Version      int                 `json:"version"`
	Key          string              `json:"key"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	PendingTask  *PendingTask        `json:"pending_task,omitempty"`
	ActiveTaskID string              `json:"active_task_id,omitempty"`
	Tasks        *task.ManagerRecord `json:"tasks,omitempty"`
}

// Manager manages session persistence as one JSONL file per session.
type Manager struct {
	sessionsDir string
	cache       map[string]*Session
	mu          sync.RWMutex
}

// NewManager creates a session manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{
		sessionsDir: dir,
		cache:       make(map[string]*Session),
	}, nil
}

// Dir returns the directory sessions are stored in.
func (m *Manager) Dir() string { return m.sessionsDir }

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		return s
	}

	s, err := m.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Session load failed, starting fresh", "session", key, "error", err)
		}
		s = NewSession(key)
	}

	m.cache[key] = s
	return s
}

// Save persists a session to disk, replacing the previous file atomically.
func (m *Manager) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.mu.RLock()
	meta := metadataRecord{
		Type:         "metadata",
		Version:      FormatVersion,
		Key:          s.Key,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Metadata:     s.Metadata,
		PendingTask:  s.PendingTask,
		ActiveTaskID: s.ActiveTaskID,
	}
	if s.Tasks != nil {
		rec := s.Tasks.Encode()
		meta.Tasks = &rec
	}
	messages := make([]Message, len(s.Messages))
	copy(messages, s.Messages)
	s.mu.RUnlock()

	path := m.sessionPath(s.Key)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		file.Close()
		return fmt.Errorf("encode session metadata: %w", err)
	}
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			file.Close()
			return fmt.Errorf("encode session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}

	m.cache[s.Key] = s
	return nil
}

// Delete removes a session.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	return os.Remove(m.sessionPath(key)) == nil
}

// SessionInfo contains metadata about a session.
type SessionInfo struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Tasks     int
	Path      string
}

// List returns information about all stored sessions, most recent first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []SessionInfo
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return sessions
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.sessionsDir, entry.Name())
		meta, err := readMetadata(path)
		if err != nil {
			continue
		}
		info := SessionInfo{
			Key:       meta.Key,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Path:      path,
		}
		if meta.Tasks != nil {
			info.Tasks = len(meta.Tasks.Tasks)
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.sessionsDir, filepath.Base(safeKey)+".jsonl")
}

func readMetadata(path string) (*metadataRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var meta metadataRecord
	if err := json.NewDecoder(file).Decode(&meta); err != nil {
		return nil, err
	}
	if meta.Type != "metadata" {
		return nil, fmt.Errorf("%s: first record is not metadata", path)
	}
	return &meta, nil
}

func (m *Manager) load(key string) (*Session, error) {
	file, err := os.Open(m.sessionPath(key))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	s := NewSession(key)
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", key, err)
		}

		var probe struct {
			Type string `json:"_type"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.Type == "metadata" {
			var meta metadataRecord
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil, fmt.Errorf("decode session metadata %s: %w", key, err)
			}
			if err := applyMetadata(s, &meta); err != nil {
				return nil, err
			}
			continue
		}

		var msg Message
		if json.Unmarshal(raw, &msg) == nil {
			s.Messages = append(s.Messages, msg)
		}
	}
	return s, nil
}

func applyMetadata(s *Session, meta *metadataRecord) error {
	if meta.Version > FormatVersion {
		return fmt.Errorf("session %s: unsupported format version %d", s.Key, meta.Version)
	}
	if !meta.CreatedAt.IsZero() {
		s.CreatedAt = meta.CreatedAt
	}
	if !meta.UpdatedAt.IsZero() {
		s.UpdatedAt = meta.UpdatedAt
	}
	if meta.Metadata != nil {
		s.Metadata = meta.Metadata
	}
	s.PendingTask = meta.PendingTask
	s.ActiveTaskID = meta.ActiveTaskID
	if meta.Tasks != nil {
		if meta.Tasks.SessionKey == "" {
			meta.Tasks.SessionKey = s.Key
		}
		tm, err := task.DecodeManager(*meta.Tasks)
		if err != nil {
			return fmt.Errorf("session %s: %w", s.Key, err)
		}
		s.Tasks = tm
	}
	return nil
}
