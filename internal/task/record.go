package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record versions.
const (
	RecordVersion        = 1
	ManagerRecordVersion = 1
)

// Record is the persisted form of a Task.
type Record struct {
	Version          int           `json:"version"`
	ID               string        `json:"id"`
	Category         string        `json:"category,omitempty"`
	Number           int           `json:"number,omitempty"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Status           string        `json:"status"`
	Requirements     []string      `json:"requirements,omitempty"`
	Context          RecordContext `json:"context"`
	ProposedSolution *Solution     `json:"proposed_solution,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	AssignedTo       string        `json:"assigned_to,omitempty"`
}

// RecordContext holds the refinement log.
type RecordContext struct {
	Refinements []Refinement `json:"refinements,omitempty"`
}

// ManagerRecord is the persisted form of a Manager: task records keyed by id.
type ManagerRecord struct {
	Version    int               `json:"version"`
	SessionKey string            `json:"session_key"`
	Tasks      map[string]Record `json:"tasks"`
}

// Encode converts a task into its record.
func (t *Task) Encode() Record {
	c := t.Clone()
	return Record{
		Version:          RecordVersion,
		ID:               c.ID,
		Category:         c.Category,
		Number:           c.Number,
		Title:            c.Title,
		Description:      c.Description,
		Status:           string(c.Status),
		Requirements:     c.Requirements,
		Context:          RecordContext{Refinements: c.Refinements},
		ProposedSolution: c.Solution,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		AssignedTo:       c.AssignedTo,
	}
}

// Decode rebuilds a task from a record. Fields absent from older records are
// defaulted: category and number come from the id, status from drafting.
func Decode(r Record) (*Task, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("decode task: missing id")
	}
	if r.Version > RecordVersion {
		return nil, fmt.Errorf("decode task %s: unsupported record version %d", r.ID, r.Version)
	}
	t := &Task{
		ID:           r.ID,
		Category:     r.Category,
		Number:       r.Number,
		Title:        r.Title,
		Description:  r.Description,
		Status:       Status(r.Status),
		Requirements: append([]string(nil), r.Requirements...),
		Refinements:  append([]Refinement(nil), r.Context.Refinements...),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		AssignedTo:   r.AssignedTo,
	}
	if r.ProposedSolution != nil {
		sol := *r.ProposedSolution
		t.Solution = &sol
	}
	if t.Category == "" || t.Number == 0 {
		if cat, n, ok := ParseID(r.ID); ok {
			if t.Category == "" {
				t.Category = cat
			}
			if t.Number == 0 {
				t.Number = n
			}
		}
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	if t.Status == "" {
		t.Status = StatusDrafting
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return t, nil
}

// Encode converts the manager into its record.
func (m *Manager) Encode() ManagerRecord {
	rec := ManagerRecord{
		Version:    ManagerRecordVersion,
		SessionKey: m.SessionKey,
		Tasks:      make(map[string]Record, len(m.tasks)),
	}
	for id, t := range m.tasks {
		rec.Tasks[id] = t.Encode()
	}
	return rec
}

// DecodeManager rebuilds a manager and recomputes its counters.
func DecodeManager(rec ManagerRecord) (*Manager, error) {
	if rec.Version > ManagerRecordVersion {
		return nil, fmt.Errorf("decode tasks: unsupported record version %d", rec.Version)
	}
	m := NewManager(rec.SessionKey)
	for id, r := range rec.Tasks {
		if r.ID == "" {
			r.ID = id
		}
		t, err := Decode(r)
		if err != nil {
			return nil, err
		}
		m.tasks[t.ID] = t
	}
	m.recount()
	return m, nil
}

// MarshalJSON encodes the manager as its versioned record.
func (m *Manager) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Encode())
}

// UnmarshalJSON decodes a versioned manager record into m.
func (m *Manager) UnmarshalJSON(data []byte) error {
	var rec ManagerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	decoded, err := DecodeManager(rec)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}
