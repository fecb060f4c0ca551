package timeline

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestTimeline(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(filepath.Join(t.TempDir(), "nested", "timeline.db"))
	if err != nil {
		t.Fatalf("failed to open timeline: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestTaskEventsLifecycle(t *testing.T) {
	svc := newTestTimeline(t)

	steps := [][2]string{{"", "drafting"}, {"drafting", "refining"}, {"refining", "approved"}}
	for _, st := range steps {
		if err := svc.RecordTaskEvent(&TaskEvent{SessionKey: "slack:C1", TaskID: "app-1", FromStatus: st[0], ToStatus: st[1]}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.RecordTaskEvent(&TaskEvent{SessionKey: "slack:C1", TaskID: "fix-1", ToStatus: "drafting", Note: "other"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.RecordTaskEvent(&TaskEvent{SessionKey: "telegram:9", TaskID: "app-1", ToStatus: "drafting"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := svc.ListTaskEvents("slack:C1", "app-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].ToStatus != "drafting" || events[2].ToStatus != "approved" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[1].CreatedAt.IsZero() {
		t.Fatal("created_at should be set")
	}

	all, _ := svc.ListTaskEvents("slack:C1", "", 0)
	if len(all) != 4 {
		t.Fatalf("expected 4 session events, got %d", len(all))
	}
	other, _ := svc.ListTaskEvents("slack:C1", "fix-1", 0)
	if len(other) != 1 || other[0].Note != "other" {
		t.Fatalf("note not stored: %+v", other)
	}
	limited, _ := svc.ListTaskEvents("slack:C1", "", 2)
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestSubagentRunLifecycle(t *testing.T) {
	svc := newTestTimeline(t)

	older := &SubagentRun{RunID: "r1", SessionKey: "slack:C1", TaskID: "app-1", Label: "app-1", CreatedAt: time.Now().Add(-time.Minute)}
	if err := svc.RecordRunStarted(older); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.RecordRunStarted(&SubagentRun{RunID: "r2", SessionKey: "cli:direct", Label: "scan"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.RecordRunFinished("r1", RunStatusOK, strings.Repeat("x", maxResultLen+10), ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := svc.RecordRunFinished("missing", RunStatusError, "", "boom"); err == nil {
		t.Fatal("finishing an unknown run should fail")
	}

	runs, err := svc.ListRuns(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" {
		t.Fatalf("expected newest run first, got %+v", runs)
	}
	if runs[0].Status != RunStatusRunning || runs[0].EndedAt != nil {
		t.Fatalf("r2 should still be running: %+v", runs[0])
	}
	done := runs[1]
	if done.Status != RunStatusOK || done.EndedAt == nil || len(done.Result) != maxResultLen || done.TaskID != "app-1" {
		t.Fatalf("r1 not finished correctly: status=%s ended=%v len=%d", done.Status, done.EndedAt, len(done.Result))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.db")
	first, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first.RecordTaskEvent(&TaskEvent{SessionKey: "s", TaskID: "t", ToStatus: "drafting"})
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	events, _ := second.ListTaskEvents("s", "t", 0)
	if len(events) != 1 {
		t.Fatalf("expected data to survive reopen, got %d", len(events))
	}
}
