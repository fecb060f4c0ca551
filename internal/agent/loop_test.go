package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/task"
)

// mockProvider returns scripted responses in order, or delegates to fn.
type mockProvider struct {
	mu        sync.Mutex
	responses []provider.ChatResponse
	fn        func(req *provider.ChatRequest) (*provider.ChatResponse, error)
	err       error
	calls     int
	requests  []provider.ChatRequest
}

func (m *mockProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *req
	c.Messages = append([]provider.Message(nil), req.Messages...)
	m.requests = append(m.requests, c)
	idx := m.calls
	m.calls++
	if m.fn != nil {
		return m.fn(req)
	}
	if m.err != nil {
		return nil, m.err
	}
	if idx < len(m.responses) {
		r := m.responses[idx]
		return &r, nil
	}
	return &provider.ChatResponse{Content: "mock response"}, nil
}

func (m *mockProvider) DefaultModel() string { return "mock-model" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) request(i int) provider.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// stubDecider returns fixed decisions and counts calls.
type stubDecider struct {
	request         DevTaskDecision
	refinement      RefinementDecision
	requestCalls    int
	refinementCalls int
}

func (d *stubDecider) ClassifyRequest(context.Context, string) DevTaskDecision {
	d.requestCalls++
	return d.request
}

func (d *stubDecider) ClassifyRefinement(context.Context, *task.Task, string) RefinementDecision {
	d.refinementCalls++
	return d.refinement
}

// fakeSender stands in for the channels manager.
type fakeSender struct {
	mu       sync.Mutex
	channels map[string]bool
	sent     []*bus.OutboundMessage
}

func (f *fakeSender) Deliver(_ context.Context, msg *bus.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func (f *fakeSender) Has(name string) bool { return f.channels[name] }

func (f *fakeSender) messages() []*bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bus.OutboundMessage(nil), f.sent...)
}

func newTestLoop(t *testing.T, prov provider.LLMProvider, dec Decider) *Loop {
	t.Helper()
	sessions, err := session.NewManager(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	l, err := NewLoop(LoopOptions{
		Bus:                 bus.NewMessageBus(),
		Provider:            prov,
		Sessions:            sessions,
		Decider:             dec,
		Workspace:           t.TempDir(),
		RestrictToWorkspace: true,
		MaxIterations:       5,
		PollInterval:        10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l
}

func telegramMsg(content string) *bus.InboundMessage {
	return &bus.InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "42", Content: content}
}

func devTask() *stubDecider {
	return &stubDecider{request: DevTaskDecision{
		IsDevTask:    true,
		Analysis:     "A static blog",
		Requirements: []string{"hosting"},
		Steps:        []string{"scaffold", "deploy"},
	}}
}

func TestNewLoopRequiresCollaborators(t *testing.T) {
	if _, err := NewLoop(LoopOptions{}); err == nil {
		t.Fatal("expected error without bus, provider and sessions")
	}
}

func TestSubagentRegistryHasNoSpawn(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, &stubDecider{})
	if _, ok := l.Registry().Get("spawn"); !ok {
		t.Fatal("foreground registry should expose spawn")
	}
	if _, ok := l.subagentRegistry.Get("spawn"); ok {
		t.Fatal("subagent registry must not expose spawn")
	}
	if _, ok := l.subagentRegistry.Get("exec"); !ok {
		t.Fatal("subagent registry should keep the other tools")
	}
}

func TestCLIBypassesTaskWorkflow(t *testing.T) {
	dec := devTask()
	l := newTestLoop(t, &mockProvider{}, dec)

	got, err := l.ProcessDirect(context.Background(), "build me a blog website", "cli:direct")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if got != "mock response" {
		t.Fatalf("expected normal turn reply, got %q", got)
	}
	if dec.requestCalls != 0 {
		t.Fatalf("CLI must not classify, got %d calls", dec.requestCalls)
	}
	sess := l.sessions.GetOrCreate("cli:direct")
	if sess.Tasks.Len() != 0 {
		t.Fatal("CLI must not create tasks")
	}
	if h := sess.GetHistory(0); len(h) != 2 || h[0].Content != "build me a blog website" {
		t.Fatalf("turn not recorded: %+v", h)
	}
}

func TestCLIIgnoresPendingAndExistingTasks(t *testing.T) {
	prov := &mockProvider{}
	l := newTestLoop(t, prov, &stubDecider{})
	sess := l.sessions.GetOrCreate("cli:direct")
	sess.PendingTask = &session.PendingTask{OriginalRequest: "build a price crawler"}
	existing := sess.Tasks.Create("build me a blog website", "build me a blog website", "")

	for _, content := range []string{"yes", "Build me a blog website"} {
		got, err := l.ProcessDirect(context.Background(), content, "cli:direct")
		if err != nil {
			t.Fatalf("ProcessDirect(%q): %v", content, err)
		}
		if got != "mock response" {
			t.Fatalf("expected normal turn for %q, got %q", content, got)
		}
	}
	if prov.callCount() != 2 {
		t.Fatalf("expected two model calls, got %d", prov.callCount())
	}
	if sess.PendingTask == nil {
		t.Fatal("CLI must not consume the pending proposal")
	}
	if sess.Tasks.Len() != 1 || existing.Status != task.StatusDrafting {
		t.Fatalf("CLI must not touch tasks: len=%d status=%s", sess.Tasks.Len(), existing.Status)
	}
}

func TestNewTaskScenario(t *testing.T) {
	dec := devTask()
	l := newTestLoop(t, &mockProvider{}, dec)

	out := l.handle(context.Background(), telegramMsg("build me a blog website"))
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Fatalf("reply misaddressed: %s:%s", out.Channel, out.ChatID)
	}
	if !strings.Contains(out.Content, "app-1") || !strings.Contains(out.Content, "`yes`") {
		t.Fatalf("reply should show the task id and approval prompt:\n%s", out.Content)
	}

	sess := l.sessions.GetOrCreate("telegram:42")
	tk, ok := sess.Tasks.Get("app-1")
	if !ok {
		t.Fatal("task app-1 not created")
	}
	if tk.Category != "app" || tk.Status != task.StatusRefining {
		t.Fatalf("unexpected task state: category=%s status=%s", tk.Category, tk.Status)
	}
	if sess.ActiveTaskID != "app-1" {
		t.Fatalf("expected active task app-1, got %q", sess.ActiveTaskID)
	}
	if tk.Solution == nil || tk.Solution.Analysis != "A static blog" || len(tk.Requirements) != 1 {
		t.Fatalf("solution not recorded: %+v", tk.Solution)
	}
}

func TestApprovalSpawnsAndAnnouncesBack(t *testing.T) {
	prov := &mockProvider{responses: []provider.ChatResponse{
		{Content: "Blog built in ./blog"},
		{Content: "Your blog is ready."},
	}}
	l := newTestLoop(t, prov, devTask())
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	out := l.handle(ctx, telegramMsg("yes"))
	if !strings.Contains(out.Content, "approved") {
		t.Fatalf("unexpected approval reply: %s", out.Content)
	}

	sess := l.sessions.GetOrCreate("telegram:42")
	tk, _ := sess.Tasks.Get("app-1")
	if tk.Status != task.StatusExecuting {
		t.Fatalf("expected executing, got %s", tk.Status)
	}
	if sess.ActiveTaskID != "" {
		t.Fatalf("active task should be cleared on hand-off, got %q", sess.ActiveTaskID)
	}
	if tk.AssignedTo == "" {
		t.Fatal("task should record the run id")
	}

	l.Subagents().Wait()
	sys, err := l.bus.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if sys.Channel != bus.SystemChannel || sys.ChatID != "telegram:42" {
		t.Fatalf("expected system message for telegram:42, got %s %s", sys.Channel, sys.ChatID)
	}
	if sys.MetaString(bus.MetaKeyTaskID) != "app-1" || sys.MetaString(bus.MetaKeyRunStatus) != "ok" {
		t.Fatalf("unexpected metadata: %+v", sys.Metadata)
	}
	if sys.MetaString(bus.MetaKeyRunID) != tk.AssignedTo || sys.SenderID != "subagent:"+tk.AssignedTo {
		t.Fatalf("run id mismatch: %+v", sys)
	}
	if !strings.Contains(sys.Content, "Blog built in ./blog") {
		t.Fatalf("announce should carry the result: %s", sys.Content)
	}

	subReq := prov.request(0)
	if !strings.Contains(subReq.Messages[len(subReq.Messages)-1].Content, "Execute this development task:") {
		t.Fatal("subagent should receive the execution prompt")
	}
	for _, def := range subReq.Tools {
		if def.Function.Name == "spawn" {
			t.Fatal("subagent must not be offered spawn")
		}
	}

	final := l.handle(ctx, sys)
	if final.Channel != "telegram" || final.ChatID != "42" || final.Content != "Your blog is ready." {
		t.Fatalf("final reply misrouted: %+v", final)
	}
	if tk.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", tk.Status)
	}
	history := sess.GetHistory(0)
	last := history[len(history)-2]
	if !strings.HasPrefix(last.Content, "[System: subagent:") {
		t.Fatalf("system turn not recorded: %q", last.Content)
	}
}

func TestRejectionCancelsAndNumbersIncrease(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, devTask())
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	out := l.handle(ctx, telegramMsg("No!"))
	if !strings.Contains(out.Content, "cancelled") {
		t.Fatalf("unexpected reply: %s", out.Content)
	}
	sess := l.sessions.GetOrCreate("telegram:42")
	first, _ := sess.Tasks.Get("app-1")
	if first.Status != task.StatusCancelled || sess.ActiveTaskID != "" {
		t.Fatalf("expected cancelled with no active task, got %s %q", first.Status, sess.ActiveTaskID)
	}

	l.handle(ctx, telegramMsg("create a web dashboard"))
	if _, ok := sess.Tasks.Get("app-2"); !ok {
		t.Fatal("second app task should be app-2")
	}
	if sess.ActiveTaskID != "app-2" {
		t.Fatalf("expected app-2 active, got %q", sess.ActiveTaskID)
	}
}

func TestDuplicateRequestRedisplaysTask(t *testing.T) {
	dec := devTask()
	l := newTestLoop(t, &mockProvider{}, dec)
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	l.handle(ctx, telegramMsg("no"))
	out := l.handle(ctx, telegramMsg("  BUILD me a blog WEBSITE "))

	if !strings.Contains(out.Content, "existing task") || !strings.Contains(out.Content, "app-1") {
		t.Fatalf("expected existing task view, got %s", out.Content)
	}
	sess := l.sessions.GetOrCreate("telegram:42")
	if sess.Tasks.Len() != 1 {
		t.Fatalf("duplicate created: %d tasks", sess.Tasks.Len())
	}
	if dec.requestCalls != 1 {
		t.Fatalf("duplicate should not be classified, got %d calls", dec.requestCalls)
	}
}

func TestRefinementMergesRequirements(t *testing.T) {
	dec := devTask()
	dec.refinement = RefinementDecision{Kind: RefinementRequirement, Requirements: []string{"postgres", "Hosting"}}
	l := newTestLoop(t, &mockProvider{}, dec)
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	out := l.handle(ctx, telegramMsg("store posts in postgres"))

	sess := l.sessions.GetOrCreate("telegram:42")
	tk, _ := sess.Tasks.Get("app-1")
	if len(tk.Requirements) != 2 || tk.Requirements[1] != "postgres" {
		t.Fatalf("requirements not merged as a set: %v", tk.Requirements)
	}
	if len(tk.Refinements) != 1 || tk.Refinements[0].Action != "requirement" {
		t.Fatalf("refinement not logged: %+v", tk.Refinements)
	}
	if sess.ActiveTaskID != "app-1" || tk.Status != task.StatusRefining {
		t.Fatal("task should stay active and refining")
	}
	if !strings.Contains(out.Content, "`yes`") {
		t.Fatalf("reply should repeat the approval prompt: %s", out.Content)
	}
	if dec.requestCalls != 1 {
		t.Fatal("refinement must not reclassify as a new request")
	}
}

func TestRefinementFallbackRecordsVerbatim(t *testing.T) {
	dec := devTask()
	dec.refinement = RefinementDecision{Kind: RefinementRequirement, Fallback: true}
	l := newTestLoop(t, &mockProvider{}, dec)
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	l.handle(ctx, telegramMsg("make it purple"))

	tk, _ := l.sessions.GetOrCreate("telegram:42").Tasks.Get("app-1")
	if len(tk.Refinements) != 1 || tk.Refinements[0].User != "make it purple" || tk.Refinements[0].Action != "note" {
		t.Fatalf("fallback should log the text verbatim: %+v", tk.Refinements)
	}
}

func TestRefinementApprovalClassification(t *testing.T) {
	dec := devTask()
	dec.refinement = RefinementDecision{Kind: RefinementApprove}
	l := newTestLoop(t, &mockProvider{}, dec)
	ctx := context.Background()

	l.handle(ctx, telegramMsg("build me a blog website"))
	l.handle(ctx, telegramMsg("sounds great, ship it"))
	l.Subagents().Wait()

	tk, _ := l.sessions.GetOrCreate("telegram:42").Tasks.Get("app-1")
	if tk.Status != task.StatusExecuting {
		t.Fatalf("approval classification should hand off, got %s", tk.Status)
	}
}

func TestSpawnFailureKeepsTaskApproved(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, devTask())
	ctx := context.Background()
	l.handle(ctx, telegramMsg("build me a blog website"))

	working := l.subagents
	l.subagents = NewSubagentManager(l.bus, SubagentLimits{}, nil, nil)
	out := l.handle(ctx, telegramMsg("ok"))
	if !strings.Contains(out.Content, "could not start") {
		t.Fatalf("expected spawn failure reply, got %s", out.Content)
	}
	sess := l.sessions.GetOrCreate("telegram:42")
	tk, _ := sess.Tasks.Get("app-1")
	if tk.Status != task.StatusApproved || sess.ActiveTaskID != "app-1" {
		t.Fatalf("task should stay approved and active: %s %q", tk.Status, sess.ActiveTaskID)
	}

	l.subagents = working
	l.handle(ctx, telegramMsg("yes"))
	working.Wait()
	if tk.Status != task.StatusExecuting || sess.ActiveTaskID != "" {
		t.Fatalf("retry should hand off: %s %q", tk.Status, sess.ActiveTaskID)
	}
}

func TestTaskCommands(t *testing.T) {
	dec := devTask()
	l := newTestLoop(t, &mockProvider{}, dec)
	ctx := context.Background()
	l.handle(ctx, telegramMsg("build me a blog website"))

	cases := []struct {
		input string
		want  string
	}{
		{"/task list", "← active"},
		{"/task", "Task app-1"},
		{"/task show app-1", "Task app-1"},
		{"/task status app-1", "refining"},
		{"/task show nope-9", "not found"},
		{"/task delete", "Usage"},
		{"/task help", "/task list"},
		{"/task bogus", "Unknown task command"},
	}
	for _, tc := range cases {
		out := l.handle(ctx, telegramMsg(tc.input))
		if !strings.Contains(out.Content, tc.want) {
			t.Errorf("%s: expected %q in reply, got %q", tc.input, tc.want, out.Content)
		}
	}

	sess := l.sessions.GetOrCreate("telegram:42")
	out := l.handle(ctx, telegramMsg("/task clear"))
	tk, _ := sess.Tasks.Get("app-1")
	if !strings.Contains(out.Content, "cancelled") || tk.Status != task.StatusCancelled || sess.ActiveTaskID != "" {
		t.Fatalf("clear should cancel the active task: %s %s %q", out.Content, tk.Status, sess.ActiveTaskID)
	}
	if out := l.handle(ctx, telegramMsg("/task clear")); !strings.Contains(out.Content, "No active task") {
		t.Fatalf("second clear: %s", out.Content)
	}
	if out := l.handle(ctx, telegramMsg("/task delete app-1")); !strings.Contains(out.Content, "deleted") {
		t.Fatalf("delete: %s", out.Content)
	}
	if sess.Tasks.Len() != 0 {
		t.Fatal("task not deleted")
	}
	if dec.requestCalls != 1 {
		t.Fatalf("commands must bypass classification, got %d calls", dec.requestCalls)
	}
}

func TestLegacyPendingTask(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, &stubDecider{})
	ctx := context.Background()
	sess := l.sessions.GetOrCreate("telegram:42")
	sess.PendingTask = &session.PendingTask{OriginalRequest: "build a price crawler", Steps: []string{"fetch", "store"}}

	out := l.handle(ctx, telegramMsg("maybe later"))
	if !strings.Contains(out.Content, "`yes`") || sess.PendingTask == nil {
		t.Fatalf("unclear answer should re-prompt: %s", out.Content)
	}

	l.handle(ctx, telegramMsg("是"))
	l.Subagents().Wait()
	if sess.PendingTask != nil {
		t.Fatal("pending proposal should be consumed")
	}
	all := sess.Tasks.List("")
	if len(all) != 1 || all[0].Status != task.StatusExecuting || all[0].Description != "build a price crawler" {
		t.Fatalf("pending proposal not migrated: %+v", all)
	}
	if sess.ActiveTaskID != "" {
		t.Fatal("active pointer should be cleared after hand-off")
	}
}

func TestActiveTaskWinsOverLegacyPending(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, devTask())
	ctx := context.Background()
	l.handle(ctx, telegramMsg("build me a blog website"))

	sess := l.sessions.GetOrCreate("telegram:42")
	sess.PendingTask = &session.PendingTask{OriginalRequest: "old proposal"}
	l.handle(ctx, telegramMsg("yes"))
	l.Subagents().Wait()

	tk, _ := sess.Tasks.Get("app-1")
	if tk.Status != task.StatusExecuting {
		t.Fatalf("active task should be approved first, got %s", tk.Status)
	}
	if sess.PendingTask == nil || sess.Tasks.Len() != 1 {
		t.Fatal("legacy proposal should be untouched")
	}
}

func TestSystemMessageRoutesToReturnAddress(t *testing.T) {
	l := newTestLoop(t, &mockProvider{responses: []provider.ChatResponse{{Content: "Done!"}}}, &stubDecider{})
	out := l.handle(context.Background(), &bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "subagent:r1",
		ChatID:   "slack:C123",
		Content:  "[Subagent 'x' completed successfully]",
		Metadata: map[string]any{bus.MetaKeyThreadTS: "171.1", bus.MetaKeyPlaceholderID: "171.9"},
	})
	if out.Channel != "slack" || out.ChatID != "C123" {
		t.Fatalf("expected slack:C123, got %s:%s", out.Channel, out.ChatID)
	}
	if out.EditMessageID != "171.9" || out.MetaString(bus.MetaKeyThreadTS) != "171.1" {
		t.Fatalf("delivery metadata lost: %+v", out)
	}
	if h := l.sessions.GetOrCreate("slack:C123").GetHistory(0); len(h) != 2 {
		t.Fatalf("origin session should record the turn, got %d messages", len(h))
	}
}

func TestSystemMessageWithoutSeparatorFallsBackToCLI(t *testing.T) {
	l := newTestLoop(t, &mockProvider{responses: []provider.ChatResponse{{Content: ""}}}, &stubDecider{})
	out := l.handle(context.Background(), &bus.InboundMessage{Channel: bus.SystemChannel, SenderID: "cron", ChatID: "direct", Content: "tick"})
	if out.Channel != bus.CLIChannel || out.ChatID != "direct" || out.Content != emptySystemReply {
		t.Fatalf("unexpected reply: %+v", out)
	}
}

func TestFailedRunMarksTaskFailed(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, devTask())
	ctx := context.Background()
	l.handle(ctx, telegramMsg("build me a blog website"))
	l.handle(ctx, telegramMsg("yes"))
	l.Subagents().Wait()
	sys, _ := l.bus.ConsumeInbound(ctx)
	sys.Metadata[bus.MetaKeyRunStatus] = "error"

	l.handle(ctx, sys)
	tk, _ := l.sessions.GetOrCreate("telegram:42").Tasks.Get("app-1")
	if tk.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", tk.Status)
	}
}

func TestToolLoopExecutesCallsInOrder(t *testing.T) {
	prov := &mockProvider{responses: []provider.ChatResponse{
		{Content: "working", ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"v": "a"}},
			{ID: "c2", Name: "echo", Arguments: map[string]any{"v": "b"}},
			{ID: "c3", Name: "nope"},
		}},
		{Content: "all done"},
	}}
	l := newTestLoop(t, prov, &stubDecider{})
	echo := &recordTool{}
	l.Registry().Register(echo)

	got, err := l.ProcessDirect(context.Background(), "run the tools", "")
	if err != nil || got != "all done" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
	if strings.Join(echo.seen(), ",") != "a,b" {
		t.Fatalf("tools ran out of order: %v", echo.seen())
	}

	second := prov.request(1).Messages
	tail := second[len(second)-4:]
	if tail[0].Role != provider.RoleAssistant || len(tail[0].ToolCalls) != 3 {
		t.Fatalf("assistant tool-call message missing: %+v", tail[0])
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		if tail[i+1].Role != provider.RoleTool || tail[i+1].ToolCallID != id {
			t.Fatalf("tool result %d out of order: %+v", i, tail[i+1])
		}
	}
	if tail[1].Content != "echo:a" || tail[3].Content != "Error: tool not found: nope" {
		t.Fatalf("unexpected tool results: %q %q", tail[1].Content, tail[3].Content)
	}
}

func TestToolLoopForcesSummaryWhenBudgetExhausted(t *testing.T) {
	call := provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]any{"v": "x"}}}}
	prov := &mockProvider{responses: []provider.ChatResponse{call, call, call, call, call, {Content: "summary"}}}
	l := newTestLoop(t, prov, &stubDecider{})
	l.Registry().Register(&recordTool{})

	got, err := l.ProcessDirect(context.Background(), "loop forever", "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	if got != "summary" {
		t.Fatalf("expected forced summary, got %q", got)
	}
	if prov.callCount() != l.maxIterations+1 {
		t.Fatalf("expected %d calls, got %d", l.maxIterations+1, prov.callCount())
	}
	if last := prov.request(l.maxIterations); last.Tools != nil {
		t.Fatal("summary call must not offer tools")
	}
}

func TestToolLoopEmptyAnswerFallback(t *testing.T) {
	l := newTestLoop(t, &mockProvider{responses: []provider.ChatResponse{{Content: "  "}}}, &stubDecider{})
	got, _ := l.ProcessDirect(context.Background(), "hi", "cli:direct")
	if got != emptyTurnReply {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestProviderErrorBecomesReply(t *testing.T) {
	l := newTestLoop(t, &mockProvider{err: errors.New("backend down")}, &stubDecider{})
	out := l.handle(context.Background(), &bus.InboundMessage{
		Channel: "slack", ChatID: "C1", Content: "tell me a joke",
		Metadata: map[string]any{bus.MetaKeyThreadTS: "1.2"},
	})
	if out.Channel != "slack" || out.ChatID != "C1" {
		t.Fatalf("error reply misaddressed: %+v", out)
	}
	if !strings.HasPrefix(out.Content, "Sorry, I encountered an error:") || !strings.Contains(out.Content, "backend down") {
		t.Fatalf("unexpected error reply: %s", out.Content)
	}
	if out.MetaString(bus.MetaKeyThreadTS) != "1.2" {
		t.Fatal("thread metadata should pass through")
	}
}

func TestPanicBecomesReply(t *testing.T) {
	prov := &mockProvider{fn: func(*provider.ChatRequest) (*provider.ChatResponse, error) { panic("kaboom") }}
	l := newTestLoop(t, prov, &stubDecider{})
	out := l.handle(context.Background(), telegramMsg("hello there"))
	if out == nil || !strings.Contains(out.Content, "kaboom") || out.ChatID != "42" {
		t.Fatalf("panic not converted: %+v", out)
	}
}

func TestAckUsesImmediateSender(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, &stubDecider{})
	l.ackEnabled = true
	sender := &fakeSender{channels: map[string]bool{"telegram": true}}
	l.SetChannelSender(sender)

	out := l.handle(context.Background(), telegramMsg("search for the latest go release notes"))
	if out.Content != "mock response" {
		t.Fatalf("unexpected reply %q", out.Content)
	}
	sent := sender.messages()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Content, "🔍") {
		t.Fatalf("expected a search ack, got %+v", sent)
	}
	if l.bus.OutboundSize() != 0 {
		t.Fatal("ack should not be queued when the channel is live")
	}

	if _, err := l.ProcessDirect(context.Background(), "search for the latest go release notes", "cli:direct"); err != nil {
		t.Fatal(err)
	}
	if len(sender.messages()) != 1 || l.bus.OutboundSize() != 0 {
		t.Fatal("CLI must never get an ack")
	}
}

func TestAckFallsBackToBus(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, &stubDecider{})
	l.ackEnabled = true
	l.handle(context.Background(), &bus.InboundMessage{Channel: "whatsapp", ChatID: "x", Content: "build me a website please"})
	if l.bus.OutboundSize() != 1 {
		t.Fatalf("expected the ack on the outbound queue, got %d", l.bus.OutboundSize())
	}
}

func TestSpawnToolPostsPlaceholder(t *testing.T) {
	prov := &mockProvider{fn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		switch {
		case strings.Contains(req.Messages[0].Content, "## Background Run"):
			return &provider.ChatResponse{Content: "scan complete"}, nil
		case last.Role == provider.RoleTool:
			return &provider.ChatResponse{Content: "Started a scan."}, nil
		default:
			return &provider.ChatResponse{ToolCalls: []provider.ToolCall{
				{ID: "s1", Name: "spawn", Arguments: map[string]any{"task": "scan the repo"}},
			}}, nil
		}
	}}
	l := newTestLoop(t, prov, &stubDecider{})
	sender := &fakeSender{channels: map[string]bool{"telegram": true}}
	l.SetChannelSender(sender)

	out := l.handle(context.Background(), telegramMsg("please scan the repo in the background"))
	if out.Content != "Started a scan." {
		t.Fatalf("unexpected reply %q", out.Content)
	}
	l.Subagents().Wait()

	sent := sender.messages()
	if len(sent) != 1 || sent[0].Content != "⏳ *Processing:* scan the repo" || !sent[0].TrackMessageID {
		t.Fatalf("placeholder not sent: %+v", sent)
	}
	sys, err := l.bus.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sys.ChatID != "telegram:42" || sys.MetaString(bus.MetaKeyPlaceholderID) != "m1" {
		t.Fatalf("announce missing placeholder: %+v", sys)
	}
	if sys.MetaString(bus.MetaKeyTaskID) != "" {
		t.Fatal("tool-initiated runs carry no task id")
	}
}

func TestRunConsumesBusUntilStopped(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, &stubDecider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.bus.PublishInbound(&bus.InboundMessage{Channel: bus.CLIChannel, ChatID: "direct", Content: "hello"})
	outCtx, outCancel := context.WithTimeout(ctx, 2*time.Second)
	defer outCancel()
	out, err := l.bus.ConsumeOutbound(outCtx)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	if out.Content != "mock response" || out.Channel != bus.CLIChannel {
		t.Fatalf("unexpected reply: %+v", out)
	}

	l.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	if l.Running() {
		t.Fatal("loop should report stopped")
	}
}

func TestTaskStatePersists(t *testing.T) {
	l := newTestLoop(t, &mockProvider{}, devTask())
	l.handle(context.Background(), telegramMsg("build me a blog website"))

	reloaded, err := session.NewManager(l.sessions.Dir())
	if err != nil {
		t.Fatal(err)
	}
	sess := reloaded.GetOrCreate("telegram:42")
	if sess.ActiveTaskID != "app-1" {
		t.Fatalf("active task not persisted: %q", sess.ActiveTaskID)
	}
	if tk, ok := sess.Tasks.Get("app-1"); !ok || tk.Status != task.StatusRefining {
		t.Fatal("task not persisted")
	}
	if sess.Tasks.NextNumber("app") != 2 {
		t.Fatalf("counter not recovered: %d", sess.Tasks.NextNumber("app"))
	}
}

type recordTool struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordTool) Name() string        { return "echo" }
func (r *recordTool) Description() string { return "echo a value" }
func (r *recordTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"v": map[string]any{"type": "string"}}}
}

func (r *recordTool) Execute(_ context.Context, params map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := params["v"].(string)
	r.calls = append(r.calls, v)
	return "echo:" + v, nil
}

func (r *recordTool) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// blockingProvider holds the first call until released and honors cancellation.
type blockingProvider struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return &provider.ChatResponse{Content: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *blockingProvider) DefaultModel() string { return "blocking-model" }

func TestStopLetsInFlightTurnFinish(t *testing.T) {
	prov := &blockingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	l := newTestLoop(t, prov, &stubDecider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.bus.PublishInbound(&bus.InboundMessage{Channel: bus.CLIChannel, ChatID: "direct", Content: "hello"})
	select {
	case <-prov.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the provider")
	}

	l.Stop()
	cancel()
	close(prov.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	if l.bus.OutboundSize() != 1 {
		t.Fatalf("expected one reply queued, got %d", l.bus.OutboundSize())
	}
	outCtx, outCancel := context.WithTimeout(context.Background(), time.Second)
	defer outCancel()
	out, err := l.bus.ConsumeOutbound(outCtx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "done" {
		t.Fatalf("in-flight turn was interrupted: %q", out.Content)
	}
}
