package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/task"
)

// DevTaskDecision is the structured answer to "does this request need an
// approved task?".
type DevTaskDecision struct {
	IsDevTask     bool
	Analysis      string
	Requirements  []string
	EstimatedCost string
	Steps         []string
	// Fallback is set when the decision is the safe default after a failed
	// or unparseable classification.
	Fallback bool
}

// Solution converts the decision into a task plan.
func (d DevTaskDecision) Solution() *task.Solution {
	if d.Analysis == "" && len(d.Steps) == 0 && len(d.Requirements) == 0 && d.EstimatedCost == "" {
		return nil
	}
	return &task.Solution{
		Analysis:      d.Analysis,
		Steps:         d.Steps,
		Requirements:  d.Requirements,
		EstimatedCost: d.EstimatedCost,
	}
}

// RefinementKind classifies a free-text message sent while a task is active.
type RefinementKind string

const (
	RefinementApprove     RefinementKind = "approve"
	RefinementQuestion    RefinementKind = "question"
	RefinementRequirement RefinementKind = "requirement"
)

// RefinementDecision is the structured answer for a refinement message.
type RefinementDecision struct {
	Kind         RefinementKind
	Reply        string
	Requirements []string
	Fallback     bool
}

// Decider isolates the model-mediated branching of the dispatch flow.
// Implementations never fail: they return a safe default instead.
type Decider interface {
	ClassifyRequest(ctx context.Context, content string) DevTaskDecision
	ClassifyRefinement(ctx context.Context, t *task.Task, content string) RefinementDecision
}

const classifyRequestPrompt = `Analyze if the user's request is a development task.

A development task involves:
- Creating/modifying code
- Setting up services or infrastructure
- Data processing pipelines
- Web applications or APIs
- Complex automation

Respond with JSON only:
{
    "is_dev_task": true/false,
    "analysis": "Brief description of what needs to be done",
    "requirements": ["list of requirements like database, web server, etc"],
    "estimated_cost": "estimated time/cost",
    "steps": ["step1", "step2", "..."]
}

If NOT a dev task, return {"is_dev_task": false}.`

const classifyRefinementPrompt = `A user is refining a development task before approving it.
Classify their latest message as exactly one of:
- "approve": they want the task to start now
- "question": they are asking about the task or plan
- "requirement": they add or change a requirement

Respond with JSON only:
{
    "kind": "approve" | "question" | "requirement",
    "reply": "short reply to the user",
    "requirements": ["new requirements, only for kind requirement"]
}`

// LLMDecider implements Decider with small JSON-only completions.
type LLMDecider struct {
	provider    provider.LLMProvider
	model       string
	maxTokens   int
	temperature float64
}

// NewLLMDecider creates a decider. Zero maxTokens and temperature select the
// defaults (500 and 0.3).
func NewLLMDecider(p provider.LLMProvider, model string, maxTokens int, temperature float64) *LLMDecider {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if temperature <= 0 {
		temperature = 0.3
	}
	return &LLMDecider{provider: p, model: model, maxTokens: maxTokens, temperature: temperature}
}

// ClassifyRequest asks the model whether content is a development task. Any
// failure defaults to treating it as one so the request is not dropped.
func (d *LLMDecider) ClassifyRequest(ctx context.Context, content string) DevTaskDecision {
	var wire struct {
		IsDevTask     bool       `json:"is_dev_task"`
		Analysis      string     `json:"analysis"`
		Requirements  stringList `json:"requirements"`
		EstimatedCost string     `json:"estimated_cost"`
		Steps         stringList `json:"steps"`
	}
	if err := d.complete(ctx, classifyRequestPrompt, content, &wire); err != nil {
		slog.Warn("Task classification failed, treating as task", "error", err)
		return DevTaskDecision{IsDevTask: true, Fallback: true}
	}
	return DevTaskDecision{
		IsDevTask:     wire.IsDevTask,
		Analysis:      strings.TrimSpace(wire.Analysis),
		Requirements:  wire.Requirements,
		EstimatedCost: strings.TrimSpace(wire.EstimatedCost),
		Steps:         wire.Steps,
	}
}

// ClassifyRefinement asks the model how a message relates to the task. Any
// failure records the message verbatim as a requirement note.
func (d *LLMDecider) ClassifyRefinement(ctx context.Context, t *task.Task, content string) RefinementDecision {
	var wire struct {
		Kind         string     `json:"kind"`
		Reply        string     `json:"reply"`
		Requirements stringList `json:"requirements"`
	}
	user := fmt.Sprintf("Current task:\n%s\n\nUser message:\n%s", t.FormatForUser(), content)
	err := d.complete(ctx, classifyRefinementPrompt, user, &wire)
	if err == nil {
		kind := RefinementKind(strings.ToLower(strings.TrimSpace(wire.Kind)))
		switch kind {
		case RefinementApprove, RefinementQuestion, RefinementRequirement:
			return RefinementDecision{
				Kind:         kind,
				Reply:        strings.TrimSpace(wire.Reply),
				Requirements: wire.Requirements,
			}
		}
		err = fmt.Errorf("unknown refinement kind %q", wire.Kind)
	}
	slog.Warn("Refinement classification failed, recording verbatim", "task_id", t.ID, "error", err)
	return RefinementDecision{Kind: RefinementRequirement, Fallback: true}
}

func (d *LLMDecider) complete(ctx context.Context, system, user string, out any) error {
	if d.provider == nil {
		return errors.New("no provider")
	}
	resp, err := d.provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: user},
		},
		Model:       d.model,
		MaxTokens:   d.maxTokens,
		Temperature: d.temperature,
	})
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("empty response")
	}
	payload := extractJSON(resp.Content)
	if payload == "" {
		return errors.New("no JSON object in response")
	}
	return json.Unmarshal([]byte(payload), out)
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// stringList accepts either a JSON array of strings or a single string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []any
	if err := json.Unmarshal(data, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, v := range many {
			s := strings.TrimSpace(fmt.Sprint(v))
			if v != nil && s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one = strings.TrimSpace(one); one != "" {
		*l = stringList{one}
	} else {
		*l = nil
	}
	return nil
}
