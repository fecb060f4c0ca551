package cli

import (
	"fmt"
	"log/slog"

	"github.com/KafClaw/TaskClaw/internal/agent"
	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/timeline"
)

// newProvider builds the LLM client from config. Tests replace it.
var newProvider = func(cfg *config.Config) provider.LLMProvider {
	return provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)
}

// runtime is the wired agent core shared by the agent and gateway commands.
type runtime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	sessions *session.Manager
	journal  *timeline.Service
	loop     *agent.Loop
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	if err := config.EnsureDir(cfg.Paths.Workspace); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	sessions, err := session.NewManager(cfg.Paths.SessionsDir)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, bus: bus.NewMessageBus(), sessions: sessions}

	opts := agent.LoopOptions{
		Bus:                       rt.bus,
		Provider:                  newProvider(cfg),
		Sessions:                  sessions,
		Workspace:                 cfg.Paths.Workspace,
		RestrictToWorkspace:       cfg.Tools.Exec.RestrictToWorkspace,
		ExecTimeout:               cfg.Tools.Exec.Timeout,
		Model:                     cfg.Model.Name,
		MaxIterations:             cfg.Model.MaxToolIterations,
		MaxTokens:                 cfg.Model.MaxTokens,
		Temperature:               cfg.Model.Temperature,
		HistoryLimit:              cfg.Agent.HistoryLimit,
		AckEnabled:                cfg.Agent.AckEnabled,
		ClassificationMaxTokens:   cfg.Agent.ClassificationMaxTokens,
		ClassificationTemperature: cfg.Agent.ClassificationTemperature,
		Subagents: agent.SubagentLimits{
			MaxConcurrent:         cfg.Tools.Subagents.MaxConcurrent,
			MaxChildrenPerSession: cfg.Tools.Subagents.MaxChildrenPerSession,
		},
	}
	if cfg.Timeline.Enabled {
		journal, err := timeline.Open(cfg.Timeline.Path)
		if err != nil {
			slog.Warn("Timeline unavailable, continuing without journal", "path", cfg.Timeline.Path, "error", err)
		} else {
			rt.journal = journal
			opts.Journal = journal
		}
	}

	rt.loop, err = agent.NewLoop(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the journal.
func (rt *runtime) Close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			slog.Warn("Timeline close failed", "error", err)
		}
	}
}
