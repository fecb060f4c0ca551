// Package agent implements the core agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/provider"
	"github.com/KafClaw/TaskClaw/internal/session"
	"github.com/KafClaw/TaskClaw/internal/timeline"
	"github.com/KafClaw/TaskClaw/internal/tools"
)

const (
	defaultMaxIterations = 20
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.7
	defaultPollInterval  = time.Second
	defaultHistoryLimit  = 50
)

// ChannelSender delivers a message to a live channel right away, bypassing
// the outbound queue. The channels manager implements it.
type ChannelSender interface {
	Deliver(ctx context.Context, msg *bus.OutboundMessage) (string, error)
	Has(name string) bool
}

// Journal records task transitions and background runs;
// *timeline.Service implements it.
type Journal interface {
	RunJournal
	RecordTaskEvent(evt *timeline.TaskEvent) error
}

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Bus      *bus.MessageBus
	Provider provider.LLMProvider
	Sessions *session.Manager
	// Decider defaults to an LLMDecider over Provider.
	Decider Decider
	// Journal is optional.
	Journal Journal

	Workspace           string
	RestrictToWorkspace bool
	ExecTimeout         time.Duration

	Model         string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	PollInterval  time.Duration
	HistoryLimit  int

	Subagents  SubagentLimits
	AckEnabled bool

	ClassificationMaxTokens   int
	ClassificationTemperature float64
}

// Loop is the core agent processing engine.
type Loop struct {
	bus              *bus.MessageBus
	provider         provider.LLMProvider
	sessions         *session.Manager
	decider          Decider
	journal          Journal
	registry         *tools.Registry
	subagentRegistry *tools.Registry
	contextBuilder   *ContextBuilder
	subagents        *SubagentManager
	workspace        tools.Workspace
	execTimeout      time.Duration
	model            string
	maxIterations    int
	maxTokens        int
	temperature      float64
	pollInterval     time.Duration
	historyLimit     int
	ackEnabled       bool
	running          atomic.Bool

	senderMu sync.RWMutex
	sender   ChannelSender
}

// NewLoop creates a new agent loop. Bus, Provider and Sessions are required.
func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Bus == nil || opts.Provider == nil || opts.Sessions == nil {
		return nil, errors.New("agent loop requires a bus, a provider and a session manager")
	}
	model := opts.Model
	if model == "" {
		model = opts.Provider.DefaultModel()
	}
	l := &Loop{
		bus:           opts.Bus,
		provider:      opts.Provider,
		sessions:      opts.Sessions,
		decider:       opts.Decider,
		journal:       opts.Journal,
		registry:      tools.NewRegistry(),
		workspace:     tools.Workspace{Root: opts.Workspace, Restrict: opts.RestrictToWorkspace},
		execTimeout:   opts.ExecTimeout,
		model:         model,
		maxIterations: valueOr(opts.MaxIterations, defaultMaxIterations),
		maxTokens:     valueOr(opts.MaxTokens, defaultMaxTokens),
		temperature:   opts.Temperature,
		pollInterval:  opts.PollInterval,
		historyLimit:  valueOr(opts.HistoryLimit, defaultHistoryLimit),
		ackEnabled:    opts.AckEnabled,
	}
	if l.temperature <= 0 {
		l.temperature = defaultTemperature
	}
	if l.pollInterval <= 0 {
		l.pollInterval = defaultPollInterval
	}
	if l.decider == nil {
		l.decider = NewLLMDecider(opts.Provider, model, opts.ClassificationMaxTokens, opts.ClassificationTemperature)
	}

	var runJournal RunJournal
	if opts.Journal != nil {
		runJournal = opts.Journal
	}
	l.subagents = NewSubagentManager(opts.Bus, opts.Subagents, l.runSubagent, runJournal)

	l.registerDefaultTools()
	l.subagentRegistry = l.registry.Without("spawn")
	l.contextBuilder = NewContextBuilder(opts.Workspace, l.registry)
	return l, nil
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *Loop) registerDefaultTools() {
	l.registry.Register(tools.NewReadFileTool(l.workspace))
	l.registry.Register(tools.NewWriteFileTool(l.workspace))
	l.registry.Register(tools.NewEditFileTool(l.workspace))
	l.registry.Register(tools.NewListDirTool(l.workspace))
	l.registry.Register(tools.NewExecTool(l.execTimeout, l.workspace))
	l.registry.Register(tools.NewMessageTool(l.sendImmediate))
	l.registry.Register(tools.NewSpawnTool(l.spawnFromTool, l.sendImmediate))
}

// Registry returns the foreground tool registry.
func (l *Loop) Registry() *tools.Registry {
	return l.registry
}

// Subagents returns the background run manager.
func (l *Loop) Subagents() *SubagentManager {
	return l.subagents
}

// SetChannelSender installs the immediate-send path used for
// acknowledgments, placeholders and the message tool.
func (l *Loop) SetChannelSender(s ChannelSender) {
	l.senderMu.Lock()
	defer l.senderMu.Unlock()
	l.sender = s
}

// Run starts the agent loop, processing messages from the bus until ctx is
// done or Stop is called. A turn already in progress runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	slog.Info("Agent loop started", "model", l.model, "tools", len(l.registry.Names()))
	defer slog.Info("Agent loop stopped")

	for l.running.Load() {
		pollCtx, cancel := context.WithTimeout(ctx, l.pollInterval)
		msg, err := l.bus.ConsumeInbound(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				l.running.Store(false)
				return nil
			}
			continue
		}

		if out := l.handle(context.WithoutCancel(ctx), msg); out != nil {
			l.bus.PublishOutbound(out)
		}
	}
	return nil
}

// Stop signals the agent loop to stop at the next poll.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// ProcessDirect processes a message synchronously (for CLI usage). The
// session key selects the channel; a bare key is treated as a CLI chat.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	channel, chatID := bus.CLIChannel, "direct"
	if sessionKey != "" {
		if c, id, ok := strings.Cut(sessionKey, ":"); ok {
			channel, chatID = c, id
		} else {
			chatID = sessionKey
		}
	}
	out, err := l.processMessage(ctx, &bus.InboundMessage{
		Channel:   channel,
		SenderID:  "user",
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

// handle processes one message and never panics or fails: errors become a
// reply addressed to the originating conversation.
func (l *Loop) handle(ctx context.Context, msg *bus.InboundMessage) (out *bus.OutboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Panic while processing message", "channel", msg.Channel, "chat_id", msg.ChatID, "panic", rec)
			out = l.errorReply(msg, fmt.Errorf("internal error: %v", rec))
		}
	}()

	out, err := l.processMessage(ctx, msg)
	if err != nil {
		slog.Error("Failed to process message", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return l.errorReply(msg, err)
	}
	return out
}

func (l *Loop) errorReply(msg *bus.InboundMessage, err error) *bus.OutboundMessage {
	channel, chatID := msg.Channel, msg.ChatID
	if msg.IsSystem() {
		channel, chatID = bus.ReturnAddress(msg.ChatID)
	}
	return &bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		TraceID:  msg.TraceID,
		Content:  fmt.Sprintf("Sorry, I encountered an error: %v", err),
		Metadata: maps.Clone(msg.Metadata),
	}
}

// processMessage dispatches one inbound message; the first matching branch
// produces the reply.
func (l *Loop) processMessage(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	if msg.IsSystem() {
		return l.processSystemMessage(ctx, msg)
	}

	slog.Info("Processing message", "channel", msg.Channel, "sender", msg.SenderID, "chat_id", msg.ChatID)
	sess := l.sessions.GetOrCreate(msg.SessionKey())
	content := strings.TrimSpace(msg.Content)
	direct := msg.Channel == bus.CLIChannel

	if !direct {
		if cmd, ok := parseTaskCommand(content); ok {
			reply := l.handleTaskCommand(sess, cmd)
			l.saveSession(sess)
			return l.reply(msg, reply), nil
		}
		if active := sess.ActiveTask(); active != nil {
			reply, err := l.handleRefinement(ctx, msg, sess, active, content)
			if err != nil {
				return nil, err
			}
			return l.reply(msg, reply), nil
		}
		if l.ackEnabled {
			l.sendAck(ctx, msg)
		}

		if sess.PendingTask != nil {
			reply, err := l.handlePendingTask(ctx, msg, sess, content)
			if err != nil {
				return nil, err
			}
			return l.reply(msg, reply), nil
		}

		if existing := sess.Tasks.FindByText(content); existing != nil {
			return l.reply(msg, l.redisplayTask(sess, existing)), nil
		}

		decision := l.decider.ClassifyRequest(ctx, content)
		if decision.IsDevTask {
			return l.reply(msg, l.createTask(sess, content, decision)), nil
		}
	}

	return l.processTurn(ctx, msg, sess)
}

// reply addresses content to the message's conversation, passing delivery
// metadata through unchanged.
func (l *Loop) reply(msg *bus.InboundMessage, content string) *bus.OutboundMessage {
	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		TraceID:  msg.TraceID,
		Content:  content,
		Metadata: maps.Clone(msg.Metadata),
	}
}

func (l *Loop) saveSession(sess *session.Session) {
	if err := l.sessions.Save(sess); err != nil {
		slog.Warn("Failed to save session", "session", sess.Key, "error", err)
	}
}

// sendImmediate delivers through the live channel when one is registered,
// falling back to the outbound queue.
func (l *Loop) sendImmediate(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	l.senderMu.RLock()
	sender := l.sender
	l.senderMu.RUnlock()

	if sender != nil && sender.Has(msg.Channel) {
		id, err := sender.Deliver(ctx, msg)
		if err == nil {
			return id, nil
		}
		slog.Warn("Immediate send failed, queueing instead", "channel", msg.Channel, "error", err)
	}
	l.bus.PublishOutbound(msg)
	return "", nil
}

func (l *Loop) sendAck(ctx context.Context, msg *bus.InboundMessage) {
	ack := AssessAck(msg.Content)
	if !ack.Send {
		return
	}
	slog.Debug("Sending acknowledgment", "channel", msg.Channel, "category", ack.Category)
	_, _ = l.sendImmediate(ctx, &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		TraceID:  msg.TraceID,
		Content:  ack.Text,
		Metadata: maps.Clone(msg.Metadata),
	})
}

func routeFor(channel, chatID string, meta map[string]any) tools.Route {
	return tools.Route{Channel: channel, ChatID: chatID, Metadata: maps.Clone(meta)}
}
