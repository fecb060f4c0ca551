// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/TaskClaw/internal/bus"
)

var (
	// ErrUnknownChannel is returned when no channel is registered under a name.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotRunning is returned by Send on a channel that was never started.
	ErrNotRunning = errors.New("channel not running")
)

// Channel defines the interface for chat platforms (Slack, Telegram, etc).
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send sends a message to a specific chat. The platform message id is
	// returned when msg.TrackMessageID is set and the platform has one.
	Send(ctx context.Context, msg *bus.OutboundMessage) (string, error)
}

// Editor is implemented by channels that can replace the text of a message
// they sent earlier. msg.EditMessageID names the message.
type Editor interface {
	Edit(ctx context.Context, msg *bus.OutboundMessage) (bool, error)
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus       *bus.MessageBus
	name      string
	allowFrom []string
	running   atomic.Bool
}

// NewBaseChannel creates the shared part of a channel. An empty allow list
// admits every sender.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{Bus: b, name: name, allowFrom: allowFrom}
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(v bool) { c.running.Store(v) }

// IsAllowed checks a sender against the allow list. Sender ids of the form
// "id|username" match on either part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	id, username, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowFrom {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == id || (username != "" && strings.EqualFold(allowed, username)) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message from an allowed sender. It
// reports whether the message was accepted.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]any) bool {
	if !c.IsAllowed(senderID) {
		slog.Debug("Message rejected by allow list", "channel", c.name, "sender", senderID)
		return false
	}
	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		TraceID:   uuid.NewString(),
		Content:   content,
		Media:     media,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return true
}
