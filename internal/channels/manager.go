package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/TaskClaw/internal/bus"
)

const deliverTimeout = 30 * time.Second

// Manager owns the registered channels. It delivers queued outbound
// messages through bus subscriptions and offers an immediate send path to
// the agent loop.
type Manager struct {
	bus      *bus.MessageBus
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates a channel manager bound to the bus.
func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{bus: b, channels: make(map[string]Channel)}
}

// Register adds a channel and subscribes it to outbound messages addressed
// to its name.
func (m *Manager) Register(ch Channel) {
	name := ch.Name()
	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	m.bus.Subscribe(name, func(msg *bus.OutboundMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if _, err := m.Deliver(ctx, msg); err != nil {
			slog.Error("Outbound delivery failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	})
}

// Get returns a registered channel.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Has reports whether a channel is registered under name.
func (m *Manager) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel. A channel that fails to start is logged
// and skipped; the failures are returned together.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("Channel failed to start", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		slog.Info("Channel started", "channel", name)
	}
	return errors.Join(errs...)
}

// StopAll stops every channel.
func (m *Manager) StopAll() {
	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Stop(); err != nil {
			slog.Warn("Channel stop failed", "channel", name, "error", err)
		}
	}
}

// Deliver sends msg through its channel right away. When EditMessageID is
// set and the channel can edit, the referenced message is edited instead;
// a failed edit falls back to a new message.
func (m *Manager) Deliver(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	if msg.EditMessageID != "" {
		if editor, ok := ch.(Editor); ok {
			edited, err := editor.Edit(ctx, msg)
			if edited {
				return msg.EditMessageID, nil
			}
			slog.Warn("Edit failed, sending as new message", "channel", msg.Channel, "message_id", msg.EditMessageID, "error", err)
		}
	}
	return ch.Send(ctx, msg)
}
