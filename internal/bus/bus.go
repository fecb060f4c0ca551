// Package bus provides the async message bus for channel-agent communication.
package bus

import (
	"context"
	"sync"
	"time"
)

// Reserved channel names.
const (
	// SystemChannel is not a real channel: inbound messages on it carry an
	// "origin_channel:origin_chat_id" return address in ChatID.
	SystemChannel = "system"
	// CLIChannel is the direct/synchronous channel used by the CLI.
	CLIChannel = "cli"
)

// Well-known metadata keys and message type constants.
const (
	MetaKeyMessageType   = "message_type"
	MetaKeyThreadTS      = "thread_ts"
	MetaKeyTeamID        = "team_id"
	MetaKeyTaskID        = "task_id"
	MetaKeyRunID         = "run_id"
	MetaKeyRunStatus     = "run_status"
	MetaKeyPlaceholderID = "placeholder_message_id"
	MessageTypeDirect    = "dm"
	MessageTypeMention   = "mention"
	MessageTypeGroup     = "group"
	MessageTypeInternal  = "internal"
)

// InboundMessage represents a message from a channel to the agent.
type InboundMessage struct {
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Content   string         `json:"content"`
	Media     []string       `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionKey returns the conversation key for this message.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// IsSystem reports whether the message re-enters via the system channel.
func (m *InboundMessage) IsSystem() bool {
	return m.Channel == SystemChannel
}

// MetaString returns a string metadata value, or "" when absent.
func (m *InboundMessage) MetaString(key string) string {
	return metaString(m.Metadata, key)
}

// OutboundMessage represents a message from the agent to a channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	TraceID  string         `json:"trace_id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// TrackMessageID asks the adapter to return the platform id of the sent message.
	TrackMessageID bool `json:"track_message_id,omitempty"`
	// EditMessageID, when set, asks the adapter to edit that message in place.
	EditMessageID string `json:"edit_message_id,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (m *OutboundMessage) MetaString(key string) string {
	return metaString(m.Metadata, key)
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// ReturnAddress decodes a system message ChatID into the origin channel and
// chat. Without a separator the origin falls back to the CLI channel.
func ReturnAddress(chatID string) (channel, originChatID string) {
	for i := 0; i < len(chatID); i++ {
		if chatID[i] == ':' {
			return chatID[:i], chatID[i+1:]
		}
	}
	return CLIChannel, chatID
}

// JoinReturnAddress encodes an origin as a system message ChatID.
func JoinReturnAddress(channel, chatID string) string {
	return channel + ":" + chatID
}

// MessageBus decouples channels from the agent core.
type MessageBus struct {
	inbound  *queue[*InboundMessage]
	outbound *queue[*OutboundMessage]
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  newQueue[*InboundMessage](),
		outbound: newQueue[*OutboundMessage](),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound enqueues a message from a channel to the agent. It never blocks.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound.push(msg)
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	return b.inbound.pop(ctx)
}

// PublishOutbound enqueues a message from the agent to channels. It never blocks.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound.push(msg)
}

// ConsumeOutbound blocks until an outbound message is available or context is cancelled.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (*OutboundMessage, error) {
	return b.outbound.pop(ctx)
}

// Subscribe registers a callback for outbound messages to a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		msg, err := b.outbound.pop(ctx)
		if err != nil {
			return err
		}
		b.mu.RLock()
		callbacks := b.subs[msg.Channel]
		b.mu.RUnlock()

		for _, cb := range callbacks {
			cb(msg)
		}
	}
}

// FlushOutbound delivers every queued outbound message to its subscribers
// without waiting for new ones, and returns how many were delivered.
func (b *MessageBus) FlushOutbound() int {
	n := 0
	for {
		msg, ok := b.outbound.tryPop()
		if !ok {
			return n
		}
		b.mu.RLock()
		callbacks := b.subs[msg.Channel]
		b.mu.RUnlock()
		for _, cb := range callbacks {
			cb(msg)
		}
		n++
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return b.inbound.len()
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return b.outbound.len()
}

// queue is an unbounded FIFO with a blocking pop.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	var zero T
	if len(q.items) == 0 {
		q.mu.Unlock()
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return v, true
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.tryPop(); ok {
			return v, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
