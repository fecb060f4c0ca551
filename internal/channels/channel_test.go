package channels

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/TaskClaw/internal/bus"
)

func consumeInbound(t *testing.T, b *bus.MessageBus) *bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("no inbound message: %v", err)
	}
	return msg
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowFrom []string
		sender    string
		want      bool
	}{
		{"empty list allows all", nil, "42", true},
		{"exact id", []string{"42"}, "42", true},
		{"id part of compound", []string{"42"}, "42|alice", true},
		{"username with at", []string{"@Alice"}, "42|alice", true},
		{"full compound", []string{"42|alice"}, "42|alice", true},
		{"other sender", []string{"7"}, "42|alice", false},
		{"blank entries ignored", []string{" ", "@"}, "42", false},
		{"username without compound", []string{"alice"}, "42", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.NewMessageBus(), tt.allowFrom)
			if got := c.IsAllowed(tt.sender); got != tt.want {
				t.Fatalf("IsAllowed(%q) with %v = %v, want %v", tt.sender, tt.allowFrom, got, tt.want)
			}
		})
	}
}

func TestHandleMessagePublishes(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("test", b, []string{"42"})

	if c.HandleMessage("7", "chat", "hello", nil, nil) {
		t.Fatal("expected sender 7 to be rejected")
	}
	if b.InboundSize() != 0 {
		t.Fatalf("rejected message was published")
	}

	if !c.HandleMessage("42", "chat", "hello", nil, map[string]any{"k": "v"}) {
		t.Fatal("expected sender 42 to be accepted")
	}
	msg := consumeInbound(t, b)
	if msg.Channel != "test" || msg.SenderID != "42" || msg.ChatID != "chat" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.TraceID == "" {
		t.Fatal("expected a trace id")
	}
	if msg.MetaString("k") != "v" {
		t.Fatalf("metadata lost: %v", msg.Metadata)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestRunningFlag(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), nil)
	if c.IsRunning() {
		t.Fatal("new channel should not be running")
	}
	c.setRunning(true)
	if !c.IsRunning() {
		t.Fatal("expected running")
	}
}
