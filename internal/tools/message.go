package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/TaskClaw/internal/bus"
)

// SendFunc delivers an outbound message immediately and returns the
// channel's message id when one was requested.
type SendFunc func(ctx context.Context, msg *bus.OutboundMessage) (string, error)

// MessageTool lets the model send an interim message to the current chat.
type MessageTool struct {
	send SendFunc
}

// NewMessageTool creates a message tool.
func NewMessageTool(send SendFunc) *MessageTool {
	return &MessageTool{send: send}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user in the current conversation before the final answer."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The message text",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content := strings.TrimSpace(GetString(params, "content", ""))
	if content == "" {
		return "", errors.New("content is required")
	}
	route, ok := RouteFrom(ctx)
	if !ok {
		return "", errors.New("no conversation to send to")
	}
	if t.send == nil {
		return "", errors.New("messaging unavailable")
	}
	_, err := t.send(ctx, &bus.OutboundMessage{
		Channel:  route.Channel,
		ChatID:   route.ChatID,
		Content:  content,
		Metadata: route.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return fmt.Sprintf("Message sent to %s:%s", route.Channel, route.ChatID), nil
}
