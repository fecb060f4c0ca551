package channels

import (
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
)

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")}}, "quoted reply"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("a photo")}}, "a photo"},
		{"document caption", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("specs")}}, "specs"},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageText(tt.msg); got != tt.want {
				t.Fatalf("messageText = %q, want %q", got, tt.want)
			}
		})
	}
}

func waEvent(sender, chat types.JID, group bool, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender, IsGroup: group},
			ID:            "ABC123",
			PushName:      "Alice",
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestWhatsAppHandleMessage(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewWhatsAppChannel(config.WhatsAppConfig{}, b)
	alice := types.NewJID("15551234", types.DefaultUserServer)

	c.handleMessage(waEvent(alice, alice, false, " build a landing page "))
	msg := consumeInbound(t, b)
	if msg.Channel != "whatsapp" || msg.SenderID != "15551234" || msg.ChatID != "15551234@s.whatsapp.net" {
		t.Fatalf("unexpected routing: %+v", msg)
	}
	if msg.Content != "build a landing page" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
	if msg.MetaString("message_id") != "ABC123" || msg.MetaString("push_name") != "Alice" {
		t.Fatalf("unexpected metadata: %v", msg.Metadata)
	}
	if msg.MetaString(bus.MetaKeyMessageType) != bus.MessageTypeDirect {
		t.Fatalf("expected dm, got %v", msg.Metadata)
	}
}

func TestWhatsAppHandleGroupAndSkips(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewWhatsAppChannel(config.WhatsAppConfig{AllowFrom: []string{"15551234"}}, b)
	alice := types.NewJID("15551234", types.DefaultUserServer)
	eve := types.NewJID("15559999", types.DefaultUserServer)
	group := types.NewJID("120363", types.GroupServer)

	fromMe := waEvent(alice, alice, false, "echo")
	fromMe.Info.IsFromMe = true
	c.handleMessage(fromMe)
	c.handleMessage(nil)
	c.handleMessage(waEvent(alice, alice, false, "   "))
	c.handleMessage(waEvent(eve, eve, false, "hi"))
	if b.InboundSize() != 0 {
		t.Fatalf("expected nothing published, got %d", b.InboundSize())
	}

	c.handleMessage(waEvent(alice, group, true, "team update"))
	msg := consumeInbound(t, b)
	if msg.ChatID != "120363@g.us" || msg.MetaString(bus.MetaKeyMessageType) != bus.MessageTypeGroup {
		t.Fatalf("unexpected group message: %+v", msg)
	}
}
