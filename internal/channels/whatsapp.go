package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
)

// WhatsAppChannel implements a native WhatsApp client.
type WhatsAppChannel struct {
	*BaseChannel
	client    *whatsmeow.Client
	config    config.WhatsAppConfig
	container *sqlstore.Container
}

// NewWhatsAppChannel creates a new WhatsApp channel.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", messageBus, cfg.AllowFrom),
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if c.config.StorePath == "" {
		return errors.New("whatsapp store path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(c.config.StorePath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp store dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.config.StorePath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go c.pair(qrChan)
	} else if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.setRunning(true)
	return nil
}

// pair writes each login code as a PNG for the user to scan.
func (c *WhatsAppChannel) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
			slog.Error("Failed to write WhatsApp QR code", "path", c.config.QRPath, "error", err)
			continue
		}
		slog.Info("WhatsApp login QR code saved, scan it with your phone", "path", c.config.QRPath)
	}
}

func (c *WhatsAppChannel) Stop() error {
	c.setRunning(false)
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) eventHandler(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		slog.Info("WhatsApp connected")
	case *events.LoggedOut:
		slog.Warn("WhatsApp logged out", "reason", v.Reason)
	}
}

func (c *WhatsAppChannel) handleMessage(v *events.Message) {
	if v == nil || v.Info.IsFromMe {
		return
	}
	content := strings.TrimSpace(messageText(v.Message))
	if content == "" {
		return
	}
	messageType := bus.MessageTypeDirect
	if v.Info.IsGroup {
		messageType = bus.MessageTypeGroup
	}
	c.HandleMessage(v.Info.Sender.User, v.Info.Chat.String(), content, nil, map[string]any{
		"message_id":           string(v.Info.ID),
		"push_name":            v.Info.PushName,
		bus.MetaKeyMessageType: messageType,
	})
}

// messageText extracts the user-visible text of a message.
func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if c.client == nil {
		return "", ErrNotRunning
	}
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	if !msg.TrackMessageID {
		return "", nil
	}
	return string(resp.ID), nil
}

// Edit replaces the text of a message this client sent.
func (c *WhatsAppChannel) Edit(ctx context.Context, msg *bus.OutboundMessage) (bool, error) {
	if c.client == nil || msg.EditMessageID == "" {
		return false, nil
	}
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return false, fmt.Errorf("invalid JID: %w", err)
	}
	edit := c.client.BuildEdit(jid, types.MessageID(msg.EditMessageID), &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	if _, err := c.client.SendMessage(ctx, jid, edit); err != nil {
		return false, fmt.Errorf("whatsapp edit: %w", err)
	}
	return true, nil
}
