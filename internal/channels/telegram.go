package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
)

const telegramMaxMessageChars = 3900

// TelegramChannel is a Telegram bot using long polling.
type TelegramChannel struct {
	*BaseChannel
	config config.TelegramConfig
	bot    *telego.Bot
	cancel context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", messageBus, cfg.AllowFrom),
		config:      cfg,
		bot:         bot,
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}
	c.cancel = cancel

	go func() {
		for update := range updates {
			if update.Message != nil {
				c.handleMessage(update.Message)
			}
		}
	}()

	c.setRunning(true)
	slog.Info("Telegram bot connected", "username", c.bot.Username())
	return nil
}

func (c *TelegramChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) handleMessage(message *telego.Message) {
	if message == nil || message.From == nil {
		return
	}
	content := strings.TrimSpace(message.Text)
	if content == "" {
		content = strings.TrimSpace(message.Caption)
	}
	if content == "" {
		return
	}

	user := message.From
	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID += "|" + user.Username
	}
	messageType := bus.MessageTypeDirect
	if message.Chat.Type != "private" {
		messageType = bus.MessageTypeGroup
	}

	c.HandleMessage(senderID, strconv.FormatInt(message.Chat.ID, 10), content, nil, map[string]any{
		"message_id":           strconv.Itoa(message.MessageID),
		"username":             user.Username,
		bus.MetaKeyMessageType: messageType,
	})
}

func (c *TelegramChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if c.bot == nil {
		return "", ErrNotRunning
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}

	var firstID int
	for i, chunk := range splitMessage(msg.Content, telegramMaxMessageChars) {
		sent, err := c.sendChunk(ctx, chatID, chunk)
		if err != nil {
			return "", err
		}
		if i == 0 {
			firstID = sent.MessageID
		}
	}
	if !msg.TrackMessageID || firstID == 0 {
		return "", nil
	}
	return strconv.Itoa(firstID), nil
}

// sendChunk sends HTML and retries as plain text when Telegram rejects the markup.
func (c *TelegramChannel) sendChunk(ctx context.Context, chatID int64, text string) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), markdownToTelegramHTML(text))
	params.ParseMode = telego.ModeHTML
	sent, err := c.bot.SendMessage(ctx, params)
	if err == nil {
		return sent, nil
	}
	slog.Warn("Telegram HTML send failed, retrying as plain text", "chat_id", chatID, "error", err)
	sent, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}
	return sent, nil
}

// Edit replaces the text of a previously sent message via editMessageText.
func (c *TelegramChannel) Edit(ctx context.Context, msg *bus.OutboundMessage) (bool, error) {
	if c.bot == nil || msg.EditMessageID == "" {
		return false, nil
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}
	messageID, err := strconv.Atoi(msg.EditMessageID)
	if err != nil {
		return false, fmt.Errorf("invalid message ID %q: %w", msg.EditMessageID, err)
	}
	chunks := splitMessage(msg.Content, telegramMaxMessageChars)
	if len(chunks) != 1 {
		return false, errors.New("message too long to edit in place")
	}
	params := tu.EditMessageText(tu.ID(chatID), messageID, markdownToTelegramHTML(chunks[0]))
	params.ParseMode = telego.ModeHTML
	if _, err := c.bot.EditMessageText(ctx, params); err != nil {
		return false, fmt.Errorf("telegram edit: %w", err)
	}
	return true, nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

var (
	tgItalic = regexp.MustCompile(`(^|[^\w])_([^_\n]+)_([^\w]|$)`)
	tgQuote  = regexp.MustCompile(`(?m)^>\s*(.*)$`)
)

// markdownToTelegramHTML converts common Markdown to the HTML subset
// Telegram accepts.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}
	blocks := mdCodeBlock.FindAllStringSubmatch(text, -1)
	text = replaceWithPlaceholders(mdCodeBlock, text, "CB")
	inline := mdInlineCode.FindAllStringSubmatch(text, -1)
	text = replaceWithPlaceholders(mdInlineCode, text, "IC")

	text = mdHeading.ReplaceAllString(text, "**$1**")
	text = tgQuote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = mdLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = mdBold.ReplaceAllString(text, "<b>$1</b>")
	text = tgItalic.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = mdStrike.ReplaceAllString(text, "<s>$1</s>")
	text = mdBullet.ReplaceAllString(text, "• ")

	for i, m := range inline {
		text = strings.ReplaceAll(text, placeholder("IC", i), "<code>"+escapeHTML(m[1])+"</code>")
	}
	for i, m := range blocks {
		text = strings.ReplaceAll(text, placeholder("CB", i), "<pre><code>"+escapeHTML(strings.TrimRight(m[1], "\n"))+"</code></pre>")
	}
	return text
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
