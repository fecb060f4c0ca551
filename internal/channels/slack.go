package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
)

// SlackChannel is a Slack socket-mode client. It answers app mentions in
// channels and direct messages.
type SlackChannel struct {
	*BaseChannel
	config    config.SlackConfig
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	cancel    context.CancelFunc
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", messageBus, cfg.AllowFrom),
		config:      cfg,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if strings.TrimSpace(c.config.BotToken) == "" || strings.TrimSpace(c.config.AppToken) == "" {
		return errors.New("slack bot token and app token are required")
	}
	c.api = slack.New(c.config.BotToken, slack.OptionAppLevelToken(c.config.AppToken))
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.socket = socketmode.New(c.api)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.handleEvents(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()

	c.setRunning(true)
	slog.Info("Slack connected", "bot_user", c.botUserID, "team", auth.Team)
	return nil
}

func (c *SlackChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				slog.Info("Slack socket connected")
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || ev.Type != slackevents.CallbackEvent {
					continue
				}
				c.dispatchEvent(ev.TeamID, ev.InnerEvent.Data)
			}
		}
	}
}

func (c *SlackChannel) dispatchEvent(teamID string, data any) {
	switch ev := data.(type) {
	case *slackevents.AppMentionEvent:
		if ev == nil || ev.User == "" || ev.Channel == "" || ev.BotID != "" {
			return
		}
		text := c.stripMention(ev.Text)
		if text == "" {
			return
		}
		c.HandleMessage(ev.User, ev.Channel, text, nil, slackMetadata(teamID, ev.ThreadTimeStamp, ev.TimeStamp, bus.MessageTypeMention))
	case *slackevents.MessageEvent:
		if ev == nil || ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.Channel == "" {
			return
		}
		if ev.ChannelType != "im" && !strings.HasPrefix(ev.Channel, "D") {
			return
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		c.HandleMessage(ev.User, ev.Channel, text, nil, slackMetadata(teamID, ev.ThreadTimeStamp, ev.TimeStamp, bus.MessageTypeDirect))
	}
}

func slackMetadata(teamID, threadTS, ts, messageType string) map[string]any {
	if threadTS == "" {
		threadTS = ts
	}
	return map[string]any{
		bus.MetaKeyTeamID:      teamID,
		bus.MetaKeyThreadTS:    threadTS,
		bus.MetaKeyMessageType: messageType,
	}
}

func (c *SlackChannel) stripMention(text string) string {
	if c.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+c.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if c.api == nil {
		return "", ErrNotRunning
	}
	opts := []slack.MsgOption{slack.MsgOptionText(markdownToMrkdwn(msg.Content), false)}
	if ts := msg.MetaString(bus.MetaKeyThreadTS); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	_, ts, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post message: %w", err)
	}
	if !msg.TrackMessageID {
		return "", nil
	}
	return ts, nil
}

// Edit replaces the text of the message at msg.EditMessageID via chat.update.
func (c *SlackChannel) Edit(ctx context.Context, msg *bus.OutboundMessage) (bool, error) {
	if c.api == nil || msg.EditMessageID == "" {
		return false, nil
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, msg.ChatID, msg.EditMessageID,
		slack.MsgOptionText(markdownToMrkdwn(msg.Content), false))
	if err != nil {
		return false, fmt.Errorf("slack update message: %w", err)
	}
	return true, nil
}

var (
	mdCodeBlock  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdStrike     = regexp.MustCompile(`~~(.+?)~~`)
	mdBullet     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

// markdownToMrkdwn converts common Markdown to Slack mrkdwn. Code spans are
// left untouched.
func markdownToMrkdwn(text string) string {
	if text == "" {
		return ""
	}
	blocks := mdCodeBlock.FindAllStringSubmatch(text, -1)
	text = replaceWithPlaceholders(mdCodeBlock, text, "CB")
	inline := mdInlineCode.FindAllStringSubmatch(text, -1)
	text = replaceWithPlaceholders(mdInlineCode, text, "IC")

	text = mdHeading.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "<$2|$1>")
	text = mdBold.ReplaceAllString(text, "*$1*")
	text = mdStrike.ReplaceAllString(text, "~$1~")
	text = mdBullet.ReplaceAllString(text, "• ")

	for i, m := range inline {
		text = strings.ReplaceAll(text, placeholder("IC", i), "`"+m[1]+"`")
	}
	for i, m := range blocks {
		text = strings.ReplaceAll(text, placeholder("CB", i), "```\n"+strings.TrimRight(m[1], "\n")+"\n```")
	}
	return text
}

func replaceWithPlaceholders(re *regexp.Regexp, text, kind string) string {
	i := 0
	return re.ReplaceAllStringFunc(text, func(string) string {
		p := placeholder(kind, i)
		i++
		return p
	})
}

func placeholder(kind string, i int) string {
	return fmt.Sprintf("\x00%s%d\x00", kind, i)
}
