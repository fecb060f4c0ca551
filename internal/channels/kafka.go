package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/config"
)

// KafkaEnvelope is the JSON record exchanged on the inbound and outbound topics.
type KafkaEnvelope struct {
	SenderID  string         `json:"sender_id,omitempty"`
	ChatID    string         `json:"chat_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel consumes conversation messages from one topic and produces
// replies to another, keyed by chat id.
type KafkaChannel struct {
	*BaseChannel
	config config.KafkaConfig
	reader *kafka.Reader
	writer kafkaWriter
	cancel context.CancelFunc
}

func NewKafkaChannel(cfg config.KafkaConfig, messageBus *bus.MessageBus) *KafkaChannel {
	return &KafkaChannel{
		BaseChannel: NewBaseChannel("kafka", messageBus, nil),
		config:      cfg,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Start(ctx context.Context) error {
	brokers := splitBrokers(c.config.Brokers)
	if len(brokers) == 0 {
		return errors.New("kafka brokers are not configured")
	}
	if c.config.InboundTopic == "" || c.config.OutboundTopic == "" {
		return errors.New("kafka inbound and outbound topics are required")
	}

	dialer, transport, err := kafkaDialer(c.config)
	if err != nil {
		return err
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    c.config.InboundTopic,
		GroupID:  c.config.ConsumerGroup,
		Dialer:   dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        c.config.OutboundTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.consume(runCtx)

	c.setRunning(true)
	slog.Info("Kafka channel started", "brokers", brokers, "inbound", c.config.InboundTopic, "outbound", c.config.OutboundTopic)
	return nil
}

func (c *KafkaChannel) consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Kafka read error", "topic", c.config.InboundTopic, "error", err)
			continue
		}
		if err := c.handleRecord(msg.Key, msg.Value); err != nil {
			slog.Warn("Dropping kafka record", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handleRecord decodes an inbound envelope. A missing chat id falls back to
// the record key.
func (c *KafkaChannel) handleRecord(key, value []byte) error {
	var env KafkaEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.ChatID == "" {
		env.ChatID = string(key)
	}
	if env.ChatID == "" {
		return errors.New("envelope has no chat id")
	}
	if strings.TrimSpace(env.Content) == "" {
		return errors.New("envelope has no content")
	}
	if env.SenderID == "" {
		env.SenderID = env.ChatID
	}
	c.HandleMessage(env.SenderID, env.ChatID, env.Content, nil, env.Metadata)
	return nil
}

func (c *KafkaChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if c.writer == nil {
		return "", ErrNotRunning
	}
	value, err := json.Marshal(KafkaEnvelope{
		ChatID:    msg.ChatID,
		TraceID:   msg.TraceID,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.ChatID), Value: value}); err != nil {
		return "", fmt.Errorf("kafka write: %w", err)
	}
	return "", nil
}

func (c *KafkaChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.setRunning(false)
	var errs []error
	if c.reader != nil {
		errs = append(errs, c.reader.Close())
	}
	if c.writer != nil {
		errs = append(errs, c.writer.Close())
	}
	return errors.Join(errs...)
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
