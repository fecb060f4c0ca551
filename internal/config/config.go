// Package config provides configuration types and loading for taskclaw.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Agent     AgentConfig     `json:"agent"`
	Timeline  TimelineConfig  `json:"timeline"`
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem locations. Empty values derive from the home dir
// during Load.
type PathsConfig struct {
	Workspace   string `json:"workspace" split_words:"true"`
	SessionsDir string `json:"sessionsDir,omitempty" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and tool-loop settings.
type ModelConfig struct {
	Name              string  `json:"name" split_words:"true"`
	MaxTokens         int     `json:"maxTokens" split_words:"true"`
	Temperature       float64 `json:"temperature" split_words:"true"`
	MaxToolIterations int     `json:"maxToolIterations" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for an OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" split_words:"true"`
	APIBase string `json:"apiBase,omitempty" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// SlackConfig configures the Slack socket-mode channel.
type SlackConfig struct {
	Enabled   bool     `json:"enabled" split_words:"true"`
	BotToken  string   `json:"botToken" split_words:"true"`
	AppToken  string   `json:"appToken" split_words:"true"`
	AllowFrom []string `json:"allowFrom" split_words:"true"`
}

// TelegramConfig configures the Telegram long-polling channel.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" split_words:"true"`
	Token     string   `json:"token" split_words:"true"`
	AllowFrom []string `json:"allowFrom" split_words:"true"`
}

// WhatsAppConfig configures the native WhatsApp channel.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled" split_words:"true"`
	StorePath string   `json:"storePath,omitempty" split_words:"true"`
	QRPath    string   `json:"qrPath,omitempty" split_words:"true"`
	AllowFrom []string `json:"allowFrom" split_words:"true"`
}

// KafkaConfig configures the Kafka topic channel.
type KafkaConfig struct {
	Enabled       bool   `json:"enabled" split_words:"true"`
	Brokers       string `json:"brokers" split_words:"true"`
	InboundTopic  string `json:"inboundTopic" split_words:"true"`
	OutboundTopic string `json:"outboundTopic" split_words:"true"`
	ConsumerGroup string `json:"consumerGroup" split_words:"true"`
	// SASLMechanism is PLAIN, SCRAM-SHA-256, SCRAM-SHA-512 or empty.
	SASLMechanism string `json:"saslMechanism,omitempty" envconfig:"SASL_MECHANISM"`
	Username      string `json:"username,omitempty" split_words:"true"`
	Password      string `json:"password,omitempty" split_words:"true"`
	TLS           bool   `json:"tls,omitempty" envconfig:"TLS"`
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec      ExecToolConfig      `json:"exec"`
	Subagents SubagentsToolConfig `json:"subagents"`
}

// ExecToolConfig configures the shell tool.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout" split_words:"true"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" split_words:"true"`
}

// SubagentsToolConfig bounds background runs.
type SubagentsToolConfig struct {
	MaxConcurrent         int `json:"maxConcurrent" split_words:"true"`
	MaxChildrenPerSession int `json:"maxChildrenPerSession" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Agent
// ---------------------------------------------------------------------------

// AgentConfig tunes conversational behaviour.
type AgentConfig struct {
	AckEnabled                bool    `json:"ackEnabled" split_words:"true"`
	HistoryLimit              int     `json:"historyLimit" split_words:"true"`
	ClassificationMaxTokens   int     `json:"classificationMaxTokens" split_words:"true"`
	ClassificationTemperature float64 `json:"classificationTemperature" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Timeline
// ---------------------------------------------------------------------------

// TimelineConfig configures the SQLite journal.
type TimelineConfig struct {
	Enabled bool   `json:"enabled" split_words:"true"`
	Path    string `json:"path,omitempty" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Name:              "anthropic/claude-sonnet-4-5",
			MaxTokens:         4096,
			Temperature:       0.7,
			MaxToolIterations: 20,
		},
		Channels: ChannelsConfig{
			Kafka: KafkaConfig{
				InboundTopic:  "taskclaw.inbound",
				OutboundTopic: "taskclaw.outbound",
				ConsumerGroup: "taskclaw",
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             60 * time.Second,
				RestrictToWorkspace: true,
			},
			Subagents: SubagentsToolConfig{
				MaxConcurrent:         8,
				MaxChildrenPerSession: 5,
			},
		},
		Agent: AgentConfig{
			AckEnabled:                true,
			HistoryLimit:              50,
			ClassificationMaxTokens:   500,
			ClassificationTemperature: 0.3,
		},
		Timeline: TimelineConfig{
			Enabled: true,
		},
	}
}
