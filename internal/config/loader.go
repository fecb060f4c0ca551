package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/KafClaw/TaskClaw/internal/secrets"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".taskclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TASKCLAW"
)

// HomeDir returns the taskclaw home directory (~/.taskclaw unless
// TASKCLAW_HOME is set).
func HomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("TASKCLAW_HOME")); h != "" {
		return expandHome(h), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ConfigDir), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TASKCLAW_CONFIG")); explicit != "" {
		return expandHome(explicit), nil
	}
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFile), nil
}

// Load loads the configuration. Priority: environment > file > keyring > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data, err = substituteEnv(data)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
			if cfg.Providers.OpenAI.APIBase == "" {
				cfg.Providers.OpenAI.APIBase = "https://openrouter.ai/api/v1"
			}
		}
	}

	secrets.Fill(map[string]*string{
		secrets.OpenAIAPIKey:  &cfg.Providers.OpenAI.APIKey,
		secrets.SlackBotToken: &cfg.Channels.Slack.BotToken,
		secrets.SlackAppToken: &cfg.Channels.Slack.AppToken,
		secrets.TelegramToken: &cfg.Channels.Telegram.Token,
		secrets.KafkaPassword: &cfg.Channels.Kafka.Password,
	})

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"MODEL", &cfg.Model},
		{"OPENAI", &cfg.Providers.OpenAI},
		{"CHANNELS_SLACK", &cfg.Channels.Slack},
		{"CHANNELS_TELEGRAM", &cfg.Channels.Telegram},
		{"CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{"CHANNELS_KAFKA", &cfg.Channels.Kafka},
		{"TOOLS_EXEC", &cfg.Tools.Exec},
		{"TOOLS_SUBAGENTS", &cfg.Tools.Subagents},
		{"AGENT", &cfg.Agent},
		{"TIMELINE", &cfg.Timeline},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.prefix, err)
		}
	}
	return nil
}

// resolvePaths expands ~ and fills derived locations under the home dir.
func resolvePaths(cfg *Config) error {
	home, err := HomeDir()
	if err != nil {
		return err
	}
	cfg.Paths.Workspace = expandHome(cfg.Paths.Workspace)
	if cfg.Paths.Workspace == "" {
		cfg.Paths.Workspace = filepath.Join(home, "workspace")
	}
	cfg.Paths.SessionsDir = expandHome(cfg.Paths.SessionsDir)
	if cfg.Paths.SessionsDir == "" {
		cfg.Paths.SessionsDir = filepath.Join(home, "sessions")
	}
	cfg.Timeline.Path = expandHome(cfg.Timeline.Path)
	if cfg.Timeline.Path == "" {
		cfg.Timeline.Path = filepath.Join(home, "timeline.db")
	}
	cfg.Channels.WhatsApp.StorePath = expandHome(cfg.Channels.WhatsApp.StorePath)
	if cfg.Channels.WhatsApp.StorePath == "" {
		cfg.Channels.WhatsApp.StorePath = filepath.Join(home, "whatsapp.db")
	}
	cfg.Channels.WhatsApp.QRPath = expandHome(cfg.Channels.WhatsApp.QRPath)
	if cfg.Channels.WhatsApp.QRPath == "" {
		cfg.Channels.WhatsApp.QRPath = filepath.Join(home, "whatsapp-qr.png")
	}
	return nil
}

func normalize(cfg *Config) {
	d := DefaultConfig()
	if cfg.Model.MaxToolIterations <= 0 {
		cfg.Model.MaxToolIterations = d.Model.MaxToolIterations
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = d.Model.MaxTokens
	}
	if cfg.Tools.Exec.Timeout <= 0 {
		cfg.Tools.Exec.Timeout = d.Tools.Exec.Timeout
	}
	if cfg.Tools.Subagents.MaxConcurrent <= 0 {
		cfg.Tools.Subagents.MaxConcurrent = d.Tools.Subagents.MaxConcurrent
	}
	if cfg.Tools.Subagents.MaxChildrenPerSession <= 0 {
		cfg.Tools.Subagents.MaxChildrenPerSession = d.Tools.Subagents.MaxChildrenPerSession
	}
	if cfg.Agent.ClassificationMaxTokens <= 0 {
		cfg.Agent.ClassificationMaxTokens = d.Agent.ClassificationMaxTokens
	}
	if cfg.Agent.HistoryLimit <= 0 {
		cfg.Agent.HistoryLimit = d.Agent.HistoryLimit
	}
}

// Save writes the configuration file with owner-only permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} inside JSON string values with the
// environment value. Unset variables are left untouched.
func substituteEnv(data []byte) ([]byte, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(substituteValue(raw))
}

func substituteValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteValue(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteValue(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
