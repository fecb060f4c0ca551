package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/KafClaw/TaskClaw/internal/secrets"
)

// isolate points every config lookup at a fresh temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TASKCLAW_HOME", filepath.Join(home, ".taskclaw"))
	t.Setenv("TASKCLAW_CONFIG", "")
	t.Setenv("TASKCLAW_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	keyring.MockInit()
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Name != "anthropic/claude-sonnet-4-5" {
		t.Errorf("expected default model anthropic/claude-sonnet-4-5, got %s", cfg.Model.Name)
	}
	if cfg.Model.MaxTokens != 4096 || cfg.Model.MaxToolIterations != 20 {
		t.Errorf("unexpected model defaults: %+v", cfg.Model)
	}
	if !cfg.Tools.Exec.RestrictToWorkspace || cfg.Tools.Exec.Timeout != 60*time.Second {
		t.Errorf("unexpected exec defaults: %+v", cfg.Tools.Exec)
	}
	if cfg.Tools.Subagents.MaxConcurrent != 8 || cfg.Tools.Subagents.MaxChildrenPerSession != 5 {
		t.Errorf("unexpected subagent defaults: %+v", cfg.Tools.Subagents)
	}
	if !cfg.Agent.AckEnabled || cfg.Agent.ClassificationMaxTokens != 500 || cfg.Agent.ClassificationTemperature != 0.3 {
		t.Errorf("unexpected agent defaults: %+v", cfg.Agent)
	}
}

func TestLoadDefaultsDerivePaths(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	base := filepath.Join(home, ".taskclaw")
	if cfg.Paths.Workspace != filepath.Join(base, "workspace") {
		t.Errorf("workspace = %s", cfg.Paths.Workspace)
	}
	if cfg.Paths.SessionsDir != filepath.Join(base, "sessions") {
		t.Errorf("sessions dir = %s", cfg.Paths.SessionsDir)
	}
	if cfg.Timeline.Path != filepath.Join(base, "timeline.db") {
		t.Errorf("timeline path = %s", cfg.Timeline.Path)
	}
}

func TestLoadFromFileWithEnvSubstitution(t *testing.T) {
	home := isolate(t)
	t.Setenv("SLACK_BOT", "xoxb-123")

	path, _ := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	content := `{
		"paths": {"workspace": "~/work"},
		"model": {"name": "openai/gpt-4o", "maxToolIterations": 7},
		"channels": {"slack": {"enabled": true, "botToken": "${SLACK_BOT}", "appToken": "${UNSET_VAR_X}"}}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Name != "openai/gpt-4o" || cfg.Model.MaxToolIterations != 7 {
		t.Errorf("file values not applied: %+v", cfg.Model)
	}
	if cfg.Model.MaxTokens != 4096 {
		t.Errorf("missing file values should keep defaults, got %d", cfg.Model.MaxTokens)
	}
	if cfg.Paths.Workspace != filepath.Join(home, "work") {
		t.Errorf("~ not expanded: %s", cfg.Paths.Workspace)
	}
	if cfg.Channels.Slack.BotToken != "xoxb-123" || cfg.Channels.Slack.AppToken != "${UNSET_VAR_X}" {
		t.Errorf("substitution wrong: %+v", cfg.Channels.Slack)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	path, _ := ConfigPath()
	os.MkdirAll(filepath.Dir(path), 0o700)
	os.WriteFile(path, []byte(`{"model":{"name":"from-file"}}`), 0o600)

	t.Setenv("TASKCLAW_MODEL_NAME", "from-env")
	t.Setenv("TASKCLAW_TOOLS_SUBAGENTS_MAX_CHILDREN_PER_SESSION", "2")
	t.Setenv("TASKCLAW_TOOLS_EXEC_TIMEOUT", "5s")
	t.Setenv("TASKCLAW_CHANNELS_TELEGRAM_ALLOW_FROM", "1,2")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("env should win over file, got %s", cfg.Model.Name)
	}
	if cfg.Tools.Subagents.MaxChildrenPerSession != 2 || cfg.Tools.Exec.Timeout != 5*time.Second {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Tools.Subagents, cfg.Tools.Exec)
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 2 {
		t.Errorf("allow list not parsed: %v", cfg.Channels.Telegram.AllowFrom)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("OPENAI_API_KEY fallback not applied")
	}
}

func TestOpenRouterFallbackSetsBase(t *testing.T) {
	isolate(t)
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.OpenAI.APIKey != "or-key" || cfg.Providers.OpenAI.APIBase != "https://openrouter.ai/api/v1" {
		t.Fatalf("unexpected provider config %+v", cfg.Providers.OpenAI)
	}
}

func TestKeyringFillsMissingCredentials(t *testing.T) {
	isolate(t)
	if err := secrets.Set(secrets.TelegramToken, "tg-from-keyring"); err != nil {
		t.Fatal(err)
	}
	if err := secrets.Set(secrets.KafkaPassword, "kafka-secret"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKCLAW_CHANNELS_KAFKA_PASSWORD", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Telegram.Token != "tg-from-keyring" {
		t.Errorf("keyring token not applied: %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Channels.Kafka.Password != "from-env" {
		t.Errorf("env should win over keyring, got %q", cfg.Channels.Kafka.Password)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Model.Name = "saved-model"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path, _ := ConfigPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config should be owner-only, got %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Model.Name != "saved-model" {
		t.Fatalf("saved value not loaded: %s", loaded.Model.Name)
	}
}

func TestInvalidFileFails(t *testing.T) {
	isolate(t)
	path, _ := ConfigPath()
	os.MkdirAll(filepath.Dir(path), 0o700)
	os.WriteFile(path, []byte(`{not json`), 0o600)
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid JSON to fail")
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env")
	content := "# comment\nexport TC_FOO=bar\nTC_QUOTED=\"hello world\"\nTC_SINGLE='x y'\nINVALID_LINE\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TC_FOO", "existing")
	t.Setenv("TC_QUOTED", "")
	os.Unsetenv("TC_QUOTED")
	t.Setenv("TC_SINGLE", "")
	os.Unsetenv("TC_SINGLE")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("TC_FOO"); got != "existing" {
		t.Errorf("existing value overridden: %q", got)
	}
	if got := os.Getenv("TC_QUOTED"); got != "hello world" {
		t.Errorf("quoted value: %q", got)
	}
	if got := os.Getenv("TC_SINGLE"); got != "x y" {
		t.Errorf("single-quoted value: %q", got)
	}
}
