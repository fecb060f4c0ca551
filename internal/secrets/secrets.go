// Package secrets stores credentials in the OS keyring so tokens need not
// live in config.json.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service every taskclaw credential is filed under.
const Service = "taskclaw"

// Well-known credential names.
const (
	OpenAIAPIKey  = "openai_api_key"
	SlackBotToken = "slack_bot_token"
	SlackAppToken = "slack_app_token"
	TelegramToken = "telegram_token"
	KafkaPassword = "kafka_password"
)

// ErrNotFound is returned when no credential is stored under a name.
var ErrNotFound = errors.New("secret not found")

// Names lists the credentials taskclaw looks up, sorted.
func Names() []string {
	names := []string{OpenAIAPIKey, SlackBotToken, SlackAppToken, TelegramToken, KafkaPassword}
	sort.Strings(names)
	return names
}

// Known reports whether name is a credential taskclaw reads.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Get returns the credential stored under name.
func Get(name string) (string, error) {
	v, err := keyring.Get(Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", name, err)
	}
	return v, nil
}

// Set stores value under name, replacing any previous value.
func Set(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("empty secret value")
	}
	if err := keyring.Set(Service, name, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	return nil
}

// Delete removes the credential stored under name.
func Delete(name string) error {
	err := keyring.Delete(Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}

// Fill sets every empty target from the keyring. Lookup failures leave the
// target empty; the keyring is optional.
func Fill(targets map[string]*string) {
	for name, dst := range targets {
		if dst == nil || *dst != "" {
			continue
		}
		if v, err := Get(name); err == nil {
			*dst = v
		}
	}
}
