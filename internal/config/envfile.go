package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileCandidates lists env files consulted by Load, in order.
func EnvFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("TASKCLAW_ENV_FILE")); explicit != "" {
		out = append(out, expandHome(explicit))
	}
	if home, err := HomeDir(); err == nil {
		out = append(out, filepath.Join(home, "env"))
	}
	if base, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(base, ".config", "taskclaw", "env"))
	}
	return out
}

// LoadEnvFileCandidates loads KEY=VALUE files into the process environment.
// Variables already set are never overridden.
func LoadEnvFileCandidates() {
	seen := map[string]bool{}
	for _, p := range EnvFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, unquote(strings.TrimSpace(val)))
	}
	return sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
