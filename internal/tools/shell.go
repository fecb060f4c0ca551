package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultExecTimeout applies when ExecTool.Timeout is zero.
const DefaultExecTimeout = 60 * time.Second

const maxExecOutput = 64 * 1024

// DenyPatterns block destructive commands.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`,
	`\brm\s+-rf\b`,
	`\brm\s+-r[fF]?\s+\*`,
	`\bfind\b.*\b-delete\b`,
	`\bdd\b.*\bof=/dev/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`>\s*/dev/sd`,
	`\bchmod\s+-R\s+777\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

var traversalPattern = regexp.MustCompile(`(^|[\s/\\])\.\.([/\\]|$|\s)`)

var errCommandBlocked = errors.New("command blocked by safety policy")

// ExecTool runs shell commands inside the workspace.
type ExecTool struct {
	Timeout time.Duration
	ws      Workspace
	deny    []*regexp.Regexp
}

// NewExecTool creates an exec tool. A zero timeout uses DefaultExecTimeout.
func NewExecTool(timeout time.Duration, ws Workspace) *ExecTool {
	deny := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, p := range DenyPatterns {
		deny = append(deny, regexp.MustCompile(p))
	}
	return &ExecTool{Timeout: timeout, ws: ws, deny: deny}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory (default: workspace root)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := strings.TrimSpace(GetString(params, "command", ""))
	if command == "" {
		return "", errors.New("command is required")
	}
	if err := t.guard(command); err != nil {
		return "", err
	}

	dir := ""
	if wd := GetString(params, "working_dir", ""); wd != "" {
		resolved, err := t.ws.Resolve(wd)
		if err != nil {
			return "", err
		}
		dir = resolved
	} else if root := t.ws.root(); root != "" {
		dir = root
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var out strings.Builder
	out.Write(stdout.Bytes())
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n")
		out.Write(stderr.Bytes())
	}
	text := out.String()
	if len(text) > maxExecOutput {
		text = text[:maxExecOutput] + "\n... (output truncated)"
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %v\n%s", timeout, text)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		text += fmt.Sprintf("\nExit code: %d", exitErr.ExitCode())
	} else if runErr != nil {
		return "", fmt.Errorf("run command: %w", runErr)
	}
	if strings.TrimSpace(text) == "" {
		return "(no output)", nil
	}
	return text, nil
}

func (t *ExecTool) guard(command string) error {
	for _, re := range t.deny {
		if re.MatchString(command) {
			return errCommandBlocked
		}
	}
	if t.ws.Restrict && traversalPattern.MatchString(command) {
		return errors.New("path traversal not allowed")
	}
	return nil
}
