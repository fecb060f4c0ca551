package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes bounds what read_file returns to the model.
const maxReadBytes = 256 * 1024

var errOutsideWorkspace = errors.New("path outside workspace")

// Workspace resolves tool paths against a root directory. When Restrict is
// set, paths that escape the root are rejected.
type Workspace struct {
	Root     string
	Restrict bool
}

// Resolve expands ~, makes relative paths workspace-relative and enforces
// the restriction.
func (w Workspace) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	root := w.root()
	if !filepath.IsAbs(path) && root != "" {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if w.Restrict && root != "" && !isWithin(root, abs) {
		return "", errOutsideWorkspace
	}
	return abs, nil
}

func (w Workspace) root() string {
	if w.Root == "" {
		return ""
	}
	root := w.Root
	if strings.HasPrefix(root, "~") {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, root[1:])
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func pathSchema(desc string, extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"path": map[string]any{"type": "string", "description": desc},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"path"}, required...),
	}
}

// ReadFileTool reads the contents of a file.
type ReadFileTool struct{ ws Workspace }

// NewReadFileTool creates a read_file tool bound to ws.
func NewReadFileTool(ws Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Relative paths are resolved inside the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return pathSchema("The path to the file to read", nil)
}

func (t *ReadFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, err := t.ws.Resolve(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", describeFSError(path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + fmt.Sprintf("\n... (truncated, %d bytes total)", len(data)), nil
	}
	return string(data), nil
}

// WriteFileTool writes content to a file, creating parent directories.
type WriteFileTool struct{ ws Workspace }

// NewWriteFileTool creates a write_file tool bound to ws.
func NewWriteFileTool(ws Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories if needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return pathSchema("The path to the file to write", map[string]any{
		"content": map[string]any{"type": "string", "description": "The content to write"},
	}, "content")
}

func (t *WriteFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, err := t.ws.Resolve(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	content := GetString(params, "content", "")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", describeFSError(path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces the first occurrence of a text fragment in a file.
type EditFileTool struct{ ws Workspace }

// NewEditFileTool creates an edit_file tool bound to ws.
func NewEditFileTool(ws Workspace) *EditFileTool { return &EditFileTool{ws: ws} }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text (first occurrence)."
}

func (t *EditFileTool) Parameters() map[string]any {
	return pathSchema("The path to the file to edit", map[string]any{
		"old_text": map[string]any{"type": "string", "description": "The exact text to replace"},
		"new_text": map[string]any{"type": "string", "description": "The replacement text"},
	}, "old_text", "new_text")
}

func (t *EditFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, err := t.ws.Resolve(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	oldText := GetString(params, "old_text", "")
	if oldText == "" {
		return "", errors.New("old_text is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", describeFSError(path, err)
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return "", fmt.Errorf("text not found in %s", path)
	}
	content = strings.Replace(content, oldText, GetString(params, "new_text", ""), 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", describeFSError(path, err)
	}
	return fmt.Sprintf("Edited %s", path), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct{ ws Workspace }

// NewListDirTool creates a list_dir tool bound to ws.
func NewListDirTool(ws Workspace) *ListDirTool { return &ListDirTool{ws: ws} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	schema := pathSchema("The directory path to list (default: workspace root)", nil)
	schema["required"] = []string{}
	return schema
}

func (t *ListDirTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, err := t.ws.Resolve(GetString(params, "path", "."))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", describeFSError(path, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contents of %s:\n", path)
	if len(entries) == 0 {
		b.WriteString("  (empty)\n")
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "  [DIR]  %s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "  [FILE] %s (%d bytes)\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "  [FILE] %s\n", e.Name())
		}
	}
	return b.String(), nil
}

func describeFSError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("not found: %s", path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("permission denied: %s", path)
	default:
		return err
	}
}
