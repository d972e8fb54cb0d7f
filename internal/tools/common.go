package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxOutputBytes = 30_000

func truncate(b []byte) string {
	if len(b) > maxOutputBytes {
		return string(b[:maxOutputBytes]) + "\n... (truncated)"
	}
	return string(b)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Workspace resolves tool paths. Relative paths are joined to Root; when
// Restrict is set, paths that escape Root are rejected.
type Workspace struct {
	Root     string
	Restrict bool
}

func (w Workspace) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	p := expandHome(path)
	if !filepath.IsAbs(p) && w.Root != "" {
		p = filepath.Join(w.Root, p)
	}
	p = filepath.Clean(p)
	if !w.Restrict || w.Root == "" {
		return p, nil
	}
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace %s", path, w.Root)
	}
	return abs, nil
}

func (w Workspace) dir() string {
	if w.Root != "" {
		return w.Root
	}
	wd, _ := os.Getwd()
	return wd
}

func decode(name, input string, v any) error {
	if err := json.Unmarshal([]byte(input), v); err != nil {
		return fmt.Errorf("parsing %s input: %w", name, err)
	}
	return nil
}

func result(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
