package tools

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxListEntries = 1000

type ReadFile struct{ ws Workspace }

func NewReadFile(ws Workspace) *ReadFile { return &ReadFile{ws: ws} }

func (t *ReadFile) Name() string { return "read_file" }
func (t *ReadFile) Description() string {
	return "Read the contents of a file. Supports an optional line range with offset and limit."
}

func (t *ReadFile) InputSchema() any {
	return object([]string{"path"}, map[string]any{
		"path":   prop("string", "Path to the file to read"),
		"offset": prop("integer", "Line number to start from (0-based, default 0)"),
		"limit":  prop("integer", "Maximum number of lines to read"),
	})
}

func (t *ReadFile) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decode("read_file", input, &args); err != nil {
		return "", err
	}
	if args.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return "", err
	}

	slog.Debug("read_file: reading", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	start := min(max(args.Offset, 0), len(lines))
	end := len(lines)
	if args.Limit > 0 && start+args.Limit < end {
		end = start + args.Limit
	}

	var b strings.Builder
	for i, line := range lines[start:end] {
		fmt.Fprintf(&b, "%6d\t%s\n", start+i+1, line)
	}
	return result(map[string]any{
		"path":        args.Path,
		"content":     truncate([]byte(b.String())),
		"total_lines": len(lines),
		"lines_shown": end - start,
	})
}

type WriteFile struct{ ws Workspace }

func NewWriteFile(ws Workspace) *WriteFile { return &WriteFile{ws: ws} }

func (t *WriteFile) Name() string { return "write_file" }
func (t *WriteFile) Description() string {
	return "Write content to a file, creating parent directories as needed."
}

func (t *WriteFile) InputSchema() any {
	return object([]string{"path", "content"}, map[string]any{
		"path":    prop("string", "Path to the file to write"),
		"content": prop("string", "The full file content"),
	})
}

func (t *WriteFile) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode("write_file", input, &args); err != nil {
		return "", err
	}
	if args.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return "", err
	}

	slog.Debug("write_file: writing", "path", path, "bytes", len(args.Content))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

type EditFile struct{ ws Workspace }

func NewEditFile(ws Workspace) *EditFile { return &EditFile{ws: ws} }

func (t *EditFile) Name() string { return "edit_file" }
func (t *EditFile) Description() string {
	return "Replace exact text in a file. old_text must match once unless replace_all is set."
}

func (t *EditFile) InputSchema() any {
	return object([]string{"path", "old_text", "new_text"}, map[string]any{
		"path":        prop("string", "Path to the file to edit"),
		"old_text":    prop("string", "The exact text to find and replace"),
		"new_text":    prop("string", "The text to replace old_text with"),
		"replace_all": prop("boolean", "Replace all occurrences (default false)"),
	})
}

func (t *EditFile) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decode("edit_file", input, &args); err != nil {
		return "", err
	}
	if args.Path == "" || args.OldText == "" {
		return "", fmt.Errorf("path and old_text are required")
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	content := string(data)

	n := strings.Count(content, args.OldText)
	switch {
	case n == 0:
		return "", fmt.Errorf("old_text not found in %s", args.Path)
	case n > 1 && !args.ReplaceAll:
		return "", fmt.Errorf("old_text matches %d times in %s; set replace_all or add more context", n, args.Path)
	}

	replaced := 1
	if args.ReplaceAll {
		content = strings.ReplaceAll(content, args.OldText, args.NewText)
		replaced = n
	} else {
		content = strings.Replace(content, args.OldText, args.NewText, 1)
	}

	slog.Debug("edit_file: writing", "path", path, "replacements", replaced)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return result(map[string]any{"path": args.Path, "replacements": replaced, "success": true})
}

type ListFiles struct{ ws Workspace }

func NewListFiles(ws Workspace) *ListFiles { return &ListFiles{ws: ws} }

func (t *ListFiles) Name() string { return "list_files" }
func (t *ListFiles) Description() string {
	return "List files and directories. Hidden entries are skipped."
}

func (t *ListFiles) InputSchema() any {
	return object(nil, map[string]any{
		"path":      prop("string", "Directory to list (default: working directory)"),
		"recursive": prop("boolean", "List recursively (default false)"),
	})
}

type fileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func (t *ListFiles) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := decode("list_files", input, &args); err != nil {
		return "", err
	}
	root, err := t.ws.resolve(args.Path)
	if err != nil {
		return "", err
	}

	entries := []fileEntry{}
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}

		rel, _ := filepath.Rel(root, path)
		e := fileEntry{Name: filepath.ToSlash(rel), Type: "file"}
		if d.IsDir() {
			e.Type = "directory"
		} else if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)

		if d.IsDir() && !args.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", args.Path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return result(map[string]any{
		"path":      args.Path,
		"files":     entries,
		"count":     len(entries),
		"truncated": truncated,
	})
}
