package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultGrepResults = 100

type Grep struct{ ws Workspace }

func NewGrep(ws Workspace) *Grep { return &Grep{ws: ws} }

func (g *Grep) Name() string { return "grep" }
func (g *Grep) Description() string {
	return "Search file contents with a regular expression. Returns matching lines with paths and line numbers."
}

func (g *Grep) InputSchema() any {
	return object([]string{"pattern"}, map[string]any{
		"pattern":          prop("string", "The regex pattern to search for"),
		"path":             prop("string", "Directory or file to search in (default: working directory)"),
		"include":          prop("string", "File glob to include, e.g. '*.go'"),
		"case_insensitive": prop("boolean", "Case insensitive search (default false)"),
		"max_results":      prop("integer", "Maximum number of matches (default 100)"),
	})
}

type grepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (g *Grep) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		Include         string `json:"include"`
		CaseInsensitive bool   `json:"case_insensitive"`
		MaxResults      int    `json:"max_results"`
	}
	if err := decode("grep", input, &args); err != nil {
		return "", err
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	expr := args.Pattern
	if args.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	if args.MaxResults <= 0 {
		args.MaxResults = defaultGrepResults
	}
	root, err := g.ws.resolve(args.Path)
	if err != nil {
		return "", err
	}

	matches := []grepMatch{}
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if args.Include != "" {
			if ok, _ := filepath.Match(args.Include, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			rel = d.Name()
		}
		found, err := grepFile(path, filepath.ToSlash(rel), re, args.MaxResults-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= args.MaxResults {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return result(map[string]any{
		"pattern":   args.Pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	})
}

// grepFile returns up to limit matches. Files containing NUL bytes are
// treated as binary and skipped.
func grepFile(path, name string, re *regexp.Regexp, limit int) ([]grepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []grepMatch
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if strings.IndexByte(line, 0) >= 0 {
			return nil, nil
		}
		if re.MatchString(line) {
			out = append(out, grepMatch{File: name, Line: n, Text: strings.TrimRight(line, "\r")})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, sc.Err()
}
