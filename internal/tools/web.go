package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	bravesearch "github.com/cnosuke/go-brave-search"
	"github.com/go-shiori/go-readability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

type WebSearch struct {
	brave *bravesearch.Client
}

func NewWebSearch(braveAPIKey string) (*WebSearch, error) {
	client, err := bravesearch.NewClient(braveAPIKey)
	if err != nil {
		return nil, fmt.Errorf("creating brave client: %w", err)
	}
	return &WebSearch{brave: client}, nil
}

func (w *WebSearch) Name() string { return "web_search" }
func (w *WebSearch) Description() string {
	return "Search the web and return titles, URLs and snippets"
}

func (w *WebSearch) InputSchema() any {
	return object([]string{"query"}, map[string]any{
		"query": prop("string", "Search query"),
		"count": prop("integer", "Number of results to return (default 5, max 20)"),
	})
}

func (w *WebSearch) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := decode("web_search", input, &args); err != nil {
		return "", err
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	count := min(max(args.Count, 0), 20)
	if count == 0 {
		count = 5
	}

	slog.Debug("web_search: searching", "query", args.Query, "count", count)
	resp, err := w.brave.WebSearch(ctx, args.Query, &bravesearch.WebSearchParams{Count: count})
	if err != nil {
		return "", fmt.Errorf("brave search: %w", err)
	}

	results := resp.GetWebResults()
	if len(results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "%s\n%s\n%s", r.Title, r.URL, r.Description)
	}
	slog.Debug("web_search: done", "query", args.Query, "results", len(results))
	return truncate([]byte(b.String())), nil
}

// Fetch downloads a page and extracts its readable text.
type Fetch struct {
	client *http.Client
}

func NewFetch() *Fetch {
	return &Fetch{client: &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

func (f *Fetch) Name() string        { return "fetch" }
func (f *Fetch) Description() string { return "Fetch a URL and return its readable text content" }

func (f *Fetch) InputSchema() any {
	return object([]string{"url"}, map[string]any{
		"url": prop("string", "The http or https URL to fetch"),
	})
}

func (f *Fetch) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decode("fetch", input, &args); err != nil {
		return "", err
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: only http and https are allowed", args.URL)
	}

	slog.Debug("fetch: fetching", "url", args.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "quill/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %s", resp.Status)
	}

	const maxBody = 1 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = extractText(body, resp.Request.URL)
	}
	slog.Debug("fetch: done", "url", args.URL, "bytes", len(text))
	return truncate([]byte(text)), nil
}

func extractText(body []byte, pageURL *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		text := strings.TrimSpace(article.TextContent)
		if article.Title != "" {
			text = "# " + article.Title + "\n\n" + text
		}
		return text
	}
	text := htmlTagRe.ReplaceAllString(string(body), "")
	return strings.Join(strings.Fields(text), " ")
}
