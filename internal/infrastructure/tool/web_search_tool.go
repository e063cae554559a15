package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// WebSearchTool queries a search endpoint (SearXNG-compatible JSON API) and
// returns trimmed results.
type WebSearchTool struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewWebSearchTool creates the web_search tool against the given endpoint.
func NewWebSearchTool(endpoint string, logger *zap.Logger) *WebSearchTool {
	return &WebSearchTool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 20 * time.Second},
		logger:   logger,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns result titles, URLs and snippets."
}

func (t *WebSearchTool) RequiresConfirmation() bool { return false }

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Cap on returned results (default 8)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if t.endpoint == "" {
		return nil, fmt.Errorf("web search endpoint is not configured")
	}
	maxResults := intArg(args, "max_results", 8)

	reqURL := fmt.Sprintf("%s?q=%s&format=json", t.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	results := make([]map[string]any, 0, maxResults)
	for _, r := range parsed.Results {
		if len(results) >= maxResults {
			break
		}
		snippet := r.Content
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": snippet,
		})
	}

	t.logger.Info("Web search done",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return map[string]any{"ok": true, "query": query, "results": results}, nil
}
