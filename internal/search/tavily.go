package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/mandarin/internal/httpkit"
)

const tavilyBaseURL = "https://api.tavily.com"

// Tavily implements the Provider interface for the Tavily search API.
// Tavily returns extracted page content with each hit, so results
// usually need no fetch enrichment.
type Tavily struct {
	apiKey      string
	baseURL     string
	searchDepth string
	httpClient  *http.Client
}

// NewTavily creates a Tavily provider. An empty baseURL selects the
// public API; searchDepth is "basic" or "advanced".
func NewTavily(apiKey, baseURL, searchDepth string) *Tavily {
	if baseURL == "" {
		baseURL = tavilyBaseURL
	}
	return &Tavily{
		apiKey:      apiKey,
		baseURL:     baseURL,
		searchDepth: searchDepth,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	payload := tavilyRequest{
		Query:       query,
		MaxResults:  opts.count(),
		SearchDepth: t.searchDepth,
	}
	headers := map[string]string{"Authorization": "Bearer " + t.apiKey}

	resp, err := httpkit.PostJSON(ctx, t.httpClient, "tavily", t.baseURL+"/search", headers, payload)
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	defer resp.Body.Close()

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	results := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		content := r.Content
		if content == "" {
			content = r.Snippet
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Content: content,
		})
	}
	return results, nil
}
