// Package search provides pluggable web search for the tool-backed
// search path.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration. The [Executor] sits in front of the manager and adds
// the similarity cache, retries, and content shaping the model sees.
package search

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/mandarin/internal/llm"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// DefaultCount is used when Options.Count is zero.
const DefaultCount = 5

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Primary returns the name of the default provider.
func (m *Manager) Primary() string { return m.primary }

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

// FormatResults renders results as the numbered text handed to the
// model. Content is preferred over the snippet when present.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Title)
		b.WriteString("\n   ")
		b.WriteString(r.URL)
		body := r.Content
		if body == "" {
			body = r.Snippet
		}
		if body != "" {
			b.WriteString("\n   ")
			b.WriteString(body)
		}
	}
	return b.String()
}

// Meta converts results into the metadata entry surfaced to the UI.
// Returns nil when there are no results.
func Meta(query string, results []Result) *llm.WebSearchMeta {
	if len(results) == 0 {
		return nil
	}
	out := make([]llm.SearchResult, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		key := strings.ToLower(strings.TrimSpace(r.URL))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		title := r.Title
		if title == "" {
			title = r.URL
		}
		out = append(out, llm.SearchResult{
			Title:   title,
			URL:     strings.TrimSpace(r.URL),
			Snippet: r.Snippet,
			Content: r.Content,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return &llm.WebSearchMeta{Query: query, Results: out}
}
