package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/mandarin/internal/fetch"
	"github.com/nugget/mandarin/internal/tools"
)

// ErrExternalSearch marks a search that failed on every attempt. The
// executor degrades it to an empty result set.
var ErrExternalSearch = errors.New("external search failed")

const (
	// MaxContentChars bounds the extracted content kept per result.
	MaxContentChars = 4000
	// MaxSnippetChars bounds the snippet derived from content.
	MaxSnippetChars = 500

	defaultAttempts = 3
	fetchMaxChars   = 2 * MaxContentChars

	// defaultFlightTimeout bounds a shared search, which outlives the
	// request that started it.
	defaultFlightTimeout = 2 * time.Minute
)

// PageFetcher downloads readable text for a URL. *fetch.Fetcher
// satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, maxChars int) (*fetch.Result, error)
}

// Executor runs web_search tool calls: similarity cache first, then the
// manager's primary provider with bounded retries.
type Executor struct {
	manager  *Manager
	cache    Cache
	fetcher  PageFetcher
	opts     Options
	attempts int
	backoff  func(attempt int) time.Duration
	flight   time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAttempts sets how many provider calls a search may make.
func WithAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithBackoff replaces the delay between failed attempts.
func WithBackoff(fn func(attempt int) time.Duration) ExecutorOption {
	return func(e *Executor) { e.backoff = fn }
}

// WithFlightTimeout bounds each shared provider search.
func WithFlightTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.flight = d
		}
	}
}

// WithFetcher enables content enrichment for results that arrive
// without page text.
func WithFetcher(f PageFetcher) ExecutorOption {
	return func(e *Executor) { e.fetcher = f }
}

// WithOptions sets the provider options used for every query.
func WithOptions(o Options) ExecutorOption {
	return func(e *Executor) { e.opts = o }
}

// LinearBackoff waits 1s, then 1.5s, then 2s, and so on.
func LinearBackoff(attempt int) time.Duration {
	return time.Second + time.Duration(attempt)*500*time.Millisecond
}

// NewExecutor creates an Executor. A nil cache disables caching.
func NewExecutor(mgr *Manager, cache Cache, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if cache == nil {
		cache = NopCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		manager:  mgr,
		cache:    cache,
		attempts: defaultAttempts,
		backoff:  LinearBackoff,
		flight:   defaultFlightTimeout,
		logger:   logger.With("component", "search"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Tool returns the web_search tool backed by this executor.
func (e *Executor) Tool() *tools.Tool {
	return tools.WebSearch(func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return e.Execute(ctx, tools.WebSearchName, args)
	})
}

// Execute implements tools.Executor. Only web_search is known; other
// names produce a message for the model rather than an error.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	if name != tools.WebSearchName {
		return tools.Result{Content: fmt.Sprintf("Unknown tool: %s", name)}, nil
	}
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return tools.Result{Content: "No query provided."}, nil
	}

	results := e.Search(ctx, query)
	e.logger.Debug("web search executed", "query", query, "results", len(results))
	return tools.Result{
		Content: FormatResults(results),
		Meta:    Meta(query, results),
	}, nil
}

// Search returns shaped results for query. It never fails: after every
// attempt has failed, or when ctx ends first, the result is empty.
//
// Concurrent identical queries share one provider search. That search
// runs detached from any caller's context, so one caller going away
// does not empty the results of the others.
func (e *Executor) Search(ctx context.Context, query string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if cached, ok := e.cache.Get(ctx, query); ok {
		e.logger.Debug("search cache hit", "query", query)
		return cached
	}

	ch := e.group.DoChan(NormalizeQuery(query), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.flight)
		defer cancel()

		results, err := e.searchWithRetry(fctx, query)
		if err != nil {
			e.logger.Warn("web search degraded to no results", "query", query, "error", err)
			return []Result{}, nil
		}
		e.cache.Set(fctx, query, results)
		return results, nil
	})
	select {
	case r := <-ch:
		return r.Val.([]Result)
	case <-ctx.Done():
		e.logger.Debug("web search abandoned by caller", "query", query, "error", ctx.Err())
		return []Result{}
	}
}

func (e *Executor) searchWithRetry(ctx context.Context, query string) ([]Result, error) {
	if e.manager == nil || !e.manager.Configured() {
		return nil, fmt.Errorf("%w: no search provider configured", ErrExternalSearch)
	}

	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		results, err := e.manager.Search(ctx, query, e.opts)
		if err == nil {
			return e.shape(ctx, results), nil
		}
		lastErr = err
		e.logger.Debug("search attempt failed", "attempt", attempt+1, "error", err)

		if attempt == e.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrExternalSearch, ctx.Err())
		case <-time.After(e.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExternalSearch, e.attempts, lastErr)
}

// shape fills missing content, bounds it, and derives snippets.
func (e *Executor) shape(ctx context.Context, results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		content := strings.TrimSpace(r.Content)
		if content == "" && e.fetcher != nil && r.URL != "" {
			if page, err := e.fetcher.Fetch(ctx, r.URL, fetchMaxChars); err != nil {
				e.logger.Debug("result enrichment failed", "url", r.URL, "error", err)
			} else if page.StatusCode == 200 {
				content = page.Content
				if r.Title == "" {
					r.Title = page.Title
				}
			}
		}
		if content == "" {
			content = r.Snippet
		}
		r.Content = TruncateContent(content)
		r.Snippet = Snippet(r.Content)
		out = append(out, r)
	}
	return out
}

// TruncateContent trims s and, when it exceeds MaxContentChars runes,
// cuts it back to the last whole word and appends an ellipsis.
func TruncateContent(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxContentChars {
		return s
	}
	cut := strings.TrimRightFunc(prefixRunes(s, MaxContentChars), unicode.IsSpace)
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > 0 {
		cut = strings.TrimRightFunc(cut[:i], unicode.IsSpace)
	}
	return cut + "…"
}

// Snippet returns the first MaxSnippetChars runes of content, with an
// ellipsis when anything was dropped.
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= MaxSnippetChars {
		return content
	}
	return prefixRunes(content, MaxSnippetChars) + "…"
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
