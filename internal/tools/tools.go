// Package tools defines the tools a model may call during generation and
// the registry that executes them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nugget/mandarin/internal/llm"
)

// WebSearchName is the name the model uses to call web search.
const WebSearchName = "web_search"

// Result is what a tool hands back: Content goes to the model, Meta (when
// non-nil) is collected for the UI.
type Result struct {
	Content string
	Meta    *llm.WebSearchMeta
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Spec returns the vendor-neutral declaration of the tool.
func (t *Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Executor runs a named tool with decoded arguments. Unknown names are
// not errors: the model is told the tool does not exist.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
}

// WebSearchParameters is the JSON Schema for web_search arguments.
func WebSearchParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to execute.",
			},
		},
		"required": []string{"query"},
	}
}

// WebSearch declares the web_search tool backed by handler.
func WebSearch(handler Handler) *Tool {
	return &Tool{
		Name:        WebSearchName,
		Description: "Search the web for up-to-date information. Call this when the user's question requires current or factual information from the web.",
		Parameters:  WebSearchParameters(),
		Handler:     handler,
	}
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Specs returns tool declarations sorted by name, ready for a request.
func (r *Registry) Specs() []llm.ToolSpec {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, r.tools[n].Spec())
	}
	return specs
}

// Execute runs a tool by name. An unknown tool yields a result telling
// the model so, with no metadata.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool := r.tools[name]
	if tool == nil || tool.Handler == nil {
		r.logger.Warn("model called unknown tool", "tool", name)
		return Result{Content: fmt.Sprintf("Unknown tool: %s", name)}, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}
