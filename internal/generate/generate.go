package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/tools"
)

// SearchingStatus is shown before any web search starts.
const SearchingStatus = "Searching the web..."

// DefaultMaxRounds bounds the tool loop when no limit is configured.
const DefaultMaxRounds = 8

// ErrWebSearchDisabled is returned by Dispatch for searchmode.Off.
var ErrWebSearchDisabled = errors.New("web search is disabled")

// ToolLoopExceededError reports a tool loop that was still calling tools
// after its round limit.
type ToolLoopExceededError struct {
	Rounds int
}

func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("tool loop exceeded %d rounds without a final answer", e.Rounds)
}

// Resolver maps a catalog model id to a client and the vendor's model
// name. *llm.Router satisfies it.
type Resolver interface {
	Resolve(modelID string) (llm.Client, string, error)
}

// Toolset declares tools to the model and executes its calls.
// *tools.Registry satisfies it.
type Toolset interface {
	Specs() []llm.ToolSpec
	tools.Executor
}

// Config tunes a Generator.
type Config struct {
	ChunkSize int
	MaxRounds int
	MaxTokens int
}

// Generator runs generations against whichever vendor a model id
// resolves to.
type Generator struct {
	resolver Resolver
	tools    Toolset
	cfg      Config
	logger   *slog.Logger
}

// New creates a Generator. toolset backs the tool search mode and may
// be nil when no search backend is configured.
func New(resolver Resolver, toolset Toolset, logger *slog.Logger, cfg Config) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Generator{
		resolver: resolver,
		tools:    toolset,
		cfg:      cfg,
		logger:   logger.With("component", "generate"),
	}
}

// ChunkSize returns the configured chunk length in runes.
func (g *Generator) ChunkSize() int { return g.cfg.ChunkSize }

func (g *Generator) request(model string, msgs []llm.Message) llm.Request {
	return llm.Request{Model: model, Messages: msgs, MaxTokens: g.cfg.MaxTokens}
}

// Complete makes one non-streaming call and returns the text. It is the
// plain path used for side calls such as titles and evaluation.
func (g *Generator) Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error) {
	client, model, err := g.resolver.Resolve(modelID)
	if err != nil {
		return "", err
	}
	resp, err := client.Chat(ctx, g.request(model, msgs))
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Generate streams a plain answer. Vendor deltas are re-chunked into
// fixed-size KindChunk events followed by one KindResult. When the
// stream fails part way the returned Outcome holds the text already
// emitted alongside the error.
func (g *Generator) Generate(ctx context.Context, modelID string, msgs []llm.Message, emit EmitFunc) (*Outcome, error) {
	client, model, err := g.resolver.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	rc := NewRechunker(g.cfg.ChunkSize, emit.chunk)
	resp, err := client.ChatStream(ctx, g.request(model, msgs), rc.Write)
	rc.Flush()
	out := &Outcome{Text: rc.Text()}
	out.addResponse(resp)
	if err != nil {
		return out, err
	}

	emit.result(out)
	return out, nil
}

// NativeWebSearch answers with the vendor's built-in search. A status
// event precedes the call since the vendor gives no intermediate signal.
func (g *Generator) NativeWebSearch(ctx context.Context, modelID string, msgs []llm.Message, emit EmitFunc) (*Outcome, error) {
	client, model, err := g.resolver.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	emit.status(SearchingStatus)
	req := g.request(model, msgs)
	req.NativeWebSearch = true
	resp, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Text: resp.Text, WebSearch: resp.WebSearch}
	out.addResponse(resp)
	g.logger.Debug("native web search finished",
		"model", modelID,
		"queries", len(out.WebSearch),
		"sources", countSources(out.WebSearch),
	)
	g.finish(out, emit)
	return out, nil
}

// WithTools runs the tool-calling loop. Each round is one non-streaming
// call carrying the tool specs. Tool calls are executed in order and
// their results appended; a response without tool calls is final. The
// loop fails with *ToolLoopExceededError after MaxRounds calls.
func (g *Generator) WithTools(ctx context.Context, modelID string, msgs []llm.Message, ts Toolset, emit EmitFunc) (*Outcome, error) {
	client, model, err := g.resolver.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	// The caller's slice is never written to.
	current := make([]llm.Message, len(msgs), len(msgs)+4)
	copy(current, msgs)
	specs := ts.Specs()
	var meta []llm.WebSearchMeta
	var spent Outcome

	for round := 1; round <= g.cfg.MaxRounds; round++ {
		req := g.request(model, current)
		req.Tools = specs
		resp, err := client.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		spent.addResponse(resp)

		if len(resp.ToolCalls) == 0 {
			out := &Outcome{Text: resp.Text, WebSearch: meta}
			out.AddUsage(&spent)
			g.logger.Debug("tool loop finished", "model", modelID, "rounds", round, "sources", countSources(meta))
			g.finish(out, emit)
			return out, nil
		}

		g.logger.Debug("model requested tools", "model", modelID, "round", round, "calls", len(resp.ToolCalls))
		current = append(current, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if call.Name == tools.WebSearchName {
				emit.status(SearchingStatus)
			}
			res, err := ts.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				g.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
				res = tools.Result{Content: fmt.Sprintf("Error: %v", err)}
			}
			if res.Meta != nil {
				meta = append(meta, *res.Meta)
			}
			current = append(current, llm.Message{
				Role:       llm.RoleTool,
				Content:    res.Content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	return nil, &ToolLoopExceededError{Rounds: g.cfg.MaxRounds}
}

// Dispatch runs a search-enabled generation in the given mode. Off is
// an error: callers wanting plain output use Generate.
func (g *Generator) Dispatch(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit EmitFunc) (*Outcome, error) {
	switch mode {
	case searchmode.Native:
		return g.NativeWebSearch(ctx, modelID, msgs, emit)
	case searchmode.Tool:
		if g.tools == nil {
			return nil, fmt.Errorf("web search tool: no search backend configured")
		}
		return g.WithTools(ctx, modelID, msgs, g.tools, emit)
	case searchmode.Off:
		return nil, ErrWebSearchDisabled
	}
	return nil, fmt.Errorf("unknown web search mode %q", mode)
}

// Run picks Generate for Off and Dispatch otherwise.
func (g *Generator) Run(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit EmitFunc) (*Outcome, error) {
	if !mode.Enabled() {
		return g.Generate(ctx, modelID, msgs, emit)
	}
	return g.Dispatch(ctx, mode, modelID, msgs, emit)
}

// finish re-chunks a complete answer and emits the result.
func (g *Generator) finish(out *Outcome, emit EmitFunc) {
	for _, piece := range Chunk(out.Text, g.cfg.ChunkSize) {
		emit.chunk(piece)
	}
	emit.result(out)
}

func countSources(meta []llm.WebSearchMeta) int {
	n := 0
	for _, m := range meta {
		n += len(m.Results)
	}
	return n
}
