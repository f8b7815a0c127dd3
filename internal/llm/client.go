// Package llm normalizes the OpenAI, Anthropic and Google Gemini chat
// APIs behind one [Client] interface. Each adapter owns a typed wire
// model for its vendor; nothing outside this package sees vendor JSON.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends one non-streaming request and returns the response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// ChatStream sends a request, passing text deltas to callback as they
	// arrive. A nil callback behaves like Chat.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error)

	// ListModels reports the vendor's models. It never fails: errors are
	// logged and an empty list is returned.
	ListModels(ctx context.Context) []ModelInfo
}

// Request is a vendor-neutral chat request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec

	// NativeWebSearch asks the vendor to use its own search capability.
	NativeWebSearch bool

	// MaxTokens caps output. Zero means the adapter default.
	MaxTokens int
}

// Response is the unified response from any LLM provider.
type Response struct {
	Model     string
	Text      string
	ToolCalls []ToolCall

	// WebSearch holds normalized citation metadata from native search.
	WebSearch []WebSearchMeta

	StopReason   string
	InputTokens  int
	OutputTokens int
}

// StreamCallback receives incremental text.
type StreamCallback func(delta string)

// Option configures an adapter.
type Option func(*adapterOptions)

type adapterOptions struct {
	baseURL   string
	maxTokens int
}

// WithBaseURL points an adapter at a different endpoint, such as a proxy
// or a test server.
func WithBaseURL(u string) Option {
	return func(o *adapterOptions) { o.baseURL = u }
}

// WithDefaultMaxTokens sets the output cap used when a Request has none.
func WithDefaultMaxTokens(n int) Option {
	return func(o *adapterOptions) { o.maxTokens = n }
}

func buildOptions(defaultURL string, defaultMax int, opts []Option) adapterOptions {
	o := adapterOptions{baseURL: defaultURL, maxTokens: defaultMax}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o adapterOptions) tokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return o.maxTokens
}
