package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/nugget/mandarin/internal/httpkit"
)

const (
	openAIAPIURL    = "https://api.openai.com"
	openAIMaxTokens = 16384
)

// OpenAIClient is a client for the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey     string
	opts       adapterOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string, logger *slog.Logger, opts ...Option) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		opts:       buildOptions(openAIAPIURL, openAIMaxTokens, opts),
		logger:     logger.With("provider", "openai"),
		httpClient: newVendorHTTPClient(),
	}
}

type openAIRequest struct {
	Model               string               `json:"model"`
	Messages            []openAIMessage      `json:"messages"`
	Tools               []openAITool         `json:"tools,omitempty"`
	Stream              bool                 `json:"stream,omitempty"`
	StreamOptions       *openAIStreamOptions `json:"stream_options,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
	WebSearchOptions    *struct{}            `json:"web_search_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string, []openAIPart or nil
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"` // JSON-encoded object
	} `json:"function"`
}

type openAIResponse struct {
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Message      openAIResponseMessage `json:"message"`
	Delta        openAIResponseMessage `json:"delta"`
	FinishReason string                `json:"finish_reason"`
}

type openAIResponseMessage struct {
	Role        string             `json:"role"`
	Content     *string            `json:"content"`
	ToolCalls   []openAIToolCall   `json:"tool_calls,omitempty"`
	Annotations []openAIAnnotation `json:"annotations,omitempty"`
}

type openAIAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL        string `json:"url"`
		Title      string `json:"title"`
		StartIndex int    `json:"start_index"`
		EndIndex   int    `json:"end_index"`
	} `json:"url_citation"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	stream := callback != nil

	wire := openAIRequest{
		Model:               req.Model,
		Messages:            convertToOpenAI(req.Messages),
		Tools:               convertToolsToOpenAI(req.Tools),
		Stream:              stream,
		MaxCompletionTokens: c.opts.tokens(req),
	}
	if stream {
		wire.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if req.NativeWebSearch {
		wire.WebSearchOptions = &struct{}{}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
		"native_search", req.NativeWebSearch,
		"stream", stream,
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if data, err := json.Marshal(wire); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(data))
		}
	}

	resp, err := httpkit.PostJSON(ctx, c.httpClient, "openai", c.opts.baseURL+"/v1/chat/completions", c.headers(), wire)
	if err != nil {
		c.logger.Error("API error", "error", err)
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	var out *Response
	if stream {
		out, err = c.handleStreaming(ctx, resp.Body, callback)
	} else {
		out, err = c.handleNonStreaming(ctx, resp.Body)
	}
	if err != nil {
		return nil, err
	}
	if req.NativeWebSearch {
		out.WebSearch = withFallbackQuery(out.WebSearch, req.Messages)
	}
	return out, nil
}

// ListModels returns the models visible to this API key.
func (c *OpenAIClient) ListModels(ctx context.Context) []ModelInfo {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := getJSON(ctx, c.httpClient, "openai", c.opts.baseURL+"/v1/models", c.headers(), &list); err != nil {
		c.logger.Warn("list models failed", "error", err)
		return []ModelInfo{}
	}
	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			out = append(out, ModelInfo{ID: m.ID, Name: m.ID, Provider: "openai"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *OpenAIClient) handleNonStreaming(ctx context.Context, body io.Reader) (*Response, error) {
	var resp openAIResponse
	if err := decodeBody("openai", body, &resp); err != nil {
		return nil, err
	}
	result := convertFromOpenAI(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolCalls),
		"sources", countSources(result.WebSearch),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text)
	return result, nil
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*Response, error) {
	var (
		content   strings.Builder
		calls     = map[int]*openAIToolCall{}
		order     []int
		finish    string
		model     string
		usage     openAIUsage
		annotated []openAIAnnotation
	)

	err := scanSSE(body, func(data []byte) error {
		var chunk openAIResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil // Skip malformed events
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			d := choice.Delta
			if d.Content != nil && *d.Content != "" {
				content.WriteString(*d.Content)
				callback(*d.Content)
			}
			annotated = append(annotated, d.Annotations...)
			for _, tc := range d.ToolCalls {
				cur, ok := calls[tc.Index]
				if !ok {
					cur = &openAIToolCall{Index: tc.Index}
					calls[tc.Index] = cur
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Function.Name = tc.Function.Name
				}
				cur.Function.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var toolCalls []ToolCall
	for _, idx := range order {
		tc := calls[idx]
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}

	resp := &Response{
		Model:        model,
		Text:         content.String(),
		ToolCalls:    toolCalls,
		WebSearch:    openAICitations(annotated),
		StopReason:   finish,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Text),
		"tool_calls", len(resp.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Text)
	return resp, nil
}

// convertToOpenAI converts internal messages to chat completion messages.
// System messages are joined into one leading system message.
func convertToOpenAI(messages []Message) []openAIMessage {
	system, rest := SplitSystem(messages)
	var result []openAIMessage
	if system != "" {
		result = append(result, openAIMessage{Role: RoleSystem, Content: system})
	}

	for _, msg := range rest {
		switch msg.Role {
		case RoleAssistant:
			out := openAIMessage{Role: RoleAssistant, Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				call := openAIToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(raw)
				out.ToolCalls = append(out.ToolCalls, call)
			}
			result = append(result, out)

		case RoleTool:
			result = append(result, openAIMessage{
				Role:       RoleTool,
				Content:    msg.Text(),
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openAIMessage{Role: RoleUser, Content: openAIContent(msg)})
		}
	}
	return result
}

func openAIContent(msg Message) any {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	var parts []openAIPart
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, openAIPart{Type: "text", Text: p.Text})
		case PartImage:
			if _, _, ok := ParseDataURL(p.ImageURL); ok {
				parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: p.ImageURL}})
			}
		case PartFunctionResponse:
			parts = append(parts, openAIPart{Type: "text", Text: p.Result})
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return parts
}

func convertToolsToOpenAI(specs []ToolSpec) []openAITool {
	var result []openAITool
	for _, s := range specs {
		result = append(result, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return result
}

// convertFromOpenAI reads the first choice. The message's content
// string is the whole text.
func convertFromOpenAI(resp *openAIResponse) *Response {
	out := &Response{Model: resp.Model}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.PromptTokens
		out.OutputTokens = resp.Usage.CompletionTokens
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != nil {
		out.Text = strings.TrimSpace(*choice.Message.Content)
	}
	out.StopReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	out.WebSearch = openAICitations(choice.Message.Annotations)
	return out
}

func openAICitations(annotations []openAIAnnotation) []WebSearchMeta {
	cites := newCitationSet()
	for _, a := range annotations {
		if a.Type != "url_citation" {
			continue
		}
		cites.add(a.URLCitation.URL, a.URLCitation.Title, "")
	}
	return cites.meta()
}
