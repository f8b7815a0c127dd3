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
	anthropicAPIURL        = "https://api.anthropic.com"
	anthropicAPIVersion    = "2023-06-01"
	anthropicWebSearchTool = "web_search_20260209"
	anthropicMaxTokens     = 20000
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	opts       adapterOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...Option) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		opts:       buildOptions(anthropicAPIURL, anthropicMaxTokens, opts),
		logger:     logger.With("provider", "anthropic"),
		httpClient: newVendorHTTPClient(),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicBlockParam
}

type anthropicBlockParam struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     any                   `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   string                `json:"content,omitempty"` // for tool_result
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicTool is either a client tool (name + input_schema) or a
// server tool identified by Type.
type anthropicTool struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

// anthropicBlock is a response content block. Only the fields of known
// block types are decoded; other types are skipped.
type anthropicBlock struct {
	Type      string              `json:"type"`
	Text      string              `json:"text,omitempty"`
	Citations []anthropicCitation `json:"citations,omitempty"`
	ID        string              `json:"id,omitempty"`
	Name      string              `json:"name,omitempty"`
	Input     json.RawMessage     `json:"input,omitempty"`
	ToolUseID string              `json:"tool_use_id,omitempty"`

	// Content is a result list for web_search_tool_result, or an error
	// object when the search failed.
	Content json.RawMessage `json:"content,omitempty"`
}

type anthropicCitation struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	CitedText string `json:"cited_text"`
}

type anthropicSearchResult struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	CitedText string `json:"cited_text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *AnthropicClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	stream := callback != nil

	msgs, systemPrompt := convertToAnthropic(req.Messages)
	tools := convertToolsToAnthropic(req.Tools, req.NativeWebSearch)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(tools),
		"native_search", req.NativeWebSearch,
		"stream", stream,
		"system_len", len(systemPrompt),
	)

	wire := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    systemPrompt,
		MaxTokens: c.opts.tokens(req),
		Stream:    stream,
		Tools:     tools,
	}
	if c.logger.Enabled(ctx, LevelTrace) {
		if data, err := json.Marshal(wire); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(data))
		}
	}

	resp, err := httpkit.PostJSON(ctx, c.httpClient, "anthropic", c.opts.baseURL+"/v1/messages", c.headers(), wire)
	if err != nil {
		c.logger.Error("API error", "error", err)
		return nil, fmt.Errorf("anthropic: %w", err)
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
func (c *AnthropicClient) ListModels(ctx context.Context) []ModelInfo {
	var list struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := getJSON(ctx, c.httpClient, "anthropic", c.opts.baseURL+"/v1/models?limit=100", c.headers(), &list); err != nil {
		c.logger.Warn("list models failed", "error", err)
		return []ModelInfo{}
	}
	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID == "" {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, ModelInfo{ID: m.ID, Name: name, Provider: "anthropic"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*Response, error) {
	var resp anthropicResponse
	if err := decodeBody("anthropic", body, &resp); err != nil {
		return nil, err
	}
	result := convertFromAnthropic(&resp)

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

func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*Response, error) {
	var (
		content     strings.Builder
		toolCalls   []ToolCall
		currentTool *anthropicBlock // Track in-progress tool_use block
		toolJSONBuf strings.Builder
		stopReason  string
		usage       anthropicUsage
		model       string
	)

	err := scanSSE(body, func(data []byte) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentTool = event.ContentBlock
				toolJSONBuf.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				callback(event.Delta.Text)
			case "input_json_delta":
				toolJSONBuf.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				toolCalls = append(toolCalls, ToolCall{
					ID:        currentTool.ID,
					Name:      currentTool.Name,
					Arguments: parseArguments(toolJSONBuf.String()),
				})
				currentTool = nil
			}

		case "message_delta":
			if event.Delta != nil {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return &ProtocolError{Provider: "anthropic", Err: fmt.Errorf("%s", msg)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Model:        model,
		Text:         content.String(),
		ToolCalls:    toolCalls,
		StopReason:   stopReason,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
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

// convertToAnthropic converts internal messages to Anthropic format.
// System messages move to the separate system prompt, and consecutive
// tool results are merged into one user turn.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	system, rest := SplitSystem(messages)
	var result []anthropicMessage

	for _, msg := range rest {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: RoleAssistant, Content: anthropicContent(msg)})
				continue
			}
			var blocks []anthropicBlockParam
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropicBlockParam{Type: "text", Text: text})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
				}
				blocks = append(blocks, anthropicBlockParam{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Name,
					Input: args,
				})
			}
			result = append(result, anthropicMessage{Role: RoleAssistant, Content: blocks})

		case RoleTool:
			block := anthropicBlockParam{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Text(),
			}
			if n := len(result); n > 0 && result[n-1].Role == RoleUser {
				if prev, ok := result[n-1].Content.([]anthropicBlockParam); ok && len(prev) > 0 && prev[0].Type == "tool_result" {
					result[n-1].Content = append(prev, block)
					continue
				}
			}
			result = append(result, anthropicMessage{Role: RoleUser, Content: []anthropicBlockParam{block}})

		default:
			result = append(result, anthropicMessage{Role: RoleUser, Content: anthropicContent(msg)})
		}
	}

	return result, system
}

// anthropicContent renders a plain message as a string, or as blocks
// when it has parts. Images are decoded from their data URL.
func anthropicContent(msg Message) any {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	var blocks []anthropicBlockParam
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, anthropicBlockParam{Type: "text", Text: p.Text})
		case PartImage:
			mime, data, ok := ParseDataURL(p.ImageURL)
			if !ok {
				continue
			}
			blocks = append(blocks, anthropicBlockParam{
				Type:   "image",
				Source: &anthropicImageSource{Type: "base64", MediaType: mime, Data: data},
			})
		case PartFunctionResponse:
			blocks = append(blocks, anthropicBlockParam{Type: "text", Text: p.Result})
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return blocks
}

// convertToolsToAnthropic renders tool specs in Anthropic's dialect,
// adding the server-side web search tool when requested.
func convertToolsToAnthropic(specs []ToolSpec, nativeSearch bool) []anthropicTool {
	var result []anthropicTool
	for _, s := range specs {
		params := any(s.Parameters)
		if s.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: params,
		})
	}
	if nativeSearch {
		result = append(result, anthropicTool{Type: anthropicWebSearchTool, Name: "web_search"})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal
// format. Only text blocks contribute to Text; search blocks and
// citations feed WebSearch.
func convertFromAnthropic(resp *anthropicResponse) *Response {
	var text strings.Builder
	var toolCalls []ToolCall
	cites := newCitationSet()

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			for _, c := range block.Citations {
				if c.Type != "" && c.Type != "web_search_result_location" && c.Type != "url_citation" {
					continue
				}
				cites.add(c.URL, c.Title, c.CitedText)
			}

		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: parseArguments(string(block.Input)),
			})

		case "server_tool_use":
			if block.Name != "" && block.Name != "web_search" {
				continue
			}
			args := parseArguments(string(block.Input))
			q, _ := args["query"].(string)
			if q == "" {
				q, _ = args["q"].(string)
			}
			cites.addQuery(q)

		case "web_search_tool_result":
			// An error result is an object, not a list.
			var items []anthropicSearchResult
			if err := json.Unmarshal(block.Content, &items); err != nil {
				continue
			}
			for _, it := range items {
				if it.Type != "web_search_result" {
					continue
				}
				snippet := it.Snippet
				if snippet == "" {
					snippet = it.CitedText
				}
				cites.add(it.URL, it.Title, snippet)
			}
		}
	}

	return &Response{
		Model:        resp.Model,
		Text:         strings.TrimSpace(text.String()),
		ToolCalls:    toolCalls,
		WebSearch:    cites.meta(),
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

// parseArguments decodes a JSON object of tool arguments. Anything that
// is not an object is preserved under "_raw".
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// withFallbackQuery fills an empty query with the last user text.
func withFallbackQuery(meta []WebSearchMeta, messages []Message) []WebSearchMeta {
	for i := range meta {
		if meta[i].Query == "" {
			meta[i].Query = LastUserText(messages)
		}
	}
	return meta
}

func countSources(meta []WebSearchMeta) int {
	n := 0
	for _, m := range meta {
		n += len(m.Results)
	}
	return n
}
