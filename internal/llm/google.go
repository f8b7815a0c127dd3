package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/nugget/mandarin/internal/httpkit"
)

const (
	geminiAPIURL    = "https://generativelanguage.googleapis.com"
	geminiMaxTokens = 8192
)

// GoogleClient is a client for the Gemini generateContent API.
type GoogleClient struct {
	apiKey     string
	opts       adapterOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGoogleClient creates a new Gemini client.
func NewGoogleClient(apiKey string, logger *slog.Logger, opts ...Option) *GoogleClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleClient{
		apiKey:     apiKey,
		opts:       buildOptions(geminiAPIURL, geminiMaxTokens, opts),
		logger:     logger.With("provider", "google"),
		httpClient: newVendorHTTPClient(),
	}
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}                   `json:"googleSearch,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiCandidate struct {
	Content           *geminiContent     `json:"content"`
	FinishReason      string             `json:"finishReason"`
	GroundingMetadata *geminiGroundingMD `json:"groundingMetadata"`
}

type geminiGroundingMD struct {
	WebSearchQueries []string `json:"webSearchQueries"`
	GroundingChunks  []struct {
		Web *struct {
			URI   string `json:"uri"`
			Title string `json:"title"`
		} `json:"web"`
	} `json:"groundingChunks"`
	GroundingSupports []struct {
		Segment struct {
			Text string `json:"text"`
		} `json:"segment"`
		GroundingChunkIndices []int `json:"groundingChunkIndices"`
	} `json:"groundingSupports"`
}

func (c *GoogleClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.apiKey}
}

func (c *GoogleClient) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", c.opts.baseURL, url.PathEscape(model), method)
}

// Chat sends a non-streaming generateContent request.
func (c *GoogleClient) Chat(ctx context.Context, req Request) (*Response, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a request, streaming text via callback when non-nil.
func (c *GoogleClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	stream := callback != nil

	contents, system := convertToGemini(req.Messages)
	wire := geminiRequest{
		Contents:         contents,
		Tools:            convertToolsToGemini(req.Tools, req.NativeWebSearch),
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: c.opts.tokens(req)},
	}
	if system != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(contents),
		"tools", len(wire.Tools),
		"native_search", req.NativeWebSearch,
		"stream", stream,
		"system_len", len(system),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if data, err := json.Marshal(wire); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(data))
		}
	}

	target := c.endpoint(req.Model, "generateContent")
	if stream {
		target = c.endpoint(req.Model, "streamGenerateContent") + "?alt=sse"
	}
	resp, err := httpkit.PostJSON(ctx, c.httpClient, "google", target, c.headers(), wire)
	if err != nil {
		c.logger.Error("API error", "error", err)
		return nil, fmt.Errorf("google: %w", err)
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
	if out.Model == "" {
		out.Model = req.Model
	}
	if req.NativeWebSearch {
		out.WebSearch = withFallbackQuery(out.WebSearch, req.Messages)
	}
	return out, nil
}

// ListModels returns Gemini models with the "models/" prefix stripped,
// deduplicated and sorted by id.
func (c *GoogleClient) ListModels(ctx context.Context) []ModelInfo {
	var list struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := getJSON(ctx, c.httpClient, "google", c.opts.baseURL+"/v1beta/models?pageSize=1000", c.headers(), &list); err != nil {
		c.logger.Warn("list models failed", "error", err)
		return []ModelInfo{}
	}

	seen := make(map[string]bool)
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		id := strings.TrimPrefix(strings.TrimSpace(m.Name), "models/")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		name := strings.TrimSpace(m.DisplayName)
		if name == "" {
			name = id
		}
		out = append(out, ModelInfo{
			ID:               id,
			Name:             name,
			Provider:         "google",
			SupportedActions: m.SupportedGenerationMethods,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *GoogleClient) handleNonStreaming(ctx context.Context, body io.Reader) (*Response, error) {
	var resp geminiResponse
	if err := decodeBody("google", body, &resp); err != nil {
		return nil, err
	}
	result := convertFromGemini(&resp)
	result.Text = strings.TrimSpace(result.Text)

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

// handleStreaming reads SSE frames, each a complete GenerateContentResponse
// carrying the next slice of text.
func (c *GoogleClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*Response, error) {
	var (
		text    strings.Builder
		calls   []ToolCall
		last    geminiResponse
		finish  string
		version string
	)
	err := scanSSE(body, func(data []byte) error {
		var chunk geminiResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil // Skip malformed events
		}
		part := convertFromGemini(&chunk)
		if part.Text != "" {
			text.WriteString(part.Text)
			callback(part.Text)
		}
		for _, tc := range part.ToolCalls {
			tc.ID = fmt.Sprintf("call_%d", len(calls))
			calls = append(calls, tc)
		}
		if part.StopReason != "" {
			finish = part.StopReason
		}
		if chunk.ModelVersion != "" {
			version = chunk.ModelVersion
		}
		last = chunk
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Model:        version,
		Text:         text.String(),
		ToolCalls:    calls,
		StopReason:   finish,
		InputTokens:  last.UsageMetadata.PromptTokenCount,
		OutputTokens: last.UsageMetadata.CandidatesTokenCount,
	}
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Text),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Text)
	return resp, nil
}

// convertToGemini converts internal messages to Gemini contents. The
// assistant role becomes "model"; tool results become a user turn with a
// functionResponse part, merged when consecutive.
func convertToGemini(messages []Message) ([]geminiContent, string) {
	system, rest := SplitSystem(messages)
	var result []geminiContent

	for _, msg := range rest {
		switch msg.Role {
		case RoleAssistant:
			var parts []geminiPart
			if text := msg.Text(); text != "" {
				parts = append(parts, geminiPart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
			if len(parts) == 0 {
				parts = []geminiPart{{Text: ""}}
			}
			result = append(result, geminiContent{Role: "model", Parts: parts})

		case RoleTool:
			part := geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     msg.Name,
				Response: map[string]any{"result": msg.Text()},
			}}
			if n := len(result); n > 0 && result[n-1].Role == RoleUser && isFunctionResponses(result[n-1].Parts) {
				result[n-1].Parts = append(result[n-1].Parts, part)
				continue
			}
			result = append(result, geminiContent{Role: RoleUser, Parts: []geminiPart{part}})

		default:
			result = append(result, geminiContent{Role: RoleUser, Parts: geminiParts(msg)})
		}
	}
	return result, system
}

func isFunctionResponses(parts []geminiPart) bool {
	return len(parts) > 0 && parts[0].FunctionResponse != nil
}

func geminiParts(msg Message) []geminiPart {
	if len(msg.Parts) == 0 {
		return []geminiPart{{Text: msg.Content}}
	}
	var parts []geminiPart
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case PartImage:
			mime, data, ok := ParseDataURL(p.ImageURL)
			if !ok {
				continue
			}
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}})
		case PartFunctionResponse:
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     p.Name,
				Response: map[string]any{"result": p.Result},
			}})
		}
	}
	if len(parts) == 0 {
		parts = []geminiPart{{Text: ""}}
	}
	return parts
}

func convertToolsToGemini(specs []ToolSpec, nativeSearch bool) []geminiTool {
	var tools []geminiTool
	if len(specs) > 0 {
		var decls []geminiFunctionDeclaration
		for _, s := range specs {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			})
		}
		tools = append(tools, geminiTool{FunctionDeclarations: decls})
	}
	if nativeSearch {
		tools = append(tools, geminiTool{GoogleSearch: &struct{}{}})
	}
	return tools
}

// convertFromGemini reads the first candidate, concatenating its text
// parts and skipping thought parts. Function calls get synthesized IDs
// since Gemini does not assign any.
func convertFromGemini(resp *geminiResponse) *Response {
	var text strings.Builder
	var calls []ToolCall
	cites := newCitationSet()
	out := &Response{
		Model:        resp.ModelVersion,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	out.StopReason = cand.FinishReason
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p.Text != "" && !p.Thought {
				text.WriteString(p.Text)
			}
			if p.FunctionCall != nil {
				args := p.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				calls = append(calls, ToolCall{
					ID:        fmt.Sprintf("call_%d", len(calls)),
					Name:      p.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
	collectGrounding(cand.GroundingMetadata, cites)

	out.Text = text.String()
	out.ToolCalls = calls
	out.WebSearch = cites.meta()
	return out
}

// collectGrounding adds grounding chunks as sources, then uses support
// segments to fill snippets. Each support fills at most one source: its
// first valid chunk index.
func collectGrounding(g *geminiGroundingMD, cites *citationSet) {
	if g == nil {
		return
	}
	for _, q := range g.WebSearchQueries {
		cites.addQuery(q)
	}
	for _, ch := range g.GroundingChunks {
		if ch.Web != nil {
			cites.add(ch.Web.URI, ch.Web.Title, "")
		}
	}
	for _, s := range g.GroundingSupports {
		snippet := strings.TrimSpace(s.Segment.Text)
		if snippet == "" {
			continue
		}
		for _, idx := range s.GroundingChunkIndices {
			if idx < 0 || idx >= len(g.GroundingChunks) {
				continue
			}
			web := g.GroundingChunks[idx].Web
			if web == nil || strings.TrimSpace(web.URI) == "" {
				continue
			}
			cites.add(web.URI, web.Title, snippet)
			break
		}
	}
}
