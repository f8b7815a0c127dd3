package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "user", Content: "What's new?"},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a helpful assistant.\nBe brief." {
		t.Errorf("expected joined system prompt, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != "user" || result[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", result[0].Role, result[1].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "Search two things."},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{
				{ID: "toolu_a", Name: "web_search", Arguments: map[string]any{"query": "go"}},
				{ID: "toolu_b", Name: "web_search", Arguments: map[string]any{"query": "rust"}},
			},
		},
		{Role: "tool", Content: "go results", ToolCallID: "toolu_a", Name: "web_search"},
		{Role: "tool", Content: "rust results", ToolCallID: "toolu_b", Name: "web_search"},
	}

	result, _ := convertToAnthropic(messages)

	if len(result) != 3 { // user, assistant with tool_use, one user turn with both tool_results
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistant, ok := result[1].Content.([]anthropicBlockParam)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicBlockParam")
	}
	if len(assistant) != 2 || assistant[0].Type != "tool_use" || assistant[0].ID != "toolu_a" {
		t.Errorf("unexpected tool_use blocks: %+v", assistant)
	}

	results, ok := result[2].Content.([]anthropicBlockParam)
	if !ok {
		t.Fatal("expected tool result content to be []anthropicBlockParam")
	}
	if result[2].Role != "user" {
		t.Errorf("tool results role = %q, want user", result[2].Role)
	}
	if len(results) != 2 {
		t.Fatalf("expected merged tool results, got %d", len(results))
	}
	if results[1].ToolUseID != "toolu_b" || results[1].Content != "rust results" {
		t.Errorf("unexpected second tool_result: %+v", results[1])
	}
}

func TestConvertToAnthropicImage(t *testing.T) {
	messages := []Message{{
		Role: "user",
		Parts: []ContentPart{
			TextPart("What is this?"),
			ImagePart("IMAGE/PNG", "aGVsbG8="),
			{Type: PartImage, ImageURL: "https://example.com/not-inline.png"},
		},
	}}

	result, _ := convertToAnthropic(messages)
	blocks, ok := result[0].Content.([]anthropicBlockParam)
	if !ok {
		t.Fatal("expected block content")
	}
	if len(blocks) != 2 {
		t.Fatalf("expected text and one image block, got %d", len(blocks))
	}
	img := blocks[1]
	if img.Type != "image" || img.Source == nil {
		t.Fatalf("expected image block, got %+v", img)
	}
	if img.Source.Type != "base64" || img.Source.MediaType != "image/png" || img.Source.Data != "aGVsbG8=" {
		t.Errorf("unexpected source: %+v", img.Source)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	specs := []ToolSpec{{Name: "web_search", Description: "Search", Parameters: map[string]any{"type": "object"}}}

	tools := convertToolsToAnthropic(specs, true)
	if len(tools) != 2 {
		t.Fatalf("expected client tool plus server tool, got %d", len(tools))
	}
	if tools[0].Name != "web_search" || tools[0].InputSchema == nil {
		t.Errorf("unexpected client tool: %+v", tools[0])
	}
	if tools[1].Type != anthropicWebSearchTool || tools[1].Name != "web_search" {
		t.Errorf("unexpected server tool: %+v", tools[1])
	}

	data, _ := json.Marshal(tools[1])
	if strings.Contains(string(data), "input_schema") {
		t.Errorf("server tool should not carry input_schema: %s", data)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	raw := `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "mystery_block", "payload": 1},
			{"type": "tool_use", "id": "toolu_01", "name": "web_search", "input": {"query": "weather"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 100, "output_tokens": 25}
	}`

	var resp anthropicResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := convertFromAnthropic(&resp)

	if result.Text != "Let me check." {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	tc := result.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "web_search" || tc.Arguments["query"] != "weather" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if result.InputTokens != 100 || result.OutputTokens != 25 {
		t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}
}

func TestConvertFromAnthropicNativeSearch(t *testing.T) {
	raw := `{
		"model": "claude-sonnet-4-5",
		"role": "assistant",
		"content": [
			{"type": "server_tool_use", "id": "srvtoolu_1", "name": "web_search", "input": {"query": "go 1.24 release"}},
			{"type": "web_search_tool_result", "tool_use_id": "srvtoolu_1", "content": [
				{"type": "web_search_result", "url": "https://go.dev/blog", "title": "Go Blog"},
				{"type": "web_search_result", "url": "HTTPS://GO.DEV/BLOG", "title": "Dup"},
				{"type": "web_search_result", "url": "https://tip.golang.org", "title": ""}
			]},
			{"type": "web_search_tool_result", "tool_use_id": "srvtoolu_2", "content": {"type": "web_search_tool_result_error", "error_code": "unavailable"}},
			{"type": "text", "text": "Go 1.24 shipped.", "citations": [
				{"type": "web_search_result_location", "url": "https://go.dev/blog", "title": "Go Blog", "cited_text": "Go 1.24 is released"},
				{"type": "web_search_result_location", "url": "https://go.dev/doc", "title": "Docs", "cited_text": "Release notes"}
			]}
		]
	}`

	var resp anthropicResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := convertFromAnthropic(&resp)

	if result.Text != "Go 1.24 shipped." {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.WebSearch) != 1 {
		t.Fatalf("expected one meta entry, got %d", len(result.WebSearch))
	}
	meta := result.WebSearch[0]
	if meta.Query != "go 1.24 release" {
		t.Errorf("Query = %q", meta.Query)
	}
	if len(meta.Results) != 3 {
		t.Fatalf("expected 3 deduplicated results, got %d: %+v", len(meta.Results), meta.Results)
	}
	if meta.Results[0].Snippet != "Go 1.24 is released" {
		t.Errorf("citation should fill missing snippet, got %q", meta.Results[0].Snippet)
	}
	if meta.Results[1].Title != "https://tip.golang.org" {
		t.Errorf("empty title should fall back to URL, got %q", meta.Results[1].Title)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"model":"claude-x","role":"assistant","content":[{"type":"text","text":"  answer  "}],"usage":{"input_tokens":3,"output_tokens":1}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil, WithBaseURL(srv.URL))
	resp, err := c.Chat(context.Background(), Request{
		Model:    "claude-x",
		Messages: []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "answer" {
		t.Errorf("Text = %q", resp.Text)
	}
	if got.System != "sys" || got.MaxTokens != anthropicMaxTokens || got.Stream {
		t.Errorf("unexpected wire request: %+v", got)
	}
}

func TestAnthropicClient_NativeSearchFallbackQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Type != anthropicWebSearchTool {
			t.Errorf("expected server web search tool, got %+v", req.Tools)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok","citations":[{"type":"web_search_result_location","url":"http://a","title":"A"}]}]}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithBaseURL(srv.URL))
	resp, err := c.Chat(context.Background(), Request{
		Model:           "claude-x",
		Messages:        []Message{{Role: "user", Content: "latest news"}},
		NativeWebSearch: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.WebSearch) != 1 || resp.WebSearch[0].Query != "latest news" {
		t.Errorf("expected fallback query from last user text, got %+v", resp.WebSearch)
	}
}

func TestAnthropicClient_Stream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"model":"claude-x","usage":{"input_tokens":7}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`not json`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	var deltas []string
	c := NewAnthropicClient("k", nil, WithBaseURL(srv.URL))
	resp, err := c.ChatStream(context.Background(), Request{Model: "claude-x", Messages: []Message{{Role: "user", Content: "hi"}}},
		func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(deltas, "") != "Hello" || resp.Text != "Hello" {
		t.Errorf("deltas = %q, text = %q", deltas, resp.Text)
	}
	if resp.StopReason != "end_turn" || resp.InputTokens != 7 || resp.OutputTokens != 2 {
		t.Errorf("unexpected response metadata: %+v", resp)
	}
}

func TestAnthropicClient_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithBaseURL(srv.URL))
	_, err := c.ChatStream(context.Background(), Request{Model: "m"}, func(string) {})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestAnthropicClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>gateway</html>")
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithBaseURL(srv.URL))
	_, err := c.Chat(context.Background(), Request{Model: "m"})
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Provider != "anthropic" {
		t.Fatalf("expected anthropic *ProtocolError, got %v", err)
	}
}

func TestAnthropicClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"claude-b","display_name":"B"},{"id":"claude-a"}]}`)
	}))
	defer srv.Close()

	models := NewAnthropicClient("k", nil, WithBaseURL(srv.URL)).ListModels(context.Background())
	if len(models) != 2 || models[0].ID != "claude-a" || models[0].Name != "claude-a" || models[1].Name != "B" {
		t.Errorf("unexpected models: %+v", models)
	}
}

func TestAnthropicClient_ListModelsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	models := NewAnthropicClient("k", nil, WithBaseURL(srv.URL)).ListModels(context.Background())
	if models == nil || len(models) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", models)
	}
}
