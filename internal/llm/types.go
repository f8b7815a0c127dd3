package llm

import (
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText             = "text"
	PartImage            = "image"
	PartFunctionResponse = "function_response"
)

// Message is one turn in the vendor-neutral conversation. When Parts is
// non-empty it is the content and Content is ignored.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"` // For tool responses

	// Name is the tool name on a tool message. Gemini correlates
	// function responses by name rather than by ID.
	Name string `json:"name,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// ImageURL is always a data:<mime>;base64,<data> URL for images.
	ImageURL string `json:"image_url,omitempty"`

	// Name and Result carry a function_response part.
	Name   string `json:"name,omitempty"`
	Result string `json:"result,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart {
	return ContentPart{Type: PartText, Text: s}
}

// ImagePart builds an inline image part from a MIME type and base64 data.
func ImagePart(mimeType, b64 string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: "data:" + mimeType + ";base64," + b64}
}

// Text returns the textual content of the message: Content, or the text
// parts joined by newlines.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// ToolCall represents a tool call from the model. ID is the vendor's
// identifier, preserved verbatim so tool results correlate.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec declares a callable tool. Parameters is a JSON Schema object;
// each adapter renders it into its vendor's dialect.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SearchResult is one normalized web source.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}

// WebSearchMeta groups the sources found for one query. URLs are unique
// within an entry, compared case-insensitively.
type WebSearchMeta struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// ModelInfo describes a model a vendor reports as available.
type ModelInfo struct {
	ID               string   `json:"model"`
	Name             string   `json:"name"`
	Provider         string   `json:"provider"`
	SupportedActions []string `json:"supported_actions,omitempty"`
}
