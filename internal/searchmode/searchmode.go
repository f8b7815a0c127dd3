// Package searchmode decides, once per request, how web search takes
// part in a generation: not at all, through the vendor's built-in search,
// or through the web_search tool backed by an external search service.
package searchmode

import "strings"

// Mode is a web search mode.
type Mode string

const (
	Off    Mode = "off"
	Native Mode = "native"
	Tool   Mode = "tool"
)

// legacyTool is the name stored chats and commands used for Tool before
// the search backend became pluggable.
const legacyTool = "tavily"

// Parse normalizes s into a Mode. It reports false for empty or
// unrecognized values.
func Parse(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Off):
		return Off, true
	case string(Native):
		return Native, true
	case string(Tool), legacyTool:
		return Tool, true
	}
	return "", false
}

// Normalize is Parse with a fallback for invalid input.
func Normalize(s string, fallback Mode) Mode {
	if m, ok := Parse(s); ok {
		return m
	}
	return fallback
}

// FromLegacy maps the old on/off toggle onto a mode.
func FromLegacy(enabled bool) Mode {
	if enabled {
		return Tool
	}
	return Off
}

// Enabled reports whether m performs any search.
func (m Mode) Enabled() bool { return m == Native || m == Tool }

func (m Mode) String() string { return string(m) }

// Chat is the chat-level search preference. Mode may be empty for chats
// written before explicit modes existed.
type Chat struct {
	Mode    string
	Enabled bool
}

// Resolve returns the chat's own mode: its explicit mode when valid,
// otherwise the legacy toggle.
func (c Chat) Resolve() Mode {
	if m, ok := Parse(c.Mode); ok {
		return m
	}
	return FromLegacy(c.Enabled)
}

// Command is the search preference a command declares.
type Command struct {
	Mode    string
	Enabled bool
}

// Resolve picks the mode for one request. An explicit command mode wins.
// A command without a mode but with the legacy toggle on inherits the
// chat's mode. Otherwise the chat decides, and a chat with nothing set
// resolves to Off. cmd is nil when no command was invoked.
func Resolve(cmd *Command, chat Chat) Mode {
	if cmd != nil {
		if m, ok := Parse(cmd.Mode); ok {
			return m
		}
		if cmd.Enabled {
			return inherit(chat)
		}
	}
	return chat.Resolve()
}

// inherit returns the chat mode for a command that asked for search.
// A chat with search off still searches, via the tool path, because the
// command explicitly requested it.
func inherit(chat Chat) Mode {
	if m := chat.Resolve(); m != Off {
		return m
	}
	return Tool
}
