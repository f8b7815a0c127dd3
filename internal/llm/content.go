package llm

import (
	"strings"
)

// DefaultSearchQuery is used for citation metadata when the conversation
// has no user text to fall back on.
const DefaultSearchQuery = "web search"

// SplitSystem separates system messages from the conversation. System
// texts are joined with newlines and trimmed.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.TrimSpace(strings.Join(system, "\n")), rest
}

// LastUserText returns the most recent non-empty user text, or
// DefaultSearchQuery.
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != RoleUser {
			continue
		}
		if t := strings.TrimSpace(m.Text()); t != "" {
			return t
		}
	}
	return DefaultSearchQuery
}

// ParseDataURL splits data:<mime>;base64,<data>. The MIME type is
// lowercased and defaults to image/png.
func ParseDataURL(u string) (mimeType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	mimeType, data, found = strings.Cut(strings.TrimSpace(rest), ";base64,")
	if !found {
		return "", "", false
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return mimeType, data, true
}

// citationSet accumulates search results for one query, dropping URLs
// already seen (case-insensitive). A duplicate that carries a snippet
// fills in an earlier entry that had none.
type citationSet struct {
	queries []string
	results []SearchResult
	byURL   map[string]int
}

func newCitationSet() *citationSet {
	return &citationSet{byURL: make(map[string]int)}
}

func (c *citationSet) addQuery(q string) {
	if q = strings.TrimSpace(q); q != "" {
		c.queries = append(c.queries, q)
	}
}

func (c *citationSet) add(url, title, snippet string) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	key := strings.ToLower(url)
	snippet = strings.TrimSpace(snippet)
	if i, ok := c.byURL[key]; ok {
		if snippet != "" && c.results[i].Snippet == "" {
			c.results[i].Snippet = snippet
			c.results[i].Content = snippet
		}
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = url
	}
	c.byURL[key] = len(c.results)
	c.results = append(c.results, SearchResult{
		Title:   title,
		URL:     url,
		Snippet: snippet,
		Content: snippet,
	})
}

// meta returns the normalized entry, or nil when no sources were found.
// The query is the first one the vendor reported, or empty.
func (c *citationSet) meta() []WebSearchMeta {
	if len(c.results) == 0 {
		return nil
	}
	var query string
	if len(c.queries) > 0 {
		query = c.queries[0]
	}
	return []WebSearchMeta{{Query: query, Results: c.results}}
}
