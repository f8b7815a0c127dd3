package chat

import (
	"context"
	"strings"

	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/prompts"
)

// Memory retrieval for the system prompt.
const (
	// recentMemories is how many of the newest memories back up
	// similarity search.
	recentMemories = 10

	// smallMemorySet is the size at or below which every recent memory
	// is included without a similarity search.
	smallMemorySet = 5

	memoryTopK = 5

	expandMaxLen = 100
	expandHint   = " height weight physical attributes user facts"
)

var firstPersonMarkers = []string{" i ", " my ", " me ", "am i", "do i", "what's my", "what is my"}

// ExpandQuery appends topic hints to short first-person questions such
// as "How tall am I?" so memory search finds personal facts.
func ExpandQuery(text string) string {
	if text == "" || len(text) > expandMaxLen {
		return text
	}
	lower := strings.ToLower(text)
	for _, m := range firstPersonMarkers {
		if strings.Contains(lower, m) {
			return strings.TrimSpace(text + expandHint)
		}
	}
	return text
}

// systemPrompt assembles the system message for one turn: the base
// prompt, the active rules, each context, and relevant memories.
func (s *Service) systemPrompt(ctx context.Context, contextIDs []string, query string, rules []*library.Rule) string {
	var parts []string

	base := prompts.SystemPrompt(s.prompts.Load(prompts.NameSystem), s.now(), s.cfg.Location, s.cfg.UserName)
	if base != "" {
		parts = append(parts, base)
	}
	if r := s.rulesSection(rules); r != "" {
		parts = append(parts, r)
	}
	for _, c := range s.library.ContextsByID(contextIDs) {
		parts = append(parts, "## Context: "+c.Name+"\n"+c.PromptBody())
	}
	if query != "" {
		if mem := s.relevantMemory(ctx, query); len(mem) > 0 {
			parts = append(parts, "## Relevant memory\n"+strings.Join(mem, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// rulesSection renders the active rules, or the legacy rules.md when
// no rule applies.
func (s *Service) rulesSection(rules []*library.Rule) string {
	var lines []string
	for _, r := range rules {
		if len(lines) == 0 {
			lines = append(lines, "## Rules")
		}
		lines = append(lines, "### "+r.Name)
		if r.Body != "" {
			lines = append(lines, library.DemoteHeadings(r.Body))
		}
	}
	if len(rules) == 0 {
		if legacy := s.library.LegacyRules(); legacy != "" {
			lines = append(lines, "## Rules", legacy)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n\n"))
}

// relevantMemory picks the memories to show the model. With only a few
// memories stored all of them are used; otherwise a similarity search
// runs, falling back to the newest memories when it finds nothing.
func (s *Service) relevantMemory(ctx context.Context, query string) []string {
	if s.memory == nil {
		return nil
	}
	recent, err := s.memory.Recent(ctx, recentMemories)
	if err != nil {
		s.logger.Warn("recent memories unavailable", "error", err)
	}
	fallback := make([]string, 0, len(recent))
	for _, m := range recent {
		fallback = append(fallback, m.Content)
	}
	if len(fallback) > 0 && len(fallback) <= smallMemorySet {
		return fallback
	}

	hits, err := s.memory.Query(ctx, ExpandQuery(query), memoryTopK, s.cfg.SimilarityThreshold)
	if err != nil {
		s.logger.Warn("memory search failed, using recent memories", "error", err)
	}
	if len(hits) == 0 {
		return fallback
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Content)
	}
	return out
}
