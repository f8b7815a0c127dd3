package prompts

import "strings"

// memoryTemplate is sent to a small model after each reply to decide
// whether the turn revealed a durable fact about the user.
const memoryTemplate = `You are a memory filter for a personal assistant. Your job is to identify facts about the USER that will remain relevant and useful weeks or months into the future.

Guidelines for what to save:

SAVE facts that:
- Describe stable, enduring characteristics of the user (who they are, what they prefer, how they work, what they care about)
- Will help provide better assistance in future conversations, even months later
- Represent explicit information the user shared or confirmed
- Are about the user themselves, their preferences, habits, or important context

Examples worth saving:
- Personal attributes: "User is 6'4" tall", "User lives in New England", "User is a student"
- Preferences: "User prefers dark mode", "User uses imperial units", "User doesn't like spicy food"
- Important context: "User is allergic to cats", "User's main project is mandarin", "User has a cat named Lincoln"
- Work habits: "User prefers to work in the morning", "User uses Python for most projects"

DO NOT save:
- Transient actions: terminal commands, files created, one-off tasks, debugging steps
- Session-specific details: what happened in this specific conversation
- Questions or requests: "User asked about X" is not a fact about the user
- Temporary information: things that will be outdated soon
- Casual chat: opinions about movies/news, jokes, small talk
- Things already in existing memories or context (check below carefully)
- Facts that are only relevant right now, not weeks from now

Be selective. When in doubt, err on the side of NOT saving. Only save facts that are clearly valuable long-term.

Existing memories we already have (do not store something that repeats or is implied by these):
{existing_memories}{existing_context}

Reply with exactly one line:
- If nothing is worth saving: NOTHING
- If something is worth saving: the single fact in 1–2 short sentences (what we learned about the user that will be useful long-term).

User: {user_message}
Assistant: {assistant_message}`

// NamedText is a titled block of text, such as a context file.
type NamedText struct {
	Name string
	Text string
}

// MemoryExtractionPrompt fills tmpl for one finished turn. memories are
// the closest existing memories; contexts are the chat's context files,
// which the filter should not duplicate.
func MemoryExtractionPrompt(tmpl string, memories []string, contexts []NamedText, userMsg, assistantMsg string) string {
	existing := "No existing memories."
	if len(memories) > 0 {
		lines := make([]string, len(memories))
		for i, m := range memories {
			lines[i] = "- " + m
		}
		existing = strings.Join(lines, "\n")
	}

	var ctx string
	var lines []string
	for _, c := range contexts {
		if t := strings.TrimSpace(c.Text); t != "" {
			lines = append(lines, "- ["+c.Name+"]: "+t)
		}
	}
	if len(lines) > 0 {
		ctx = "\n\nExisting context (do not duplicate - this information is already available every time):\n" +
			strings.Join(lines, "\n")
	}

	return fill(tmpl,
		"{existing_memories}", existing,
		"{existing_context}", ctx,
		"{user_message}", userMsg,
		"{assistant_message}", assistantMsg,
	)
}
