package prompts

// chatTitleTemplate asks the namer model for a short chat title.
const chatTitleTemplate = "Generate an extremely short chat title: 2–4 words max, no punctuation. Reply with only the title, nothing else.\n\n{{SNIPPET}}"

// TitleSnippetRunes is how much of the first user message the namer sees.
const TitleSnippetRunes = 100

// ChatTitlePrompt fills tmpl with the start of the first user message.
func ChatTitlePrompt(tmpl, firstUserText string) string {
	snippet := firstUserText
	if r := []rune(snippet); len(r) > TitleSnippetRunes {
		snippet = string(r[:TitleSnippetRunes])
	}
	return fill(tmpl, "{{SNIPPET}}", snippet)
}
