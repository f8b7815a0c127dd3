package prompts

import "time"

// systemTemplate is the base of every chat's system prompt. Rules,
// contexts and memory sections are appended after it.
const systemTemplate = `# Role

You are a personal assistant. Use the Rules, Context, and Relevant memory sections below when provided.`

// SystemPrompt substitutes {{DATE}}, {{DAY}}, {{TIME}} and {{USER_NAME}}
// in tmpl. Times are rendered in loc; an empty userName reads "the user".
func SystemPrompt(tmpl string, now time.Time, loc *time.Location, userName string) string {
	if loc == nil {
		loc = time.Local
	}
	if userName == "" {
		userName = "the user"
	}
	now = now.In(loc)
	return fill(tmpl,
		"{{DATE}}", now.Format("Monday, January 02, 2006"),
		"{{DAY}}", now.Format("Monday"),
		"{{TIME}}", now.Format("3:04 PM MST"),
		"{{USER_NAME}}", userName,
	)
}
