package prompts

import "fmt"

// taskTemplate frames a command invocation as the user's turn.
const taskTemplate = `## Task

{task}

## Guidelines

{guidelines}

## User message

{user_instructions}`

// feedbackPrefix is prepended on a retry so the model sees why the last
// attempt was rejected.
const feedbackPrefix = "Previous attempt did not meet success criteria. Evaluation feedback: %s\n\nPlease try again, addressing the feedback.\n\n"

// TaskPrompt fills tmpl for one command attempt. previousFeedback is
// the evaluator's reply to the prior attempt, or "" on the first.
func TaskPrompt(tmpl, task, guidelines, userInstructions, previousFeedback string) string {
	body := fill(tmpl,
		"{task}", task,
		"{guidelines}", guidelines,
		"{user_instructions}", userInstructions,
	)
	if previousFeedback == "" {
		return body
	}
	return fmt.Sprintf(feedbackPrefix, previousFeedback) + body
}
