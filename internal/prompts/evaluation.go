package prompts

// evaluationTemplate asks a model to judge a command attempt. The
// verdict is read from whichever of YES or NO appears first.
const evaluationTemplate = `You are an evaluation agent. Review the following response to determine if it meets the success criteria while following the guidelines.

Task: {task}

Success Criteria:
{success_criteria}

Guidelines:
{guidelines}

User Instructions:
{user_instructions}

Assistant Response:
{assistant_response}

Does this response meet all success criteria while following the guidelines? Reply with YES or NO, then explain your reasoning.`

// Evaluation holds the parts of an evaluation prompt.
type Evaluation struct {
	Task              string
	SuccessCriteria   string
	Guidelines        string
	UserInstructions  string
	AssistantResponse string
}

// EvaluationPrompt fills tmpl. Blank fields read "(none)".
func EvaluationPrompt(tmpl string, e Evaluation) string {
	return fill(tmpl,
		"{task}", orNone(e.Task),
		"{success_criteria}", orNone(e.SuccessCriteria),
		"{guidelines}", orNone(e.Guidelines),
		"{user_instructions}", orNone(e.UserInstructions),
		"{assistant_response}", orNone(e.AssistantResponse),
	)
}
