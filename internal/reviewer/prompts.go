package reviewer

import (
	"fmt"
	"strings"
)

// builtinDefinitionOfDone is the decision tree applied when the caller
// supplies no definitionOfDone: a handful of task-type rules, checked in
// order, with a generic fallback.
func builtinDefinitionOfDone(taskPrompt string) string {
	lower := strings.ToLower(taskPrompt)
	switch {
	case strings.Contains(lower, "test") && (strings.Contains(lower, "fix") || strings.Contains(lower, "pass")):
		return "all relevant tests pass and no test was skipped or deleted to achieve that"
	case strings.Contains(lower, "implement") || strings.Contains(lower, "add") || strings.Contains(lower, "write"):
		return "the described functionality is implemented, compiles, and is exercised by at least one test"
	case strings.Contains(lower, "refactor"):
		return "behavior is unchanged and the code is demonstrably cleaner by the stated measure"
	case strings.Contains(lower, "investigate") || strings.Contains(lower, "explain") || strings.Contains(lower, "why") || strings.Contains(lower, "what"):
		return "a clear, specific answer was given; no code changes are required"
	case strings.Contains(lower, "deploy") || strings.Contains(lower, "run") || strings.Contains(lower, "install") || strings.Contains(lower, "configure"):
		return "the described environment operation completed and its result was verified"
	default:
		return "the task as stated has been fully carried out with no remaining steps"
	}
}

// classificationPrompt builds the fixed reviewer prompt: declares the
// reviewer role, states the definition of done, attaches the worker's
// latest output, and demands a JSON-only response.
func classificationPrompt(workerOutput, taskPrompt, definitionOfDone string) string {
	dod := definitionOfDone
	if dod == "" {
		dod = builtinDefinitionOfDone(taskPrompt)
	}

	var b strings.Builder
	b.WriteString("You are reviewing the output of another coding assistant to decide whether it finished its task.\n")
	b.WriteString("Definition of done for this task: ")
	b.WriteString(dod)
	b.WriteString("\n\n")
	if taskPrompt != "" {
		b.WriteString("Original task:\n")
		b.WriteString(taskPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Worker output:\n")
	b.WriteString(workerOutput)
	b.WriteString("\n\n")
	b.WriteString("Respond with ONLY a JSON object, no prose before or after, of the exact form:\n")
	b.WriteString(`{"codeComplete": <bool>, "breakIteration": <bool>, "justification": "<short reason>"}`)
	b.WriteString("\nSet breakIteration to true only if the worker is stuck on permissions, workspace trust, an interactive prompt, or an access error that it cannot resolve itself.\n")
	return b.String()
}

// continuationPrompt builds the second reviewer call: plain-text resume
// instructions, given the task, its definition of done, and a truncated
// tail of the previous output.
func continuationPrompt(taskPrompt, definitionOfDone, previousOutput string) string {
	dod := definitionOfDone
	if dod == "" {
		dod = builtinDefinitionOfDone(taskPrompt)
	}

	tail := previousOutput
	if len(tail) > maxContinuationTailBytes {
		tail = tail[len(tail)-maxContinuationTailBytes:]
	}

	return fmt.Sprintf(
		"The previous attempt at this task did not reach completion.\n\nTask:\n%s\n\nDefinition of done: %s\n\nTail of the previous attempt's output:\n%s\n\nWrite plain-text instructions for continuing this task toward completion. Do not use JSON.",
		taskPrompt, dod, tail,
	)
}
