// Package orchestrator implements ExecutionOrchestrator: the two top-level
// state machines (ExecuteOnce, IterateToCompletion) that turn a Job into a
// Result by driving CommandRunner, MemoryStore, and the Reviewer together.
package orchestrator

import "time"

// Job is one request to run a natural-language task against a repository
// checkout.
//
// MaxIterations is nil when unset (IterateToCompletion applies the default
// budget), 0 when the caller explicitly wants the initial result verbatim
// with no Reviewer involvement, and otherwise the iteration cap.
type Job struct {
	Prompt         string
	Repository     string
	BranchName     string
	ConversationID string
	CallbackURL    string
	MaxIterations  *int
}

// Result is the outcome of an ExecuteOnce or IterateToCompletion call.
type Result struct {
	Success             bool      `json:"success"`
	ConversationID      string    `json:"conversationId"`
	Stdout              string    `json:"stdout"`
	Stderr              string    `json:"stderr"`
	ExitCode            *int      `json:"exitCode,omitempty"`
	Iterations          int       `json:"iterations,omitempty"`
	IterationError      string    `json:"iterationError,omitempty"`
	ReviewJustification string    `json:"reviewJustification,omitempty"`
	OriginalOutput      string    `json:"originalOutput,omitempty"`
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
}

// jobState is one entry in the orchestrator's active-job tracking map,
// generalized from a TaskExecution/executions-map tracking idiom: an
// introspection surface for /health and diagnostics, not part of the
// Result contract returned to callers.
type jobState struct {
	ConversationID string
	Repository     string
	StartedAt      time.Time
	Iteration      int
	Phase          string
}
