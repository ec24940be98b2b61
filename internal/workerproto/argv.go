// Package workerproto builds the worker's argument vector the same way for
// every caller, so nothing downstream ever shell-interpolates a prompt.
package workerproto

// BuildArgs returns the canonical argument vector for a worker invocation.
// The final positional argument is always the full prompt (rendered context
// plus current request, or a continuation/summarization prompt). --resume is
// deliberately never used: conversation memory is owned by this service, not
// by the worker's own session feature.
func BuildArgs(cliPath, prompt string) []string {
	return []string{cliPath, "--model", "auto", "--print", "--force", prompt}
}
