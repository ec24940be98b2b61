package orchestrator

import "strings"

// contextOverflowPhrases are case-insensitive word sequences that, when all
// words of a phrase appear in order anywhere in the combined output (no
// limit on the distance between them), indicate the worker hit the
// underlying model's context window.
// Matching is intentionally loose (word-presence, not full-phrase regex)
// because different worker versions phrase this differently.
var contextOverflowPhrases = [][]string{
	{"context", "window", "too", "large"},
	{"context", "length", "exceeded"},
	{"token", "limit", "exceeded"},
	{"maximum", "context", "length"},
	{"context", "too", "long"},
}

// matchesContextOverflow reports whether combined worker output indicates a
// context-window overflow.
func matchesContextOverflow(output string) bool {
	lower := strings.ToLower(output)
	for _, words := range contextOverflowPhrases {
		if containsAllInOrder(lower, words) {
			return true
		}
	}
	return false
}

// containsAllInOrder reports whether every word appears in lower, each
// occurring no earlier than the previous match.
func containsAllInOrder(lower string, words []string) bool {
	pos := 0
	for _, w := range words {
		idx := strings.Index(lower[pos:], w)
		if idx < 0 {
			return false
		}
		pos += idx + len(w)
	}
	return true
}

// knownAPIKeyEnvVars is adapted from an
// internal/agent/credentials.knownAPIKeyPatterns: environment variable
// names that, if referenced in worker output alongside an auth-failure
// phrase, indicate a missing or invalid credential rather than a code
// defect.
var knownAPIKeyEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"HUGGINGFACE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"REPLICATE_API_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GCP_SERVICE_ACCOUNT_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
	"NPM_TOKEN",
}

var authFailurePhrases = []string{
	"unauthorized",
	"authentication failed",
	"invalid api key",
	"missing api key",
	"401",
	"403",
	"access denied",
	"not authorized",
}

// matchAPIKeyError returns the referenced env var name if output looks like
// an authentication failure tied to a known credential, else "".
func matchAPIKeyError(output string) string {
	lower := strings.ToLower(output)

	hasAuthFailure := false
	for _, phrase := range authFailurePhrases {
		if strings.Contains(lower, phrase) {
			hasAuthFailure = true
			break
		}
	}
	if !hasAuthFailure {
		return ""
	}

	for _, envVar := range knownAPIKeyEnvVars {
		if strings.Contains(output, envVar) {
			return envVar
		}
	}
	return ""
}
