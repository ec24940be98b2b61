package reviewer

import (
	"encoding/json"
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// recordedTurnPrefixes are line prefixes that mark recorded conversation
// turns the worker sometimes echoes ahead of its actual JSON answer.
var recordedTurnPrefixes = []string{"user:", "cursor:"}

// rawVerdict accepts both the camelCase keys prompts.go asks for and the
// snake_case spelling so camelCase/snake_case variation in worker output
// still parses.
type rawVerdict struct {
	CodeComplete        *bool  `json:"codeComplete"`
	CodeCompleteSnake   *bool  `json:"code_complete"`
	BreakIteration      *bool  `json:"breakIteration"`
	BreakIterationSnake *bool  `json:"break_iteration"`
	Justification       string `json:"justification"`
}

// parseVerdict runs the classification protocol over raw reviewer output:
// strip ANSI escapes, normalize CRLF, drop any recorded-turn lines ahead of
// the first brace, locate the outermost balanced {...}, and parse it.
func parseVerdict(raw string) (ReviewReport, error) {
	cleaned := ansiEscape.ReplaceAllString(raw, "")
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = stripRecordedTurns(cleaned)

	jsonText, ok := extractBalancedObject(cleaned)
	if !ok {
		return ReviewReport{}, ErrReviewParseFailure
	}

	var v rawVerdict
	if err := json.Unmarshal([]byte(jsonText), &v); err != nil {
		return ReviewReport{}, ErrReviewParseFailure
	}
	codeComplete := v.CodeComplete
	if codeComplete == nil {
		codeComplete = v.CodeCompleteSnake
	}
	if codeComplete == nil {
		return ReviewReport{}, ErrReviewParseFailure
	}

	breakIteration := v.BreakIteration
	if breakIteration == nil {
		breakIteration = v.BreakIterationSnake
	}

	return ReviewReport{
		CodeComplete:   *codeComplete,
		BreakIteration: breakIteration != nil && *breakIteration,
		Justification:  v.Justification,
		RawOutput:      raw,
	}, nil
}

// stripRecordedTurns drops any leading lines starting with a recorded-turn
// prefix, up to (not including) the first line that contains an opening
// brace.
func stripRecordedTurns(s string) string {
	lines := strings.Split(s, "\n")
	firstBrace := -1
	for i, line := range lines {
		if strings.Contains(line, "{") {
			firstBrace = i
			break
		}
	}
	if firstBrace <= 0 {
		return s
	}

	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if i < firstBrace && hasRecordedTurnPrefix(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasRecordedTurnPrefix(line string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(line))
	for _, prefix := range recordedTurnPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// extractBalancedObject finds the first '{' and returns the substring up to
// its matching '}', counting brace depth and ignoring braces inside quoted
// strings.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
