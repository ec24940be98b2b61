// Package reviewer implements the Reviewer: a fixed-prompt classification
// pass over the worker's latest output, plus continuation-prompt synthesis
// when the worker is not yet done.
package reviewer

import "errors"

// ReviewReport is the Reviewer's verdict on one worker invocation.
type ReviewReport struct {
	CodeComplete      bool
	BreakIteration    bool
	Justification     string
	ContinuationPrompt *string
	RawOutput         string
}

// ErrReviewParseFailure signals that the reviewer's response could not be
// parsed into a ReviewReport. Callers synthesize a fallback report rather
// than propagating this as a hard failure (spec-level "parse-failure
// policy").
var ErrReviewParseFailure = errors.New("reviewer: could not parse response")

const maxContinuationTailBytes = 5 * 1024
