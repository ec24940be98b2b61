package reviewer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/runner"
)

type fakeInvoker struct {
	responses []string
	errs      []error
	calls     []runner.Invocation
}

func (f *fakeInvoker) Execute(ctx context.Context, inv runner.Invocation) (runner.InvocationOutcome, error) {
	i := len(f.calls)
	f.calls = append(f.calls, inv)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var stdout string
	if i < len(f.responses) {
		stdout = f.responses[i]
	}
	return runner.InvocationOutcome{Stdout: stdout, Success: err == nil}, err
}

func testReviewer(responses ...string) (*Reviewer, *fakeInvoker) {
	fi := &fakeInvoker{responses: responses}
	return New(fi, "worker", logger.Default()), fi
}

func TestReviewParsesCompleteVerdict(t *testing.T) {
	r, fi := testReviewer(`{"codeComplete": true, "breakIteration": false, "justification": "done"}`)
	report, err := r.Review(context.Background(), "some output", ".", "implement X", "", time.Second)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if !report.CodeComplete {
		t.Errorf("expected codeComplete=true")
	}
	if len(fi.calls) != 1 {
		t.Errorf("expected exactly one invocation (no continuation prompt on completion), got %d", len(fi.calls))
	}
}

func TestReviewMarksInvocationsEphemeral(t *testing.T) {
	r, fi := testReviewer(`{"codeComplete": true, "breakIteration": false, "justification": "done"}`)
	_, _ = r.Review(context.Background(), "out", ".", "implement X", "", time.Second)
	if !fi.calls[0].Ephemeral {
		t.Errorf("expected classification invocation to be Ephemeral")
	}
}

func TestReviewSynthesizesContinuationWhenIncomplete(t *testing.T) {
	r, fi := testReviewer(
		`{"codeComplete": false, "breakIteration": false, "justification": "needs more work"}`,
		"please finish the remaining function",
	)
	report, err := r.Review(context.Background(), "partial output", ".", "implement X", "", time.Second)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if report.CodeComplete {
		t.Errorf("expected codeComplete=false")
	}
	if report.ContinuationPrompt == nil || *report.ContinuationPrompt != "please finish the remaining function" {
		t.Errorf("expected continuation prompt to be attached, got %+v", report.ContinuationPrompt)
	}
	if len(fi.calls) != 2 {
		t.Errorf("expected a second invocation for continuation synthesis, got %d", len(fi.calls))
	}
}

func TestReviewBreakIterationSkipsContinuation(t *testing.T) {
	r, fi := testReviewer(`{"codeComplete": false, "breakIteration": true, "justification": "needs permission"}`)
	report, err := r.Review(context.Background(), "blocked", ".", "implement X", "", time.Second)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if !report.BreakIteration {
		t.Errorf("expected breakIteration=true")
	}
	if report.ContinuationPrompt != nil {
		t.Errorf("expected no continuation prompt on escalation")
	}
	if len(fi.calls) != 1 {
		t.Errorf("expected only the classification call, got %d", len(fi.calls))
	}
}

func TestReviewStripsAnsiAndRecordedTurns(t *testing.T) {
	raw := "\x1b[32muser: hi\ncursor: hello\n\x1b[0m" + `{"codeComplete": true, "breakIteration": false, "justification": "ok"}`
	r, _ := testReviewer(raw)
	report, err := r.Review(context.Background(), "out", ".", "", "", time.Second)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if !report.CodeComplete {
		t.Errorf("expected parse to succeed despite ANSI/recorded-turn noise")
	}
}

func TestReviewParsesSnakeCaseVerdict(t *testing.T) {
	raw := `{"code_complete": true, "break_iteration": false, "justification": "ok"}`
	r, _ := testReviewer(raw)
	report, err := r.Review(context.Background(), "out", ".", "", "", time.Second)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if !report.CodeComplete {
		t.Errorf("expected snake_case codeComplete to parse")
	}
}

func TestReviewParseFailureReturnsError(t *testing.T) {
	r, _ := testReviewer("not json at all")
	_, err := r.Review(context.Background(), "out", ".", "implement X", "", time.Second)
	if !errors.Is(err, ErrReviewParseFailure) {
		t.Errorf("expected ErrReviewParseFailure, got %v", err)
	}
}

func TestFallbackReportInfersCompletionOnSuccessWithOutput(t *testing.T) {
	report := FallbackReport(true, true, "garbage")
	if !report.CodeComplete {
		t.Errorf("expected inferred completion")
	}
	if report.BreakIteration {
		t.Errorf("expected no escalation when inferring completion")
	}
}

func TestFallbackReportEscalatesOnEmptyOutput(t *testing.T) {
	report := FallbackReport(false, false, "garbage")
	if !report.BreakIteration {
		t.Errorf("expected escalation when worker produced nothing usable")
	}
}

func TestExtractBalancedObjectIgnoresBracesInsideStrings(t *testing.T) {
	raw := `prefix noise {"codeComplete": false, "breakIteration": false, "justification": "contains { and } in text"} trailing`
	obj, ok := extractBalancedObject(raw)
	if !ok {
		t.Fatalf("expected balanced object to be found")
	}
	var v rawVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		t.Fatalf("expected extracted object to parse as JSON: %v", err)
	}
	if v.CodeComplete == nil || *v.CodeComplete {
		t.Errorf("expected codeComplete=false")
	}
}
