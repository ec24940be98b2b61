package reviewer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/runner"
	"github.com/agentrunner/agentrunner/internal/workerproto"
)

// Invoker is the subset of runner.Runner the Reviewer depends on, narrowed
// to keep this package's tests free of real subprocess spawning.
type Invoker interface {
	Execute(ctx context.Context, inv runner.Invocation) (runner.InvocationOutcome, error)
}

// Reviewer drives the external CLI a second way: not to do work, but to
// classify whether a prior invocation's output satisfies its task.
type Reviewer struct {
	invoker Invoker
	cliPath string
	log     *logger.Logger
}

// New builds a Reviewer over the given Invoker (normally a *runner.Runner
// shared with the orchestrator, so both draw from the same concurrency
// gate).
func New(invoker Invoker, cliPath string, log *logger.Logger) *Reviewer {
	return &Reviewer{
		invoker: invoker,
		cliPath: cliPath,
		log:     log.WithFields(zap.String("component", "reviewer")),
	}
}

// Review classifies workerOutput against taskPrompt/definitionOfDone and, if
// incomplete and non-escalating, synthesizes a continuation prompt. Every
// invocation this method makes is Ephemeral: never appended to conversation
// memory by the runner itself — isolation is the caller's (orchestrator's)
// responsibility at the memory layer, since the Reviewer has no memory
// handle at all.
func (r *Reviewer) Review(ctx context.Context, workerOutput, workingDirectory, taskPrompt, definitionOfDone string, timeout time.Duration) (ReviewReport, error) {
	prompt := classificationPrompt(workerOutput, taskPrompt, definitionOfDone)
	args := workerproto.BuildArgs(r.cliPath, prompt)

	outcome, err := r.invoker.Execute(ctx, runner.Invocation{
		Args:             args,
		WorkingDirectory: workingDirectory,
		HardTimeout:      int(timeout / time.Millisecond),
		IdleTimeout:      int(timeout / time.Millisecond),
		Ephemeral:        true,
	})
	if err != nil {
		r.log.Warn("reviewer invocation failed", zap.Error(err))
		return ReviewReport{}, err
	}

	report, parseErr := parseVerdict(outcome.Stdout)
	if parseErr != nil {
		r.log.Warn("reviewer response did not parse", zap.String("raw_output_preview", previewTail(outcome.Stdout, 200)))
		return ReviewReport{RawOutput: outcome.Stdout}, ErrReviewParseFailure
	}

	if !report.CodeComplete && !report.BreakIteration && taskPrompt != "" {
		cont, contErr := r.synthesizeContinuation(ctx, workingDirectory, taskPrompt, definitionOfDone, workerOutput, timeout)
		if contErr != nil {
			r.log.Warn("continuation prompt synthesis failed", zap.Error(contErr))
		} else {
			report.ContinuationPrompt = &cont
		}
	}

	return report, nil
}

func (r *Reviewer) synthesizeContinuation(ctx context.Context, workingDirectory, taskPrompt, definitionOfDone, previousOutput string, timeout time.Duration) (string, error) {
	prompt := continuationPrompt(taskPrompt, definitionOfDone, previousOutput)
	args := workerproto.BuildArgs(r.cliPath, prompt)

	outcome, err := r.invoker.Execute(ctx, runner.Invocation{
		Args:             args,
		WorkingDirectory: workingDirectory,
		HardTimeout:      int(timeout / time.Millisecond),
		IdleTimeout:      int(timeout / time.Millisecond),
		Ephemeral:        true,
	})
	if err != nil {
		return "", err
	}
	return outcome.Stdout, nil
}

// FallbackReport synthesizes a ReviewReport when Review itself could not
// produce one — either because the invocation errored or the response
// failed to parse. Per the parse-failure policy: infer completion if the
// underlying worker invocation succeeded with non-empty output (to avoid an
// infinite loop), otherwise escalate with the raw reviewer output as
// justification.
func FallbackReport(workerInvocationSucceeded bool, workerOutputNonEmpty bool, rawReviewerOutput string) ReviewReport {
	if workerInvocationSucceeded && workerOutputNonEmpty {
		return ReviewReport{
			CodeComplete:  true,
			Justification: "reviewer response could not be parsed; worker invocation succeeded with output, inferring completion",
			RawOutput:     rawReviewerOutput,
		}
	}
	return ReviewReport{
		BreakIteration: true,
		Justification:  "reviewer response could not be parsed and worker produced no usable output",
		RawOutput:      rawReviewerOutput,
	}
}

func previewTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
