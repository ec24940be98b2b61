package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentrunner/agentrunner/internal/common/errors"
	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/events"
	"github.com/agentrunner/agentrunner/internal/memory"
	"github.com/agentrunner/agentrunner/internal/reviewer"
	"github.com/agentrunner/agentrunner/internal/runner"
	"github.com/agentrunner/agentrunner/internal/streaming"
	"github.com/agentrunner/agentrunner/internal/workerproto"
)

const (
	defaultMaxIterations  = 5
	fallbackResumeText    = "Please continue debugging and resolving the previous issues."
	reviewAgentMemoryTag  = "[Review Agent Response]: "
	summarizationFraction = "reduce it to roughly one third of its length while preserving all decisions made and the context needed to continue the work"
)

// Invoker is the subset of runner.Runner the orchestrator depends on.
type Invoker interface {
	Execute(ctx context.Context, inv runner.Invocation) (runner.InvocationOutcome, error)
}

// Reviewing is the subset of reviewer.Reviewer the orchestrator depends on.
type Reviewing interface {
	Review(ctx context.Context, workerOutput, workingDirectory, taskPrompt, definitionOfDone string, timeout time.Duration) (reviewer.ReviewReport, error)
}

// Orchestrator implements ExecuteOnce and IterateToCompletion, generalizing
// an Executor's concurrency-aware tracking-map shape
// (executions map[string]*TaskExecution) to activeJobs map[string]*jobState.
type Orchestrator struct {
	runner   Invoker
	memory   memory.Store
	reviewer Reviewing

	cliPath          string
	repositoriesRoot string
	iterateTimeout   time.Duration

	log *logger.Logger

	mu         sync.RWMutex
	activeJobs map[string]*jobState

	// events is nil unless job-lifecycle publishing is configured; every
	// call site checks for nil since *events.Publisher's own methods are
	// nil-safe but a nil Orchestrator field avoids the indirection.
	events *events.Publisher

	// broadcaster is nil unless live WebSocket streaming is enabled.
	// *streaming.Hub.Broadcast is itself nil-safe.
	broadcaster *streaming.Hub
}

// SetEventPublisher wires an optional job-lifecycle event publisher. Safe
// to call with nil, which disables publishing.
func (o *Orchestrator) SetEventPublisher(p *events.Publisher) {
	o.events = p
}

// SetBroadcaster wires an optional live-streaming hub. Safe to call with
// nil, which disables streaming.
func (o *Orchestrator) SetBroadcaster(h *streaming.Hub) {
	o.broadcaster = h
}

// New builds an Orchestrator.
func New(r Invoker, m memory.Store, rv Reviewing, cliPath, repositoriesRoot string, iterateTimeout time.Duration, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		runner:           r,
		memory:           m,
		reviewer:         rv,
		cliPath:          cliPath,
		repositoriesRoot: repositoriesRoot,
		iterateTimeout:   iterateTimeout,
		log:              log.WithFields(zap.String("component", "orchestrator")),
		activeJobs:       make(map[string]*jobState),
	}
}

// ActiveJobCount reports the number of jobs currently in flight, for
// /health and diagnostics.
func (o *Orchestrator) ActiveJobCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeJobs)
}

func (o *Orchestrator) trackJob(id string, state *jobState) {
	o.mu.Lock()
	o.activeJobs[id] = state
	o.mu.Unlock()
}

func (o *Orchestrator) untrackJob(id string) {
	o.mu.Lock()
	delete(o.activeJobs, id)
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(id, phase string) {
	o.mu.Lock()
	var conversationID string
	if s, ok := o.activeJobs[id]; ok {
		s.Phase = phase
		conversationID = s.ConversationID
	}
	o.mu.Unlock()
	if conversationID != "" {
		o.broadcaster.Broadcast(streaming.Message{ConversationID: conversationID, Type: "phase", Phase: phase})
	}
}

// resolveWorkingDirectory validates and resolves the Job's repository
// against the configured repositories root.
func (o *Orchestrator) resolveWorkingDirectory(repository string) (string, error) {
	if repository == "" {
		return o.repositoriesRoot, nil
	}
	dir := filepath.Join(o.repositoriesRoot, repository)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", apperrors.NotFound("repository", repository)
	}
	return dir, nil
}

// ExecuteOnce runs a single worker invocation with no review loop.
func (o *Orchestrator) ExecuteOnce(ctx context.Context, job Job) (Result, error) {
	started := time.Now()

	if job.Prompt == "" {
		return Result{}, apperrors.BadRequest("prompt must not be empty")
	}
	workingDir, err := o.resolveWorkingDirectory(job.Repository)
	if err != nil {
		return Result{}, err
	}

	convID, err := o.memory.ResolveConversationId(ctx, memory.ConversationID(job.ConversationID))
	if err != nil {
		return Result{}, apperrors.InternalError("resolving conversation", err)
	}

	log := o.log.WithConversationID(string(convID))

	trackingID := string(convID) + ":" + fmt.Sprint(started.UnixNano())
	o.trackJob(trackingID, &jobState{ConversationID: string(convID), Repository: job.Repository, StartedAt: started, Phase: "executing"})
	defer o.untrackJob(trackingID)
	if o.events != nil {
		o.events.Started(string(convID), job.Repository)
	}

	rendered, err := o.memory.RenderContext(ctx, convID)
	if err != nil {
		log.Warn("failed to render context, proceeding with empty context", zap.Error(err))
	}
	fullPrompt := memory.RenderToText(rendered, job.Prompt)

	if err := o.memory.Append(ctx, convID, memory.RoleUser, job.Prompt); err != nil {
		log.Warn("failed to append current request to memory", zap.Error(err))
	}

	outcome, invErr := o.invokeWorker(ctx, workingDir, fullPrompt)
	if errors.Is(invErr, runner.ErrSpawn) {
		return Result{}, apperrors.InternalError("starting worker process", invErr)
	}
	result := o.resultFromOutcome(started, string(convID), outcome, invErr)

	combined := combinedOutput(outcome)
	if combined != "" {
		if err := o.memory.Append(ctx, convID, memory.RoleAssistant, combined); err != nil {
			log.Warn("failed to append assistant turn to memory", zap.Error(err))
		}
		o.broadcaster.Broadcast(streaming.Message{ConversationID: string(convID), Type: "output", Output: combined})
	}

	if matchesContextOverflow(combined) {
		o.summarize(ctx, convID, workingDir)
	}
	if envVar := matchAPIKeyError(combined); envVar != "" {
		log.Warn("api_key_error", zap.String("env_var", envVar))
	}

	if o.events != nil {
		o.events.Completed(string(convID), result.Success, 0, "")
	}

	return result, nil
}

// IterateToCompletion runs the initial invocation followed by a bounded
// Reviewer-driven resume loop.
func (o *Orchestrator) IterateToCompletion(ctx context.Context, job Job) (Result, error) {
	started := time.Now()

	if job.Prompt == "" {
		return Result{}, apperrors.BadRequest("prompt must not be empty")
	}
	workingDir, err := o.resolveWorkingDirectory(job.Repository)
	if err != nil {
		return Result{}, err
	}

	maxIterations := defaultMaxIterations
	if job.MaxIterations != nil {
		maxIterations = *job.MaxIterations
	}

	convID, err := o.memory.ResolveConversationId(ctx, memory.ConversationID(job.ConversationID))
	if err != nil {
		return Result{}, apperrors.InternalError("resolving conversation", err)
	}

	log := o.log.WithConversationID(string(convID))

	trackingID := string(convID) + ":" + fmt.Sprint(started.UnixNano())
	state := &jobState{ConversationID: string(convID), Repository: job.Repository, StartedAt: started, Phase: "initial"}
	o.trackJob(trackingID, state)
	defer o.untrackJob(trackingID)
	if o.events != nil {
		o.events.Started(string(convID), job.Repository)
	}

	rendered, err := o.memory.RenderContext(ctx, convID)
	if err != nil {
		log.Warn("failed to render context, proceeding with empty context", zap.Error(err))
	}
	fullPrompt := memory.RenderToText(rendered, job.Prompt)

	if err := o.memory.Append(ctx, convID, memory.RoleUser, job.Prompt); err != nil {
		log.Warn("failed to append current request to memory", zap.Error(err))
	}

	lastOutcome, invErr := o.invokeWorker(ctx, workingDir, fullPrompt)
	if errors.Is(invErr, runner.ErrSpawn) {
		return Result{}, apperrors.InternalError("starting worker process", invErr)
	}
	result := o.resultFromOutcome(started, string(convID), lastOutcome, invErr)

	var iterationError, reviewJustification, originalOutput string
	iterations := 0

	for i := 1; i <= maxIterations; i++ {
		iterations = i
		o.setPhase(trackingID, fmt.Sprintf("iteration-%d", i))

		combined := combinedOutput(lastOutcome)
		originalOutput = combined
		if combined != "" {
			if err := o.memory.Append(ctx, convID, memory.RoleAssistant, combined); err != nil {
				log.Warn("failed to append assistant turn to memory", zap.Error(err))
			}
			o.broadcaster.Broadcast(streaming.Message{ConversationID: string(convID), Type: "output", Output: combined})
		}

		if matchesContextOverflow(combined) {
			o.summarize(ctx, convID, workingDir)
		}
		if envVar := matchAPIKeyError(combined); envVar != "" {
			log.Warn("api_key_error", zap.String("env_var", envVar))
		}

		report, reviewErr := o.reviewer.Review(ctx, combined, workingDir, job.Prompt, "", o.iterateTimeout)
		if reviewErr != nil {
			report = reviewer.FallbackReport(invErr == nil, combined != "", report.RawOutput)
		}

		verdictNote := reviewAgentMemoryTag + report.Justification
		if err := o.memory.Append(ctx, convID, memory.RoleAssistant, verdictNote); err != nil {
			log.Warn("failed to append reviewer verdict to memory", zap.Error(err))
		}

		if report.BreakIteration {
			iterationError = report.Justification
			reviewJustification = report.Justification
			break
		}
		if report.CodeComplete {
			break
		}

		if i == maxIterations {
			iterationError = "exhausted iterations without reaching completion"
			reviewJustification = iterationError
			break
		}

		resumeText := fallbackResumeText
		if report.ContinuationPrompt != nil && *report.ContinuationPrompt != "" {
			resumeText = *report.ContinuationPrompt
		}
		if err := o.memory.Append(ctx, convID, memory.RoleUser, resumeText); err != nil {
			log.Warn("failed to append resume text to memory", zap.Error(err))
		}

		rendered, err = o.memory.RenderContext(ctx, convID)
		if err != nil {
			log.Warn("failed to render context for resume", zap.Error(err))
		}
		resumePrompt := memory.RenderToText(rendered, resumeText)

		lastOutcome, invErr = o.invokeWorker(ctx, workingDir, resumePrompt)
		if errors.Is(invErr, runner.ErrSpawn) {
			iterationError = "failed to start worker process: " + invErr.Error()
			break
		}
	}

	result = o.resultFromOutcome(started, string(convID), lastOutcome, invErr)
	result.Iterations = iterations
	result.IterationError = iterationError
	result.ReviewJustification = reviewJustification
	result.OriginalOutput = originalOutput

	// Success requires exitCode==0 and no iterationError.
	result.Success = result.Success && iterationError == ""

	if o.events != nil {
		o.events.Completed(string(convID), result.Success, iterations, iterationError)
	}

	return result, nil
}

// invokeWorker builds argv and runs it through the CommandRunner, preserving
// partial output via ExecError on timeout.
func (o *Orchestrator) invokeWorker(ctx context.Context, workingDir, prompt string) (runner.InvocationOutcome, error) {
	args := workerproto.BuildArgs(o.cliPath, prompt)
	return o.runner.Execute(ctx, runner.Invocation{
		Args:             args,
		WorkingDirectory: workingDir,
	})
}

// combinedOutput implements the Open-Question decision: combined
// stdout+stderr when stdout is empty, else stdout only.
func combinedOutput(outcome runner.InvocationOutcome) string {
	if outcome.Stdout != "" {
		return outcome.Stdout
	}
	return outcome.Stdout + outcome.Stderr
}

// resultFromOutcome builds a Result from an invocation outcome, unwrapping
// a *runner.ExecError to preserve partial output rather than losing it.
func (o *Orchestrator) resultFromOutcome(started time.Time, convID string, outcome runner.InvocationOutcome, invErr error) Result {
	finished := time.Now()

	if invErr != nil {
		var execErr *runner.ExecError
		if errors.As(invErr, &execErr) {
			return Result{
				Success:        false,
				ConversationID: convID,
				Stdout:         execErr.PartialStdout,
				Stderr:         execErr.PartialStderr,
				StartedAt:      started,
				FinishedAt:     finished,
			}
		}
		return Result{
			Success:        false,
			ConversationID: convID,
			StartedAt:      started,
			FinishedAt:     finished,
		}
	}

	return Result{
		Success:        outcome.Success,
		ConversationID: convID,
		Stdout:         outcome.Stdout,
		Stderr:         outcome.Stderr,
		ExitCode:       outcome.ExitCode,
		StartedAt:      started,
		FinishedAt:     finished,
	}
}

// summarize calls CommandRunner directly (not the Reviewer) and hands the
// result to MemoryStore.Summarize. Failures are
// logged and swallowed so the loop never breaks on a summarization error.
func (o *Orchestrator) summarize(ctx context.Context, convID memory.ConversationID, workingDir string) {
	err := o.memory.Summarize(ctx, convID, func(ctx context.Context, rendered string) (string, error) {
		prompt := fmt.Sprintf(
			"The following is a conversation context that has grown too large. Please %s, preserving every decision made and the essential context needed to continue the work. Respond with only the reduced context.\n\n%s",
			summarizationFraction, rendered,
		)
		args := workerproto.BuildArgs(o.cliPath, prompt)
		outcome, execErr := o.runner.Execute(ctx, runner.Invocation{
			Args:             args,
			WorkingDirectory: workingDir,
			Ephemeral:        true,
		})
		if execErr != nil {
			return "", execErr
		}
		return outcome.Stdout, nil
	})
	if err != nil {
		o.log.WithConversationID(string(convID)).Warn("summarization failed, continuing without it", zap.Error(err))
	}
}
