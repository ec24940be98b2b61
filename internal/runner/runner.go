package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

const (
	defaultHardTimeout  = 30 * time.Minute
	defaultIdleTimeout  = 10 * time.Minute
	safetyTimeoutExtra  = 5 * time.Second
	heartbeatInterval   = 30 * time.Second
	idlePollInterval    = 500 * time.Millisecond
	completionFlushWait = 100 * time.Millisecond
)

// Runner is the CommandRunner: it executes one invocation of the external
// worker binary at a time per concurrency slot, guaranteeing no leaked
// child processes, bounded parallelism, preserved partial output across
// timeouts, and a hard cap on accumulated output size.
type Runner struct {
	gate           *waitGate
	maxOutputBytes int
	defaultHard    time.Duration
	defaultIdle    time.Duration
	log            *logger.Logger
}

// New creates a Runner with the given concurrency capacity and default
// timeouts/output cap. Per-Invocation HardTimeout/IdleTimeout override the
// defaults when non-zero.
func New(maxConcurrent, maxOutputBytes int, hardTimeout, idleTimeout time.Duration, log *logger.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if hardTimeout <= 0 {
		hardTimeout = defaultHardTimeout
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Runner{
		gate:           newWaitGate(maxConcurrent),
		maxOutputBytes: maxOutputBytes,
		defaultHard:    hardTimeout,
		defaultIdle:    idleTimeout,
		log:            log.WithFields(zap.String("component", "runner")),
	}
}

// QueueStatus reports the current concurrency-gate occupancy for diagnostics.
func (r *Runner) QueueStatus() QueueStatus {
	return r.gate.status()
}

// Execute runs one invocation to completion or to a terminating timeout,
// acquiring the concurrency gate for its entire duration. The gate is
// released exactly once per call, on every return path, via defer.
func (r *Runner) Execute(ctx context.Context, inv Invocation) (InvocationOutcome, error) {
	if err := r.acquire(ctx); err != nil {
		return InvocationOutcome{}, err
	}
	defer func() { <-r.gate.slots }()

	return r.execute(ctx, inv)
}

func (r *Runner) acquire(ctx context.Context) error {
	select {
	case r.gate.slots <- struct{}{}:
		return nil
	default:
	}

	r.gate.waiting.Add(1)
	defer r.gate.waiting.Add(-1)
	r.log.Info("waiting for an execution slot", zap.Int("waiting", int(r.gate.waiting.Load())))

	select {
	case r.gate.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, inv Invocation) (InvocationOutcome, error) {
	hardTimeout := r.defaultHard
	if inv.HardTimeout > 0 {
		hardTimeout = time.Duration(inv.HardTimeout) * time.Millisecond
	}
	idleTimeout := r.defaultIdle
	if inv.IdleTimeout > 0 {
		idleTimeout = time.Duration(inv.IdleTimeout) * time.Millisecond
	}
	safetyTimeout := hardTimeout + safetyTimeoutExtra

	if len(inv.Args) == 0 {
		return InvocationOutcome{}, fmt.Errorf("%w: empty argument vector", ErrSpawn)
	}

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.WorkingDirectory
	cmd.Env = buildEnv(inv.Env)
	cmd.Stdin = nil
	applySysProcAttr(cmd)

	var (
		totalSize  atomic.Int64
		lastByteAt atomic.Int64
		observed   atomic.Bool
		overflowed atomic.Bool
		completed  atomic.Bool
		timedOut   atomic.Value // string: "hard" | "idle" | "safety" | ""
	)
	lastByteAt.Store(time.Now().UnixNano())
	timedOut.Store("")

	var terminateOnce sync.Once
	terminate := func(reason string) {
		terminateOnce.Do(func() {
			r.log.Warn("terminating invocation", zap.String("reason", reason), zap.Strings("args", inv.Args))
			killProcessGroup(cmd)
		})
	}

	cmd.Stdout = newOutputSink("stdout", &totalSize, &lastByteAt, &observed, &overflowed, r.maxOutputBytes, r.log, func() {
		terminate("output cap exceeded")
	})
	cmd.Stderr = newOutputSink("stderr", &totalSize, &lastByteAt, &observed, &overflowed, r.maxOutputBytes, r.log, func() {
		terminate("output cap exceeded")
	})

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return InvocationOutcome{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	r.log.Info("invocation started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", inv.Args))

	hardTimer := time.AfterFunc(hardTimeout, func() {
		if completed.Load() {
			return
		}
		timedOut.Store("hard")
		terminate("hard timeout")
	})
	safetyTimer := time.AfterFunc(safetyTimeout, func() {
		if completed.Load() {
			return
		}
		timedOut.Store("safety")
		terminate("safety timeout")
	})

	monitorDone := make(chan struct{})
	go r.monitor(monitorDoneCtx{
		ctx:        ctx,
		done:       monitorDone,
		completed:  &completed,
		observed:   &observed,
		lastByteAt: &lastByteAt,
		totalSize:  &totalSize,
		timedOut:   &timedOut,
		idleTimeout: idleTimeout,
		startedAt:  startedAt,
		hardTimeout: hardTimeout,
		terminate:  terminate,
	})

	waitErr := cmd.Wait()
	completed.Store(true)
	close(monitorDone)
	hardTimer.Stop()
	safetyTimer.Stop()

	kind, _ := timedOut.Load().(string)
	if kind == "" {
		time.Sleep(completionFlushWait)
	}

	stdout := cmd.Stdout.(*outputSink).String()
	stderr := cmd.Stderr.(*outputSink).String()

	if kind != "" {
		var sentinel error
		switch kind {
		case "hard":
			sentinel = ErrHardTimeout
		case "idle":
			sentinel = ErrIdleTimeout
		case "safety":
			sentinel = ErrSafety
		}
		return InvocationOutcome{
				ExitCode: exitCodeOf(waitErr, cmd),
				Stdout:   stdout,
				Stderr:   stderr,
				Success:  false,
			}, &ExecError{Err: sentinel, PartialStdout: stdout, PartialStderr: stderr}
	}

	if overflowed.Load() {
		return InvocationOutcome{
				ExitCode: exitCodeOf(waitErr, cmd),
				Stdout:   stdout,
				Stderr:   stderr,
				Success:  false,
			}, &ExecError{Err: ErrOutputTooLarge, PartialStdout: stdout, PartialStderr: stderr}
	}

	return InvocationOutcome{
		ExitCode: exitCodeOf(waitErr, cmd),
		Stdout:   stdout,
		Stderr:   stderr,
		Success:  waitErr == nil,
	}, nil
}

type monitorDoneCtx struct {
	ctx         context.Context
	done        chan struct{}
	completed   *atomic.Bool
	observed    *atomic.Bool
	lastByteAt  *atomic.Int64
	totalSize   *atomic.Int64
	timedOut    *atomic.Value
	idleTimeout time.Duration
	hardTimeout time.Duration
	startedAt   time.Time
	terminate   func(reason string)
}

// monitor polls for the idle-timeout condition and emits heartbeat
// diagnostics, and terminates the invocation on caller cancellation. It
// exits when its done channel is closed; the caller sets the completed flag
// before closing that channel, and any idle or heartbeat tick that observes
// the flag does nothing — closing the race between a tick and a
// concurrently exiting process.
func (r *Runner) monitor(m monitorDoneCtx) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(idlePollInterval)
	defer poll.Stop()

	var lastHeartbeatSize int64
	ctxDone := m.ctx.Done()

	for {
		select {
		case <-m.done:
			return
		case <-ctxDone:
			ctxDone = nil // handle cancellation once; avoid busy-looping until exit
			if !m.completed.Load() {
				m.terminate("caller cancellation")
			}
		case <-poll.C:
			if m.completed.Load() || !m.observed.Load() {
				continue
			}
			idleElapsed := time.Since(time.Unix(0, m.lastByteAt.Load()))
			if idleElapsed > m.idleTimeout {
				m.timedOut.Store("idle")
				m.terminate("idle timeout")
			}
		case <-heartbeat.C:
			if m.completed.Load() {
				continue
			}
			size := m.totalSize.Load()
			r.log.Info("invocation heartbeat",
				zap.Duration("elapsed", time.Since(m.startedAt)),
				zap.Int64("output_bytes", size),
				zap.Int64("output_delta", size-lastHeartbeatSize),
				zap.Duration("hard_budget_remaining", m.hardTimeout-time.Since(m.startedAt)))
			lastHeartbeatSize = size
		}
	}
}

// buildEnv inherits the parent environment, applies a stable HOME override
// so the worker reads a deterministic configuration directory, and layers
// any invocation-specific overrides on top.
func buildEnv(extra []string) []string {
	env := os.Environ()
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		env = append(env, "HOME="+home)
	}
	return append(env, extra...)
}

func exitCodeOf(waitErr error, cmd *exec.Cmd) *int {
	if cmd.ProcessState == nil {
		return nil
	}
	code := cmd.ProcessState.ExitCode()
	return &code
}
