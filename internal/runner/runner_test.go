package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

func testRunner(maxConcurrent, maxOutputBytes int, hard, idle time.Duration) *Runner {
	return New(maxConcurrent, maxOutputBytes, hard, idle, logger.Default())
}

func TestExecuteSuccess(t *testing.T) {
	r := testRunner(2, 1024, time.Second, time.Second)
	ctx := context.Background()

	out, err := r.Execute(ctx, Invocation{
		Args:             []string{"echo", "hello"},
		WorkingDirectory: ".",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !out.Success {
		t.Errorf("expected success=true")
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Errorf("expected exit code 0")
	}
	if out.Stdout != "hello\n" {
		t.Errorf("expected stdout 'hello\\n', got %q", out.Stdout)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := testRunner(1, 1024, time.Second, time.Second)
	out, err := r.Execute(context.Background(), Invocation{Args: []string{"false"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Success {
		t.Errorf("expected success=false for non-zero exit")
	}
	if out.ExitCode == nil || *out.ExitCode == 0 {
		t.Errorf("expected non-zero exit code")
	}
}

func TestExecuteSpawnError(t *testing.T) {
	r := testRunner(1, 1024, time.Second, time.Second)
	_, err := r.Execute(context.Background(), Invocation{Args: []string{"/no/such/binary-agentrunner"}})
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("expected ErrSpawn, got %v", err)
	}
}

func TestExecuteHardTimeoutPreservesPartialOutput(t *testing.T) {
	r := testRunner(1, 1<<20, 100*time.Millisecond, time.Minute)
	_, err := r.Execute(context.Background(), Invocation{
		Args: []string{"sh", "-c", "echo starting; sleep 5"},
	})

	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if !errors.Is(execErr, ErrHardTimeout) {
		t.Errorf("expected ErrHardTimeout, got %v", execErr.Err)
	}
	if execErr.PartialStdout == "" {
		t.Errorf("expected partial stdout to be preserved")
	}
}

func TestExecuteOutputTooLarge(t *testing.T) {
	r := testRunner(1, 16, time.Minute, time.Minute)
	_, err := r.Execute(context.Background(), Invocation{
		Args: []string{"sh", "-c", "head -c 4096 /dev/zero"},
	})

	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if !errors.Is(execErr, ErrOutputTooLarge) {
		t.Errorf("expected ErrOutputTooLarge, got %v", execErr.Err)
	}
}

func TestQueueStatusReflectsCapacity(t *testing.T) {
	r := testRunner(3, 1024, time.Second, time.Second)
	status := r.QueueStatus()
	if status.Capacity != 3 {
		t.Errorf("expected capacity 3, got %d", status.Capacity)
	}
	if status.InFlight != 0 || status.Waiting != 0 {
		t.Errorf("expected idle queue, got %+v", status)
	}
}

func TestConcurrencyGateBoundsInFlight(t *testing.T) {
	r := testRunner(2, 1024, time.Second, time.Second)
	done := make(chan struct{}, 4)

	for i := 0; i < 4; i++ {
		go func() {
			_, _ = r.Execute(context.Background(), Invocation{Args: []string{"sh", "-c", "sleep 0.3"}})
			done <- struct{}{}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	status := r.QueueStatus()
	if status.InFlight > status.Capacity {
		t.Errorf("in-flight %d exceeds capacity %d", status.InFlight, status.Capacity)
	}
	if status.InFlight+status.Waiting < 2 {
		t.Errorf("expected at least 2 invocations admitted or waiting, got %+v", status)
	}

	deadline := time.After(3 * time.Second)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("jobs did not all complete")
		}
	}
}
