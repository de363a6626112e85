package executor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	logx "jobsman/pkg/logx"
)

func newTestShell(opts ...ShellOption) *Shell {
	return NewShell(logx.Nop(), opts...)
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sh := newTestShell(WithOutput(&buf))

	out := sh.Run(context.Background(), "echo hello", 10*time.Second)
	if out.Status != StatusOK {
		t.Fatalf("Status = %v, want ok (err: %v)", out.Status, out.Err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", out.ExitCode)
	}
	if out.RunID == "" {
		t.Fatal("RunID is empty")
	}
	if got := strings.TrimSpace(buf.String()); got != "hello" {
		t.Fatalf("captured output %q, want %q", got, "hello")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()
	sh := newTestShell()

	out := sh.Run(context.Background(), "exit 3", 10*time.Second)
	if out.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", out.Status)
	}
	if out.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.Err == nil {
		t.Fatal("Err is nil for a failed run")
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	sh := newTestShell(WithKillDelay(time.Second))

	start := time.Now()
	out := sh.Run(context.Background(), "sleep 10", 200*time.Millisecond)
	took := time.Since(start)

	if out.Status != StatusTimeout {
		t.Fatalf("Status = %v, want timeout (err: %v)", out.Status, out.Err)
	}
	if took > 5*time.Second {
		t.Fatalf("timed-out run took %v, kill escalation did not engage", took)
	}
}

func TestRunParentCancelIsFailure(t *testing.T) {
	t.Parallel()
	sh := newTestShell(WithKillDelay(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// The caller cancelled, not the per-run deadline: this is a shutdown
	// kill, not a timeout.
	out := sh.Run(ctx, "sleep 10", time.Minute)
	if out.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", out.Status)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	t.Parallel()
	sh := newTestShell()

	out := sh.Run(context.Background(), "   ", time.Second)
	if out.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", out.Status)
	}
}

func TestRunDevNullSuffixDiscardsOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sh := newTestShell(WithOutput(&buf))

	out := sh.Run(context.Background(), "echo noisy &> /dev/null", 10*time.Second)
	if out.Status != StatusOK {
		t.Fatalf("Status = %v, want ok (err: %v)", out.Status, out.Err)
	}
	if buf.Len() != 0 {
		t.Fatalf("output not discarded: %q", buf.String())
	}
}

func TestRunZeroTimeoutRunsToCompletion(t *testing.T) {
	t.Parallel()
	sh := newTestShell()

	out := sh.Run(context.Background(), "true", 0)
	if out.Status != StatusOK {
		t.Fatalf("Status = %v, want ok (err: %v)", out.Status, out.Err)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	if StatusOK.String() != "ok" || StatusTimeout.String() != "timeout" || StatusFailed.String() != "failed" {
		t.Fatal("unexpected status strings")
	}
}
