package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "jobsman/pkg/logx"
)

// Status classifies how a command run ended. The three cases are the whole
// contract: callers must be able to tell normal completion, deadline kill
// and launch/runtime failure apart.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one command run. Run never panics and never
// returns an error past this boundary; everything is folded into Outcome.
type Outcome struct {
	RunID    string
	Status   Status
	ExitCode int
	Err      error
	Took     time.Duration
}

// Runner runs a job's action with a deadline.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) Outcome
}

// Shell runs commands through `sh -c`.
//
// stdout/stderr go to the injected sink (default: discarded), so the runner
// itself stays headless-testable. Structured logging goes to the injected
// logger.
type Shell struct {
	log    logx.Logger
	output io.Writer

	// killDelay is how long after context cancellation the process gets
	// before SIGKILL escalation.
	killDelay time.Duration
}

type ShellOption func(*Shell)

// WithOutput directs command stdout/stderr to w.
func WithOutput(w io.Writer) ShellOption {
	return func(s *Shell) { s.output = w }
}

func WithKillDelay(d time.Duration) ShellOption {
	return func(s *Shell) {
		if d > 0 {
			s.killDelay = d
		}
	}
}

func NewShell(log logx.Logger, opts ...ShellOption) *Shell {
	s := &Shell{log: log, output: io.Discard, killDelay: 5 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// devNullSuffix mirrors crontab habit: commands ending in a "discard
// everything" redirect get their output dropped here instead, since that
// redirect form is not portable across shells.
const devNullSuffix = "&> /dev/null"

// Run executes command with the given deadline (0 disables the deadline but
// ctx cancellation still applies) and classifies the result.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (out Outcome) {
	start := time.Now()
	out.RunID = uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = errors.New("executor panic")
			out.Took = time.Since(start)
			s.log.Error("executor panicked", logx.String("run_id", out.RunID), logx.Any("panic", r))
		}
	}()

	sink := s.output
	cmdText := strings.TrimSpace(command)
	if strings.HasSuffix(cmdText, devNullSuffix) {
		cmdText = strings.TrimSpace(strings.TrimSuffix(cmdText, devNullSuffix))
		sink = io.Discard
	}
	if cmdText == "" {
		out.Status = StatusFailed
		out.Err = errors.New("empty command")
		out.Took = time.Since(start)
		return out
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdText)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = s.killDelay

	err := cmd.Run()
	out.Took = time.Since(start)
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		// The process never started (launch error).
		out.ExitCode = -1
	}

	switch {
	case err == nil:
		out.Status = StatusOK
	case runCtx.Err() != nil && ctx.Err() == nil:
		// The per-run deadline expired and the process was terminated.
		out.Status = StatusTimeout
		out.Err = context.DeadlineExceeded
	default:
		out.Status = StatusFailed
		out.Err = err
	}

	s.log.Debug("command finished",
		logx.String("run_id", out.RunID),
		logx.String("status", out.Status.String()),
		logx.Int("exit_code", out.ExitCode),
		logx.Duration("took", out.Took),
		logx.Err(out.Err),
	)
	return out
}
