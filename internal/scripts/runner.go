package scripts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/constants"
	"github.com/kandev/conductor/internal/common/logger"
)

// maxOutputBytes caps captured script output; the tail is kept.
const maxOutputBytes = 256 * 1024

// Request describes a script invocation.
type Request struct {
	Dir    string
	Script string
	Vars   map[string]string
	Env    map[string]string
}

// Result is the outcome of a finished script.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Succeeded reports whether the script exited with status 0.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner executes scripts with `sh -c` under a pseudo-terminal so tools emit
// the same output they would in an interactive shell.
type Runner struct {
	logger  *logger.Logger
	timeout time.Duration
}

// NewRunner creates a script runner. A zero timeout uses the default script timeout.
func NewRunner(log *logger.Logger, timeout time.Duration) *Runner {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = constants.ScriptTimeout
	}
	return &Runner{logger: log.WithFields(zap.String("component", "script-runner")), timeout: timeout}
}

// Run executes the script and waits for it. A nonzero exit is reported through
// Result.ExitCode, not as an error; err is set only when the script could not run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	script := Resolve(req.Script, req.Vars)
	if script == "" {
		return &Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell(), "-c", script)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	var out tailBuffer
	runErr := runWithTerminal(cmd, &out)
	result := &Result{Output: out.String(), Duration: time.Since(start)}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return result, fmt.Errorf("script timed out after %s: %w", r.timeout, ctx.Err())
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return result, fmt.Errorf("run script: %w", runErr)
		}
	}

	r.logger.Debug("script finished",
		zap.String("dir", req.Dir),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func shell() string {
	if sh := os.Getenv("CONDUCTOR_SCRIPT_SHELL"); sh != "" {
		return sh
	}
	return "sh"
}

// tailBuffer keeps the last maxOutputBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - maxOutputBytes; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
