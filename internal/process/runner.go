package process

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
)

// Command is one external program invocation
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result of a successful invocation
type Result struct {
	Stdout   string
	Stderr   string
	Attempts int
	Duration time.Duration
}

// Runner executes external commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec and retries failures with a constant delay
type ExecRunner struct {
	attempts   int
	delay      time.Duration
	maxElapsed time.Duration
	logger     *logrus.Logger
}

// NewExecRunner creates a runner from the process settings
func NewExecRunner(cfg config.ProcessConfig, logger *logrus.Logger) *ExecRunner {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &ExecRunner{
		attempts:   attempts,
		delay:      cfg.Delay,
		maxElapsed: cfg.MaxElapsed,
		logger:     logger,
	}
}

// Run executes cmd until it exits zero or the attempts are used up.
// The returned error is a process error carrying the last failure.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if r.maxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.maxElapsed)
		defer cancel()
	}

	start := time.Now()
	attempts := 0
	var stdout, stderr string

	op := func() error {
		attempts++
		var err error
		stdout, stderr, err = execOnce(ctx, cmd)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, exec.ErrNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"command":  cmd.String(),
			"dir":      cmd.Dir,
			"attempt":  attempts,
			"retry_in": wait,
		}).WithError(err).Debug("command failed, retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.attempts-1)),
		ctx,
	)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errors.ProcessErrorf(err, "%s failed after %d attempt(s)", cmd.String(), attempts).
			With("dir", cmd.Dir).
			With("stderr", strings.TrimSpace(stderr))
	}

	return &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		Attempts: attempts,
		Duration: time.Since(start),
	}, nil
}

func execOnce(ctx context.Context, cmd Command) (string, string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.String(), stderr.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}
