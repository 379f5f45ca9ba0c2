// Package execx runs external diagnostic tools with bounded execution
// time and captured output. Every invocation carries a hard timeout so
// a hung tool cannot stall the whole run.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result captures one tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner invokes external tools. The zero value is not usable; create
// one with New. LookPath is injectable so tests can fake tool presence.
type Runner struct {
	LookPath       func(file string) (string, error)
	DefaultTimeout time.Duration
}

// New creates a runner with the given default timeout.
func New(defaultTimeout time.Duration) *Runner {
	return &Runner{
		LookPath:       exec.LookPath,
		DefaultTimeout: defaultTimeout,
	}
}

// Available reports whether a tool resolves on the search path.
func (r *Runner) Available(tool string) bool {
	_, err := r.LookPath(tool)
	return err == nil
}

// Run executes name with args under the given timeout (the runner's
// default when zero) and returns captured stdout/stderr. A non-zero
// exit or a timeout is reported as an error; the Result still carries
// whatever output was produced.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, fmt.Errorf("%s timed out after %s", name, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w: %s", name, err, firstLine(res.Stderr))
	}
	return res, nil
}

// CaptureToFile runs the tool and writes its stdout to path. The file
// is not created when the invocation fails before producing output, so
// a skipped or failed diagnostic leaves no stray artifact behind.
func (r *Runner) CaptureToFile(ctx context.Context, timeout time.Duration, path, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, timeout, name, args...)
	if err != nil && len(res.Stdout) == 0 {
		return res, err
	}
	if writeErr := os.WriteFile(path, res.Stdout, 0o600); writeErr != nil {
		return res, fmt.Errorf("writing %s: %w", path, writeErr)
	}
	return res, err
}

// IsNotFound reports whether the error came from the tool binary being
// absent rather than the tool running and failing.
func IsNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
