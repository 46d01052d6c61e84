// Package toolexec runs the host tools cfctld shells out to (adb, pkill,
// pgrep, lsof, ip, chown, chmod). Components depend on Runner so tests can
// script tool behavior.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports a zero exit code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Combined returns stderr, falling back to stdout, trimmed. Tools tend to
// explain failures on either stream.
func (r Result) Combined() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner executes a command to completion.
// The error is non-nil only when the command could not be run at all;
// a non-zero exit is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				// killed by a signal, usually ctx cancellation
				if ctx.Err() != nil {
					return res, fmt.Errorf("%s: %w", name, ctx.Err())
				}
				res.ExitCode = -1
			}
			return res, nil
		}
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// CommandError describes a command that ran but failed.
type CommandError struct {
	Name   string
	Args   []string
	Result Result
}

func (e *CommandError) Error() string {
	msg := e.Result.Combined()
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.Result.ExitCode)
	}
	return fmt.Sprintf("%s %s: %s", e.Name, strings.Join(e.Args, " "), msg)
}

// Check runs the command and converts a non-zero exit into *CommandError.
func Check(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &CommandError{Name: name, Args: args, Result: res}
	}
	return res, nil
}
