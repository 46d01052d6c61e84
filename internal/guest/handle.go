// Package guest supervises the launcher process of each running instance.
package guest

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExitStatus is how a guest process ended. Exactly one of Code and Signal is
// set for a reaped process; both nil means the status is unknown.
type ExitStatus struct {
	Code   *int
	Signal *int
}

// Success reports a zero exit code without a signal.
func (e ExitStatus) Success() bool {
	return e.Code != nil && *e.Code == 0 && e.Signal == nil
}

// KilledBy reports whether the process was terminated by sig.
func (e ExitStatus) KilledBy(sig syscall.Signal) bool {
	return e.Signal != nil && *e.Signal == int(sig)
}

// Describe renders the status for error messages.
func (e ExitStatus) Describe() string {
	switch {
	case e.Code != nil && e.Signal == nil:
		return fmt.Sprintf("exit code %d", *e.Code)
	case e.Code == nil && e.Signal != nil:
		return fmt.Sprintf("signal %d", *e.Signal)
	case e.Code != nil && e.Signal != nil:
		return fmt.Sprintf("exit code %d (signal %d)", *e.Code, *e.Signal)
	default:
		return "unknown status"
	}
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		return ExitStatus{Signal: &sig}
	}
	code := state.ExitCode()
	if code < 0 {
		return ExitStatus{}
	}
	return ExitStatus{Code: &code}
}

// Handle owns a started guest process. A single reaper goroutine waits on
// the process and caches its exit, so every query after exit returns the
// same status and the process is never reaped twice.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	// written once by the reaper before done is closed
	exit    ExitStatus
	waitErr error
}

// Start starts cmd and begins reaping it.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.exit = exitStatusOf(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	close(h.done)
}

// Pid returns the process id.
func (h *Handle) Pid() int { return h.pid }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Poll returns the exit status without blocking.
func (h *Handle) Poll() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.exit, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the process exits. The error reports a failure copying
// the process output, not a non-zero exit.
func (h *Handle) Wait() (ExitStatus, error) {
	<-h.done
	return h.exit, h.waitErr
}

// WaitTimeout waits up to d for the process to exit.
func (h *Handle) WaitTimeout(d time.Duration) (ExitStatus, bool) {
	if exit, ok := h.Poll(); ok {
		return exit, true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return h.exit, true
	case <-t.C:
		return ExitStatus{}, false
	}
}

// Signal delivers sig to the process. A process that is already gone is
// not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	if _, ok := h.Poll(); ok {
		return nil
	}
	err := h.cmd.Process.Signal(sig)
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %d to pid %d: %w", sig, h.pid, err)
}
