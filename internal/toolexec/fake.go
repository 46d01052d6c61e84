package toolexec

import (
	"context"
	"strings"
	"sync"
)

// Call is one recorded invocation of a Fake runner.
type Call struct {
	Name string
	Args []string
}

// Line renders the call as a shell-like command line.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Fake is a scripted Runner for tests. Handler decides each outcome; a nil
// Handler succeeds with empty output.
type Fake struct {
	Handler func(name string, args []string) (Result, error)

	mu    sync.Mutex
	calls []Call
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	h := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if h == nil {
		return Result{}, nil
	}
	return h(name, args)
}

// Calls returns a copy of every recorded invocation.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded invocations rendered with Call.Line.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Line()
	}
	return out
}
