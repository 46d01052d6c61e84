package guest

import (
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startShell(t *testing.T, script string) *Handle {
	t.Helper()
	h, err := Start(exec.Command("sh", "-c", script))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Signal(syscall.SIGKILL)
		h.WaitTimeout(5 * time.Second)
	})
	return h
}

func TestExitStatusDescribe(t *testing.T) {
	zero, three, nine := 0, 3, 9
	assert.Equal(t, "exit code 3", ExitStatus{Code: &three}.Describe())
	assert.Equal(t, "signal 9", ExitStatus{Signal: &nine}.Describe())
	assert.Equal(t, "exit code 3 (signal 9)", ExitStatus{Code: &three, Signal: &nine}.Describe())
	assert.Equal(t, "unknown status", ExitStatus{}.Describe())
	assert.True(t, ExitStatus{Code: &zero}.Success())
	assert.False(t, ExitStatus{Code: &three}.Success())
	assert.True(t, ExitStatus{Signal: &nine}.KilledBy(syscall.SIGKILL))
}

func TestHandleExitCodeIsCached(t *testing.T) {
	h := startShell(t, "exit 7")
	exit, err := h.Wait()
	require.NoError(t, err)
	require.NotNil(t, exit.Code)
	assert.Equal(t, 7, *exit.Code)

	again, ok := h.Poll()
	assert.True(t, ok)
	assert.Equal(t, exit.Describe(), again.Describe())

	third, ok := h.WaitTimeout(time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, "exit code 7", third.Describe())
}

func TestHandlePollRunning(t *testing.T) {
	h := startShell(t, "sleep 30")
	_, ok := h.Poll()
	assert.False(t, ok)
	_, ok = h.WaitTimeout(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Greater(t, h.Pid(), 0)
}

func TestHandleSignal(t *testing.T) {
	h := startShell(t, "sleep 30")
	require.NoError(t, h.Signal(syscall.SIGTERM))
	exit, ok := h.WaitTimeout(5 * time.Second)
	require.True(t, ok)
	assert.True(t, exit.KilledBy(syscall.SIGTERM))

	// signalling a reaped process is not an error
	assert.NoError(t, h.Signal(syscall.SIGKILL))
}

func TestConcurrentQueriesAgree(t *testing.T) {
	h := startShell(t, "sleep 0.1; exit 4")
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				exit, _ := h.Wait()
				results[i] = exit.Describe()
				return
			}
			exit, _ := h.WaitTimeout(5 * time.Second)
			results[i] = exit.Describe()
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, "exit code 4", r)
	}
}

func TestRegistryRemoveIfHandle(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := startShell(t, "sleep 30")
	b := startShell(t, "sleep 30")

	r.Insert(1, a)
	assert.True(t, r.Contains(1))
	assert.False(t, r.RemoveIfHandle(1, b), "stale handle must not remove the entry")
	assert.Same(t, a, r.Get(1))

	r.Insert(1, b)
	assert.False(t, r.RemoveIfHandle(1, a))
	assert.True(t, r.RemoveIfHandle(1, b))
	assert.False(t, r.Contains(1))
	assert.Equal(t, 0, r.Len())
}

func TestTerminateGraceful(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Insert(2, startShell(t, "sleep 30"))

	res := r.Terminate(2, 5*time.Second)
	assert.True(t, res.Found)
	assert.False(t, res.Escalated)
	require.NotNil(t, res.Exit)
	assert.True(t, res.Exit.KilledBy(syscall.SIGTERM))
	assert.False(t, r.Contains(2))
}

func TestTerminateEscalates(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Insert(3, startShell(t, `trap "" TERM; while true; do sleep 0.05; done`))
	time.Sleep(100 * time.Millisecond) // let the trap install

	res := r.Terminate(3, 200*time.Millisecond)
	assert.True(t, res.Found)
	assert.True(t, res.Escalated)
	require.NotNil(t, res.Exit)
	assert.True(t, res.Exit.KilledBy(syscall.SIGKILL))
	assert.False(t, r.Contains(3))
}

func TestTerminateAlreadyExited(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := startShell(t, "exit 0")
	_, _ = h.Wait()
	r.Insert(4, h)

	res := r.Terminate(4, time.Second)
	require.NotNil(t, res.Exit)
	assert.True(t, res.Exit.Success())
	assert.False(t, res.Escalated)
}

func TestTerminateMissing(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	res := r.Terminate(9, time.Second)
	assert.False(t, res.Found)
	assert.Nil(t, res.Exit)
}
