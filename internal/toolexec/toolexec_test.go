package toolexec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	res, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "err", res.Combined())
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "/nonexistent/cfctl-tool")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	_, err := Check(context.Background(), ExecRunner{}, "sh", "-c", "exit 0")
	require.NoError(t, err)

	_, err = Check(context.Background(), ExecRunner{}, "sh", "-c", "echo nope >&2; exit 1")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.Result.ExitCode)
	assert.Contains(t, err.Error(), "nope")
}

func TestFakeRecordsCalls(t *testing.T) {
	f := &Fake{Handler: func(name string, args []string) (Result, error) {
		if name == "pgrep" {
			return Result{ExitCode: 1}, nil
		}
		return Result{Stdout: "ok"}, nil
	}}
	res, err := f.Run(context.Background(), "pgrep", "-f", "cvd-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	_, _ = f.Run(context.Background(), "adb", "devices")
	assert.Equal(t, []string{"pgrep -f cvd-1", "adb devices"}, f.Lines())
}
