package readiness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/toolexec"
)

const fhs = "/bin/cuttlefish-fhs"

// adbScript builds a Fake runner answering adb subcommands.
type adbScript struct {
	connect func() toolexec.Result
	devices func() toolexec.Result
	getprop func() toolexec.Result
}

func (s adbScript) runner() *toolexec.Fake {
	return &toolexec.Fake{Handler: func(name string, args []string) (toolexec.Result, error) {
		if name != fhs || len(args) < 3 || args[0] != "--" || args[1] != "adb" {
			return toolexec.Result{}, errors.New("unexpected command " + name + " " + strings.Join(args, " "))
		}
		sub := args[2:]
		switch {
		case sub[0] == "connect" && s.connect != nil:
			return s.connect(), nil
		case sub[0] == "devices" && s.devices != nil:
			return s.devices(), nil
		case sub[0] == "-s" && s.getprop != nil:
			return s.getprop(), nil
		}
		return toolexec.Result{}, nil
	}}
}

func newTestWaiter(r toolexec.Runner) *Waiter {
	w := NewWaiter(NewADB(r, fhs), zap.NewNop())
	w.RetryInterval = 5 * time.Millisecond
	w.VerifyRetryInterval = 5 * time.Millisecond
	w.VerifyPollInterval = 5 * time.Millisecond
	return w
}

func target() Target {
	return Target{
		ID:            1,
		Serial:        "127.0.0.1:6520",
		ConnectSerial: "0.0.0.0:6520",
		Addr:          "127.0.0.1:6520",
		LogLines:      50,
	}
}

func devicesOut(lines ...string) func() toolexec.Result {
	return func() toolexec.Result {
		return toolexec.Result{Stdout: "List of devices attached\n" + strings.Join(lines, "\n") + "\n"}
	}
}

func TestParseDevices(t *testing.T) {
	out := "List of devices attached\n0.0.0.0:6520\toffline\n127.0.0.1:6520\tdevice\n\n"
	serial, ok := parseDevices(out, []string{"127.0.0.1:6520", "0.0.0.0:6520"})
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:6520", serial)

	_, ok = parseDevices(out, []string{"127.0.0.1:6521"})
	assert.False(t, ok)
}

func TestConnectRefusedIsError(t *testing.T) {
	r := adbScript{connect: func() toolexec.Result {
		return toolexec.Result{Stdout: "failed to connect to '0.0.0.0:6520': Connection refused\n"}
	}}.runner()
	err := NewADB(r, fhs).Connect(context.Background(), "0.0.0.0:6520")
	assert.Error(t, err)
}

func TestWaitForDeviceReady(t *testing.T) {
	var polls atomic.Int32
	r := adbScript{devices: func() toolexec.Result {
		if polls.Add(1) < 3 {
			return devicesOut()()
		}
		return devicesOut("0.0.0.0:6520\tdevice")()
	}}.runner()
	w := newTestWaiter(r)

	err := w.WaitForDevice(context.Background(), target(), time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 3, polls.Load())
	assert.Contains(t, r.Lines(), fhs+" -- adb connect 0.0.0.0:6520")
}

func TestWaitForDeviceGuestExit(t *testing.T) {
	w := newTestWaiter(adbScript{}.runner())
	tgt := target()
	tgt.Probe = func() GuestState { return GuestState{Exited: true, Exit: "exit code 1"} }

	err := w.WaitForDevice(context.Background(), tgt, time.Now().Add(time.Second))
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, GuestExit, f.Kind)
	assert.Equal(t, "instance 1 exited before adb became ready (exit code 1)", f.Message)
}

func TestWaitForDeviceHandleLost(t *testing.T) {
	w := newTestWaiter(adbScript{}.runner())
	tgt := target()
	tgt.Probe = func() GuestState { return GuestState{Lost: true} }

	err := w.WaitForDevice(context.Background(), tgt, time.Now().Add(time.Second))
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, HandleLost, f.Kind)
}

func TestWaitForDeviceTimeouts(t *testing.T) {
	tests := []struct {
		name   string
		script adbScript
		want   string
	}{
		{
			name:   "connect never succeeds",
			script: adbScript{connect: func() toolexec.Result { return toolexec.Result{ExitCode: 1, Stderr: "no route"} }},
			want:   "timeout waiting for adb on 127.0.0.1:6520",
		},
		{
			name:   "device never listed",
			script: adbScript{devices: devicesOut("emulator-5554\tdevice")},
			want:   "timeout waiting for adb device 127.0.0.1:6520",
		},
		{
			name:   "devices always fails",
			script: adbScript{devices: func() toolexec.Result { return toolexec.Result{ExitCode: 1, Stderr: "daemon down"} }},
			want:   "adb devices never succeeded for 127.0.0.1:6520",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWaiter(tt.script.runner())
			err := w.WaitForDevice(context.Background(), target(), time.Now().Add(30*time.Millisecond))
			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, Timeout, f.Kind)
			assert.Contains(t, f.Message, tt.want)
		})
	}
}

func TestWaitForDeviceZeroTimeoutChecksOnce(t *testing.T) {
	r := adbScript{devices: devicesOut()}.runner()
	w := newTestWaiter(r)
	err := w.WaitForDevice(context.Background(), target(), time.Now())
	require.Error(t, err)
	assert.Len(t, r.Calls(), 2, "one connect and one devices call")
}

func TestVerifyBootGetprop(t *testing.T) {
	var calls atomic.Int32
	r := adbScript{
		devices: devicesOut("127.0.0.1:6520\tdevice"),
		getprop: func() toolexec.Result {
			if calls.Add(1) < 2 {
				return toolexec.Result{Stdout: "\n"}
			}
			return toolexec.Result{Stdout: "1\n"}
		},
	}.runner()
	w := newTestWaiter(r)

	res, err := w.VerifyBoot(context.Background(), target(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.AdbReady)
	assert.True(t, res.BootMarkerObserved)
	assert.Contains(t, r.Lines(), fhs+" -- adb -s 127.0.0.1:6520 shell getprop VIRTUAL_DEVICE_BOOT_COMPLETED")
}

func TestVerifyBootMarkerInLog(t *testing.T) {
	dir := t.TempDir()
	console := filepath.Join(dir, "console_log")
	runLog := filepath.Join(dir, "cfctl-run.log")
	require.NoError(t, os.WriteFile(runLog, []byte("init: VIRTUAL_DEVICE_BOOT_COMPLETED\n"), 0644))

	r := adbScript{
		devices: devicesOut("127.0.0.1:6520\tdevice"),
		getprop: func() toolexec.Result { return toolexec.Result{ExitCode: 1, Stderr: "closed"} },
	}.runner()
	w := newTestWaiter(r)
	tgt := target()
	tgt.MarkerLogs = []string{console, runLog}

	res, err := w.VerifyBoot(context.Background(), tgt, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.BootMarkerObserved)
}

func TestVerifyBootMarkerMissing(t *testing.T) {
	r := adbScript{
		devices: devicesOut("127.0.0.1:6520\tdevice"),
		getprop: func() toolexec.Result { return toolexec.Result{Stdout: "0\n"} },
	}.runner()
	w := newTestWaiter(r)

	_, err := w.VerifyBoot(context.Background(), target(), 30*time.Millisecond)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, MarkerMissing, f.Kind)
	assert.Equal(t, `VIRTUAL_DEVICE_BOOT_COMPLETED not observed for instance 1 (last value: "0")`, f.Message)
}

func TestVerifyBootAdbFailed(t *testing.T) {
	r := adbScript{devices: devicesOut()}.runner()
	w := newTestWaiter(r)
	_, err := w.VerifyBoot(context.Background(), target(), 30*time.Millisecond)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, AdbFailed, f.Kind)
	assert.Equal(t, "adb device 0.0.0.0:6520 never appeared in device list", f.Message)
}

func TestWaitForDeviceCancelled(t *testing.T) {
	r := adbScript{devices: devicesOut()}.runner()
	w := newTestWaiter(r)
	w.RetryInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := w.WaitForDevice(ctx, target(), time.Now().Add(time.Hour))
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, Timeout, f.Kind)
}

// hangingRunner blocks every call until its context ends, like an adb that
// never answers.
type hangingRunner struct{ calls atomic.Int32 }

func (r *hangingRunner) Run(ctx context.Context, name string, args ...string) (toolexec.Result, error) {
	r.calls.Add(1)
	<-ctx.Done()
	return toolexec.Result{}, ctx.Err()
}

func TestWaitForDeviceHungAdbHonoursDeadline(t *testing.T) {
	r := &hangingRunner{}
	w := newTestWaiter(r)

	start := time.Now()
	err := w.WaitForDevice(context.Background(), target(), start.Add(100*time.Millisecond))
	elapsed := time.Since(start)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, Timeout, f.Kind)
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
}

func TestVerifyBootHungAdbHonoursCallTimeout(t *testing.T) {
	r := &hangingRunner{}
	w := newTestWaiter(r)
	w.CallTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := w.VerifyBoot(context.Background(), target(), 50*time.Millisecond)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, AdbFailed, f.Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
}
