package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/api"
	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/lifecycle"
	"github.com/xfeldman/cfctl/internal/protocol"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []protocol.Request
	resp func(protocol.Request) protocol.Response
}

func (h *recordingHandler) Handle(ctx context.Context, req protocol.Request) lifecycle.Result {
	h.mu.Lock()
	h.seen = append(h.seen, req)
	h.mu.Unlock()
	if h.resp == nil {
		return lifecycle.Result{Response: protocol.OK(req.Action)}
	}
	return lifecycle.Result{Response: h.resp(req)}
}

func (h *recordingHandler) last(t *testing.T) protocol.Request {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.seen)
	return h.seen[len(h.seen)-1]
}

func startDaemon(t *testing.T, h api.Handler) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Socket = filepath.Join(t.TempDir(), "d.sock")
	s := api.NewServer(cfg, h, api.NewLockTable(), zap.NewNop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return cfg.Socket
}

func execCLI(t *testing.T, socket string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--socket", socket}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestParseID(t *testing.T) {
	id, err := parseID("7")
	require.NoError(t, err)
	assert.Equal(t, protocol.InstanceID(7), id)

	for _, bad := range []string{"0", "100", "-1", "x", ""} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreateStartFlags(t *testing.T) {
	h := &recordingHandler{}
	socket := startDaemon(t, h)

	out, _, err := execCLI(t, socket, "instance", "create-start", "--purpose", "ci",
		"--verify-boot", "--timeout-secs", "30", "--track", "main")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	req := h.last(t)
	assert.Equal(t, protocol.ActionCreateStartInstance, req.Action)
	assert.Equal(t, "ci", req.Purpose)
	opts, err := req.StartOptions()
	require.NoError(t, err)
	assert.True(t, opts.VerifyBoot)
	assert.False(t, opts.SkipAdbWait)
	assert.Equal(t, "main", opts.Track)
	require.NotNil(t, opts.TimeoutSecs)
	assert.Equal(t, uint64(30), *opts.TimeoutSecs)
}

func TestStartWithoutTimeout(t *testing.T) {
	h := &recordingHandler{}
	socket := startDaemon(t, h)

	_, _, err := execCLI(t, socket, "instance", "start", "3", "--skip-adb-wait")
	require.NoError(t, err)

	opts, err := h.last(t).StartOptions()
	require.NoError(t, err)
	assert.True(t, opts.SkipAdbWait)
	assert.Nil(t, opts.TimeoutSecs)
}

func TestFailedResponseExitsNonZero(t *testing.T) {
	h := &recordingHandler{resp: func(protocol.Request) protocol.Response {
		return protocol.Fail("instance_not_found", "instance 4 not found")
	}}
	socket := startDaemon(t, h)

	out, _, err := execCLI(t, socket, "instance", "status", "4")
	assert.ErrorIs(t, err, errRequestFailed)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "instance_not_found", resp.Error.Code)
}

func TestDaemonUnreachable(t *testing.T) {
	_, _, err := execCLI(t, filepath.Join(t.TempDir(), "missing.sock"), "instance", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the daemon running?")
}

func TestDeployRequiresImage(t *testing.T) {
	h := &recordingHandler{}
	socket := startDaemon(t, h)

	_, _, err := execCLI(t, socket, "deploy", "2")
	require.EqualError(t, err, "deploy requires --boot and/or --init")

	_, _, err = execCLI(t, socket, "deploy", "2", "--init", "/tmp/init_boot.img")
	require.NoError(t, err)
	req := h.last(t)
	assert.Equal(t, protocol.ActionDeploy, req.Action)
	assert.Equal(t, "/tmp/init_boot.img", req.InitBootImage)
	assert.Empty(t, req.BootImage)
}

func TestLogsStdout(t *testing.T) {
	journal := "line one\nline two\n"
	h := &recordingHandler{resp: func(protocol.Request) protocol.Response {
		return protocol.Response{OK: true, Logs: &protocol.LogsResponse{Journal: &journal}}
	}}
	socket := startDaemon(t, h)

	out, _, err := execCLI(t, socket, "logs", "5", "--stdout", "--lines", "2")
	require.NoError(t, err)
	assert.Equal(t, journal, out)

	req := h.last(t)
	require.NotNil(t, req.Lines)
	assert.Equal(t, 2, *req.Lines)
	opts, err := req.LogsOptions()
	require.NoError(t, err)
	assert.True(t, opts.StreamStdout)
}

func TestPruneModes(t *testing.T) {
	h := &recordingHandler{}
	socket := startDaemon(t, h)

	_, _, err := execCLI(t, socket, "instance", "prune")
	require.NoError(t, err)
	req := h.last(t)
	assert.Equal(t, protocol.ActionPruneExpired, req.Action)
	require.NotNil(t, req.MaxAgeSecs)
	assert.Equal(t, uint64(86400), *req.MaxAgeSecs)

	_, _, err = execCLI(t, socket, "instance", "prune", "--all")
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionPruneAll, h.last(t).Action)
}

func TestDestroyFeedback(t *testing.T) {
	h := &recordingHandler{resp: func(protocol.Request) protocol.Response {
		return protocol.Response{OK: true, Action: &protocol.InstanceActionResponse{
			Cleanup: &protocol.CleanupSummary{GuestProcessesKilled: true, Steps: []string{"stop", "kill"}},
		}}
	}}
	socket := startDaemon(t, h)

	_, stderr, err := execCLI(t, socket, "instance", "destroy", "6")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stderr, "Destroying instance 6"))
	assert.Contains(t, stderr, "Destroy finished: no surviving processes.")
	assert.Contains(t, stderr, "  Steps: stop -> kill")
}

func TestCleanupFeedback(t *testing.T) {
	tests := []struct {
		name string
		resp protocol.Response
		want string
	}{
		{
			name: "failed",
			resp: protocol.Fail("destroy_timeout", "gave up"),
			want: "Destroy failed: gave up (destroy_timeout)\n",
		},
		{
			name: "executed",
			resp: protocol.Response{OK: true, Action: &protocol.InstanceActionResponse{
				Cleanup: &protocol.CleanupSummary{},
			}},
			want: "Destroy finished: cleanup executed.\n",
		},
		{
			name: "survivors",
			resp: protocol.Response{OK: true, Action: &protocol.InstanceActionResponse{
				Cleanup: &protocol.CleanupSummary{RemainingPIDs: []int{41, 42}},
			}},
			want: "Destroy finished: remaining processes [41 42]\n",
		},
		{
			name: "no summary",
			resp: protocol.OK("destroyed"),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cleanupFeedback(&buf, tt.resp)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestProgressDots(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})

	p := startProgress(w, "Working", 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "..")
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Working."))
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
