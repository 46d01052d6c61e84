package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/toolexec"
)

type fakeLinks struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeLinks) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	return nil
}

// procTable simulates pgrep/pkill over a fake process table.
type procTable struct {
	mu       sync.Mutex
	alive    map[int]string // pid -> command line
	immortal map[int]bool
	killed   []int
}

func (p *procTable) handler(name string, args []string) (toolexec.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name != "pkill" && name != "pgrep" {
		return toolexec.Result{}, nil
	}
	re := regexp.MustCompile(args[len(args)-1])
	var hits []string
	for pid, cmd := range p.alive {
		if !re.MatchString(cmd) {
			continue
		}
		hits = append(hits, strconv.Itoa(pid))
		if name == "pkill" && !p.immortal[pid] {
			delete(p.alive, pid)
		}
	}
	if len(hits) == 0 {
		return toolexec.Result{ExitCode: 1}, nil
	}
	if name == "pkill" {
		return toolexec.Result{}, nil
	}
	return toolexec.Result{Stdout: strings.Join(hits, "\n") + "\n"}, nil
}

func (p *procTable) kill(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, pid)
	if !p.immortal[pid] {
		delete(p.alive, pid)
	}
	return nil
}

func newTestEngine(t *testing.T, procs *procTable) (*Engine, *toolexec.Fake, *fakeLinks, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateDir = filepath.Join(root, "state")
	cfg.CuttlefishRoot = filepath.Join(root, "cf")
	cfg.CuttlefishInstancesDir = filepath.Join(root, "cf", "instances")
	cfg.CuttlefishAssemblyDir = filepath.Join(root, "cf", "assembly")
	cfg.TempDir = filepath.Join(root, "tmp")

	runner := &toolexec.Fake{}
	if procs != nil {
		runner.Handler = procs.handler
	}
	e := NewEngine(cfg, runner, zap.NewNop())
	links := &fakeLinks{}
	e.Links = links
	e.Settle = time.Millisecond
	if procs != nil {
		e.Kill = procs.kill
	} else {
		e.Kill = func(int) error { return nil }
	}
	e.Now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(e.Wait)
	return e, runner, links, cfg
}

func TestPatternsAreAnchored(t *testing.T) {
	e, _, _, cfg := newTestEngine(t, nil)
	patterns := e.Patterns(1)
	require.Len(t, patterns, 5)
	assert.Contains(t, patterns[0], "--instance_dir="+cfg.CuttlefishInstancesDir+"/1")
	assert.True(t, strings.HasSuffix(patterns[0], "([^0-9]|$)"))
	assert.Equal(t, `cvd-1([^0-9]|$)`, patterns[4])
}

func TestRunCleanPipeline(t *testing.T) {
	procs := &procTable{alive: map[int]string{
		101: "launch_cvd --instance_dir=/x",
		202: "crosvm cvd-3 something",
		303: "unrelated",
	}}
	e, runner, links, cfg := newTestEngine(t, procs)
	procs.alive[101] = "launch_cvd --instance_dir=" + cfg.CuttlefishInstancesDir + "/3"

	instDir := filepath.Join(cfg.CuttlefishInstancesDir, "3")
	asmDir := filepath.Join(cfg.CuttlefishAssemblyDir, "3")
	tmpDir := filepath.Join(cfg.TempDir, "cf_avd_0", "cvd-3")
	for _, d := range []string{instDir, asmDir, tmpDir} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
	require.NoError(t, os.WriteFile(cfg.ConfigSymlink(), []byte("{}"), 0644))

	out := e.Run(context.Background(), 3)
	e.Wait()

	assert.True(t, out.Clean())
	assert.Equal(t, []string{
		StepKillGuestProcesses,
		StepRemoveNetworkDevices,
		StepRemoveEphemeralDirs,
		StepRemoveConfigSymlink,
		StepKillOpenFileHolders,
		StepCollectGuestPIDs,
		StepTrashInstanceDir,
		StepTrashAssemblyDir,
		StepResetPermissions,
	}, out.Steps)
	assert.Contains(t, procs.alive, 303, "unrelated process must survive")
	assert.NotContains(t, procs.alive, 101)
	assert.NotContains(t, procs.alive, 202)
	assert.Equal(t, []string{"cvd-mtap-03", "cvd-tap-03", "cvd-eth-03"}, links.removed)

	for _, d := range []string{instDir, asmDir, tmpDir, cfg.ConfigSymlink()} {
		_, err := os.Stat(d)
		assert.True(t, os.IsNotExist(err), "%s should be gone", d)
	}
	entries, err := os.ReadDir(cfg.CuttlefishInstancesDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "trash must be purged in the background")

	lines := runner.Lines()
	assert.Contains(t, lines, "chown -R justin:cvdnetwork "+cfg.CuttlefishRoot)
	assert.Contains(t, lines, "chmod -R g+rwX "+cfg.CuttlefishRoot)
	assert.Contains(t, lines, "lsof -t "+instDir)

	summary := out.Summary()
	assert.True(t, summary.GuestProcessesKilled)
	assert.Empty(t, summary.RemainingPIDs)
}

func TestRunWithSurvivorsKeepsDirs(t *testing.T) {
	procs := &procTable{
		alive:    map[int]string{77: "qemu cvd-4 stuck"},
		immortal: map[int]bool{77: true},
	}
	e, _, _, cfg := newTestEngine(t, procs)
	instDir := filepath.Join(cfg.CuttlefishInstancesDir, "4")
	require.NoError(t, os.MkdirAll(instDir, 0755))

	out := e.Run(context.Background(), 4)
	e.Wait()

	assert.False(t, out.Clean())
	assert.Equal(t, []int{77}, out.Remaining)
	assert.NotContains(t, out.Steps, StepTrashInstanceDir)
	assert.Equal(t, StepResetPermissions, out.Steps[len(out.Steps)-1])
	assert.DirExists(t, instDir)
	assert.Contains(t, procs.killed, 77)

	summary := out.Summary()
	assert.False(t, summary.GuestProcessesKilled)
	assert.Equal(t, []int{77}, summary.RemainingPIDs)
}

func TestCollectGuestPIDsSortedUnique(t *testing.T) {
	procs := &procTable{alive: map[int]string{
		30: "cvd-2 a",
		10: "cvd-2 b",
		20: "cvd-2 c",
	}}
	e, _, _, _ := newTestEngine(t, procs)
	assert.Equal(t, []int{10, 20, 30}, e.CollectGuestPIDs(context.Background(), 2))
}

func TestPreflight(t *testing.T) {
	procs := &procTable{alive: map[int]string{5: "cvd-6 x"}}
	e, _, links, cfg := newTestEngine(t, procs)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.TempDir, "cf_img_0", "cvd-6"), 0755))

	require.NoError(t, e.Preflight(context.Background(), 6))
	assert.Empty(t, procs.alive)
	assert.Len(t, links.removed, 3)
	_, err := os.Stat(filepath.Join(cfg.TempDir, "cf_img_0", "cvd-6"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrashThenPurge(t *testing.T) {
	e, _, _, cfg := newTestEngine(t, nil)
	dir := filepath.Join(cfg.CuttlefishInstancesDir, "8")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))

	require.NoError(t, e.TrashThenPurge(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "original name is free immediately")

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, e.TrashThenPurge(dir), "second trash in the same second gets a unique name")

	e.Wait()
	entries, err := os.ReadDir(cfg.CuttlefishInstancesDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, e.TrashThenPurge(filepath.Join(cfg.CuttlefishInstancesDir, "missing")))
}

func TestTrashPathFormat(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	got := e.TrashPath("/var/lib/cuttlefish/instances/3")
	assert.Equal(t, "/var/lib/cuttlefish/instances/3.__trash__.1700000000."+strconv.Itoa(os.Getpid()), got)
}

func TestSweepTrash(t *testing.T) {
	e, _, _, cfg := newTestEngine(t, nil)
	keep := filepath.Join(cfg.CuttlefishAssemblyDir, "2")
	stale := []string{
		filepath.Join(cfg.CuttlefishInstancesDir, "1.__trash__.1.1"),
		filepath.Join(cfg.CuttlefishAssemblyDir, "2.__trash__.5.9"),
	}
	for _, d := range append(stale, keep) {
		require.NoError(t, os.MkdirAll(d, 0755))
	}

	assert.Equal(t, 2, e.SweepTrash(context.Background()))
	e.Wait()
	for _, d := range stale {
		_, err := os.Stat(d)
		assert.True(t, os.IsNotExist(err))
	}
	assert.DirExists(t, keep)
}

func TestPrepareHostDirs(t *testing.T) {
	e, _, _, cfg := newTestEngine(t, nil)
	inst := filepath.Join(cfg.CuttlefishInstancesDir, "1")
	asm := filepath.Join(cfg.CuttlefishAssemblyDir, "1")
	require.NoError(t, os.MkdirAll(inst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(inst, "stale"), nil, 0644))

	require.NoError(t, e.PrepareHostDirs(inst, asm))
	assert.DirExists(t, inst)
	assert.DirExists(t, asm)
	assert.NoFileExists(t, filepath.Join(inst, "stale"))
}

func TestEnsureQemuDatadir(t *testing.T) {
	e, runner, _, cfg := newTestEngine(t, nil)
	runner.Handler = func(name string, args []string) (toolexec.Result, error) {
		return toolexec.Result{Stdout: "BIOS"}, nil
	}
	require.NoError(t, e.EnsureQemuDatadir(context.Background()))
	target := filepath.Join(cfg.CuttlefishRoot, "usr", "share", "qemu", "x86_64-linux-gnu", "kvmvapic.bin")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "BIOS", string(data))

	// present: no second fetch
	require.NoError(t, e.EnsureQemuDatadir(context.Background()))
	assert.Len(t, runner.Calls(), 1)
}

func TestEnsureQemuDatadirToleratesFailure(t *testing.T) {
	e, runner, _, _ := newTestEngine(t, nil)
	runner.Handler = func(string, []string) (toolexec.Result, error) {
		return toolexec.Result{ExitCode: 1}, nil
	}
	assert.NoError(t, e.EnsureQemuDatadir(context.Background()))
}
