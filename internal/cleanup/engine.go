// Package cleanup removes the host-side residue of a guest: stray processes,
// tap devices, temp dirs, the global config symlink and the launcher's
// instance and assembly dirs.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/store"
	"github.com/xfeldman/cfctl/internal/toolexec"
)

// Step names, in pipeline order.
const (
	StepKillGuestProcesses   = "kill_guest_processes"
	StepRemoveNetworkDevices = "remove_network_devices"
	StepRemoveEphemeralDirs  = "remove_ephemeral_dirs"
	StepRemoveConfigSymlink  = "remove_cuttlefish_config_symlink"
	StepKillOpenFileHolders  = "kill_open_file_holders"
	StepCollectGuestPIDs     = "collect_guest_pids"
	StepTrashInstanceDir     = "trash_instance_dir"
	StepTrashAssemblyDir     = "trash_assembly_dir"
	StepResetPermissions     = "reset_permissions"
)

const (
	defaultSettle = 200 * time.Millisecond
	trashMarker   = ".__trash__."
)

// Outcome is the result of a full cleanup pass. Cleanup never fails; it
// reports what is left.
type Outcome struct {
	Remaining []int
	Steps     []string
}

// Clean reports that no guest process survived.
func (o Outcome) Clean() bool { return len(o.Remaining) == 0 }

// Summary converts o to its wire form.
func (o Outcome) Summary() *protocol.CleanupSummary {
	return &protocol.CleanupSummary{
		GuestProcessesKilled: o.Clean(),
		RemainingPIDs:        o.Remaining,
		Steps:                o.Steps,
	}
}

// Engine runs cleanup steps. All steps are best effort: failures are logged
// and the pipeline continues.
type Engine struct {
	cfg    *config.Config
	paths  store.Paths
	runner toolexec.Runner
	log    *zap.Logger

	// Links deletes network devices by name.
	Links LinkRemover
	// Kill sends SIGKILL to a pid.
	Kill func(pid int) error
	// Settle is the pause after each kill wave.
	Settle time.Duration
	// Now stamps trash names.
	Now func() time.Time

	bg sync.WaitGroup
}

// NewEngine returns an Engine using netlink for devices and kill(2) for pids.
func NewEngine(cfg *config.Config, runner toolexec.Runner, log *zap.Logger) *Engine {
	log = log.Named("cleanup")
	return &Engine{
		cfg:    cfg,
		paths:  store.NewPaths(cfg),
		runner: runner,
		log:    log,
		Links:  NewNetlinkRemover(runner, log),
		Kill: func(pid int) error {
			return unix.Kill(pid, unix.SIGKILL)
		},
		Settle: defaultSettle,
		Now:    time.Now,
	}
}

// Run executes the full pipeline for id.
func (e *Engine) Run(ctx context.Context, id protocol.InstanceID) Outcome {
	log := e.log.With(zap.Uint32("instance", uint32(id)))
	log.Info("starting host cleanup")

	var steps []string
	step := func(name string, fn func()) {
		fn()
		steps = append(steps, name)
	}

	step(StepKillGuestProcesses, func() { e.KillGuestProcesses(ctx, id) })
	step(StepRemoveNetworkDevices, func() { e.removeNetworkDevices(ctx, id) })
	step(StepRemoveEphemeralDirs, func() { e.removeEphemeralDirs(id) })
	step(StepRemoveConfigSymlink, e.removeConfigSymlink)
	step(StepKillOpenFileHolders, func() {
		e.killOpenFileHolders(ctx, e.paths.HostInstanceDir(id), e.paths.HostAssemblyDir(id))
	})

	var remaining []int
	step(StepCollectGuestPIDs, func() { remaining = e.CollectGuestPIDs(ctx, id) })
	if len(remaining) == 0 {
		step(StepTrashInstanceDir, func() { e.trashLogged(e.paths.HostInstanceDir(id)) })
		step(StepTrashAssemblyDir, func() { e.trashLogged(e.paths.HostAssemblyDir(id)) })
	} else {
		log.Warn("guest processes still running", zap.Ints("pids", remaining))
	}
	step(StepResetPermissions, e.ResetPermissionsAsync)

	log.Info("host cleanup finished", zap.Strings("steps", steps), zap.Ints("remaining", remaining))
	return Outcome{Remaining: remaining, Steps: steps}
}

// Preflight clears leftovers of a previous run before a launch: stray
// processes, tap devices, temp dirs and the config symlink.
func (e *Engine) Preflight(ctx context.Context, id protocol.InstanceID) error {
	if remaining := e.KillGuestProcesses(ctx, id); len(remaining) > 0 {
		e.log.Warn("preflight: processes survived kill attempts",
			zap.Uint32("instance", uint32(id)), zap.Ints("pids", remaining))
	}
	e.removeNetworkDevices(ctx, id)
	e.removeEphemeralDirs(id)
	e.removeConfigSymlink()
	return ctx.Err()
}

// Wait blocks until background purges and permission resets have finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) pause(ctx context.Context) {
	if e.Settle <= 0 {
		return
	}
	t := time.NewTimer(e.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) goBackground(name string, fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

func tapNames(id protocol.InstanceID) (taps []string, eth string) {
	n := fmt.Sprintf("%02d", uint32(id))
	return []string{"cvd-mtap-" + n, "cvd-tap-" + n}, "cvd-eth-" + n
}
