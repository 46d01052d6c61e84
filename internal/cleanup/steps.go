package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/protocol"
)

// Patterns returns the pgrep/pkill expressions matching the guest
// processes of id. Each is anchored so instance 1 never matches 10..19.
func (e *Engine) Patterns(id protocol.InstanceID) []string {
	inst := e.paths.HostInstanceDir(id)
	asm := e.paths.HostAssemblyDir(id)
	end := "([^0-9]|$)"
	return []string{
		regexp.QuoteMeta("--instance_dir="+inst) + end,
		regexp.QuoteMeta("--assembly_dir="+asm) + end,
		regexp.QuoteMeta(inst + "/"),
		regexp.QuoteMeta(asm + "/"),
		regexp.QuoteMeta(fmt.Sprintf("cvd-%d", id)) + end,
	}
}

// KillGuestProcesses SIGKILLs everything matching Patterns, then kills any
// survivor by pid. It returns the pids still alive afterwards.
func (e *Engine) KillGuestProcesses(ctx context.Context, id protocol.InstanceID) []int {
	log := e.log.With(zap.Uint32("instance", uint32(id)))
	for _, pattern := range e.Patterns(id) {
		res, err := e.runner.Run(ctx, "pkill", "-9", "-f", "--", pattern)
		if err != nil {
			log.Debug("pkill failed", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if res.ExitCode > 1 {
			log.Debug("pkill exited abnormally", zap.String("pattern", pattern), zap.Int("code", res.ExitCode))
		}
	}
	e.pause(ctx)

	remaining := e.CollectGuestPIDs(ctx, id)
	if len(remaining) == 0 {
		return nil
	}
	for _, pid := range remaining {
		if err := e.Kill(pid); err != nil {
			log.Debug("kill failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	e.pause(ctx)

	remaining = e.CollectGuestPIDs(ctx, id)
	if len(remaining) > 0 {
		log.Debug("processes remain after kill", zap.Ints("pids", remaining))
	}
	return remaining
}

// CollectGuestPIDs returns the sorted, deduplicated pids matching Patterns.
// pgrep exit status 1 means no match.
func (e *Engine) CollectGuestPIDs(ctx context.Context, id protocol.InstanceID) []int {
	seen := make(map[int]struct{})
	for _, pattern := range e.Patterns(id) {
		res, err := e.runner.Run(ctx, "pgrep", "-f", "--", pattern)
		if err != nil {
			e.log.Debug("pgrep failed", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		switch res.ExitCode {
		case 0:
			for _, pid := range parsePIDs(res.Stdout) {
				seen[pid] = struct{}{}
			}
		case 1:
		default:
			e.log.Debug("pgrep exited abnormally", zap.String("pattern", pattern), zap.Int("code", res.ExitCode))
		}
	}
	if len(seen) == 0 {
		return nil
	}
	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func parsePIDs(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (e *Engine) removeNetworkDevices(ctx context.Context, id protocol.InstanceID) {
	taps, eth := tapNames(id)
	for _, name := range append(taps, eth) {
		if err := e.Links.Remove(ctx, name); err != nil {
			e.log.Debug("ignoring device removal failure", zap.String("device", name), zap.Error(err))
		}
	}
}

func (e *Engine) removeEphemeralDirs(id protocol.InstanceID) {
	dirs := []string{
		filepath.Join(e.cfg.TempDir, "cf_avd_0", fmt.Sprintf("cvd-%d", id)),
		filepath.Join(e.cfg.TempDir, "cf_env_0", fmt.Sprintf("env-%d", id)),
		filepath.Join(e.cfg.TempDir, "cf_img_0", fmt.Sprintf("cvd-%d", id)),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			e.log.Debug("ignoring temp dir removal failure", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (e *Engine) removeConfigSymlink() {
	path := e.cfg.ConfigSymlink()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.log.Debug("ignoring config symlink removal failure", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) killOpenFileHolders(ctx context.Context, paths ...string) {
	for _, path := range paths {
		res, err := e.runner.Run(ctx, "lsof", "-t", path)
		if err != nil || res.ExitCode != 0 {
			continue
		}
		for _, pid := range parsePIDs(res.Stdout) {
			if err := e.Kill(pid); err != nil {
				e.log.Debug("kill file holder failed", zap.Int("pid", pid), zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// ResetPermissionsAsync restores group ownership and group rwX on the
// Cuttlefish root in the background.
func (e *Engine) ResetPermissionsAsync() {
	owner := e.cfg.GuestUser + ":" + e.cfg.GuestPrimaryGroup
	root := e.cfg.CuttlefishRoot
	e.goBackground(StepResetPermissions, func() {
		ctx := context.Background()
		if res, err := e.runner.Run(ctx, "chown", "-R", owner, root); err != nil || res.ExitCode != 0 {
			e.log.Debug("ignoring chown failure", zap.String("path", root), zap.Error(err), zap.Int("code", res.ExitCode))
		}
		if res, err := e.runner.Run(ctx, "chmod", "-R", "g+rwX", root); err != nil || res.ExitCode != 0 {
			e.log.Debug("ignoring chmod failure", zap.String("path", root), zap.Error(err), zap.Int("code", res.ExitCode))
		}
	})
}
