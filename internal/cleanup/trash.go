package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// TrashPath returns the name path is renamed to before purging:
// <name>.__trash__.<epoch>.<pid> in the same directory.
func (e *Engine) TrashPath(path string) string {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) {
		name = "trash"
	}
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s%s%d.%d", name, trashMarker, e.Now().Unix(), os.Getpid()))
}

// TrashThenPurge renames path out of the way and deletes it in the
// background. A missing path is a no-op. Once this returns, path is free
// for reuse.
func (e *Engine) TrashThenPurge(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	trash := e.TrashPath(path)
	for i := 1; exists(trash); i++ {
		// same second and pid as an earlier trash of this name
		trash = fmt.Sprintf("%s.%d", e.TrashPath(path), i)
	}
	if err := os.Rename(path, trash); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", path, trash, err)
	}
	e.purge(trash)
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (e *Engine) trashLogged(path string) {
	if err := e.TrashThenPurge(path); err != nil {
		e.log.Debug("trash failed", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) purge(path string) {
	e.goBackground("purge", func() {
		if err := os.RemoveAll(path); err != nil {
			e.log.Warn("background purge failed", zap.String("path", path), zap.Error(err))
			return
		}
		e.log.Debug("purged", zap.String("path", path))
	})
}

// SweepTrash schedules removal of trash left in the launcher's instance and
// assembly dirs by an earlier daemon run.
func (e *Engine) SweepTrash(ctx context.Context) int {
	n := 0
	for _, base := range []string{e.cfg.CuttlefishInstancesDir, e.cfg.CuttlefishAssemblyDir} {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return n
			}
			if !strings.Contains(entry.Name(), trashMarker) {
				continue
			}
			e.purge(filepath.Join(base, entry.Name()))
			n++
		}
	}
	if n > 0 {
		e.log.Info("sweeping leftover trash", zap.Int("entries", n))
	}
	return n
}

// PrepareHostDirs trashes any existing launcher dirs for the instance and
// recreates them empty.
func (e *Engine) PrepareHostDirs(instanceDir, assemblyDir string) error {
	for _, dir := range []string{instanceDir, assemblyDir} {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(dir), err)
		}
		if err := e.TrashThenPurge(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureQemuDatadir populates <cuttlefish_root>/usr/share/qemu/x86_64-linux-gnu/kvmvapic.bin
// from inside the FHS environment when it is missing. A failing copy is
// logged and ignored; only local filesystem errors are returned.
func (e *Engine) EnsureQemuDatadir(ctx context.Context) error {
	dir := filepath.Join(e.cfg.CuttlefishRoot, "usr", "share", "qemu", "x86_64-linux-gnu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create qemu datadir %s: %w", dir, err)
	}
	target := filepath.Join(dir, "kvmvapic.bin")
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	res, err := e.runner.Run(ctx, e.cfg.CuttlefishFHS, "--", "cat", "/usr/share/qemu/kvmvapic.bin")
	if err != nil || res.ExitCode != 0 {
		e.log.Warn("could not read kvmvapic.bin through the FHS wrapper", zap.Error(err), zap.Int("code", res.ExitCode))
		return nil
	}
	if err := os.WriteFile(target, []byte(res.Stdout), 0644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return os.Chmod(target, 0644)
}
