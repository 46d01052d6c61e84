package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	gzip "github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/history"
	"github.com/xfeldman/cfctl/internal/logstore"
	"github.com/xfeldman/cfctl/internal/protocol"
)

// Deploy copies new boot images into the instance's artifacts dir and
// points the instance at them. Gzip compressed sources are expanded.
func (m *Manager) Deploy(ctx context.Context, id protocol.InstanceID, bootImage, initBootImage string) error {
	if bootImage == "" && initBootImage == "" {
		return errorf(CodeDeployInvalidRequest, "deploy requires boot_image or init_boot_image")
	}
	md, err := m.store.Load(id)
	if err != nil {
		return metadataError(CodeDeployFailed, err)
	}
	artifacts := m.store.Paths().Artifacts(id)
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		return wrap(CodeDeployFailed, err)
	}

	var deployed []string
	if bootImage != "" {
		dest := filepath.Join(artifacts, "boot.img")
		if err := copyImage(bootImage, dest); err != nil {
			return errorf(CodeDeployFailed, "copy boot image %s -> %s: %v", bootImage, dest, err)
		}
		md.BootImage = dest
		deployed = append(deployed, "boot.img")
	}
	if initBootImage != "" {
		dest := filepath.Join(artifacts, "init_boot.img")
		if err := copyImage(initBootImage, dest); err != nil {
			return errorf(CodeDeployFailed, "copy init_boot image %s -> %s: %v", initBootImage, dest, err)
		}
		md.InitBootImage = dest
		deployed = append(deployed, "init_boot.img")
	}

	md.UpdatedAt = m.Now().Unix()
	if err := m.store.Save(md); err != nil {
		return wrap(CodeDeployFailed, err)
	}
	if err := m.store.WriteEnvFile(md); err != nil {
		return wrap(CodeDeployFailed, err)
	}
	m.record(id, history.KindDeployed, md.State, fmt.Sprint(deployed))
	m.log.Info("images deployed", zap.Uint32("instance", uint32(id)), zap.Strings("images", deployed))
	return nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// copyImage copies src to dst through a temp file, expanding gzip input.
func copyImage(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	br := bufio.NewReader(in)
	var r io.Reader = br
	if head, err := br.Peek(len(gzipMagic)); err == nil && bytes.Equal(head, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Logs returns the tail of the run log. A zero timeout fails immediately.
func (m *Manager) Logs(ctx context.Context, id protocol.InstanceID, lines *int, opts protocol.LogsOptions) (protocol.LogsResponse, error) {
	if opts.TimeoutSecs != nil && *opts.TimeoutSecs == 0 {
		return protocol.LogsResponse{}, errorf(CodeLogsTimeout, "timeout expired before logs retrieved")
	}
	n := lineCount(lines, m.cfg.JournalLines)
	paths := m.store.Paths()
	path := paths.RunLog(id)

	var tail string
	var err error
	if opts.Previous {
		tail, err = logstore.TailPrevious(path, n)
	} else {
		tail, err = logstore.Tail(path, n)
	}
	resp := protocol.LogsResponse{ConsoleLogPath: paths.ConsoleLog(id)}
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return protocol.LogsResponse{}, wrap(CodeLogsFetchFailed, err)
	default:
		resp.Journal = &tail
	}
	return resp, nil
}

// Status returns the summary of one instance.
func (m *Manager) Status(ctx context.Context, id protocol.InstanceID) (protocol.InstanceActionResponse, error) {
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.InstanceActionResponse{}, metadataError(CodeStatusFailed, err)
	}
	return protocol.InstanceActionResponse{Summary: m.summary(md)}, nil
}

// Describe returns the summary plus metadata, run log tail, live guest pid
// and recent history.
func (m *Manager) Describe(ctx context.Context, id protocol.InstanceID, runLogLines *int) (protocol.InstanceActionResponse, error) {
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.InstanceActionResponse{}, metadataError(CodeDescribeFailed, err)
	}
	paths := m.store.Paths()
	details := &protocol.InstanceDetails{
		Purpose:        md.PurposeString(),
		Held:           md.Held,
		BootImage:      md.BootImage,
		InitBootImage:  md.InitBootImage,
		CreatedAt:      md.CreatedAt,
		UpdatedAt:      md.UpdatedAt,
		ConsoleLogPath: paths.ConsoleLog(id),
		RunLogPath:     paths.RunLog(id),
	}
	if h := m.registry.Get(id); h != nil {
		details.GuestPID = h.Pid()
	}

	n := lineCount(runLogLines, describeLogLines)
	if n > 0 {
		if tail, err := logstore.Tail(paths.RunLog(id), n); err == nil {
			details.RunLogTail = tail
		}
	}

	if m.history != nil {
		events, err := m.history.Events(uint32(id), describeEvents)
		if err != nil {
			m.log.Warn("failed to read history", zap.Uint32("instance", uint32(id)), zap.Error(err))
		}
		for _, ev := range events {
			details.Events = append(details.Events, protocol.Event{
				At:      ev.At.Unix(),
				Kind:    ev.Kind,
				State:   ev.State,
				Message: ev.Message,
			})
		}
	}
	return protocol.InstanceActionResponse{Summary: m.summary(md), Details: details}, nil
}

// ListInstances returns every instance with readable metadata that has not
// been destroyed, sorted by id.
func (m *Manager) ListInstances(ctx context.Context) ([]protocol.InstanceSummary, error) {
	ids, err := m.store.IDs()
	if err != nil {
		return nil, wrap(CodeListFailed, err)
	}
	list := make([]protocol.InstanceSummary, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		md, err := m.store.Load(id)
		if err != nil {
			m.log.Debug("list: skipping unreadable instance", zap.Uint32("instance", uint32(id)), zap.Error(err))
			skipped++
			continue
		}
		if md.State == protocol.StateDestroyed {
			skipped++
			continue
		}
		list = append(list, m.summary(md))
	}
	m.log.Debug("listed instances", zap.Int("found", len(list)), zap.Int("skipped", skipped))
	return list, nil
}


// lineCount resolves a requested line count, clamped to 0..MaxLogLines.
func lineCount(requested *int, def int) int {
	n := def
	if requested != nil {
		n = *requested
	}
	return min(max(n, 0), protocol.MaxLogLines)
}
