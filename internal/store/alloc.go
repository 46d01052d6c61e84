package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/cfctl/internal/protocol"
)

// AllocateID reserves the next free instance id, round robin over 1..99.
// The counter file is flock'd so concurrent daemons (or a restarted one)
// never hand out the same id; allocMu serializes callers in this process.
// A slot is free when neither its metadata file nor its root exists.
func (s *Store) AllocateID() (protocol.InstanceID, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	path := s.paths.NextID()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create control dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("open id counter: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock id counter: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read id counter: %w", err)
	}
	next := protocol.InstanceID(1)
	if n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32); err == nil && n > 0 {
		next = protocol.InstanceID(n)
	}

	candidate := next
	var selected protocol.InstanceID
	for range protocol.MaxInstanceID {
		if candidate == 0 || candidate > protocol.MaxInstanceID {
			candidate = 1
		}
		free := !exists(s.paths.Metadata(candidate)) && !exists(s.paths.Root(candidate))
		chosen := candidate
		candidate = candidate%protocol.MaxInstanceID + 1
		if free {
			selected = chosen
			break
		}
	}
	if selected == 0 {
		return 0, ErrNoFreeSlot
	}

	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncate id counter: %w", err)
	}
	if _, err := f.WriteAt([]byte(candidate.String()), 0); err != nil {
		return 0, fmt.Errorf("write id counter: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync id counter: %w", err)
	}
	return selected, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
