// Package store persists instance metadata and env files under the cfctl
// state directory and allocates instance ids.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/protocol"
)

var (
	// ErrNotFound is returned when an instance has no metadata file.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidMetadata is returned when metadata.json cannot be decoded.
	ErrInvalidMetadata = errors.New("invalid instance metadata")

	// ErrNoFreeSlot is returned when all ids 1..99 are in use.
	ErrNoFreeSlot = errors.New("no available instance slots (1-99)")
)

// Store reads and writes instance metadata with a read-through cache.
// Every write goes to disk first and then replaces the cached copy, so the
// cache never holds a state that is not on disk.
type Store struct {
	cfg   *config.Config
	paths Paths

	mu    sync.Mutex
	cache map[protocol.InstanceID]*Metadata

	allocMu sync.Mutex

	// Now is the clock used for timestamps. Tests override it.
	Now func() time.Time
}

// New returns a Store rooted at cfg.StateDir.
func New(cfg *config.Config) *Store {
	return &Store{
		cfg:   cfg,
		paths: NewPaths(cfg),
		cache: make(map[protocol.InstanceID]*Metadata),
		Now:   time.Now,
	}
}

// Paths returns the path resolver.
func (s *Store) Paths() Paths { return s.paths }

// Epoch returns the current time in epoch seconds.
func (s *Store) Epoch() int64 { return s.Now().Unix() }

// Load returns a copy of the instance metadata.
func (s *Store) Load(id protocol.InstanceID) (*Metadata, error) {
	s.mu.Lock()
	if m, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return m.clone(), nil
	}
	s.mu.Unlock()

	m, err := s.read(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = m.clone()
	s.mu.Unlock()
	return m, nil
}

func (s *Store) read(id protocol.InstanceID) (*Metadata, error) {
	path := s.paths.Metadata(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("instance %d: %w: %v", id, ErrInvalidMetadata, err)
	}
	if m.State == "" {
		m.State = protocol.StateUnknown
	}
	return &m, nil
}

// Exists reports whether the metadata file is present on disk.
func (s *Store) Exists(id protocol.InstanceID) bool {
	_, err := os.Stat(s.paths.Metadata(id))
	return err == nil
}

// Save writes metadata.json atomically and refreshes the cache.
func (s *Store) Save(m *Metadata) error {
	path := s.paths.Metadata(m.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeAtomic(path, path+".tmp", data, 0644); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	s.mu.Lock()
	s.cache[m.ID] = m.clone()
	s.mu.Unlock()
	return nil
}

// WriteEnvFile regenerates <etc_instances_dir>/<id>.env from m.
func (s *Store) WriteEnvFile(m *Metadata) error {
	path := s.paths.EnvFile(m.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	content := fmt.Sprintf(
		"# Autogenerated by cfctl at %d\n"+
			"CUTTLEFISH_BOOT_IMAGE=%s\n"+
			"CUTTLEFISH_INIT_BOOT_IMAGE=%s\n"+
			"CUTTLEFISH_BASE_INSTANCE_NUM=%d\n"+
			"CUTTLEFISH_ADB_TCP_PORT=%d\n",
		s.Epoch(), m.BootImage, m.InitBootImage, m.ID, m.AdbPort,
	)
	tmp := filepath.Join(filepath.Dir(path), m.ID.String()+".tmp")
	if err := writeAtomic(path, tmp, []byte(content), 0640); err != nil {
		return fmt.Errorf("write env file %s: %w", path, err)
	}
	return os.Chmod(path, 0640)
}

// Forget drops the cached metadata for id.
func (s *Store) Forget(id protocol.InstanceID) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// RemoveArtifacts deletes the env file and the instance root, freeing the id.
func (s *Store) RemoveArtifacts(id protocol.InstanceID) error {
	s.Forget(id)
	env := s.paths.EnvFile(id)
	if err := os.Remove(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove env file %s: %w", env, err)
	}
	root := s.paths.Root(id)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove instance dir %s: %w", root, err)
	}
	return nil
}

// IDs lists the numeric instance directories under <state_dir>/instances in
// ascending order. A missing directory yields no ids.
func (s *Store) IDs() ([]protocol.InstanceID, error) {
	entries, err := os.ReadDir(s.cfg.InstancesStateDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []protocol.InstanceID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, protocol.InstanceID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func writeAtomic(path, tmp string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
