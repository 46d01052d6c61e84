package guest

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/protocol"
)

// DefaultKillWait bounds the wait after SIGKILL.
const DefaultKillWait = 5 * time.Second

// Registry maps instance ids to live guest handles. It is shared by the
// lifecycle manager and exit watchers.
type Registry struct {
	mu      sync.Mutex
	handles map[protocol.InstanceID]*Handle

	log *zap.Logger

	// KillWait is how long Terminate waits after SIGKILL.
	KillWait time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handles:  make(map[protocol.InstanceID]*Handle),
		log:      log.Named("guest"),
		KillWait: DefaultKillWait,
	}
}

// Insert registers h for id, replacing any previous handle.
func (r *Registry) Insert(id protocol.InstanceID, h *Handle) {
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
}

// Get returns the handle for id, or nil.
func (r *Registry) Get(id protocol.InstanceID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// Contains reports whether id has a registered handle.
func (r *Registry) Contains(id protocol.InstanceID) bool {
	return r.Get(id) != nil
}

// RemoveIfHandle removes the entry for id only if it is still h.
// It reports whether the entry was removed.
func (r *Registry) RemoveIfHandle(id protocol.InstanceID, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[id]; ok && cur == h {
		delete(r.handles, id)
		return true
	}
	return false
}

func (r *Registry) take(id protocol.InstanceID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[id]
	delete(r.handles, id)
	return h
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// TerminateResult describes what Terminate did.
type TerminateResult struct {
	// Found is false when no handle was registered.
	Found bool
	// Exit is nil when the process survived SIGKILL.
	Exit *ExitStatus
	// Escalated is set when the grace period expired and SIGKILL was sent.
	Escalated bool
}

// Terminate sends SIGTERM, waits up to grace, then SIGKILL and waits up to
// KillWait. The handle is unregistered before the first signal, so an exit
// watcher never claims an exit that Terminate caused.
func (r *Registry) Terminate(id protocol.InstanceID, grace time.Duration) TerminateResult {
	h := r.take(id)
	if h == nil {
		r.log.Debug("no active handle", zap.Uint32("instance", uint32(id)))
		return TerminateResult{}
	}
	log := r.log.With(zap.Uint32("instance", uint32(id)), zap.Int("pid", h.Pid()))

	res := TerminateResult{Found: true}
	if exit, ok := h.Poll(); ok {
		res.Exit = &exit
		return res
	}

	log.Info("sending SIGTERM")
	if err := h.Signal(syscall.SIGTERM); err != nil {
		log.Warn("SIGTERM failed", zap.Error(err))
	}
	if exit, ok := h.WaitTimeout(grace); ok {
		log.Info("guest exited", zap.String("status", exit.Describe()))
		res.Exit = &exit
		return res
	}

	log.Warn("guest ignored SIGTERM, sending SIGKILL", zap.Duration("grace", grace))
	res.Escalated = true
	if err := h.Signal(syscall.SIGKILL); err != nil {
		log.Warn("SIGKILL failed", zap.Error(err))
	}
	if exit, ok := h.WaitTimeout(r.KillWait); ok {
		log.Info("guest exited after SIGKILL", zap.String("status", exit.Describe()))
		res.Exit = &exit
		return res
	}
	log.Warn("guest still running after SIGKILL")
	return res
}
