package lifecycle

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/cleanup"
	"github.com/xfeldman/cfctl/internal/guest"
	"github.com/xfeldman/cfctl/internal/history"
	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/store"
)

// StopInstance terminates the guest and cleans up its host state.
func (m *Manager) StopInstance(ctx context.Context, id protocol.InstanceID) (protocol.InstanceActionResponse, error) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.InstanceActionResponse{}, metadataError(CodeStopFailed, err)
	}

	res := m.registry.Terminate(id, m.StopGrace)
	state := stopState(res)
	if err := m.save(md, state); err != nil {
		return protocol.InstanceActionResponse{}, wrap(CodeStopFailed, err)
	}
	m.record(id, history.KindStopped, state, describeTermination(res))

	out := m.cleanup.Run(ctx, id)
	if !out.Clean() {
		log.Warn("processes survived cleanup", zap.Ints("pids", out.Remaining))
		if err := m.save(md, protocol.StateFailed); err != nil {
			return protocol.InstanceActionResponse{}, wrap(CodeStopFailed, err)
		}
	}
	return protocol.InstanceActionResponse{Summary: m.summary(md), Cleanup: out.Summary()}, nil
}

// stopState decides the state after an explicit stop. A guest that exits
// cleanly, dies from our own SIGTERM, or was not running is stopped;
// anything else, including a SIGKILL escalation, is failed.
func stopState(res guest.TerminateResult) protocol.InstanceState {
	switch {
	case !res.Found:
		return protocol.StateStopped
	case res.Exit == nil:
		return protocol.StateFailed
	case res.Exit.Success():
		return protocol.StateStopped
	case res.Exit.KilledBy(syscall.SIGTERM) && !res.Escalated:
		return protocol.StateStopped
	}
	return protocol.StateFailed
}

func describeTermination(res guest.TerminateResult) string {
	switch {
	case !res.Found:
		return "no running guest"
	case res.Exit == nil:
		return "guest survived SIGKILL"
	case res.Escalated:
		return res.Exit.Describe() + " after SIGKILL"
	}
	return res.Exit.Describe()
}

// HoldInstance protects an instance from prune.
func (m *Manager) HoldInstance(ctx context.Context, id protocol.InstanceID) (protocol.InstanceActionResponse, error) {
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.InstanceActionResponse{}, metadataError(CodeHoldFailed, err)
	}
	md.Held = true
	md.UpdatedAt = m.Now().Unix()
	if err := m.store.Save(md); err != nil {
		return protocol.InstanceActionResponse{}, wrap(CodeHoldFailed, err)
	}
	m.record(id, history.KindHeld, md.State, "")
	m.log.Info("instance marked as held", zap.Uint32("instance", uint32(id)))
	return protocol.InstanceActionResponse{Summary: m.summary(md)}, nil
}

type finishResult struct {
	outcome cleanup.Outcome
	err     error
}

// DestroyInstance tears an instance down in two phases. The first runs
// inline; the second runs in the background and may outlive the caller's
// timeout. The returned channel is closed when the second phase is done.
func (m *Manager) DestroyInstance(ctx context.Context, id protocol.InstanceID, opts protocol.DestroyOptions) (protocol.InstanceActionResponse, <-chan struct{}, error) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))
	var none protocol.InstanceActionResponse

	summary, err := m.prepareDestroy(ctx, id, history.KindDestroying)
	if err != nil {
		return none, nil, wrap(CodeDestroyPrepareFailed, err)
	}

	done := make(chan struct{})
	results := make(chan finishResult, 1)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer close(done)
		out, err := m.finishDestroy(context.Background(), id)
		results <- finishResult{outcome: out, err: err}
	}()

	var timeout <-chan time.Time
	if opts.TimeoutSecs != nil {
		t := time.NewTimer(time.Duration(*opts.TimeoutSecs) * time.Second)
		defer t.Stop()
		timeout = t.C
	}

	log.Info("waiting for cleanup completion")
	var res finishResult
	select {
	case res = <-results:
	case <-timeout:
		return none, done, errorf(CodeDestroyTimeout, "destroy %d exceeded timeout", id)
	case <-ctx.Done():
		return none, done, errorf(CodeDestroyTimeout, "destroy %d abandoned: %v", id, ctx.Err())
	}

	if res.err != nil {
		return none, done, errorf(CodeDestroyCleanupFailed, "cleanup for %d failed: %v", id, res.err)
	}
	if !res.outcome.Clean() {
		return none, done, errorf(CodeDestroyIncomplete, "guest processes still running for %d: %v", id, res.outcome.Remaining)
	}
	log.Info("instance destroyed")
	return protocol.InstanceActionResponse{Summary: summary, Cleanup: res.outcome.Summary()}, done, nil
}

// prepareDestroy marks the instance destroyed, drops it from the cache and
// kills its guest.
func (m *Manager) prepareDestroy(ctx context.Context, id protocol.InstanceID, kind string) (protocol.InstanceSummary, error) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))

	md, err := m.store.Load(id)
	if err != nil {
		md = m.blankMetadata(id)
	}
	now := m.Now().Unix()
	md.SetState(protocol.StateDestroyed, now)
	if md.CreatedAt == 0 {
		md.CreatedAt = now
	}
	if m.store.Exists(id) {
		if err := m.store.Save(md); err != nil {
			return protocol.InstanceSummary{}, err
		}
	}
	m.store.Forget(id)
	m.record(id, kind, md.State, "")

	m.registry.Terminate(id, m.DestroyGrace)
	if remaining := m.cleanup.KillGuestProcesses(ctx, id); len(remaining) > 0 {
		log.Warn("force kill pass left processes running", zap.Ints("pids", remaining))
	}
	return protocol.InstanceSummary{ID: id, State: protocol.StateDestroyed}, nil
}

// finishDestroy runs the cleanup pipeline and removes the instance's files
// when nothing survived. Survivors leave the instance failed.
func (m *Manager) finishDestroy(ctx context.Context, id protocol.InstanceID) (cleanup.Outcome, error) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))
	out := m.cleanup.Run(ctx, id)
	if out.Clean() {
		if err := m.store.RemoveArtifacts(id); err != nil {
			log.Warn("failed to remove instance files", zap.Error(err))
			return out, nil
		}
		if m.history != nil {
			if err := m.history.DeleteEvents(uint32(id)); err != nil {
				log.Warn("failed to drop history", zap.Error(err))
			}
		}
		return out, nil
	}
	if _, err := m.markState(id, protocol.StateFailed); err != nil {
		return out, err
	}
	m.record(id, history.KindDestroyIncomplete, protocol.StateFailed, fmt.Sprintf("remaining pids %v", out.Remaining))
	return out, nil
}

// PruneExpired destroys unheld instances not updated within maxAgeSecs.
func (m *Manager) PruneExpired(ctx context.Context, maxAgeSecs uint64) (pruned, retained int, err error) {
	now := m.Now().Unix()
	var cutoff int64
	if maxAgeSecs < uint64(now) {
		cutoff = now - int64(maxAgeSecs)
	}
	return m.prune(ctx, func(md *store.Metadata) pruneDecision {
		switch {
		case md.State == protocol.StateDestroyed, md.Held, md.UpdatedAt > cutoff:
			return pruneSkip
		}
		return pruneDestroy
	})
}

// PruneAll destroys every unheld instance. Held instances count as retained.
func (m *Manager) PruneAll(ctx context.Context) (pruned, retained int, err error) {
	return m.prune(ctx, func(md *store.Metadata) pruneDecision {
		switch {
		case md.State == protocol.StateDestroyed:
			return pruneSkip
		case md.Held:
			return pruneRetain
		}
		return pruneDestroy
	})
}

type pruneDecision int

const (
	pruneSkip pruneDecision = iota
	pruneRetain
	pruneDestroy
)

func (m *Manager) prune(ctx context.Context, decide func(*store.Metadata) pruneDecision) (pruned, retained int, err error) {
	ids, err := m.store.IDs()
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pruned, retained, err
		}
		md, err := m.store.Load(id)
		if err != nil {
			m.log.Debug("prune: skipping unreadable instance", zap.Uint32("instance", uint32(id)), zap.Error(err))
			continue
		}
		switch decide(md) {
		case pruneSkip:
			continue
		case pruneRetain:
			retained++
			continue
		}

		ok, err := m.pruneInstance(ctx, id, decide)
		switch {
		case err != nil:
			m.log.Warn("prune failed", zap.Uint32("instance", uint32(id)), zap.Error(err))
			retained++
		case ok:
			pruned++
		}
	}
	return pruned, retained, nil
}

// pruneInstance destroys one instance under its lock. The decision is
// repeated under the lock since the instance may have changed meanwhile.
func (m *Manager) pruneInstance(ctx context.Context, id protocol.InstanceID, decide func(*store.Metadata) pruneDecision) (bool, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	md, err := m.store.Load(id)
	if err != nil {
		return false, nil
	}
	switch decide(md) {
	case pruneSkip:
		return false, nil
	case pruneRetain:
		return false, fmt.Errorf("instance %d is held", id)
	}

	if _, err := m.prepareDestroy(ctx, id, history.KindPruned); err != nil {
		return false, err
	}
	out, err := m.finishDestroy(ctx, id)
	if err != nil {
		return false, err
	}
	if !out.Clean() {
		return false, fmt.Errorf("instance %d still running (pids %v)", id, out.Remaining)
	}
	return true, nil
}

func pruneMessage(format string, pruned, retained int) string {
	msg := fmt.Sprintf(format, pruned)
	if retained > 0 {
		msg += fmt.Sprintf("; %d still running", retained)
	}
	return msg
}
