// Package lifecycle drives Cuttlefish instances through their states.
//
// State transitions:
//
//	CREATED → STARTING → RUNNING → STOPPED
//	              │          │
//	              └→ FAILED ←┘
//
// Any state moves to DESTROYED when destroy begins; the instance's files are
// removed once cleanup confirms no guest process survived, otherwise it is
// left FAILED. HELD is a flag rather than a state: held instances are never
// pruned.
//
// Every operation on an instance runs under that instance's lock, taken by
// the dispatcher. The manager itself only locks for work it starts on its
// own: exit watchers and prune.
package lifecycle

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/cleanup"
	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/guest"
	"github.com/xfeldman/cfctl/internal/history"
	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/readiness"
	"github.com/xfeldman/cfctl/internal/store"
)

// Grace periods for SIGTERM before escalating to SIGKILL.
const (
	StopGrace        = 10 * time.Second
	DestroyGrace     = 5 * time.Second
	StartFailGrace   = 5 * time.Second
	AdbTimeoutGrace  = 2 * time.Second
	describeLogLines = 50
	describeEvents   = 20
)

// InstanceLocker serializes work on one instance. The returned func
// releases the lock.
type InstanceLocker interface {
	LockInstance(ctx context.Context, id protocol.InstanceID) (func(), error)
}

// Deps are the collaborators of a Manager. History and Locker are optional.
type Deps struct {
	Store    *store.Store
	Registry *guest.Registry
	Cleanup  *cleanup.Engine
	Waiter   *readiness.Waiter
	Launcher Launcher
	History  *history.DB
	Locker   InstanceLocker
	Log      *zap.Logger
}

// Manager owns the lifecycle of every instance.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	registry *guest.Registry
	cleanup  *cleanup.Engine
	waiter   *readiness.Waiter
	launcher Launcher
	history  *history.DB
	locker   InstanceLocker
	log      *zap.Logger

	// Grace periods, overridable in tests.
	StopGrace       time.Duration
	DestroyGrace    time.Duration
	StartFailGrace  time.Duration
	AdbTimeoutGrace time.Duration

	Now func() time.Time

	// exit watchers and destroy finishers
	bg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:             cfg,
		store:           deps.Store,
		registry:        deps.Registry,
		cleanup:         deps.Cleanup,
		waiter:          deps.Waiter,
		launcher:        deps.Launcher,
		history:         deps.History,
		locker:          deps.Locker,
		log:             log.Named("lifecycle"),
		StopGrace:       StopGrace,
		DestroyGrace:    DestroyGrace,
		StartFailGrace:  StartFailGrace,
		AdbTimeoutGrace: AdbTimeoutGrace,
		Now:             time.Now,
	}
}

// SetLocker installs the lock used by exit watchers and prune. It must be
// called before the first request.
func (m *Manager) SetLocker(l InstanceLocker) {
	m.locker = l
}

// Wait blocks until exit watchers and background destroys have finished.
// Exit watchers only finish when their guest exits.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Result is the outcome of Handle.
type Result struct {
	Response protocol.Response

	// Background, when non-nil, is closed once work that still owns the
	// instance has finished. The caller keeps the instance locked until then.
	Background <-chan struct{}
}

// Handle runs one request. Failures are reported in the response.
func (m *Manager) Handle(ctx context.Context, req protocol.Request) Result {
	log := m.log.With(zap.String("action", req.Action))
	if id, ok := req.TargetID(); ok {
		log = log.With(zap.Uint32("instance", uint32(id)))
	}
	log.Debug("handling request")

	res := m.dispatch(ctx, req)
	if res.Response.OK {
		log.Debug("request completed")
	} else {
		log.Warn("request failed", zap.String("error", res.Response.ErrorMessage()))
	}
	return res
}

func (m *Manager) dispatch(ctx context.Context, req protocol.Request) Result {
	if err := req.Validate(); err != nil {
		return failed(CodeRequestInvalid, err)
	}
	switch req.Action {
	case protocol.ActionCreateInstance:
		resp, err := m.CreateInstance(ctx, req.Purpose)
		if err != nil {
			return failed(CodeCreateFailed, err)
		}
		return ok(protocol.Response{OK: true, Create: &resp})

	case protocol.ActionStartInstance:
		opts, err := req.StartOptions()
		if err != nil {
			return failed(CodeStartInvalidOptions, err)
		}
		return action(m.StartInstance(ctx, req.ID, opts))

	case protocol.ActionCreateStartInstance:
		opts, err := req.StartOptions()
		if err != nil {
			return failed(CodeStartInvalidOptions, err)
		}
		return action(m.CreateStartInstance(ctx, req.Purpose, opts))

	case protocol.ActionStopInstance:
		return action(m.StopInstance(ctx, req.ID))

	case protocol.ActionHoldInstance:
		return action(m.HoldInstance(ctx, req.ID))

	case protocol.ActionDestroyInstance:
		opts, err := req.DestroyOptions()
		if err != nil {
			return failed(CodeRequestInvalid, err)
		}
		resp, done, err := m.DestroyInstance(ctx, req.ID, opts)
		res := action(resp, err)
		res.Background = done
		return res

	case protocol.ActionDeploy:
		if err := m.Deploy(ctx, req.ID, req.BootImage, req.InitBootImage); err != nil {
			return failed(CodeDeployFailed, err)
		}
		return ok(protocol.OK("deploy updated"))

	case protocol.ActionWaitForAdb:
		return action(m.WaitForAdb(ctx, req.ID, req.TimeoutSecs))

	case protocol.ActionLogs:
		opts, err := req.LogsOptions()
		if err != nil {
			return failed(CodeRequestInvalid, err)
		}
		logs, err := m.Logs(ctx, req.ID, req.Lines, opts)
		if err != nil {
			return failed(CodeLogsFetchFailed, err)
		}
		return ok(protocol.Response{OK: true, Logs: &logs})

	case protocol.ActionStatus:
		return action(m.Status(ctx, req.ID))

	case protocol.ActionDescribe:
		return action(m.Describe(ctx, req.ID, req.RunLogLines))

	case protocol.ActionListInstances:
		list, err := m.ListInstances(ctx)
		if err != nil {
			return failed(CodeListFailed, err)
		}
		return ok(protocol.Response{OK: true, Instances: list})

	case protocol.ActionPruneExpired:
		var maxAge uint64
		if req.MaxAgeSecs != nil {
			maxAge = *req.MaxAgeSecs
		}
		pruned, retained, err := m.PruneExpired(ctx, maxAge)
		if err != nil {
			return failed(CodePruneFailed, err)
		}
		return ok(protocol.OK(pruneMessage("pruned %d expired instances", pruned, retained)))

	case protocol.ActionPruneAll:
		pruned, retained, err := m.PruneAll(ctx)
		if err != nil {
			return failed(CodePruneFailed, err)
		}
		return ok(protocol.OK(pruneMessage("pruned %d instances", pruned, retained)))
	}
	return failed(CodeRequestInvalid, errorf(CodeRequestInvalid, "unknown action %q", req.Action))
}

func ok(resp protocol.Response) Result {
	return Result{Response: resp}
}

func failed(code string, err error) Result {
	e := AsError(code, err)
	return Result{Response: protocol.Response{OK: false, Error: e.Detail()}}
}

func action(resp protocol.InstanceActionResponse, err error) Result {
	if err != nil {
		return failed(CodeRequestInvalid, err)
	}
	return ok(protocol.Response{OK: true, Action: &resp})
}

func (m *Manager) lock(ctx context.Context, id protocol.InstanceID) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	return m.locker.LockInstance(ctx, id)
}

// save stamps md with state and persists it.
func (m *Manager) save(md *store.Metadata, state protocol.InstanceState) error {
	md.SetState(state, m.Now().Unix())
	return m.store.Save(md)
}

// markState sets the state of id, synthesizing metadata when none can be
// read. The env file is refreshed best effort.
func (m *Manager) markState(id protocol.InstanceID, state protocol.InstanceState) (*store.Metadata, error) {
	md, err := m.store.Load(id)
	if err != nil {
		md = m.blankMetadata(id)
	}
	now := m.Now().Unix()
	md.SetState(state, now)
	if md.CreatedAt == 0 {
		md.CreatedAt = now
	}
	paths := m.store.Paths()
	if err := os.MkdirAll(paths.Artifacts(id), 0755); err != nil {
		return nil, err
	}
	if err := m.store.Save(md); err != nil {
		return nil, err
	}
	if err := m.store.WriteEnvFile(md); err != nil {
		m.log.Debug("ignoring env file update failure", zap.Uint32("instance", uint32(id)), zap.Error(err))
	}
	return md, nil
}

func (m *Manager) blankMetadata(id protocol.InstanceID) *store.Metadata {
	return &store.Metadata{
		ID:            id,
		AdbPort:       m.store.Paths().AdbPort(id),
		State:         protocol.StateUnknown,
		BootImage:     m.cfg.DefaultBootImage,
		InitBootImage: m.cfg.DefaultInitBootImage,
	}
}

func (m *Manager) summary(md *store.Metadata) protocol.InstanceSummary {
	return md.Summary(m.cfg.AdbHost)
}

// record appends a history event. History failures never fail an operation.
func (m *Manager) record(id protocol.InstanceID, kind string, state protocol.InstanceState, message string) {
	if m.history == nil {
		return
	}
	err := m.history.Record(history.Event{
		InstanceID: uint32(id),
		At:         m.Now(),
		Kind:       kind,
		State:      string(state),
		Message:    message,
	})
	if err != nil {
		m.log.Warn("failed to record event", zap.Uint32("instance", uint32(id)), zap.String("kind", kind), zap.Error(err))
	}
}
