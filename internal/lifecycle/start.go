package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/guest"
	"github.com/xfeldman/cfctl/internal/history"
	"github.com/xfeldman/cfctl/internal/logstore"
	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/readiness"
	"github.com/xfeldman/cfctl/internal/store"
)

// CreateInstance allocates an id and writes the initial metadata and env
// file. The caller holds the id allocation lock.
func (m *Manager) CreateInstance(ctx context.Context, purpose string) (protocol.CreateInstanceResponse, error) {
	id, err := m.store.AllocateID()
	if err != nil {
		if errors.Is(err, store.ErrNoFreeSlot) {
			return protocol.CreateInstanceResponse{}, wrap(CodeCreateExhausted, err)
		}
		return protocol.CreateInstanceResponse{}, wrap(CodeCreateFailed, err)
	}

	paths := m.store.Paths()
	if err := os.MkdirAll(paths.Artifacts(id), 0755); err != nil {
		return protocol.CreateInstanceResponse{}, errorf(CodeCreateFailed, "creating instance dir %s: %v", paths.Root(id), err)
	}

	now := m.Now().Unix()
	md := &store.Metadata{
		ID:            id,
		AdbPort:       paths.AdbPort(id),
		State:         protocol.StateCreated,
		BootImage:     m.cfg.DefaultBootImage,
		InitBootImage: m.cfg.DefaultInitBootImage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if purpose != "" {
		md.Purpose = &purpose
	}
	if err := m.store.Save(md); err != nil {
		m.abandon(id)
		return protocol.CreateInstanceResponse{}, wrap(CodeCreateFailed, err)
	}
	if err := m.store.WriteEnvFile(md); err != nil {
		m.abandon(id)
		return protocol.CreateInstanceResponse{}, wrap(CodeCreateFailed, err)
	}

	m.record(id, history.KindCreated, md.State, purpose)
	m.log.Info("instance created", zap.Uint32("instance", uint32(id)), zap.Uint16("adb_port", md.AdbPort))
	return protocol.CreateInstanceResponse{Summary: m.summary(md)}, nil
}

// abandon frees a half created slot.
func (m *Manager) abandon(id protocol.InstanceID) {
	if err := m.store.RemoveArtifacts(id); err != nil {
		m.log.Warn("failed to release instance slot", zap.Uint32("instance", uint32(id)), zap.Error(err))
	}
}

// CreateStartInstance creates an instance and starts it. A failed start
// leaves the instance in place.
func (m *Manager) CreateStartInstance(ctx context.Context, purpose string, opts protocol.StartOptions) (protocol.InstanceActionResponse, error) {
	created, err := m.CreateInstance(ctx, purpose)
	if err != nil {
		return protocol.InstanceActionResponse{}, errorf(CodeCreateStartCreate, "%s", AsError(CodeCreateFailed, err).Message)
	}
	return m.StartInstance(ctx, created.Summary.ID, opts)
}

// StartInstance launches the guest and, unless told to skip it, waits for
// adb and optionally verifies boot.
func (m *Manager) StartInstance(ctx context.Context, id protocol.InstanceID, opts protocol.StartOptions) (protocol.InstanceActionResponse, error) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))
	var none protocol.InstanceActionResponse

	if opts.SkipAdbWait && opts.VerifyBoot {
		return none, errorf(CodeStartInvalidOptions, "cannot use both skip_adb_wait and verify_boot (boot verification requires ADB)")
	}
	if m.registry.Contains(id) {
		log.Warn("instance already has an active guest handle")
		return none, errorf(CodeStartAlreadyRunning, "instance %d already running", id)
	}

	md, err := m.store.Load(id)
	if err != nil {
		return none, wrap(CodeStartMetadata, err)
	}
	log.Info("starting instance", zap.String("previous_state", string(md.State)))

	if err := m.save(md, protocol.StateStarting); err != nil {
		return none, wrap(CodeStartWriteMetadata, err)
	}
	if err := m.store.WriteEnvFile(md); err != nil {
		return none, wrap(CodeStartWriteEnv, err)
	}
	m.record(id, history.KindStarting, md.State, "")

	if err := m.cleanup.Preflight(ctx, id); err != nil {
		return none, m.abortStart(md, CodeStartPreflight, err)
	}
	paths := m.store.Paths()
	if err := m.cleanup.PrepareHostDirs(paths.HostInstanceDir(id), paths.HostAssemblyDir(id)); err != nil {
		return none, m.abortStart(md, CodeStartPrepareDirs, err)
	}
	if err := m.cleanup.EnsureQemuDatadir(ctx); err != nil {
		return none, m.abortStart(md, CodeStartEnsureQemu, err)
	}

	runLog, err := logstore.Open(paths.RunLog(id))
	if err != nil {
		return none, m.abortStart(md, CodeStartPrepareLog, err)
	}
	h, err := m.spawn(id, md, opts, runLog)
	runLog.Close()
	if err != nil {
		log.Warn("failed to spawn guest", zap.Error(err))
		if serr := m.save(md, protocol.StateFailed); serr != nil {
			log.Warn("failed to record spawn failure", zap.Error(serr))
		}
		m.record(id, history.KindLaunchFailed, md.State, err.Error())
		return none, errorf(CodeStartSpawnFailed, "launching cuttlefish guest: %v", err)
	}
	m.registry.Insert(id, h)
	log.Info("guest launched", zap.Int("pid", h.Pid()))
	m.record(id, history.KindLaunched, md.State, fmt.Sprintf("pid %d", h.Pid()))

	if opts.SkipAdbWait {
		if err := m.save(md, protocol.StateRunning); err != nil {
			return none, wrap(CodeStartWriteMetadata, err)
		}
		log.Info("skipping adb wait; registering exit watcher")
		m.watch(id, h)
		return protocol.InstanceActionResponse{Summary: m.summary(md)}, nil
	}

	timeout := m.cfg.StartTimeout()
	if opts.TimeoutSecs != nil {
		timeout = time.Duration(*opts.TimeoutSecs) * time.Second
	}
	deadline := m.Now().Add(timeout)

	resp, err := m.waitForAdb(ctx, id, deadline)
	if err != nil {
		log.Warn("adb never became ready", zap.Error(err))
		m.registry.Terminate(id, m.StartFailGrace)
		return none, err
	}

	if opts.VerifyBoot {
		verification, err := m.verifyBoot(ctx, id, deadline.Sub(m.Now()))
		if err != nil {
			// the guest stays up; verification is advisory
			m.watch(id, h)
			return none, err
		}
		resp.Verification = &verification
	}

	log.Info("instance ready; registering exit watcher")
	m.watch(id, h)
	return resp, nil
}

// abortStart marks an instance failed when it cannot be launched at all.
func (m *Manager) abortStart(md *store.Metadata, code string, cause error) error {
	if err := m.save(md, protocol.StateFailed); err != nil {
		m.log.Warn("failed to record aborted start", zap.Uint32("instance", uint32(md.ID)), zap.Error(err))
	}
	m.record(md.ID, history.KindLaunchFailed, md.State, cause.Error())
	return wrap(code, cause)
}

func (m *Manager) spawn(id protocol.InstanceID, md *store.Metadata, opts protocol.StartOptions, runLog *os.File) (*guest.Handle, error) {
	paths := m.store.Paths()
	cmd, err := m.launcher.Command(LaunchSpec{
		ID:            id,
		AdbPort:       md.AdbPort,
		InstanceDir:   paths.HostInstanceDir(id),
		AssemblyDir:   paths.HostAssemblyDir(id),
		BootImage:     md.BootImage,
		InitBootImage: md.InitBootImage,
		WebRTC:        !opts.DisableWebRTC,
		Track:         opts.Track,
	})
	if err != nil {
		return nil, err
	}
	cmd.Stdin = nil
	cmd.Stdout = runLog
	cmd.Stderr = runLog
	return guest.Start(cmd)
}

// WaitForAdb waits for the device bridge of a started instance.
func (m *Manager) WaitForAdb(ctx context.Context, id protocol.InstanceID, timeoutSecs *uint64) (protocol.InstanceActionResponse, error) {
	timeout := m.cfg.AdbTimeout()
	if timeoutSecs != nil {
		timeout = time.Duration(*timeoutSecs) * time.Second
	}
	return m.waitForAdb(ctx, id, m.Now().Add(timeout))
}

func (m *Manager) waitForAdb(ctx context.Context, id protocol.InstanceID, deadline time.Time) (protocol.InstanceActionResponse, error) {
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.InstanceActionResponse{}, wrap(CodeWaitForAdbMetadata, err)
	}

	t := m.target(id, md)
	t.Probe = m.probe(id)
	if err := m.waiter.WaitForDevice(ctx, t, deadline); err != nil {
		code := CodeWaitForAdbTimeout
		var f *readiness.Failure
		if errors.As(err, &f) {
			switch f.Kind {
			case readiness.HandleLost:
				code = CodeWaitForAdbHandleLost
			case readiness.GuestExit:
				code = CodeWaitForAdbGuestExit
			}
		}
		if code == CodeWaitForAdbTimeout {
			m.registry.Terminate(id, m.AdbTimeoutGrace)
		}
		return protocol.InstanceActionResponse{}, m.recordLaunchFailure(id, md, code, err)
	}

	if err := m.save(md, protocol.StateRunning); err != nil {
		return protocol.InstanceActionResponse{}, wrap(CodeWaitForAdbWrite, err)
	}
	m.record(id, history.KindAdbReady, md.State, t.Serial)
	return protocol.InstanceActionResponse{Summary: m.summary(md)}, nil
}

func (m *Manager) verifyBoot(ctx context.Context, id protocol.InstanceID, timeout time.Duration) (protocol.BootVerificationResult, error) {
	md, err := m.store.Load(id)
	if err != nil {
		return protocol.BootVerificationResult{}, wrap(CodeVerifyBootAdbFailed, err)
	}
	result, err := m.waiter.VerifyBoot(ctx, m.target(id, md), timeout)
	if err != nil {
		code := CodeVerifyBootAdbFailed
		var f *readiness.Failure
		if errors.As(err, &f) && f.Kind == readiness.MarkerMissing {
			code = CodeVerifyBootMarker
		}
		m.log.Warn("boot verification failed", zap.Uint32("instance", uint32(id)), zap.Error(err))
		m.record(id, history.KindBootUnverified, md.State, err.Error())
		return protocol.BootVerificationResult{}, wrap(code, err)
	}
	m.record(id, history.KindBootVerified, md.State, "")
	return result, nil
}

func (m *Manager) target(id protocol.InstanceID, md *store.Metadata) readiness.Target {
	serial := fmt.Sprintf("%s:%d", m.cfg.AdbHost, md.AdbPort)
	paths := m.store.Paths()
	return readiness.Target{
		ID:            id,
		Serial:        serial,
		ConnectSerial: fmt.Sprintf("0.0.0.0:%d", md.AdbPort),
		Addr:          serial,
		MarkerLogs:    []string{paths.ConsoleLog(id), paths.RunLog(id)},
		LogLines:      m.cfg.JournalLines,
	}
}

// probe reports the guest state. A guest found exited is claimed here and
// handled like the exit watcher would.
func (m *Manager) probe(id protocol.InstanceID) readiness.Probe {
	return func() readiness.GuestState {
		h := m.registry.Get(id)
		if h == nil {
			return readiness.GuestState{Lost: true}
		}
		if exit, ok := h.Poll(); ok {
			if m.registry.RemoveIfHandle(id, h) {
				m.handleGuestExit(id, exit)
			}
			return readiness.GuestState{Exited: true, Exit: exit.Describe()}
		}
		return readiness.GuestState{}
	}
}

// recordLaunchFailure marks the instance failed and returns cause enriched
// with the run log tail.
func (m *Manager) recordLaunchFailure(id protocol.InstanceID, md *store.Metadata, code string, cause error) error {
	msg := cause.Error()
	if err := m.save(md, protocol.StateFailed); err != nil {
		return errorf(code, "%s (recording failure: %v)", msg, err)
	}
	if err := m.store.WriteEnvFile(md); err != nil {
		return errorf(code, "%s (recording failure: %v)", msg, err)
	}
	m.record(id, history.KindLaunchFailed, md.State, msg)
	if tail, err := logstore.Tail(m.store.Paths().RunLog(id), m.cfg.JournalLines); err == nil {
		msg += "\ncfctl-run.log tail:\n" + tail
	}
	return &Error{Code: code, Message: msg}
}

// watch records the guest's exit once it happens, unless an explicit
// operation has already taken over the handle.
func (m *Manager) watch(id protocol.InstanceID, h *guest.Handle) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		log := m.log.With(zap.Uint32("instance", uint32(id)), zap.Int("pid", h.Pid()))

		exit, err := h.Wait()
		if err != nil {
			log.Warn("error while waiting for guest", zap.Error(err))
		}

		unlock, err := m.lock(context.Background(), id)
		if err != nil {
			log.Warn("exit watcher could not lock instance", zap.Error(err))
			return
		}
		defer unlock()

		if !m.registry.RemoveIfHandle(id, h) {
			log.Debug("guest exit already handled")
			return
		}
		m.handleGuestExit(id, exit)
	}()
}

func (m *Manager) handleGuestExit(id protocol.InstanceID, exit guest.ExitStatus) {
	log := m.log.With(zap.Uint32("instance", uint32(id)))
	md, err := m.store.Load(id)
	if err != nil {
		log.Debug("metadata missing for exited guest", zap.Error(err))
		return
	}
	state := protocol.StateFailed
	if exit.Success() {
		state = protocol.StateStopped
	}
	log.Info("guest exited", zap.String("status", exit.Describe()), zap.String("state", string(state)))
	if err := m.save(md, state); err != nil {
		log.Warn("failed to record guest exit", zap.Error(err))
	}
	m.record(id, history.KindGuestExited, state, exit.Describe())
	m.cleanup.Run(context.Background(), id)
}
