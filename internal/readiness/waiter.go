package readiness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/logstore"
	"github.com/xfeldman/cfctl/internal/protocol"
)

// DefaultVerifyTimeout applies when VerifyBoot gets no positive timeout.
const DefaultVerifyTimeout = 120 * time.Second

// minCallTimeout is the budget of an adb call made at or past the deadline.
const minCallTimeout = 500 * time.Millisecond

// Kind classifies a readiness failure.
type Kind int

const (
	HandleLost Kind = iota + 1
	GuestExit
	Timeout
	AdbFailed
	MarkerMissing
)

// Failure is returned by WaitForDevice and VerifyBoot.
type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string { return f.Message }

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Probe reports the guest process state between polls.
type Probe func() GuestState

// GuestState is the result of a Probe.
type GuestState struct {
	// Lost means no handle is registered any more.
	Lost bool
	// Exited means the process has been reaped; Exit describes how.
	Exited bool
	Exit   string
}

// Target is the guest being polled.
type Target struct {
	ID            protocol.InstanceID
	Serial        string // host:port
	ConnectSerial string // 0.0.0.0:port
	Addr          string
	Probe         Probe

	// MarkerLogs are scanned in order for the boot marker when getprop
	// does not confirm boot completion.
	MarkerLogs []string
	LogLines   int
}

// Waiter runs the polling loops.
type Waiter struct {
	adb *ADB
	log *zap.Logger

	// RetryInterval paces WaitForDevice.
	RetryInterval time.Duration
	// VerifyRetryInterval paces VerifyBoot after adb errors.
	VerifyRetryInterval time.Duration
	// VerifyPollInterval paces VerifyBoot while boot is incomplete.
	VerifyPollInterval time.Duration
	// CallTimeout caps a single adb invocation. Calls are also cut off at
	// the loop deadline, though a call made past it still gets
	// minCallTimeout.
	CallTimeout time.Duration

	Now func() time.Time
}

// NewWaiter returns a Waiter with production intervals.
func NewWaiter(adb *ADB, log *zap.Logger) *Waiter {
	return &Waiter{
		adb:                 adb,
		log:                 log.Named("readiness"),
		RetryInterval:       time.Second,
		VerifyRetryInterval: 500 * time.Millisecond,
		VerifyPollInterval:  time.Second,
		CallTimeout:         15 * time.Second,
		Now:                 time.Now,
	}
}

func (w *Waiter) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Waiter) expired(deadline time.Time) bool {
	return !w.Now().Before(deadline)
}

// callContext bounds one adb call by CallTimeout and the time left before
// deadline.
func (w *Waiter) callContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	d := max(deadline.Sub(w.Now()), minCallTimeout)
	if w.CallTimeout > 0 {
		d = min(d, w.CallTimeout)
	}
	return context.WithTimeout(ctx, d)
}

func (w *Waiter) connect(ctx context.Context, deadline time.Time, serial string) error {
	cctx, cancel := w.callContext(ctx, deadline)
	defer cancel()
	return w.adb.Connect(cctx, serial)
}

func (w *Waiter) activeSerial(ctx context.Context, deadline time.Time, serials ...string) (string, bool, error) {
	cctx, cancel := w.callContext(ctx, deadline)
	defer cancel()
	return w.adb.ActiveSerial(cctx, serials...)
}

func (w *Waiter) getProp(ctx context.Context, deadline time.Time, serial, prop string) (string, error) {
	cctx, cancel := w.callContext(ctx, deadline)
	defer cancel()
	return w.adb.GetProp(cctx, serial, prop)
}

// WaitForDevice polls until the guest's serial is listed as a device, the
// guest goes away, or the deadline passes.
func (w *Waiter) WaitForDevice(ctx context.Context, t Target, deadline time.Time) error {
	log := w.log.With(zap.Uint32("instance", uint32(t.ID)), zap.String("serial", t.Serial))
	for {
		if t.Probe != nil {
			st := t.Probe()
			if st.Lost {
				return fail(HandleLost, "instance %d lost guest handle before adb became ready", t.ID)
			}
			if st.Exited {
				return fail(GuestExit, "instance %d exited before adb became ready (%s)", t.ID, st.Exit)
			}
		}

		if err := w.connect(ctx, deadline, t.ConnectSerial); err != nil {
			log.Debug("adb connect failed", zap.Error(err))
			if w.expired(deadline) {
				return fail(Timeout, "timeout waiting for adb on %s: %v", t.Addr, err)
			}
			if err := w.sleep(ctx, w.RetryInterval); err != nil {
				return fail(Timeout, "timeout waiting for adb on %s: %v", t.Addr, err)
			}
			continue
		}

		serial, ok, err := w.activeSerial(ctx, deadline, t.Serial, t.ConnectSerial)
		switch {
		case err != nil:
			log.Debug("adb devices failed", zap.Error(err))
			if w.expired(deadline) {
				return fail(Timeout, "adb devices never succeeded for %s: %v", t.Serial, err)
			}
		case ok:
			log.Info("adb device ready", zap.String("active_serial", serial))
			return nil
		default:
			if w.expired(deadline) {
				return fail(Timeout, "timeout waiting for adb device %s", t.Serial)
			}
		}
		if err := w.sleep(ctx, w.RetryInterval); err != nil {
			return fail(Timeout, "timeout waiting for adb device %s: %v", t.Serial, err)
		}
	}
}

// VerifyBoot polls until the guest reports boot completion over adb or the
// boot marker shows up in its logs. A non-positive timeout means
// DefaultVerifyTimeout.
func (w *Waiter) VerifyBoot(ctx context.Context, t Target, timeout time.Duration) (protocol.BootVerificationResult, error) {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	deadline := w.Now().Add(timeout)
	log := w.log.With(zap.Uint32("instance", uint32(t.ID)))
	verified := protocol.BootVerificationResult{AdbReady: true, BootMarkerObserved: true}

	for {
		if err := w.connect(ctx, deadline, t.ConnectSerial); err != nil {
			log.Debug("verify: adb connect failed", zap.Error(err))
			if w.expired(deadline) {
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb connect never succeeded for instance %d: %v", t.ID, err)
			}
			if err := w.sleep(ctx, w.VerifyRetryInterval); err != nil {
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb connect never succeeded for instance %d: %v", t.ID, err)
			}
			continue
		}

		active, ok, err := w.activeSerial(ctx, deadline, t.Serial, t.ConnectSerial)
		if err != nil || !ok {
			if w.expired(deadline) {
				if err != nil {
					return protocol.BootVerificationResult{}, fail(AdbFailed, "adb devices never succeeded for instance %d: %v", t.ID, err)
				}
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb device %s never appeared in device list", t.ConnectSerial)
			}
			if err := w.sleep(ctx, w.VerifyRetryInterval); err != nil {
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb device %s never appeared in device list", t.ConnectSerial)
			}
			continue
		}

		value, err := w.getProp(ctx, deadline, active, BootCompletedProp)
		if err != nil {
			log.Debug("verify: getprop failed", zap.Error(err))
			if w.markerInLogs(t) {
				return verified, nil
			}
			if w.expired(deadline) {
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb getprop never succeeded for instance %d: %v", t.ID, err)
			}
			if err := w.sleep(ctx, w.VerifyRetryInterval); err != nil {
				return protocol.BootVerificationResult{}, fail(AdbFailed, "adb getprop never succeeded for instance %d: %v", t.ID, err)
			}
			continue
		}

		value = strings.TrimSpace(value)
		switch value {
		case "1", "true", "TRUE":
			log.Info("boot completed", zap.String("serial", active))
			return verified, nil
		}
		if w.markerInLogs(t) {
			return verified, nil
		}
		if w.expired(deadline) {
			return protocol.BootVerificationResult{}, fail(MarkerMissing, "%s not observed for instance %d (last value: %q)", BootCompletedProp, t.ID, value)
		}
		if err := w.sleep(ctx, w.VerifyPollInterval); err != nil {
			return protocol.BootVerificationResult{}, fail(MarkerMissing, "%s not observed for instance %d (last value: %q)", BootCompletedProp, t.ID, value)
		}
	}
}

func (w *Waiter) markerInLogs(t Target) bool {
	for _, path := range t.MarkerLogs {
		if logstore.ContainsMarker(path, t.LogLines, BootCompletedProp) {
			w.log.Info("boot marker found in log", zap.Uint32("instance", uint32(t.ID)), zap.String("path", path))
			return true
		}
	}
	return false
}
