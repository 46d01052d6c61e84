package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/protocol"
)

// LaunchSpec describes one guest launch.
type LaunchSpec struct {
	ID            protocol.InstanceID
	AdbPort       uint16
	InstanceDir   string
	AssemblyDir   string
	BootImage     string
	InitBootImage string
	WebRTC        bool
	Track         string
}

// Launcher builds the command that runs a guest. The manager attaches the
// run log to stdout and stderr and starts it.
type Launcher interface {
	Command(spec LaunchSpec) (*exec.Cmd, error)
}

// guestEnv is exported to the launcher and preserved across sudo.
var guestEnv = []string{
	"CUTTLEFISH_INSTANCE",
	"CUTTLEFISH_INSTANCE_NUM",
	"CUTTLEFISH_ADB_TCP_PORT",
	"CUTTLEFISH_DISABLE_HOST_GPU",
	"GFXSTREAM_DISABLE_GRAPHICS_DETECTOR",
	"GFXSTREAM_HEADLESS",
}

// CuttlefishLauncher runs launch_cvd through the FHS wrapper, or through
// cfenv when a track is selected.
type CuttlefishLauncher struct {
	cfg *config.Config
	log *zap.Logger
}

// NewCuttlefishLauncher returns a launcher for cfg.
func NewCuttlefishLauncher(cfg *config.Config, log *zap.Logger) *CuttlefishLauncher {
	return &CuttlefishLauncher{cfg: cfg, log: log.Named("launcher")}
}

// Command implements Launcher.
func (l *CuttlefishLauncher) Command(spec LaunchSpec) (*exec.Cmd, error) {
	log := l.log.With(zap.Uint32("instance", uint32(spec.ID)))

	var argv []string
	if l.cfg.RunAsGuestUser {
		wrap, err := l.privilegeWrapper()
		if err != nil {
			return nil, err
		}
		argv = append(argv, wrap...)
	}
	if spec.Track != "" {
		log.Info("using track", zap.String("track", spec.Track))
		argv = append(argv, "cfenv", "-t", spec.Track, "--")
	} else {
		argv = append(argv, l.cfg.CuttlefishFHS, "--")
	}

	webrtc := strconv.FormatBool(spec.WebRTC)
	argv = append(argv,
		"launch_cvd",
		"--system_image_dir="+l.cfg.CuttlefishSystemImageDir,
		"--instance_dir="+spec.InstanceDir,
		"--assembly_dir="+spec.AssemblyDir,
		"--vm_manager=qemu_cli",
		"--enable_wifi=false",
		"--enable_host_bluetooth=false",
		"--enable_modem_simulator=false",
		"--start_webrtc="+webrtc,
		"--start_webrtc_sig_server="+webrtc,
		"--report_anonymous_usage_stats=n",
		"--daemon=false",
		"--console=true",
		"--verbosity=DEBUG",
		"--resume=false",
	)
	argv = appendImage(argv, "--boot_image", spec.BootImage, log)
	argv = appendImage(argv, "--init_boot_image", spec.InitBootImage, log)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), launchEnv(l.cfg, spec)...)
	cmd.Dir = filepath.Dir(spec.InstanceDir)
	log.Info("launch command", zap.Strings("argv", argv))
	return cmd, nil
}

func (l *CuttlefishLauncher) privilegeWrapper() ([]string, error) {
	if _, err := user.Lookup(l.cfg.GuestUser); err != nil {
		return nil, fmt.Errorf("guest user %q: %w", l.cfg.GuestUser, err)
	}
	if _, err := user.LookupGroup(l.cfg.GuestPrimaryGroup); err != nil {
		return nil, fmt.Errorf("guest group %q: %w", l.cfg.GuestPrimaryGroup, err)
	}
	argv := []string{"sudo", "-u", l.cfg.GuestUser, "-g", l.cfg.GuestPrimaryGroup}
	for _, name := range guestEnv {
		argv = append(argv, "--preserve-env="+name)
	}
	argv = append(argv, "--")
	if len(l.cfg.GuestCapabilities) > 0 {
		caps := make([]string, len(l.cfg.GuestCapabilities))
		for i, c := range l.cfg.GuestCapabilities {
			if !strings.HasPrefix(c, "+") && !strings.HasPrefix(c, "-") {
				c = "+" + c
			}
			caps[i] = c
		}
		argv = append(argv, "setpriv", "--ambient-caps", strings.Join(caps, ","), "--")
	}
	return argv, nil
}

func launchEnv(cfg *config.Config, spec LaunchSpec) []string {
	var env []string
	if cfg.DisableHostGPU {
		env = append(env, "CUTTLEFISH_DISABLE_HOST_GPU=1")
	}
	id := spec.ID.String()
	return append(env,
		"GFXSTREAM_DISABLE_GRAPHICS_DETECTOR=1",
		"GFXSTREAM_HEADLESS=1",
		"CUTTLEFISH_INSTANCE="+id,
		"CUTTLEFISH_INSTANCE_NUM="+id,
		"CUTTLEFISH_ADB_TCP_PORT="+strconv.Itoa(int(spec.AdbPort)),
	)
}

func appendImage(argv []string, flag, path string, log *zap.Logger) []string {
	if path == "" {
		return argv
	}
	if _, err := os.Stat(path); err != nil {
		log.Debug("image missing, omitting flag", zap.String("flag", flag), zap.String("path", path))
		return argv
	}
	return append(argv, flag+"="+path)
}
