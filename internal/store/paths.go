package store

import (
	"fmt"
	"path/filepath"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/protocol"
)

const (
	metadataFile = "metadata.json"
	runLogFile   = "cfctl-run.log"
	nextIDFile   = "next_id"
)

// Paths resolves every on-disk location belonging to an instance.
type Paths struct {
	cfg *config.Config
}

// NewPaths returns a resolver over cfg.
func NewPaths(cfg *config.Config) Paths {
	return Paths{cfg: cfg}
}

// Root is <state_dir>/instances/<id>.
func (p Paths) Root(id protocol.InstanceID) string {
	return filepath.Join(p.cfg.InstancesStateDir(), id.String())
}

// Metadata is the instance's metadata.json.
func (p Paths) Metadata(id protocol.InstanceID) string {
	return filepath.Join(p.Root(id), metadataFile)
}

// Artifacts holds deployed boot images.
func (p Paths) Artifacts(id protocol.InstanceID) string {
	return filepath.Join(p.Root(id), "artifacts")
}

// RunLog receives the launcher's stdout and stderr.
func (p Paths) RunLog(id protocol.InstanceID) string {
	return filepath.Join(p.Root(id), runLogFile)
}

// EnvFile is <etc_instances_dir>/<id>.env.
func (p Paths) EnvFile(id protocol.InstanceID) string {
	return filepath.Join(p.cfg.EtcInstancesDir, id.String()+".env")
}

// HostInstanceDir is the launcher's per-instance runtime dir.
func (p Paths) HostInstanceDir(id protocol.InstanceID) string {
	return filepath.Join(p.cfg.CuttlefishInstancesDir, id.String())
}

// HostAssemblyDir is the launcher's per-instance assembly dir.
func (p Paths) HostAssemblyDir(id protocol.InstanceID) string {
	return filepath.Join(p.cfg.CuttlefishAssemblyDir, id.String())
}

// ConsoleLog is the guest kernel console written by the launcher.
func (p Paths) ConsoleLog(id protocol.InstanceID) string {
	return filepath.Join(p.HostInstanceDir(id), "instances", fmt.Sprintf("cvd-%d", id), "console_log")
}

// NextID is the persistent allocation counter.
func (p Paths) NextID() string {
	return filepath.Join(p.cfg.ControlDir(), nextIDFile)
}

// AdbPort is base_adb_port + id - 1.
func (p Paths) AdbPort(id protocol.InstanceID) uint16 {
	return p.cfg.BaseAdbPort + uint16(id) - 1
}
