package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds cfctld runtime configuration.
type Config struct {
	// Socket is the unix socket the daemon listens on.
	Socket string `mapstructure:"socket"`

	// StateDir holds per-instance metadata, run logs and the id counter.
	StateDir string `mapstructure:"state_dir"`

	// EtcInstancesDir receives one <id>.env file per instance.
	EtcInstancesDir string `mapstructure:"etc_instances_dir"`

	DefaultBootImage     string `mapstructure:"default_boot_image"`
	DefaultInitBootImage string `mapstructure:"default_init_boot_image"`

	// StartTimeoutSecs bounds start when the request sets no timeout.
	StartTimeoutSecs uint64 `mapstructure:"start_timeout_secs"`

	// AdbTimeoutSecs bounds wait_for_adb when the request sets no timeout.
	AdbTimeoutSecs uint64 `mapstructure:"adb_timeout_secs"`

	// JournalLines is the default run log tail length.
	JournalLines int `mapstructure:"journal_lines"`

	AdbHost     string `mapstructure:"adb_host"`
	BaseAdbPort uint16 `mapstructure:"base_adb_port"`

	// CuttlefishFHS is the FHS wrapper every host tool is run through.
	CuttlefishFHS string `mapstructure:"cuttlefish_fhs"`

	CuttlefishInstancesDir   string `mapstructure:"cuttlefish_instances_dir"`
	CuttlefishAssemblyDir    string `mapstructure:"cuttlefish_assembly_dir"`
	CuttlefishSystemImageDir string `mapstructure:"cuttlefish_system_image_dir"`

	// CuttlefishRoot is the shared Cuttlefish host tree. It holds the global
	// config symlink and is the target of permission resets.
	CuttlefishRoot string `mapstructure:"cuttlefish_root"`

	// TempDir is where the launcher drops its cf_avd_0/cf_env_0/cf_img_0 dirs.
	TempDir string `mapstructure:"temp_dir"`

	DisableHostGPU bool `mapstructure:"disable_host_gpu"`

	// RunAsGuestUser wraps the launcher in sudo/setpriv so the guest runs as
	// GuestUser with GuestCapabilities.
	RunAsGuestUser           bool     `mapstructure:"run_as_guest_user"`
	GuestUser                string   `mapstructure:"guest_user"`
	GuestPrimaryGroup        string   `mapstructure:"guest_primary_group"`
	GuestSupplementaryGroups []string `mapstructure:"guest_supplementary_groups"`
	GuestCapabilities        []string `mapstructure:"guest_capabilities"`

	// Workers bounds concurrent blocking lifecycle operations.
	Workers int `mapstructure:"workers"`

	// HistoryDB is the sqlite event journal. Empty disables history.
	HistoryDB string `mapstructure:"history_db"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	stateDir := "/var/lib/cfctl"
	return &Config{
		Socket:                   "/run/cfctl.sock",
		StateDir:                 stateDir,
		EtcInstancesDir:          "/etc/cuttlefish/instances",
		DefaultBootImage:         "/var/lib/cuttlefish/images/boot.img",
		DefaultInitBootImage:     "/var/lib/cuttlefish/images/init_boot.img",
		StartTimeoutSecs:         120,
		AdbTimeoutSecs:           90,
		JournalLines:             200,
		AdbHost:                  "127.0.0.1",
		BaseAdbPort:              6520,
		CuttlefishFHS:            "/run/current-system/sw/bin/cuttlefish-fhs",
		CuttlefishInstancesDir:   "/var/lib/cuttlefish/instances",
		CuttlefishAssemblyDir:    "/var/lib/cuttlefish/assembly",
		CuttlefishSystemImageDir: "/var/lib/cuttlefish/images",
		CuttlefishRoot:           "/var/lib/cuttlefish",
		TempDir:                  "/tmp",
		DisableHostGPU:           true,
		GuestUser:                "justin",
		GuestPrimaryGroup:        "cvdnetwork",
		GuestSupplementaryGroups: []string{"cvdnetwork", "kvm"},
		GuestCapabilities:        []string{"net_admin"},
		Workers:                  16,
		HistoryDB:                filepath.Join(stateDir, "history.db"),
		LogLevel:                 "info",
		LogFormat:                "console",
	}
}

// Environment names kept from earlier releases that don't follow the
// CFCTL_<KEY> convention.
var legacyEnv = map[string]string{
	"etc_instances_dir":       "CFCTL_ETC_DIR",
	"default_boot_image":      "CFCTL_DEFAULT_BOOT",
	"default_init_boot_image": "CFCTL_DEFAULT_INIT_BOOT",
}

// SetDefaults registers DefaultConfig values and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("socket", d.Socket)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("etc_instances_dir", d.EtcInstancesDir)
	v.SetDefault("default_boot_image", d.DefaultBootImage)
	v.SetDefault("default_init_boot_image", d.DefaultInitBootImage)
	v.SetDefault("start_timeout_secs", d.StartTimeoutSecs)
	v.SetDefault("adb_timeout_secs", d.AdbTimeoutSecs)
	v.SetDefault("journal_lines", d.JournalLines)
	v.SetDefault("adb_host", d.AdbHost)
	v.SetDefault("base_adb_port", d.BaseAdbPort)
	v.SetDefault("cuttlefish_fhs", d.CuttlefishFHS)
	v.SetDefault("cuttlefish_instances_dir", d.CuttlefishInstancesDir)
	v.SetDefault("cuttlefish_assembly_dir", d.CuttlefishAssemblyDir)
	v.SetDefault("cuttlefish_system_image_dir", d.CuttlefishSystemImageDir)
	v.SetDefault("cuttlefish_root", d.CuttlefishRoot)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("disable_host_gpu", d.DisableHostGPU)
	v.SetDefault("run_as_guest_user", d.RunAsGuestUser)
	v.SetDefault("guest_user", d.GuestUser)
	v.SetDefault("guest_primary_group", d.GuestPrimaryGroup)
	v.SetDefault("guest_supplementary_groups", d.GuestSupplementaryGroups)
	v.SetDefault("guest_capabilities", d.GuestCapabilities)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("history_db", "")
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	v.SetEnvPrefix("CFCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "CFCTL_"+strings.ToUpper(key), env)
	}
}

// Load reads the optional config file and unmarshals v into a Config.
// An empty history_db is derived from state_dir.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.GuestSupplementaryGroups = splitList(cfg.GuestSupplementaryGroups)
	cfg.GuestCapabilities = splitList(cfg.GuestCapabilities)
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.StateDir, "history.db")
	}
	return &cfg, nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// StartTimeout is the default start deadline.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSecs) * time.Second
}

// AdbTimeout is the default wait_for_adb deadline.
func (c *Config) AdbTimeout() time.Duration {
	return time.Duration(c.AdbTimeoutSecs) * time.Second
}

// InstancesStateDir is <state_dir>/instances.
func (c *Config) InstancesStateDir() string {
	return filepath.Join(c.StateDir, "instances")
}

// ControlDir is <state_dir>/control, home of the id counter.
func (c *Config) ControlDir() string {
	return filepath.Join(c.StateDir, "control")
}

// ConfigSymlink is the launcher's global config symlink.
func (c *Config) ConfigSymlink() string {
	return filepath.Join(c.CuttlefishRoot, ".cuttlefish_config.json")
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.InstancesStateDir(),
		c.ControlDir(),
		c.EtcInstancesDir,
		filepath.Dir(c.Socket),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
