package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "/run/cfctl.sock", cfg.Socket)
	assert.Equal(t, uint16(6520), cfg.BaseAdbPort)
	assert.Equal(t, 200, cfg.JournalLines)
	assert.Equal(t, []string{"cvdnetwork", "kvm"}, cfg.GuestSupplementaryGroups)
	assert.Equal(t, "/var/lib/cfctl/history.db", cfg.HistoryDB)
	assert.Equal(t, uint64(120), cfg.StartTimeoutSecs)
	assert.True(t, cfg.DisableHostGPU)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CFCTL_STATE_DIR", "/srv/cfctl")
	t.Setenv("CFCTL_ETC_DIR", "/srv/etc")
	t.Setenv("CFCTL_DEFAULT_BOOT", "/srv/boot.img")
	t.Setenv("CFCTL_BASE_ADB_PORT", "7000")
	t.Setenv("CFCTL_GUEST_CAPABILITIES", "net_admin, sys_nice")
	t.Setenv("CFCTL_DISABLE_HOST_GPU", "false")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/cfctl", cfg.StateDir)
	assert.Equal(t, "/srv/etc", cfg.EtcInstancesDir)
	assert.Equal(t, "/srv/boot.img", cfg.DefaultBootImage)
	assert.Equal(t, uint16(7000), cfg.BaseAdbPort)
	assert.Equal(t, []string{"net_admin", "sys_nice"}, cfg.GuestCapabilities)
	assert.False(t, cfg.DisableHostGPU)
	assert.Equal(t, "/srv/cfctl/history.db", cfg.HistoryDB)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal_lines: 42\nworkers: 4\nadb_host: 10.0.0.2\n"), 0644))

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.JournalLines)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "10.0.0.2", cfg.AdbHost)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	_, err := Load(v, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "relative"
	cfg.Workers = 0
	cfg.LogLevel = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"state_dir", "workers", "log_level"}, fields)
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.StateDir = filepath.Join(root, "state")
	cfg.EtcInstancesDir = filepath.Join(root, "etc")
	cfg.Socket = filepath.Join(root, "run", "cfctl.sock")

	require.NoError(t, cfg.EnsureDirs())
	for _, d := range []string{cfg.InstancesStateDir(), cfg.ControlDir(), cfg.EtcInstancesDir, filepath.Join(root, "run")} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
