// cfctld is the Cuttlefish control-plane daemon.
//
// It listens on a unix socket for line-delimited JSON requests and manages
// the lifecycle of Cuttlefish guest instances: id allocation, launch, adb
// readiness, boot verification, teardown and pruning.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/api"
	"github.com/xfeldman/cfctl/internal/cleanup"
	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/guest"
	"github.com/xfeldman/cfctl/internal/history"
	"github.com/xfeldman/cfctl/internal/lifecycle"
	"github.com/xfeldman/cfctl/internal/logging"
	"github.com/xfeldman/cfctl/internal/readiness"
	"github.com/xfeldman/cfctl/internal/store"
	"github.com/xfeldman/cfctl/internal/toolexec"
	"github.com/xfeldman/cfctl/internal/version"
)

const (
	defaultConfigFile = "/etc/cfctl/cfctl.yaml"
	historyRetention  = 30 * 24 * time.Hour
	shutdownTimeout   = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var configFile string

	cmd := &cobra.Command{
		Use:          "cfctld",
		Short:        "Cuttlefish instance control-plane daemon",
		Version:      version.String(),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", defaultConfigFile, "config file (ignored when missing)")
	flags.String("socket", "", "unix socket to listen on")
	flags.String("state-dir", "", "instance state directory")
	flags.String("etc-instances-dir", "", "directory for per-instance env files")
	flags.String("cuttlefish-fhs", "", "FHS wrapper host tools are run through")
	flags.Int("workers", 0, "concurrent lifecycle operations")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "console or json")
	for _, name := range []string{"socket", "state-dir", "etc-instances-dir", "cuttlefish-fhs", "workers", "log-level", "log-format"} {
		_ = v.BindPFlag(flagKey(name), flags.Lookup(name))
	}
	return cmd
}

// flagKey maps a flag name to its config key.
func flagKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	platform, err := config.DetectPlatform()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	log.Info("cfctld starting",
		zap.String("version", version.Version()),
		zap.Stringer("platform", platform),
		zap.String("state_dir", cfg.StateDir))
	if !platform.KVM {
		log.Warn("/dev/kvm is not accessible; guests will fail to boot")
	}

	runner := toolexec.ExecRunner{}
	registry := guest.NewRegistry(log)
	engine := cleanup.NewEngine(cfg, runner, log)
	engine.SweepTrash(ctx)

	var hist *history.DB
	if cfg.HistoryDB != "" {
		hist, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()
		if n, err := hist.PruneBefore(time.Now().Add(-historyRetention)); err != nil {
			log.Warn("history prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned old history", zap.Int64("events", n))
		}
	}

	locks := api.NewLockTable()
	mgr := lifecycle.NewManager(cfg, lifecycle.Deps{
		Store:    store.New(cfg),
		Registry: registry,
		Cleanup:  engine,
		Waiter:   readiness.NewWaiter(readiness.NewADB(runner, cfg.CuttlefishFHS), log),
		Launcher: lifecycle.NewCuttlefishLauncher(cfg, log),
		History:  hist,
		Locker:   locks,
		Log:      log,
	})

	server := api.NewServer(cfg, mgr, locks, log)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("cfctld ready", zap.Int("pid", os.Getpid()), zap.String("socket", cfg.Socket))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-sigCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if n := registry.Len(); n > 0 {
		log.Warn("guests left running", zap.Int("count", n))
	}
	log.Info("cfctld stopped")
	return nil
}
