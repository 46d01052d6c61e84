// cfctl is the command-line client for cfctld.
//
// Commands:
//
//	cfctl instance create|start|create-start|stop|hold|destroy|status|describe|list|prune
//	cfctl deploy <id> --boot <img> --init <img>
//	cfctl wait-adb <id>
//	cfctl logs <id>
//	cfctl version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xfeldman/cfctl/internal/client"
	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/version"
)

// errRequestFailed means the daemon answered ok=false. The response has
// already been printed.
var errRequestFailed = errors.New("request failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errRequestFailed):
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs.
type cli struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	// progressEvery paces the destroy progress dots.
	progressEvery time.Duration
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{
		v:             viper.New(),
		stdout:        stdout,
		stderr:        stderr,
		progressEvery: 2 * time.Second,
	}
	c.v.SetEnvPrefix("CFCTL")
	c.v.AutomaticEnv()
	c.v.SetDefault("socket", client.DefaultSocketPath())

	root := &cobra.Command{
		Use:           "cfctl",
		Short:         "Control Cuttlefish instances managed by cfctld",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("socket", "", "cfctld socket (env CFCTL_SOCKET)")
	_ = c.v.BindPFlag("socket", root.PersistentFlags().Lookup("socket"))

	root.AddCommand(
		c.instanceCmd(),
		c.deployCmd(),
		c.waitAdbCmd(),
		c.logsCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) client() *client.Client {
	return client.New(c.v.GetString("socket"))
}

func (c *cli) send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	return c.client().Do(ctx, req)
}

// emit prints resp as indented JSON and maps ok=false to errRequestFailed.
func (c *cli) emit(resp protocol.Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, string(data))
	if !resp.OK {
		return errRequestFailed
	}
	return nil
}

func (c *cli) run(cmd *cobra.Command, req protocol.Request) error {
	resp, err := c.send(cmd.Context(), req)
	if err != nil {
		return err
	}
	return c.emit(resp)
}

func parseID(arg string) (protocol.InstanceID, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || n == 0 || protocol.InstanceID(n) > protocol.MaxInstanceID {
		return 0, fmt.Errorf("invalid instance id %q (expected 1-%d)", arg, protocol.MaxInstanceID)
	}
	return protocol.InstanceID(n), nil
}

// optionalUint returns the flag's value only when it was set.
func optionalUint(cmd *cobra.Command, name string) *uint64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetUint64(name)
	if err != nil {
		return nil
	}
	return &v
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cfctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(c.stdout, "cfctl", version.String())
		},
	}
}
