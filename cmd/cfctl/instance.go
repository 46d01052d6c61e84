package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/cfctl/internal/protocol"
)

func (c *cli) instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage instances",
	}
	cmd.AddCommand(
		c.createCmd(),
		c.startCmd(),
		c.createStartCmd(),
		c.idCmd("stop", "Stop the instance's guest", protocol.StopInstance),
		c.idCmd("hold", "Hold the instance to prevent pruning", protocol.HoldInstance),
		c.destroyCmd(),
		c.idCmd("status", "Show the instance status", protocol.Status),
		c.describeCmd(),
		c.listCmd(),
		c.pruneCmd(),
	)
	return cmd
}

// idCmd builds a command whose only input is the instance id.
func (c *cli) idCmd(name, short string, build func(protocol.InstanceID) protocol.Request) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, build(id))
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var purpose string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, protocol.CreateInstance(purpose))
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", "", "free-form note stored with the instance")
	return cmd
}

// startFlags registers the options shared by start and create-start.
func startFlags(cmd *cobra.Command, opts *protocol.StartOptions) {
	f := cmd.Flags()
	f.BoolVar(&opts.DisableWebRTC, "disable-webrtc", false, "do not start the WebRTC streamer")
	f.BoolVar(&opts.VerifyBoot, "verify-boot", false, "wait for the guest to report boot completion")
	f.BoolVar(&opts.SkipAdbWait, "skip-adb-wait", false, "return as soon as the guest is launched")
	f.StringVar(&opts.Track, "track", "", "launch through cfenv with this track")
	f.Uint64("timeout-secs", 0, "overall start deadline in seconds")
}

func (c *cli) startCmd() *cobra.Command {
	var opts protocol.StartOptions
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Launch the instance's guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.TimeoutSecs = optionalUint(cmd, "timeout-secs")
			return c.run(cmd, protocol.StartInstance(id, opts))
		},
	}
	startFlags(cmd, &opts)
	return cmd
}

func (c *cli) createStartCmd() *cobra.Command {
	var (
		purpose string
		opts    protocol.StartOptions
	)
	cmd := &cobra.Command{
		Use:   "create-start",
		Short: "Create a new instance and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TimeoutSecs = optionalUint(cmd, "timeout-secs")
			return c.run(cmd, protocol.CreateStartInstance(purpose, opts))
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", "", "free-form note stored with the instance")
	startFlags(cmd, &opts)
	return cmd
}

func (c *cli) destroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy the instance and clean up its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := protocol.DestroyOptions{TimeoutSecs: optionalUint(cmd, "timeout-secs")}

			p := startProgress(c.stderr, fmt.Sprintf("Destroying instance %d", id), c.progressEvery)
			resp, err := c.send(cmd.Context(), protocol.DestroyInstance(id, opts))
			p.Stop()
			if err != nil {
				return err
			}
			cleanupFeedback(c.stderr, resp)
			return c.emit(resp)
		},
	}
	cmd.Flags().Uint64("timeout-secs", 0, "give up waiting for cleanup after this many seconds")
	return cmd
}

func (c *cli) describeCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "describe <id>",
		Short: "Describe the instance with diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, protocol.Describe(id, &lines))
		},
	}
	cmd.Flags().IntVar(&lines, "run-log-lines", 50, "run log lines to include")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, protocol.ListInstances())
		},
	}
}

func (c *cli) pruneCmd() *cobra.Command {
	var (
		maxAge uint64
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Destroy expired instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return c.run(cmd, protocol.PruneAll())
			}
			return c.run(cmd, protocol.PruneExpired(maxAge))
		},
	}
	cmd.Flags().Uint64Var(&maxAge, "max-age-secs", 24*60*60, "maximum instance age before pruning in seconds")
	cmd.Flags().BoolVar(&all, "all", false, "prune every instance that is not held")
	return cmd
}

// progress prints a message followed by a dot every interval until stopped.
type progress struct {
	w    io.Writer
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func startProgress(w io.Writer, msg string, every time.Duration) *progress {
	p := &progress{w: w, stop: make(chan struct{})}
	fmt.Fprint(w, msg)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				fmt.Fprint(w, ".")
			}
		}
	}()
	return p
}

// Stop ends the dots and terminates the line.
func (p *progress) Stop() {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		fmt.Fprintln(p.w)
	})
}

// cleanupFeedback summarizes a destroy outcome on w.
func cleanupFeedback(w io.Writer, resp protocol.Response) {
	if !resp.OK {
		if resp.Error != nil {
			msg := resp.Error.Message
			if msg == "" {
				msg = "destroy failed without details"
			}
			fmt.Fprintf(w, "Destroy failed: %s (%s)\n", msg, resp.Error.Code)
		}
		return
	}
	if resp.Action == nil || resp.Action.Cleanup == nil {
		return
	}
	cl := resp.Action.Cleanup
	switch {
	case cl.GuestProcessesKilled:
		fmt.Fprintln(w, "Destroy finished: no surviving processes.")
	case len(cl.RemainingPIDs) == 0:
		fmt.Fprintln(w, "Destroy finished: cleanup executed.")
	default:
		fmt.Fprintf(w, "Destroy finished: remaining processes %v\n", cl.RemainingPIDs)
	}
	if len(cl.Steps) > 0 {
		fmt.Fprintf(w, "  Steps: %s\n", strings.Join(cl.Steps, " -> "))
	}
}
