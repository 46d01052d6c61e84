package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xfeldman/cfctl/internal/protocol"
)

func (c *cli) deployCmd() *cobra.Command {
	var boot, initBoot string
	cmd := &cobra.Command{
		Use:   "deploy <id>",
		Short: "Copy boot images into the instance and point it at them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if boot == "" && initBoot == "" {
				return errors.New("deploy requires --boot and/or --init")
			}
			return c.run(cmd, protocol.Deploy(id, boot, initBoot))
		},
	}
	cmd.Flags().StringVar(&boot, "boot", "", "boot image (gzip accepted)")
	cmd.Flags().StringVar(&initBoot, "init", "", "init_boot image (gzip accepted)")
	return cmd
}

func (c *cli) waitAdbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait-adb <id>",
		Short: "Wait until the instance's adb endpoint is listed as a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, protocol.WaitForAdb(id, optionalUint(cmd, "timeout-secs")))
		},
	}
	cmd.Flags().Uint64("timeout-secs", 0, "deadline in seconds (daemon default when unset)")
	return cmd
}

func (c *cli) logsCmd() *cobra.Command {
	var (
		lines int
		opts  protocol.LogsOptions
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the tail of the instance's run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.TimeoutSecs = optionalUint(cmd, "timeout-secs")
			var n *int
			if cmd.Flags().Changed("lines") {
				n = &lines
			}
			resp, err := c.send(cmd.Context(), protocol.Logs(id, n, opts))
			if err != nil {
				return err
			}
			if opts.StreamStdout && resp.OK {
				if resp.Logs != nil && resp.Logs.Journal != nil {
					fmt.Fprint(c.stdout, *resp.Logs.Journal)
				}
				return nil
			}
			return c.emit(resp)
		},
	}
	f := cmd.Flags()
	f.IntVar(&lines, "lines", 0, "number of lines (daemon default when unset)")
	f.Uint64("timeout-secs", 0, "fail when logs cannot be fetched in time")
	f.BoolVar(&opts.StreamStdout, "stdout", false, "print the raw log instead of JSON")
	f.BoolVar(&opts.Previous, "previous", false, "read the previous run's archived log")
	return cmd
}
