package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matgreaves/stubd/config"
	"github.com/matgreaves/stubd/control"
	"github.com/spf13/cobra"
)

func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := target(*cfg).Status(cmd.Context())
			if errors.Is(err, control.ErrNotRunning) {
				return exit(2, "server is %s.", red("not running"))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s on port %s, pid %s\n",
				green("running"), cfg.Port, bold(strconv.Itoa(st.PID)))
			return nil
		},
	}
}

func newEndpointsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"list"},
		Short:   "Write the registered endpoints to the server's stdout log",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := target(*cfg).List(cmd.Context())
			if errors.Is(err, control.ErrNotRunning) {
				return exit(1, "unable to list endpoints, server not running?")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "check your %s\n", cfg.StdoutLog)
			return nil
		},
	}
}

func newStopCmd(cfg *config.Config, wait time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Allow the daemon its full drain time before giving up.
			timeout := cfg.ShutdownTimeout + wait
			_, err := target(*cfg).Stop(cmd.Context(), timeout)
			if errors.Is(err, control.ErrNotRunning) {
				return exit(1, "server is not running, nothing to stop")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped server")
			return nil
		},
	}
}
