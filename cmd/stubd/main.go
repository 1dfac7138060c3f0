// Command stubd serves canned HTTP GET endpoints from a background daemon.
//
//	stubd start       detach and serve
//	stubd status      report whether the daemon is running
//	stubd endpoints   ask the daemon to log its endpoints (alias: list)
//	stubd stop        stop the daemon
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matgreaves/stubd/config"
	"github.com/matgreaves/stubd/daemon"
	"github.com/spf13/cobra"
)

// exitError carries a process exit code through cobra. A message, if any,
// goes to stdout as part of the command's normal output.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exit(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	if daemon.CurrentStage() == daemon.StageSession {
		// The session leader only hands off to the daemon stage.
		cfg := config.Default()
		if err := daemon.Continue(daemon.Options{Program: cfg.Program, Args: os.Args[1:]}); err != nil {
			fmt.Fprintf(os.Stderr, "stubd: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(cmd.OutOrStdout(), ee.msg)
		}
		return ee.code
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "stubd: %v\n", err)
	return 1
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var envErr error
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		envErr = err
	}

	root := &cobra.Command{
		Use:           "stubd",
		Short:         "Serve canned HTTP GET endpoints from a background daemon",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() {
				return nil
			}
			if envErr != nil {
				return envErr
			}
			return cfg.Validate()
		},
		// Unknown or missing commands print usage and succeed.
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage(cmd)
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetHelpFunc(func(cmd *cobra.Command, _ []string) { printUsage(cmd) })
	// Unknown flags are treated like unknown commands. Bad flag values still
	// fail.
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		if isUnknownFlag(err) {
			printUsage(cmd)
			return &exitError{code: 0}
		}
		return err
	})

	f := root.PersistentFlags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	f.StringVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	f.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory for the pid file and logs")
	f.StringVar(&cfg.EndpointsFile, "endpoints", cfg.EndpointsFile, "JSON file replacing the built-in endpoints")
	f.BoolVar(&cfg.ReusePort, "reuseport", cfg.ReusePort, "bind with SO_REUSEPORT")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "how long in-flight requests may drain on stop")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	root.AddCommand(
		newStartCmd(&cfg),
		newStatusCmd(&cfg),
		newEndpointsCmd(&cfg),
		newStopCmd(&cfg, 15*time.Second),
	)
	return root
}

func isUnknownFlag(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown flag") || strings.HasPrefix(msg, "unknown shorthand flag")
}

func printUsage(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), `USAGE: stubd [start|status|endpoints|stop] [flags]

Commands:
  start        Detach and serve (--foreground to stay attached)
  status       Report the port and pid of the running server
  endpoints    Write the registered endpoints to stdout.log (alias: list)
  stop         Stop the running server

Flags:
%s`, cmd.Root().PersistentFlags().FlagUsages())
}
