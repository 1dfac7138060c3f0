package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/matgreaves/stubd/config"
	"github.com/matgreaves/stubd/control"
	"github.com/matgreaves/stubd/daemon"
	"github.com/matgreaves/stubd/discovery"
	"github.com/matgreaves/stubd/logging"
	"github.com/matgreaves/stubd/server"
	"github.com/matgreaves/stubd/spec"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd(cfg *config.Config) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case daemon.CurrentStage() == daemon.StageDaemon:
				return serveDaemon(cmd.Context(), *cfg)
			case foreground:
				return serveForeground(cmd, *cfg)
			default:
				return detach(cmd, *cfg)
			}
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "serve without detaching")
	return cmd
}

// buildRegistry registers the built-in endpoints, or those of the endpoint
// file when one is configured.
func buildRegistry(cfg config.Config) (*server.Registry, error) {
	eps := spec.DefaultEndpoints()
	if cfg.EndpointsFile != "" {
		var err error
		if eps, err = spec.LoadEndpoints(cfg.EndpointsFile); err != nil {
			return nil, err
		}
	}
	reg := server.NewRegistry()
	for _, ep := range eps {
		reg.Register(ep)
	}
	return reg, nil
}

func target(cfg config.Config) control.Target {
	return control.Target{PIDFile: cfg.PIDFile, Signature: discovery.SignatureFor(cfg.Program)}
}

// detach validates what can be validated in the foreground, then re-executes
// the binary as a daemon and reports its PID.
func detach(cmd *cobra.Command, cfg config.Config) error {
	if _, err := buildRegistry(cfg); err != nil {
		return err
	}
	if st, err := target(cfg).Status(cmd.Context()); err == nil {
		return exit(1, "server is already running on port %s, pid %d", cfg.Port, st.PID)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "starting up server http://%s\n", net.JoinHostPort(cfg.DisplayHost(), cfg.Port))
	pid, err := daemon.Detach(cmd.Context(), daemon.Options{
		Program:   cfg.Program,
		Args:      daemonArgs(cfg),
		PIDFile:   cfg.PIDFile,
		StdoutLog: cfg.StdoutLog,
		StderrLog: cfg.StderrLog,
	})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return exit(1, "server is already running on port %s, pid %d", cfg.Port, pid)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "server running on port %s, pid %s\n", cfg.Port, bold(strconv.Itoa(pid)))
	return nil
}

// daemonArgs spells out the resolved configuration so the daemon does not
// depend on the caller's working directory or environment.
func daemonArgs(cfg config.Config) []string {
	args := []string{
		"start",
		"--host", cfg.Host,
		"--port", cfg.Port,
		"--dir", cfg.Dir,
		"--shutdown-timeout", cfg.ShutdownTimeout.String(),
		"--log-level", cfg.LogLevel,
	}
	if cfg.EndpointsFile != "" {
		args = append(args, "--endpoints", cfg.EndpointsFile)
	}
	if cfg.ReusePort {
		args = append(args, "--reuseport")
	}
	return args
}

// serveDaemon is the body of the detached process. Its stdout and stderr are
// the log files; startup failures are reported back through the handoff.
func serveDaemon(ctx context.Context, cfg config.Config) error {
	handoff := daemon.Enter()
	err := serve(ctx, cfg, logging.Options{Level: cfg.LogLevel}, handoff)
	if err != nil {
		handoff.Fail(err)
	}
	return err
}

func serveForeground(cmd *cobra.Command, cfg config.Config) error {
	if st, err := target(cfg).Status(cmd.Context()); err == nil {
		return exit(1, "server is already running on port %s, pid %d", cfg.Port, st.PID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "starting up server http://%s\n", net.JoinHostPort(cfg.DisplayHost(), cfg.Port))
	return serve(cmd.Context(), cfg, logging.Options{
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
		Level:   cfg.LogLevel,
		Console: colorEnabled,
	}, nil)
}

func serve(ctx context.Context, cfg config.Config, logOpts logging.Options, handoff *daemon.Handoff) error {
	logger, err := logging.New(logOpts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	instance := uuid.NewString()
	srv := server.NewServer(reg, server.Options{
		Addr:            cfg.Addr(),
		ReusePort:       cfg.ReusePort,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Instance:        instance,
		Logger:          logger.With(zap.String("instance", instance)),
		OnReady: func(addr net.Addr) error {
			var err error
			if release, err = daemon.WritePIDFile(cfg.PIDFile); err != nil {
				return err
			}
			return handoff.Ready(os.Getpid())
		},
	})
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}
