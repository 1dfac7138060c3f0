// Package control is the client side of the daemon's control plane. It never
// talks HTTP: it finds the daemon's PID and signals it.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matgreaves/stubd/daemon"
	"github.com/matgreaves/stubd/discovery"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned when no daemon could be found.
var ErrNotRunning = errors.New("webserver is not running")

// Target identifies the daemon to control.
type Target struct {
	PIDFile   string
	Signature discovery.Signature
}

// Status is the result of a status query.
type Status struct {
	PID int
}

// Status reports whether the daemon is running.
func (t Target) Status(ctx context.Context) (Status, error) {
	pid, err := t.locate(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{PID: pid}, nil
}

// List asks the daemon to write its endpoint list to its stdout log.
func (t Target) List(ctx context.Context) (int, error) {
	pid, err := t.locate(ctx)
	if err != nil {
		return 0, err
	}
	if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}

// Stop sends SIGTERM and waits until the daemon has exited, up to timeout.
func (t Target) Stop(ctx context.Context, timeout time.Duration) (int, error) {
	pid, err := t.locate(ctx)
	if err != nil {
		return 0, err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return 0, ErrNotRunning
		}
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	if err := waitExit(ctx, pid, timeout); err != nil {
		return pid, err
	}
	return pid, nil
}

func (t Target) locate(ctx context.Context) (int, error) {
	pid, err := discovery.Locate(ctx, t.PIDFile, t.Signature)
	if errors.Is(err, discovery.ErrNotFound) {
		return 0, ErrNotRunning
	}
	return pid, err
}

func waitExit(ctx context.Context, pid int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for daemon.Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running after %s", pid, timeout)
		case <-ticker.C:
		}
	}
	return nil
}
