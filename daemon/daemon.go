// Package daemon turns a foreground invocation into a detached background
// process and manages its PID file.
//
// Go cannot fork, so detaching is done by re-executing the program twice:
//
//	foreground  --(Setsid, stdio redirected)-->  session  --->  daemon
//
// The session stage is a new session leader with no controlling terminal. It
// starts the daemon stage and exits at once, so the daemon is not a session
// leader (it can never acquire a terminal) and is reparented to init. The
// foreground process waits on a handoff pipe inherited by both stages until
// the daemon reports that its PID file is written and it is listening.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// StageEnv is the environment variable carrying the stage of a re-executed
// process.
const StageEnv = "STUBD_DAEMON_STAGE"

// handoffFD is the descriptor of the handoff pipe in the session and daemon
// stages (the first entry of ExtraFiles).
const handoffFD = 3

// Stage identifies which step of the detach sequence a process is in.
type Stage int

const (
	StageForeground Stage = iota
	StageSession
	StageDaemon
)

func (s Stage) String() string {
	switch s {
	case StageSession:
		return "session"
	case StageDaemon:
		return "daemon"
	default:
		return "foreground"
	}
}

// CurrentStage reports the stage of the running process.
func CurrentStage() Stage {
	switch os.Getenv(StageEnv) {
	case "session":
		return StageSession
	case "daemon":
		return StageDaemon
	default:
		return StageForeground
	}
}

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("daemon already running")

// Options configures Detach and Continue.
type Options struct {
	// Program is the executable to re-execute.
	Program string

	// Args are the arguments after argv[0], normally os.Args[1:].
	Args []string

	// PIDFile is where the daemon records its PID.
	PIDFile string

	// StdoutLog and StderrLog receive the daemon's standard streams, opened
	// in append mode.
	StdoutLog string
	StderrLog string

	// StartTimeout bounds how long Detach waits for the daemon to report
	// ready. Defaults to 10s.
	StartTimeout time.Duration
}

// Detach starts the program as a detached daemon and waits until it reports
// ready. It returns the daemon's PID. No PID file is written by the calling
// process; if the re-exec fails nothing is left behind.
func Detach(ctx context.Context, opts Options) (int, error) {
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 10 * time.Second
	}

	if pid, err := ReadPIDFile(opts.PIDFile); err != nil {
		return 0, err
	} else if pid != 0 {
		return pid, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	for _, p := range []string{opts.PIDFile, opts.StdoutLog, opts.StderrLog} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return 0, fmt.Errorf("create dir for %s: %w", p, err)
		}
	}

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer stdin.Close()
	stdout, err := openLog(opts.StdoutLog)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := openLog(opts.StderrLog)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("handoff pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Env = withStage(os.Environ(), StageSession)
	cmd.Dir = "/"
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	err = cmd.Start()
	w.Close() // the children hold the only write ends now
	if err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return 0, fmt.Errorf("detach: session stage: %w (log: %s)", err, opts.StderrLog)
	}

	type result struct {
		pid int
		err error
	}
	done := make(chan result, 1)
	go func() {
		pid, err := readHandoff(r)
		done <- result{pid, err}
	}()

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("daemon failed to start: %w (log: %s)", res.err, opts.StderrLog)
		}
		return res.pid, nil
	case <-timer.C:
		return 0, fmt.Errorf("daemon did not become ready within %s (log: %s)", opts.StartTimeout, opts.StderrLog)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Continue runs the session stage: it starts the daemon stage with the same
// arguments and standard streams and returns. The caller should exit
// immediately afterwards.
func Continue(opts Options) error {
	handoff := os.NewFile(handoffFD, "handoff")
	if handoff == nil {
		return errors.New("session stage started without a handoff pipe")
	}
	defer handoff.Close()

	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Env = withStage(os.Environ(), StageDaemon)
	cmd.Dir = "/"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{handoff}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(handoff, "error: start daemon stage: %v\n", err)
		return fmt.Errorf("start daemon stage: %w", err)
	}
	// Not waited for: the daemon outlives this process and is reaped by init.
	return cmd.Process.Release()
}

// Handoff is the daemon side of the pipe the foreground process waits on.
// Only the first Ready or Fail is delivered. A nil *Handoff (foreground
// mode) accepts every call as a no-op.
type Handoff struct {
	mu sync.Mutex
	f  *os.File
}

// Enter prepares the daemon stage: it resets the umask and picks up the
// handoff pipe. It returns nil outside the daemon stage.
func Enter() *Handoff {
	if CurrentStage() != StageDaemon {
		return nil
	}
	unix.Umask(0o022)
	f := os.NewFile(handoffFD, "handoff")
	if f == nil {
		return nil
	}
	return &Handoff{f: f}
}

// Ready tells the foreground process that the daemon is serving as pid.
func (h *Handoff) Ready(pid int) error {
	f := h.take()
	if f == nil {
		return nil
	}
	defer f.Close()
	_, err := fmt.Fprintf(f, "ready %d\n", pid)
	return err
}

// Fail reports a startup error to the foreground process.
func (h *Handoff) Fail(err error) {
	f := h.take()
	if f == nil {
		return
	}
	defer f.Close()
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	fmt.Fprintf(f, "error: %s\n", msg)
}

func (h *Handoff) take() *os.File {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.f
	h.f = nil
	return f
}

// readHandoff reads the daemon's report. EOF without a report means every
// stage holding the pipe exited before the daemon became ready.
func readHandoff(r io.Reader) (int, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "ready "):
		pid, perr := strconv.Atoi(strings.TrimPrefix(line, "ready "))
		if perr != nil || pid < 1 {
			return 0, fmt.Errorf("malformed handoff %q", line)
		}
		return pid, nil
	case strings.HasPrefix(line, "error: "):
		return 0, errors.New(strings.TrimPrefix(line, "error: "))
	case err != nil:
		return 0, errors.New("daemon exited before becoming ready")
	default:
		return 0, fmt.Errorf("malformed handoff %q", line)
	}
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// withStage returns env with StageEnv set to stage, replacing any previous
// value.
func withStage(env []string, stage Stage) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, StageEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, StageEnv+"="+stage.String())
}
