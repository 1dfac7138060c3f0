// Package discovery finds a running stubd daemon.
//
// The PID file is the primary source of truth. Because a PID file can
// outlive its process (and the PID can be reused), a recorded PID is only
// trusted while the process is alive and its arguments still match the
// daemon signature. Otherwise the process table is scanned.
package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/matgreaves/stubd/daemon"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned when no daemon process matches.
var ErrNotFound = errors.New("daemon not found")

// Signature identifies a daemon's command line: the base name of argv[0]
// is Program and Command appears among the remaining arguments, after any
// global flags.
type Signature struct {
	Program string
	Command string
}

// SignatureFor returns the signature of a daemon started from program.
func SignatureFor(program string) Signature {
	return Signature{Program: filepath.Base(program), Command: "start"}
}

// Match reports whether argv belongs to a daemon with this signature.
func (s Signature) Match(argv []string) bool {
	if len(argv) < 2 || filepath.Base(argv[0]) != s.Program {
		return false
	}
	return slices.Contains(argv[1:], s.Command)
}

func (s Signature) String() string {
	return s.Program + " " + s.Command
}

// Find scans the process table for the first process, other than the
// caller, whose command line matches signature. Processes whose command
// line cannot be read (exited mid-scan, insufficient permission) are
// skipped.
func Find(ctx context.Context, signature Signature) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, ErrNotFound
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if matches(ctx, p, signature) {
			return int(p.Pid), nil
		}
	}
	return 0, ErrNotFound
}

// Locate returns the PID of the running daemon, preferring the PID recorded
// in pidFile and falling back to Find.
func Locate(ctx context.Context, pidFile string, signature Signature) (int, error) {
	if pid, err := daemon.ReadPIDFile(pidFile); err == nil && pid != 0 && pid != os.Getpid() {
		if p, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil && matches(ctx, p, signature) {
			return pid, nil
		}
	}
	return Find(ctx, signature)
}

func matches(ctx context.Context, p *process.Process, signature Signature) bool {
	argv, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || !signature.Match(argv) {
		return false
	}
	// Exited processes awaiting reaping still have a table entry.
	return daemon.Alive(int(p.Pid))
}
