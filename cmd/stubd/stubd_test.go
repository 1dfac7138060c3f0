package main_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"golang.org/x/sys/unix"
)

const twiddle = "/twiddle/get.op?objectName=bean:name=datasource&attributeName="

// buildStubd builds the stubd binary into dir and returns the path.
func buildStubd(t *testing.T, dir string) string {
	t.Helper()
	out := filepath.Join(dir, "stubd")
	cmd := exec.Command("go", "build", "-trimpath", "-buildvcs=false", "-o", out, ".")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build stubd: %v\n%s", err, output)
	}
	return out
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

type instance struct {
	t    *testing.T
	bin  string
	dir  string
	port string
}

func newInstance(t *testing.T) *instance {
	t.Helper()
	inst := &instance{
		t:    t,
		bin:  buildStubd(t, t.TempDir()),
		dir:  t.TempDir(),
		port: freePort(t),
	}
	t.Cleanup(func() {
		// Best effort: never leave a daemon behind.
		inst.run("stop")
	})
	return inst
}

func (i *instance) command(args ...string) *exec.Cmd {
	cmd := exec.Command(i.bin, args...)
	cmd.Env = append(os.Environ(),
		"STUBD_HOST=127.0.0.1",
		"STUBD_PORT="+i.port,
		"STUBD_DIR="+i.dir,
	)
	return cmd
}

// run executes stubd and returns its combined output and exit code.
func (i *instance) run(args ...string) (string, int) {
	i.t.Helper()
	out, err := i.command(args...).CombinedOutput()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return string(out), 0
	case errors.As(err, &ee):
		return string(out), ee.ExitCode()
	default:
		i.t.Fatalf("run stubd %v: %v", args, err)
		return "", -1
	}
}

func (i *instance) get(path string) (int, string) {
	i.t.Helper()
	resp, err := http.Get("http://127.0.0.1:" + i.port + path)
	if err != nil {
		i.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func (i *instance) pidFile() string { return filepath.Join(i.dir, "webserver.pid") }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestLifecycle(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	out, code := inst.run("start")
	is.Equal(code, 0) // start
	is.True(strings.Contains(out, "server running on port "+inst.port))

	data, err := os.ReadFile(inst.pidFile())
	is.NoErr(err) // pid file written
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	is.NoErr(err)

	out, code = inst.run("status")
	is.Equal(code, 0) // status while running
	is.True(strings.Contains(out, "pid "+strconv.Itoa(pid)))

	status, body := inst.get(twiddle + "MaxPoolSize")
	is.Equal(status, http.StatusOK)
	is.Equal(body, "55")

	status, body = inst.get(twiddle + "NumBusyConnections")
	is.Equal(status, http.StatusOK)
	n, err := strconv.Atoi(body)
	is.NoErr(err)
	is.True(n >= 1 && n <= 40)

	status, _ = inst.get("/nope")
	is.Equal(status, http.StatusNotFound)

	out, code = inst.run("endpoints")
	is.Equal(code, 0) // endpoints
	is.True(strings.Contains(out, "stdout.log"))

	stdoutLog := filepath.Join(inst.dir, "stdout.log")
	waitFor(t, "endpoint listing", func() bool {
		data, _ := os.ReadFile(stdoutLog)
		return strings.Count(string(data), "listing endpoint") >= 4
	})
	logged, err := os.ReadFile(stdoutLog)
	is.NoErr(err)
	is.True(strings.Contains(string(logged), "attributeName=MinPoolSize"))

	_, code = inst.run("list")
	is.Equal(code, 0) // list alias

	// Still serving on the same listener after SIGUSR1.
	status, body = inst.get(twiddle + "MinPoolSize")
	is.Equal(status, http.StatusOK)
	is.Equal(body, "50")

	out, code = inst.run("start")
	is.Equal(code, 1) // second start refused
	is.True(strings.Contains(out, "already running"))

	out, code = inst.run("stop")
	is.Equal(code, 0) // stop
	is.True(strings.Contains(out, "stopped server"))

	_, err = os.Stat(inst.pidFile())
	is.True(errors.Is(err, os.ErrNotExist)) // pid file removed

	_, code = inst.run("status")
	is.Equal(code, 2) // status after stop

	out, code = inst.run("stop")
	is.Equal(code, 1) // nothing to stop
	is.True(strings.Contains(out, "nothing to stop"))

	_, code = inst.run("endpoints")
	is.Equal(code, 1) // endpoints when not running
}

func TestUsage(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	for _, args := range [][]string{nil, {"bogus"}, {"help"}, {"--bogus"}, {"status", "--bogus"}, {"-z"}} {
		out, code := inst.run(args...)
		is.Equal(code, 0)
		is.True(strings.Contains(out, "USAGE"))
	}
}

func TestStartInvalidConfig(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	out, code := inst.run("start", "--port", "http")
	is.Equal(code, 1)
	is.True(strings.Contains(out, "invalid port"))

	_, code = inst.run("start", "--shutdown-timeout", "soon")
	is.Equal(code, 1) // a bad flag value is not an unknown flag

	_, err := os.Stat(inst.pidFile())
	is.True(errors.Is(err, os.ErrNotExist)) // nothing started
}

func TestStartPortInUse(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	ln, err := net.Listen("tcp", "127.0.0.1:"+inst.port)
	is.NoErr(err)
	defer ln.Close()

	out, code := inst.run("start")
	is.Equal(code, 1)
	is.True(strings.Contains(out, "stderr.log")) // error names the log

	_, err = os.Stat(inst.pidFile())
	is.True(errors.Is(err, os.ErrNotExist))

	_, code = inst.run("status")
	is.Equal(code, 2) // no daemon left running
}

func TestEndpointsFile(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	file := filepath.Join(t.TempDir(), "endpoints.json")
	is.NoErr(os.WriteFile(file, []byte(`{"endpoints": {
		"/fixed": {"value": 7},
		"/count?x=1": {"producer": "counter", "start": 10},
		"/default": {}
	}}`), 0o644))

	_, code := inst.run("start", "--endpoints", file)
	is.Equal(code, 0)

	_, body := inst.get("/fixed")
	is.Equal(body, "7")
	_, body = inst.get("/count?x=1")
	is.Equal(body, "10")
	_, body = inst.get("/count?x=1")
	is.Equal(body, "11") // producer runs per request
	_, body = inst.get("/default")
	is.Equal(body, "20")
	status, _ := inst.get("/count")
	is.Equal(status, http.StatusNotFound) // query is part of the key

	_, code = inst.run("stop")
	is.Equal(code, 0)
}

func TestEndpointsFileDuplicate(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	file := filepath.Join(t.TempDir(), "endpoints.json")
	is.NoErr(os.WriteFile(file, []byte(`{"endpoints": {"/a": {"value": 1}, "/a": {"value": 2}}}`), 0o644))

	out, code := inst.run("start", "--endpoints", file)
	is.Equal(code, 1)
	is.True(strings.Contains(out, "duplicate"))
}

func TestForeground(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	cmd := inst.command("start", "--foreground")
	is.NoErr(cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitFor(t, "foreground server", func() bool {
		resp, err := http.Get("http://127.0.0.1:" + inst.port + twiddle + "MaxPoolSize")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	_, code := inst.run("status")
	is.Equal(code, 0) // foreground server is discoverable

	is.NoErr(cmd.Process.Signal(unix.SIGINT))
	select {
	case err := <-done:
		is.NoErr(err) // clean exit on SIGINT
	case <-time.After(15 * time.Second):
		cmd.Process.Kill()
		t.Fatal("foreground server did not stop")
	}

	_, err := os.Stat(inst.pidFile())
	is.True(errors.Is(err, os.ErrNotExist))
}

func TestForegroundAfterGlobalFlags(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	cmd := inst.command("--log-level", "info", "start", "--foreground")
	is.NoErr(cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitFor(t, "foreground server", func() bool {
		_, err := os.Stat(inst.pidFile())
		return err == nil
	})

	out, code := inst.run("status")
	is.Equal(code, 0) // found despite the leading flags
	is.True(strings.Contains(out, "pid "+strconv.Itoa(cmd.Process.Pid)))

	out, code = inst.run("start")
	is.Equal(code, 1)
	is.True(strings.Contains(out, "already running"))

	out, code = inst.run("stop")
	is.Equal(code, 0)
	is.True(strings.Contains(out, "stopped server"))

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(15 * time.Second):
		cmd.Process.Kill()
		t.Fatal("foreground server did not stop")
	}
	_, err := os.Stat(inst.pidFile())
	is.True(errors.Is(err, os.ErrNotExist))
}

func TestListingIgnoresLogLevel(t *testing.T) {
	is := is.New(t)
	inst := newInstance(t)

	_, code := inst.run("start", "--log-level", "error")
	is.Equal(code, 0)

	_, code = inst.run("endpoints")
	is.Equal(code, 0)

	stdoutLog := filepath.Join(inst.dir, "stdout.log")
	waitFor(t, "endpoint listing", func() bool {
		data, _ := os.ReadFile(stdoutLog)
		return strings.Count(string(data), "listing endpoint") >= 4
	})
	logged, err := os.ReadFile(stdoutLog)
	is.NoErr(err)
	is.True(!strings.Contains(string(logged), "daemon.started")) // info still suppressed

	_, code = inst.run("stop")
	is.Equal(code, 0)
}
