// Package config holds the settings shared by every stubd invocation. A
// Config is built once at startup from defaults, STUBD_* environment
// variables and flags, validated, and then passed explicitly to the daemon,
// the server and the control commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = "48000"
	DefaultShutdownTimeout = 10 * time.Second

	PIDFileName   = "webserver.pid"
	StdoutLogName = "stdout.log"
	StderrLogName = "stderr.log"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port string

	// Dir holds the PID file and the log files. Defaults to the directory
	// of the executable.
	Dir string

	PIDFile   string
	StdoutLog string
	StderrLog string

	// EndpointsFile optionally replaces the built-in endpoint set.
	EndpointsFile string

	ReusePort       bool
	ShutdownTimeout time.Duration
	LogLevel        string

	// Program is the executable path. It is re-executed to detach and is
	// the signature process discovery matches command lines against.
	Program string
}

// Default returns the built-in configuration.
func Default() Config {
	prog := executable()
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Dir:             filepath.Dir(prog),
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        "info",
		Program:         prog,
	}
}

// ApplyEnv overrides fields from STUBD_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("STUBD_HOST", &c.Host)
	str("STUBD_PORT", &c.Port)
	str("STUBD_DIR", &c.Dir)
	str("STUBD_ENDPOINTS", &c.EndpointsFile)
	str("STUBD_LOG_LEVEL", &c.LogLevel)

	if v := getenv("STUBD_REUSEPORT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STUBD_REUSEPORT: %w", err)
		}
		c.ReusePort = b
	}
	if v := getenv("STUBD_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STUBD_SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

// Validate checks the listen address and resolves every path to an
// absolute one, since the daemon runs with / as its working directory.
func (c *Config) Validate() error {
	var errs []error

	if c.Host != "" && net.ParseIP(c.Host) == nil && !hostnameRe.MatchString(c.Host) {
		errs = append(errs, fmt.Errorf("invalid host %q", c.Host))
	}

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	} else if p, err := nat.ParsePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("invalid port %q: %w", c.Port, err))
	} else if p < 1 {
		errs = append(errs, fmt.Errorf("invalid port %q: must be between 1 and 65535", c.Port))
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	var err error
	if c.Dir, err = filepath.Abs(c.Dir); err != nil {
		return fmt.Errorf("dir: %w", err)
	}
	c.PIDFile = c.resolve(c.PIDFile, PIDFileName)
	c.StdoutLog = c.resolve(c.StdoutLog, StdoutLogName)
	c.StderrLog = c.resolve(c.StderrLog, StderrLogName)
	if c.EndpointsFile != "" {
		if c.EndpointsFile, err = filepath.Abs(c.EndpointsFile); err != nil {
			return fmt.Errorf("endpoints file: %w", err)
		}
	}
	if c.Program == "" {
		c.Program = executable()
	}
	return nil
}

// resolve returns path made absolute against Dir, or Dir/name when empty.
func (c *Config) resolve(path, name string) string {
	if path == "" {
		return filepath.Join(c.Dir, name)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// DisplayHost returns the host for user-facing messages.
func (c Config) DisplayHost() string {
	if c.Host == "" {
		return DefaultHost
	}
	return c.Host
}

// executable returns the absolute path of the running binary with symlinks
// resolved, falling back to argv[0].
func executable() string {
	p, err := os.Executable()
	if err != nil {
		p = os.Args[0]
	}
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if a, err := filepath.Abs(p); err == nil {
		p = a
	}
	return p
}
