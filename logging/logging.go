// Package logging builds the zap loggers used by the daemon and the CLI.
//
// Entries at info level and below go to Stdout, warnings and errors to
// Stderr. In the daemon both are the redirected log files. Each entry is
// encoded into one buffer and written with a single locked Write, so lines
// from concurrent goroutines never interleave.
//
// Entries from a logger named ListingLogger are always written to Stdout,
// whatever the configured level.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ListingLogger is the logger name whose entries bypass the level filter.
// The server writes its endpoint listing through it.
const ListingLogger = "listing"

// Options configures New.
type Options struct {
	Stdout io.Writer // defaults to os.Stdout
	Stderr io.Writer // defaults to os.Stderr

	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Console selects the human-readable encoder instead of JSON.
	Console bool
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Level == "" {
		opts.Level = "info"
	}

	lvl, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	atom := zap.NewAtomicLevelAt(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Console {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := zapcore.Lock(zapcore.AddSync(opts.Stdout))
	errOut := zapcore.Lock(zapcore.AddSync(opts.Stderr))

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return atom.Enabled(l) && l < zapcore.WarnLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return atom.Enabled(l) && l >= zapcore.WarnLevel
	})

	core := zapcore.NewTee(
		byName{zapcore.NewCore(enc, out, low), false},
		byName{zapcore.NewCore(enc.Clone(), errOut, high), false},
		byName{zapcore.NewCore(enc.Clone(), out, zapcore.DebugLevel), true},
	)
	return zap.New(core, zap.ErrorOutput(errOut)), nil
}

// byName passes only entries whose logger is (listing=true) or is not
// (listing=false) the ListingLogger.
type byName struct {
	zapcore.Core
	listing bool
}

func (c byName) With(fields []zapcore.Field) zapcore.Core {
	return byName{c.Core.With(fields), c.listing}
}

func (c byName) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if isListing(e.LoggerName) != c.listing {
		return ce
	}
	return c.Core.Check(e, ce)
}

func isListing(name string) bool {
	return name == ListingLogger || strings.HasSuffix(name, "."+ListingLogger)
}
