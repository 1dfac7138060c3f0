package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/matgreaves/run"
	"github.com/matgreaves/stubd/logging"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Options configures a Server.
type Options struct {
	// Addr is the host:port to bind.
	Addr string

	// ReusePort binds with SO_REUSEPORT.
	ReusePort bool

	// ShutdownTimeout bounds how long in-flight requests may take to drain
	// once shutdown starts. Defaults to 10s.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout is passed to the http.Server. Defaults to 5s.
	ReadHeaderTimeout time.Duration

	// Instance identifies this server in events and logs.
	Instance string

	// Logger receives request and lifecycle logs. The endpoint listing is
	// written through Logger.Named(logging.ListingLogger). Defaults to a
	// no-op logger.
	Logger *zap.Logger

	// Events receives lifecycle events. Defaults to a new EventLog.
	Events *EventLog

	// OnReady, if set, is called by Run once the listener is bound and the
	// control signals are captured, before the first request is accepted.
	// An error aborts Run.
	OnReady func(addr net.Addr) error
}

// Server serves a Registry over HTTP and reacts to control signals:
// SIGTERM and SIGINT shut it down, SIGUSR1 lists the registered endpoints.
type Server struct {
	registry *Registry
	signals  *SignalTable
	events   *EventLog
	logger   *zap.Logger
	opts     Options
	http     *http.Server

	mu sync.Mutex
	ln net.Listener

	shutdown chan struct{}
	once     sync.Once
}

// NewServer creates a Server for registry with the default signal handlers
// installed. It does not bind until Listen or Run is called.
func NewServer(registry *Registry, opts Options) *Server {
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = NewEventLog()
	}

	s := &Server{
		registry: registry,
		signals:  NewSignalTable(),
		events:   opts.Events,
		logger:   opts.Logger,
		opts:     opts,
		shutdown: make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           NewDispatcher(registry, opts.Logger, opts.Events),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(opts.Logger),
	}

	s.signals.observe = func(sig os.Signal) {
		s.events.Publish(Event{Type: EventSignalReceived, Instance: opts.Instance, Signal: sig.String()})
	}
	terminate := func(os.Signal) { s.Shutdown() }
	s.signals.Handle(unix.SIGTERM, terminate)
	s.signals.Handle(unix.SIGINT, terminate)
	s.signals.Handle(unix.SIGUSR1, func(os.Signal) { s.ListEndpoints() })

	return s
}

// Signals returns the signal table so callers can replace or chain the
// default handlers before Run.
func (s *Server) Signals() *SignalTable { return s.signals }

// Events returns the server's event log.
func (s *Server) Events() *EventLog { return s.events }

// Registry returns the registry being served.
func (s *Server) Registry() *Registry { return s.registry }

// Listen binds the configured address and freezes the registry. Calling it
// before detaching surfaces bind errors to the invoking terminal.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := Listen(s.opts.Addr, s.opts.ReusePort)
	if err != nil {
		return err
	}
	s.ln = ln
	s.registry.Freeze()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown asks a running server to stop. It is idempotent and safe to call
// from signal handlers and from multiple goroutines.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.events.Publish(Event{Type: EventDaemonStopping, Instance: s.opts.Instance})
		close(s.shutdown)
	})
}

// ShutdownCh returns a channel that is closed once Shutdown is called.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdown
}

// ListEndpoints logs every registered endpoint through the listing logger,
// which ignores the configured level. The server keeps serving on the same
// listener.
func (s *Server) ListEndpoints() {
	eps := s.registry.List()
	listing := s.logger.Named(logging.ListingLogger)
	for _, ep := range eps {
		listing.Info("listing endpoint", zap.Stringer("endpoint", ep))
	}
	s.events.Publish(Event{Type: EventEndpointsListed, Instance: s.opts.Instance, Count: len(eps)})
}

// Run serves until Shutdown is called or ctx is cancelled. The accept loop
// and the signal loop run as one group: when either stops, the other is
// cancelled. In-flight requests are drained for up to ShutdownTimeout once
// the group has returned, with the control signals still captured.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.signals.Start()
	defer s.signals.Stop()
	if s.opts.OnReady != nil {
		if err := s.opts.OnReady(s.Addr()); err != nil {
			s.closeListener()
			return err
		}
	}

	j := startJournal(s.events, s.logger, 0)
	defer j.close()

	addr := s.Addr().String()
	s.events.Publish(Event{
		Type:     EventDaemonStarted,
		Instance: s.opts.Instance,
		Addr:     addr,
		PID:      os.Getpid(),
		Count:    s.registry.Len(),
	})

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.http.Serve(ln) }()

	err := run.Group{
		"http":    run.Func(func(ctx context.Context) error { return s.accept(ctx, serveErr) }),
		"signals": s.signals.Runner(),
	}.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if derr := s.drain(); derr != nil && err == nil {
		err = derr
	}
	s.events.Publish(Event{Type: EventDaemonStopped, Instance: s.opts.Instance})
	return err
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
}

// accept waits for the serve loop to fail or ctx to be cancelled.
func (s *Server) accept(ctx context.Context, serveErr <-chan error) error {
	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// drain closes the listener and waits up to ShutdownTimeout for in-flight
// requests, then closes whatever is left.
func (s *Server) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.http.Close()
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
