package server

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/matgreaves/run"
)

// SignalHandler reacts to one delivered signal. Handlers run on the signal
// table's goroutine, concurrently with request handling, and must return
// promptly.
type SignalHandler func(os.Signal)

// SignalTable maps signals to handlers. Each signal has at most one active
// handler; Handle replaces the previous one and returns it.
type SignalTable struct {
	mu       sync.Mutex
	handlers map[os.Signal]SignalHandler
	ch       chan os.Signal // non-nil while Runner is running

	// observe, if set, sees every delivery before dispatch.
	observe func(os.Signal)
}

// NewSignalTable creates an empty table.
func NewSignalTable() *SignalTable {
	return &SignalTable{handlers: make(map[os.Signal]SignalHandler)}
}

// Handle registers h for sig and returns the handler it replaced, or nil.
// A nil h removes the registration; while Runner is running the signal stays
// captured and is ignored.
func (t *SignalTable) Handle(sig os.Signal, h SignalHandler) SignalHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.handlers[sig]
	if h == nil {
		delete(t.handlers, sig)
		return prev
	}
	t.handlers[sig] = h
	if t.ch != nil {
		signal.Notify(t.ch, sig)
	}
	return prev
}

// Signals returns the signals that currently have a handler.
func (t *SignalTable) Signals() []os.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]os.Signal, 0, len(t.handlers))
	for sig := range t.handlers {
		out = append(out, sig)
	}
	return out
}

// Dispatch invokes the handler registered for sig. It reports whether one
// was registered.
func (t *SignalTable) Dispatch(sig os.Signal) bool {
	t.mu.Lock()
	h := t.handlers[sig]
	t.mu.Unlock()
	if h == nil {
		return false
	}
	h(sig)
	return true
}

// Start subscribes to every registered signal. Until Stop, signals
// registered later are subscribed as they are added, and deliveries queue
// for Runner. It is idempotent.
func (t *SignalTable) Start() {
	t.start()
}

// start reports whether this call made the subscription.
func (t *SignalTable) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return false
	}
	t.ch = make(chan os.Signal, 4)
	for sig := range t.handlers {
		signal.Notify(t.ch, sig)
	}
	return true
}

// Stop releases the subscriptions made by Start. Signals delivered afterwards
// get their default behaviour again.
func (t *SignalTable) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return
	}
	signal.Stop(t.ch)
	t.ch = nil
}

// Runner dispatches deliveries until ctx is cancelled. If the caller has not
// called Start, Runner subscribes itself and calls Stop on return; otherwise
// the subscription stays until the caller's Stop.
func (t *SignalTable) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		if t.start() {
			defer t.Stop()
		}

		t.mu.Lock()
		ch := t.ch
		t.mu.Unlock()

		for {
			select {
			case sig := <-ch:
				if t.observe != nil {
					t.observe(sig)
				}
				t.Dispatch(sig)
			case <-ctx.Done():
				return nil
			}
		}
	})
}
