package server

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

const contentType = "text/plain"

// Dispatcher serves GET requests from a Registry. Each request either
// matches an endpoint exactly (200 with the resolved body) or not (404).
// A failing producer yields 500 for that request only.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
	events   *EventLog
}

// NewDispatcher creates a Dispatcher. logger and events may be nil.
func NewDispatcher(registry *Registry, logger *zap.Logger, events *EventLog) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger, events: events}
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		// Other methods are accepted but have no endpoint behaviour.
		d.logger.Debug("ignoring request", zap.String("method", r.Method), zap.String("path", r.URL.RequestURI()))
		return
	}

	target := requestTarget(r)
	w.Header().Set("Content-Type", contentType)

	ep, ok := d.registry.Lookup(target)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		d.publish(Event{Type: EventRequestServed, Method: r.Method, Path: target, Status: http.StatusNotFound})
		return
	}

	body, err := ep.Source.Resolve()
	if err != nil {
		d.logger.Error("endpoint failed", zap.String("path", target), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		d.publish(Event{Type: EventRequestFailed, Method: r.Method, Path: target, Status: http.StatusInternalServerError, Error: err.Error()})
		return
	}

	d.logger.Debug("serving endpoint", zap.String("path", target), zap.Stringer("source", ep.Source))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
	d.publish(Event{Type: EventRequestServed, Method: r.Method, Path: target, Status: http.StatusOK})
}

func (d *Dispatcher) publish(e Event) {
	if d.events != nil {
		d.events.Publish(e)
	}
}

// requestTarget returns the request target as sent on the request line
// (path plus query), which is what endpoints are keyed by.
func requestTarget(r *http.Request) string {
	if len(r.RequestURI) > 0 && r.RequestURI[0] == '/' {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
