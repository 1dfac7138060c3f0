package server

import (
	"sync"
	"sync/atomic"

	"github.com/matgreaves/stubd/spec"
)

// Registry maps request paths to endpoints. Registration order is kept for
// List. It is populated during startup and frozen before the serve loop
// starts; after Freeze, lookups take no lock and registrations are refused.
type Registry struct {
	mu     sync.Mutex
	frozen atomic.Bool
	order  []string
	eps    map[string]spec.Endpoint
}

// NewRegistry creates a registry with no endpoints registered.
func NewRegistry() *Registry {
	return &Registry{eps: make(map[string]spec.Endpoint)}
}

// Register adds ep to the registry. It reports whether the endpoint was
// added: an empty path, a path that is already registered (the first
// registration wins) and a frozen registry all leave the registry unchanged.
func (r *Registry) Register(ep spec.Endpoint) bool {
	if ep.Path == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return false
	}
	if _, ok := r.eps[ep.Path]; ok {
		return false
	}
	r.eps[ep.Path] = ep
	r.order = append(r.order, ep.Path)
	return true
}

// RegisterValue registers a fixed-value endpoint.
func (r *Registry) RegisterValue(path string, v any) bool {
	return r.Register(spec.Endpoint{Path: path, Source: spec.Value(v)})
}

// RegisterProducer registers an endpoint whose body is computed per request.
func (r *Registry) RegisterProducer(path, name string, fn spec.ProducerFunc) bool {
	return r.Register(spec.Endpoint{Path: path, Source: spec.Producer(name, fn)})
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Lookup returns the endpoint registered for path. Matching is exact: no
// wildcard, prefix or trailing-slash handling.
func (r *Registry) Lookup(path string) (spec.Endpoint, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	ep, ok := r.eps[path]
	return ep, ok
}

// List returns a snapshot of all endpoints in registration order.
func (r *Registry) List() []spec.Endpoint {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]spec.Endpoint, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.eps[p])
	}
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	return len(r.List())
}
