package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matgreaves/stubd/server"
	"github.com/matgreaves/stubd/spec"
)

// BenchmarkPublish measures append throughput for request events.
func BenchmarkPublish(b *testing.B) {
	log := server.NewEventLog()
	e := server.Event{Type: server.EventRequestServed, Method: "GET", Path: "/x", Status: 200}

	b.ResetTimer()
	for range b.N {
		log.Publish(e)
	}
}

// BenchmarkPublishAtRetention measures append throughput once the log is full
// and every publish trims the oldest event.
func BenchmarkPublishAtRetention(b *testing.B) {
	log := server.NewEventLog()
	e := server.Event{Type: server.EventRequestServed, Method: "GET", Path: "/x", Status: 200}
	for range server.DefaultEventRetention {
		log.Publish(e)
	}

	b.ResetTimer()
	for range b.N {
		log.Publish(e)
	}
}

// BenchmarkDispatch measures a full request through the frozen registry.
func BenchmarkDispatch(b *testing.B) {
	reg := server.NewRegistry()
	for _, ep := range spec.DefaultEndpoints() {
		reg.Register(ep)
	}
	reg.Freeze()
	d := server.NewDispatcher(reg, nil, server.NewEventLog())
	target := spec.DefaultEndpoints()[2].Path

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			w := httptest.NewRecorder()
			d.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
			if w.Code != http.StatusOK {
				b.Fatalf("status %d", w.Code)
			}
		}
	})
}
