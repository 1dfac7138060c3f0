package server_test

import (
	"sync"
	"testing"

	"github.com/matgreaves/stubd/server"
	"github.com/matgreaves/stubd/spec"
	"github.com/matryer/is"
)

func TestRegistry_Register(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()

	is.True(reg.RegisterValue("/a", 55))
	is.True(reg.RegisterProducer("/b", "const", func() (any, error) { return 1, nil }))
	is.True(reg.Register(spec.Endpoint{Path: "/c"}))
	is.Equal(reg.Len(), 3)

	ep, ok := reg.Lookup("/a")
	is.True(ok)
	body, err := ep.Source.Resolve()
	is.NoErr(err)
	is.Equal(body, "55")
}

func TestRegistry_DuplicateKeepsFirst(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()

	is.True(reg.RegisterValue("/a", 1))
	is.True(!reg.RegisterValue("/a", 2)) // refused

	ep, ok := reg.Lookup("/a")
	is.True(ok)
	body, _ := ep.Source.Resolve()
	is.Equal(body, "1")
	is.Equal(reg.Len(), 1)
}

func TestRegistry_EmptyPath(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()
	is.True(!reg.RegisterValue("", 1))
	is.Equal(reg.Len(), 0)
}

func TestRegistry_ExactMatch(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()
	reg.RegisterValue("/a?x=1", 1)

	for _, path := range []string{"/a", "/a?x=1&y=2", "/a?x=1/", "/A?x=1", "/a?x=2"} {
		_, ok := reg.Lookup(path)
		is.True(!ok) // no normalisation or prefix matching
	}
	_, ok := reg.Lookup("/a?x=1")
	is.True(ok)
}

func TestRegistry_ListOrder(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()
	for _, p := range []string{"/z", "/a", "/m"} {
		reg.RegisterValue(p, p)
	}
	reg.RegisterValue("/a", "again")

	var paths []string
	for _, ep := range reg.List() {
		paths = append(paths, ep.Path)
	}
	is.Equal(paths, []string{"/z", "/a", "/m"})
}

func TestRegistry_Freeze(t *testing.T) {
	is := is.New(t)
	reg := server.NewRegistry()
	reg.RegisterValue("/a", 1)
	reg.Freeze()
	reg.Freeze()

	is.True(!reg.RegisterValue("/b", 2))
	_, ok := reg.Lookup("/a")
	is.True(ok)
	is.Equal(reg.Len(), 1)
}

func TestRegistry_ConcurrentLookup(t *testing.T) {
	reg := server.NewRegistry()
	for _, ep := range spec.DefaultEndpoints() {
		reg.Register(ep)
	}
	reg.Freeze()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				for _, ep := range reg.List() {
					if _, ok := reg.Lookup(ep.Path); !ok {
						t.Errorf("lookup %s failed", ep.Path)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
