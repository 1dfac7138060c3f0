package spec

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProducerSpec is the JSON form of a named producer in an endpoint file.
type ProducerSpec struct {
	// Name selects a built-in producer: random, counter, uuid, timestamp, pid.
	Name string `json:"producer"`

	// Min and Max bound the random producer (inclusive).
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`

	// Start is the first value returned by the counter producer.
	Start int64 `json:"start,omitempty"`

	// Layout is the time layout used by the timestamp producer.
	// Defaults to RFC 3339.
	Layout string `json:"layout,omitempty"`
}

// Build returns the producer Source p names.
func (p ProducerSpec) Build() (Source, error) {
	switch p.Name {
	case "random":
		if p.Max < p.Min {
			return Source{}, fmt.Errorf("random producer: max %d is below min %d", p.Max, p.Min)
		}
		return Producer(fmt.Sprintf("random(%d,%d)", p.Min, p.Max), RandomInt(p.Min, p.Max)), nil
	case "counter":
		return Producer("counter", Counter(p.Start)), nil
	case "uuid":
		return Producer("uuid", func() (any, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}), nil
	case "timestamp":
		layout := p.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		return Producer("timestamp", func() (any, error) {
			return time.Now().UTC().Format(layout), nil
		}), nil
	case "pid":
		return Producer("pid", func() (any, error) {
			return os.Getpid(), nil
		}), nil
	case "":
		return Source{}, fmt.Errorf("producer name is required")
	default:
		return Source{}, fmt.Errorf("unknown producer %q", p.Name)
	}
}

// RandomInt returns a producer yielding a uniformly random integer in
// [lo, hi].
func RandomInt(lo, hi int) ProducerFunc {
	return func() (any, error) {
		return lo + rand.IntN(hi-lo+1), nil
	}
}

// Counter returns a producer yielding start, start+1, ... across calls.
// Safe for concurrent requests.
func Counter(start int64) ProducerFunc {
	var n atomic.Int64
	n.Store(start - 1)
	return func() (any, error) {
		return n.Add(1), nil
	}
}
