package spec

import "fmt"

// DefaultBody is served for an endpoint registered with neither a value nor
// a producer.
const DefaultBody = "20"

// ProducerFunc computes a response body at dispatch time. It is called once
// per request on the handling goroutine and must not block.
type ProducerFunc func() (any, error)

type sourceKind uint8

const (
	sourceNone sourceKind = iota
	sourceValue
	sourceProducer
)

// Source is the response source of an endpoint: either a fixed value or a
// producer. The zero Source has neither and resolves to DefaultBody.
type Source struct {
	kind    sourceKind
	value   any
	produce ProducerFunc
	name    string
}

// Value returns a Source that always resolves to v.
func Value(v any) Source {
	return Source{kind: sourceValue, value: v}
}

// Producer returns a Source that calls fn on every resolution. name is only
// used when the endpoint is listed; pass "" to get a generic label.
func Producer(name string, fn ProducerFunc) Source {
	if fn == nil {
		return Source{}
	}
	if name == "" {
		name = "func"
	}
	return Source{kind: sourceProducer, produce: fn, name: name}
}

// IsProducer reports whether the source is computed per request.
func (s Source) IsProducer() bool { return s.kind == sourceProducer }

// Resolve returns the body for one request. Producers are invoked every call;
// a panicking producer is reported as an error.
func (s Source) Resolve() (body string, err error) {
	switch s.kind {
	case sourceValue:
		return fmt.Sprint(s.value), nil
	case sourceProducer:
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("producer %s panicked: %v", s.name, r)
			}
		}()
		v, err := s.produce()
		if err != nil {
			return "", fmt.Errorf("producer %s: %w", s.name, err)
		}
		return fmt.Sprint(v), nil
	default:
		return DefaultBody, nil
	}
}

// String describes the source for logs.
func (s Source) String() string {
	switch s.kind {
	case sourceValue:
		return fmt.Sprintf("value=%v", s.value)
	case sourceProducer:
		return "producer=" + s.name
	default:
		return "default=" + DefaultBody
	}
}

// Endpoint binds a request path to a response source.
type Endpoint struct {
	// Path is the exact request target, including any query string.
	Path   string
	Source Source
}

// String renders the endpoint the way the list action prints it.
func (e Endpoint) String() string {
	value, producer := "None", "None"
	switch e.Source.kind {
	case sourceValue:
		value = fmt.Sprint(e.Source.value)
	case sourceProducer:
		producer = e.Source.name
	}
	return fmt.Sprintf("Endpoint path=%s value=%s producer=%s", e.Path, value, producer)
}
