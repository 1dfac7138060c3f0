package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// endpointEntry is the JSON form of one endpoint in an endpoint file. Value
// and producer are mutually exclusive; an empty object selects DefaultBody.
type endpointEntry struct {
	Value json.RawMessage `json:"value,omitempty"`
	ProducerSpec
}

// LoadEndpoints reads and decodes an endpoint file.
func LoadEndpoints(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint file: %w", err)
	}
	eps, err := DecodeEndpoints(data)
	if err != nil {
		return nil, fmt.Errorf("endpoint file %s: %w", path, err)
	}
	return eps, nil
}

// DecodeEndpoints unmarshals an endpoint file of the form
//
//	{"endpoints": {"/path": {"value": 55}, "/other": {"producer": "random", "min": 1, "max": 40}}}
//
// Endpoints are returned in file order. Duplicate paths, which encoding/json
// would silently collapse, are reported as errors.
func DecodeEndpoints(data []byte) ([]Endpoint, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, err
	}
	if err := checkDuplicateKeys(data, "endpoints"); err != nil {
		return nil, err
	}
	raw, ok := outer["endpoints"]
	if !ok {
		return nil, fmt.Errorf("missing \"endpoints\" object")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	t, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("\"endpoints\" must be an object")
	}

	var eps []Endpoint
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil, err
		}
		path, _ := t.(string)
		if path == "" {
			return nil, fmt.Errorf("endpoint path must not be empty")
		}

		var entry endpointEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", path, err)
		}
		src, err := entry.source()
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", path, err)
		}
		eps = append(eps, Endpoint{Path: path, Source: src})
	}
	return eps, nil
}

func (e endpointEntry) source() (Source, error) {
	hasValue := len(e.Value) > 0 && !bytes.Equal(e.Value, []byte("null"))
	switch {
	case hasValue && e.Name != "":
		return Source{}, fmt.Errorf("value and producer are mutually exclusive")
	case hasValue:
		dec := json.NewDecoder(bytes.NewReader(e.Value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return Source{}, err
		}
		switch v.(type) {
		case map[string]any, []any:
			return Source{}, fmt.Errorf("value must be a scalar")
		}
		return Value(v), nil
	case e.Name != "":
		return e.ProducerSpec.Build()
	default:
		return Source{}, nil
	}
}

// checkDuplicateKeys checks whether a JSON object at the given field name
// contains duplicate keys. Returns an error if duplicates are found.
func checkDuplicateKeys(data []byte, field string) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil // let standard unmarshal report it
	}

	fieldData, ok := outer[field]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(fieldData))
	return checkObjectDuplicates(dec, field)
}

func checkObjectDuplicates(dec *json.Decoder, context string) error {
	t, err := dec.Token()
	if err != nil {
		return nil
	}
	delim, ok := t.(json.Delim)
	if !ok || delim != '{' {
		return nil // not an object
	}

	seen := make(map[string]bool)
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := t.(string)
		if !ok {
			return nil
		}
		if seen[key] {
			return fmt.Errorf("duplicate %s key: %q", context, key)
		}
		seen[key] = true

		// Skip the value (could be any JSON value including nested objects/arrays).
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil
		}
	}

	return nil
}
