package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeDocument serializes a document for storage.
func EncodeDocument(d Document) ([]byte, error) {
	data, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("encode document %q: %w", d.Key(), err)
	}
	return data, nil
}

// DecodeDocument parses a stored document. Numbers that fit an int64 come back as
// int64; any other number stays a json.Number so it prints exactly as stored.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode document: not an object")
	}
	return Document(decodeNumbers(m).(map[string]any)), nil
}

func decodeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = decodeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeNumbers(e)
		}
		return x
	}
	return v
}
