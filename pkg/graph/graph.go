// Package graph defines the record and document model shared by the delta loader.
//
// A Record is what a provider emits: a plain map with a stable logical "id" and any
// domain fields. A Document is the persisted, version-stamped form of a record in the
// time-travelling store. Both are maps so that domain loaders never need to declare
// Go types for their payloads.
//
// Bookkeeping fields:
//   - _key: "<id>_<load_version>", unique per stored row
//   - first_version / last_version: range of loads the row was current in
//   - created / expired: validity interval in epoch milliseconds
//   - _from / _to: version-qualified endpoint keys (edges only)
//
// A document is valid at time t iff created <= t < expired. Open documents carry
// expired == Sentinel.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Sentinel is the expired value of a currently valid document. 2^53-1 is the largest
// integer that survives a round trip through an IEEE-754 double.
const Sentinel int64 = 1<<53 - 1

// Record field names.
const (
	FieldID   = "id"
	FieldFrom = "from"
	FieldTo   = "to"
)

// Bookkeeping field names added by the version encoder.
const (
	FieldKey          = "_key"
	FieldFromKey      = "_from"
	FieldToKey        = "_to"
	FieldFirstVersion = "first_version"
	FieldLastVersion  = "last_version"
	FieldCreated      = "created"
	FieldExpired      = "expired"
)

// reserved lists the fields excluded from content fingerprints. Providers may not
// emit them.
var reserved = map[string]struct{}{
	FieldKey:          {},
	FieldFromKey:      {},
	FieldToKey:        {},
	FieldFirstVersion: {},
	FieldLastVersion:  {},
	FieldCreated:      {},
	FieldExpired:      {},
}

// IsReserved reports whether name is a bookkeeping field.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Kind identifies the collection a record belongs to within a namespace.
type Kind string

const (
	KindNode  Kind = "node"
	KindEdge  Kind = "edge"
	KindMerge Kind = "merge"
)

// Kinds lists every kind in load order.
var Kinds = []Kind{KindNode, KindEdge, KindMerge}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNode, KindEdge, KindMerge:
		return true
	}
	return false
}

// HasEndpoints reports whether documents of this kind carry _from/_to.
func (k Kind) HasEndpoints() bool {
	return k == KindEdge || k == KindMerge
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want node, edge or merge)", s)
	}
	return k, nil
}

// Record is a plain provider record.
type Record map[string]any

// ID returns the record's logical id, or "" when absent or not a string.
func (r Record) ID() string { return stringField(r, FieldID) }

// From returns the "from" logical id of an edge or merge record.
func (r Record) From() string { return stringField(r, FieldFrom) }

// To returns the "to" logical id of an edge or merge record.
func (r Record) To() string { return stringField(r, FieldTo) }

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r)+8)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Document is the persisted form of a record.
type Document map[string]any

// Key returns the _key of the document.
func (d Document) Key() string { return stringField(d, FieldKey) }

// ID returns the logical id of the document.
func (d Document) ID() string { return stringField(d, FieldID) }

// From returns the logical "from" id.
func (d Document) From() string { return stringField(d, FieldFrom) }

// To returns the logical "to" id.
func (d Document) To() string { return stringField(d, FieldTo) }

// FromKey returns the version-qualified _from endpoint.
func (d Document) FromKey() string { return stringField(d, FieldFromKey) }

// ToKey returns the version-qualified _to endpoint.
func (d Document) ToKey() string { return stringField(d, FieldToKey) }

// FirstVersion returns the load version in which the document was created.
func (d Document) FirstVersion() string { return stringField(d, FieldFirstVersion) }

// LastVersion returns the most recent load version in which the document was current.
func (d Document) LastVersion() string { return stringField(d, FieldLastVersion) }

// Created returns the creation timestamp in epoch ms.
func (d Document) Created() int64 {
	v, _ := Int64(d[FieldCreated])
	return v
}

// Expired returns the expiry timestamp in epoch ms.
func (d Document) Expired() int64 {
	v, ok := Int64(d[FieldExpired])
	if !ok {
		return Sentinel
	}
	return v
}

// Open reports whether the document is currently valid.
func (d Document) Open() bool { return d.Expired() == Sentinel }

// ValidAt reports whether the document was valid at ts.
func (d Document) ValidAt(ts int64) bool {
	return d.Created() <= ts && ts < d.Expired()
}

// Record strips bookkeeping fields and returns the document's content.
func (d Document) Record() Record {
	out := make(Record, len(d))
	for k, v := range d {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}

// Int64 converts the numeric representations produced by Go code and by JSON
// decoding (with or without UseNumber) into an int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n >= 1<<63 || n < -1<<63 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return Int64(f)
	}
	return 0, false
}
