package storage

import (
	"fmt"
	"strings"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Every row is scoped by namespace and kind. In BadgerDB the scope becomes a key
// prefix, so each (namespace, kind) pair is an isolated collection sharing one
// physical database:
//
//	doc:     0x01 ns 0x00 kind 0x00 _key          -> JSON(Document)
//	open:    0x02 ns 0x00 kind 0x00 id            -> _key
//	history: 0x03 ns 0x00 kind 0x00 id 0x00 _key  -> empty
//
// NUL is the separator and is rejected in namespaces, ids and keys.
const (
	prefixDoc     = byte(0x01)
	prefixOpen    = byte(0x02)
	prefixHistory = byte(0x03)
)

const sep = byte(0x00)

func scopePrefix(prefix byte, namespace string, kind graph.Kind) []byte {
	b := make([]byte, 0, 3+len(namespace)+len(kind))
	b = append(b, prefix)
	b = append(b, namespace...)
	b = append(b, sep)
	b = append(b, kind...)
	return append(b, sep)
}

func docKey(namespace string, kind graph.Kind, key string) []byte {
	return append(scopePrefix(prefixDoc, namespace, kind), key...)
}

func openKey(namespace string, kind graph.Kind, id string) []byte {
	return append(scopePrefix(prefixOpen, namespace, kind), id...)
}

func historyPrefix(namespace string, kind graph.Kind, id string) []byte {
	b := append(scopePrefix(prefixHistory, namespace, kind), id...)
	return append(b, sep)
}

func historyKey(namespace string, kind graph.Kind, id, key string) []byte {
	return append(historyPrefix(namespace, kind, id), key...)
}

func checkScope(namespace string, kind graph.Kind) error {
	if namespace == "" || strings.IndexByte(namespace, sep) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidData, kind)
	}
	return nil
}

func checkID(s string) error {
	if s == "" || strings.IndexByte(s, sep) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

// checkDoc validates the bookkeeping of a document before it is written.
func checkDoc(kind graph.Kind, doc graph.Document) error {
	if doc == nil {
		return ErrInvalidData
	}
	if err := checkID(doc.ID()); err != nil {
		return err
	}
	if err := checkID(doc.Key()); err != nil {
		return err
	}
	if _, ok := graph.Int64(doc[graph.FieldCreated]); !ok {
		return fmt.Errorf("%w: %q has no created timestamp", ErrInvalidData, doc.Key())
	}
	if doc.Expired() < doc.Created() {
		return fmt.Errorf("%w: %q", ErrInvalidExpiry, doc.Key())
	}
	if doc.FirstVersion() == "" || doc.LastVersion() == "" {
		return fmt.Errorf("%w: %q has no version range", ErrInvalidData, doc.Key())
	}
	if kind.HasEndpoints() && (doc.FromKey() == "" || doc.ToKey() == "") {
		return fmt.Errorf("%w: %s %q has no endpoints", ErrInvalidData, kind, doc.Key())
	}
	return nil
}
