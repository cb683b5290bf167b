// Package delta classifies a new snapshot against the currently valid rows of a store.
//
// The baseline is read once per kind and holds one small Entry per currently valid
// id, so memory grows with the live record set rather than the retained history.
// The new snapshot is streamed exactly once; each record is classified as Add, Keep
// or Replace and its id leaves the baseline. Whatever is left when the stream ends
// is the Remove set.
package delta

import (
	"context"
	"fmt"
	"sort"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Entry is the baseline view of one currently valid document.
type Entry struct {
	ID          string
	Key         string
	Version     string // first_version of the open row, the suffix of Key
	LastVersion string
	Fingerprint uint64
	FromKey     string
	ToKey       string
}

// Lister streams the currently valid documents of a namespace and kind.
type Lister interface {
	ListCurrentlyValid(ctx context.Context, namespace string, kind graph.Kind, fn func(graph.Document) error) error
}

// Baseline indexes the currently valid documents of one kind by logical id.
type Baseline struct {
	kind    graph.Kind
	entries map[string]Entry
}

// NewBaseline builds a baseline from documents already in memory.
func NewBaseline(kind graph.Kind, docs ...graph.Document) (*Baseline, error) {
	b := &Baseline{kind: kind, entries: make(map[string]Entry, len(docs))}
	for _, doc := range docs {
		if err := b.add(doc); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// LoadBaseline reads the currently valid documents of kind from l.
func LoadBaseline(ctx context.Context, l Lister, namespace string, kind graph.Kind) (*Baseline, error) {
	b := &Baseline{kind: kind, entries: make(map[string]Entry)}
	err := l.ListCurrentlyValid(ctx, namespace, kind, b.add)
	if err != nil {
		return nil, fmt.Errorf("load %s baseline for %s: %w", kind, namespace, err)
	}
	return b, nil
}

func (b *Baseline) add(doc graph.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("baseline %s document %q has no id", b.kind, doc.Key())
	}
	if prev, dup := b.entries[id]; dup {
		return &OpenVersionsError{Kind: b.kind, ID: id, Keys: []string{prev.Key, doc.Key()}}
	}
	fp, err := graph.Fingerprint(doc)
	if err != nil {
		return fmt.Errorf("baseline %s document %q: %w", b.kind, doc.Key(), err)
	}
	b.entries[id] = Entry{
		ID:          id,
		Key:         doc.Key(),
		Version:     doc.FirstVersion(),
		LastVersion: doc.LastVersion(),
		Fingerprint: fp,
		FromKey:     doc.FromKey(),
		ToKey:       doc.ToKey(),
	}
	return nil
}

// Kind returns the kind of the baselined documents.
func (b *Baseline) Kind() graph.Kind { return b.kind }

// Len returns the number of ids not yet matched.
func (b *Baseline) Len() int { return len(b.entries) }

// Get returns the entry for id.
func (b *Baseline) Get(id string) (Entry, bool) {
	e, ok := b.entries[id]
	return e, ok
}

// IDs returns the unmatched ids in sorted order.
func (b *Baseline) IDs() []string {
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Baseline) take(id string) (Entry, bool) {
	e, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
	}
	return e, ok
}
