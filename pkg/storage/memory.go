// MemoryStore is a thread-safe in-memory store for testing and small datasets.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orneryd/deltagraph/pkg/graph"
)

type scope struct {
	namespace string
	kind      graph.Kind
}

type collection struct {
	docs    map[string]graph.Document // _key -> row
	open    map[string]string         // id -> _key of the open row
	history map[string][]string       // id -> _keys in insertion order
}

func newCollection() *collection {
	return &collection{
		docs:    make(map[string]graph.Document),
		open:    make(map[string]string),
		history: make(map[string][]string),
	}
}

// MemoryStore is an in-memory implementation of Store.
// It's useful for:
// - Unit testing (no disk I/O)
// - Dry runs of a load before applying it to disk
// - Small namespaces that fit in RAM
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[scope]*collection
	closed      bool

	writes atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[scope]*collection)}
}

// Writes returns the number of rows written so far (upserts, closes and bumps).
func (m *MemoryStore) Writes() int64 { return m.writes.Load() }

func (m *MemoryStore) coll(namespace string, kind graph.Kind, create bool) *collection {
	s := scope{namespace, kind}
	c := m.collections[s]
	if c == nil && create {
		c = newCollection()
		m.collections[s] = c
	}
	return c
}

// ListCurrentlyValid streams the open rows. Rows are copied under the lock and fn
// runs without it, so fn may write to the store.
func (m *MemoryStore) ListCurrentlyValid(ctx context.Context, namespace string, kind graph.Kind, fn func(graph.Document) error) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	var docs []graph.Document
	if c := m.coll(namespace, kind, false); c != nil {
		docs = make([]graph.Document, 0, len(c.open))
		for _, key := range c.open {
			docs = append(docs, c.docs[key].Clone())
		}
	}
	m.mu.RUnlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			if err == ErrIterationStopped {
				return nil
			}
			return err
		}
	}
	return nil
}

// Upsert writes rows by _key.
func (m *MemoryStore) Upsert(ctx context.Context, namespace string, kind graph.Kind, docs ...graph.Document) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	for _, doc := range docs {
		if err := checkDoc(kind, doc); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	c := m.coll(namespace, kind, true)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, id := doc.Key(), doc.ID()
		if cur, ok := c.open[id]; ok && cur != key && doc.Open() {
			return fmt.Errorf("%w: %s %q open as %q, writing %q", ErrOpenVersionConflict, kind, id, cur, key)
		}
		if _, exists := c.docs[key]; !exists {
			c.history[id] = append(c.history[id], key)
		}
		c.docs[key] = doc.Clone()
		if doc.Open() {
			c.open[id] = key
		} else if c.open[id] == key {
			delete(c.open, id)
		}
		m.writes.Add(1)
	}
	return nil
}

// CloseVersion sets expired on rows. Closing a row again at the same time is a no-op.
func (m *MemoryStore) CloseVersion(ctx context.Context, namespace string, kind graph.Kind, expiredAt int64, keys ...string) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	c := m.coll(namespace, kind, true)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, ok := c.docs[key]
		if !ok {
			return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
		}
		if err := checkClose(doc, expiredAt); err != nil {
			return err
		}
		if !doc.Open() {
			continue
		}
		if expiredAt < doc.Created() {
			return fmt.Errorf("%w: %q created %d, expiring %d", ErrInvalidExpiry, key, doc.Created(), expiredAt)
		}
		doc = doc.Clone()
		doc[graph.FieldExpired] = expiredAt
		c.docs[key] = doc
		if c.open[doc.ID()] == key {
			delete(c.open, doc.ID())
		}
		m.writes.Add(1)
	}
	return nil
}

// BumpLastVersion sets last_version on open rows.
func (m *MemoryStore) BumpLastVersion(ctx context.Context, namespace string, kind graph.Kind, version string, keys ...string) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("%w: empty version", ErrInvalidData)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	c := m.coll(namespace, kind, true)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, ok := c.docs[key]
		if !ok {
			return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
		}
		if !doc.Open() {
			return fmt.Errorf("%w: %s %q", ErrAlreadyClosed, kind, key)
		}
		doc = doc.Clone()
		doc[graph.FieldLastVersion] = version
		c.docs[key] = doc
		m.writes.Add(1)
	}
	return nil
}

// History returns every row stored for id, oldest first.
func (m *MemoryStore) History(_ context.Context, namespace string, kind graph.Kind, id string) ([]graph.Document, error) {
	if err := checkScope(namespace, kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	c := m.coll(namespace, kind, false)
	if c == nil {
		return nil, nil
	}
	out := make([]graph.Document, 0, len(c.history[id]))
	for _, key := range c.history[id] {
		out = append(out, c.docs[key].Clone())
	}
	sortHistory(out)
	return out, nil
}

// GetAsOf returns the row for id valid at ts.
func (m *MemoryStore) GetAsOf(ctx context.Context, namespace string, kind graph.Kind, id string, ts int64) (graph.Document, error) {
	docs, err := m.History(ctx, namespace, kind, id)
	if err != nil {
		return nil, err
	}
	return pickAsOf(docs, kind, id, ts)
}

// Count returns the total and open row counts.
func (m *MemoryStore) Count(_ context.Context, namespace string, kind graph.Kind) (Counts, error) {
	if err := checkScope(namespace, kind); err != nil {
		return Counts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.coll(namespace, kind, false)
	if c == nil {
		return Counts{}, nil
	}
	return Counts{Total: int64(len(c.docs)), Open: int64(len(c.open))}, nil
}

// Close releases the store. Further calls return ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.collections = nil
	return nil
}

// checkClose rejects closing an already closed row at a different time.
func checkClose(doc graph.Document, expiredAt int64) error {
	if !doc.Open() && doc.Expired() != expiredAt {
		return fmt.Errorf("%w: %q expired at %d", ErrAlreadyClosed, doc.Key(), doc.Expired())
	}
	return nil
}

func sortHistory(docs []graph.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Created() != docs[j].Created() {
			return docs[i].Created() < docs[j].Created()
		}
		return docs[i].Key() < docs[j].Key()
	})
}

func pickAsOf(docs []graph.Document, kind graph.Kind, id string, ts int64) (graph.Document, error) {
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].ValidAt(ts) {
			return docs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q at %d", ErrNotFound, kind, id, ts)
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Counter = (*MemoryStore)(nil)
)
