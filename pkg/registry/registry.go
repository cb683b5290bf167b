// Package registry records which load versions have been applied to each namespace.
//
// The registry is an append-only audit log keyed by (namespace, load_version). An
// entry is written once, at the successful end of a load, and never updated or
// deleted. A load that fails before commit leaves no entry, so retrying it from
// scratch is always allowed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrAlreadyApplied is returned when a (namespace, load_version) is already present.
	ErrAlreadyApplied = errors.New("registry: load version already applied")
	// ErrNotFound is returned when a namespace has no entries.
	ErrNotFound = errors.New("registry: not found")
	// ErrInvalidEntry is returned for entries missing a namespace or load version.
	ErrInvalidEntry = errors.New("registry: invalid entry")
)

// KindStats tallies what a load did to one kind.
type KindStats struct {
	Added    int64 `json:"added"`
	Kept     int64 `json:"kept"`
	Replaced int64 `json:"replaced"`
	Removed  int64 `json:"removed"`
	Merged   int64 `json:"merged,omitempty"`
	Skipped  int64 `json:"skipped,omitempty"`
}

// Stats holds per-kind tallies for a load.
type Stats struct {
	Nodes  KindStats `json:"nodes"`
	Edges  KindStats `json:"edges"`
	Merges KindStats `json:"merges"`
}

// Entry is one applied load. Timestamps are epoch milliseconds.
type Entry struct {
	Namespace        string `json:"namespace"`
	LoadVersion      string `json:"load_version"`
	LoadTimestamp    int64  `json:"load_timestamp"`
	ReleaseTimestamp int64  `json:"release_timestamp"`
	AppliedAt        int64  `json:"applied_at"`
	NodeCount        int64  `json:"node_count"`
	EdgeCount        int64  `json:"edge_count"`
	LoadID           string `json:"load_id,omitempty"`
	Stats            Stats  `json:"stats"`
}

func (e Entry) validate() error {
	if e.Namespace == "" || strings.IndexByte(e.Namespace, 0) >= 0 {
		return fmt.Errorf("%w: namespace %q", ErrInvalidEntry, e.Namespace)
	}
	if e.LoadVersion == "" {
		return fmt.Errorf("%w: empty load version", ErrInvalidEntry)
	}
	return nil
}

// Registry is the load audit log.
type Registry interface {
	HasApplied(ctx context.Context, namespace, loadVersion string) (bool, error)
	RecordApplied(ctx context.Context, entry Entry) error
	// Latest returns the entry with the greatest load timestamp, or ErrNotFound.
	Latest(ctx context.Context, namespace string) (*Entry, error)
	// List returns all entries for namespace ordered by load timestamp.
	List(ctx context.Context, namespace string) ([]Entry, error)
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].LoadTimestamp != entries[j].LoadTimestamp {
			return entries[i].LoadTimestamp < entries[j].LoadTimestamp
		}
		return entries[i].AppliedAt < entries[j].AppliedAt
	})
}

// MemoryRegistry is an in-memory Registry for tests and dry runs.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]map[string]Entry)}
}

// HasApplied reports whether loadVersion has been recorded for namespace.
func (m *MemoryRegistry) HasApplied(_ context.Context, namespace, loadVersion string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[namespace][loadVersion]
	return ok, nil
}

// RecordApplied appends entry.
func (m *MemoryRegistry) RecordApplied(_ context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.entries[entry.Namespace]
	if ns == nil {
		ns = make(map[string]Entry)
		m.entries[entry.Namespace] = ns
	}
	if _, ok := ns[entry.LoadVersion]; ok {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyApplied, entry.Namespace, entry.LoadVersion)
	}
	ns[entry.LoadVersion] = entry
	return nil
}

// Latest returns the most recent load of namespace.
func (m *MemoryRegistry) Latest(ctx context.Context, namespace string) (*Entry, error) {
	entries, err := m.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	last := entries[len(entries)-1]
	return &last, nil
}

// List returns the loads of namespace.
func (m *MemoryRegistry) List(_ context.Context, namespace string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries[namespace]))
	for _, e := range m.entries[namespace] {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
