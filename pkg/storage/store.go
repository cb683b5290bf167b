// Package storage provides the append-only, time-travelling graph store.
//
// Every row is a version-stamped graph.Document. Rows are never deleted and their
// content is never rewritten; only expired and last_version change in place. At most
// one row per (namespace, kind, id) is open (expired == graph.Sentinel) at any time,
// which the stores enforce on every write.
//
// Implementations:
//   - MemoryStore: maps guarded by a RWMutex, for tests and small datasets
//   - BadgerStore: persistent storage on BadgerDB
//   - RetryingStore: wraps either and retries transient failures with backoff
package storage

import (
	"context"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Store is the graph store contract used by the delta loader.
//
// Write methods are variadic so callers can batch; a batch is applied in order and
// either fully or, for stores without cross-batch atomicity, up to the first error.
// Every write is an idempotent upsert keyed by _key.
type Store interface {
	// ListCurrentlyValid streams the open rows of a namespace and kind. Returning
	// ErrIterationStopped from fn ends the stream without error.
	ListCurrentlyValid(ctx context.Context, namespace string, kind graph.Kind, fn func(graph.Document) error) error

	// Upsert writes rows by _key.
	Upsert(ctx context.Context, namespace string, kind graph.Kind, docs ...graph.Document) error

	// CloseVersion sets expired on the rows with the given keys.
	CloseVersion(ctx context.Context, namespace string, kind graph.Kind, expiredAt int64, keys ...string) error

	// BumpLastVersion sets last_version on the open rows with the given keys.
	BumpLastVersion(ctx context.Context, namespace string, kind graph.Kind, version string, keys ...string) error

	// History returns every row ever stored for id, oldest first.
	History(ctx context.Context, namespace string, kind graph.Kind, id string) ([]graph.Document, error)

	// GetAsOf returns the row for id valid at ts, or ErrNotFound.
	GetAsOf(ctx context.Context, namespace string, kind graph.Kind, id string, ts int64) (graph.Document, error)

	Close() error
}

// Counts summarizes the rows of one namespace and kind.
type Counts struct {
	Total int64
	Open  int64
}

// Counter is implemented by stores that can count rows cheaply.
type Counter interface {
	Count(ctx context.Context, namespace string, kind graph.Kind) (Counts, error)
}
