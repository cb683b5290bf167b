package registry

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerRegistry(t *testing.T) Registry {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerRegistry(db)
}

func registries(t *testing.T) map[string]Registry {
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"badger": newBadgerRegistry(t),
	}
}

func TestRegistry_RecordAndQuery(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := reg.HasApplied(ctx, "ncbi_taxa", "2024-01")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = reg.Latest(ctx, "ncbi_taxa")
			assert.ErrorIs(t, err, ErrNotFound)

			e1 := Entry{Namespace: "ncbi_taxa", LoadVersion: "2024-01", LoadTimestamp: 100, ReleaseTimestamp: 90, AppliedAt: 1000, NodeCount: 3, EdgeCount: 2}
			e2 := Entry{Namespace: "ncbi_taxa", LoadVersion: "2024-02", LoadTimestamp: 200, ReleaseTimestamp: 190, AppliedAt: 2000,
				Stats: Stats{Nodes: KindStats{Added: 1, Kept: 2}}}
			require.NoError(t, reg.RecordApplied(ctx, e2))
			require.NoError(t, reg.RecordApplied(ctx, e1))

			ok, err = reg.HasApplied(ctx, "ncbi_taxa", "2024-01")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = reg.HasApplied(ctx, "gtdb_taxa", "2024-01")
			require.NoError(t, err)
			assert.False(t, ok, "namespaces are isolated")

			entries, err := reg.List(ctx, "ncbi_taxa")
			require.NoError(t, err)
			assert.Equal(t, []Entry{e1, e2}, entries)

			latest, err := reg.Latest(ctx, "ncbi_taxa")
			require.NoError(t, err)
			assert.Equal(t, e2, *latest)
		})
	}
}

func TestRegistry_AppendOnly(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := Entry{Namespace: "gtdb_taxa", LoadVersion: "r214", LoadTimestamp: 5, NodeCount: 10}
			require.NoError(t, reg.RecordApplied(ctx, e))

			changed := e
			changed.NodeCount = 99
			err := reg.RecordApplied(ctx, changed)
			assert.ErrorIs(t, err, ErrAlreadyApplied)

			entries, err := reg.List(ctx, "gtdb_taxa")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, int64(10), entries[0].NodeCount)
		})
	}
}

func TestRegistry_InvalidEntry(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, reg.RecordApplied(ctx, Entry{LoadVersion: "v"}), ErrInvalidEntry)
			assert.ErrorIs(t, reg.RecordApplied(ctx, Entry{Namespace: "ns"}), ErrInvalidEntry)
			assert.ErrorIs(t, reg.RecordApplied(ctx, Entry{Namespace: "a\x00b", LoadVersion: "v"}), ErrInvalidEntry)
		})
	}
}

func TestBadgerRegistry_PrefixIsolation(t *testing.T) {
	reg := newBadgerRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.RecordApplied(ctx, Entry{Namespace: "silva", LoadVersion: "138"}))
	require.NoError(t, reg.RecordApplied(ctx, Entry{Namespace: "silva_taxa", LoadVersion: "138"}))

	entries, err := reg.List(ctx, "silva")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "silva", entries[0].Namespace)
}
