package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/deltagraph/pkg/delta"
	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/provider"
	"github.com/orneryd/deltagraph/pkg/registry"
	"github.com/orneryd/deltagraph/pkg/storage"
)

const ns = "ncbi_taxa"

func node(id string, kv ...any) graph.Record {
	r := graph.Record{"id": id}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

func edge(id, from, to string, kv ...any) graph.Record {
	r := node(id, kv...)
	r["from"] = from
	r["to"] = to
	return r
}

type snapshot struct {
	nodes, edges, merges []graph.Record
}

type fixture struct {
	t      *testing.T
	store  storage.Store
	mem    *storage.MemoryStore
	reg    registry.Registry
	loader *Loader
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	mem := storage.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	return &fixture{t: t, store: mem, mem: mem, reg: reg, loader: New(mem, reg, opts...)}
}

func (f *fixture) load(v string, ts int64, s snapshot) (*registry.Entry, error) {
	req := Request{
		Namespace:        ns,
		Nodes:            provider.FromSlice(graph.KindNode, s.nodes...),
		Edges:            provider.FromSlice(graph.KindEdge, s.edges...),
		LoadVersion:      v,
		LoadTimestamp:    ts,
		ReleaseTimestamp: ts - 10,
	}
	if s.merges != nil {
		req.Merges = provider.FromSlice(graph.KindMerge, s.merges...)
	}
	return f.loader.Load(context.Background(), req)
}

func (f *fixture) mustLoad(v string, ts int64, s snapshot) *registry.Entry {
	f.t.Helper()
	entry, err := f.load(v, ts, s)
	require.NoError(f.t, err)
	return entry
}

func (f *fixture) open(kind graph.Kind) map[string]graph.Document {
	f.t.Helper()
	out := map[string]graph.Document{}
	err := f.store.ListCurrentlyValid(context.Background(), ns, kind, func(d graph.Document) error {
		out[d.ID()] = d
		return nil
	})
	require.NoError(f.t, err)
	return out
}

func (f *fixture) history(kind graph.Kind, id string) []graph.Document {
	f.t.Helper()
	docs, err := f.store.History(context.Background(), ns, kind, id)
	require.NoError(f.t, err)
	return docs
}

func (f *fixture) counts(kind graph.Kind) storage.Counts {
	f.t.Helper()
	c, err := f.store.(storage.Counter).Count(context.Background(), ns, kind)
	require.NoError(f.t, err)
	return c
}

// A small taxonomy: 1 is the root, 2 and 3 hang under it.
var base = snapshot{
	nodes: []graph.Record{
		node("1", "name", "root", "rank", "no rank"),
		node("2", "name", "Bacteria", "rank", "superkingdom"),
		node("3", "name", "Archaea", "rank", "superkingdom"),
	},
	edges: []graph.Record{
		edge("2", "2", "1"),
		edge("3", "3", "1"),
	},
}

func TestLoad_FirstLoad(t *testing.T) {
	f := newFixture(t)
	entry := f.mustLoad("v1", 100, base)

	assert.Equal(t, ns, entry.Namespace)
	assert.Equal(t, "v1", entry.LoadVersion)
	assert.Equal(t, int64(100), entry.LoadTimestamp)
	assert.Equal(t, int64(90), entry.ReleaseTimestamp)
	assert.Equal(t, int64(3), entry.NodeCount)
	assert.Equal(t, int64(2), entry.EdgeCount)
	assert.NotEmpty(t, entry.LoadID)
	assert.Equal(t, registry.KindStats{Added: 3}, entry.Stats.Nodes)
	assert.Equal(t, registry.KindStats{Added: 2}, entry.Stats.Edges)

	nodes := f.open(graph.KindNode)
	require.Len(t, nodes, 3)
	assert.Equal(t, "2_v1", nodes["2"].Key())
	assert.Equal(t, "Bacteria", nodes["2"]["name"])
	assert.Equal(t, int64(100), nodes["2"].Created())
	assert.Equal(t, graph.Sentinel, nodes["2"].Expired())

	edges := f.open(graph.KindEdge)
	require.Len(t, edges, 2)
	assert.Equal(t, "2_v1", edges["2"].FromKey())
	assert.Equal(t, "1_v1", edges["2"].ToKey())

	applied, err := f.reg.HasApplied(context.Background(), ns, "v1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestLoad_IdempotentReload(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)
	entry := f.mustLoad("v2", 200, base)

	assert.Equal(t, registry.KindStats{Kept: 3}, entry.Stats.Nodes)
	assert.Equal(t, registry.KindStats{Kept: 2}, entry.Stats.Edges)
	assert.Equal(t, storage.Counts{Total: 3, Open: 3}, f.counts(graph.KindNode))
	assert.Equal(t, storage.Counts{Total: 2, Open: 2}, f.counts(graph.KindEdge))

	for id, doc := range f.open(graph.KindNode) {
		assert.Equal(t, "v1", doc.FirstVersion(), id)
		assert.Equal(t, "v2", doc.LastVersion(), id)
		assert.Equal(t, int64(100), doc.Created(), id)
	}
	for id, doc := range f.open(graph.KindEdge) {
		assert.Equal(t, "v2", doc.LastVersion(), id)
	}
}

func TestLoad_AddRemoveSymmetry(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)

	next := snapshot{
		nodes: []graph.Record{base.nodes[0], base.nodes[1], node("4", "name", "Eukaryota")},
		edges: []graph.Record{base.edges[0], edge("4", "4", "1")},
	}
	entry := f.mustLoad("v2", 200, next)
	assert.Equal(t, registry.KindStats{Added: 1, Kept: 2, Removed: 1}, entry.Stats.Nodes)
	assert.Equal(t, registry.KindStats{Added: 1, Kept: 1, Removed: 1}, entry.Stats.Edges)

	nodes := f.open(graph.KindNode)
	assert.NotContains(t, nodes, "3")
	assert.Equal(t, "4_v2", nodes["4"].Key())

	hist := f.history(graph.KindNode, "3")
	require.Len(t, hist, 1)
	assert.Equal(t, int64(200), hist[0].Expired())

	ctx := context.Background()
	doc, err := f.store.GetAsOf(ctx, ns, graph.KindNode, "3", 150)
	require.NoError(t, err)
	assert.Equal(t, "Archaea", doc["name"])
	_, err = f.store.GetAsOf(ctx, ns, graph.KindNode, "3", 200)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetAsOf(ctx, ns, graph.KindNode, "4", 199)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// removed and re-added: a fresh row, the old one stays closed
	entry = f.mustLoad("v3", 300, base)
	assert.Equal(t, int64(1), entry.Stats.Nodes.Added)
	hist = f.history(graph.KindNode, "3")
	require.Len(t, hist, 2)
	assert.Equal(t, "3_v3", hist[1].Key())
	assert.True(t, hist[1].Open())
}

func TestLoad_ChangeProducesTwoRows(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)

	changed := snapshot{
		nodes: []graph.Record{base.nodes[0], node("2", "name", "Eubacteria", "rank", "superkingdom"), base.nodes[2]},
		edges: base.edges,
	}
	entry := f.mustLoad("v2", 200, changed)
	assert.Equal(t, registry.KindStats{Kept: 2, Replaced: 1}, entry.Stats.Nodes)

	hist := f.history(graph.KindNode, "2")
	require.Len(t, hist, 2)
	assert.Equal(t, "2_v1", hist[0].Key())
	assert.Equal(t, "Bacteria", hist[0]["name"])
	assert.Equal(t, int64(200), hist[0].Expired())
	assert.Equal(t, "2_v2", hist[1].Key())
	assert.Equal(t, "Eubacteria", hist[1]["name"])
	assert.Equal(t, int64(200), hist[1].Created())
	assert.True(t, hist[1].Open())
	assert.Equal(t, hist[0].Expired(), hist[1].Created(), "no gap and no overlap")
}

func TestLoad_EdgeFollowsReplacedEndpoint(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)

	changed := snapshot{
		nodes: []graph.Record{node("1", "name", "root", "rank", "cellular root"), base.nodes[1], base.nodes[2]},
		edges: base.edges,
	}
	entry := f.mustLoad("v2", 200, changed)
	assert.Equal(t, registry.KindStats{Replaced: 2}, entry.Stats.Edges, "content unchanged, target row replaced")

	edges := f.open(graph.KindEdge)
	assert.Equal(t, "2_v2", edges["2"].Key())
	assert.Equal(t, "2_v1", edges["2"].FromKey(), "source row was kept")
	assert.Equal(t, "1_v2", edges["2"].ToKey())

	hist := f.history(graph.KindEdge, "2")
	require.Len(t, hist, 2)
	assert.Equal(t, "1_v1", hist[0].ToKey())
	assert.Equal(t, int64(200), hist[0].Expired())
}

func TestLoad_Merges(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)

	merged := snapshot{
		nodes:  base.nodes[:2],
		edges:  base.edges[:1],
		merges: []graph.Record{edge("m3", "3", "2")},
	}
	entry := f.mustLoad("v2", 200, merged)
	assert.Equal(t, registry.KindStats{Kept: 2, Merged: 1}, entry.Stats.Nodes, "merged node is not counted as removed")
	assert.Equal(t, registry.KindStats{Kept: 1, Removed: 1}, entry.Stats.Edges)
	assert.Equal(t, registry.KindStats{Added: 1}, entry.Stats.Merges)

	hist := f.history(graph.KindNode, "3")
	require.Len(t, hist, 1)
	assert.Equal(t, int64(200), hist[0].Expired())

	merges := f.open(graph.KindMerge)
	require.Len(t, merges, 1)
	m := merges["m3"]
	assert.Equal(t, "m3_v2", m.Key())
	assert.Equal(t, "3_v1", m.FromKey(), "points at the last row of the merged node")
	assert.Equal(t, "2_v1", m.ToKey())
	assert.Equal(t, int64(200), m.Created())

	t.Run("cumulative merge list is kept on the next load", func(t *testing.T) {
		entry := f.mustLoad("v3", 300, merged)
		assert.Equal(t, registry.KindStats{Kept: 1}, entry.Stats.Merges)
		assert.Equal(t, "v3", f.open(graph.KindMerge)["m3"].LastVersion())
	})

	t.Run("merge list omitted leaves merge edges open", func(t *testing.T) {
		f.mustLoad("v4", 400, snapshot{nodes: merged.nodes, edges: merged.edges})
		assert.Contains(t, f.open(graph.KindMerge), "m3")
	})

	t.Run("merge edge follows a replaced target", func(t *testing.T) {
		next := snapshot{
			nodes:  []graph.Record{base.nodes[0], node("2", "name", "Eubacteria", "rank", "superkingdom")},
			edges:  merged.edges,
			merges: merged.merges,
		}
		entry := f.mustLoad("v5", 500, next)
		assert.Equal(t, int64(1), entry.Stats.Merges.Replaced)
		m := f.open(graph.KindMerge)["m3"]
		assert.Equal(t, "3_v1", m.FromKey())
		assert.Equal(t, "2_v5", m.ToKey())
	})
}

func TestLoad_MergeTargetRemoved(t *testing.T) {
	merged := snapshot{
		nodes:  base.nodes[:2],
		edges:  base.edges[:1],
		merges: []graph.Record{edge("m3", "3", "2")},
	}
	rootOnly := snapshot{nodes: base.nodes[:1], merges: merged.merges}

	t.Run("resent merge is skipped and its edge closed", func(t *testing.T) {
		f := newFixture(t)
		f.mustLoad("v1", 100, base)
		f.mustLoad("v2", 200, merged)

		entry := f.mustLoad("v3", 300, rootOnly)
		assert.Equal(t, int64(1), entry.Stats.Merges.Skipped)
		assert.Equal(t, int64(1), entry.Stats.Merges.Removed)
		assert.Empty(t, f.open(graph.KindMerge))
		hist := f.history(graph.KindMerge, "m3")
		require.Len(t, hist, 1)
		assert.Equal(t, int64(300), hist[0].Expired())

		entry = f.mustLoad("v4", 400, rootOnly)
		assert.Equal(t, int64(1), entry.Stats.Merges.Skipped)
		assert.Empty(t, f.open(graph.KindMerge))
	})

	t.Run("merge list omitted", func(t *testing.T) {
		f := newFixture(t)
		f.mustLoad("v1", 100, base)
		f.mustLoad("v2", 200, merged)

		entry := f.mustLoad("v3", 300, snapshot{nodes: base.nodes[:1]})
		assert.Equal(t, int64(1), entry.Stats.Merges.Removed)
		assert.Empty(t, f.open(graph.KindMerge))

		open := f.open(graph.KindNode)
		err := f.store.ListCurrentlyValid(context.Background(), ns, graph.KindMerge, func(d graph.Document) error {
			target, ok := open[d.To()]
			if assert.True(t, ok, "merge edge %s points at a closed node", d.Key()) {
				assert.Equal(t, target.Key(), d.ToKey())
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("merge list omitted and target replaced", func(t *testing.T) {
		f := newFixture(t)
		f.mustLoad("v1", 100, base)
		f.mustLoad("v2", 200, merged)

		entry := f.mustLoad("v3", 300, snapshot{
			nodes: []graph.Record{base.nodes[0], node("2", "name", "Eubacteria", "rank", "superkingdom")},
			edges: merged.edges,
		})
		assert.Equal(t, int64(1), entry.Stats.Merges.Replaced)
		assert.Zero(t, entry.Stats.Merges.Removed)
		m := f.open(graph.KindMerge)["m3"]
		assert.Equal(t, "m3_v3", m.Key())
		assert.Equal(t, "3_v1", m.FromKey())
		assert.Equal(t, "2_v3", m.ToKey())
		assert.Len(t, f.history(graph.KindMerge, "m3"), 2)
	})
}

func TestLoad_MergedIDReappears(t *testing.T) {
	t.Run("same load", func(t *testing.T) {
		f := newFixture(t)
		f.mustLoad("v1", 100, base)
		_, err := f.load("v2", 200, snapshot{nodes: base.nodes, edges: base.edges, merges: []graph.Record{edge("m3", "3", "2")}})

		var ce *ConsistencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, graph.KindNode, ce.Kind)
		assert.Equal(t, "3", ce.ID)
		var merged *delta.MergedIDError
		assert.ErrorAs(t, err, &merged)

		applied, err := f.reg.HasApplied(context.Background(), ns, "v2")
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("later load", func(t *testing.T) {
		f := newFixture(t)
		f.mustLoad("v1", 100, base)
		f.mustLoad("v2", 200, snapshot{nodes: base.nodes[:2], edges: base.edges[:1], merges: []graph.Record{edge("m3", "3", "2")}})

		_, err := f.load("v3", 300, base)
		var ce *ConsistencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "3", ce.ID)
	})
}

func TestLoad_MergeChains(t *testing.T) {
	f := newFixture(t)
	four := snapshot{
		nodes: append([]graph.Record{node("4", "name", "Monera")}, base.nodes...),
		edges: base.edges,
	}
	f.mustLoad("v1", 100, four)

	t.Run("cycle", func(t *testing.T) {
		_, err := f.load("v2", 200, snapshot{
			nodes:  base.nodes[:1],
			edges:  nil,
			merges: []graph.Record{edge("m2", "2", "3"), edge("m3", "3", "2")},
		})
		var ce *ConsistencyError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.Reason, "cycle")
		assert.Equal(t, int64(4), f.counts(graph.KindNode).Open, "nothing written")
	})

	t.Run("chain resolves to the final target", func(t *testing.T) {
		entry := f.mustLoad("v2", 200, snapshot{
			nodes:  base.nodes[:2],
			edges:  base.edges[:1],
			merges: []graph.Record{edge("m4", "4", "3"), edge("m3", "3", "2")},
		})
		assert.Equal(t, int64(2), entry.Stats.Nodes.Merged)
		merges := f.open(graph.KindMerge)
		assert.Equal(t, "4_v1", merges["m4"].FromKey())
		assert.Equal(t, "2_v1", merges["m4"].ToKey())
		assert.Equal(t, "3", merges["m4"].To(), "record content is unchanged")
		assert.Equal(t, "2_v1", merges["m3"].ToKey())
	})
}

func TestLoad_MergeErrors(t *testing.T) {
	tests := []struct {
		name   string
		merges []graph.Record
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing target",
			merges: []graph.Record{edge("m3", "3", "404")},
			check: func(t *testing.T, err error) {
				var ce *ConsistencyError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, graph.KindMerge, ce.Kind)
				assert.Contains(t, ce.Reason, "404")
			},
		},
		{
			name:   "same node merged twice",
			merges: []graph.Record{edge("a", "3", "2"), edge("b", "3", "1")},
			check: func(t *testing.T, err error) {
				var ce *ConsistencyError
				assert.ErrorAs(t, err, &ce)
			},
		},
		{
			name:   "duplicate merge id",
			merges: []graph.Record{edge("a", "3", "2"), edge("a", "4", "2")},
			check: func(t *testing.T, err error) {
				var dup *delta.DuplicateIDError
				assert.ErrorAs(t, err, &dup)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustLoad("v1", 100, base)
			_, err := f.load("v2", 200, snapshot{nodes: base.nodes[:2], edges: base.edges[:1], merges: tt.merges})
			tt.check(t, err)
			_, err = f.reg.Latest(context.Background(), ns)
			require.NoError(t, err)
			applied, _ := f.reg.HasApplied(context.Background(), ns, "v2")
			assert.False(t, applied)
		})
	}
}

func TestLoad_MergeOfUnknownNodeIsSkipped(t *testing.T) {
	f := newFixture(t)
	entry := f.mustLoad("v1", 100, snapshot{
		nodes:  base.nodes,
		edges:  base.edges,
		merges: []graph.Record{edge("m99", "99", "1")},
	})
	assert.Equal(t, int64(1), entry.Stats.Merges.Skipped)
	assert.Empty(t, f.open(graph.KindMerge))
}

func TestLoad_ReplayGuard(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v1", 100, base)
	writes := f.mem.Writes()

	_, err := f.load("v1", 100, base)
	assert.ErrorIs(t, err, registry.ErrAlreadyApplied)

	changed := snapshot{nodes: base.nodes[:1]}
	_, err = f.load("v1", 999, changed)
	assert.ErrorIs(t, err, registry.ErrAlreadyApplied)
	assert.Equal(t, writes, f.mem.Writes(), "a replay writes nothing")

	entries, err := f.reg.List(context.Background(), ns)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_TimestampRegression(t *testing.T) {
	f := newFixture(t)
	f.mustLoad("v2", 200, base)
	writes := f.mem.Writes()

	_, err := f.load("v1", 100, base)
	assert.ErrorIs(t, err, ErrTimestampRegression)
	assert.Equal(t, writes, f.mem.Writes())

	_, err = f.load("v2b", 200, base)
	assert.NoError(t, err, "equal timestamps are allowed")
}

func TestLoad_DanglingEdge(t *testing.T) {
	f := newFixture(t)
	_, err := f.load("v1", 100, snapshot{
		nodes: base.nodes,
		edges: []graph.Record{edge("2", "2", "1"), edge("5", "5", "1")},
	})
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, graph.KindEdge, ce.Kind)
	assert.Equal(t, "5", ce.ID)

	_, err = f.reg.Latest(context.Background(), ns)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestLoad_DuplicateID(t *testing.T) {
	f := newFixture(t)
	_, err := f.load("v1", 100, snapshot{nodes: []graph.Record{node("1"), node("1")}})
	var dup *delta.DuplicateIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "1", dup.ID)
}

func TestLoad_MalformedRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.load("v1", 100, snapshot{nodes: []graph.Record{node("1"), {"name": "no id"}}})
	var fe *provider.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Position)
}

func TestLoad_InvalidRequest(t *testing.T) {
	l := New(storage.NewMemoryStore(), registry.NewMemoryRegistry())
	nodes := func() provider.Provider { return provider.FromSlice(graph.KindNode) }
	edges := func() provider.Provider { return provider.FromSlice(graph.KindEdge) }
	tests := []struct {
		name string
		req  Request
	}{
		{"no namespace", Request{LoadVersion: "v1", Nodes: nodes(), Edges: edges()}},
		{"no version", Request{Namespace: ns, Nodes: nodes(), Edges: edges()}},
		{"no nodes", Request{Namespace: ns, LoadVersion: "v1", Edges: edges()}},
		{"negative timestamp", Request{Namespace: ns, LoadVersion: "v1", Nodes: nodes(), Edges: edges(), LoadTimestamp: -1}},
		{"sentinel timestamp", Request{Namespace: ns, LoadVersion: "v1", Nodes: nodes(), Edges: edges(), LoadTimestamp: graph.Sentinel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

// failingStore fails the first upsert of one kind, as if the process died mid-load.
type failingStore struct {
	storage.Store
	kind   graph.Kind
	failed bool
}

var errCrash = errors.New("simulated crash")

func (s *failingStore) Upsert(ctx context.Context, namespace string, kind graph.Kind, docs ...graph.Document) error {
	if kind == s.kind && !s.failed {
		s.failed = true
		return errCrash
	}
	return s.Store.Upsert(ctx, namespace, kind, docs...)
}

func TestLoad_RetryAfterCrashConverges(t *testing.T) {
	next := snapshot{
		nodes: []graph.Record{
			node("1", "name", "root", "rank", "cellular root"),
			base.nodes[1],
			node("4", "name", "Eukaryota"),
		},
		edges:  []graph.Record{base.edges[0], edge("4", "4", "1")},
		merges: []graph.Record{edge("m3", "3", "2")},
	}

	clean := newFixture(t)
	clean.mustLoad("v1", 100, base)
	clean.mustLoad("v2", 200, next)

	for _, kind := range []graph.Kind{graph.KindMerge, graph.KindEdge} {
		t.Run("crash writing "+kind.String(), func(t *testing.T) {
			f := newFixture(t)
			f.mustLoad("v1", 100, base)

			crashing := New(&failingStore{Store: f.store, kind: kind}, f.reg)
			_, err := crashing.Load(context.Background(), Request{
				Namespace:     ns,
				Nodes:         provider.FromSlice(graph.KindNode, next.nodes...),
				Edges:         provider.FromSlice(graph.KindEdge, next.edges...),
				Merges:        provider.FromSlice(graph.KindMerge, next.merges...),
				LoadVersion:   "v2",
				LoadTimestamp: 200,
			})
			require.ErrorIs(t, err, errCrash)
			applied, err := f.reg.HasApplied(context.Background(), ns, "v2")
			require.NoError(t, err)
			require.False(t, applied)

			f.mustLoad("v2", 200, next)

			for _, k := range graph.Kinds {
				assert.Equal(t, clean.counts(k), f.counts(k), k)
				for id := range clean.open(k) {
					assert.Equal(t, rows(clean.history(k, id)), rows(f.history(k, id)), "%s %s", k, id)
				}
			}
			assert.Equal(t, rows(clean.history(graph.KindNode, "3")), rows(f.history(graph.KindNode, "3")))
		})
	}
}

func TestLoad_RetryRestoresLastVersion(t *testing.T) {
	corrected := snapshot{
		nodes: []graph.Record{base.nodes[0], node("2", "name", "Eubacteria", "rank", "superkingdom")},
		edges: base.edges[:1],
	}

	clean := newFixture(t)
	clean.mustLoad("v1", 100, base)
	clean.mustLoad("v2", 200, corrected)

	f := newFixture(t)
	f.mustLoad("v1", 100, base)

	// the failed attempt bumps every node to v2 before its edge write fails
	crashing := New(&failingStore{Store: f.store, kind: graph.KindEdge}, f.reg)
	_, err := crashing.Load(context.Background(), Request{
		Namespace:     ns,
		Nodes:         provider.FromSlice(graph.KindNode, base.nodes...),
		Edges:         provider.FromSlice(graph.KindEdge, append([]graph.Record{edge("x", "3", "2")}, base.edges...)...),
		LoadVersion:   "v2",
		LoadTimestamp: 200,
	})
	require.ErrorIs(t, err, errCrash)
	assert.Equal(t, "v2", f.history(graph.KindNode, "3")[0].LastVersion())

	f.mustLoad("v2", 200, corrected)

	for _, k := range graph.Kinds {
		assert.Equal(t, clean.counts(k), f.counts(k), k)
	}
	for _, id := range []string{"1", "2", "3"} {
		assert.Equal(t, rows(clean.history(graph.KindNode, id)), rows(f.history(graph.KindNode, id)), id)
	}
	for _, id := range []string{"2", "3"} {
		assert.Equal(t, rows(clean.history(graph.KindEdge, id)), rows(f.history(graph.KindEdge, id)), id)
	}
	assert.Equal(t, "v1", f.history(graph.KindNode, "2")[0].LastVersion())
	assert.Equal(t, "v1", f.history(graph.KindNode, "3")[0].LastVersion())
	assert.Equal(t, "v2", f.history(graph.KindNode, "1")[0].LastVersion())
}

// rows strips documents down to what a reader can observe.
func rows(docs []graph.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		fp, _ := graph.Fingerprint(d)
		out = append(out, fmt.Sprintf("%s %s..%s [%d,%d) %s->%s %x",
			d.Key(), d.FirstVersion(), d.LastVersion(), d.Created(), d.Expired(), d.FromKey(), d.ToKey(), fp))
	}
	return out
}

func TestLoad_Batching(t *testing.T) {
	f := newFixture(t, WithBatchSize(7), WithWorkers(3))
	var s snapshot
	s.nodes = append(s.nodes, node("root"))
	for i := 0; i < 250; i++ {
		id := fmt.Sprintf("n%03d", i)
		s.nodes = append(s.nodes, node(id, "i", i))
		s.edges = append(s.edges, edge(id, id, "root"))
	}
	f.mustLoad("v1", 100, s)
	assert.Equal(t, storage.Counts{Total: 251, Open: 251}, f.counts(graph.KindNode))
	assert.Equal(t, storage.Counts{Total: 250, Open: 250}, f.counts(graph.KindEdge))

	// change every other node: each replacement closes and inserts in one batch
	for i := 0; i < 250; i += 2 {
		s.nodes[i+1] = node(s.nodes[i+1].ID(), "i", -i-1)
	}
	entry := f.mustLoad("v2", 200, s)
	assert.Equal(t, int64(125), entry.Stats.Nodes.Replaced)
	assert.Equal(t, int64(125), entry.Stats.Edges.Replaced)
	assert.Equal(t, storage.Counts{Total: 376, Open: 251}, f.counts(graph.KindNode))
}

func TestLoad_BadgerStore(t *testing.T) {
	bs, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	store := storage.NewRetryingStore(bs, storage.DefaultRetryPolicy())
	f := &fixture{t: t, store: store, reg: registry.NewBadgerRegistry(bs.DB())}
	f.loader = New(store, f.reg)

	f.mustLoad("v1", 100, base)
	entry := f.mustLoad("v2", 200, snapshot{nodes: base.nodes[:2], edges: base.edges[:1], merges: []graph.Record{edge("m3", "3", "2")}})
	assert.Equal(t, int64(1), entry.Stats.Nodes.Merged)

	latest, err := f.reg.Latest(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.LoadVersion)
	assert.Equal(t, "3_v1", f.open(graph.KindMerge)["m3"].FromKey())
	assert.Equal(t, storage.Counts{Total: 3, Open: 2}, f.counts(graph.KindNode))
}

func TestLoad_MetricsAndLogging(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	clock := time.UnixMilli(5000)
	f := newFixture(t, WithMetrics(m), WithLogger(log), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	entry := f.mustLoad("v1", 100, base)
	f.mustLoad("v2", 200, snapshot{nodes: base.nodes[:2], edges: base.edges[:1]})

	// the clock ticks once at start and once for AppliedAt
	assert.Equal(t, int64(7000), entry.AppliedAt)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Records.WithLabelValues(ns, "node", "add")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Records.WithLabelValues(ns, "node", "keep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues(ns, "node", "remove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues(ns, "edge", "remove")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LoadDuration))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "load applied", last.Message)
	assert.Equal(t, ns, last.Data["namespace"])
	assert.Equal(t, "v2", last.Data["load_version"])
	assert.NotEmpty(t, last.Data["load_id"])
}
