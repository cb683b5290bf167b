package loader

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/deltagraph/pkg/delta"
	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/provider"
	"github.com/orneryd/deltagraph/pkg/registry"
	"github.com/orneryd/deltagraph/pkg/storage"
	"github.com/orneryd/deltagraph/pkg/version"
)

// loadState is the working memory of a single Load call.
type loadState struct {
	req    Request
	store  storage.Store
	loadID string
	log    logrus.FieldLogger

	prevVersion string // latest applied load, "" for the first load

	merges       map[string]string // merged id -> target id, this load
	mergeRecs    []graph.Record
	mergeDocs    []graph.Document          // merge edges open before this load
	mergedBefore map[string]graph.Document // merged id -> its open merge edge

	mergedOpen   map[string]delta.Entry // merged id -> its still open node row
	nodeVersions map[string]string      // id -> first_version of its current row
	nodeRemoved  []delta.Entry
	edgeRemoved  []delta.Entry

	nodeCounts delta.Counts
	edgeCounts delta.Counts
	stats      registry.Stats
}

// canonical follows merges from id to the node that finally absorbs it.
func (st *loadState) canonical(id string) (string, error) {
	seen := map[string]struct{}{}
	cur := id
	for {
		next, ok := st.merges[cur]
		if !ok {
			doc, before := st.mergedBefore[cur]
			if !before {
				return cur, nil
			}
			next = doc.To()
		}
		if _, loop := seen[cur]; loop {
			return "", consistency(graph.KindMerge, id, "merge cycle through %q", cur)
		}
		seen[cur] = struct{}{}
		cur = next
	}
}

func (st *loadState) writeDecision(w *batchWriter, d delta.Decision, doc graph.Document) error {
	switch d.Action {
	case delta.Add:
		return w.upsert(doc)
	case delta.Keep:
		return w.bump(d.Previous.Key)
	case delta.Replace:
		return st.replaceRow(w, d.Previous, doc)
	}
	return nil
}

func (st *loadState) replaceRow(w *batchWriter, prev delta.Entry, doc graph.Document) error {
	if prev.Version == st.req.LoadVersion {
		// written by an earlier attempt of this load: same key, rewrite in place
		return w.upsert(doc)
	}
	st.restoreBumped(w, prev)
	return w.replace(prev.Key, doc)
}

// retire closes an open row at the load timestamp.
func (st *loadState) retire(w *batchWriter, e delta.Entry) error {
	st.restoreBumped(w, e)
	return w.close(e.Key)
}

// restoreBumped undoes a last_version bump left by a failed attempt of this load on
// a row that is now being closed. A row open at the start of a load was current in
// the latest applied load, so that is the version it gets back.
func (st *loadState) restoreBumped(w *batchWriter, e delta.Entry) {
	if st.prevVersion == "" || e.LastVersion != st.req.LoadVersion || e.Version == st.req.LoadVersion {
		return
	}
	w.restore(e.Key)
}

func kindStats(c delta.Counts) registry.KindStats {
	return registry.KindStats{Added: c.Added, Kept: c.Kept, Replaced: c.Replaced, Removed: c.Removed}
}

func countFields(c delta.Counts) logrus.Fields {
	return logrus.Fields{"added": c.Added, "kept": c.Kept, "replaced": c.Replaced, "removed": c.Removed}
}

// classifyError turns a merged id reappearing into a ConsistencyError.
func classifyError(err error) error {
	var merged *delta.MergedIDError
	if errors.As(err, &merged) {
		return &ConsistencyError{Kind: merged.Kind, ID: merged.ID, Reason: "merged id reappears in snapshot", Err: err}
	}
	return err
}

// drainInto streams p through fn and waits for w, reporting the first failure.
func drainInto(ctx context.Context, p provider.Provider, w *batchWriter, fn func(graph.Record) error) error {
	err := provider.Drain(ctx, p, fn)
	werr := w.wait()
	if err != nil {
		return err
	}
	return werr
}

// readMerges drains the merge input and the merge edges already in the store.
func (l *Loader) readMerges(ctx context.Context, st *loadState) error {
	err := st.store.ListCurrentlyValid(ctx, st.req.Namespace, graph.KindMerge, func(doc graph.Document) error {
		st.mergeDocs = append(st.mergeDocs, doc)
		if _, dup := st.mergedBefore[doc.From()]; !dup {
			st.mergedBefore[doc.From()] = doc
		}
		return nil
	})
	if err != nil {
		return err
	}
	if st.req.Merges == nil {
		return nil
	}

	ids := make(map[string]struct{})
	err = provider.Drain(ctx, st.req.Merges, func(rec graph.Record) error {
		if _, dup := ids[rec.ID()]; dup {
			return &delta.DuplicateIDError{Kind: graph.KindMerge, ID: rec.ID()}
		}
		ids[rec.ID()] = struct{}{}
		from := rec.From()
		if prev, dup := st.merges[from]; dup {
			return consistency(graph.KindMerge, rec.ID(), "node %q already merged into %q", from, prev)
		}
		st.merges[from] = rec.To()
		st.mergeRecs = append(st.mergeRecs, rec)
		return nil
	})
	if err != nil {
		return err
	}
	for from := range st.merges {
		if _, err := st.canonical(from); err != nil {
			return err
		}
	}
	st.log.WithField("merges", len(st.mergeRecs)).Debug("merges read")
	return nil
}

// applyNodes diffs the node snapshot. Merged ids are held back for applyMerges.
func (l *Loader) applyNodes(ctx context.Context, st *loadState) error {
	req := st.req
	base, err := delta.LoadBaseline(ctx, st.store, req.Namespace, graph.KindNode)
	if err != nil {
		return err
	}
	comp := delta.NewComputer(base)
	for _, merged := range []map[string]string{st.merges, mergedFroms(st.mergedBefore)} {
		for from := range merged {
			if e, ok := comp.Exclude(from); ok {
				st.mergedOpen[from] = e
			}
		}
	}

	w := l.writer(ctx, st, graph.KindNode)
	err = drainInto(ctx, req.Nodes, w, func(rec graph.Record) error {
		d, err := comp.Classify(rec, delta.Endpoints{})
		if err != nil {
			return classifyError(err)
		}
		if d.Action == delta.Keep {
			st.nodeVersions[d.ID] = d.Previous.Version
		} else {
			st.nodeVersions[d.ID] = req.LoadVersion
		}
		return st.writeDecision(w, d, version.StampNode(rec, req.LoadVersion, req.LoadTimestamp))
	})
	if err != nil {
		return err
	}

	st.nodeRemoved = comp.Remaining()
	st.nodeCounts = comp.Counts()
	st.stats.Nodes = kindStats(st.nodeCounts)
	st.log.WithField("phase", "nodes").WithFields(countFields(st.nodeCounts)).Info("nodes diffed")
	return nil
}

func mergedFroms(docs map[string]graph.Document) map[string]string {
	out := make(map[string]string, len(docs))
	for from, doc := range docs {
		out[from] = doc.To()
	}
	return out
}

// applyMerges writes a merge edge from each merged node to its canonical target,
// then closes the merged nodes. Edges go first so a crash in between leaves the
// merge discoverable on retry.
func (l *Loader) applyMerges(ctx context.Context, st *loadState) error {
	req := st.req
	base, err := delta.NewBaseline(graph.KindMerge, st.mergeDocs...)
	if err != nil {
		return err
	}
	comp := delta.NewComputer(base)

	var skipped, repointed, retired int64
	w := l.writer(ctx, st, graph.KindMerge)
	err = func() error {
		for _, rec := range st.mergeRecs {
			from := rec.From()
			var fromKey string
			if e, ok := st.mergedOpen[from]; ok {
				fromKey = e.Key
			} else if doc, ok := st.mergedBefore[from]; ok {
				fromKey = doc.FromKey()
			} else {
				skipped++
				st.log.WithField("from", from).Debug("merge of unknown node skipped")
				continue
			}

			target, err := st.canonical(from)
			if err != nil {
				return err
			}
			toVersion, ok := st.nodeVersions[target]
			if !ok {
				if _, open := st.mergedOpen[from]; !open {
					// merged in an earlier load; its target has left the graph since
					skipped++
					st.log.WithFields(logrus.Fields{"from": from, "to": target}).Debug("merge into removed node skipped")
					continue
				}
				return consistency(graph.KindMerge, rec.ID(), "merge target %q is not in the node snapshot", target)
			}
			ep := delta.Endpoints{FromKey: fromKey, ToKey: version.Key(target, toVersion)}
			d, err := comp.Classify(rec, ep)
			if err != nil {
				return err
			}
			doc := version.StampEdgeKeys(rec, req.LoadVersion, req.LoadTimestamp, ep.FromKey, ep.ToKey)
			if err := st.writeDecision(w, d, doc); err != nil {
				return err
			}
		}
		var err error
		repointed, retired, err = st.settleMergeEdges(w, comp.Remaining())
		return err
	}()
	if werr := w.wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	froms := make([]string, 0, len(st.mergedOpen))
	for from := range st.mergedOpen {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	nw := l.writer(ctx, st, graph.KindNode)
	for _, from := range froms {
		if err := st.retire(nw, st.mergedOpen[from]); err != nil {
			_ = nw.wait()
			return err
		}
	}
	if err := nw.wait(); err != nil {
		return err
	}

	mc := comp.Counts()
	// open merge edges missing from this load stay open unless their target is gone
	mc.Replaced += repointed
	mc.Removed = retired
	st.stats.Merges = kindStats(mc)
	st.stats.Merges.Skipped = skipped
	st.stats.Nodes.Merged = int64(len(froms))
	l.metrics.observeCounts(req.Namespace, graph.KindMerge, mc)
	st.log.WithField("phase", "merge_edges").WithFields(countFields(mc)).WithFields(logrus.Fields{
		"merged":  len(froms),
		"skipped": skipped,
	}).Info("merges applied")
	return nil
}

// settleMergeEdges revisits the open merge edges this load did not rewrite. An edge
// whose target node moved to a new row follows it; one whose target left the graph
// is closed, so no open merge edge points at an expired node row.
func (st *loadState) settleMergeEdges(w *batchWriter, untouched []delta.Entry) (repointed, retired int64, err error) {
	if len(untouched) == 0 {
		return 0, 0, nil
	}
	docs := make(map[string]graph.Document, len(st.mergeDocs))
	for _, doc := range st.mergeDocs {
		docs[doc.Key()] = doc
	}
	for _, e := range untouched {
		doc := docs[e.Key]
		target, err := st.canonical(doc.From())
		if err != nil {
			return repointed, retired, err
		}
		v, ok := st.nodeVersions[target]
		switch {
		case !ok:
			retired++
			err = st.retire(w, e)
		case version.Key(target, v) != e.ToKey:
			repointed++
			next := version.StampEdgeKeys(doc.Record(), st.req.LoadVersion, st.req.LoadTimestamp, e.FromKey, version.Key(target, v))
			err = st.replaceRow(w, e, next)
		}
		if err != nil {
			return repointed, retired, err
		}
	}
	return repointed, retired, nil
}

// applyEdges diffs the edge snapshot against node rows current after applyNodes.
func (l *Loader) applyEdges(ctx context.Context, st *loadState) error {
	req := st.req
	base, err := delta.LoadBaseline(ctx, st.store, req.Namespace, graph.KindEdge)
	if err != nil {
		return err
	}
	comp := delta.NewComputer(base)

	w := l.writer(ctx, st, graph.KindEdge)
	err = drainInto(ctx, req.Edges, w, func(rec graph.Record) error {
		ep, err := st.resolveEndpoints(rec)
		if err != nil {
			return err
		}
		d, err := comp.Classify(rec, ep)
		if err != nil {
			return err
		}
		return st.writeDecision(w, d, version.StampEdgeKeys(rec, req.LoadVersion, req.LoadTimestamp, ep.FromKey, ep.ToKey))
	})
	if err != nil {
		return err
	}

	st.edgeRemoved = comp.Remaining()
	st.edgeCounts = comp.Counts()
	st.stats.Edges = kindStats(st.edgeCounts)
	st.log.WithField("phase", "edges").WithFields(countFields(st.edgeCounts)).Info("edges diffed")
	return nil
}

func (st *loadState) resolveEndpoints(rec graph.Record) (delta.Endpoints, error) {
	var ep delta.Endpoints
	for _, end := range []struct {
		id  string
		key *string
	}{{rec.From(), &ep.FromKey}, {rec.To(), &ep.ToKey}} {
		v, ok := st.nodeVersions[end.id]
		if !ok {
			return ep, consistency(graph.KindEdge, rec.ID(), "endpoint %q has no current node", end.id)
		}
		*end.key = version.Key(end.id, v)
	}
	return ep, nil
}

// closeRemoved expires nodes and edges absent from the snapshot.
func (l *Loader) closeRemoved(ctx context.Context, st *loadState) error {
	for _, set := range []struct {
		kind    graph.Kind
		entries []delta.Entry
	}{{graph.KindEdge, st.edgeRemoved}, {graph.KindNode, st.nodeRemoved}} {
		w := l.writer(ctx, st, set.kind)
		var err error
		for _, e := range set.entries {
			if err = st.retire(w, e); err != nil {
				break
			}
		}
		if werr := w.wait(); err == nil {
			err = werr
		}
		if err != nil {
			return err
		}
	}
	l.metrics.observeCounts(st.req.Namespace, graph.KindNode, st.nodeCounts)
	l.metrics.observeCounts(st.req.Namespace, graph.KindEdge, st.edgeCounts)
	st.log.WithFields(logrus.Fields{
		"phase": "removals",
		"nodes": len(st.nodeRemoved),
		"edges": len(st.edgeRemoved),
	}).Info("removed records closed")
	return nil
}
