// Package version attaches bitemporal bookkeeping fields to provider records.
//
// These functions define the exact persisted shape of every node, edge and merge
// document. They know nothing about diffing: the delta loader decides what to stamp,
// this package decides how it looks on disk.
package version

import (
	"github.com/orneryd/deltagraph/pkg/graph"
)

// Key returns the storage key of the row for id created in load version v.
func Key(id, v string) string {
	return id + "_" + v
}

// StampNode returns a copy of node stamped for load version v at timestamp ts.
// The input is not modified.
func StampNode(node graph.Record, v string, ts int64) graph.Document {
	doc := make(graph.Document, len(node)+5)
	for k, val := range node {
		doc[k] = val
	}
	doc[graph.FieldKey] = Key(node.ID(), v)
	doc[graph.FieldFirstVersion] = v
	doc[graph.FieldLastVersion] = v
	doc[graph.FieldCreated] = ts
	doc[graph.FieldExpired] = graph.Sentinel
	return doc
}

// StampEdge returns a copy of edge stamped for load version v at timestamp ts, with
// both endpoints pointing at the rows written in the same load version.
func StampEdge(edge graph.Record, v string, ts int64) graph.Document {
	return StampEdgeAt(edge, v, ts, v, v)
}

// StampEdgeAt is StampEdge with explicit endpoint versions. The _from and _to fields
// reference the node rows that are current when the edge is written, so traversal as
// of a load resolves to the attributes valid then.
func StampEdgeAt(edge graph.Record, v string, ts int64, fromVersion, toVersion string) graph.Document {
	return StampEdgeKeys(edge, v, ts, Key(edge.From(), fromVersion), Key(edge.To(), toVersion))
}

// StampEdgeKeys stamps an edge whose endpoint row keys are already known. Merge
// edges use it because their target is the canonical node, not the record's to.
func StampEdgeKeys(edge graph.Record, v string, ts int64, fromKey, toKey string) graph.Document {
	doc := StampNode(edge, v, ts)
	doc[graph.FieldFromKey] = fromKey
	doc[graph.FieldToKey] = toKey
	return doc
}
