package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/deltagraph/pkg/graph"
)

func collect(t *testing.T, p Provider) []graph.Record {
	t.Helper()
	var out []graph.Record
	err := Drain(context.Background(), p, func(r graph.Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSliceProvider(t *testing.T) {
	p := FromSlice(graph.KindNode, graph.Record{"id": "a"}, graph.Record{"id": "b"})
	recs := collect(t, p)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID())
	assert.Equal(t, "b", recs[1].ID())

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSliceProvider_SinglePass(t *testing.T) {
	p := FromSlice(graph.KindNode, graph.Record{"id": "a"})
	ctx := context.Background()
	_, err := p.Next(ctx)
	require.NoError(t, err)
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSliceProvider_FormatError(t *testing.T) {
	p := FromSlice(graph.KindNode, graph.Record{"id": "a"}, graph.Record{"name": "no id"})
	err := Drain(context.Background(), p, func(graph.Record) error { return nil })

	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 2, ferr.Position)
	assert.Contains(t, ferr.Error(), "missing id")
}

func TestDrain_StopsOnCallbackError(t *testing.T) {
	boom := errors.New("boom")
	p := FromSlice(graph.KindNode, graph.Record{"id": "a"}, graph.Record{"id": "b"})
	calls := 0
	err := Drain(context.Background(), p, func(graph.Record) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.True(t, p.closed)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		kind   graph.Kind
		rec    graph.Record
		reason string
	}{
		{"valid node", graph.KindNode, graph.Record{"id": "a", "x": 1}, ""},
		{"nil", graph.KindNode, nil, "nil"},
		{"missing id", graph.KindNode, graph.Record{"x": 1}, "missing id"},
		{"numeric id", graph.KindNode, graph.Record{"id": 562}, "must be a string"},
		{"empty id", graph.KindNode, graph.Record{"id": ""}, "empty id"},
		{"reserved field", graph.KindNode, graph.Record{"id": "a", "_key": "a_v1"}, "reserved"},
		{"valid edge", graph.KindEdge, graph.Record{"id": "e", "from": "a", "to": "b"}, ""},
		{"edge missing to", graph.KindEdge, graph.Record{"id": "e", "from": "a"}, `"to"`},
		{"merge empty from", graph.KindMerge, graph.Record{"id": "m", "from": "", "to": "b"}, `"from"`},
		{"node ignores from", graph.KindNode, graph.Record{"id": "a", "from": 12}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.rec)
			if tt.reason == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestJSONLProvider(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"1","scientific_name":"root","ncbi_taxon_id":1}`,
		``,
		`{"id":"2","scientific_name":"Bacteria","ncbi_taxon_id":2,"aliases":[{"category":"synonym","name":"Monera"}]}`,
	}, "\n")
	p := NewJSONL(strings.NewReader(input), graph.KindNode, "names")
	recs := collect(t, p)

	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].ID())
	assert.Equal(t, json.Number("2"), recs[1]["ncbi_taxon_id"])
	aliases, ok := recs[1]["aliases"].([]any)
	require.True(t, ok)
	assert.Len(t, aliases, 1)
}

func TestJSONLProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		kind   graph.Kind
		line   int
		reason string
	}{
		{"bad json", "{\"id\":\"a\"}\n{not json}\n", graph.KindNode, 2, "invalid JSON"},
		{"array", "[1,2]\n", graph.KindNode, 1, "invalid JSON"},
		{"trailing", `{"id":"a"} {"id":"b"}`, graph.KindNode, 1, "trailing data"},
		{"edge without endpoints", "\n\n{\"id\":\"e\"}", graph.KindEdge, 3, `"from"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewJSONL(strings.NewReader(tt.input), tt.kind, "input.jsonl")
			err := Drain(context.Background(), p, func(graph.Record) error { return nil })

			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.line, ferr.Position)
			assert.Equal(t, "input.jsonl", ferr.Source)
			assert.Contains(t, ferr.Error(), tt.reason)
		})
	}
}

func TestOpenJSONL_Gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edges.jsonl.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("{\"id\":\"2\",\"from\":\"2\",\"to\":\"131567\"}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	p, err := OpenJSONL(path, graph.KindEdge)
	require.NoError(t, err)
	recs := collect(t, p)
	require.Len(t, recs, 1)
	assert.Equal(t, "131567", recs[0].To())
}

func TestOpenJSONL_Missing(t *testing.T) {
	_, err := OpenJSONL(filepath.Join(t.TempDir(), "nope.jsonl"), graph.KindNode)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
