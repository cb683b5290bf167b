// Package provider defines the single-pass record source every domain loader implements.
//
// A Provider is a finite cursor over plain records. It cannot be rewound: to read a
// source again, construct a new provider against it. Providers report malformed input
// with *FormatError and perform no side effects beyond reading their source.
//
// Example:
//
//	p, err := provider.OpenJSONL("nodes.jsonl.gz", graph.KindNode)
//	if err != nil {
//		return err
//	}
//	err = provider.Drain(ctx, p, func(r graph.Record) error {
//		fmt.Println(r.ID())
//		return nil
//	})
package provider

import (
	"context"
	"errors"
	"io"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Provider is a single-pass sequence of records. Next returns io.EOF once the
// sequence is exhausted.
type Provider interface {
	Next(ctx context.Context) (graph.Record, error)
	Close() error
}

// Drain reads p to the end, calling fn for each record, and closes p.
func Drain(ctx context.Context, p Provider, fn func(graph.Record) error) (err error) {
	defer func() {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}()
	for {
		rec, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// SliceProvider serves records from memory. Each record is validated for its kind
// as it is read.
type SliceProvider struct {
	kind    graph.Kind
	records []graph.Record
	pos     int
	closed  bool
}

// FromSlice returns a provider over records of the given kind.
func FromSlice(kind graph.Kind, records ...graph.Record) *SliceProvider {
	return &SliceProvider{kind: kind, records: records}
}

// Next returns the next record.
func (s *SliceProvider) Next(ctx context.Context) (graph.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrClosed
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	if err := Validate(s.kind, rec); err != nil {
		err.Position = s.pos
		return nil, err
	}
	return rec, nil
}

// Close marks the provider as consumed.
func (s *SliceProvider) Close() error {
	s.closed = true
	return nil
}

var _ Provider = (*SliceProvider)(nil)
