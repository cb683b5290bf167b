package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// JSONLProvider reads one JSON object per line. Blank lines are skipped. Numbers are
// decoded as json.Number so large integers keep their exact value.
type JSONLProvider struct {
	kind   graph.Kind
	source string
	r      *bufio.Reader
	closer io.Closer
	line   int
	closed bool
}

// NewJSONL returns a provider reading kind records from r. source names the input in
// error messages.
func NewJSONL(r io.Reader, kind graph.Kind, source string) *JSONLProvider {
	return &JSONLProvider{
		kind:   kind,
		source: source,
		r:      bufio.NewReaderSize(r, 1<<20),
	}
}

// OpenJSONL opens a JSONL file. Files ending in .gz are decompressed on the fly.
func OpenJSONL(path string, kind graph.Kind) (*JSONLProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		p := NewJSONL(f, kind, path)
		p.closer = f
		return p, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, &FormatError{Source: path, Reason: "invalid gzip stream", Err: err}
	}
	p := NewJSONL(zr, kind, path)
	p.closer = multiCloser{zr, f}
	return p, nil
}

// Next returns the next record or io.EOF.
func (p *JSONLProvider) Next(ctx context.Context) (graph.Record, error) {
	if p.closed {
		return nil, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, readErr := p.r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, &FormatError{Source: p.source, Position: p.line + 1, Reason: "read failed", Err: readErr}
		}
		if len(raw) == 0 && readErr != nil {
			return nil, io.EOF
		}
		p.line++
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			if readErr != nil {
				return nil, io.EOF
			}
			continue
		}
		rec, err := p.decode(raw)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

func (p *JSONLProvider) decode(raw []byte) (graph.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, &FormatError{Source: p.source, Position: p.line, Reason: "invalid JSON object", Err: err}
	}
	if dec.More() {
		return nil, &FormatError{Source: p.source, Position: p.line, Reason: "trailing data after JSON object"}
	}
	if ferr := Validate(p.kind, rec); ferr != nil {
		ferr.Source = p.source
		ferr.Position = p.line
		return nil, ferr
	}
	return rec, nil
}

// Close releases the underlying file, if any.
func (p *JSONLProvider) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Provider = (*JSONLProvider)(nil)
