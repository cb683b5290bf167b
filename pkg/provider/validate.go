package provider

import (
	"fmt"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Validate checks rec against the contract for kind. Nodes need a non-empty string
// id; edges and merges additionally need string from/to. No record may carry
// bookkeeping fields.
func Validate(kind graph.Kind, rec graph.Record) *FormatError {
	if rec == nil {
		return &FormatError{Reason: "record is nil"}
	}
	id, ok := rec[graph.FieldID].(string)
	if !ok {
		if _, present := rec[graph.FieldID]; present {
			return &FormatError{Reason: fmt.Sprintf("id must be a string, got %T", rec[graph.FieldID])}
		}
		return &FormatError{Reason: "missing id"}
	}
	if id == "" {
		return &FormatError{Reason: "empty id"}
	}
	for k := range rec {
		if graph.IsReserved(k) {
			return &FormatError{ID: id, Reason: fmt.Sprintf("reserved field %q", k)}
		}
	}
	if kind.HasEndpoints() {
		for _, f := range []string{graph.FieldFrom, graph.FieldTo} {
			v, ok := rec[f].(string)
			if !ok || v == "" {
				return &FormatError{ID: id, Reason: fmt.Sprintf("%s %q must be a non-empty string", kind, f)}
			}
		}
	}
	return nil
}
