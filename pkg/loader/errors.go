package loader

import (
	"errors"
	"fmt"

	"github.com/orneryd/deltagraph/pkg/graph"
)

var (
	// ErrTimestampRegression is returned when a load is older than the latest applied one.
	ErrTimestampRegression = errors.New("loader: load timestamp precedes the latest applied load")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("loader: invalid request")
)

// ConsistencyError reports input that would corrupt the graph if applied.
type ConsistencyError struct {
	Kind   graph.Kind
	ID     string
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("consistency: %s %q: %s", e.Kind, e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func consistency(kind graph.Kind, id, format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}
