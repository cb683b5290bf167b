package delta

import (
	"fmt"
	"strings"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// DuplicateIDError reports two records sharing an id within one provider run.
type DuplicateIDError struct {
	Kind graph.Kind
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate %s id %q in snapshot", e.Kind, e.ID)
}

// MergedIDError reports a record whose id has been merged into another id.
type MergedIDError struct {
	Kind graph.Kind
	ID   string
}

func (e *MergedIDError) Error() string {
	return fmt.Sprintf("%s id %q was merged away and cannot reappear", e.Kind, e.ID)
}

// OpenVersionsError reports a store holding more than one open row for an id.
type OpenVersionsError struct {
	Kind graph.Kind
	ID   string
	Keys []string
}

func (e *OpenVersionsError) Error() string {
	return fmt.Sprintf("%s id %q has multiple open versions: %s", e.Kind, e.ID, strings.Join(e.Keys, ", "))
}
