package delta

import (
	"context"
	"fmt"
	"sort"

	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/provider"
)

// Action is the classification of one id.
type Action int

const (
	Add Action = iota
	Keep
	Replace
	Remove
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Keep:
		return "keep"
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Endpoints are the version-qualified _from/_to an edge would be written with in the
// current load. Zero for nodes.
type Endpoints struct {
	FromKey string
	ToKey   string
}

// Decision is the outcome of classifying one record.
type Decision struct {
	Action Action
	ID     string
	// Previous is the baseline entry for Keep and Replace.
	Previous Entry
	// Repointed is set when a Replace was forced only by an endpoint version change.
	Repointed bool
}

// Counts tallies decisions.
type Counts struct {
	Added    int64
	Kept     int64
	Replaced int64
	Removed  int64
}

// Seen returns the number of records classified.
func (c Counts) Seen() int64 { return c.Added + c.Kept + c.Replaced }

// Computer classifies one snapshot against a baseline. It is single use.
type Computer struct {
	baseline *Baseline
	seen     map[string]struct{}
	excluded map[string]struct{}
	counts   Counts
}

// NewComputer starts a classification pass over b. b is consumed: matched ids are
// removed from it.
func NewComputer(b *Baseline) *Computer {
	return &Computer{
		baseline: b,
		seen:     make(map[string]struct{}, b.Len()),
		excluded: make(map[string]struct{}),
	}
}

// Exclude removes id from the pass. Its baseline entry, if any, is returned and it
// will be neither classified nor reported as removed. A later record with this id
// is rejected with *MergedIDError.
func (c *Computer) Exclude(id string) (Entry, bool) {
	c.excluded[id] = struct{}{}
	return c.baseline.take(id)
}

// Excluded reports whether id was excluded.
func (c *Computer) Excluded(id string) bool {
	_, ok := c.excluded[id]
	return ok
}

// Classify decides what to do with rec. For edge kinds ep carries the endpoint keys
// the edge would be written with; an unchanged payload whose stored endpoints differ
// is still a Replace.
func (c *Computer) Classify(rec graph.Record, ep Endpoints) (Decision, error) {
	kind := c.baseline.kind
	id := rec.ID()
	if _, dup := c.seen[id]; dup {
		return Decision{}, &DuplicateIDError{Kind: kind, ID: id}
	}
	if _, merged := c.excluded[id]; merged {
		return Decision{}, &MergedIDError{Kind: kind, ID: id}
	}
	c.seen[id] = struct{}{}

	prev, ok := c.baseline.take(id)
	if !ok {
		c.counts.Added++
		return Decision{Action: Add, ID: id}, nil
	}
	fp, err := graph.Fingerprint(rec)
	if err != nil {
		return Decision{}, fmt.Errorf("%s %q: %w", kind, id, err)
	}
	samePointers := !kind.HasEndpoints() || (prev.FromKey == ep.FromKey && prev.ToKey == ep.ToKey)
	if fp == prev.Fingerprint && samePointers {
		c.counts.Kept++
		return Decision{Action: Keep, ID: id, Previous: prev}, nil
	}
	c.counts.Replaced++
	return Decision{
		Action:    Replace,
		ID:        id,
		Previous:  prev,
		Repointed: fp == prev.Fingerprint,
	}, nil
}

// Remaining returns the baseline entries never matched, sorted by id. Call it after
// the snapshot is exhausted; these are the Remove set.
func (c *Computer) Remaining() []Entry {
	out := make([]Entry, 0, c.baseline.Len())
	for _, e := range c.baseline.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the tallies so far. Removed is filled from Remaining.
func (c *Computer) Counts() Counts {
	counts := c.counts
	counts.Removed = int64(c.baseline.Len())
	return counts
}

// Result holds the four disjoint id sets of a completed pass, each sorted.
type Result struct {
	Add     []string
	Keep    []string
	Replace []string
	Remove  []string
}

// Resolver computes the endpoints an edge record would be written with.
type Resolver func(graph.Record) (Endpoints, error)

// Compute runs a full pass of p against b. exclude lists ids resolved as merge
// sources in this load. resolve may be nil for node kinds.
func Compute(ctx context.Context, b *Baseline, p provider.Provider, resolve Resolver, exclude ...string) (*Result, error) {
	c := NewComputer(b)
	for _, id := range exclude {
		c.Exclude(id)
	}
	res := &Result{}
	err := provider.Drain(ctx, p, func(rec graph.Record) error {
		var ep Endpoints
		if resolve != nil {
			var err error
			if ep, err = resolve(rec); err != nil {
				return err
			}
		}
		d, err := c.Classify(rec, ep)
		if err != nil {
			return err
		}
		switch d.Action {
		case Add:
			res.Add = append(res.Add, d.ID)
		case Keep:
			res.Keep = append(res.Keep, d.ID)
		case Replace:
			res.Replace = append(res.Replace, d.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range c.Remaining() {
		res.Remove = append(res.Remove, e.ID)
	}
	sort.Strings(res.Add)
	sort.Strings(res.Keep)
	sort.Strings(res.Replace)
	return res, nil
}
