// Package loader applies versioned graph snapshots to a bitemporal store.
//
// A load compares a full snapshot (nodes, edges and optional merges) against what
// is currently valid in a namespace and writes only the difference: new rows for
// added and changed records, a last_version bump for unchanged ones, and an expiry
// for records that are gone or merged into another node. Nothing is ever deleted, so
// the graph can be read as of any earlier load timestamp.
//
// Example:
//
//	l := loader.New(store, reg, loader.WithLogger(log))
//	entry, err := l.Load(ctx, loader.Request{
//		Namespace:     "ncbi_taxa",
//		Nodes:         nodes,
//		Edges:         edges,
//		LoadVersion:   "2024-06",
//		LoadTimestamp: 1717200000000,
//	})
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/deltagraph/pkg/delta"
	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/provider"
	"github.com/orneryd/deltagraph/pkg/registry"
	"github.com/orneryd/deltagraph/pkg/storage"
)

const (
	// DefaultBatchSize is the number of writes sent to the store per call.
	DefaultBatchSize = 1000
	// DefaultWorkers is the number of batches flushed concurrently.
	DefaultWorkers = 4
)

// Loader runs delta loads. It is safe for concurrent use on different namespaces;
// concurrent loads into the same namespace are not coordinated.
type Loader struct {
	store     storage.Store
	registry  registry.Registry
	batchSize int
	workers   int
	log       logrus.FieldLogger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures a Loader.
type Option func(*Loader)

// WithBatchSize sets how many writes go to the store per call.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithWorkers sets how many batches may be in flight at once.
func WithWorkers(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithLogger sets the logger. Loads are silent by default.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithClock overrides the clock used for AppliedAt and durations.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a loader writing to store and recording loads in reg.
func New(store storage.Store, reg registry.Registry, opts ...Option) *Loader {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	l := &Loader{
		store:     store,
		registry:  reg,
		batchSize: DefaultBatchSize,
		workers:   DefaultWorkers,
		log:       quiet,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Request describes one load.
type Request struct {
	Namespace string
	Nodes     provider.Provider
	Edges     provider.Provider
	// Merges is optional. Each record's from is merged into its to.
	Merges provider.Provider

	LoadVersion string
	// LoadTimestamp is the epoch millisecond at which this load becomes valid.
	LoadTimestamp int64
	// ReleaseTimestamp is when the source published the data. Recorded only.
	ReleaseTimestamp int64
}

func (r Request) validate() error {
	switch {
	case r.Namespace == "" || strings.IndexByte(r.Namespace, 0) >= 0:
		return fmt.Errorf("%w: namespace %q", ErrInvalidRequest, r.Namespace)
	case r.LoadVersion == "" || strings.IndexByte(r.LoadVersion, 0) >= 0:
		return fmt.Errorf("%w: load version %q", ErrInvalidRequest, r.LoadVersion)
	case r.Nodes == nil || r.Edges == nil:
		return fmt.Errorf("%w: nodes and edges are required", ErrInvalidRequest)
	case r.LoadTimestamp < 0 || r.LoadTimestamp >= graph.Sentinel:
		return fmt.Errorf("%w: load timestamp %d out of range", ErrInvalidRequest, r.LoadTimestamp)
	}
	return nil
}

func (r Request) closeProviders() {
	for _, p := range []provider.Provider{r.Nodes, r.Edges, r.Merges} {
		if p != nil {
			_ = p.Close()
		}
	}
}

// Load applies req and returns the registry entry it recorded.
//
// A load that was already applied fails with registry.ErrAlreadyApplied, and one
// older than the latest applied load fails with ErrTimestampRegression; neither
// writes anything. Any other failure leaves the registry untouched, so the same
// request can simply be retried: every write is an idempotent upsert and a retry
// converges on the state a clean run would produce.
func (l *Loader) Load(ctx context.Context, req Request) (*registry.Entry, error) {
	defer req.closeProviders()
	if err := req.validate(); err != nil {
		return nil, err
	}

	st := newLoadState(l, req)
	start := l.now()

	if err := l.checkRegistry(ctx, st); err != nil {
		return nil, err
	}
	st.log.Info("starting load")

	phases := []struct {
		name string
		run  func(context.Context, *loadState) error
	}{
		{"merges", l.readMerges},
		{"nodes", l.applyNodes},
		{"merge_edges", l.applyMerges},
		{"edges", l.applyEdges},
		{"removals", l.closeRemoved},
	}
	for _, p := range phases {
		if err := p.run(ctx, st); err != nil {
			st.log.WithField("phase", p.name).WithError(err).Error("load failed")
			return nil, fmt.Errorf("load %s/%s: %s: %w", req.Namespace, req.LoadVersion, p.name, err)
		}
	}

	entry := registry.Entry{
		Namespace:        req.Namespace,
		LoadVersion:      req.LoadVersion,
		LoadTimestamp:    req.LoadTimestamp,
		ReleaseTimestamp: req.ReleaseTimestamp,
		AppliedAt:        l.now().UnixMilli(),
		NodeCount:        st.nodeCounts.Seen(),
		EdgeCount:        st.edgeCounts.Seen(),
		LoadID:           st.loadID,
		Stats:            st.stats,
	}
	if err := l.registry.RecordApplied(ctx, entry); err != nil {
		return nil, fmt.Errorf("load %s/%s: record: %w", req.Namespace, req.LoadVersion, err)
	}

	elapsed := l.now().Sub(start)
	l.metrics.observeDuration(req.Namespace, elapsed.Seconds())
	st.log.WithFields(logrus.Fields{
		"nodes":    entry.NodeCount,
		"edges":    entry.EdgeCount,
		"duration": elapsed.String(),
	}).Info("load applied")
	return &entry, nil
}

func (l *Loader) checkRegistry(ctx context.Context, st *loadState) error {
	req := st.req
	applied, err := l.registry.HasApplied(ctx, req.Namespace, req.LoadVersion)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", req.Namespace, req.LoadVersion, err)
	}
	if applied {
		return fmt.Errorf("load %s/%s: %w", req.Namespace, req.LoadVersion, registry.ErrAlreadyApplied)
	}
	latest, err := l.registry.Latest(ctx, req.Namespace)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load %s/%s: %w", req.Namespace, req.LoadVersion, err)
	case req.LoadTimestamp < latest.LoadTimestamp:
		return fmt.Errorf("load %s/%s at %d, latest %s at %d: %w", req.Namespace, req.LoadVersion,
			req.LoadTimestamp, latest.LoadVersion, latest.LoadTimestamp, ErrTimestampRegression)
	}
	st.prevVersion = latest.LoadVersion
	return nil
}

func newLoadState(l *Loader, req Request) *loadState {
	id := uuid.New().String()
	return &loadState{
		req:    req,
		store:  l.store,
		loadID: id,
		log: l.log.WithFields(logrus.Fields{
			"namespace":    req.Namespace,
			"load_version": req.LoadVersion,
			"load_id":      id,
		}),
		merges:       make(map[string]string),
		mergedBefore: make(map[string]graph.Document),
		mergedOpen:   make(map[string]delta.Entry),
		nodeVersions: make(map[string]string),
	}
}

func (l *Loader) writer(ctx context.Context, st *loadState, kind graph.Kind) *batchWriter {
	return newBatchWriter(ctx, st, kind, l.batchSize, l.workers)
}
