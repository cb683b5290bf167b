package loader

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/deltagraph/pkg/graph"
	"github.com/orneryd/deltagraph/pkg/storage"
)

// batchWriter buffers the writes of one phase for one kind and flushes them in
// batches, up to workers at a time. Within a batch restores run first, then closes,
// then upserts and bumps, so a replaced row is never open alongside its successor.
// wait is the phase barrier.
type batchWriter struct {
	store     storage.Store
	namespace string
	kind      graph.Kind
	version   string
	restoreTo string
	closeAt   int64
	size      int

	g   *errgroup.Group
	ctx context.Context

	restores []string
	closes   []string
	upserts  []graph.Document
	bumps    []string
}

func newBatchWriter(ctx context.Context, st *loadState, kind graph.Kind, size, workers int) *batchWriter {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &batchWriter{
		store:     st.store,
		namespace: st.req.Namespace,
		kind:      kind,
		version:   st.req.LoadVersion,
		restoreTo: st.prevVersion,
		closeAt:   st.req.LoadTimestamp,
		size:      size,
		g:         g,
		ctx:       gctx,
	}
}

func (w *batchWriter) pending() int {
	return len(w.restores) + len(w.closes) + len(w.upserts) + len(w.bumps)
}

// restore resets last_version to the previous load's version. It is queued with the
// close of the same row and never flushes on its own.
func (w *batchWriter) restore(key string) {
	w.restores = append(w.restores, key)
}

func (w *batchWriter) close(keys ...string) error {
	w.closes = append(w.closes, keys...)
	return w.maybeFlush()
}

func (w *batchWriter) upsert(docs ...graph.Document) error {
	w.upserts = append(w.upserts, docs...)
	return w.maybeFlush()
}

// replace closes the previous row and inserts its successor in the same batch.
func (w *batchWriter) replace(prevKey string, doc graph.Document) error {
	w.closes = append(w.closes, prevKey)
	w.upserts = append(w.upserts, doc)
	return w.maybeFlush()
}

func (w *batchWriter) bump(keys ...string) error {
	w.bumps = append(w.bumps, keys...)
	return w.maybeFlush()
}

func (w *batchWriter) maybeFlush() error {
	if w.pending() < w.size {
		return nil
	}
	return w.flush()
}

func (w *batchWriter) flush() error {
	if err := w.ctx.Err(); err != nil {
		// a failed batch cancels ctx; report its error rather than the cancellation
		if werr := w.g.Wait(); werr != nil {
			return werr
		}
		return err
	}
	if w.pending() == 0 {
		return nil
	}
	restores, closes, upserts, bumps := w.restores, w.closes, w.upserts, w.bumps
	w.restores, w.closes, w.upserts, w.bumps = nil, nil, nil, nil

	ctx := w.ctx
	w.g.Go(func() error {
		if len(restores) > 0 {
			if err := w.store.BumpLastVersion(ctx, w.namespace, w.kind, w.restoreTo, restores...); err != nil {
				return err
			}
		}
		if len(closes) > 0 {
			if err := w.store.CloseVersion(ctx, w.namespace, w.kind, w.closeAt, closes...); err != nil {
				return err
			}
		}
		if len(upserts) > 0 {
			if err := w.store.Upsert(ctx, w.namespace, w.kind, upserts...); err != nil {
				return err
			}
		}
		if len(bumps) > 0 {
			return w.store.BumpLastVersion(ctx, w.namespace, w.kind, w.version, bumps...)
		}
		return nil
	})
	return nil
}

// wait flushes what is buffered and blocks until every batch has been written.
func (w *batchWriter) wait() error {
	flushErr := w.flush()
	if err := w.g.Wait(); err != nil {
		return err
	}
	return flushErr
}
