package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// RetryPolicy bounds how transient store failures are retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// bounded by MaxRetries instead
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(p.MaxRetries, 0))), ctx)
}

// RetryingStore retries writes and point reads that fail with a transient
// StoreError. Other errors are returned at once. Every write is an idempotent upsert
// by _key, so repeating a partially applied batch is safe.
//
// ListCurrentlyValid is not retried: fn may already have seen part of the stream.
type RetryingStore struct {
	Store
	policy  RetryPolicy
	onRetry func(op string, err error, wait time.Duration)
}

// RetryOption configures a RetryingStore.
type RetryOption func(*RetryingStore)

// WithRetryHook registers a callback invoked before each retry.
func WithRetryHook(fn func(op string, err error, wait time.Duration)) RetryOption {
	return func(r *RetryingStore) { r.onRetry = fn }
}

// NewRetryingStore wraps inner with retries governed by policy.
func NewRetryingStore(inner Store, policy RetryPolicy, opts ...RetryOption) *RetryingStore {
	r := &RetryingStore{Store: inner, policy: policy}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy.backOff(ctx), func(err error, wait time.Duration) {
		if r.onRetry != nil {
			r.onRetry(op, err, wait)
		}
	})
}

func (r *RetryingStore) Upsert(ctx context.Context, namespace string, kind graph.Kind, docs ...graph.Document) error {
	return r.do(ctx, "upsert", func() error { return r.Store.Upsert(ctx, namespace, kind, docs...) })
}

func (r *RetryingStore) CloseVersion(ctx context.Context, namespace string, kind graph.Kind, expiredAt int64, keys ...string) error {
	return r.do(ctx, "close", func() error { return r.Store.CloseVersion(ctx, namespace, kind, expiredAt, keys...) })
}

func (r *RetryingStore) BumpLastVersion(ctx context.Context, namespace string, kind graph.Kind, version string, keys ...string) error {
	return r.do(ctx, "bump", func() error { return r.Store.BumpLastVersion(ctx, namespace, kind, version, keys...) })
}

func (r *RetryingStore) History(ctx context.Context, namespace string, kind graph.Kind, id string) ([]graph.Document, error) {
	var docs []graph.Document
	err := r.do(ctx, "history", func() error {
		var err error
		docs, err = r.Store.History(ctx, namespace, kind, id)
		return err
	})
	return docs, err
}

func (r *RetryingStore) GetAsOf(ctx context.Context, namespace string, kind graph.Kind, id string, ts int64) (graph.Document, error) {
	var doc graph.Document
	err := r.do(ctx, "get", func() error {
		var err error
		doc, err = r.Store.GetAsOf(ctx, namespace, kind, id, ts)
		return err
	})
	return doc, err
}

// Count forwards to the first store in the wrapper chain that implements Counter.
func (r *RetryingStore) Count(ctx context.Context, namespace string, kind graph.Kind) (Counts, error) {
	for inner := r.Store; inner != nil; {
		if c, ok := inner.(Counter); ok {
			return c.Count(ctx, namespace, kind)
		}
		u, ok := inner.(interface{ Unwrap() Store })
		if !ok {
			break
		}
		inner = u.Unwrap()
	}
	return Counts{}, fmt.Errorf("%w: %T", ErrNotCounting, r.Store)
}

// Unwrap returns the wrapped store.
func (r *RetryingStore) Unwrap() Store { return r.Store }

var (
	_ Store   = (*RetryingStore)(nil)
	_ Counter = (*RetryingStore)(nil)
)
