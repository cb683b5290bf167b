package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// Storage errors
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrStorageClosed       = errors.New("storage: closed")
	ErrInvalidID           = errors.New("storage: invalid id")
	ErrInvalidData         = errors.New("storage: invalid document")
	ErrInvalidNamespace    = errors.New("storage: invalid namespace")
	ErrOpenVersionConflict = errors.New("storage: another version is already open")
	ErrInvalidExpiry       = errors.New("storage: expiry before creation")
	ErrAlreadyClosed       = errors.New("storage: version already closed")
	ErrIterationStopped    = errors.New("storage: iteration stopped")
	ErrNotCounting         = errors.New("storage: store does not count rows")
)

// StoreError wraps a failed store operation. Transient errors may succeed on retry.
type StoreError struct {
	Op        string
	Namespace string
	Kind      graph.Kind
	Key       string
	Err       error
	transient bool
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("storage %s %s/%s", e.Op, e.Namespace, e.Kind)
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Transient reports whether retrying the operation may succeed.
func (e *StoreError) Transient() bool { return e.transient }

// NewTransientError marks err as retryable.
func NewTransientError(op, namespace string, kind graph.Kind, err error) *StoreError {
	return &StoreError{Op: op, Namespace: namespace, Kind: kind, Err: err, transient: true}
}

// IsTransient reports whether err, or any error it wraps, is a transient StoreError.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}

// wrapErr converts a raw error into a *StoreError, classifying badger conflicts and
// I/O hiccups as transient. Sentinel errors pass through errors.Is unchanged.
func wrapErr(op, namespace string, kind graph.Kind, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{
		Op:        op,
		Namespace: namespace,
		Kind:      kind,
		Key:       key,
		Err:       err,
		transient: errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrBlockedWrites),
	}
}
