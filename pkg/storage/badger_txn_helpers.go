package storage

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

func (b *BadgerStore) ensureOpen() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerStore) withView(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.View(fn)
}

// updateBatched applies fn to items 0..n-1 in as few transactions as possible.
// When a transaction fills up it is committed and item i is replayed in a fresh one;
// every write is keyed, so replaying is harmless.
func (b *BadgerStore) updateBatched(ctx context.Context, n int, fn func(txn *badger.Txn, i int) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(txn, i)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = b.db.NewTransaction(true)
			err = fn(txn, i)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}
