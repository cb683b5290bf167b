package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// prefixRegistry keys the audit log: 0x10 + namespace + 0x00 + load_version -> JSON(Entry).
// Store documents use prefixes below 0x10, so the registry can share their database.
const prefixRegistry = byte(0x10)

// BadgerRegistry persists entries in a Badger database.
type BadgerRegistry struct {
	db *badger.DB
}

// NewBadgerRegistry uses db for storage. The caller owns db.
func NewBadgerRegistry(db *badger.DB) *BadgerRegistry {
	return &BadgerRegistry{db: db}
}

func entryPrefix(namespace string) []byte {
	key := make([]byte, 0, len(namespace)+2)
	key = append(key, prefixRegistry)
	key = append(key, namespace...)
	return append(key, 0x00)
}

func entryKey(namespace, loadVersion string) []byte {
	return append(entryPrefix(namespace), loadVersion...)
}

// HasApplied reports whether loadVersion has been recorded for namespace.
func (r *BadgerRegistry) HasApplied(_ context.Context, namespace, loadVersion string) (bool, error) {
	var found bool
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(namespace, loadVersion))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("registry lookup %s/%s: %w", namespace, loadVersion, err)
	}
	return found, nil
}

// RecordApplied appends entry. Existing entries are never overwritten.
func (r *BadgerRegistry) RecordApplied(_ context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode registry entry: %w", err)
	}
	key := entryKey(entry.Namespace, entry.LoadVersion)
	return r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyApplied, entry.Namespace, entry.LoadVersion)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Latest returns the most recent load of namespace.
func (r *BadgerRegistry) Latest(ctx context.Context, namespace string) (*Entry, error) {
	entries, err := r.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	last := entries[len(entries)-1]
	return &last, nil
}

// List returns the loads of namespace ordered by load timestamp.
func (r *BadgerRegistry) List(ctx context.Context, namespace string) ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix(namespace)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode registry entry %q: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

var _ Registry = (*BadgerRegistry)(nil)
