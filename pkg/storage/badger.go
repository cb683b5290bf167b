// BadgerStore provides persistent disk-based storage using BadgerDB.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/deltagraph/pkg/graph"
)

// BadgerStore provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for every batch that fits in one transaction
//   - Open-version and history indexes for O(1) current lookups
//   - Thread-safe concurrent access
//   - Automatic crash recovery
//
// Key Structure: see namespaced.go. The load registry shares the same database
// under its own prefix, see DB.
//
// Example:
//
//	store, err := storage.NewBadgerStore("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	inMemory bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. A logrus.FieldLogger satisfies it.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger

	// LowMemory enables memory-constrained settings.
	LowMemory bool

	// EncryptionKey is the 16, 24, or 32 byte key for AES encryption at rest.
	// Leave empty to disable encryption.
	EncryptionKey []byte
}

// NewBadgerStore opens a persistent store with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreWithOptions opens a BadgerStore with custom configuration.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger: data directory is required")
	}
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// nil disables badger's default stderr logger
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if len(opts.EncryptionKey) > 0 {
		keyLen := len(opts.EncryptionKey)
		if keyLen != 16 && keyLen != 24 && keyLen != 32 {
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d bytes)", keyLen)
		}
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(32 << 20)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).      // 8MB memtable
			WithValueLogFileSize(32 << 20). // 32MB value log
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithValueThreshold(512).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithValueLogFileSize(128 << 20).
			WithNumMemtables(3).
			WithNumLevelZeroTables(5).
			WithNumLevelZeroTablesStall(10).
			WithValueThreshold(64 << 10). // documents are small, keep them in the LSM tree
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, inMemory: opts.InMemory}, nil
}

// NewBadgerStoreInMemory creates an in-memory BadgerDB for testing.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// DB exposes the underlying database so the load registry can share it.
func (b *BadgerStore) DB() *badger.DB { return b.db }

// IsInMemory returns true if the store is running in memory-only mode.
func (b *BadgerStore) IsInMemory() bool { return b.inMemory }

// ListCurrentlyValid streams open rows by walking the open index.
func (b *BadgerStore) ListCurrentlyValid(ctx context.Context, namespace string, kind graph.Kind, fn func(graph.Document) error) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	err := b.withView(func(txn *badger.Txn) error {
		it := txn.NewIterator(scanOptions(scopePrefix(prefixOpen, namespace, kind), true))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			doc, err := getDoc(txn, namespace, kind, string(key))
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return wrapErr("list", namespace, kind, "", err)
}

// Upsert writes rows by _key and maintains the open and history indexes.
func (b *BadgerStore) Upsert(ctx context.Context, namespace string, kind graph.Kind, docs ...graph.Document) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	encoded := make([][]byte, len(docs))
	for i, doc := range docs {
		if err := checkDoc(kind, doc); err != nil {
			return err
		}
		data, err := graph.EncodeDocument(doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		encoded[i] = data
	}
	err := b.updateBatched(ctx, len(docs), func(txn *badger.Txn, i int) error {
		doc := docs[i]
		key, id := doc.Key(), doc.ID()
		cur, err := getOpenKey(txn, namespace, kind, id)
		if err != nil {
			return err
		}
		if cur != "" && cur != key && doc.Open() {
			return fmt.Errorf("%w: %s %q open as %q, writing %q", ErrOpenVersionConflict, kind, id, cur, key)
		}
		if err := txn.Set(docKey(namespace, kind, key), encoded[i]); err != nil {
			return err
		}
		if err := txn.Set(historyKey(namespace, kind, id, key), []byte{}); err != nil {
			return err
		}
		if doc.Open() {
			return txn.Set(openKey(namespace, kind, id), []byte(key))
		}
		if cur == key {
			return txn.Delete(openKey(namespace, kind, id))
		}
		return nil
	})
	return wrapErr("upsert", namespace, kind, "", err)
}

// CloseVersion sets expired on rows. Closing a row again at the same time is a no-op.
func (b *BadgerStore) CloseVersion(ctx context.Context, namespace string, kind graph.Kind, expiredAt int64, keys ...string) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	err := b.updateBatched(ctx, len(keys), func(txn *badger.Txn, i int) error {
		key := keys[i]
		doc, err := getDoc(txn, namespace, kind, key)
		if err != nil {
			return err
		}
		if err := checkClose(doc, expiredAt); err != nil {
			return err
		}
		if doc.Open() {
			if expiredAt < doc.Created() {
				return fmt.Errorf("%w: %q created %d, expiring %d", ErrInvalidExpiry, key, doc.Created(), expiredAt)
			}
			doc[graph.FieldExpired] = expiredAt
			if err := putDoc(txn, namespace, kind, doc); err != nil {
				return err
			}
		}
		// a replayed close may find the row expired but still indexed as open
		cur, err := getOpenKey(txn, namespace, kind, doc.ID())
		if err != nil {
			return err
		}
		if cur == key {
			return txn.Delete(openKey(namespace, kind, doc.ID()))
		}
		return nil
	})
	return wrapErr("close", namespace, kind, "", err)
}

// BumpLastVersion sets last_version on open rows.
func (b *BadgerStore) BumpLastVersion(ctx context.Context, namespace string, kind graph.Kind, version string, keys ...string) error {
	if err := checkScope(namespace, kind); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("%w: empty version", ErrInvalidData)
	}
	err := b.updateBatched(ctx, len(keys), func(txn *badger.Txn, i int) error {
		doc, err := getDoc(txn, namespace, kind, keys[i])
		if err != nil {
			return err
		}
		if !doc.Open() {
			return fmt.Errorf("%w: %s %q", ErrAlreadyClosed, kind, keys[i])
		}
		doc[graph.FieldLastVersion] = version
		return putDoc(txn, namespace, kind, doc)
	})
	return wrapErr("bump", namespace, kind, "", err)
}

// History returns every row stored for id, oldest first.
func (b *BadgerStore) History(_ context.Context, namespace string, kind graph.Kind, id string) ([]graph.Document, error) {
	if err := checkScope(namespace, kind); err != nil {
		return nil, err
	}
	var docs []graph.Document
	err := b.withView(func(txn *badger.Txn) error {
		prefix := historyPrefix(namespace, kind, id)
		it := txn.NewIterator(scanOptions(prefix, false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key()[len(prefix):])
			doc, err := getDoc(txn, namespace, kind, key)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("history", namespace, kind, id, err)
	}
	sortHistory(docs)
	return docs, nil
}

// GetAsOf returns the row for id valid at ts.
func (b *BadgerStore) GetAsOf(ctx context.Context, namespace string, kind graph.Kind, id string, ts int64) (graph.Document, error) {
	docs, err := b.History(ctx, namespace, kind, id)
	if err != nil {
		return nil, err
	}
	return pickAsOf(docs, kind, id, ts)
}

// Count returns the total and open row counts with key-only scans.
func (b *BadgerStore) Count(_ context.Context, namespace string, kind graph.Kind) (Counts, error) {
	if err := checkScope(namespace, kind); err != nil {
		return Counts{}, err
	}
	var c Counts
	err := b.withView(func(txn *badger.Txn) error {
		c.Total = countPrefix(txn, scopePrefix(prefixDoc, namespace, kind))
		c.Open = countPrefix(txn, scopePrefix(prefixOpen, namespace, kind))
		return nil
	})
	return c, wrapErr("count", namespace, kind, "", err)
}

// Close closes the BadgerDB database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerStore) Sync() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
func (b *BadgerStore) RunGC() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func getOpenKey(txn *badger.Txn, namespace string, kind graph.Kind, id string) (string, error) {
	item, err := txn.Get(openKey(namespace, kind, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func getDoc(txn *badger.Txn, namespace string, kind graph.Kind, key string) (graph.Document, error) {
	item, err := txn.Get(docKey(namespace, kind, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
	}
	if err != nil {
		return nil, err
	}
	var doc graph.Document
	err = item.Value(func(val []byte) error {
		var derr error
		doc, derr = graph.DecodeDocument(val)
		return derr
	})
	return doc, err
}

func putDoc(txn *badger.Txn, namespace string, kind graph.Kind, doc graph.Document) error {
	data, err := graph.EncodeDocument(doc)
	if err != nil {
		return err
	}
	return txn.Set(docKey(namespace, kind, doc.Key()), data)
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	it := txn.NewIterator(scanOptions(prefix, false))
	defer it.Close()
	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

var (
	_ Store   = (*BadgerStore)(nil)
	_ Counter = (*BadgerStore)(nil)
)

// scanOptions bounds an iterator to prefix. withValues prefetches item values.
func scanOptions(prefix []byte, withValues bool) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues
	if withValues {
		opts.PrefetchSize = 100
	}
	return opts
}
