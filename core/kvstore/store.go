// Package kvstore wires block storage, pager and B-tree into a persistent
// ordered map.
package kvstore

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/indexing/btree"
	"github.com/sushant-115/pagekv/core/storage_engine/blockstorage"
	"github.com/sushant-115/pagekv/core/storage_engine/common"
	"github.com/sushant-115/pagekv/core/write_engine/pager"
	"github.com/sushant-115/pagekv/pkg/codec"
	"go.uber.org/zap"
)

// Options configures Create and Open.
type Options[K any, V any] struct {
	KeyCodec   codec.Codec[K]
	ValueCodec codec.Codec[V]
	Compare    btree.Order[K]
	// Password enables encryption when non-empty. It must match on Open.
	Password  string
	CacheSize int
	Logger    *zap.Logger
}

// StringOptions returns options for a string-to-string store.
func StringOptions(password string) Options[string, string] {
	return Options[string, string]{
		KeyCodec:   codec.String{},
		ValueCodec: codec.String{},
		Compare:    btree.DefaultKeyOrder[string],
		Password:   password,
	}
}

// Store is a persistent ordered map. Changes become durable on Sync. It is
// not safe for concurrent use.
type Store[K any, V any] struct {
	storage *blockstorage.Storage
	pager   *pager.Pager[K, V]
	tree    *btree.BTree[K, V]
	logger  *zap.Logger
	closed  bool
}

// Create creates a new store file at path.
func Create[K any, V any](path string, opts Options[K, V]) (*Store[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	storage, err := blockstorage.Create(path, blockstorage.Options{Password: opts.Password, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	s, err := build(storage, opts)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if err := s.pager.Fsync(); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("initial sync: %w", err)
	}
	return s, nil
}

// Open opens an existing store file.
func Open[K any, V any](path string, opts Options[K, V]) (*Store[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	storage, err := blockstorage.Open(path, blockstorage.Options{Password: opts.Password, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	s, err := build(storage, opts)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return s, nil
}

func build[K any, V any](storage *blockstorage.Storage, opts Options[K, V]) (*Store[K, V], error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pg, err := pager.New(storage, opts.KeyCodec, opts.ValueCodec, pager.Options{CacheSize: opts.CacheSize, Logger: logger})
	if err != nil {
		return nil, err
	}
	tree, err := btree.New[K, V](pg, opts.Compare, logger)
	if err != nil {
		return nil, err
	}
	return &Store[K, V]{
		storage: storage,
		pager:   pg,
		tree:    tree,
		logger:  logger.Named("kvstore").With(zap.String("store", storage.ID().String())),
	}, nil
}

func (o Options[K, V]) validate() error {
	switch {
	case o.KeyCodec == nil:
		return fmt.Errorf("key codec must be provided")
	case o.ValueCodec == nil:
		return fmt.Errorf("value codec must be provided")
	case o.Compare == nil:
		return btree.ErrNilKeyOrder
	}
	return nil
}

// ID returns the store identity assigned at creation.
func (s *Store[K, V]) ID() uuid.UUID { return s.storage.ID() }

// Path returns the backing file.
func (s *Store[K, V]) Path() string { return s.storage.Path() }

// Len returns the number of entries, or 0 once the store is closed.
func (s *Store[K, V]) Len() uint64 {
	if s.closed {
		return 0
	}
	return s.tree.Len()
}

// Get returns the value for key.
func (s *Store[K, V]) Get(key K) (V, bool, error) {
	if s.closed {
		var zero V
		return zero, false, dberror.ErrClosed
	}
	return s.tree.Get(key)
}

// Exists reports whether key is present.
func (s *Store[K, V]) Exists(key K) (bool, error) {
	if s.closed {
		return false, dberror.ErrClosed
	}
	return s.tree.Exists(key)
}

// Put inserts or replaces key.
func (s *Store[K, V]) Put(key K, value V) error {
	if s.closed {
		return dberror.ErrClosed
	}
	return s.tree.Put(key, value)
}

// Remove deletes key and reports whether it existed.
func (s *Store[K, V]) Remove(key K) (bool, error) {
	if s.closed {
		return false, dberror.ErrClosed
	}
	return s.tree.Remove(key)
}

// Query iterates over [from, to]; nil bounds are open. On a closed store the
// iterator fails with ErrClosed.
func (s *Store[K, V]) Query(from, to *K) *btree.Iterator[K, V] {
	if s.closed {
		return btree.FailedIterator[K, V](dberror.ErrClosed)
	}
	return s.tree.Query(from, to)
}

// Height returns the tree height.
func (s *Store[K, V]) Height() (int, error) {
	if s.closed {
		return 0, dberror.ErrClosed
	}
	return s.tree.Height()
}

// Validate checks the tree structure.
func (s *Store[K, V]) Validate() error {
	if s.closed {
		return dberror.ErrClosed
	}
	return s.tree.Validate()
}

// Stats returns pager counters. The final counters stay readable after Close.
func (s *Store[K, V]) Stats() pager.Stats { return s.pager.Stats() }

// Sync makes every change durable.
func (s *Store[K, V]) Sync() error {
	if s.closed {
		return dberror.ErrClosed
	}
	return s.pager.Fsync()
}

// Backup syncs the store and copies its file to dst, throttled to
// bytesPerSec (unlimited when <= 0). It returns the SHA-256 of the copy.
func (s *Store[K, V]) Backup(ctx context.Context, dst string, bytesPerSec int64) ([]byte, error) {
	if err := s.Sync(); err != nil {
		return nil, err
	}
	sum, err := common.CopyThrottled(ctx, s.storage.Path(), dst, bytesPerSec, true)
	if err != nil {
		return nil, fmt.Errorf("%w: backup to %s: %w", dberror.ErrIO, dst, err)
	}
	s.logger.Info("Backup complete", zap.String("dst", dst), zap.String("sha256", hex.EncodeToString(sum)))
	return sum, nil
}

// Close syncs and closes the store. The store is closed even if the sync fails.
func (s *Store[K, V]) Close() error {
	if s.closed {
		return nil
	}
	syncErr := s.pager.Fsync()
	s.closed = true
	if err := s.storage.Close(); err != nil {
		return err
	}
	if syncErr != nil {
		return fmt.Errorf("sync on close: %w", syncErr)
	}
	return nil
}
