package indexmanager

import (
	"context"

	"github.com/sushant-115/pagekv/core/write_engine/pager"
)

// KeyValuePair is one entry returned by GetRange.
type KeyValuePair struct {
	Key   string
	Value []byte
}

// IndexManager is the context-aware surface the binaries use to reach a store.
type IndexManager interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete reports whether key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// GetRange returns entries in [startKey, endKey] in ascending order. An
	// empty or "*" bound is open; limit <= 0 means no limit.
	GetRange(ctx context.Context, startKey, endKey string, limit int32) ([]KeyValuePair, error)
	// Sync makes all acknowledged writes durable.
	Sync(ctx context.Context) error
	// Backup writes a consistent copy of the store to dst and returns its SHA-256.
	Backup(ctx context.Context, dst string, bytesPerSec int64) ([]byte, error)
	// Check verifies the on-disk tree structure.
	Check(ctx context.Context) error
	Len() uint64
	Stats() pager.Stats
	// Name returns the name/type of this index manager (e.g., "btree").
	Name() string
	Close() error
}
