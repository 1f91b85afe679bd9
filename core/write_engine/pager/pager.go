// Package pager owns page identity for a block store: allocation, reuse,
// caching and write-back.
//
// Pages modified since the last Fsync are "staged" and are never evicted.
// Clean pages live in a bounded LRU cache.
package pager

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/indexing/btree"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"github.com/sushant-115/pagekv/pkg/codec"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of clean pages kept when Options leave it unset.
const DefaultCacheSize = 256

// headDataSize is the prefix of the storage head data used by the pager:
// root u32, free-list head u32, element count u64.
const headDataSize = 16

// Storage is the block device the pager writes through.
type Storage interface {
	Count() uint32
	Increase() (uint32, error)
	Read(id uint32, buf []byte) error
	Write(id uint32, buf []byte) error
	ReadHead(buf []byte) error
	WriteHead(buf []byte) error
	Sync() error
}

// Options configures a Pager.
type Options struct {
	CacheSize int
	Logger    *zap.Logger
}

// Stats is a snapshot of pager activity.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	Fsyncs       uint64
	PagesWritten uint64
	Cached       int
	Staged       int
}

// Pager implements btree.Pager over a Storage.
type Pager[K any, V any] struct {
	storage    Storage
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
	logger     *zap.Logger

	root     pagemanager.PageID
	freeHead pagemanager.PageID
	length   uint64

	mu     sync.Mutex
	cache  *LRU[pagemanager.PageID, *pagemanager.Page[K, V]]
	staged map[pagemanager.PageID]*pagemanager.Page[K, V]
	stats  Stats
}

var _ btree.Pager[string, string] = (*Pager[string, string])(nil)

// New reads the pager state from the storage head data.
func New[K any, V any](storage Storage, kc codec.Codec[K], vc codec.Codec[V], opts Options) (*Pager[K, V], error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	head := make([]byte, headDataSize)
	if err := storage.ReadHead(head); err != nil {
		return nil, fmt.Errorf("reading pager head: %w", err)
	}
	pg := &Pager[K, V]{
		storage:    storage,
		keyCodec:   kc,
		valueCodec: vc,
		logger:     opts.Logger.Named("pager"),
		root:       pagemanager.PageID(binary.LittleEndian.Uint32(head[0:4])),
		freeHead:   pagemanager.PageID(binary.LittleEndian.Uint32(head[4:8])),
		length:     binary.LittleEndian.Uint64(head[8:16]),
		cache:      NewLRU[pagemanager.PageID, *pagemanager.Page[K, V]](opts.CacheSize),
		staged:     make(map[pagemanager.PageID]*pagemanager.Page[K, V]),
	}
	if count := storage.Count(); uint32(pg.root) > count || uint32(pg.freeHead) > count {
		return nil, fmt.Errorf("%w: pager head references page beyond block count %d", dberror.ErrCorruption, count)
	}
	pg.logger.Debug("Pager initialized",
		zap.Uint32("root", uint32(pg.root)),
		zap.Uint32("free_head", uint32(pg.freeHead)),
		zap.Uint64("len", pg.length),
		zap.Int("cache_size", opts.CacheSize))
	return pg, nil
}

func (pg *Pager[K, V]) Root() pagemanager.PageID      { return pg.root }
func (pg *Pager[K, V]) SetRoot(id pagemanager.PageID) { pg.root = id }
func (pg *Pager[K, V]) Len() uint64                   { return pg.length }
func (pg *Pager[K, V]) SetLen(n uint64)               { pg.length = n }

// CheckEntry rejects entries larger than a page can ever hold.
func (pg *Pager[K, V]) CheckEntry(k K, v V) error {
	return pagemanager.CheckEntry(pg.keyCodec, pg.valueCodec, k, v)
}

// Page returns page id from the staged set, the cache or the storage, in
// that order.
func (pg *Pager[K, V]) Page(id pagemanager.PageID) (btree.Page[K, V], error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	p, err := pg.load(id)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted() {
		return nil, fmt.Errorf("%w: page %d is deleted", dberror.ErrBounds, id)
	}
	return p, nil
}

// Create returns an empty page, reusing a deleted one when possible. The
// page is staged immediately.
func (pg *Pager[K, V]) Create(leaf bool) (btree.Page[K, V], error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.freeHead != pagemanager.InvalidPageID {
		p, err := pg.load(pg.freeHead)
		if err != nil {
			return nil, fmt.Errorf("popping free page %d: %w", pg.freeHead, err)
		}
		if !p.IsDeleted() {
			return nil, fmt.Errorf("%w: free list head %d is a live page", dberror.ErrCorruption, p.ID())
		}
		next := p.NextFree()
		pg.mutate(p, func() { p.Reset(leaf) })
		pg.freeHead = next
		pg.logger.Debug("Reused page", zap.Uint32("page", uint32(p.ID())))
		return p, nil
	}

	id, err := pg.storage.Increase()
	if err != nil {
		return nil, fmt.Errorf("allocating page: %w", err)
	}
	p := pagemanager.New(pagemanager.PageID(id), leaf, pg.keyCodec, pg.valueCodec)
	p.SetOnDirty(pg.onDirty)
	pg.staged[p.ID()] = p
	return p, nil
}

// Remove tombstones page id and pushes it on the free list.
func (pg *Pager[K, V]) Remove(id pagemanager.PageID) error {
	if id == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: cannot remove page 0", dberror.ErrBounds)
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()

	p, err := pg.load(id)
	if err != nil {
		return err
	}
	if p.IsDeleted() {
		return fmt.Errorf("%w: page %d already deleted", dberror.ErrBounds, id)
	}
	pg.mutate(p, func() {
		p.SetDeleted(true)
		p.SetNextFree(pg.freeHead)
	})
	pg.freeHead = id
	return nil
}

// Fsync writes the head data and every staged page, then syncs the storage.
// Staged pages move to the cache only when everything succeeded.
func (pg *Pager[K, V]) Fsync() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	head := make([]byte, headDataSize)
	binary.LittleEndian.PutUint32(head[0:4], uint32(pg.root))
	binary.LittleEndian.PutUint32(head[4:8], uint32(pg.freeHead))
	binary.LittleEndian.PutUint64(head[8:16], pg.length)
	if err := pg.storage.WriteHead(head); err != nil {
		return fmt.Errorf("writing pager head: %w", err)
	}

	ids := make([]pagemanager.PageID, 0, len(pg.staged))
	for id := range pg.staged {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := pg.staged[id].Save(pg.storage); err != nil {
			return fmt.Errorf("saving page %d: %w", id, err)
		}
	}
	if err := pg.storage.Sync(); err != nil {
		return err
	}

	for _, id := range ids {
		p := pg.staged[id]
		p.MarkClean()
		pg.cachePut(p)
	}
	clear(pg.staged)
	pg.stats.Fsyncs++
	pg.stats.PagesWritten += uint64(len(ids))
	pg.logger.Debug("Fsync complete", zap.Int("pages", len(ids)))
	return nil
}

// Stats returns a snapshot of counters.
func (pg *Pager[K, V]) Stats() Stats {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	s := pg.stats
	s.Cached = pg.cache.Len()
	s.Staged = len(pg.staged)
	return s
}

// load must be called with mu held.
func (pg *Pager[K, V]) load(id pagemanager.PageID) (*pagemanager.Page[K, V], error) {
	if id == pagemanager.InvalidPageID || uint32(id) > pg.storage.Count() {
		return nil, fmt.Errorf("%w: page %d", dberror.ErrBounds, id)
	}
	if p, ok := pg.staged[id]; ok {
		pg.stats.Hits++
		return p, nil
	}
	if p, ok := pg.cache.Get(id); ok {
		pg.stats.Hits++
		return p, nil
	}
	pg.stats.Misses++
	p, err := pagemanager.Open(pg.storage, id, pg.keyCodec, pg.valueCodec)
	if err != nil {
		return nil, err
	}
	p.SetOnDirty(pg.onDirty)
	pg.cachePut(p)
	return p, nil
}

func (pg *Pager[K, V]) cachePut(p *pagemanager.Page[K, V]) {
	if _, _, evicted := pg.cache.Put(p.ID(), p, isClean[K, V]); evicted {
		pg.stats.Evictions++
	}
}

func isClean[K any, V any](p *pagemanager.Page[K, V]) bool { return !p.Dirty() }

// onDirty is the page hook: the first write after a load or flush moves the
// page from the cache into the staged set.
func (pg *Pager[K, V]) onDirty(p *pagemanager.Page[K, V]) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.stage(p)
}

func (pg *Pager[K, V]) stage(p *pagemanager.Page[K, V]) {
	pg.cache.Remove(p.ID())
	pg.staged[p.ID()] = p
}

// mutate runs fn with mu held, bypassing the dirty hook, and stages p.
func (pg *Pager[K, V]) mutate(p *pagemanager.Page[K, V], fn func()) {
	p.SetOnDirty(nil)
	fn()
	p.SetOnDirty(pg.onDirty)
	pg.stage(p)
}
