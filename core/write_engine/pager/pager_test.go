package pager

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/storage_engine/blockstorage"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"github.com/sushant-115/pagekv/pkg/codec"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errInjected = errors.New("injected failure")

// flakyStorage fails Sync or Write on demand.
type flakyStorage struct {
	*blockstorage.Storage
	failSync  bool
	failWrite bool
}

func (f *flakyStorage) Sync() error {
	if f.failSync {
		return errInjected
	}
	return f.Storage.Sync()
}

func (f *flakyStorage) Write(id uint32, buf []byte) error {
	if f.failWrite {
		return errInjected
	}
	return f.Storage.Write(id, buf)
}

func newStorage(t *testing.T) *blockstorage.Storage {
	t.Helper()
	s, err := blockstorage.Create(filepath.Join(t.TempDir(), "pager.db"), blockstorage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPager(t *testing.T, s Storage, cacheSize int) *Pager[string, string] {
	t.Helper()
	pg, err := New[string, string](s, codec.String{}, codec.String{}, Options{CacheSize: cacheSize, Logger: zap.NewNop()})
	require.NoError(t, err)
	return pg
}

func TestCreateFsyncReopen(t *testing.T) {
	s := newStorage(t)
	pg := newPager(t, s, 8)
	require.Equal(t, pagemanager.InvalidPageID, pg.Root())

	p, err := pg.Create(true)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), p.ID())
	p.Insert(0, "hello", "world", pagemanager.InvalidPageID)
	pg.SetRoot(p.ID())
	pg.SetLen(1)
	require.Equal(t, 1, pg.Stats().Staged)

	require.NoError(t, pg.Fsync())
	st := pg.Stats()
	require.Equal(t, 0, st.Staged)
	require.Equal(t, 1, st.Cached)
	require.Equal(t, uint64(1), st.Fsyncs)
	require.Equal(t, uint64(1), st.PagesWritten)

	again := newPager(t, s, 8)
	require.Equal(t, p.ID(), again.Root())
	require.Equal(t, uint64(1), again.Len())
	got, err := again.Page(p.ID())
	require.NoError(t, err)
	require.Equal(t, "world", got.Value(0))
	require.Equal(t, uint64(1), again.Stats().Misses)

	_, err = again.Page(p.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(1), again.Stats().Hits)
}

func TestPageBounds(t *testing.T) {
	pg := newPager(t, newStorage(t), 8)
	_, err := pg.Page(0)
	require.ErrorIs(t, err, dberror.ErrBounds)
	_, err = pg.Page(1)
	require.ErrorIs(t, err, dberror.ErrBounds)
	require.ErrorIs(t, pg.Remove(0), dberror.ErrBounds)
}

func TestRemoveAndReuse(t *testing.T) {
	s := newStorage(t)
	pg := newPager(t, s, 8)
	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		p, err := pg.Create(true)
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}
	require.NoError(t, pg.Remove(ids[1]))
	_, err := pg.Page(ids[1])
	require.ErrorIs(t, err, dberror.ErrBounds)
	require.ErrorIs(t, pg.Remove(ids[1]), dberror.ErrBounds)
	require.NoError(t, pg.Fsync())

	// The free list survives a reopen.
	again := newPager(t, s, 8)
	_, err = again.Page(ids[1])
	require.ErrorIs(t, err, dberror.ErrBounds)
	p, err := again.Create(false)
	require.NoError(t, err)
	require.Equal(t, ids[1], p.ID())
	require.False(t, p.IsLeaf())
	require.Equal(t, 0, p.Size())

	next, err := again.Create(true)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(4), next.ID())
	require.Equal(t, uint32(4), s.Count())
}

func TestFreeListOrder(t *testing.T) {
	pg := newPager(t, newStorage(t), 8)
	for i := 0; i < 4; i++ {
		_, err := pg.Create(true)
		require.NoError(t, err)
	}
	require.NoError(t, pg.Remove(2))
	require.NoError(t, pg.Remove(4))
	a, err := pg.Create(true)
	require.NoError(t, err)
	b, err := pg.Create(true)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(4), a.ID())
	require.Equal(t, pagemanager.PageID(2), b.ID())
}

func TestDirtyPagesAreStaged(t *testing.T) {
	pg := newPager(t, newStorage(t), 2)
	var ids []pagemanager.PageID
	for i := 0; i < 5; i++ {
		p, err := pg.Create(true)
		require.NoError(t, err)
		p.Insert(0, "k", "v", pagemanager.InvalidPageID)
		ids = append(ids, p.ID())
	}
	require.NoError(t, pg.Fsync())
	st := pg.Stats()
	require.Equal(t, 2, st.Cached)
	require.Equal(t, uint64(3), st.Evictions)

	// Mutating a cached page moves it to staged.
	p, err := pg.Page(ids[4])
	require.NoError(t, err)
	p.Set(0, "k", "changed")
	require.Equal(t, 1, pg.Stats().Staged)
	require.Equal(t, 1, pg.Stats().Cached)

	// Staged pages survive cache pressure.
	for _, id := range ids[:4] {
		_, err := pg.Page(id)
		require.NoError(t, err)
	}
	got, err := pg.Page(ids[4])
	require.NoError(t, err)
	require.Equal(t, "changed", got.Value(0))
	require.Equal(t, 1, pg.Stats().Staged)
}

func TestFsyncFailureKeepsStaged(t *testing.T) {
	fs := &flakyStorage{Storage: newStorage(t)}
	pg := newPager(t, fs, 8)
	p, err := pg.Create(true)
	require.NoError(t, err)
	p.Insert(0, "a", "b", pagemanager.InvalidPageID)
	pg.SetRoot(p.ID())

	fs.failWrite = true
	require.ErrorIs(t, pg.Fsync(), errInjected)
	require.Equal(t, 1, pg.Stats().Staged)

	fs.failWrite, fs.failSync = false, true
	require.ErrorIs(t, pg.Fsync(), errInjected)
	require.Equal(t, 1, pg.Stats().Staged)
	require.Equal(t, uint64(0), pg.Stats().Fsyncs)

	fs.failSync = false
	require.NoError(t, pg.Fsync())
	require.Equal(t, 0, pg.Stats().Staged)
}

func TestFsyncAfterCloseFails(t *testing.T) {
	s := newStorage(t)
	pg := newPager(t, s, 8)
	_, err := pg.Create(true)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.ErrorIs(t, pg.Fsync(), dberror.ErrClosed)
	require.Equal(t, 1, pg.Stats().Staged)
}

func TestCheckEntry(t *testing.T) {
	pg := newPager(t, newStorage(t), 8)
	require.NoError(t, pg.CheckEntry("k", "v"))
	big := make([]byte, pagemanager.MaxEntrySize)
	require.ErrorIs(t, pg.CheckEntry("k", string(big)), dberror.ErrCapacity)
}
