package btree

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/sushant-115/pagekv/core/dberror"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemTree(t *testing.T, degree int) (*BTree[int, string], *MemPager[int, string]) {
	t.Helper()
	pager, err := NewMemPager[int, string](degree)
	require.NoError(t, err)
	tree, err := New[int, string](pager, DefaultKeyOrder[int], zap.NewNop())
	require.NoError(t, err)
	return tree, pager
}

func collect[K any, V any](t *testing.T, it *Iterator[K, V]) []K {
	t.Helper()
	var keys []K
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		keys = append(keys, k)
	}
}

func TestNewRequiresOrder(t *testing.T) {
	pager, err := NewMemPager[int, string](3)
	require.NoError(t, err)
	_, err = New[int, string](pager, nil, nil)
	require.ErrorIs(t, err, ErrNilKeyOrder)

	_, err = NewMemPager[int, string](1)
	require.ErrorIs(t, err, dberror.ErrBounds)
}

func TestEmptyTree(t *testing.T) {
	tree, _ := newMemTree(t, 3)
	_, ok, err := tree.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	removed, err := tree.Remove(1)
	require.NoError(t, err)
	require.False(t, removed)

	require.Empty(t, collect(t, tree.Query(nil, nil)))
	h, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)
	require.NoError(t, tree.Validate())
}

func TestPutGetReplace(t *testing.T) {
	tree, _ := newMemTree(t, 2)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(i, fmt.Sprint(i)))
	}
	require.Equal(t, uint64(100), tree.Len())
	require.NoError(t, tree.Put(42, "forty-two"))
	require.Equal(t, uint64(100), tree.Len())

	v, ok, err := tree.Get(42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "forty-two", v)

	ok, err = tree.Exists(100)
	require.NoError(t, err)
	require.False(t, ok)

	h, err := tree.Height()
	require.NoError(t, err)
	require.Greater(t, h, 3)
	require.NoError(t, tree.Validate())
}

func TestRandomOpsAgainstModel(t *testing.T) {
	for _, degree := range []int{2, 3, 4, 5, 8} {
		t.Run(fmt.Sprintf("degree-%d", degree), func(t *testing.T) {
			tree, pager := newMemTree(t, degree)
			model := map[int]string{}
			rng := rand.New(rand.NewPCG(uint64(degree), 7))

			for step := 0; step < 3000; step++ {
				k := rng.IntN(400)
				if rng.IntN(3) == 0 {
					removed, err := tree.Remove(k)
					require.NoError(t, err)
					_, had := model[k]
					require.Equal(t, had, removed, "remove %d", k)
					delete(model, k)
				} else {
					v := fmt.Sprintf("v%d-%d", k, step)
					require.NoError(t, tree.Put(k, v))
					model[k] = v
				}
				if step%50 == 0 {
					require.NoError(t, tree.Validate(), "step %d", step)
				}
			}
			require.NoError(t, tree.Validate())
			require.Equal(t, uint64(len(model)), tree.Len())

			want := make([]int, 0, len(model))
			for k := range model {
				want = append(want, k)
			}
			slices.Sort(want)
			require.Equal(t, want, collect(t, tree.Query(nil, nil)))

			for k, v := range model {
				got, ok, err := tree.Get(k)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, v, got)
			}

			for _, k := range want {
				removed, err := tree.Remove(k)
				require.NoError(t, err)
				require.True(t, removed)
			}
			require.NoError(t, tree.Validate())
			require.Equal(t, uint64(0), tree.Len())
			require.Equal(t, 1, pager.Pages())
		})
	}
}

func TestQueryBounds(t *testing.T) {
	tree, _ := newMemTree(t, 3)
	for i := 0; i < 200; i += 2 {
		require.NoError(t, tree.Put(i, ""))
	}
	ptr := func(i int) *int { return &i }

	keys := collect(t, tree.Query(ptr(10), ptr(20)))
	require.Equal(t, []int{10, 12, 14, 16, 18, 20}, keys)

	keys = collect(t, tree.Query(ptr(11), ptr(19)))
	require.Equal(t, []int{12, 14, 16, 18}, keys)

	keys = collect(t, tree.Query(nil, ptr(5)))
	require.Equal(t, []int{0, 2, 4}, keys)

	keys = collect(t, tree.Query(ptr(193), nil))
	require.Equal(t, []int{194, 196, 198}, keys)

	require.Empty(t, collect(t, tree.Query(ptr(500), nil)))
	require.Empty(t, collect(t, tree.Query(ptr(20), ptr(10))))

	// Every internal key as lower bound.
	for from := 0; from < 200; from += 2 {
		keys = collect(t, tree.Query(ptr(from), ptr(from+4)))
		want := []int{from}
		for k := from + 2; k <= from+4 && k < 200; k += 2 {
			want = append(want, k)
		}
		require.Equal(t, want, keys, "from %d", from)
	}
}

func TestIteratorsAreIndependent(t *testing.T) {
	tree, _ := newMemTree(t, 3)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Put(i, ""))
	}
	a := tree.Query(nil, nil)
	b := tree.Query(nil, nil)
	ka, _, _, err := a.Next()
	require.NoError(t, err)
	ka, _, _, err = a.Next()
	require.NoError(t, err)
	kb, _, _, err := b.Next()
	require.NoError(t, err)
	require.Equal(t, 1, ka)
	require.Equal(t, 0, kb)

	a.Close()
	_, _, ok, err := a.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBytesOrder(t *testing.T) {
	pager, err := NewMemPager[[]byte, []byte](4)
	require.NoError(t, err)
	tree, err := New[[]byte, []byte](pager, BytesOrder, nil)
	require.NoError(t, err)
	for _, k := range []string{"b", "a", "c", "ab"} {
		require.NoError(t, tree.Put([]byte(k), []byte(k)))
	}
	var got []string
	it := tree.Query(nil, nil)
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"a", "ab", "b", "c"}, got)
}

// failingPager fails page loads after a number of successful calls.
type failingPager struct {
	*MemPager[int, string]
	budget int
}

func (f *failingPager) Page(id pagemanager.PageID) (Page[int, string], error) {
	if f.budget <= 0 {
		return nil, dberror.ErrIO
	}
	f.budget--
	return f.MemPager.Page(id)
}

func TestErrorsPropagate(t *testing.T) {
	mem, err := NewMemPager[int, string](3)
	require.NoError(t, err)
	fp := &failingPager{MemPager: mem, budget: 1 << 30}
	tree, err := New[int, string](fp, DefaultKeyOrder[int], nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Put(i, ""))
	}

	fp.budget = 0
	_, _, err = tree.Get(1)
	require.ErrorIs(t, err, dberror.ErrIO)
	require.ErrorIs(t, tree.Put(100, ""), dberror.ErrIO)

	fp.budget = 2
	it := tree.Query(nil, nil)
	var last error
	for {
		_, _, ok, err := it.Next()
		if err != nil {
			last = err
		}
		if !ok {
			break
		}
	}
	require.ErrorIs(t, last, dberror.ErrIO)
}

func TestMemPageOutOfRangeIndexPanics(t *testing.T) {
	pager, err := NewMemPager[int, string](3)
	require.NoError(t, err)
	p, err := pager.Create(true)
	require.NoError(t, err)
	p.Insert(0, 1, "one", 0)

	require.Panics(t, func() { p.Key(1) })
	require.Panics(t, func() { p.Value(2) })
}
