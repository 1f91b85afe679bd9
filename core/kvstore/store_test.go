package kvstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/indexing/btree"
	"github.com/sushant-115/pagekv/core/storage_engine/common"
	"github.com/sushant-115/pagekv/pkg/codec"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.db")
}

func randomKey(rng *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	for i := 0; i < 8; i++ {
		b.WriteByte(letters[rng.IntN(len(letters))])
	}
	return b.String()
}

func drain[K any, V any](t *testing.T, it *btree.Iterator[K, V]) ([]K, []V) {
	t.Helper()
	var keys []K
	var values []V
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return keys, values
		}
		keys = append(keys, k)
		values = append(values, v)
	}
}

func TestTenThousandKeysSurviveReopen(t *testing.T) {
	path := tempPath(t)
	opts := StringOptions("")
	opts.Logger = zap.NewNop()

	s, err := Create(path, opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	model := map[string]string{}
	for len(model) < 10_000 {
		k := randomKey(rng)
		v := "v-" + k
		require.NoError(t, s.Put(k, v))
		model[k] = v
	}
	require.Equal(t, uint64(10_000), s.Len())
	require.NoError(t, s.Validate())
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s, err = Open(path, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), s.Len())
	require.NoError(t, s.Validate())
	for k, v := range model {
		got, ok, err := s.Get(k)
		require.NoError(t, err)
		require.True(t, ok, k)
		require.Equal(t, v, got)
	}

	var want []string
	for k := range model {
		if k >= "a" && k <= "z" {
			want = append(want, k)
		}
	}
	slices.Sort(want)
	from, to := "a", "z"
	keys, values := drain(t, s.Query(&from, &to))
	require.Equal(t, want, keys)
	for i, k := range keys {
		require.Equal(t, model[k], values[i])
	}

	for k := range model {
		removed, err := s.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.Close())

	s, err = Open(path, opts)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(0), s.Len())
	keys, _ = drain(t, s.Query(nil, nil))
	require.Empty(t, keys)
	h, err := s.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)
}

func TestVariableSizedEntriesWithTinyCache(t *testing.T) {
	path := tempPath(t)
	opts := Options[int64, []byte]{
		KeyCodec:   codec.Int64{},
		ValueCodec: codec.Bytes{},
		Compare:    btree.DefaultKeyOrder[int64],
		CacheSize:  1,
	}
	s, err := Create(path, opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 4))
	model := map[int64][]byte{}
	for step := 0; step < 6000; step++ {
		k := rng.Int64N(1500)
		if rng.IntN(3) == 0 {
			removed, err := s.Remove(k)
			require.NoError(t, err)
			_, had := model[k]
			require.Equal(t, had, removed)
			delete(model, k)
		} else {
			v := make([]byte, rng.IntN(450))
			for i := range v {
				v[i] = byte(rng.Uint32())
			}
			require.NoError(t, s.Put(k, v))
			model[k] = v
		}
		if step%20 == 0 {
			require.NoError(t, s.Validate(), "step %d", step)
		}
		if step%500 == 0 {
			require.NoError(t, s.Sync())
		}
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.Close())

	s, err = Open(path, opts)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Validate())
	require.Equal(t, uint64(len(model)), s.Len())

	want := make([]int64, 0, len(model))
	for k := range model {
		want = append(want, k)
	}
	slices.Sort(want)
	keys, values := drain(t, s.Query(nil, nil))
	require.Equal(t, want, keys)
	for i, k := range keys {
		require.Equal(t, model[k], values[i], "key %d", k)
	}
}

func TestShrinkingOverwritesKeepPagesBalanced(t *testing.T) {
	for _, tc := range []struct {
		name   string
		keys   int
		stride int
	}{
		{name: "two levels, every key", keys: 40, stride: 1},
		{name: "three levels, every other key", keys: 200, stride: 2},
		{name: "three levels, every key", keys: 200, stride: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Create(tempPath(t), StringOptions(""))
			require.NoError(t, err)
			defer s.Close()

			big := strings.Repeat("x", 450)
			for i := 0; i < tc.keys; i++ {
				require.NoError(t, s.Put(fmt.Sprintf("k%03d", i), big))
			}
			require.NoError(t, s.Validate())
			h, err := s.Height()
			require.NoError(t, err)
			require.GreaterOrEqual(t, h, 2)

			for i := 0; i < tc.keys; i += tc.stride {
				require.NoError(t, s.Put(fmt.Sprintf("k%03d", i), "y"))
				require.NoError(t, s.Validate(), "after overwriting k%03d", i)
			}
			require.Equal(t, uint64(tc.keys), s.Len())

			// Growing them back splits again.
			for i := 0; i < tc.keys; i += tc.stride {
				require.NoError(t, s.Put(fmt.Sprintf("k%03d", i), big))
			}
			require.NoError(t, s.Validate())

			keys, values := drain(t, s.Query(nil, nil))
			require.Len(t, keys, tc.keys)
			for i, k := range keys {
				require.Equal(t, fmt.Sprintf("k%03d", i), k)
				require.Equal(t, big, values[i])
			}
		})
	}
}

func TestEncryptedStore(t *testing.T) {
	path := tempPath(t)
	s, err := Create(path, StringOptions("correct horse"))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("key-%04d", i), "secret-value"))
	}
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-value")
	require.NotContains(t, string(raw), "key-0001")

	_, err = Open(path, StringOptions(""))
	require.ErrorIs(t, err, dberror.ErrSecurity)
	_, err = Open(path, StringOptions("wrong horse"))
	require.ErrorIs(t, err, dberror.ErrSecurity)

	s, err = Open(path, StringOptions("correct horse"))
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get("key-0321")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret-value", v)
	require.NoError(t, s.Validate())
}

func TestOnlySyncedStateIsVisible(t *testing.T) {
	path := tempPath(t)
	opts := StringOptions("")
	s, err := Create(path, opts)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 300; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("a%03d", i), "synced"))
	}
	require.NoError(t, s.Sync())
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("b%03d", i), "pending"))
	}
	require.NoError(t, s.Put("a000", "pending"))

	other, err := Open(path, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(300), other.Len())
	v, ok, err := other.Get("a000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "synced", v)
	ok, err = other.Exists("b000")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, other.Validate())
	// Release the second handle without rewriting its stale head.
	require.NoError(t, other.storage.Close())
	other.closed = true
}

func TestBackup(t *testing.T) {
	path := tempPath(t)
	opts := StringOptions("pw")
	s, err := Create(path, opts)
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("k%05d", i), fmt.Sprint(i)))
	}

	dst := filepath.Join(t.TempDir(), "backup.db")
	sum, err := s.Backup(context.Background(), dst, 1<<20)
	require.NoError(t, err)
	want, err := common.FileChecksum(dst)
	require.NoError(t, err)
	require.Equal(t, want, sum)

	b, err := Open(dst, opts)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, s.ID(), b.ID())
	require.Equal(t, uint64(1000), b.Len())
	v, ok, err := b.Get("k00500")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "500", v)

	_, err = s.Backup(context.Background(), path, 0)
	require.ErrorIs(t, err, dberror.ErrIO)
}

func TestEntryLimits(t *testing.T) {
	s, err := Create(tempPath(t), StringOptions(""))
	require.NoError(t, err)
	defer s.Close()

	require.ErrorIs(t, s.Put("k", strings.Repeat("x", 600)), dberror.ErrCapacity)
	require.Equal(t, uint64(0), s.Len())

	// Entries at the limit still split and merge cleanly.
	big := strings.Repeat("y", 480)
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("%03d", i), big))
	}
	require.NoError(t, s.Validate())
	for i := 0; i < 200; i += 2 {
		_, err := s.Remove(fmt.Sprintf("%03d", i))
		require.NoError(t, err)
	}
	require.NoError(t, s.Validate())
	require.Equal(t, uint64(100), s.Len())
}

func TestLifecycleErrors(t *testing.T) {
	path := tempPath(t)
	s, err := Create(path, StringOptions(""))
	require.NoError(t, err)
	require.NoError(t, s.Put("a", "b"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Put("a", "b"), dberror.ErrClosed)
	_, _, err = s.Get("a")
	require.ErrorIs(t, err, dberror.ErrClosed)
	require.ErrorIs(t, s.Sync(), dberror.ErrClosed)
	require.Equal(t, uint64(0), s.Len())
	_, _, ok, err := s.Query(nil, nil).Next()
	require.ErrorIs(t, err, dberror.ErrClosed)
	require.False(t, ok)

	_, err = Create(path, StringOptions(""))
	require.ErrorIs(t, err, dberror.ErrIO)
	require.ErrorIs(t, err, os.ErrExist)

	_, err = Open(path, Options[string, string]{KeyCodec: codec.String{}, ValueCodec: codec.String{}})
	require.ErrorIs(t, err, btree.ErrNilKeyOrder)

	// Close persisted the last put.
	s, err = Open(path, StringOptions(""))
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", v)
}
