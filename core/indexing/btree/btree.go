// Package btree implements an ordered map over an abstract page store.
//
// Values live in internal pages as well as leaves. All structural work goes
// through a Pager; the tree never sees bytes, caching or encryption.
package btree

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"

	"github.com/sushant-115/pagekv/core/dberror"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// ErrNilKeyOrder is returned by New when no order is given.
var ErrNilKeyOrder = errors.New("keyOrder function must be provided")

// Order compares two keys: negative, zero or positive.
type Order[K any] func(a, b K) int

// DefaultKeyOrder orders keys with their natural ordering.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// BytesOrder orders byte slices lexicographically.
func BytesOrder(a, b []byte) int {
	return bytes.Compare(a, b)
}

// BTree is a generic ordered map. It is not safe for concurrent use.
type BTree[K any, V any] struct {
	pager  Pager[K, V]
	order  Order[K]
	logger *zap.Logger
}

// frame is one step of a root-to-page path. For a page on the path idx is
// the child taken; for the last page it is the entry position.
type frame[K any, V any] struct {
	page Page[K, V]
	idx  int
}

// New binds a tree to pager, creating an empty root leaf if the pager has none.
func New[K any, V any](pager Pager[K, V], order Order[K], logger *zap.Logger) (*BTree[K, V], error) {
	if order == nil {
		return nil, ErrNilKeyOrder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BTree[K, V]{pager: pager, order: order, logger: logger.Named("btree")}
	if pager.Root() == pagemanager.InvalidPageID {
		root, err := pager.Create(true)
		if err != nil {
			return nil, fmt.Errorf("creating root: %w", err)
		}
		pager.SetRoot(root.ID())
		t.logger.Debug("Created root leaf", zap.Uint32("page", uint32(root.ID())))
	}
	return t, nil
}

// Len returns the number of stored entries.
func (t *BTree[K, V]) Len() uint64 { return t.pager.Len() }

// Get returns the value stored under key.
func (t *BTree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	stack, found, err := t.descend(key, true)
	if err != nil || !found {
		return zero, false, err
	}
	top := stack[len(stack)-1]
	return top.page.Value(top.idx), true, nil
}

// Exists reports whether key is stored.
func (t *BTree[K, V]) Exists(key K) (bool, error) {
	_, found, err := t.Get(key)
	return found, err
}

// Put inserts key or replaces its value.
func (t *BTree[K, V]) Put(key K, value V) error {
	if err := t.pager.CheckEntry(key, value); err != nil {
		return err
	}
	stack, found, err := t.descend(key, true)
	if err != nil {
		return err
	}
	top := stack[len(stack)-1]
	if !found {
		top.page.Insert(top.idx, key, value, pagemanager.InvalidPageID)
		t.pager.SetLen(t.pager.Len() + 1)
		return t.split(stack)
	}
	// A replaced value may grow or shrink the page holding it, which can be
	// internal. The stack ends at that page either way.
	top.page.Set(top.idx, key, value)
	switch {
	case top.page.IsFull():
		return t.split(stack)
	case top.page.IsHalf():
		return t.rebalance(stack)
	}
	return nil
}

// Remove deletes key and reports whether it was present.
func (t *BTree[K, V]) Remove(key K) (bool, error) {
	stack, found, err := t.descend(key, true)
	if err != nil || !found {
		return false, err
	}

	top := stack[len(stack)-1]
	if !top.page.IsLeaf() {
		// Replace with the in-order predecessor, then delete that from its leaf.
		pk, pv, err := t.maxOf(top.page.Child(top.idx))
		if err != nil {
			return false, err
		}
		top.page.Set(top.idx, pk, pv)
		if err := t.split(stack); err != nil {
			return false, err
		}
		if stack, found, err = t.descend(pk, false); err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: predecessor of removed key vanished", dberror.ErrCorruption)
		}
		top = stack[len(stack)-1]
	}
	top.page.Delete(top.idx)
	t.pager.SetLen(t.pager.Len() - 1)

	if err := t.rebalance(stack); err != nil {
		return true, err
	}
	return true, nil
}

// Height returns the number of levels, 1 for a lone root leaf.
func (t *BTree[K, V]) Height() (int, error) {
	h := 0
	for id := t.pager.Root(); ; h++ {
		p, err := t.pager.Page(id)
		if err != nil {
			return 0, err
		}
		if p.IsLeaf() {
			return h + 1, nil
		}
		id = p.Child(0)
	}
}

// search returns the first index whose key is >= key, and whether it matches.
func (t *BTree[K, V]) search(p Page[K, V], key K) (int, bool) {
	lo, hi := 0, p.Size()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.order(p.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < p.Size() && t.order(p.Key(lo), key) == 0
}

// descend walks from the root towards key. With stopOnMatch it stops at the
// first page holding key; otherwise it always ends at a leaf, going left on
// internal matches.
func (t *BTree[K, V]) descend(key K, stopOnMatch bool) ([]frame[K, V], bool, error) {
	var stack []frame[K, V]
	id := t.pager.Root()
	for {
		p, err := t.pager.Page(id)
		if err != nil {
			return nil, false, err
		}
		i, found := t.search(p, key)
		stack = append(stack, frame[K, V]{page: p, idx: i})
		if p.IsLeaf() || (found && stopOnMatch) {
			return stack, found, nil
		}
		id = p.Child(i)
	}
}

// maxOf returns the largest entry in the subtree rooted at id.
func (t *BTree[K, V]) maxOf(id pagemanager.PageID) (K, V, error) {
	for {
		p, err := t.pager.Page(id)
		if err != nil {
			var (
				zk K
				zv V
			)
			return zk, zv, err
		}
		if p.IsLeaf() {
			n := p.Size() - 1
			if n < 0 {
				var (
					zk K
					zv V
				)
				return zk, zv, fmt.Errorf("%w: empty non-root leaf %d", dberror.ErrCorruption, p.ID())
			}
			return p.Key(n), p.Value(n), nil
		}
		id = p.Child(p.Size())
	}
}

// split splits overflowing pages bottom-up along stack, growing a new root
// when the old one splits.
func (t *BTree[K, V]) split(stack []frame[K, V]) error {
	for i := len(stack) - 1; i >= 0; i-- {
		cur := stack[i].page
		if !cur.IsFull() {
			return nil
		}

		m := cur.SplitIndex()
		right, err := t.pager.Create(cur.IsLeaf())
		if err != nil {
			return fmt.Errorf("splitting page %d: %w", cur.ID(), err)
		}
		sepKey, sepValue := cur.Key(m), cur.Value(m)
		right.SetChild(0, cur.Child(m+1))
		for j := m + 1; j < cur.Size(); j++ {
			right.Insert(right.Size(), cur.Key(j), cur.Value(j), cur.Child(j+1))
		}
		cur.Truncate(m)

		if i > 0 {
			parent := stack[i-1]
			parent.page.Insert(parent.idx, sepKey, sepValue, right.ID())
			continue
		}
		if err := t.grow(cur, right, sepKey, sepValue); err != nil {
			return err
		}
	}
	return nil
}

// grow puts a new root above left and right.
func (t *BTree[K, V]) grow(left, right Page[K, V], k K, v V) error {
	root, err := t.pager.Create(false)
	if err != nil {
		return fmt.Errorf("growing root: %w", err)
	}
	root.SetChild(0, left.ID())
	root.Insert(0, k, v, right.ID())
	t.pager.SetRoot(root.ID())
	t.logger.Debug("Grew root", zap.Uint32("page", uint32(root.ID())))
	return nil
}

// rebalance restores the floor of every page on stack, bottom-up, by
// rotating entries from a sibling or merging with one.
func (t *BTree[K, V]) rebalance(stack []frame[K, V]) error {
	for len(stack) > 1 {
		cur := stack[len(stack)-1].page
		if !cur.IsHalf() {
			stack = stack[:len(stack)-1]
			continue
		}

		pf := stack[len(stack)-2]
		parent, i := pf.page, pf.idx
		var left, right Page[K, V]
		var err error
		if i > 0 {
			if left, err = t.pager.Page(parent.Child(i - 1)); err != nil {
				return err
			}
		}
		if i < parent.Size() {
			if right, err = t.pager.Page(parent.Child(i + 1)); err != nil {
				return err
			}
		}

		switch {
		case left != nil && left.CanBorrow():
			rotateRight(parent, i, left, cur)
		case right != nil && right.CanBorrow():
			rotateLeft(parent, i, cur, right)
		case left != nil:
			if err := t.merge(parent, i-1, left, cur); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			continue
		case right != nil:
			if err := t.merge(parent, i, cur, right); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			continue
		default:
			return fmt.Errorf("%w: page %d has no siblings", dberror.ErrCorruption, cur.ID())
		}

		// A rotated separator may be larger than the one it replaced.
		if parent.IsFull() {
			if err := t.split(stack[:len(stack)-1]); err != nil {
				return err
			}
			if stack, _, err = t.descend(cur.Key(0), true); err != nil {
				return err
			}
		}
	}
	return t.shrink()
}

// rotateRight moves the last entry of left up into parent and the separator
// down into the front of cur, which is child i of parent.
func rotateRight[K any, V any](parent Page[K, V], i int, left, cur Page[K, V]) {
	n := left.Size()
	cur.Insert(0, parent.Key(i-1), parent.Value(i-1), cur.Child(0))
	cur.SetChild(0, left.Child(n))
	parent.Set(i-1, left.Key(n-1), left.Value(n-1))
	left.Delete(n - 1)
}

// rotateLeft moves the first entry of right up into parent and the separator
// down onto the end of cur, which is child i of parent.
func rotateLeft[K any, V any](parent Page[K, V], i int, cur, right Page[K, V]) {
	cur.Insert(cur.Size(), parent.Key(i), parent.Value(i), right.Child(0))
	parent.Set(i, right.Key(0), right.Value(0))
	right.SetChild(0, right.Child(1))
	right.Delete(0)
}

// merge folds separator sep of parent and all of right into left, then
// releases right.
func (t *BTree[K, V]) merge(parent Page[K, V], sep int, left, right Page[K, V]) error {
	left.Insert(left.Size(), parent.Key(sep), parent.Value(sep), right.Child(0))
	for j := 0; j < right.Size(); j++ {
		left.Insert(left.Size(), right.Key(j), right.Value(j), right.Child(j+1))
	}
	parent.Delete(sep)
	if err := t.pager.Remove(right.ID()); err != nil {
		return fmt.Errorf("merging page %d into %d: %w", right.ID(), left.ID(), err)
	}
	return nil
}

// shrink drops empty internal roots.
func (t *BTree[K, V]) shrink() error {
	for {
		root, err := t.pager.Page(t.pager.Root())
		if err != nil {
			return err
		}
		if root.IsLeaf() || root.Size() > 0 {
			return nil
		}
		t.pager.SetRoot(root.Child(0))
		if err := t.pager.Remove(root.ID()); err != nil {
			return fmt.Errorf("shrinking root %d: %w", root.ID(), err)
		}
		t.logger.Debug("Shrank root", zap.Uint32("page", uint32(t.pager.Root())))
	}
}
