package btree

import (
	"fmt"

	"github.com/sushant-115/pagekv/core/dberror"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// Validate walks the whole tree and checks its structure: equal leaf depth,
// strictly ordered keys, no overflowing page, no non-root page under its
// floor, sane child links and a matching element count.
func (t *BTree[K, V]) Validate() error {
	v := validator[K, V]{tree: t, seen: make(map[pagemanager.PageID]bool), leafDepth: -1}
	root := t.pager.Root()
	if err := v.walk(root, 0, nil, nil); err != nil {
		return err
	}
	if v.count != t.pager.Len() {
		return fmt.Errorf("%w: tree holds %d entries, length says %d", dberror.ErrCorruption, v.count, t.pager.Len())
	}
	return nil
}

type validator[K any, V any] struct {
	tree      *BTree[K, V]
	seen      map[pagemanager.PageID]bool
	leafDepth int
	count     uint64
}

func (v *validator[K, V]) walk(id pagemanager.PageID, depth int, lo, hi *K) error {
	if id == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: invalid child link at depth %d", dberror.ErrCorruption, depth)
	}
	if v.seen[id] {
		return fmt.Errorf("%w: page %d reachable twice", dberror.ErrCorruption, id)
	}
	v.seen[id] = true

	p, err := v.tree.pager.Page(id)
	if err != nil {
		return err
	}
	isRoot := depth == 0
	switch {
	case p.IsFull():
		return fmt.Errorf("%w: page %d is over capacity", dberror.ErrCorruption, id)
	case !isRoot && p.IsHalf():
		return fmt.Errorf("%w: page %d is under its floor", dberror.ErrCorruption, id)
	case isRoot && !p.IsLeaf() && p.Size() == 0:
		return fmt.Errorf("%w: internal root %d is empty", dberror.ErrCorruption, id)
	}

	order := v.tree.order
	for i := 0; i < p.Size(); i++ {
		k := p.Key(i)
		if i > 0 && order(p.Key(i-1), k) >= 0 {
			return fmt.Errorf("%w: page %d keys %d and %d out of order", dberror.ErrCorruption, id, i-1, i)
		}
		if (lo != nil && order(k, *lo) <= 0) || (hi != nil && order(k, *hi) >= 0) {
			return fmt.Errorf("%w: page %d key %d outside parent bounds", dberror.ErrCorruption, id, i)
		}
	}
	v.count += uint64(p.Size())

	if p.IsLeaf() {
		if v.leafDepth == -1 {
			v.leafDepth = depth
		} else if v.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, expected %d", dberror.ErrCorruption, id, depth, v.leafDepth)
		}
		return nil
	}
	for i := 0; i <= p.Size(); i++ {
		clo, chi := lo, hi
		if i > 0 {
			k := p.Key(i - 1)
			clo = &k
		}
		if i < p.Size() {
			k := p.Key(i)
			chi = &k
		}
		if err := v.walk(p.Child(i), depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
