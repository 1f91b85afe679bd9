package btree

import (
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// Iterator walks entries in key order. It is invalidated by any mutation of
// the tree.
type Iterator[K any, V any] struct {
	tree  *BTree[K, V]
	stack []frame[K, V]
	from  *K
	to    *K
	done  bool
	err   error
	init  bool
}

// Query returns an iterator over [from, to]. A nil bound is open.
func (t *BTree[K, V]) Query(from, to *K) *Iterator[K, V] {
	return &Iterator[K, V]{tree: t, from: from, to: to}
}

// FailedIterator returns an iterator whose first Next reports err.
func FailedIterator[K any, V any](err error) *Iterator[K, V] {
	return &Iterator[K, V]{done: true, err: err}
}

// Next returns the next entry. ok is false once the range is exhausted or an
// error occurred.
func (it *Iterator[K, V]) Next() (key K, value V, ok bool, err error) {
	if it.done {
		return key, value, false, it.err
	}
	if !it.init {
		it.init = true
		if err := it.seek(); err != nil {
			return it.fail(err)
		}
	}

	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.idx >= top.page.Size() {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		p, i := top.page, top.idx
		top.idx++
		key, value = p.Key(i), p.Value(i)
		if it.to != nil && it.tree.order(key, *it.to) > 0 {
			it.Close()
			var (
				zk K
				zv V
			)
			return zk, zv, false, nil
		}
		if !p.IsLeaf() {
			if err := it.pushLeftmost(p.Child(i + 1)); err != nil {
				return it.fail(err)
			}
		}
		return key, value, true, nil
	}
	it.Close()
	return key, value, false, nil
}

// Close releases the iterator. Further calls to Next report exhaustion.
func (it *Iterator[K, V]) Close() {
	it.done = true
	it.stack = nil
}

// seek positions the stack on the first entry >= from.
func (it *Iterator[K, V]) seek() error {
	t := it.tree
	if it.from == nil {
		return it.pushLeftmost(t.pager.Root())
	}
	id := t.pager.Root()
	for {
		p, err := t.pager.Page(id)
		if err != nil {
			return err
		}
		i, found := t.search(p, *it.from)
		it.stack = append(it.stack, frame[K, V]{page: p, idx: i})
		if p.IsLeaf() || found {
			return nil
		}
		id = p.Child(i)
	}
}

func (it *Iterator[K, V]) pushLeftmost(id pagemanager.PageID) error {
	for {
		p, err := it.tree.pager.Page(id)
		if err != nil {
			return err
		}
		it.stack = append(it.stack, frame[K, V]{page: p})
		if p.IsLeaf() {
			return nil
		}
		id = p.Child(0)
	}
}

func (it *Iterator[K, V]) fail(err error) (K, V, bool, error) {
	it.err = err
	it.Close()
	var (
		zk K
		zv V
	)
	return zk, zv, false, err
}
