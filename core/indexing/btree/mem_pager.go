package btree

import (
	"fmt"
	"slices"

	"github.com/sushant-115/pagekv/core/dberror"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// MemPage is a degree-bounded in-memory page.
type MemPage[K any, V any] struct {
	id        pagemanager.PageID
	leaf      bool
	keys      []K
	values    []V
	children  []pagemanager.PageID
	maxDegree int
}

func (p *MemPage[K, V]) ID() pagemanager.PageID { return p.id }
func (p *MemPage[K, V]) IsLeaf() bool           { return p.leaf }
func (p *MemPage[K, V]) Size() int              { return len(p.keys) }
func (p *MemPage[K, V]) Key(i int) K            { return p.keys[i] }
func (p *MemPage[K, V]) Value(i int) V          { return p.values[i] }

func (p *MemPage[K, V]) Child(i int) pagemanager.PageID {
	if p.leaf {
		return pagemanager.InvalidPageID
	}
	return p.children[i]
}

func (p *MemPage[K, V]) Set(i int, k K, v V) {
	p.keys[i], p.values[i] = k, v
}

func (p *MemPage[K, V]) SetChild(i int, id pagemanager.PageID) {
	if !p.leaf {
		p.children[i] = id
	}
}

func (p *MemPage[K, V]) Insert(i int, k K, v V, right pagemanager.PageID) {
	p.keys = slices.Insert(p.keys, i, k)
	p.values = slices.Insert(p.values, i, v)
	if !p.leaf {
		p.children = slices.Insert(p.children, i+1, right)
	}
}

func (p *MemPage[K, V]) Delete(i int) {
	p.keys = slices.Delete(p.keys, i, i+1)
	p.values = slices.Delete(p.values, i, i+1)
	if !p.leaf {
		p.children = slices.Delete(p.children, i+1, i+2)
	}
}

func (p *MemPage[K, V]) Truncate(n int) {
	if n >= len(p.keys) {
		return
	}
	p.keys = slices.Delete(p.keys, n, len(p.keys))
	p.values = slices.Delete(p.values, n, len(p.values))
	if !p.leaf {
		p.children = p.children[:n+1]
	}
}

func (p *MemPage[K, V]) IsFull() bool    { return len(p.keys) > p.maxDegree }
func (p *MemPage[K, V]) IsHalf() bool    { return len(p.keys) < p.maxDegree/2 }
func (p *MemPage[K, V]) CanBorrow() bool { return len(p.keys) > p.maxDegree/2 }
func (p *MemPage[K, V]) SplitIndex() int { return len(p.keys) / 2 }

// MemPager keeps every page in a map. It is used to exercise the tree
// algorithm without a block device.
type MemPager[K any, V any] struct {
	pages     map[pagemanager.PageID]*MemPage[K, V]
	free      []pagemanager.PageID
	next      pagemanager.PageID
	root      pagemanager.PageID
	length    uint64
	maxDegree int
}

// NewMemPager returns a pager whose pages hold at most maxDegree entries.
func NewMemPager[K any, V any](maxDegree int) (*MemPager[K, V], error) {
	if maxDegree < 2 {
		return nil, fmt.Errorf("%w: max degree %d, need at least 2", dberror.ErrBounds, maxDegree)
	}
	return &MemPager[K, V]{
		pages:     make(map[pagemanager.PageID]*MemPage[K, V]),
		next:      1,
		maxDegree: maxDegree,
	}, nil
}

func (m *MemPager[K, V]) Root() pagemanager.PageID      { return m.root }
func (m *MemPager[K, V]) SetRoot(id pagemanager.PageID) { m.root = id }
func (m *MemPager[K, V]) Len() uint64                   { return m.length }
func (m *MemPager[K, V]) SetLen(n uint64)               { m.length = n }
func (m *MemPager[K, V]) CheckEntry(K, V) error         { return nil }

// Pages returns the number of live pages.
func (m *MemPager[K, V]) Pages() int { return len(m.pages) }

func (m *MemPager[K, V]) Page(id pagemanager.PageID) (Page[K, V], error) {
	p, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %d", dberror.ErrBounds, id)
	}
	return p, nil
}

func (m *MemPager[K, V]) Create(leaf bool) (Page[K, V], error) {
	var id pagemanager.PageID
	if n := len(m.free); n > 0 {
		id, m.free = m.free[n-1], m.free[:n-1]
	} else {
		id = m.next
		m.next++
	}
	p := &MemPage[K, V]{id: id, leaf: leaf, maxDegree: m.maxDegree}
	if !leaf {
		p.children = []pagemanager.PageID{pagemanager.InvalidPageID}
	}
	m.pages[id] = p
	return p, nil
}

func (m *MemPager[K, V]) Remove(id pagemanager.PageID) error {
	if _, ok := m.pages[id]; !ok {
		return fmt.Errorf("%w: page %d", dberror.ErrBounds, id)
	}
	delete(m.pages, id)
	m.free = append(m.free, id)
	return nil
}
