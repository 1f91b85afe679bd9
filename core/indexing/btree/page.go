package btree

import (
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// Page is the node contract the tree operates on. Implementations decide
// what "full", "half" and "can borrow" mean; the tree only asks.
//
// Internal pages with Size() == n have n+1 children indexed 0..n. Entry i
// separates child i (smaller keys) from child i+1 (larger keys).
//
// Indexes are not checked: an entry or child index outside those ranges is a
// caller bug and panics. Bounds errors are reported at the Pager level, for
// page ids.
type Page[K any, V any] interface {
	ID() pagemanager.PageID
	IsLeaf() bool
	Size() int
	Key(i int) K
	Value(i int) V
	Child(i int) pagemanager.PageID

	// Set replaces entry i.
	Set(i int, k K, v V)
	// SetChild replaces child i of an internal page.
	SetChild(i int, id pagemanager.PageID)
	// Insert inserts an entry at i; on internal pages right becomes child i+1.
	Insert(i int, k K, v V, right pagemanager.PageID)
	// Delete removes entry i and, on internal pages, child i+1.
	Delete(i int)
	// Truncate keeps entries [0, n) and, on internal pages, children [0, n].
	Truncate(n int)

	IsFull() bool
	IsHalf() bool
	CanBorrow() bool
	// SplitIndex returns the entry promoted on split, in [1, Size()-2].
	SplitIndex() int
}

// Pager owns page identity and lifetime.
type Pager[K any, V any] interface {
	Root() pagemanager.PageID
	SetRoot(id pagemanager.PageID)
	// Len is the element count persisted alongside the root.
	Len() uint64
	SetLen(n uint64)

	Page(id pagemanager.PageID) (Page[K, V], error)
	Create(leaf bool) (Page[K, V], error)
	Remove(id pagemanager.PageID) error

	// CheckEntry rejects entries that can never fit a page.
	CheckEntry(k K, v V) error
}
