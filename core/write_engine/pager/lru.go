package pager

// --- LRU ---

const nilNode int32 = -1

type lruNode[K comparable, V any] struct {
	key        K
	value      V
	prev, next int32
}

// LRU is a bounded least-recently-used map. Nodes live in one slice and are
// linked by index; removed nodes are chained into a free list and reused.
type LRU[K comparable, V any] struct {
	nodes    []lruNode[K, V]
	index    map[K]int32
	head     int32 // most recently used
	tail     int32 // least recently used
	free     int32
	capacity int
}

// NewLRU returns an empty cache holding up to capacity entries.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		nodes:    make([]lruNode[K, V], 0, capacity),
		index:    make(map[K]int32, capacity),
		head:     nilNode,
		tail:     nilNode,
		free:     nilNode,
		capacity: capacity,
	}
}

// Len returns the number of cached entries.
func (l *LRU[K, V]) Len() int { return len(l.index) }

// Capacity returns the configured bound.
func (l *LRU[K, V]) Capacity() int { return l.capacity }

// Get returns the value for k and marks it most recently used.
func (l *LRU[K, V]) Get(k K) (V, bool) {
	i, ok := l.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	l.unlink(i)
	l.pushFront(i)
	return l.nodes[i].value, true
}

// Peek returns the value for k without touching recency.
func (l *LRU[K, V]) Peek(k K) (V, bool) {
	i, ok := l.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return l.nodes[i].value, true
}

// Put inserts or replaces k. When the cache is at capacity the least recently
// used entry accepted by canEvict (all entries when canEvict is nil) is
// removed and returned. If no entry may be evicted the cache grows past its
// bound.
func (l *LRU[K, V]) Put(k K, v V, canEvict func(V) bool) (K, V, bool) {
	var (
		evictedKey K
		evictedVal V
		evicted    bool
	)
	if i, ok := l.index[k]; ok {
		l.nodes[i].value = v
		l.unlink(i)
		l.pushFront(i)
		return evictedKey, evictedVal, false
	}

	if len(l.index) >= l.capacity {
		for i := l.tail; i != nilNode; i = l.nodes[i].prev {
			if canEvict == nil || canEvict(l.nodes[i].value) {
				evictedKey, evictedVal, evicted = l.nodes[i].key, l.nodes[i].value, true
				l.release(i)
				break
			}
		}
	}

	i := l.alloc()
	l.nodes[i].key = k
	l.nodes[i].value = v
	l.index[k] = i
	l.pushFront(i)
	return evictedKey, evictedVal, evicted
}

// Remove deletes k and returns its value.
func (l *LRU[K, V]) Remove(k K) (V, bool) {
	i, ok := l.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	v := l.nodes[i].value
	l.release(i)
	return v, true
}

// Range calls fn from most to least recently used until fn returns false.
func (l *LRU[K, V]) Range(fn func(K, V) bool) {
	for i := l.head; i != nilNode; i = l.nodes[i].next {
		if !fn(l.nodes[i].key, l.nodes[i].value) {
			return
		}
	}
}

func (l *LRU[K, V]) alloc() int32 {
	if l.free != nilNode {
		i := l.free
		l.free = l.nodes[i].next
		return i
	}
	l.nodes = append(l.nodes, lruNode[K, V]{})
	return int32(len(l.nodes) - 1)
}

// release unlinks node i, drops it from the index and pushes it on the free chain.
func (l *LRU[K, V]) release(i int32) {
	l.unlink(i)
	delete(l.index, l.nodes[i].key)
	l.nodes[i] = lruNode[K, V]{prev: nilNode, next: l.free}
	l.free = i
}

func (l *LRU[K, V]) unlink(i int32) {
	n := &l.nodes[i]
	if n.prev != nilNode {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nilNode {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nilNode, nilNode
}

func (l *LRU[K, V]) pushFront(i int32) {
	n := &l.nodes[i]
	n.prev = nilNode
	n.next = l.head
	if l.head != nilNode {
		l.nodes[l.head].prev = i
	}
	l.head = i
	if l.tail == nilNode {
		l.tail = i
	}
}
