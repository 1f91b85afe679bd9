package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/storage_engine/blockstorage"
	"github.com/sushant-115/pagekv/pkg/codec"
)

// --- Slotted Page ---

// PageID identifies a page. It is the id of the block holding the page.
type PageID uint32

// InvalidPageID is never allocated; it marks "no page".
const InvalidPageID PageID = 0

// Physical layout of a page inside one block payload:
//
//	[0:4]   crc32 (IEEE) over [4:BlockSize]
//	[4]     flags
//	[5]     reserved
//	[6:8]   size
//	[8:10]  free-space pointer
//	[10:12] used data bytes
//	[12:16] next free page id
//	[16:20] rightmost child id
//	[20:..] slot directory: keyOff u16, valOff u16 [, left child u32]
//	[..:BlockSize] key/value data, growing down from the end
const (
	HeaderSize = 20
	// Capacity is the number of bytes shared by the slot directory and the
	// data region.
	Capacity = blockstorage.BlockSize - HeaderSize
	// MaxEntrySize bounds the encoded key + value + slot of a single entry.
	MaxEntrySize = Capacity / 8

	leafSlotWidth     = 4
	internalSlotWidth = 8

	flagLeaf    byte = 1 << 0
	flagDeleted byte = 1 << 1
)

// BlockReader reads a block payload.
type BlockReader interface {
	Read(id uint32, buf []byte) error
}

// BlockWriter writes a block payload.
type BlockWriter interface {
	Write(id uint32, buf []byte) error
}

// slot locates an entry's encoded key and value. Negative offsets refer to
// the overflow map.
type slot struct {
	keyOff, valOff int
	keyLen, valLen int
}

// Page is one B-tree node laid out as a slotted page.
//
// Decoded keys and values are mirrored in memory; the encoded bytes are the
// source of truth and are what Save writes back.
type Page[K any, V any] struct {
	id       PageID
	leaf     bool
	deleted  bool
	nextFree PageID

	slots    []slot
	keys     []K
	values   []V
	children []PageID // len(slots)+1 for internal pages, nil for leaves

	buf          [blockstorage.BlockSize]byte
	freePtr      int
	used         int
	overflow     map[int][]byte
	nextOverflow int

	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]

	dirty   bool
	onDirty func(*Page[K, V])
}

// New returns an empty, dirty page.
func New[K any, V any](id PageID, leaf bool, kc codec.Codec[K], vc codec.Codec[V]) *Page[K, V] {
	p := &Page[K, V]{
		id:         id,
		keyCodec:   kc,
		valueCodec: vc,
		dirty:      true,
	}
	p.reset(leaf)
	return p
}

// Open loads page id through r and decodes it.
func Open[K any, V any](r BlockReader, id PageID, kc codec.Codec[K], vc codec.Codec[V]) (*Page[K, V], error) {
	p := &Page[K, V]{id: id, keyCodec: kc, valueCodec: vc}
	if err := r.Read(uint32(id), p.buf[:]); err != nil {
		return nil, err
	}
	if err := p.decode(); err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", dberror.ErrCorruption, id, err)
	}
	return p, nil
}

// CheckEntry reports whether a key/value pair is small enough for any page.
func CheckEntry[K any, V any](kc codec.Codec[K], vc codec.Codec[V], k K, v V) error {
	if cost := kc.SizeOf(k) + vc.SizeOf(v) + internalSlotWidth; cost > MaxEntrySize {
		return fmt.Errorf("%w: entry of %d bytes exceeds %d", dberror.ErrCapacity, cost, MaxEntrySize)
	}
	return nil
}

func (p *Page[K, V]) decode() error {
	b := p.buf[:]
	if got, want := binary.LittleEndian.Uint32(b[0:4]), crc32.ChecksumIEEE(b[4:]); got != want {
		return fmt.Errorf("checksum mismatch (stored %08x, computed %08x)", got, want)
	}
	flags := b[4]
	p.leaf = flags&flagLeaf != 0
	p.deleted = flags&flagDeleted != 0
	size := int(binary.LittleEndian.Uint16(b[6:8]))
	p.freePtr = int(binary.LittleEndian.Uint16(b[8:10]))
	p.used = int(binary.LittleEndian.Uint16(b[10:12]))
	p.nextFree = PageID(binary.LittleEndian.Uint32(b[12:16]))

	width := p.slotWidth()
	dirEnd := HeaderSize + size*width
	if dirEnd > len(b) || p.freePtr < dirEnd || p.freePtr > len(b) {
		return fmt.Errorf("free pointer %d outside [%d, %d]", p.freePtr, dirEnd, len(b))
	}
	if p.used > len(b)-p.freePtr {
		return fmt.Errorf("used bytes %d exceed data region", p.used)
	}

	p.slots = make([]slot, size)
	p.keys = make([]K, size)
	p.values = make([]V, size)
	if !p.leaf {
		p.children = make([]PageID, size+1)
		p.children[size] = PageID(binary.LittleEndian.Uint32(b[16:20]))
	}
	live := 0
	for i := 0; i < size; i++ {
		d := b[HeaderSize+i*width:]
		s := &p.slots[i]
		s.keyOff = int(binary.LittleEndian.Uint16(d[0:2]))
		s.valOff = int(binary.LittleEndian.Uint16(d[2:4]))
		if !p.leaf {
			p.children[i] = PageID(binary.LittleEndian.Uint32(d[4:8]))
		}

		var err error
		if p.keys[i], s.keyLen, err = decodeAt(p.buf[:], s.keyOff, p.freePtr, p.keyCodec); err != nil {
			return fmt.Errorf("slot %d key: %v", i, err)
		}
		if p.values[i], s.valLen, err = decodeAt(p.buf[:], s.valOff, p.freePtr, p.valueCodec); err != nil {
			return fmt.Errorf("slot %d value: %v", i, err)
		}
		live += s.keyLen + s.valLen
	}
	if live != p.used {
		return fmt.Errorf("used bytes %d, slots reference %d", p.used, live)
	}
	return nil
}

// decodeAt decodes the value stored at off, which must lie in [lo, len(buf)).
func decodeAt[T any](buf []byte, off, lo int, c codec.Codec[T]) (T, int, error) {
	var zero T
	if off < lo || off >= len(buf) {
		return zero, 0, fmt.Errorf("offset %d outside data region", off)
	}
	n, err := c.SizeOfEncoded(buf[off:])
	if err != nil {
		return zero, 0, err
	}
	v, err := c.Read(buf[off : off+n])
	return v, n, err
}

// --- Accessors ---

func (p *Page[K, V]) ID() PageID       { return p.id }
func (p *Page[K, V]) IsLeaf() bool     { return p.leaf }
func (p *Page[K, V]) IsDeleted() bool  { return p.deleted }
func (p *Page[K, V]) Size() int        { return len(p.slots) }
func (p *Page[K, V]) Key(i int) K      { return p.keys[i] }
func (p *Page[K, V]) Value(i int) V    { return p.values[i] }
func (p *Page[K, V]) NextFree() PageID { return p.nextFree }
func (p *Page[K, V]) Dirty() bool      { return p.dirty }

// Child returns child i of an internal page, 0 <= i <= Size(). Leaves have
// no children.
func (p *Page[K, V]) Child(i int) PageID {
	if p.leaf {
		return InvalidPageID
	}
	return p.children[i]
}

// Occupancy is the number of bytes the page needs in the block body.
func (p *Page[K, V]) Occupancy() int {
	return p.used + len(p.slots)*p.slotWidth()
}

// IsFull reports whether the page must be split before it can be saved.
func (p *Page[K, V]) IsFull() bool { return p.Occupancy() > Capacity }

// IsHalf reports whether the page is under its floor.
func (p *Page[K, V]) IsHalf() bool { return p.Occupancy() < Capacity/4 }

// CanBorrow reports whether the page can give an entry to a sibling and
// stay above its floor.
func (p *Page[K, V]) CanBorrow() bool {
	return p.Occupancy() > Capacity/2 && len(p.slots) > 2
}

// SplitIndex returns the entry to promote when splitting: the first entry
// whose bytes cross half of the occupancy.
func (p *Page[K, V]) SplitIndex() int {
	size := len(p.slots)
	half := p.Occupancy() / 2
	m, cum := size/2, 0
	for i := range p.slots {
		c := p.cost(i)
		if cum+c > half {
			m = i
			break
		}
		cum += c
	}
	return max(1, min(m, size-2))
}

func (p *Page[K, V]) cost(i int) int {
	return p.slots[i].keyLen + p.slots[i].valLen + p.slotWidth()
}

func (p *Page[K, V]) slotWidth() int {
	if p.leaf {
		return leafSlotWidth
	}
	return internalSlotWidth
}

// --- Mutators ---

// SetOnDirty installs a hook fired when a clean page is first modified.
func (p *Page[K, V]) SetOnDirty(fn func(*Page[K, V])) { p.onDirty = fn }

// MarkClean records that the page content is durable.
func (p *Page[K, V]) MarkClean() { p.dirty = false }

func (p *Page[K, V]) markDirty() {
	if p.dirty {
		return
	}
	p.dirty = true
	if p.onDirty != nil {
		p.onDirty(p)
	}
}

// Set replaces entry i.
func (p *Page[K, V]) Set(i int, k K, v V) {
	p.markDirty()
	s := &p.slots[i]
	p.release(s.keyOff, s.keyLen)
	p.release(s.valOff, s.valLen)
	p.store(i, k, v)
}

// Insert inserts an entry at i. On internal pages right becomes child i+1.
func (p *Page[K, V]) Insert(i int, k K, v V, right PageID) {
	p.markDirty()
	var zk K
	var zv V
	p.slots = slices.Insert(p.slots, i, slot{})
	p.keys = slices.Insert(p.keys, i, zk)
	p.values = slices.Insert(p.values, i, zv)
	if !p.leaf {
		p.children = slices.Insert(p.children, i+1, right)
	}
	p.store(i, k, v)
}

// Delete removes entry i and, on internal pages, child i+1.
func (p *Page[K, V]) Delete(i int) {
	p.markDirty()
	s := p.slots[i]
	p.release(s.keyOff, s.keyLen)
	p.release(s.valOff, s.valLen)
	p.slots = slices.Delete(p.slots, i, i+1)
	p.keys = slices.Delete(p.keys, i, i+1)
	p.values = slices.Delete(p.values, i, i+1)
	if !p.leaf {
		p.children = slices.Delete(p.children, i+1, i+2)
	}
}

// Truncate keeps the first n entries and, on internal pages, n+1 children.
func (p *Page[K, V]) Truncate(n int) {
	if n >= len(p.slots) {
		return
	}
	p.markDirty()
	for _, s := range p.slots[n:] {
		p.release(s.keyOff, s.keyLen)
		p.release(s.valOff, s.valLen)
	}
	p.slots = p.slots[:n]
	p.keys = slices.Delete(p.keys, n, len(p.keys))
	p.values = slices.Delete(p.values, n, len(p.values))
	if !p.leaf {
		p.children = p.children[:n+1]
	}
}

// SetChild sets child i of an internal page.
func (p *Page[K, V]) SetChild(i int, id PageID) {
	if p.leaf {
		return
	}
	p.markDirty()
	p.children[i] = id
}

// SetNextFree links a tombstoned page into the free list.
func (p *Page[K, V]) SetNextFree(id PageID) {
	p.markDirty()
	p.nextFree = id
}

// SetDeleted tombstones the page, dropping all entries. The free-list link
// is kept.
func (p *Page[K, V]) SetDeleted(deleted bool) {
	p.markDirty()
	if deleted {
		p.reset(true)
	}
	p.deleted = deleted
}

// Reset revives a tombstoned page as an empty page.
func (p *Page[K, V]) Reset(leaf bool) {
	p.markDirty()
	p.reset(leaf)
	p.nextFree = InvalidPageID
}

func (p *Page[K, V]) reset(leaf bool) {
	p.leaf = leaf
	p.deleted = false
	p.slots = nil
	p.keys = nil
	p.values = nil
	p.children = nil
	if !leaf {
		p.children = []PageID{InvalidPageID}
	}
	p.freePtr = len(p.buf)
	p.used = 0
	p.overflow = nil
	p.nextOverflow = 0
}

// store encodes k and v into slot i and refreshes the decoded mirror.
func (p *Page[K, V]) store(i int, k K, v V) {
	kb := make([]byte, p.keyCodec.SizeOf(k))
	kb = kb[:p.keyCodec.Write(kb, k)]
	vb := make([]byte, p.valueCodec.SizeOf(v))
	vb = vb[:p.valueCodec.Write(vb, v)]

	s := &p.slots[i]
	s.keyOff, s.keyLen = p.place(kb), len(kb)
	s.valOff, s.valLen = p.place(vb), len(vb)

	if dk, err := p.keyCodec.Read(kb); err == nil {
		k = dk
	}
	if dv, err := p.valueCodec.Read(vb); err == nil {
		v = dv
	}
	p.keys[i] = k
	p.values[i] = v
}

// place appends enc to the data region, or to the overflow map when the
// contiguous gap above the directory is too small.
func (p *Page[K, V]) place(enc []byte) int {
	p.used += len(enc)
	dirEnd := HeaderSize + len(p.slots)*p.slotWidth()
	if p.freePtr-len(enc) >= dirEnd {
		p.freePtr -= len(enc)
		copy(p.buf[p.freePtr:], enc)
		return p.freePtr
	}
	if p.overflow == nil {
		p.overflow = make(map[int][]byte)
	}
	p.nextOverflow--
	p.overflow[p.nextOverflow] = enc
	return p.nextOverflow
}

// release drops bytes that are no longer referenced. In-block bytes become
// slack until the next Defragment.
func (p *Page[K, V]) release(off, n int) {
	p.used -= n
	if off < 0 {
		delete(p.overflow, off)
	}
}

func (p *Page[K, V]) bytesAt(off, n int) []byte {
	if off < 0 {
		return p.overflow[off]
	}
	return p.buf[off : off+n]
}

// Overflowed reports whether some entries live outside the block image.
func (p *Page[K, V]) Overflowed() bool { return len(p.overflow) > 0 }

// Defragment rewrites live bytes contiguously at the end of the block and
// empties the overflow map.
func (p *Page[K, V]) Defragment() error {
	if p.Occupancy() > Capacity {
		return fmt.Errorf("%w: page %d needs %d bytes, capacity %d", dberror.ErrCapacity, p.id, p.Occupancy(), Capacity)
	}
	var img [blockstorage.BlockSize]byte
	ptr := len(img)
	for i := range p.slots {
		s := &p.slots[i]
		ptr -= s.keyLen
		copy(img[ptr:], p.bytesAt(s.keyOff, s.keyLen))
		s.keyOff = ptr
		ptr -= s.valLen
		copy(img[ptr:], p.bytesAt(s.valOff, s.valLen))
		s.valOff = ptr
	}
	copy(p.buf[ptr:], img[ptr:])
	p.freePtr = ptr
	p.used = len(img) - ptr
	p.overflow = nil
	p.nextOverflow = 0
	return nil
}

// Save encodes the page and writes it through w. The page stays dirty; the
// caller marks it clean once the write is durable.
func (p *Page[K, V]) Save(w BlockWriter) error {
	width := p.slotWidth()
	dirEnd := HeaderSize + len(p.slots)*width
	if p.Overflowed() || p.freePtr < dirEnd {
		if err := p.Defragment(); err != nil {
			return err
		}
	}

	b := p.buf[:]
	var flags byte
	if p.leaf {
		flags |= flagLeaf
	}
	if p.deleted {
		flags |= flagDeleted
	}
	b[4], b[5] = flags, 0
	binary.LittleEndian.PutUint16(b[6:8], uint16(len(p.slots)))
	binary.LittleEndian.PutUint16(b[8:10], uint16(p.freePtr))
	binary.LittleEndian.PutUint16(b[10:12], uint16(p.used))
	binary.LittleEndian.PutUint32(b[12:16], uint32(p.nextFree))
	rightmost := InvalidPageID
	if !p.leaf {
		rightmost = p.children[len(p.slots)]
	}
	binary.LittleEndian.PutUint32(b[16:20], uint32(rightmost))

	for i, s := range p.slots {
		d := b[HeaderSize+i*width:]
		binary.LittleEndian.PutUint16(d[0:2], uint16(s.keyOff))
		binary.LittleEndian.PutUint16(d[2:4], uint16(s.valOff))
		if !p.leaf {
			binary.LittleEndian.PutUint32(d[4:8], uint32(p.children[i]))
		}
	}
	clear(b[dirEnd:p.freePtr])
	binary.LittleEndian.PutUint32(b[0:4], crc32.ChecksumIEEE(b[4:]))

	return w.Write(uint32(p.id), b)
}
