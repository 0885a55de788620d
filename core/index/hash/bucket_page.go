package hash

import (
	"github.com/arvindks/gojodb/core/storage/page"
)

// computeBucketCapacity returns the largest slot count such that
// cap*entrySize + 2*ceil(cap/8) (two bitmaps) fits within pageSize bytes.
func computeBucketCapacity(pageSize, entrySize int) int {
	cap := 0
	for {
		next := cap + 1
		bitmapBytes := 2 * ((next + 7) / 8)
		if next*entrySize+bitmapBytes > pageSize {
			break
		}
		cap = next
	}
	return cap
}

// BucketPage is a thin, unlatched view over a page.Page's payload holding
// up to capacity (key, value) slots plus two per-slot bitmaps: occupied
// (has this slot ever been written) and readable (does it currently hold a
// live entry). Remove clears only the readable bit, leaving a tombstone
// that Insert may reuse; occupied is never cleared, matching the original
// bucket page's scan-to-first-non-occupied-or-tombstone behavior.
type BucketPage[K comparable, V comparable] struct {
	pg         *page.Page
	capacity   int
	keyCodec   Codec[K]
	valueCodec Codec[V]
	entrySize  int
	occOffset  int
	readOffset int
	dataOffset int
	bitmapLen  int
}

// LoadBucketPage wraps pg as a BucketPage view sized for capacity slots.
// capacity must match the value the page was created with.
func LoadBucketPage[K comparable, V comparable](pg *page.Page, capacity int, keyCodec Codec[K], valueCodec Codec[V]) *BucketPage[K, V] {
	entrySize := keyCodec.Size() + valueCodec.Size()
	bitmapLen := (capacity + 7) / 8
	return &BucketPage[K, V]{
		pg:         pg,
		capacity:   capacity,
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
		entrySize:  entrySize,
		occOffset:  0,
		readOffset: bitmapLen,
		dataOffset: 2 * bitmapLen,
		bitmapLen:  bitmapLen,
	}
}

// InitBucketPage zeroes pg and wraps it as an empty BucketPage.
func InitBucketPage[K comparable, V comparable](pg *page.Page, capacity int, keyCodec Codec[K], valueCodec Codec[V]) *BucketPage[K, V] {
	pg.Zero()
	return LoadBucketPage(pg, capacity, keyCodec, valueCodec)
}

// Capacity returns the bucket's fixed slot count.
func (b *BucketPage[K, V]) Capacity() int { return b.capacity }

func bitAt(buf []byte, idx int) bool {
	return buf[idx/8]&(1<<uint(7-idx%8)) != 0
}

func setBit(buf []byte, idx int) {
	buf[idx/8] |= 1 << uint(7-idx%8)
}

func clearBit(buf []byte, idx int) {
	buf[idx/8] &^= 1 << uint(7-idx%8)
}

// IsOccupied reports whether slot idx has ever held an entry.
func (b *BucketPage[K, V]) IsOccupied(idx int) bool {
	return bitAt(b.pg.Data()[b.occOffset:b.occOffset+b.bitmapLen], idx)
}

func (b *BucketPage[K, V]) setOccupied(idx int) {
	setBit(b.pg.Data()[b.occOffset:b.occOffset+b.bitmapLen], idx)
}

// IsReadable reports whether slot idx currently holds a live entry.
func (b *BucketPage[K, V]) IsReadable(idx int) bool {
	return bitAt(b.pg.Data()[b.readOffset:b.readOffset+b.bitmapLen], idx)
}

func (b *BucketPage[K, V]) setReadable(idx int) {
	setBit(b.pg.Data()[b.readOffset:b.readOffset+b.bitmapLen], idx)
}

func (b *BucketPage[K, V]) clearReadable(idx int) {
	clearBit(b.pg.Data()[b.readOffset:b.readOffset+b.bitmapLen], idx)
}

func (b *BucketPage[K, V]) slotOffset(idx int) int {
	return b.dataOffset + idx*b.entrySize
}

// KeyAt returns the key stored in slot idx, valid only if IsOccupied(idx).
func (b *BucketPage[K, V]) KeyAt(idx int) K {
	off := b.slotOffset(idx)
	return b.keyCodec.Decode(b.pg.Data()[off : off+b.keyCodec.Size()])
}

// ValueAt returns the value stored in slot idx, valid only if
// IsReadable(idx).
func (b *BucketPage[K, V]) ValueAt(idx int) V {
	off := b.slotOffset(idx) + b.keyCodec.Size()
	return b.valueCodec.Decode(b.pg.Data()[off : off+b.valueCodec.Size()])
}

func (b *BucketPage[K, V]) setEntry(idx int, key K, value V) {
	off := b.slotOffset(idx)
	buf := b.pg.Data()
	b.keyCodec.Encode(key, buf[off:off+b.keyCodec.Size()])
	b.valueCodec.Encode(value, buf[off+b.keyCodec.Size():off+b.entrySize])
}

// InsertAt writes key/value into slot idx directly, used by the split
// algorithm to relocate entries into a fresh bucket without going through
// the duplicate-check path of Insert.
func (b *BucketPage[K, V]) InsertAt(idx int, key K, value V) {
	b.setOccupied(idx)
	b.setReadable(idx)
	b.setEntry(idx, key, value)
}

// RemoveAt tombstones slot idx: readable is cleared, occupied is left set.
func (b *BucketPage[K, V]) RemoveAt(idx int) {
	b.clearReadable(idx)
}

// Insert places (key, value) into the first non-readable slot — an
// unoccupied slot or a tombstone, reused in a single pass — refusing to
// add an exact duplicate of an already readable entry. Returns false if
// every slot is readable (the bucket is full).
func (b *BucketPage[K, V]) Insert(key K, value V) bool {
	firstFree := -1
	for idx := 0; idx < b.capacity; idx++ {
		if b.IsReadable(idx) {
			if b.KeyAt(idx) == key && b.ValueAt(idx) == value {
				return false
			}
			continue
		}
		if firstFree == -1 {
			firstFree = idx
		}
	}
	if firstFree == -1 {
		return false
	}
	b.setOccupied(firstFree)
	b.setReadable(firstFree)
	b.setEntry(firstFree, key, value)
	return true
}

// Remove deletes the (key, value) pair if present, returning whether it
// removed anything.
func (b *BucketPage[K, V]) Remove(key K, value V) bool {
	for idx := 0; idx < b.capacity; idx++ {
		if !b.IsOccupied(idx) || !b.IsReadable(idx) {
			continue
		}
		if b.KeyAt(idx) == key && b.ValueAt(idx) == value {
			b.RemoveAt(idx)
			return true
		}
	}
	return false
}

// GetValues appends every live value stored under key to result and
// returns it.
func (b *BucketPage[K, V]) GetValues(key K, result []V) []V {
	for idx := 0; idx < b.capacity; idx++ {
		if !b.IsOccupied(idx) || !b.IsReadable(idx) {
			continue
		}
		if b.KeyAt(idx) == key {
			result = append(result, b.ValueAt(idx))
		}
	}
	return result
}

// IsFull reports whether every slot is readable. Tombstones (occupied but
// not readable) do not count towards full, so Insert keeps reusing them
// instead of forcing a split the occupied-only bitmap would otherwise
// trigger forever after a bucket has ever filled up once.
func (b *BucketPage[K, V]) IsFull() bool {
	for idx := 0; idx < b.capacity; idx++ {
		if !b.IsReadable(idx) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no slot is readable.
func (b *BucketPage[K, V]) IsEmpty() bool {
	for idx := 0; idx < b.capacity; idx++ {
		if b.IsReadable(idx) {
			return false
		}
	}
	return true
}

// NumReadable counts slots currently holding a live entry.
func (b *BucketPage[K, V]) NumReadable() int {
	count := 0
	for idx := 0; idx < b.capacity; idx++ {
		if b.IsReadable(idx) {
			count++
		}
	}
	return count
}
