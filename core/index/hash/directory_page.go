package hash

import (
	"encoding/binary"

	"github.com/arvindks/gojodb/core/storage/page"
)

// MaxGlobalDepth bounds the directory at 2^9 = 512 slots, matching the
// reference capacity the original bucket/directory sizing was tuned around.
const MaxGlobalDepth = 9

// DirectorySize is the fixed slot count the directory page always reserves,
// regardless of the current global depth. Slots beyond 2^global_depth are
// unused.
const DirectorySize = 1 << MaxGlobalDepth

const (
	dirGlobalDepthOffset = 0
	dirSlotsOffset       = 4
	dirSlotSize          = 5 // 4-byte bucket page id + 1-byte local depth
)

// DirectoryPage is a thin, unlatched view over a page.Page's payload
// holding the extendible hash table's directory: a global depth and, for
// every slot, the id of the bucket page it points at and that bucket's
// local depth. Callers are responsible for holding the page's latch for
// the duration of any read or write through this view, exactly as for the
// payload access rule on page.Page itself.
type DirectoryPage struct {
	pg *page.Page
}

// LoadDirectoryPage wraps pg as a DirectoryPage view. It does not read or
// write pg's payload itself.
func LoadDirectoryPage(pg *page.Page) *DirectoryPage {
	return &DirectoryPage{pg: pg}
}

// InitDirectoryPage zeroes pg and installs global depth 0 with slot 0
// pointing at bucketPageID; used only when the index is first created.
func InitDirectoryPage(pg *page.Page, bucketPageID page.ID) *DirectoryPage {
	d := &DirectoryPage{pg: pg}
	pg.Zero()
	d.SetGlobalDepth(0)
	d.SetBucketPageID(0, bucketPageID)
	d.SetLocalDepth(0, 0)
	return d
}

func (d *DirectoryPage) slotOffset(idx uint32) int {
	return dirSlotsOffset + int(idx)*dirSlotSize
}

// GlobalDepth returns the current global depth.
func (d *DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.pg.Data()[dirGlobalDepthOffset:])
}

// SetGlobalDepth overwrites the global depth directly.
func (d *DirectoryPage) SetGlobalDepth(depth uint32) {
	binary.LittleEndian.PutUint32(d.pg.Data()[dirGlobalDepthOffset:], depth)
}

// IncrGlobalDepth doubles the addressable directory by incrementing the
// global depth, copying every slot's bucket page id and local depth into its
// new upper-half twin. Callers must have already verified depth <
// MaxGlobalDepth.
func (d *DirectoryPage) IncrGlobalDepth() {
	size := d.Size()
	for i := uint32(0); i < size; i++ {
		d.SetBucketPageID(i+size, d.BucketPageID(i))
		d.SetLocalDepth(i+size, d.LocalDepth(i))
	}
	d.SetGlobalDepth(d.GlobalDepth() + 1)
}

// DecrGlobalDepth halves the addressable directory.
func (d *DirectoryPage) DecrGlobalDepth() {
	depth := d.GlobalDepth()
	if depth > 0 {
		d.SetGlobalDepth(depth - 1)
	}
}

// GlobalDepthMask returns (1<<global_depth)-1, the mask used to resolve a
// key's directory slot from its hash.
func (d *DirectoryPage) GlobalDepthMask() uint32 {
	return (uint32(1) << d.GlobalDepth()) - 1
}

// Size returns 2^global_depth, the number of directory slots currently in
// use.
func (d *DirectoryPage) Size() uint32 {
	return uint32(1) << d.GlobalDepth()
}

// BucketPageID returns the page id slot idx points at.
func (d *DirectoryPage) BucketPageID(idx uint32) page.ID {
	off := d.slotOffset(idx)
	return page.ID(int32(binary.LittleEndian.Uint32(d.pg.Data()[off:])))
}

// SetBucketPageID redirects slot idx to id.
func (d *DirectoryPage) SetBucketPageID(idx uint32, id page.ID) {
	off := d.slotOffset(idx)
	binary.LittleEndian.PutUint32(d.pg.Data()[off:], uint32(int32(id)))
}

// LocalDepth returns the local depth recorded for slot idx.
func (d *DirectoryPage) LocalDepth(idx uint32) uint8 {
	off := d.slotOffset(idx) + 4
	return d.pg.Data()[off]
}

// SetLocalDepth overwrites the local depth recorded for slot idx.
func (d *DirectoryPage) SetLocalDepth(idx uint32, depth uint8) {
	off := d.slotOffset(idx) + 4
	d.pg.Data()[off] = depth
}

// IncrLocalDepth increments slot idx's local depth.
func (d *DirectoryPage) IncrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.LocalDepth(idx)+1)
}

// DecrLocalDepth decrements slot idx's local depth.
func (d *DirectoryPage) DecrLocalDepth(idx uint32) {
	depth := d.LocalDepth(idx)
	if depth > 0 {
		d.SetLocalDepth(idx, depth-1)
	}
}

// LocalHighBit returns 1 << local_depth[idx], the bit that distinguishes a
// bucket from its split image once local depth is incremented.
func (d *DirectoryPage) LocalHighBit(idx uint32) uint32 {
	return uint32(1) << d.LocalDepth(idx)
}

// CanShrink reports whether every active slot's local depth is strictly
// less than the global depth, the precondition for halving the directory.
func (d *DirectoryPage) CanShrink() bool {
	depth := d.GlobalDepth()
	for i := uint32(0); i < d.Size(); i++ {
		if uint32(d.LocalDepth(i)) >= depth {
			return false
		}
	}
	return true
}
