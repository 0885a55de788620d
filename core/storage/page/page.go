// Package page defines the fixed-size page primitive shared by the buffer
// pool and every page type stored through it (directory pages, bucket
// pages, heap pages).
package page

import (
	"sync"

	"github.com/arvindks/gojodb/internal/common"
)

// Size is the default page size in bytes. Every Page allocates exactly this
// many bytes for its payload regardless of logical content.
const Size = 4096

// ID identifies a page. It is a 32-bit signed integer; InvalidID marks an
// unallocated or not-yet-assigned page.
type ID int32

// InvalidID is the sentinel page id used for "no page" and for new_page
// calls before an id has been allocated.
const InvalidID ID = -1

// LSN is a log sequence number. No page layout in this module stores one;
// the log manager's own LSN type lives in core/wal.
type LSN uint64

// Page is one frame's worth of cached disk content plus the metadata
// needed to decide whether it can be evicted or must be flushed first.
//
// Every read or write of id, pinCount, isDirty or justDirtied must hold
// metaLock. Every access to the data payload must hold latch (read or
// write). The two locks are independent: metaLock is never held across a
// latch acquisition or disk I/O.
type Page struct {
	metaLock common.SpinLock
	latch    sync.RWMutex

	id          ID
	pinCount    int32
	isDirty     bool
	justDirtied bool

	data [Size]byte
}

// New returns a zeroed page with an invalid id.
func New() *Page {
	return &Page{id: InvalidID}
}

// Data returns the page's byte payload. Callers must hold the read or
// write latch before accessing the returned slice.
func (p *Page) Data() []byte {
	return p.data[:]
}

// Latch returns the page's reader-writer latch guarding the data payload.
func (p *Page) Latch() *sync.RWMutex {
	return &p.latch
}

// ID returns the page's current id under the meta-lock.
func (p *Page) ID() ID {
	p.metaLock.Lock()
	defer p.metaLock.Unlock()
	return p.id
}

// PinCount returns the current pin count under the meta-lock.
func (p *Page) PinCount() int32 {
	p.metaLock.Lock()
	defer p.metaLock.Unlock()
	return p.pinCount
}

// IsDirty reports whether the in-memory image differs from disk.
func (p *Page) IsDirty() bool {
	p.metaLock.Lock()
	defer p.metaLock.Unlock()
	return p.isDirty
}

// MarkDirty marks the page dirty and records that it was dirtied "just
// now" so an in-flight flush does not clear the flag out from under a
// concurrent writer. The caller must hold the write latch and the page
// must be pinned.
func (p *Page) MarkDirty() {
	p.metaLock.Lock()
	defer p.metaLock.Unlock()
	if p.pinCount <= 0 {
		panic("page: MarkDirty called on a page with pin_count <= 0")
	}
	p.isDirty = true
	p.justDirtied = true
}

// MetaLock returns the page's bounded spin-lock guarding id, pinCount,
// isDirty and justDirtied. The buffer pool acquires this directly to
// compose multi-field meta-critical sections that the safe accessors above
// can't express atomically (e.g. "increment pin count and read is_dirty in
// one critical section").
func (p *Page) MetaLock() *common.SpinLock {
	return &p.metaLock
}

// IDLocked returns the id without acquiring metaLock. Callers must already
// hold it (see MetaLock).
func (p *Page) IDLocked() ID { return p.id }

// SetIDLocked sets the id. Callers must already hold metaLock.
func (p *Page) SetIDLocked(id ID) { p.id = id }

// PinCountLocked returns the pin count. Callers must already hold metaLock.
func (p *Page) PinCountLocked() int32 { return p.pinCount }

// IncPinLocked increments the pin count and returns its previous value.
// Callers must already hold metaLock.
func (p *Page) IncPinLocked() int32 {
	old := p.pinCount
	p.pinCount++
	return old
}

// DecPinLocked decrements the pin count (floored at 0) and returns its
// previous value. Callers must already hold metaLock.
func (p *Page) DecPinLocked() int32 {
	old := p.pinCount
	if p.pinCount > 0 {
		p.pinCount--
	}
	return old
}

// SetPinCountLocked overwrites the pin count directly. Callers must
// already hold metaLock.
func (p *Page) SetPinCountLocked(n int32) { p.pinCount = n }

// IsDirtyLocked returns the dirty flag. Callers must already hold metaLock.
func (p *Page) IsDirtyLocked() bool { return p.isDirty }

// SetDirtyLocked sets the dirty flag directly. Callers must already hold
// metaLock.
func (p *Page) SetDirtyLocked(dirty bool) { p.isDirty = dirty }

// JustDirtiedLocked returns the just_dirtied flag. Callers must already
// hold metaLock.
func (p *Page) JustDirtiedLocked() bool { return p.justDirtied }

// SetJustDirtiedLocked sets the just_dirtied flag directly. Callers must
// already hold metaLock.
func (p *Page) SetJustDirtiedLocked(v bool) { p.justDirtied = v }

// ResetMetaLocked reinstalls this frame for a new logical page id with a
// fresh pin count of 1 and a clean dirty flag. Callers must already hold
// metaLock.
func (p *Page) ResetMetaLocked(id ID) {
	p.id = id
	p.pinCount = 1
	p.isDirty = false
	p.justDirtied = false
}

// Zero clears the data payload. Callers must hold the write latch.
func (p *Page) Zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}
