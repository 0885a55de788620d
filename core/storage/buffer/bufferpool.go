// Package buffer implements the fixed-capacity, LRU-replaced buffer pool
// that the hash index (and any other page consumer) fetches pages through.
//
// Locking discipline, grounded in the original BufferPoolManager design
// this was distilled from: tableMutex (shared/exclusive) guards the
// page-table mapping; freeListLatch (a bounded spin-lock) guards the free
// list; the replacer has its own internal mutex; and each frame's page has
// an independent meta-lock (pin count / dirty bit) and rw-latch (payload).
// No single coarse mutex serializes the whole pool.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvindks/gojodb/core/storage/disk"
	"github.com/arvindks/gojodb/core/storage/page"
	"github.com/arvindks/gojodb/core/storage/replacer"
	"github.com/arvindks/gojodb/core/wal"
	"github.com/arvindks/gojodb/internal/common"
	"github.com/arvindks/gojodb/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Instance is a single buffer pool: a fixed array of frames backed by one
// disk file, pages allocated from an id space congruent to instanceIndex
// modulo numInstances. Most callers use ParallelPool, which shards
// across several Instances; a single Instance is also a complete buffer
// pool in its own right (numInstances=1, instanceIndex=0).
type Instance struct {
	poolSize      int
	numInstances  int
	instanceIndex int
	nextPageID    atomic.Int64

	frames []*page.Page

	tableMutex sync.RWMutex
	pageTable  map[page.ID]replacer.FrameID

	freeListLatch common.SpinLock
	freeList      []replacer.FrameID

	repl *replacer.LRU

	disk *disk.Manager
	log  *wal.LogManager

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *observability.BufferPoolMetrics
}

// New constructs a buffer pool Instance of poolSize frames, the idx-th of
// numInstances shards (idx in [0, numInstances)). diskMgr and logMgr may be
// shared across instances that address disjoint page-id spaces; metrics
// and tracer may be nil, in which case instrumentation is skipped.
func New(poolSize, numInstances, idx int, diskMgr *disk.Manager, logMgr *wal.LogManager, logger *zap.Logger, tracer trace.Tracer, metrics *observability.BufferPoolMetrics) (*Instance, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer: pool size must be positive, got %d", poolSize)
	}
	if numInstances <= 0 || idx < 0 || idx >= numInstances {
		return nil, fmt.Errorf("buffer: invalid shard index %d of %d instances", idx, numInstances)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bp := &Instance{
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: idx,
		frames:        make([]*page.Page, poolSize),
		pageTable:     make(map[page.ID]replacer.FrameID, poolSize),
		freeList:      make([]replacer.FrameID, poolSize),
		repl:          replacer.New(poolSize),
		disk:          diskMgr,
		log:           logMgr,
		logger:        logger,
		tracer:        tracer,
		metrics:       metrics,
	}
	bp.nextPageID.Store(int64(idx))
	for i := 0; i < poolSize; i++ {
		bp.frames[i] = page.New()
		bp.freeList[i] = replacer.FrameID(i)
	}
	return bp, nil
}

// GetPoolSize returns the number of frames in this instance.
func (bp *Instance) GetPoolSize() int { return bp.poolSize }

func (bp *Instance) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if bp.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return bp.tracer.Start(ctx, name)
}

// allocatePageID hands out the next id congruent to instanceIndex modulo
// numInstances.
func (bp *Instance) allocatePageID() page.ID {
	id := bp.nextPageID.Add(int64(bp.numInstances)) - int64(bp.numInstances)
	return page.ID(id)
}

// popFreeFrame removes and returns a frame from the free list, or false if
// it is empty.
func (bp *Instance) popFreeFrame() (replacer.FrameID, bool) {
	bp.freeListLatch.Lock()
	defer bp.freeListLatch.Unlock()
	n := len(bp.freeList)
	if n == 0 {
		return 0, false
	}
	fid := bp.freeList[n-1]
	bp.freeList = bp.freeList[:n-1]
	return fid, true
}

// pushFreeFrame returns a frame to the free list.
func (bp *Instance) pushFreeFrame(fid replacer.FrameID) {
	bp.freeListLatch.Lock()
	defer bp.freeListLatch.Unlock()
	bp.freeList = append(bp.freeList, fid)
}

// NewPage allocates a fresh, pinned page and returns it. Returns
// ErrPoolExhausted if every frame is currently pinned.
func (bp *Instance) NewPage(ctx context.Context) (*page.Page, page.ID, error) {
	ctx, span := bp.startSpan(ctx, "bufferpool.NewPage")
	defer span.End()

	fid, pg, id, err := bp.acquireFrame(ctx, page.InvalidID)
	if err != nil {
		if bp.metrics != nil {
			bp.metrics.IncPoolExhausted(ctx)
		}
		return nil, page.InvalidID, err
	}
	_ = fid
	return pg, id, nil
}

// FetchPage returns a pinned page with the given id, paging it in if
// necessary. Returns ErrPoolExhausted if id is not resident and no frame
// could be acquired to page it in.
func (bp *Instance) FetchPage(ctx context.Context, id page.ID) (*page.Page, error) {
	ctx, span := bp.startSpan(ctx, "bufferpool.FetchPage")
	defer span.End()

	// Fast path: shared table lock, hit in the page table.
	bp.tableMutex.RLock()
	if fid, ok := bp.pageTable[id]; ok {
		pg := bp.frames[fid]
		meta := pg.MetaLock()
		meta.Lock()
		if pg.IDLocked() != id {
			// Defensive: should not happen since the table maps id->fid.
			meta.Unlock()
			bp.tableMutex.RUnlock()
			return nil, fmt.Errorf("buffer: page table corruption for id %d", id)
		}
		old := pg.IncPinLocked()
		meta.Unlock()
		bp.tableMutex.RUnlock()

		if old == 0 {
			bp.repl.Pin(fid)
		}
		if bp.metrics != nil {
			bp.metrics.IncFetchHit(ctx)
		}
		return pg, nil
	}
	bp.tableMutex.RUnlock()

	if bp.metrics != nil {
		bp.metrics.IncFetchMiss(ctx)
	}
	_, pg, _, err := bp.acquireFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// acquireFrame implements the free-list and replacer frame-acquisition
// paths shared by NewPage (wantID == page.InvalidID) and FetchPage's miss
// path (wantID == the id to page in).
func (bp *Instance) acquireFrame(ctx context.Context, wantID page.ID) (replacer.FrameID, *page.Page, page.ID, error) {
	if fid, ok := bp.popFreeFrame(); ok {
		return bp.installFreeFrame(ctx, fid, wantID)
	}
	return bp.acquireFromReplacer(ctx, wantID)
}

// installFreeFrame installs a frame popped from the free list for wantID
// (or a freshly allocated id if wantID is invalid), handling the race
// where a concurrent caller already installed the same id while we held
// no lock.
func (bp *Instance) installFreeFrame(ctx context.Context, fid replacer.FrameID, wantID page.ID) (replacer.FrameID, *page.Page, page.ID, error) {
	isNew := wantID == page.InvalidID

	bp.tableMutex.Lock()
	var id page.ID
	if isNew {
		id = bp.allocatePageID()
	} else {
		id = wantID
	}
	if existingFid, ok := bp.pageTable[id]; ok {
		// Someone installed this id while we were grabbing a free frame.
		bp.tableMutex.Unlock()
		bp.pushFreeFrame(fid)

		existing := bp.frames[existingFid]
		meta := existing.MetaLock()
		meta.Lock()
		old := existing.IncPinLocked()
		meta.Unlock()
		if old == 0 {
			bp.repl.Pin(existingFid)
		}
		return existingFid, existing, id, nil
	}

	bp.pageTable[id] = fid
	pg := bp.frames[fid]
	meta := pg.MetaLock()
	meta.Lock()
	pg.ResetMetaLocked(id)
	meta.Unlock()
	latch := pg.Latch()
	latch.Lock()
	bp.tableMutex.Unlock()

	if isNew {
		pg.Zero()
		pg.MarkDirty()
	} else {
		if err := bp.readPageLocked(ctx, id, pg); err != nil {
			latch.Unlock()
			return 0, nil, page.InvalidID, err
		}
	}
	latch.Unlock()
	return fid, pg, id, nil
}

// readPageLocked reads id's content from disk into pg. Callers must hold
// pg's write latch.
func (bp *Instance) readPageLocked(ctx context.Context, id page.ID, pg *page.Page) error {
	_, span := bp.startSpan(ctx, "bufferpool.diskRead")
	defer span.End()
	if err := bp.disk.ReadPage(id, pg.Data()); err != nil {
		return fmt.Errorf("buffer: fetch page %d: %w", id, err)
	}
	return nil
}

// acquireFromReplacer implements the victim-selection path: repeatedly ask
// the replacer for a frame, flush it if dirty, and re-validate under the
// table lock before reusing it, retrying if a race invalidated the choice.
func (bp *Instance) acquireFromReplacer(ctx context.Context, wantID page.ID) (replacer.FrameID, *page.Page, page.ID, error) {
	isNew := wantID == page.InvalidID

	for {
		fid, ok := bp.repl.Victim()
		if !ok {
			return 0, nil, page.InvalidID, ErrPoolExhausted
		}
		pg := bp.frames[fid]

		meta := pg.MetaLock()
		meta.Lock()
		pg.IncPinLocked() // stake a claim so nobody else victimizes this frame
		dirty := pg.IsDirtyLocked()
		oldID := pg.IDLocked()
		meta.Unlock()

		if dirty {
			if err := bp.flushFrame(ctx, fid, pg, oldID); err != nil {
				bp.logger.Error("buffer: failed to flush victim before eviction",
					zap.Int32("page_id", int32(oldID)), zap.Error(err))
			}
		}

		bp.tableMutex.Lock()
		meta.Lock()
		raced := pg.PinCountLocked() > 1 || pg.IsDirtyLocked()
		if raced {
			pg.DecPinLocked()
			stillUnpinned := pg.PinCountLocked() == 0
			meta.Unlock()
			bp.tableMutex.Unlock()
			if stillUnpinned {
				bp.repl.Unpin(fid)
			}
			continue
		}
		meta.Unlock()

		var id page.ID
		if isNew {
			id = bp.allocatePageID()
		} else {
			id = wantID
		}
		if existingFid, already := bp.pageTable[id]; already {
			// Someone installed the target id while we were evicting.
			meta.Lock()
			pg.DecPinLocked()
			meta.Unlock()
			bp.tableMutex.Unlock()
			bp.repl.Unpin(fid)

			existing := bp.frames[existingFid]
			emeta := existing.MetaLock()
			emeta.Lock()
			old := existing.IncPinLocked()
			emeta.Unlock()
			if old == 0 {
				bp.repl.Pin(existingFid)
			}
			return existingFid, existing, id, nil
		}

		delete(bp.pageTable, oldID)
		bp.pageTable[id] = fid
		meta.Lock()
		pg.ResetMetaLocked(id)
		meta.Unlock()
		latch := pg.Latch()
		latch.Lock()
		bp.tableMutex.Unlock()

		if bp.metrics != nil {
			bp.metrics.IncEviction(ctx)
		}

		if isNew {
			pg.Zero()
			pg.MarkDirty()
		} else {
			if err := bp.readPageLocked(ctx, id, pg); err != nil {
				latch.Unlock()
				return 0, nil, page.InvalidID, err
			}
		}
		latch.Unlock()
		return fid, pg, id, nil
	}
}

// flushFrame writes pg's content to disk for id if pg is still dirty,
// clearing the dirty flag unless a writer redirtied it during the flush
// window (the just_dirtied race described in the data model).
func (bp *Instance) flushFrame(ctx context.Context, fid replacer.FrameID, pg *page.Page, id page.ID) error {
	meta := pg.MetaLock()
	meta.Lock()
	if !pg.IsDirtyLocked() {
		meta.Unlock()
		return nil
	}
	pg.IncPinLocked()
	pg.SetJustDirtiedLocked(false)
	meta.Unlock()

	latch := pg.Latch()
	latch.RLock()
	_, span := bp.startSpan(ctx, "bufferpool.diskWrite")
	err := bp.disk.WritePage(id, pg.Data())
	span.End()
	latch.RUnlock()

	meta.Lock()
	old := pg.DecPinLocked()
	if err == nil {
		if !pg.JustDirtiedLocked() {
			pg.SetDirtyLocked(false)
		}
	}
	nowZero := pg.PinCountLocked() == 0
	meta.Unlock()

	if old == 1 && nowZero {
		bp.repl.Unpin(fid)
	}
	if bp.metrics != nil {
		bp.metrics.IncDirtyFlush(ctx)
	}
	if err != nil {
		return fmt.Errorf("buffer: flush page %d: %w", id, err)
	}
	return nil
}

// UnpinPage decrements id's pin count, optionally marking it dirty.
// Returns ErrPageNotFound if id is not resident, ErrNotUnpinnable if its
// pin count is already zero.
func (bp *Instance) UnpinPage(id page.ID, dirty bool) error {
	bp.tableMutex.RLock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.tableMutex.RUnlock()
		return ErrPageNotFound
	}
	pg := bp.frames[fid]
	bp.tableMutex.RUnlock()

	if dirty {
		latch := pg.Latch()
		latch.Lock()
		pg.MarkDirty()
		latch.Unlock()
	}

	meta := pg.MetaLock()
	meta.Lock()
	if pg.PinCountLocked() <= 0 {
		meta.Unlock()
		return ErrNotUnpinnable
	}
	old := pg.DecPinLocked()
	meta.Unlock()

	if old == 1 {
		bp.repl.Unpin(fid)
	}
	return nil
}

// FlushPage writes id's content to disk if dirty. Returns
// ErrPageNotFound if id is not resident.
func (bp *Instance) FlushPage(ctx context.Context, id page.ID) error {
	bp.tableMutex.RLock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.tableMutex.RUnlock()
		return ErrPageNotFound
	}
	pg := bp.frames[fid]
	bp.tableMutex.RUnlock()

	return bp.flushFrame(ctx, fid, pg, id)
}

// FlushAllPages flushes every dirty resident page on a best-effort basis.
func (bp *Instance) FlushAllPages(ctx context.Context) {
	bp.tableMutex.RLock()
	ids := make([]page.ID, 0, len(bp.pageTable))
	for id := range bp.pageTable {
		ids = append(ids, id)
	}
	bp.tableMutex.RUnlock()

	for _, id := range ids {
		if err := bp.FlushPage(ctx, id); err != nil {
			bp.logger.Warn("buffer: flush_all failed for page", zap.Int32("page_id", int32(id)), zap.Error(err))
		}
	}
}

// DeletePage removes id from the pool, returning its frame to the free
// list. Absence is idempotent success (returns nil); a pinned page
// returns ErrPagePinned.
func (bp *Instance) DeletePage(id page.ID) error {
	bp.tableMutex.RLock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.tableMutex.RUnlock()
		return nil
	}
	pg := bp.frames[fid]
	bp.tableMutex.RUnlock()

	meta := pg.MetaLock()
	meta.Lock()
	if pg.PinCountLocked() > 0 {
		meta.Unlock()
		return ErrPagePinned
	}
	pg.IncPinLocked() // pin to keep it out of the replacer while we upgrade locks
	meta.Unlock()
	bp.repl.Pin(fid)

	bp.tableMutex.Lock()
	meta.Lock()
	if pg.PinCountLocked() > 1 {
		// Someone pinned it for real between our checks.
		pg.DecPinLocked()
		meta.Unlock()
		bp.tableMutex.Unlock()
		bp.repl.Unpin(fid)
		return ErrPagePinned
	}
	pg.ResetMetaLocked(page.InvalidID)
	pg.SetPinCountLocked(0)
	meta.Unlock()
	delete(bp.pageTable, id)
	bp.tableMutex.Unlock()

	bp.pushFreeFrame(fid)
	return nil
}

// retryBackoff is how long FetchPage-through-the-index style callers
// should sleep before retrying a transiently exhausted pool. Exposed as a
// var so tests can shrink it.
var retryBackoff = 10 * time.Millisecond

// RetryBackoff returns the configured backoff duration for pool-exhaustion
// retries, used by core/index/hash's fetch-retry loop.
func RetryBackoff() time.Duration { return retryBackoff }
