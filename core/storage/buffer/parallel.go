package buffer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/arvindks/gojodb/core/storage/disk"
	"github.com/arvindks/gojodb/core/storage/page"
	"github.com/arvindks/gojodb/core/wal"
	"github.com/arvindks/gojodb/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ParallelPool fans page ids across N independent Instances, each owning a
// disjoint slice of the page id space (id mod N == that instance's index).
// Sharding spreads the page-table and replacer lock contention of a single
// hot Instance across N independent lock sets.
type ParallelPool struct {
	instances []*Instance
	nextStart atomic.Uint32
}

// NewParallel builds a ParallelPool of numInstances shards, each sized
// poolSize, all backed by the same disk.Manager and wal.LogManager (which
// must tolerate concurrent use from every shard).
func NewParallel(poolSize, numInstances int, diskMgr *disk.Manager, logMgr *wal.LogManager, logger *zap.Logger, tracer trace.Tracer, metrics *observability.BufferPoolMetrics) (*ParallelPool, error) {
	if numInstances <= 0 {
		return nil, fmt.Errorf("buffer: numInstances must be positive, got %d", numInstances)
	}
	pp := &ParallelPool{instances: make([]*Instance, numInstances)}
	for i := 0; i < numInstances; i++ {
		inst, err := New(poolSize, numInstances, i, diskMgr, logMgr, logger, tracer, metrics)
		if err != nil {
			return nil, err
		}
		pp.instances[i] = inst
	}
	return pp, nil
}

func (pp *ParallelPool) instanceFor(id page.ID) *Instance {
	n := len(pp.instances)
	idx := int(id) % n
	if idx < 0 {
		idx += n
	}
	return pp.instances[idx]
}

// NewPage round-robins across instances starting from an atomically
// advanced cursor, returning the first shard that can supply a frame.
// Returns ErrPoolExhausted if every shard is full.
func (pp *ParallelPool) NewPage(ctx context.Context) (*page.Page, page.ID, error) {
	n := uint32(len(pp.instances))
	start := pp.nextStart.Add(1) - 1
	var lastErr error
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		pg, id, err := pp.instances[idx].NewPage(ctx)
		if err == nil {
			return pg, id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrPoolExhausted
	}
	return nil, page.InvalidID, lastErr
}

// FetchPage dispatches to the instance owning id.
func (pp *ParallelPool) FetchPage(ctx context.Context, id page.ID) (*page.Page, error) {
	return pp.instanceFor(id).FetchPage(ctx, id)
}

// UnpinPage dispatches to the instance owning id.
func (pp *ParallelPool) UnpinPage(id page.ID, dirty bool) error {
	return pp.instanceFor(id).UnpinPage(id, dirty)
}

// FlushPage dispatches to the instance owning id.
func (pp *ParallelPool) FlushPage(ctx context.Context, id page.ID) error {
	return pp.instanceFor(id).FlushPage(ctx, id)
}

// DeletePage dispatches to the instance owning id.
func (pp *ParallelPool) DeletePage(id page.ID) error {
	return pp.instanceFor(id).DeletePage(id)
}

// FlushAllPages flushes every instance in turn.
func (pp *ParallelPool) FlushAllPages(ctx context.Context) {
	for _, inst := range pp.instances {
		inst.FlushAllPages(ctx)
	}
}

// GetPoolSize returns the aggregate frame count across all instances.
func (pp *ParallelPool) GetPoolSize() int {
	total := 0
	for _, inst := range pp.instances {
		total += inst.GetPoolSize()
	}
	return total
}

// NumInstances returns the shard count.
func (pp *ParallelPool) NumInstances() int { return len(pp.instances) }
