// Package observability wires the storage core's buffer pool, hash index
// and lock manager into the OpenTelemetry instruments exposed by
// pkg/telemetry, so a Prometheus scrape shows pool pressure, hash-table
// reorganization rate and lock contention without each subsystem having to
// know about metric naming conventions itself.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics groups the counters the buffer pool emits.
type BufferPoolMetrics struct {
	FetchHits     metric.Int64Counter
	FetchMisses   metric.Int64Counter
	Evictions     metric.Int64Counter
	DirtyFlushes  metric.Int64Counter
	PoolExhausted metric.Int64Counter
}

// NewBufferPoolMetrics creates the buffer pool's instruments from meter,
// which must not be nil (with telemetry disabled, pkg/telemetry supplies a
// no-op meter). A nil *BufferPoolMetrics is itself safe to use: every Inc
// method on a nil receiver does nothing.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	fetchHits, err := meter.Int64Counter("bufferpool.fetch_hits",
		metric.WithDescription("page fetches served from the page table without disk I/O"))
	if err != nil {
		return nil, err
	}
	fetchMisses, err := meter.Int64Counter("bufferpool.fetch_misses",
		metric.WithDescription("page fetches that required a frame acquisition"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("bufferpool.evictions",
		metric.WithDescription("frames reclaimed from the replacer"))
	if err != nil {
		return nil, err
	}
	dirtyFlushes, err := meter.Int64Counter("bufferpool.dirty_flushes",
		metric.WithDescription("pages written back to disk because they were dirty"))
	if err != nil {
		return nil, err
	}
	poolExhausted, err := meter.Int64Counter("bufferpool.exhausted",
		metric.WithDescription("new_page/fetch_page calls that found every frame pinned"))
	if err != nil {
		return nil, err
	}
	return &BufferPoolMetrics{
		FetchHits:     fetchHits,
		FetchMisses:   fetchMisses,
		Evictions:     evictions,
		DirtyFlushes:  dirtyFlushes,
		PoolExhausted: poolExhausted,
	}, nil
}

// IncFetchHit records a page-table hit. A nil receiver (telemetry
// disabled) is a no-op, so callers never need to check for nil first.
func (m *BufferPoolMetrics) IncFetchHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.FetchHits.Add(ctx, 1)
}

func (m *BufferPoolMetrics) IncFetchMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.FetchMisses.Add(ctx, 1)
}

func (m *BufferPoolMetrics) IncEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.Evictions.Add(ctx, 1)
}

func (m *BufferPoolMetrics) IncDirtyFlush(ctx context.Context) {
	if m == nil {
		return
	}
	m.DirtyFlushes.Add(ctx, 1)
}

func (m *BufferPoolMetrics) IncPoolExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.PoolExhausted.Add(ctx, 1)
}

// HashIndexMetrics groups the counters the hash index emits.
type HashIndexMetrics struct {
	Splits  metric.Int64Counter
	Merges  metric.Int64Counter
	Inserts metric.Int64Counter
}

// NewHashIndexMetrics creates the hash index's instruments from meter.
func NewHashIndexMetrics(meter metric.Meter) (*HashIndexMetrics, error) {
	splits, err := meter.Int64Counter("hashindex.splits",
		metric.WithDescription("bucket split operations performed"))
	if err != nil {
		return nil, err
	}
	merges, err := meter.Int64Counter("hashindex.merges",
		metric.WithDescription("bucket merge operations performed"))
	if err != nil {
		return nil, err
	}
	inserts, err := meter.Int64Counter("hashindex.inserts",
		metric.WithDescription("successful insert operations"))
	if err != nil {
		return nil, err
	}
	return &HashIndexMetrics{Splits: splits, Merges: merges, Inserts: inserts}, nil
}

// IncSplit records a bucket split. A nil receiver is a no-op.
func (m *HashIndexMetrics) IncSplit(ctx context.Context) {
	if m == nil {
		return
	}
	m.Splits.Add(ctx, 1)
}

// IncMerge records a bucket merge. A nil receiver is a no-op.
func (m *HashIndexMetrics) IncMerge(ctx context.Context) {
	if m == nil {
		return
	}
	m.Merges.Add(ctx, 1)
}

// IncInsert records a successful insert. A nil receiver is a no-op.
func (m *HashIndexMetrics) IncInsert(ctx context.Context) {
	if m == nil {
		return
	}
	m.Inserts.Add(ctx, 1)
}

// LockManagerMetrics groups the instruments the lock manager emits.
type LockManagerMetrics struct {
	WaitTime         metric.Float64Histogram
	Wounds           metric.Int64Counter
	UpgradeConflicts metric.Int64Counter
}

// NewLockManagerMetrics creates the lock manager's instruments from meter.
func NewLockManagerMetrics(meter metric.Meter) (*LockManagerMetrics, error) {
	waitTime, err := meter.Float64Histogram("lockmanager.wait_seconds",
		metric.WithDescription("time a lock request spent in the wait queue before being granted or aborted"))
	if err != nil {
		return nil, err
	}
	wounds, err := meter.Int64Counter("lockmanager.wounds",
		metric.WithDescription("lock requests aborted by an older transaction under wound-wait"))
	if err != nil {
		return nil, err
	}
	upgradeConflicts, err := meter.Int64Counter("lockmanager.upgrade_conflicts",
		metric.WithDescription("lock_upgrade calls that raced a concurrent upgrade on the same row"))
	if err != nil {
		return nil, err
	}
	return &LockManagerMetrics{
		WaitTime:         waitTime,
		Wounds:           wounds,
		UpgradeConflicts: upgradeConflicts,
	}, nil
}

// RecordWait records time spent in the wait queue. A nil receiver is a no-op.
func (m *LockManagerMetrics) RecordWait(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.WaitTime.Record(ctx, seconds)
}

// IncWound records a wound-wait abort. A nil receiver is a no-op.
func (m *LockManagerMetrics) IncWound(ctx context.Context) {
	if m == nil {
		return
	}
	m.Wounds.Add(ctx, 1)
}

// IncUpgradeConflict records a racing lock_upgrade. A nil receiver is a no-op.
func (m *LockManagerMetrics) IncUpgradeConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.UpgradeConflicts.Add(ctx, 1)
}
