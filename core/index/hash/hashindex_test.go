package hash_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arvindks/gojodb/core/index/hash"
	"github.com/arvindks/gojodb/core/storage/buffer"
	"github.com/arvindks/gojodb/core/storage/disk"
	"github.com/arvindks/gojodb/core/wal"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, poolSize int) *hash.HashIndex[uint64, uint64] {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hash.db")
	diskMgr, err := disk.NewManager(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { diskMgr.Shutdown() })

	logMgr := wal.New(nil, nil)
	pool, err := buffer.New(poolSize, 1, 0, diskMgr, logMgr, nil, nil, nil)
	require.NoError(t, err)

	idx, err := hash.New[uint64, uint64](ctx, pool, hash.Uint64Codec{}, hash.Uint64Codec{}, hash.Options[uint64]{Log: logMgr})
	require.NoError(t, err)
	return idx
}

func TestInsertAndGetValueRoundTrip(t *testing.T) {
	idx := newTestIndex(t, 32)
	ctx := context.Background()

	inserted, err := idx.Insert(ctx, 7, 700)
	require.NoError(t, err)
	require.True(t, inserted)

	values, err := idx.GetValue(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []uint64{700}, values)
}

func TestGetValueMissingKeyReturnsEmpty(t *testing.T) {
	idx := newTestIndex(t, 32)
	ctx := context.Background()

	values, err := idx.GetValue(ctx, 404)
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestInsertRejectsDuplicate(t *testing.T) {
	idx := newTestIndex(t, 32)
	ctx := context.Background()

	inserted, err := idx.Insert(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = idx.Insert(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestInsertManyKeysTriggersSplitsAndGrowsDepth(t *testing.T) {
	idx := newTestIndex(t, 64)
	ctx := context.Background()

	const n = 5000
	for i := uint64(0); i < n; i++ {
		inserted, err := idx.Insert(ctx, i, i*10)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	depth, err := idx.GlobalDepth(ctx)
	require.NoError(t, err)
	require.Greater(t, depth, uint32(0), "inserting many keys should have split the directory at least once")

	report, err := idx.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Violations)
	require.Equal(t, n, report.Size)

	for i := uint64(0); i < n; i += 37 {
		values, err := idx.GetValue(ctx, i)
		require.NoError(t, err)
		require.Equal(t, []uint64{i * 10}, values)
	}
}

func TestRemoveThenLookupFindsNothing(t *testing.T) {
	idx := newTestIndex(t, 32)
	ctx := context.Background()

	_, err := idx.Insert(ctx, 3, 30)
	require.NoError(t, err)

	removed, err := idx.Remove(ctx, 3, 30)
	require.NoError(t, err)
	require.True(t, removed)

	values, err := idx.GetValue(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestRemoveMissingPairReturnsFalse(t *testing.T) {
	idx := newTestIndex(t, 32)
	ctx := context.Background()

	removed, err := idx.Remove(ctx, 99, 99)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestInsertManyThenRemoveAllShrinksBackDown(t *testing.T) {
	idx := newTestIndex(t, 64)
	ctx := context.Background()

	const n = 3000
	for i := uint64(0); i < n; i++ {
		_, err := idx.Insert(ctx, i, i)
		require.NoError(t, err)
	}
	grown, err := idx.GlobalDepth(ctx)
	require.NoError(t, err)
	require.Greater(t, grown, uint32(0))

	for i := uint64(0); i < n; i++ {
		removed, err := idx.Remove(ctx, i, i)
		require.NoError(t, err)
		require.True(t, removed)
	}

	shrunk, err := idx.GlobalDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), shrunk)

	for i := uint64(0); i < n; i += 17 {
		values, err := idx.GetValue(ctx, i)
		require.NoError(t, err)
		require.Empty(t, values)
	}
}

func TestVerifyIntegrityReportsDirectoryConsistency(t *testing.T) {
	idx := newTestIndex(t, 64)
	ctx := context.Background()

	const n = 2000
	for i := uint64(0); i < n; i++ {
		_, err := idx.Insert(ctx, i, i)
		require.NoError(t, err)
	}

	report, err := idx.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Violations)
	require.Equal(t, n, report.Size)
	require.Greater(t, report.BucketCount, 1)

	for i := uint64(0); i < n; i++ {
		_, err := idx.Remove(ctx, i, i)
		require.NoError(t, err)
	}

	report, err = idx.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Violations)
	require.Equal(t, 0, report.Size)
	require.Equal(t, uint32(0), report.GlobalDepth)
}
