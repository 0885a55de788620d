package lockmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arvindks/gojodb/core/lockmgr"
	"github.com/arvindks/gojodb/core/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() (*lockmgr.Manager, *txn.Manager) {
	txns := txn.NewManager()
	return lockmgr.New(txns, nil, nil), txns
}

func TestTwoSharedLocksAreCompatible(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 1, Slot: 1}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadCommitted)
	t2 := txns.Begin(txn.ReadCommitted)

	require.NoError(t, locks.LockShared(ctx, t1, row))
	require.NoError(t, locks.LockShared(ctx, t2, row))
}

func TestExclusiveBlocksUntilReleased(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 1, Slot: 1}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadCommitted)
	t2 := txns.Begin(txn.ReadCommitted)

	require.NoError(t, locks.LockExclusive(ctx, t1, row))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, locks.LockExclusive(ctx, t2, row))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("t2 acquired the exclusive lock while t1 still held it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, locks.Unlock(t1, row))
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("t2 never acquired the lock after t1 released it")
	}
}

func TestLockUpgradePromotesInPlace(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 2, Slot: 0}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadCommitted)
	require.NoError(t, locks.LockShared(ctx, t1, row))
	require.NoError(t, locks.LockUpgrade(ctx, t1, row))
	assert.True(t, t1.HasExclusive(row))
	assert.False(t, t1.HasShared(row))
}

func TestConcurrentUpgradeConflictAborts(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 3, Slot: 0}
	ctx := context.Background()

	// t2 begins first, so t1 is the younger transaction: its pending upgrade
	// cannot wound t2 under wound-wait, and t2's own upgrade hits the conflict.
	t2 := txns.Begin(txn.ReadCommitted)
	t1 := txns.Begin(txn.ReadCommitted)
	require.NoError(t, locks.LockShared(ctx, t1, row))
	require.NoError(t, locks.LockShared(ctx, t2, row))

	var wg sync.WaitGroup
	var upgradeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		upgradeErr = locks.LockUpgrade(ctx, t1, row)
	}()
	time.Sleep(20 * time.Millisecond)

	err := locks.LockUpgrade(ctx, t2, row)
	var abortErr *lockmgr.TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, lockmgr.UpgradeConflict, abortErr.Reason)

	// Releasing t2's shared grant lets t1's pending upgrade proceed.
	require.NoError(t, locks.Unlock(t2, row))
	wg.Wait()
	require.NoError(t, upgradeErr)
	assert.True(t, t1.HasExclusive(row))
}

func TestWoundWaitAbortsYoungerHolder(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 4, Slot: 0}
	ctx := context.Background()

	old := txns.Begin(txn.ReadCommitted)
	young := txns.Begin(txn.ReadCommitted)

	require.NoError(t, locks.LockExclusive(ctx, young, row))

	oldGranted := make(chan error, 1)
	go func() { oldGranted <- locks.LockExclusive(ctx, old, row) }()

	require.Eventually(t, func() bool {
		return young.State() == txn.Aborted
	}, time.Second, 5*time.Millisecond, "old should wound the younger holder")

	// young observes its own abort and releases the row it no longer owns.
	require.NoError(t, locks.Unlock(young, row))

	select {
	case err := <-oldGranted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("old never acquired the lock after young's wound-induced release")
	}
}

func TestLockRequestOnAbortedTransactionFails(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 5, Slot: 0}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadCommitted)
	txns.Abort(t1)

	err := locks.LockShared(ctx, t1, row)
	var abortErr *lockmgr.TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, lockmgr.Deadlock, abortErr.Reason)
}

func TestSharedUnderReadUncommittedIsRejected(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 6, Slot: 0}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadUncommitted)
	err := locks.LockShared(ctx, t1, row)
	var abortErr *lockmgr.TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, lockmgr.LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestUnlockTransitionsToShrinking(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 7, Slot: 0}
	ctx := context.Background()

	t1 := txns.Begin(txn.RepeatableRead)
	require.NoError(t, locks.LockExclusive(ctx, t1, row))
	require.NoError(t, locks.Unlock(t1, row))
	assert.Equal(t, txn.Shrinking, t1.State())
}

func TestReadCommittedSharedUnlockStaysGrowing(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 8, Slot: 0}
	ctx := context.Background()

	t1 := txns.Begin(txn.ReadCommitted)
	require.NoError(t, locks.LockShared(ctx, t1, row))
	require.NoError(t, locks.Unlock(t1, row))
	assert.Equal(t, txn.Growing, t1.State())
}

func TestLockRequestAfterShrinkingAborts(t *testing.T) {
	locks, txns := newManager()
	rowA := txn.RowID{PageID: 9, Slot: 0}
	rowB := txn.RowID{PageID: 9, Slot: 1}
	ctx := context.Background()

	t1 := txns.Begin(txn.RepeatableRead)
	require.NoError(t, locks.LockExclusive(ctx, t1, rowA))
	require.NoError(t, locks.Unlock(t1, rowA))
	require.Equal(t, txn.Shrinking, t1.State())

	err := locks.LockExclusive(ctx, t1, rowB)
	var abortErr *lockmgr.TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, lockmgr.LockOnShrinking, abortErr.Reason)
}

func TestUnlockNotHeldReturnsError(t *testing.T) {
	locks, txns := newManager()
	row := txn.RowID{PageID: 10, Slot: 0}
	t1 := txns.Begin(txn.ReadCommitted)

	err := locks.Unlock(t1, row)
	assert.ErrorIs(t, err, lockmgr.ErrNotHeld)
}
