// Package lockmgr implements row-level shared/exclusive locking with
// wound-wait deadlock prevention and two-phase locking, grounded in the
// original LockManager design this module distills: a process-wide table
// of per-row request queues, each with its own grant queue, FIFO wait
// queue, and condition variable.
package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/arvindks/gojodb/core/txn"
	"github.com/arvindks/gojodb/pkg/observability"
	"go.uber.org/zap"
)

// LockMode is the mode a LockRequest is held or waiting in.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Shared {
		return "S"
	}
	return "X"
}

// lockRequest is one transaction's bid for a row lock.
type lockRequest struct {
	txnID   txn.ID
	mode    LockMode
	granted bool
	wounded bool
}

// lockRequestQueue is the per-row state: a grant queue (currently held
// requests), a FIFO wait queue (blocked requests), a condition variable
// shared by both, and an upgrade marker. It is created on first lock
// request against a row and never destroyed for the lifetime of the
// Manager.
type lockRequestQueue struct {
	mu           sync.Mutex
	cond         *sync.Cond
	grantQueue   []*lockRequest
	waitQueue    []*lockRequest
	upgrading    txn.ID
	hasUpgrading bool
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// requestCompatible reports whether a request in mode could be granted
// immediately given the current grant queue: the grant queue is empty, or
// the request is shared and the most recently granted holder is shared.
// Callers must hold q.mu.
func (q *lockRequestQueue) requestCompatible(mode LockMode) bool {
	if len(q.grantQueue) == 0 {
		return true
	}
	if mode == Exclusive {
		return false
	}
	last := q.grantQueue[len(q.grantQueue)-1]
	return last.mode == Shared && last.granted
}

// removeFromWait removes req from the wait queue. Callers must hold q.mu.
func (q *lockRequestQueue) removeFromWait(req *lockRequest) {
	for i, r := range q.waitQueue {
		if r == req {
			q.waitQueue = append(q.waitQueue[:i], q.waitQueue[i+1:]...)
			return
		}
	}
}

// removeFromGrant removes and returns the grant-queue entry for txnID, or
// nil if none exists. Callers must hold q.mu.
func (q *lockRequestQueue) removeFromGrant(txnID txn.ID) *lockRequest {
	for i, r := range q.grantQueue {
		if r.txnID == txnID {
			q.grantQueue = append(q.grantQueue[:i], q.grantQueue[i+1:]...)
			return r
		}
	}
	return nil
}

// Manager is the process-wide row lock table.
type Manager struct {
	latch sync.Mutex
	table map[txn.RowID]*lockRequestQueue

	txns    *txn.Manager
	logger  *zap.Logger
	metrics *observability.LockManagerMetrics
}

// New builds a LockManager consulting txns for transaction lookups during
// wound-wait. txns must not be nil; logger and metrics may be nil.
func New(txns *txn.Manager, logger *zap.Logger, metrics *observability.LockManagerMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		table:   make(map[txn.RowID]*lockRequestQueue),
		txns:    txns,
		logger:  logger,
		metrics: metrics,
	}
}

// getQueue returns the request queue for row, creating it if absent.
func (m *Manager) getQueue(row txn.RowID) *lockRequestQueue {
	m.latch.Lock()
	defer m.latch.Unlock()
	q, ok := m.table[row]
	if !ok {
		q = newLockRequestQueue()
		m.table[row] = q
	}
	return q
}

// sanityCheck implements the entry-path checks common to every lock call.
func (m *Manager) sanityCheck(t *txn.Transaction, mode LockMode) error {
	if t.State() == txn.Aborted {
		return &TransactionAbortError{TxnID: t.ID(), Reason: Deadlock}
	}
	if t.State() == txn.Shrinking {
		t.SetState(txn.Aborted)
		m.logger.Warn("lock request after SHRINKING", zap.Uint64("txn_id", uint64(t.ID())))
		return &TransactionAbortError{TxnID: t.ID(), Reason: LockOnShrinking}
	}
	if mode == Shared && t.IsolationLevel() == txn.ReadUncommitted {
		t.SetState(txn.Aborted)
		m.logger.Warn("shared lock under READ_UNCOMMITTED", zap.Uint64("txn_id", uint64(t.ID())))
		return &TransactionAbortError{TxnID: t.ID(), Reason: LockSharedOnReadUncommitted}
	}
	return nil
}

// tryWoundYounger aborts every request in q (grant queue then wait queue)
// belonging to a transaction younger than myID that isn't already
// wounded, and returns how many it wounded. Callers must hold q.mu.
func (m *Manager) tryWoundYounger(ctx context.Context, q *lockRequestQueue, myID txn.ID) int {
	count := 0
	wound := func(req *lockRequest) {
		if req.txnID == myID || req.wounded || !myID.Older(req.txnID) {
			return
		}
		req.wounded = true
		if other, ok := m.txns.Get(req.txnID); ok {
			other.SetState(txn.Aborted)
		}
		m.metrics.IncWound(ctx)
		count++
	}
	for _, req := range q.grantQueue {
		wound(req)
	}
	for _, req := range q.waitQueue {
		wound(req)
	}
	return count
}

// waitLoop appends a request for mode to q's wait queue and blocks until
// it is granted or the transaction is wounded, implementing the
// wound-wait protocol and FIFO compatibility check.
func (m *Manager) waitLoop(ctx context.Context, q *lockRequestQueue, t *txn.Transaction, mode LockMode) error {
	req := &lockRequest{txnID: t.ID(), mode: mode}
	start := time.Now()

	q.mu.Lock()
	q.waitQueue = append(q.waitQueue, req)
	for {
		if len(q.waitQueue) > 0 && q.waitQueue[0] == req && q.requestCompatible(mode) {
			q.waitQueue = q.waitQueue[1:]
			req.granted = true
			q.grantQueue = append(q.grantQueue, req)
			q.mu.Unlock()
			m.metrics.RecordWait(ctx, time.Since(start).Seconds())
			return nil
		}

		if wounded := m.tryWoundYounger(ctx, q, t.ID()); wounded > 0 {
			q.cond.Broadcast()
		}
		q.cond.Wait()

		if t.State() == txn.Aborted {
			q.removeFromWait(req)
			q.mu.Unlock()
			m.metrics.RecordWait(ctx, time.Since(start).Seconds())
			return &TransactionAbortError{TxnID: t.ID(), Reason: Deadlock}
		}
	}
}

// LockShared acquires a shared lock on row for t, blocking until granted
// or the transaction is wounded.
func (m *Manager) LockShared(ctx context.Context, t *txn.Transaction, row txn.RowID) error {
	if err := m.sanityCheck(t, Shared); err != nil {
		return err
	}
	if t.HasShared(row) || t.HasExclusive(row) {
		return nil
	}
	q := m.getQueue(row)
	if err := m.waitLoop(ctx, q, t, Shared); err != nil {
		return err
	}
	t.AddShared(row)
	return nil
}

// LockExclusive acquires an exclusive lock on row for t, blocking until
// granted or the transaction is wounded.
func (m *Manager) LockExclusive(ctx context.Context, t *txn.Transaction, row txn.RowID) error {
	if err := m.sanityCheck(t, Exclusive); err != nil {
		return err
	}
	if t.HasExclusive(row) {
		return nil
	}
	q := m.getQueue(row)
	if err := m.waitLoop(ctx, q, t, Exclusive); err != nil {
		return err
	}
	t.AddExclusive(row)
	return nil
}

// LockUpgrade promotes t's shared lock on row to exclusive in place. If
// another transaction is already upgrading this row, t is aborted with
// UpgradeConflict.
func (m *Manager) LockUpgrade(ctx context.Context, t *txn.Transaction, row txn.RowID) error {
	if err := m.sanityCheck(t, Exclusive); err != nil {
		return err
	}
	if t.HasExclusive(row) {
		return nil
	}
	q := m.getQueue(row)

	q.mu.Lock()
	if q.hasUpgrading {
		q.mu.Unlock()
		t.SetState(txn.Aborted)
		m.metrics.IncUpgradeConflict(ctx)
		return &TransactionAbortError{TxnID: t.ID(), Reason: UpgradeConflict}
	}
	q.removeFromGrant(t.ID())
	q.upgrading = t.ID()
	q.hasUpgrading = true
	q.mu.Unlock()

	err := m.waitLoop(ctx, q, t, Exclusive)

	q.mu.Lock()
	q.hasUpgrading = false
	q.mu.Unlock()

	if err != nil {
		return err
	}
	t.RemoveShared(row)
	t.AddExclusive(row)
	return nil
}

// Unlock releases t's lock on row. Returns ErrNotHeld if t does not hold
// row.
func (m *Manager) Unlock(t *txn.Transaction, row txn.RowID) error {
	m.latch.Lock()
	q, ok := m.table[row]
	m.latch.Unlock()
	if !ok {
		return ErrNotHeld
	}

	q.mu.Lock()
	req := q.removeFromGrant(t.ID())
	if req == nil {
		q.mu.Unlock()
		return ErrNotHeld
	}
	nowEmpty := len(q.grantQueue) == 0
	q.mu.Unlock()

	if nowEmpty {
		q.cond.Broadcast()
	}

	if req.mode == Shared {
		t.RemoveShared(row)
	} else {
		t.RemoveExclusive(row)
	}

	if t.State() == txn.Growing {
		if !(req.mode == Shared && t.IsolationLevel() == txn.ReadCommitted) {
			t.SetState(txn.Shrinking)
		}
	}
	return nil
}
