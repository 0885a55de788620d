package lockmgr

import (
	"errors"
	"fmt"

	"github.com/arvindks/gojodb/core/txn"
)

// AbortReason classifies why the lock manager aborted a transaction.
type AbortReason int

const (
	Deadlock AbortReason = iota
	LockOnShrinking
	LockSharedOnReadUncommitted
	UpgradeConflict
)

func (r AbortReason) String() string {
	switch r {
	case Deadlock:
		return "DEADLOCK"
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCKSHARED_ON_READ_UNCOMMITTED"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// TransactionAbortError is raised whenever the lock manager forces a
// transaction into the ABORTED state. The transaction's state transitions
// to ABORTED before this error is ever observed by the caller.
type TransactionAbortError struct {
	TxnID  txn.ID
	Reason AbortReason
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// ErrNotHeld is returned by Unlock when the calling transaction does not
// hold the requested row.
var ErrNotHeld = errors.New("lockmgr: transaction does not hold this row")
