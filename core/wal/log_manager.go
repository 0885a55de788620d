// Package wal sequences log records produced by the hash index (bucket
// splits and merges) without providing crash recovery or durability — both are explicit
// non-goals of the storage core. A LogManager only guarantees that records
// are assigned strictly increasing LSNs and forwarded, in order, to
// whatever Sink the caller configured; it never blocks a caller on disk
// persistence and never replays anything on startup.
package wal

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LSN is a log sequence number. 0 is never issued; the first record
// appended gets LSN 1.
type LSN uint64

// RecordType classifies why a record was forwarded. The storage core only
// needs enough granularity to let a downstream consumer (outside this
// module's scope) distinguish page mutations from structural index
// changes; it carries no redo/undo payload semantics here.
type RecordType int

const (
	RecordPageWrite RecordType = iota
	RecordNewPage
	RecordFreePage
	RecordBucketSplit
	RecordBucketMerge
)

// Record is the opaque unit forwarded to the log manager. PageID is an
// int32 page identifier (see core/storage/page.ID) kept untyped here so
// this package has no import-time dependency on the page package.
type Record struct {
	LSN     LSN
	TxnID   uint64
	Type    RecordType
	PageID  int32
	Payload []byte
}

// Sink receives sequenced records. Implementations are free to discard,
// buffer, or ship them elsewhere (e.g. a replication stream); the
// LogManager makes no assumption about what happens after Accept returns.
type Sink interface {
	Accept(Record)
}

// DiscardSink is the default Sink: it drops every record. Standing in for
// "no log manager configured" without requiring callers to nil-check.
type DiscardSink struct{}

// Accept implements Sink by discarding rec.
func (DiscardSink) Accept(Record) {}

// LogManager hands out LSNs and forwards records to a Sink. It holds no
// file handle and performs no I/O of its own; durability, if any, is
// entirely the Sink's concern.
type LogManager struct {
	nextLSN atomic.Uint64

	mu   sync.Mutex
	sink Sink
	log  *zap.Logger
}

// New returns a LogManager forwarding to sink. A nil sink defaults to
// DiscardSink.
func New(sink Sink, log *zap.Logger) *LogManager {
	if sink == nil {
		sink = DiscardSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	lm := &LogManager{sink: sink, log: log}
	return lm
}

// Append assigns the next LSN to rec and forwards it to the configured
// sink. It never blocks on persistence and never fails: rec.LSN is
// returned for the caller's own bookkeeping.
func (lm *LogManager) Append(rec Record) LSN {
	lsn := LSN(lm.nextLSN.Add(1))
	rec.LSN = lsn

	lm.mu.Lock()
	sink := lm.sink
	lm.mu.Unlock()

	sink.Accept(rec)
	return lsn
}

// SetSink swaps the sink records are forwarded to. Useful for tests that
// want to capture the sequence of records a component emitted.
func (lm *LogManager) SetSink(sink Sink) {
	if sink == nil {
		sink = DiscardSink{}
	}
	lm.mu.Lock()
	lm.sink = sink
	lm.mu.Unlock()
}

// LastLSN returns the most recently issued LSN, or 0 if none has been
// issued yet.
func (lm *LogManager) LastLSN() LSN {
	return LSN(lm.nextLSN.Load())
}
