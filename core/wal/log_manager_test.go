package wal_test

import (
	"sync"
	"testing"

	"github.com/arvindks/gojodb/core/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	records []wal.Record
}

func (s *captureSink) Accept(rec wal.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *captureSink) snapshot() []wal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wal.Record, len(s.records))
	copy(out, s.records)
	return out
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	sink := &captureSink{}
	lm := wal.New(sink, nil)

	lsn1 := lm.Append(wal.Record{Type: wal.RecordNewPage, PageID: 1})
	lsn2 := lm.Append(wal.Record{Type: wal.RecordPageWrite, PageID: 1})

	assert.Equal(t, wal.LSN(1), lsn1)
	assert.Equal(t, wal.LSN(2), lsn2)
	assert.Equal(t, lsn2, lm.LastLSN())

	recs := sink.snapshot()
	require.Len(t, recs, 2)
	assert.Equal(t, wal.LSN(1), recs[0].LSN)
	assert.Equal(t, wal.LSN(2), recs[1].LSN)
}

func TestNilSinkDefaultsToDiscard(t *testing.T) {
	lm := wal.New(nil, nil)
	assert.NotPanics(t, func() {
		lm.Append(wal.Record{Type: wal.RecordBucketSplit})
	})
}

func TestSetSinkSwapsDestination(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	lm := wal.New(first, nil)

	lm.Append(wal.Record{Type: wal.RecordNewPage})
	lm.SetSink(second)
	lm.Append(wal.Record{Type: wal.RecordFreePage})

	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, second.snapshot(), 1)
}

func TestConcurrentAppendsAreAllSequenced(t *testing.T) {
	sink := &captureSink{}
	lm := wal.New(sink, nil)

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.Append(wal.Record{Type: wal.RecordPageWrite})
		}()
	}
	wg.Wait()

	seen := make(map[wal.LSN]bool)
	for _, rec := range sink.snapshot() {
		require.False(t, seen[rec.LSN], "duplicate LSN %d", rec.LSN)
		seen[rec.LSN] = true
	}
	assert.Len(t, seen, n)
}
