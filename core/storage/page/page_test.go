package page_test

import (
	"testing"

	"github.com/arvindks/gojodb/core/storage/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPageStartsInvalidAndClean(t *testing.T) {
	pg := page.New()
	assert.Equal(t, page.InvalidID, pg.ID())
	assert.Equal(t, int32(0), pg.PinCount())
	assert.False(t, pg.IsDirty())
	assert.Len(t, pg.Data(), page.Size)
}

func TestMarkDirtyRequiresPin(t *testing.T) {
	pg := page.New()
	assert.Panics(t, func() { pg.MarkDirty() })

	meta := pg.MetaLock()
	meta.Lock()
	pg.ResetMetaLocked(1)
	meta.Unlock()

	pg.Latch().Lock()
	pg.MarkDirty()
	pg.Latch().Unlock()
	assert.True(t, pg.IsDirty())
}

func TestResetMetaLockedReinitializes(t *testing.T) {
	pg := page.New()
	meta := pg.MetaLock()

	meta.Lock()
	pg.ResetMetaLocked(7)
	require.Equal(t, page.ID(7), pg.IDLocked())
	require.Equal(t, int32(1), pg.PinCountLocked())
	require.False(t, pg.IsDirtyLocked())
	pg.SetDirtyLocked(true)
	meta.Unlock()

	assert.True(t, pg.IsDirty())

	meta.Lock()
	pg.ResetMetaLocked(8)
	assert.Equal(t, page.ID(8), pg.IDLocked())
	assert.False(t, pg.IsDirtyLocked())
	meta.Unlock()
}

func TestDecPinLockedFloorsAtZero(t *testing.T) {
	pg := page.New()
	meta := pg.MetaLock()
	meta.Lock()
	defer meta.Unlock()

	pg.SetPinCountLocked(0)
	pg.DecPinLocked()
	assert.Equal(t, int32(0), pg.PinCountLocked())
}

func TestZeroClearsPayload(t *testing.T) {
	pg := page.New()
	pg.Latch().Lock()
	data := pg.Data()
	data[0] = 0xFF
	data[page.Size-1] = 0xAB
	pg.Zero()
	for i, b := range pg.Data() {
		require.Equalf(t, byte(0), b, "byte %d not zeroed", i)
	}
	pg.Latch().Unlock()
}
