package hash_test

import (
	"testing"

	"github.com/arvindks/gojodb/core/index/hash"
	"github.com/arvindks/gojodb/core/storage/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, bucketID page.ID) *hash.DirectoryPage {
	t.Helper()
	pg := page.New()
	meta := pg.MetaLock()
	meta.Lock()
	pg.ResetMetaLocked(0)
	meta.Unlock()
	return hash.InitDirectoryPage(pg, bucketID)
}

func TestInitDirectoryPageStartsAtDepthZero(t *testing.T) {
	d := newTestDirectory(t, 5)
	assert.Equal(t, uint32(0), d.GlobalDepth())
	assert.Equal(t, uint32(1), d.Size())
	assert.Equal(t, page.ID(5), d.BucketPageID(0))
	assert.Equal(t, uint8(0), d.LocalDepth(0))
}

func TestIncrGlobalDepthDoublesSize(t *testing.T) {
	d := newTestDirectory(t, 5)
	d.IncrGlobalDepth()
	assert.Equal(t, uint32(1), d.GlobalDepth())
	assert.Equal(t, uint32(2), d.Size())
	assert.Equal(t, uint32(1), d.GlobalDepthMask())
}

func TestLocalDepthAndHighBit(t *testing.T) {
	d := newTestDirectory(t, 5)
	d.SetLocalDepth(0, 3)
	assert.Equal(t, uint8(3), d.LocalDepth(0))
	assert.Equal(t, uint32(8), d.LocalHighBit(0))

	d.IncrLocalDepth(0)
	assert.Equal(t, uint8(4), d.LocalDepth(0))
	d.DecrLocalDepth(0)
	assert.Equal(t, uint8(3), d.LocalDepth(0))
}

func TestCanShrinkWhenAllLocalDepthsBelowGlobal(t *testing.T) {
	d := newTestDirectory(t, 5)
	d.IncrGlobalDepth() // depth 1, size 2
	d.SetBucketPageID(1, 6)
	d.SetLocalDepth(0, 0)
	d.SetLocalDepth(1, 0)
	require.True(t, d.CanShrink())

	d.SetLocalDepth(0, 1)
	assert.False(t, d.CanShrink())
}

func TestSetBucketPageIDRedirectsSlot(t *testing.T) {
	d := newTestDirectory(t, 5)
	d.IncrGlobalDepth()
	d.SetBucketPageID(1, 9)
	assert.Equal(t, page.ID(9), d.BucketPageID(1))
}
