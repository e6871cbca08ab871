package objid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateRetainRelease(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "ids"), NumRegions*1024)
	require.NoError(t, err)
	defer a.Close()

	region, err := a.NewRegion()
	require.NoError(t, err)

	id, err := a.Allocate(region)
	require.NoError(t, err)
	require.Equal(t, uint32(1), a.Load(id).Refcount())
	require.True(t, a.Load(id).IsFreed(), "fresh id has no location yet")

	a.SetLocation(id, 4096)
	require.False(t, a.Load(id).IsFreed())
	require.Equal(t, uint64(4096), a.Load(id).Location())

	require.NoError(t, a.Retain(id))
	require.Equal(t, uint32(2), a.Load(id).Refcount())

	require.False(t, a.Release(id))
	require.Equal(t, uint32(1), a.Load(id).Refcount())

	require.True(t, a.Release(id))
	require.True(t, a.Load(id).IsFreed())
	require.Equal(t, uint32(0), a.Load(id).Refcount())
}

func TestFreeListReuse(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "ids"), NumRegions*1024)
	require.NoError(t, err)
	defer a.Close()

	region, err := a.NewRegion()
	require.NoError(t, err)

	first, err := a.Allocate(region)
	require.NoError(t, err)
	a.SetLocation(first, 16)
	require.True(t, a.Release(first))

	second, err := a.Allocate(region)
	require.NoError(t, err)
	require.Equal(t, first, second, "freed id should be reused before bumping the index")
}

func TestRetainOverflow(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "ids"), NumRegions*1024)
	require.NoError(t, err)
	defer a.Close()

	region, err := a.NewRegion()
	require.NoError(t, err)
	id, err := a.Allocate(region)
	require.NoError(t, err)

	for i := 0; i < MaxRefcount-1; i++ {
		require.NoError(t, a.Retain(id))
	}
	require.ErrorIs(t, a.Retain(id), ErrRefcountOverflow)
}

func TestMoveProtocol(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "ids"), NumRegions*1024)
	require.NoError(t, err)
	defer a.Close()

	region, err := a.NewRegion()
	require.NoError(t, err)
	id, err := a.Allocate(region)
	require.NoError(t, err)
	a.SetLocation(id, 100)

	started, retry := a.TryStartMove(id, 100)
	require.True(t, started)
	require.False(t, retry)

	require.True(t, a.TryCommitMove(id, 100, 200))
	require.Equal(t, uint64(200), a.Load(id).Location())
	require.Equal(t, StateClean, a.Load(id).State())
}

func TestReconstructFreeListOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids")
	a, err := Open(path, NumRegions*1024)
	require.NoError(t, err)

	region, err := a.NewRegion()
	require.NoError(t, err)
	id, err := a.Allocate(region)
	require.NoError(t, err)
	a.SetLocation(id, 16)
	require.True(t, a.Release(id))
	require.NoError(t, a.Close())

	b, err := Open(path, NumRegions*1024)
	require.NoError(t, err)
	defer b.Close()

	region2, err := b.NewRegion()
	require.NoError(t, err)
	require.Equal(t, region, region2)

	reused, err := b.Allocate(region2)
	require.NoError(t, err)
	require.Equal(t, id, reused, "free list must be reconstructed by scanning refcount==0 entries")
}
