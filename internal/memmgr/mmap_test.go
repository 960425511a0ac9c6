package memmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise Mmap's busy/free interval bookkeeping directly,
// pre-seeding mm.free so the highest-fit allocator and the unmap/mprotect
// splitters never need to call into a real Manager/hypervisor device.

func TestCarveFreeHighestFitPicksHighestAddress(t *testing.T) {
	mm := &Mmap{free: []interval{
		{base: 0x1000, size: 0x3000},
		{base: 0x10000, size: 0x2000},
	}}
	base, ok := mm.carveFreeHighestFit(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x11000), base, "allocation must come from the top of the highest-addressed fitting interval")
	// the remainder of the carved interval must stay in the free set
	require.Len(t, mm.free, 2)
}

func TestCarveFreeHighestFitNoFit(t *testing.T) {
	mm := &Mmap{free: []interval{{base: 0x1000, size: 0x1000}}}
	_, ok := mm.carveFreeHighestFit(0x2000)
	assert.False(t, ok)
}

func TestReserveExactSplitsContainingInterval(t *testing.T) {
	mm := &Mmap{free: []interval{{base: 0x1000, size: 0x5000}}}
	ok := mm.reserveExact(0x2000, 0x1000)
	require.True(t, ok)

	var total uint64
	for _, f := range mm.free {
		total += f.size
	}
	assert.Equal(t, uint64(0x4000), total, "reserving a sub-range must leave the rest as free")
}

func TestMergeSetCombinesAdjacentCompatibleIntervals(t *testing.T) {
	ivs := []interval{
		{base: 0x3000, size: 0x1000, prot: ProtRead},
		{base: 0x1000, size: 0x1000, prot: ProtRead},
		{base: 0x2000, size: 0x1000, prot: ProtRead},
	}
	out := mergeSet(ivs)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0x1000), out[0].base)
	assert.Equal(t, uint64(0x3000), out[0].size)
}

func TestMergeSetDoesNotMergeDifferingProtection(t *testing.T) {
	ivs := []interval{
		{base: 0x1000, size: 0x1000, prot: ProtRead},
		{base: 0x2000, size: 0x1000, prot: ProtRead | ProtWrite},
	}
	out := mergeSet(ivs)
	assert.Len(t, out, 2)
}

func TestMunmapSplitsBusyIntervalAndFreesTheHole(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x3000, prot: ProtRead}}}
	require.NoError(t, mm.Munmap(0x2000, 0x1000))

	require.Len(t, mm.busy, 2)
	assert.Equal(t, uint64(0x1000), mm.busy[0].base)
	assert.Equal(t, uint64(0x1000), mm.busy[0].size)
	assert.Equal(t, uint64(0x3000), mm.busy[1].base)
	assert.Equal(t, uint64(0x1000), mm.busy[1].size)

	require.Len(t, mm.free, 1)
	assert.Equal(t, uint64(0x2000), mm.free[0].base)
	assert.Equal(t, uint64(0x1000), mm.free[0].size)
}

func TestMunmapRejectsUnalignedAddr(t *testing.T) {
	mm := &Mmap{}
	err := mm.Munmap(0x1001, 0x1000)
	assert.Error(t, err)
}

func TestMprotectFailsWhenRangeNotFullyBacked(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x1000, prot: ProtRead}}}
	err := mm.Mprotect(0x1000, 0x2000, ProtRead|ProtWrite)
	assert.Error(t, err, "a partially-unbacked range must fail without mutating state")
	assert.Equal(t, uint32(ProtRead), mm.busy[0].prot, "a failed Mprotect must not mutate existing intervals")
}

func TestMprotectUpdatesCoveredRange(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x2000, prot: ProtRead}}}
	require.NoError(t, mm.Mprotect(0x1000, 0x2000, ProtRead|ProtWrite))
	require.Len(t, mm.busy, 1)
	assert.Equal(t, uint32(ProtRead|ProtWrite), mm.busy[0].prot)
}

func TestMremapShrinkInPlaceFreesTheTail(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x4000, prot: ProtRead}}}
	newAddr, err := mm.Mremap(0x1000, 0x4000, 0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), newAddr)
	require.Len(t, mm.busy, 1)
	assert.Equal(t, uint64(0x2000), mm.busy[0].size)
	require.Len(t, mm.free, 1)
	assert.Equal(t, uint64(0x3000), mm.free[0].base)
}

func TestMremapGrowInPlaceWhenAdjacentSpaceIsFree(t *testing.T) {
	mm := &Mmap{
		busy: []interval{{base: 0x1000, size: 0x1000, prot: ProtRead}},
		free: []interval{{base: 0x2000, size: 0x1000}},
	}
	newAddr, err := mm.Mremap(0x1000, 0x1000, 0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), newAddr)
	require.Len(t, mm.busy, 1)
	assert.Equal(t, uint64(0x2000), mm.busy[0].size)
}

func TestMremapRejectsZeroSizeOrUnalignedAddr(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x1000}}}
	_, err := mm.Mremap(0x1000, 0, 0x1000, 0)
	assert.Error(t, err)
	_, err = mm.Mremap(0x1001, 0x1000, 0x1000, 0)
	assert.Error(t, err)
}

func TestMremapFixedWithoutMayMoveIsEINVAL(t *testing.T) {
	mm := &Mmap{busy: []interval{{base: 0x1000, size: 0x1000}}}
	_, err := mm.Mremap(0x1000, 0x1000, 0x2000, MremapFixed)
	assert.Error(t, err)
}
