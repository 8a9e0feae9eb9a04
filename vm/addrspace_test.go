package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wayhoww/wwos/mem"
)

func newTestSpace(t *testing.T) (*AddressSpace, *mem.FrameAllocator) {
	t.Helper()
	frames := mem.NewFrameAllocator(0, 4096)
	phys := NewPhysicalMemory(4096 * mem.PageSize)
	as := NewAddressSpace(User, frames, phys)
	return as, frames
}

func TestMapIdempotentAndTranslate(t *testing.T) {
	as, frames := newTestSpace(t)
	pa, ok := frames.Alloc(1)
	require.True(t, ok)

	as.Map(0x200000, pa)
	got, ok := as.Translate(0x200000)
	require.True(t, ok)
	assert.Equal(t, pa, got)

	// idempotent remap to same pa
	as.Map(0x200000, pa)
	got2, ok := as.Translate(0x200000)
	require.True(t, ok)
	assert.Equal(t, pa, got2)
}

func TestEnumerateDepthFirst(t *testing.T) {
	as, frames := newTestSpace(t)
	vas := []uint64{0x200000, 0x201000, 0x400000000}
	want := map[uint64]mem.PhysAddr{}
	for _, va := range vas {
		pa, ok := frames.Alloc(1)
		require.True(t, ok)
		as.Map(va, pa)
		want[va] = pa
	}

	got := as.Enumerate()
	require.Len(t, got, len(vas))
	for i, m := range got {
		assert.Equal(t, vas[i], m.VA)
		assert.Equal(t, want[m.VA], m.PA)
	}
}

func TestDropFreesIntermediateTablesOnly(t *testing.T) {
	as, frames := newTestSpace(t)

	leafPa, ok := frames.Alloc(1)
	require.True(t, ok)
	as.Map(0x200000, leafPa)

	as.Drop()
	frames.Free(leafPa)

	// Drop also releases the root table, so every frame is free again.
	assert.Equal(t, [][2]uint64{{0, 4096}}, frames.Ranges())
}
