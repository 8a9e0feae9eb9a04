package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocFreeReuse(t *testing.T) {
	h := NewHeap(4096)

	p1, ok := h.Alloc(64, 8)
	require.True(t, ok)
	p2, ok := h.Alloc(64, 8)
	require.True(t, ok)
	assert.NotEqual(t, p1, p2)

	h.Free(p1)
	h.Free(p2)

	p3, ok := h.Alloc(100, 8)
	require.True(t, ok)
	assert.NotZero(t, p3)
}

func TestHeapAlignedAllocation(t *testing.T) {
	h := NewHeap(1 << 20)
	p, ok := h.Alloc(PageSize, PageSize)
	require.True(t, ok)
	assert.Equal(t, uint64(0), p%PageSize)

	h.Free(p)

	p2, ok := h.Alloc(PageSize, PageSize)
	require.True(t, ok)
	assert.Equal(t, uint64(0), p2%PageSize)
}

func TestHeapOutOfMemory(t *testing.T) {
	h := NewHeap(64)
	_, ok := h.Alloc(1024, 8)
	assert.False(t, ok)
}

func TestHeapExtendGrowsCapacity(t *testing.T) {
	h := NewHeap(64)
	_, ok := h.Alloc(32, 8)
	require.True(t, ok)

	_, ok = h.Alloc(64, 8)
	assert.False(t, ok)

	h.Extend(64 + 128)
	p, ok := h.Alloc(64, 8)
	require.True(t, ok)
	assert.NotZero(t, p)
}

func TestHeapCoalescesAdjacentFreeChunks(t *testing.T) {
	h := NewHeap(4096)
	p1, _ := h.Alloc(64, 8)
	p2, _ := h.Alloc(64, 8)
	p3, _ := h.Alloc(64, 8)

	h.Free(p1)
	h.Free(p3)
	h.Free(p2)

	big, ok := h.Alloc(3000, 8)
	require.True(t, ok)
	assert.NotZero(t, big)
}
