package mem

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAllocRoundTrip(t *testing.T) {
	a := NewFrameAllocator(0, 64)
	initial := a.Ranges()

	var allocated []PhysAddr
	for i := 0; i < 20; i++ {
		pa, ok := a.Alloc(1)
		require.True(t, ok)
		allocated = append(allocated, pa)
	}

	r := rand.New(rand.NewSource(7))
	r.Shuffle(len(allocated), func(i, j int) { allocated[i], allocated[j] = allocated[j], allocated[i] })
	for _, pa := range allocated {
		a.Free(pa)
	}

	assert.Equal(t, initial, a.Ranges())
}

func TestFrameAllocAtFourCases(t *testing.T) {
	a := NewFrameAllocator(0, 10)

	// interior split
	ok := a.AllocAt(PhysAddr(3*PageSize), 2)
	require.True(t, ok)
	ranges := a.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, uint64(3), ranges[0][1])
	assert.Equal(t, uint64(5), ranges[1][1])

	// left-aligned against the first remaining range
	ok = a.AllocAt(PhysAddr(0), 2)
	require.True(t, ok)

	// exact match of the remaining first range [2,3)
	ok = a.AllocAt(PhysAddr(2*PageSize), 1)
	require.True(t, ok)

	// right-aligned against the end of the remaining range [5,10)
	ok = a.AllocAt(PhysAddr(9*PageSize), 1)
	require.True(t, ok)

	a.Free(PhysAddr(9 * PageSize))
	a.Free(PhysAddr(0))
	a.Free(PhysAddr(PageSize))
	a.Free(PhysAddr(2 * PageSize))
	a.Free(PhysAddr(3 * PageSize))
	a.Free(PhysAddr(4 * PageSize))

	assert.Equal(t, [][2]uint64{{0, 10}}, a.Ranges())
}

func TestFrameAllocNMultiFrame(t *testing.T) {
	a := NewFrameAllocator(0, 10)
	pa, ok := a.Alloc(4)
	require.True(t, ok)
	assert.Equal(t, PhysAddr(0), pa)
}

func TestFrameDoubleFreePanics(t *testing.T) {
	a := NewFrameAllocator(0, 4)
	pa, ok := a.Alloc(1)
	require.True(t, ok)
	a.Free(pa)
	assert.Panics(t, func() { a.Free(pa) })
}
