// Package mem implements the physical frame allocator (spec §4.1) and the
// kernel heap allocator (spec §4.3), grounded on the teacher's mem.go and
// vm/as.go free-list idioms but stripped of biscuit's per-page refcounting
// (the spec's fork is a deep page copy, not copy-on-write, so no frame is
// ever shared between address spaces and refcounts would be dead weight).
package mem

import (
	"fmt"
	"sort"
)

// PageSize is the fixed frame/page size for this platform.
const PageSize = 4096

// PhysAddr is a physical address. Frame-granular operations always return
// page-aligned values.
type PhysAddr uint64

type frange struct {
	base   PhysAddr
	length uint64 // in frames
}

func (r frange) end() PhysAddr { return r.base + PhysAddr(r.length*PageSize) }

// FrameAllocator owns an ordered, disjoint, non-adjacent free list of
// physical frame ranges -- testable property 1.
type FrameAllocator struct {
	free []frange
}

// NewFrameAllocator seeds the allocator with a single free range
// [base, base+n*PageSize).
func NewFrameAllocator(base PhysAddr, frames uint64) *FrameAllocator {
	if frames == 0 {
		return &FrameAllocator{}
	}
	return &FrameAllocator{free: []frange{{base: base, length: frames}}}
}

// Alloc reserves n contiguous frames and returns their base address.
// ok is false on out-of-memory.
func (a *FrameAllocator) Alloc(n uint64) (PhysAddr, bool) {
	if n == 0 {
		n = 1
	}
	if n == 1 {
		return a.allocOne()
	}
	return a.allocN(n)
}

// allocOne takes a single frame from the tail of the highest-addressed
// (trailing) range, preserving low memory contiguity for alloc_at-style
// fixed placement requests.
func (a *FrameAllocator) allocOne() (PhysAddr, bool) {
	if len(a.free) == 0 {
		return 0, false
	}
	last := len(a.free) - 1
	r := &a.free[last]
	pa := r.end() - PageSize
	r.length--
	if r.length == 0 {
		a.free = a.free[:last]
	}
	return pa, true
}

// allocN finds the first range with at least n frames and carves n frames
// from its front, splitting as needed.
func (a *FrameAllocator) allocN(n uint64) (PhysAddr, bool) {
	for i := range a.free {
		if a.free[i].length >= n {
			pa := a.free[i].base
			a.free[i].base += PhysAddr(n * PageSize)
			a.free[i].length -= n
			if a.free[i].length == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			return pa, true
		}
	}
	return 0, false
}

// AllocAt carves out exactly [pa, pa+n*PageSize) from the free list. It
// locates the unique range containing the requested span and handles all
// four overlap shapes: exact, left-aligned, right-aligned, interior split.
func (a *FrameAllocator) AllocAt(pa PhysAddr, n uint64) bool {
	if n == 0 {
		n = 1
	}
	want := frange{base: pa, length: n}
	for i := range a.free {
		r := a.free[i]
		if pa < r.base || want.end() > r.end() {
			continue
		}
		switch {
		case pa == r.base && want.end() == r.end():
			a.free = append(a.free[:i], a.free[i+1:]...)
		case pa == r.base:
			a.free[i].base = want.end()
			a.free[i].length = r.length - n
		case want.end() == r.end():
			a.free[i].length = r.length - n
		default:
			leftLen := uint64(pa-r.base) / PageSize
			rightBase := want.end()
			rightLen := r.length - leftLen - n
			a.free[i].length = leftLen
			tail := frange{base: rightBase, length: rightLen}
			a.free = append(a.free, frange{})
			copy(a.free[i+2:], a.free[i+1:])
			a.free[i+1] = tail
		}
		return true
	}
	return false
}

// Free returns a single frame to the pool, coalescing with adjacent
// neighbors. It panics on a double-free or a free into a non-gap address,
// per spec §4.1 ("a logic fault must be caught in testing").
func (a *FrameAllocator) Free(pa PhysAddr) {
	nr := frange{base: pa, length: 1}

	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].base >= pa })

	// Reject double-free / freeing into a live range.
	if idx < len(a.free) && a.free[idx].base <= pa && pa < a.free[idx].end() {
		panic(fmt.Sprintf("mem: double free or free into live range at %#x", pa))
	}
	if idx > 0 && a.free[idx-1].base <= pa && pa < a.free[idx-1].end() {
		panic(fmt.Sprintf("mem: double free or free into live range at %#x", pa))
	}

	mergeLeft := idx > 0 && a.free[idx-1].end() == pa
	mergeRight := idx < len(a.free) && nr.end() == a.free[idx].base

	switch {
	case mergeLeft && mergeRight:
		a.free[idx-1].length += 1 + a.free[idx].length
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	case mergeLeft:
		a.free[idx-1].length++
	case mergeRight:
		a.free[idx].base = pa
		a.free[idx].length++
	default:
		a.free = append(a.free, frange{})
		copy(a.free[idx+1:], a.free[idx:])
		a.free[idx] = nr
	}
}

// Ranges returns a snapshot of the free list for tests (property 1:
// round-tripping alloc/free sequences must restore the original list).
func (a *FrameAllocator) Ranges() [][2]uint64 {
	out := make([][2]uint64, len(a.free))
	for i, r := range a.free {
		out[i] = [2]uint64{uint64(r.base), r.length}
	}
	return out
}
