// Package vm implements the two-regime 4-level address space (spec §4.2):
// kernel and user translation tables over a simulated physical memory,
// built the way the teacher's vm/as.go wraps mem's frame allocator, but
// targeting the spec's ARM64 4 KiB/4-level layout instead of biscuit's
// x86_64 tables.
package vm

import "github.com/wayhoww/wwos/mem"

// PhysicalMemory is the simulated RAM backing every physical frame: table
// frames, user page frames, and kernel data frames alike. There being no
// real hardware underneath this kernel, frame content lives here instead
// of at a literal physical address.
type PhysicalMemory struct {
	bytes []byte
}

// NewPhysicalMemory allocates size bytes of simulated RAM, zeroed.
func NewPhysicalMemory(size uint64) *PhysicalMemory {
	return &PhysicalMemory{bytes: make([]byte, size)}
}

// Frame returns the PageSize-byte slice backing the frame at pa. It
// panics if pa+PageSize overruns the simulated RAM -- a fresh frame from
// mem.FrameAllocator never does.
func (p *PhysicalMemory) Frame(pa mem.PhysAddr) []byte {
	start := uint64(pa)
	end := start + mem.PageSize
	if end > uint64(len(p.bytes)) {
		panic("vm: physical address out of simulated RAM range")
	}
	return p.bytes[start:end]
}

// Size returns the total simulated RAM size in bytes.
func (p *PhysicalMemory) Size() uint64 {
	return uint64(len(p.bytes))
}
