package mem

import (
	"fmt"

	"github.com/wayhoww/wwos/util"
)

// Heap is a free-list allocator over one contiguous byte region, addressed
// by offset from the region's start (the kernel virtual address of a
// chunk is Base+offset; vm owns mapping that window, this package only
// owns the bytes). Matches spec §4.3: in-band headers, first-fit,
// alignment-aware splitting/coalescing, extendable.
//
// Chunk header layout (16 bytes, in-band, at the start of every chunk
// whether free or allocated):
//
//	[0:8]  size   -- chunk size in bytes after this header
//	[8:16] next   -- offset of next free chunk, or noNext
//
// A free chunk's header doubles as its free-list link; an allocated
// chunk's header is only used by Free to recover the chunk's size and
// start, via the back-pointer stored just before the data returned to the
// caller (see backptrSize below).
const hdrSize = 16

const noNext = ^uint64(0)

// Heap owns a growable byte buffer and a singly linked free list threaded
// through chunk headers, with a permanent head sentinel chunk of size 0.
type Heap struct {
	mem       []byte
	head      uint64 // offset of the sentinel; always 0
	alignment uint64
}

// NewHeap creates a heap over size bytes starting empty data, with the
// entire region as one free chunk following the head sentinel.
func NewHeap(size uint64) *Heap {
	h := &Heap{mem: make([]byte, hdrSize+size), alignment: 8}
	h.setSize(h.head, 0)
	h.setNext(h.head, hdrSize)
	h.setSize(hdrSize, size-hdrSize)
	h.setNext(hdrSize, noNext)
	return h
}

func (h *Heap) size(off uint64) uint64 { return util.ReadU64(h.mem, int(off)) }
func (h *Heap) setSize(off, v uint64)  { util.WriteU64(h.mem, int(off), v) }
func (h *Heap) next(off uint64) uint64 { return util.ReadU64(h.mem, int(off)+8) }
func (h *Heap) setNext(off, v uint64)  { util.WriteU64(h.mem, int(off)+8, v) }

func roundup(v, b uint64) uint64 {
	return (v + b - 1) / b * b
}

// backptrSize is the width of the back-pointer word reserved immediately
// before every returned data pointer, so Free can recover the owning
// chunk's start even when alignment padding moved the pointer away from
// the header.
const backptrSize = 8

// Alloc finds the first free chunk large enough to satisfy size bytes at
// the given alignment (which must be a power of two; page alignment is
// supported), splitting off the remainder when it's big enough to hold
// another header, and returns the offset of the usable data region.
func (h *Heap) Alloc(size, align uint64) (uint64, bool) {
	if align == 0 {
		align = h.alignment
	}
	prev := h.head
	cur := h.next(prev)

	for cur != noNext {
		dataStart := cur + hdrSize + backptrSize
		aligned := roundup(dataStart, align)
		pad := aligned - dataStart
		need := backptrSize + pad + size

		if h.size(cur) >= need {
			total := h.size(cur)
			remainder := total - need
			if remainder >= hdrSize {
				// Split: shrink the current chunk to exactly what's
				// needed and splice a new free chunk after it.
				newFree := cur + hdrSize + need
				h.setSize(newFree, remainder-hdrSize)
				h.setNext(newFree, h.next(cur))
				h.setSize(cur, need)
				h.setNext(prev, newFree)
			} else {
				// Remainder too small for a header: hand out the whole
				// chunk.
				h.setNext(prev, h.next(cur))
			}
			util.WriteU64(h.mem, int(aligned-backptrSize), cur)
			return aligned, true
		}
		prev = cur
		cur = h.next(cur)
	}
	return 0, false
}

// Free returns the chunk owning ptr (a value previously returned by Alloc)
// to the free list, re-inserted in address order and merged with adjacent
// free neighbors. The owning chunk's start is recovered from the
// back-pointer Alloc wrote just before ptr.
func (h *Heap) Free(ptr uint64) {
	chunk := util.ReadU64(h.mem, int(ptr-backptrSize))
	size := h.size(chunk)

	prev := h.head
	cur := h.next(prev)
	for cur != noNext && cur < chunk {
		prev = cur
		cur = h.next(cur)
	}

	h.setNext(chunk, cur)
	h.setNext(prev, chunk)

	// Merge with the following neighbor first (order matters: merging
	// right doesn't move chunk, so a subsequent left-merge still finds it
	// at the same offset).
	if next := h.next(chunk); next != noNext && chunk+hdrSize+size == next {
		h.setSize(chunk, size+hdrSize+h.size(next))
		h.setNext(chunk, h.next(next))
		size = h.size(chunk)
	}
	if prev != h.head && prev+hdrSize+h.size(prev) == chunk {
		h.setSize(prev, h.size(prev)+hdrSize+size)
		h.setNext(prev, h.next(chunk))
	}
}

// Extend grows the heap so its end is at newEnd bytes of usable data
// (measured from the start of the data region, i.e. excluding the head
// sentinel), enlarging the tail free chunk if one is adjacent to the old
// end, or appending a new free chunk otherwise.
func (h *Heap) Extend(newEnd uint64) {
	oldLen := uint64(len(h.mem)) - hdrSize
	if newEnd <= oldLen {
		panic(fmt.Sprintf("mem: Extend(%d) not larger than current end %d", newEnd, oldLen))
	}
	grow := newEnd - oldLen
	h.mem = append(h.mem, make([]byte, grow)...)

	// Find the last chunk by walking the free list to see if it ends
	// exactly at the old boundary.
	prev := h.head
	cur := h.next(prev)
	for cur != noNext {
		if cur+hdrSize+h.size(cur) == hdrSize+oldLen && h.next(cur) == noNext {
			h.setSize(cur, h.size(cur)+grow)
			return
		}
		prev = cur
		cur = h.next(cur)
	}

	tail := hdrSize + oldLen
	h.setSize(tail, grow-hdrSize)
	h.setNext(tail, noNext)
	h.setNext(prev, tail)
}

// Len reports the heap's current usable capacity in bytes.
func (h *Heap) Len() uint64 {
	return uint64(len(h.mem)) - hdrSize
}
