// Package fs implements the ext2-flavored on-medium filesystem engine
// (spec §4.4): superblock, inode/data bitmaps, packed inode table, and
// direct+single-indirect block addressing, grounded on the teacher's
// fs/super.go field-accessor idiom and fs/blk.go block-size conventions,
// simplified from biscuit's async journaling block cache to a raw
// in-memory image (the spec's memdisk is handed to the kernel as a single
// blob at boot, not served by an async disk driver).
package fs

import "github.com/wayhoww/wwos/util"

// InodeSize is the exact on-medium size of one inode record (spec §3).
const InodeSize = 128

// DirectBlocks is the number of direct block pointers per inode.
const DirectBlocks = 10

// Meta describes the parameters needed to format a fresh image.
type Meta struct {
	BlockSize   uint32
	BlockCount  uint64
	InodeCount  uint64
}

// layout is the computed, implicit placement of every region described in
// spec §4.4's diagram.
type layout struct {
	blockSize uint32

	inodeBitmapStart uint64
	inodeBitmapLen   uint64

	dataBitmapStart uint64
	dataBitmapLen   uint64

	inodeTableStart uint64
	inodeTableLen   uint64

	dataStart uint64
	dataLen   uint64 // number of data blocks

	inodeCount uint64
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// computeLayout derives every region's placement from the superblock
// fields alone, per spec §4.4 ("plus implicit layout computation").
// The data bitmap's own size depends on the number of data blocks, which
// in turn depends on the data bitmap's size, so a small fixed-point
// iteration resolves the mutual dependency (it converges in at most two
// steps since growing the bitmap by one block can shrink the data region
// by at most blockSize*8 blocks, itself shrinking the bitmap requirement
// by at most one block).
func computeLayout(m Meta) layout {
	l := layout{blockSize: m.BlockSize, inodeCount: m.InodeCount}

	bitsPerBlock := uint64(m.BlockSize) * 8
	l.inodeBitmapStart = 1
	l.inodeBitmapLen = ceilDiv(m.InodeCount, bitsPerBlock)
	if l.inodeBitmapLen == 0 {
		l.inodeBitmapLen = 1
	}

	l.inodeTableLen = ceilDiv(m.InodeCount*InodeSize, uint64(m.BlockSize))
	if l.inodeTableLen == 0 {
		l.inodeTableLen = 1
	}

	fixedBlocks := 1 + l.inodeBitmapLen + l.inodeTableLen

	dataBitmapLen := uint64(1)
	for i := 0; i < 4; i++ {
		remaining := int64(m.BlockCount) - int64(fixedBlocks) - int64(dataBitmapLen)
		if remaining < 0 {
			remaining = 0
		}
		next := ceilDiv(uint64(remaining), bitsPerBlock)
		if next == 0 {
			next = 1
		}
		if next == dataBitmapLen {
			break
		}
		dataBitmapLen = next
	}

	l.dataBitmapStart = l.inodeBitmapStart + l.inodeBitmapLen
	l.dataBitmapLen = dataBitmapLen

	l.inodeTableStart = l.dataBitmapStart + l.dataBitmapLen
	l.dataStart = l.inodeTableStart + l.inodeTableLen

	if l.dataStart < m.BlockCount {
		l.dataLen = m.BlockCount - l.dataStart
	}
	return l
}

// blockOffset returns the byte offset of block b in the image.
func (l layout) blockOffset(b uint64) uint64 {
	return b * uint64(l.blockSize)
}

// indirectEntriesPerBlock is how many 8-byte block-id entries fit in one
// single-indirect block.
func (l layout) indirectEntriesPerBlock() uint64 {
	return uint64(l.blockSize) / 8
}

// maxBlocksWithIndirect is the largest block count addressable with 10
// direct entries plus one single-indirect block.
func (l layout) maxBlocksWithIndirect() uint64 {
	return DirectBlocks + l.indirectEntriesPerBlock()
}

func alignUp(v, b uint64) uint64 {
	return util.Roundup(v, b)
}
