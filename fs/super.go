package fs

import "github.com/wayhoww/wwos/util"

// Superblock field offsets within block 0, in the style of the teacher's
// fieldr/fieldw accessor pattern over a raw byte page.
const (
	sbOffBlockSize  = 0
	sbOffBlockCount = 8
	sbOffInodeCount = 16
)

// superblock wraps the first block's bytes with typed field accessors.
type superblock struct {
	data []byte
}

func (s superblock) blockSize() uint32 {
	return util.ReadU32(s.data, sbOffBlockSize)
}

func (s superblock) setBlockSize(v uint32) {
	util.WriteU32(s.data, sbOffBlockSize, v)
}

func (s superblock) blockCount() uint64 {
	return util.ReadU64(s.data, sbOffBlockCount)
}

func (s superblock) setBlockCount(v uint64) {
	util.WriteU64(s.data, sbOffBlockCount, v)
}

func (s superblock) inodeCount() uint64 {
	return util.ReadU64(s.data, sbOffInodeCount)
}

func (s superblock) setInodeCount(v uint64) {
	util.WriteU64(s.data, sbOffInodeCount, v)
}

func (s superblock) meta() Meta {
	return Meta{BlockSize: s.blockSize(), BlockCount: s.blockCount(), InodeCount: s.inodeCount()}
}
