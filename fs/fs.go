package fs

import (
	"fmt"

	"github.com/wayhoww/wwos/util"
)

// RootInode is the id of the filesystem's root directory, always present
// immediately after Format.
const RootInode = 1

// FileSystem is a complete in-memory ext2-flavored image: superblock,
// inode/data bitmaps, packed inode table and data blocks, all addressed
// through the single backing slice handed to the kernel at boot as the
// memdisk (spec §4.4).
type FileSystem struct {
	blockSize uint32
	l         layout
	data      []byte
}

// Format builds a fresh, empty image per meta and returns it with the
// root directory already created.
func Format(meta Meta) *FileSystem {
	l := computeLayout(meta)
	fs := &FileSystem{
		blockSize: meta.BlockSize,
		l:         l,
		data:      make([]byte, uint64(meta.BlockSize)*meta.BlockCount),
	}

	sb := fs.super()
	sb.setBlockSize(meta.BlockSize)
	sb.setBlockCount(meta.BlockCount)
	sb.setInodeCount(meta.InodeCount)

	id, ok := fs.allocInode()
	if !ok || id != RootInode {
		panic("fs: could not allocate root inode")
	}
	root := fs.inode(id)
	root.setType(TypeDir)
	root.setSize(0)

	return fs
}

// Open mounts an existing image, trusting its superblock for sizing.
func Open(data []byte) *FileSystem {
	sb := superblock{data: data[:]}
	meta := sb.meta()
	return &FileSystem{blockSize: meta.BlockSize, l: computeLayout(meta), data: data}
}

// Image exposes the raw backing bytes, e.g. to hand the memdisk back to
// a disk-image writer.
func (fs *FileSystem) Image() []byte {
	return fs.data
}

func (fs *FileSystem) blockBytes(b uint64) []byte {
	off := fs.l.blockOffset(b)
	return fs.data[off : off+uint64(fs.blockSize)]
}

func (fs *FileSystem) super() superblock {
	return superblock{data: fs.blockBytes(0)}
}

func (fs *FileSystem) inodeBitmap() bitmap {
	return bitmap{data: fs.regionBytes(fs.l.inodeBitmapStart, fs.l.inodeBitmapLen)}
}

func (fs *FileSystem) dataBitmap() bitmap {
	return bitmap{data: fs.regionBytes(fs.l.dataBitmapStart, fs.l.dataBitmapLen)}
}

func (fs *FileSystem) regionBytes(start, length uint64) []byte {
	off := fs.l.blockOffset(start)
	end := off + length*uint64(fs.blockSize)
	return fs.data[off:end]
}

func (fs *FileSystem) inode(id uint64) inodeView {
	base := fs.l.blockOffset(fs.l.inodeTableStart) + (id-1)*InodeSize
	return inodeView{data: fs.data[base : base+InodeSize]}
}

func (fs *FileSystem) allocInode() (uint64, bool) {
	bm := fs.inodeBitmap()
	bit, ok := bm.firstClear(fs.l.inodeCount)
	if !ok {
		return 0, false
	}
	bm.set(bit)
	return bit + 1, true
}

func (fs *FileSystem) allocBlock() (uint64, bool) {
	bm := fs.dataBitmap()
	bit, ok := bm.firstClear(fs.l.dataLen)
	if !ok {
		return 0, false
	}
	bm.set(bit)
	block := fs.l.dataStart + bit
	zero(fs.blockBytes(block))
	return block, true
}

func (fs *FileSystem) freeBlock(b uint64) {
	if b == 0 {
		return
	}
	fs.dataBitmap().clear(b - fs.l.dataStart)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// blockFor returns the physical block holding logical block index of iv,
// allocating intermediate and leaf blocks on demand when alloc is true.
func (fs *FileSystem) blockFor(iv inodeView, logical uint64, alloc bool) (uint64, bool) {
	if logical < DirectBlocks {
		b := iv.direct(int(logical))
		if b == 0 && alloc {
			nb, ok := fs.allocBlock()
			if !ok {
				return 0, false
			}
			iv.setDirect(int(logical), nb)
			b = nb
		}
		return b, b != 0
	}

	idx := logical - DirectBlocks
	if idx >= fs.l.indirectEntriesPerBlock() {
		return 0, false
	}

	ind := iv.indirect()
	if ind == 0 {
		if !alloc {
			return 0, false
		}
		nb, ok := fs.allocBlock()
		if !ok {
			return 0, false
		}
		iv.setIndirect(nb)
		ind = nb
	}

	entries := fs.blockBytes(ind)
	off := int(idx) * 8
	b := util.ReadU64(entries, off)
	if b == 0 && alloc {
		nb, ok := fs.allocBlock()
		if !ok {
			return 0, false
		}
		util.WriteU64(entries, off, nb)
		b = nb
	}
	return b, b != 0
}

// Read copies up to len(buf) bytes starting at offset into buf, returning
// the number of bytes actually copied (truncated at the file's size).
func (fs *FileSystem) Read(id uint64, offset uint64, buf []byte) (int, error) {
	iv := fs.inode(id)
	size := iv.size()
	if offset >= size {
		return 0, nil
	}
	n := uint64(len(buf))
	if offset+n > size {
		n = size - offset
	}

	var done uint64
	for done < n {
		logical := (offset + done) / uint64(fs.blockSize)
		inBlock := (offset + done) % uint64(fs.blockSize)
		want := uint64(fs.blockSize) - inBlock
		if want > n-done {
			want = n - done
		}

		b, ok := fs.blockFor(iv, logical, false)
		if !ok {
			// sparse hole: zero-fill
			for i := uint64(0); i < want; i++ {
				buf[done+i] = 0
			}
		} else {
			copy(buf[done:done+want], fs.blockBytes(b)[inBlock:inBlock+want])
		}
		done += want
	}
	return int(n), nil
}

// Write copies buf into the file starting at offset, allocating new
// blocks as needed and growing the inode's recorded size if the write
// extends past it.
func (fs *FileSystem) Write(id uint64, offset uint64, buf []byte) (int, error) {
	iv := fs.inode(id)
	n := uint64(len(buf))

	var done uint64
	for done < n {
		logical := (offset + done) / uint64(fs.blockSize)
		inBlock := (offset + done) % uint64(fs.blockSize)
		want := uint64(fs.blockSize) - inBlock
		if want > n-done {
			want = n - done
		}

		b, ok := fs.blockFor(iv, logical, true)
		if !ok {
			return int(done), fmt.Errorf("fs: out of space writing inode %d", id)
		}
		copy(fs.blockBytes(b)[inBlock:inBlock+want], buf[done:done+want])
		done += want
	}

	if offset+done > iv.size() {
		iv.setSize(offset + done)
	}
	return int(done), nil
}

// Resize truncates or extends the file's recorded size, freeing any
// direct/indirect blocks that fall entirely past newSize when shrinking.
func (fs *FileSystem) Resize(id uint64, newSize uint64) error {
	iv := fs.inode(id)
	oldSize := iv.size()
	if newSize >= oldSize {
		iv.setSize(newSize)
		return nil
	}

	firstFreedBlock := ceilDiv(newSize, uint64(fs.blockSize))
	lastBlock := ceilDiv(oldSize, uint64(fs.blockSize))
	for logical := firstFreedBlock; logical < lastBlock; logical++ {
		if logical < DirectBlocks {
			b := iv.direct(int(logical))
			if b != 0 {
				fs.freeBlock(b)
				iv.setDirect(int(logical), 0)
			}
			continue
		}
		idx := logical - DirectBlocks
		ind := iv.indirect()
		if ind == 0 {
			continue
		}
		entries := fs.blockBytes(ind)
		off := int(idx) * 8
		b := util.ReadU64(entries, off)
		if b != 0 {
			fs.freeBlock(b)
			util.WriteU64(entries, off, 0)
		}
	}
	if firstFreedBlock <= DirectBlocks && lastBlock > DirectBlocks && iv.indirect() != 0 {
		// the indirect block itself is now entirely unused
		fs.freeBlock(iv.indirect())
		iv.setIndirect(0)
	}

	iv.setSize(newSize)
	return nil
}

// Create allocates a new inode of the given type and appends a directory
// entry for it under parent, returning the new inode's id.
func (fs *FileSystem) Create(parent uint64, name string, typ Type) (uint64, error) {
	p := fs.inode(parent)
	if p.typ() != TypeDir {
		return 0, fmt.Errorf("fs: parent inode %d is not a directory", parent)
	}
	for _, d := range fs.Children(parent) {
		if d.Name == name {
			return 0, fmt.Errorf("fs: %q already exists", name)
		}
	}

	id, ok := fs.allocInode()
	if !ok {
		return 0, fmt.Errorf("fs: no free inodes")
	}
	child := fs.inode(id)
	child.setType(typ)
	child.setSize(0)

	rec := encode(nil, dirent{Name: name, ChildID: id})
	if _, err := fs.Write(parent, p.size(), rec); err != nil {
		return 0, err
	}
	return id, nil
}

// Children lists a directory inode's entries in on-medium order.
func (fs *FileSystem) Children(id uint64) []dirent {
	iv := fs.inode(id)
	buf := make([]byte, iv.size())
	fs.Read(id, 0, buf)
	return decodeAll(buf)
}

// Stat reports an inode's type and size.
func (fs *FileSystem) Stat(id uint64) (Type, uint64) {
	iv := fs.inode(id)
	return iv.typ(), iv.size()
}
