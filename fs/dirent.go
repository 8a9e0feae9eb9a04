package fs

import "github.com/wayhoww/wwos/util"

// dirent is one directory entry: a NUL-terminated name padded up to a
// multiple of 8 bytes, followed by an 8-byte child inode id. Its total
// on-medium length is align_up(len(name)+1, 8) + 8 (spec §3/§4.4,
// testable property 6), which also makes every entry self-describing:
// the NUL terminator inside the padded name region tells a reader where
// the name ends and, from that, the entry's total length.
type dirent struct {
	Name    string
	ChildID uint64
}

func direntLen(nameLen int) int {
	return int(alignUp(uint64(nameLen+1), 8)) + 8
}

// encode appends the on-medium form of d to buf and returns the result.
func encode(buf []byte, d dirent) []byte {
	nameFieldLen := int(alignUp(uint64(len(d.Name)+1), 8))
	rec := make([]byte, nameFieldLen+8)
	copy(rec, d.Name)
	// rec[len(d.Name)] is already 0, and so is the rest of the padding.
	util.WriteU64(rec, nameFieldLen, d.ChildID)
	return append(buf, rec...)
}

// decodeAt reads one entry starting at offset off in buf, returning the
// entry, the offset of the following entry, and ok=false if off is at or
// past the end of valid data (an empty name marks the logical end).
func decodeAt(buf []byte, off int) (dirent, int, bool) {
	if off >= len(buf) {
		return dirent{}, off, false
	}
	nameEnd := off
	for nameEnd < len(buf) && buf[nameEnd] != 0 {
		nameEnd++
	}
	if nameEnd >= len(buf) {
		return dirent{}, off, false
	}
	name := string(buf[off:nameEnd])
	if name == "" {
		return dirent{}, off, false
	}
	nameFieldLen := int(alignUp(uint64(len(name)+1), 8))
	childOff := off + nameFieldLen
	if childOff+8 > len(buf) {
		return dirent{}, off, false
	}
	child := util.ReadU64(buf, childOff)
	return dirent{Name: name, ChildID: child}, childOff + 8, true
}

// decodeAll parses every entry out of a directory's raw data.
func decodeAll(buf []byte) []dirent {
	var out []dirent
	off := 0
	for {
		d, next, ok := decodeAt(buf, off)
		if !ok {
			break
		}
		out = append(out, d)
		off = next
	}
	return out
}
