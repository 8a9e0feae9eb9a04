package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	return Format(Meta{BlockSize: 512, BlockCount: 512, InodeCount: 64})
}

func TestFormatCreatesRoot(t *testing.T) {
	fs := newTestFS(t)
	typ, size := fs.Stat(RootInode)
	assert.Equal(t, TypeDir, typ)
	assert.Zero(t, size)
}

func TestFileRoundTripAcrossBlocks(t *testing.T) {
	fs := newTestFS(t)
	id, err := fs.Create(RootInode, "big.txt", TypeFile)
	require.NoError(t, err)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := fs.Write(id, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	_, size := fs.Stat(id)
	assert.Equal(t, uint64(len(payload)), size)

	got := make([]byte, len(payload))
	n, err = fs.Read(id, 0, got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestFileRoundTripViaIndirectBlock(t *testing.T) {
	fs := newTestFS(t)
	id, err := fs.Create(RootInode, "huge.bin", TypeFile)
	require.NoError(t, err)

	// DirectBlocks*512 = 5120 bytes fit directly; push well past that into
	// the single-indirect range.
	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i*7 + 3)
	}

	_, err = fs.Write(id, 0, payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = fs.Read(id, 0, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestResizeShrinkFreesBlocks(t *testing.T) {
	fs := newTestFS(t)
	id, err := fs.Create(RootInode, "f", TypeFile)
	require.NoError(t, err)

	_, err = fs.Write(id, 0, make([]byte, 4000))
	require.NoError(t, err)

	before := fs.dataBitmap()
	_ = before

	require.NoError(t, fs.Resize(id, 10))
	_, size := fs.Stat(id)
	assert.Equal(t, uint64(10), size)

	iv := fs.inode(id)
	for k := 1; k < DirectBlocks; k++ {
		assert.Zero(t, iv.direct(k), "block %d should have been freed on shrink", k)
	}
}

func TestDirectoryEntryLayout(t *testing.T) {
	rec := encode(nil, dirent{Name: "ab", ChildID: 7})
	// align_up(len("ab")+1, 8) + 8 = align_up(3,8)+8 = 8+8 = 16
	assert.Len(t, rec, 16)

	d, next, ok := decodeAt(rec, 0)
	require.True(t, ok)
	assert.Equal(t, "ab", d.Name)
	assert.Equal(t, uint64(7), d.ChildID)
	assert.Equal(t, len(rec), next)
}

func TestDirectoryListing(t *testing.T) {
	fs := newTestFS(t)
	names := []string{"alpha", "b", "gamma-long-name", "d"}
	want := map[string]uint64{}
	for _, n := range names {
		id, err := fs.Create(RootInode, n, TypeFile)
		require.NoError(t, err)
		want[n] = id
	}

	children := fs.Children(RootInode)
	require.Len(t, children, len(names))
	for _, c := range children {
		assert.Equal(t, want[c.Name], c.ChildID)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.Create(RootInode, "dup", TypeFile)
	require.NoError(t, err)
	_, err = fs.Create(RootInode, "dup", TypeFile)
	assert.Error(t, err)
}

func TestNestedDirectories(t *testing.T) {
	fs := newTestFS(t)
	sub, err := fs.Create(RootInode, "sub", TypeDir)
	require.NoError(t, err)

	file, err := fs.Create(sub, "leaf", TypeFile)
	require.NoError(t, err)

	children := fs.Children(sub)
	require.Len(t, children, 1)
	assert.Equal(t, "leaf", children[0].Name)
	assert.Equal(t, file, children[0].ChildID)
}
