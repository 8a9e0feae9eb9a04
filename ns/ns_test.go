package ns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wayhoww/wwos/fs"
	"github.com/wayhoww/wwos/klog"
	"github.com/wayhoww/wwos/wpath"
)

func newTestNS(t *testing.T) *Namespace {
	t.Helper()
	filesystem := fs.Format(fs.Meta{BlockSize: 512, BlockCount: 512, InodeCount: 64})
	return New(filesystem, klog.NewRing(4096))
}

func TestFileRoundTripThroughNamespace(t *testing.T) {
	n := newTestNS(t)
	_, err := n.Create(wpath.Root, "hello.txt", false)
	require.NoError(t, err)

	h, err := n.Open(wpath.MustNew("/hello.txt"), ModeRead|ModeWrite, 1)
	require.NoError(t, err)

	wn, err := n.Write(h, []byte("hi there"))
	require.NoError(t, err)
	assert.Equal(t, 8, wn)

	n.Seek(h, 0)
	buf := make([]byte, 8)
	rn, err := n.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(buf[:rn]))
}

func TestKernelLogIsReadable(t *testing.T) {
	n := newTestNS(t)
	n.log.Logf("boot complete")

	h, err := n.Open(wpath.MustNew("/kernel/log"), ModeRead, 1)
	require.NoError(t, err)

	buf := make([]byte, 64)
	rn, err := n.Read(h, buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:rn]), "boot complete")
}

func TestFifoSharedBetweenHandles(t *testing.T) {
	n := newTestNS(t)
	n.EnsureProcessFifos(7)

	w, err := n.Open(wpath.MustNew("/proc/7/fifo/stdout"), ModeWrite, 7)
	require.NoError(t, err)
	r, err := n.Open(wpath.MustNew("/proc/7/fifo/stdout"), ModeRead, 1)
	require.NoError(t, err)

	_, err = n.Write(w, []byte("line\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	rn, err := n.Read(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(buf[:rn]))
}

func TestLastWriterCannotCloseUndrainedFifo(t *testing.T) {
	n := newTestNS(t)
	n.EnsureProcessFifos(3)

	w, err := n.Open(wpath.MustNew("/proc/3/fifo/stdin"), ModeWrite, 3)
	require.NoError(t, err)
	_, err = n.Write(w, []byte("x"))
	require.NoError(t, err)

	err = n.Close(w, 3)
	assert.Error(t, err)
}

func TestChildrenListsDirectory(t *testing.T) {
	n := newTestNS(t)
	_, err := n.Create(wpath.Root, "a", false)
	require.NoError(t, err)
	_, err = n.Create(wpath.Root, "b", true)
	require.NoError(t, err)

	names, err := n.Children(wpath.Root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
