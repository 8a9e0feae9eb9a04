package kstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wayhoww/wwos/fs"
	"github.com/wayhoww/wwos/ns"
	"github.com/wayhoww/wwos/wpath"
)

func testConfig() Config {
	return Config{
		PhysMemBytes:    8 << 20,
		KernelHeapBytes: 1 << 20,
		FSMeta: fs.Meta{
			BlockSize:  4096,
			BlockCount: 512,
			InodeCount: 64,
		},
	}
}

func writeProgram(t *testing.T, k *KernelState, path string, image []byte) {
	t.Helper()
	root := wpath.MustNew("/")
	_, err := k.NS.Create(root, path[1:], false)
	require.NoError(t, err)

	p := wpath.MustNew(path)
	h, err := k.NS.Open(p, ns.ModeWrite, 0)
	require.NoError(t, err)
	_, err = k.NS.Write(h, image)
	require.NoError(t, err)
}

func TestBootWiresEverySubsystem(t *testing.T) {
	k := Boot(testConfig())
	require.NotEqual(t, [16]byte{}, [16]byte(k.BootID))
	require.NotNil(t, k.Frames)
	require.NotNil(t, k.Phys)
	require.NotNil(t, k.Kernel)
	require.NotNil(t, k.Heap)
	require.NotNil(t, k.FS)
	require.NotNil(t, k.NS)
	require.NotNil(t, k.Log)
	require.NotNil(t, k.Proc)
	require.NotNil(t, k.UART)
	require.NotNil(t, k.Timer)
	require.NotNil(t, k.Trap)
}

func TestSpawnRejectsRelativePath(t *testing.T) {
	k := Boot(testConfig())
	_, err := k.Spawn("init")
	require.Error(t, err)
}

func TestSpawnCreatesRunnableTask(t *testing.T) {
	k := Boot(testConfig())
	writeProgram(t, k, "/init", make([]byte, 64))

	task, err := k.Spawn("/init")
	require.NoError(t, err)
	require.NotNil(t, task)

	current, ok := k.Proc.Sched.Executing()
	require.True(t, ok)
	require.Equal(t, task.ID, uint64(current))
}

func TestTickReschedulesWithoutPanicking(t *testing.T) {
	k := Boot(testConfig())
	writeProgram(t, k, "/init", make([]byte, 64))
	_, err := k.Spawn("/init")
	require.NoError(t, err)

	require.NotPanics(t, func() { k.Tick() })
}
