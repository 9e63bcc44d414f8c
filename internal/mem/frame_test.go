package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/bootcfg"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	cfg := bootcfg.Config{RAMBytes: 64 * FrameBytes}
	a, err := NewAllocator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocatorFirstFit(t *testing.T) {
	a := testAllocator(t)
	require.Equal(t, 64, a.FreeCount())

	f1, err := a.Allocate(4)
	require.NoError(t, err)
	require.Equal(t, Frame(0), f1)
	require.Equal(t, 60, a.FreeCount())

	f2, err := a.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, Frame(4*FrameBytes), f2)

	a.Free(f1, 4)
	require.Equal(t, 62, a.FreeCount())

	// The freed run is now the lowest-address fit for a 3-page request.
	f3, err := a.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, Frame(0), f3)
}

func TestAllocatorOOM(t *testing.T) {
	a := testAllocator(t)
	_, err := a.Allocate(65)
	require.Error(t, err)
}

func TestAllocateZeroedIsZero(t *testing.T) {
	a := testAllocator(t)
	f, err := a.Allocate(1)
	require.NoError(t, err)
	b := a.Bytes(f, FrameBytes)
	for i := range b {
		b[i] = 0xAB
	}
	a.Free(f, 1)

	f2, err := a.AllocateZeroed(1)
	require.NoError(t, err)
	require.Equal(t, f, f2)
	for _, v := range a.Bytes(f2, FrameBytes) {
		require.Zero(t, v)
	}
}
