package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/bootcfg"
)

func testPageTable(t *testing.T) (*Allocator, *PageTable) {
	t.Helper()
	cfg := bootcfg.Config{RAMBytes: 4096 * FrameBytes}
	a, err := NewAllocator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	higher, err := NewKernelRoot(a)
	require.NoError(t, err)
	pt, err := NewPageTable(a, higher, 1<<46)
	require.NoError(t, err)
	return a, pt
}

func TestMapQueryUnmap(t *testing.T) {
	a, pt := testPageTable(t)
	frame, err := a.Allocate(1)
	require.NoError(t, err)

	prop := PageProperty{Flags: Read | Write}
	tok, err := pt.Map(0x1000, Size4K, frame, prop)
	require.NoError(t, err)
	tok.Flush()

	paddr, gotProp, size, err := pt.Query(0x1000 + 0x10)
	require.NoError(t, err)
	require.Equal(t, uintptr(frame)+0x10, paddr)
	require.Equal(t, Size4K, size)
	require.True(t, gotProp.Flags.Has(Write))

	gotFrame, gotSize, err := pt.Unmap(0x1000)
	require.NoError(t, err)
	require.Equal(t, frame, gotFrame)
	require.Equal(t, Size4K, gotSize)

	_, _, _, err = pt.Query(0x1000)
	require.Error(t, err)
}

func TestMapAlreadyMapped(t *testing.T) {
	a, pt := testPageTable(t)
	f1, _ := a.Allocate(1)
	f2, _ := a.Allocate(1)
	prop := PageProperty{Flags: Read}

	tok, err := pt.Map(0x2000, Size4K, f1, prop)
	require.NoError(t, err)
	tok.Flush()

	_, err = pt.Map(0x2000, Size4K, f2, prop)
	require.Error(t, err)
}

func TestUpdatePreservesAddress(t *testing.T) {
	a, pt := testPageTable(t)
	f, _ := a.Allocate(1)
	prop := PageProperty{Flags: Read}
	tok, err := pt.Map(0x3000, Size4K, f, prop)
	require.NoError(t, err)
	tok.Flush()

	_, tok2, err := pt.Update(0x3000, func(p *PageProperty) { p.Flags |= Write })
	require.NoError(t, err)
	tok2.Flush()

	paddr, gotProp, _, err := pt.Query(0x3000)
	require.NoError(t, err)
	require.Equal(t, uintptr(f), paddr)
	require.True(t, gotProp.Flags.Has(Write))
	require.True(t, gotProp.Flags.Has(Read))
}

func TestMapContPromotesHugePages(t *testing.T) {
	a, pt := testPageTable(t)
	// Allocate twice the huge-page size so that a 2 MiB-aligned physical
	// run lies inside the block; the page-table roots already occupy the
	// lowest frames, so the block itself does not start aligned.
	block, err := a.Allocate(int(2 * Size2M / FrameBytes))
	require.NoError(t, err)
	base := Frame(Size2M.AlignUp(uintptr(block)))

	prop := PageProperty{Flags: Read | Write | HugePage}
	err = pt.MapCont(uintptr(Size2M), uintptr(Size2M), base, prop)
	require.NoError(t, err)

	_, _, size, err := pt.Query(uintptr(Size2M) + 123)
	require.NoError(t, err)
	require.Equal(t, Size2M, size)
}

func TestDeepCopySharesLeavesNotNodes(t *testing.T) {
	a, pt := testPageTable(t)
	f, err := a.Allocate(1)
	require.NoError(t, err)
	prop := PageProperty{Flags: Read | Write}
	tok, err := pt.Map(0x500000, Size4K, f, prop)
	require.NoError(t, err)
	tok.Flush()

	clone, err := pt.DeepCopy()
	require.NoError(t, err)
	require.NotEqual(t, pt.lower, clone.lower)
	require.Equal(t, pt.higher, clone.higher)

	paddr, _, _, err := clone.Query(0x500000)
	require.NoError(t, err)
	require.Equal(t, uintptr(f), paddr)

	// Mutating the leaf through one table's frame is visible through the
	// other: they share the same underlying physical frame.
	b := a.Bytes(f, 1)
	b[0] = 0x42
	paddr2, _, _, err := pt.Query(0x500000)
	require.NoError(t, err)
	require.Equal(t, a.Bytes(Frame(paddr2), 1)[0], a.Bytes(Frame(paddr), 1)[0])
}

func TestUnmapDoesNotFreeIntermediateNodes(t *testing.T) {
	a, pt := testPageTable(t)
	f, _ := a.Allocate(1)
	prop := PageProperty{Flags: Read}
	tok, err := pt.Map(0x10000, Size4K, f, prop)
	require.NoError(t, err)
	tok.Flush()

	_, _, err = pt.Unmap(0x10000)
	require.NoError(t, err)

	// Re-mapping the same address succeeds: the PT node the leaf lived
	// in is still there, just cleared, rather than torn down.
	f2, _ := a.Allocate(1)
	tok2, err := pt.Map(0x10000, Size4K, f2, prop)
	require.NoError(t, err)
	tok2.Flush()
}
