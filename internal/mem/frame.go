// Package mem implements the leaf-most layers of the kernel: the
// physical frame allocator and the level-4 page table, grounded on the
// teacher's biscuit/src/mem package (Physmem_t, Pa_t, PGSIZE, Dmap) and
// resolved against original_source/kernel/src/mem/{frame,page_table}.rs
// wherever spec.md leaves an exact algorithm unspecified.
package mem

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nyxkernel/nyx/internal/bootcfg"
	"github.com/nyxkernel/nyx/internal/errs"
)

var log = logrus.WithField("subsys", "mem")

// FrameBytes is the raw byte size of one physical frame (4 KiB); kept
// distinct from the PageSize type in pagetable.go, which enumerates the
// three leaf sizes a page-table entry can name.
const FrameBytes = bootcfg.PageSize

// Frame is a 4 KiB-aligned physical address, i.e. a byte offset into the
// Allocator's backing region. The zero Frame is frame 0, a legitimate
// address — callers track "no frame" with a separate bool/pointer, the
// way the teacher's mem.go tracks "no page" with a nil *Pg_t rather than
// a sentinel Pa_t.
type Frame uint64

// Allocator hands out physical frames from a bit-per-page bitmap over a
// single mmap-backed region standing in for usable RAM, the hosted
// equivalent of the teacher's Physmem_t free list and of
// original_source/kernel/src/mem/frame.rs's BitmapFrameAllocator. Backing
// the "physical memory" with a real unix.Mmap region (rather than a plain
// Go slice) is the same technique gokvm and tinyrange-cc use to hand a
// software VMM real host memory for guest-physical frames.
type Allocator struct {
	mu      sync.Mutex
	ram     []byte
	bitmap  []uint64 // one bit per page; 1 == free
	npages  int
	nfree   int
}

// NewAllocator mmaps an anonymous region of cfg.RAMBytes and builds a
// bitmap allocator over it. The region is zero-filled by the kernel
// (mmap's MAP_ANONYMOUS guarantee), matching the VMO contract that a
// freshly committed RAM page reads as zero.
func NewAllocator(cfg bootcfg.Config) (*Allocator, error) {
	if cfg.RAMBytes == 0 || cfg.RAMBytes%FrameBytes != 0 {
		return nil, errs.Newf(errs.InvArg, "RAMBytes %d is not a nonzero multiple of the page size", cfg.RAMBytes)
	}
	ram, err := unix.Mmap(-1, 0, int(cfg.RAMBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap backing RAM")
	}
	npages := cfg.PageCount()
	words := (npages + 63) / 64
	bitmap := make([]uint64, words)
	for i := range bitmap {
		bitmap[i] = ^uint64(0)
	}
	if rem := npages % 64; rem != 0 {
		bitmap[words-1] = (uint64(1) << rem) - 1
	}
	log.WithField("pages", npages).Info("frame allocator initialized")
	return &Allocator{ram: ram, bitmap: bitmap, npages: npages, nfree: npages}, nil
}

// Close unmaps the backing region. Not part of spec.md's operation set;
// exists so tests and any future shutdown path don't leak the mapping.
func (a *Allocator) Close() error {
	return unix.Munmap(a.ram)
}

func (a *Allocator) bitSet(i int) bool {
	return a.bitmap[i/64]&(uint64(1)<<(i%64)) != 0
}

func (a *Allocator) bitSetRange(start, count int, value bool) {
	for i := start; i < start+count; i++ {
		word, bit := i/64, uint(i%64)
		if value {
			a.bitmap[word] |= 1 << bit
		} else {
			a.bitmap[word] &^= 1 << bit
		}
	}
}

// findRun returns the lowest index of a run of count consecutive free
// bits, or -1. First-fit only, no fragmentation mitigation, matching
// spec.md §4.1 exactly.
func (a *Allocator) findRun(count int) int {
	run := 0
	start := -1
	for i := 0; i < a.npages; i++ {
		if a.bitSet(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == count {
				return start
			}
		} else {
			run = 0
		}
	}
	return -1
}

// Allocate finds the lowest run of count contiguous free frames, marks
// them used and returns the address of the first one.
func (a *Allocator) Allocate(count int) (Frame, error) {
	if count <= 0 {
		return 0, errs.New(errs.InvArg)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.findRun(count)
	if idx < 0 {
		return 0, errs.New(errs.OutOfMemory)
	}
	a.bitSetRange(idx, count, false)
	a.nfree -= count
	return Frame(idx * FrameBytes), nil
}

// AllocateZeroed is Allocate followed by zero-filling the frame, the
// lazy-commit materialization path spec.md §4.3 describes for VMOs.
func (a *Allocator) AllocateZeroed(count int) (Frame, error) {
	f, err := a.Allocate(count)
	if err != nil {
		return 0, err
	}
	b := a.Bytes(f, count*FrameBytes)
	for i := range b {
		b[i] = 0
	}
	return f, nil
}

// Free returns count frames starting at addr to the free list.
func (a *Allocator) Free(addr Frame, count int) {
	idx := int(addr) / FrameBytes
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx+count > a.npages {
		panic("mem: Free out of range")
	}
	a.bitSetRange(idx, count, true)
	a.nfree += count
}

// Bytes returns the live byte slice backing the n bytes starting at
// addr, the hosted equivalent of the teacher's Physmem.Dmap direct-map:
// both let the kernel touch a physical frame's bytes without a
// dedicated page-in step.
func (a *Allocator) Bytes(addr Frame, n int) []byte {
	return a.ram[addr : int(addr)+n]
}

// FreeCount reports the number of unallocated frames, for diagnostics
// and tests; spec.md does not require it but the teacher's Pgcount
// exposes the analogous figure.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}
