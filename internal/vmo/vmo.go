// Package vmo implements the virtual-memory object: a content backing
// for a contiguous logical range of memory, either anonymous RAM or a
// borrowed MMIO region, per spec.md §3/§4.3.
package vmo

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/kobject"
	"github.com/nyxkernel/nyx/internal/mem"
)

var log = logrus.WithField("subsys", "vmo")

const PageSize = mem.FrameBytes

// IoRegion is a reference-counted handle to a physical IO region,
// mirroring original_source/kernel_hal/src/io/io_mem.rs's IoMem: a VMO
// never deep-clones it, and split_at is invalid on an MMIO-backed VMO.
// The region is backed by a real unix.Mmap of an anonymous page range
// standing in for a device's physical aperture, the same trick
// gokvm/tinyrange-cc use for guest MMIO windows.
type IoRegion struct {
	base uintptr // physical base address this region represents
	mm   []byte
}

// AcquireIoRegion mmaps length bytes (rounded up to a page) to stand in
// for the MMIO window starting at phys.
func AcquireIoRegion(phys uintptr, length int) (*IoRegion, error) {
	aligned := mem.Size4K.AlignUp(uintptr(length))
	b, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap io region")
	}
	return &IoRegion{base: phys, mm: b}, nil
}

func (r *IoRegion) Size() int { return len(r.mm) }

func (r *IoRegion) readBytes(offset int, buf []byte) { copy(buf, r.mm[offset:]) }
func (r *IoRegion) writeBytes(offset int, buf []byte) { copy(r.mm[offset:], buf) }

// Vmo is the vector-of-frames-or-borrowed-MMIO abstraction from
// spec.md §3, grounded on original_source/kernel/src/mem/vmo/mod.rs's
// Vmo/VmoInner split and on the teacher's nil-means-uncommitted idiom
// for Option<Frame> (biscuit/src/mem's *Pg_t slots).
type Vmo struct {
	mu     sync.RWMutex
	ram    []*mem.Frame // nil entry == uncommitted
	io     *IoRegion
	ioOff  int
	alloc  *mem.Allocator
}

// AllocateRAM creates an anonymous VMO with count uncommitted pages.
func AllocateRAM(alloc *mem.Allocator, count int) (*Vmo, error) {
	return &Vmo{ram: make([]*mem.Frame, count), alloc: alloc}, nil
}

// AcquireIoMem creates an MMIO-backed VMO over [phys, phys+length).
func AcquireIoMem(phys uintptr, length int) (*Vmo, error) {
	region, err := AcquireIoRegion(phys, length)
	if err != nil {
		return nil, err
	}
	return &Vmo{io: region, ioOff: int(phys % PageSize)}, nil
}

func (v *Vmo) IsIoMem() bool { return v.io != nil }

// Kind implements kobject.Object.
func (v *Vmo) Kind() kobject.Kind { return kobject.KindVmo }

// Len reports the VMO's length in bytes.
func (v *Vmo) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.io != nil {
		return v.io.Size()
	}
	return len(v.ram) * PageSize
}

func (v *Vmo) PageCount() int { return v.Len() / PageSize }

// GetFrame returns the frame backing the page containing offset,
// allocating and zero-filling it on first access (the lazy-commit path
// of spec.md §4.3). For an MMIO VMO it returns ok == false and a nil
// error; the caller must use GetIoMem instead.
func (v *Vmo) GetFrame(offset int) (pageOffset int, frame mem.Frame, ok bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.io != nil {
		return 0, 0, false, nil
	}
	id := offset / PageSize
	if id < 0 || id >= len(v.ram) {
		return 0, 0, false, errs.New(errs.InvArg)
	}
	pageOffset = offset % PageSize
	if v.ram[id] == nil {
		f, err := v.alloc.AllocateZeroed(1)
		if err != nil {
			return 0, 0, false, err
		}
		v.ram[id] = &f
	}
	return pageOffset, *v.ram[id], true, nil
}

// GetIoMem returns the MMIO region and base offset for an MMIO VMO, or
// ok==false for a RAM VMO.
func (v *Vmo) GetIoMem() (region *IoRegion, offset int, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.io == nil {
		return nil, 0, false
	}
	return v.io, v.ioOff, true
}

// ReadBytes copies len(buf) bytes starting at offset out of the VMO,
// crossing page boundaries as needed. For an MMIO VMO the copy reads
// directly out of the mmap'd region standing in for a volatile load.
func (v *Vmo) ReadBytes(offset int, buf []byte) error {
	return v.transfer(offset, buf, false)
}

// WriteBytes copies buf into the VMO starting at offset, allocating
// and zero-filling any uncommitted RAM pages it touches first.
func (v *Vmo) WriteBytes(offset int, buf []byte) error {
	return v.transfer(offset, buf, true)
}

func (v *Vmo) transfer(offset int, buf []byte, write bool) error {
	if v.io != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		if write {
			v.io.writeBytes(offset, buf)
		} else {
			v.io.readBytes(offset, buf)
		}
		return nil
	}
	done := 0
	for done < len(buf) {
		o := offset + done
		pageOff, frame, ok, err := v.GetFrame(o)
		if err != nil || !ok {
			return err
		}
		chunk := buf[done:]
		room := PageSize - pageOff
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		v.mu.Lock()
		page := v.alloc.Bytes(frame, PageSize)
		if write {
			copy(page[pageOff:], chunk)
		} else {
			copy(chunk, page[pageOff:])
		}
		v.mu.Unlock()
		done += len(chunk)
	}
	return nil
}

// Committed reports whether page id currently has a backing frame.
func (v *Vmo) Committed(id int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.io != nil {
		return true
	}
	return v.ram[id] != nil
}

// SplitAt truncates v to [0, index) and returns a new Vmo owning
// [index, len). Invalid on MMIO VMOs per spec.md §4.3.
func (v *Vmo) SplitAt(index int) (*Vmo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.io != nil {
		return nil, errs.New(errs.InvArg)
	}
	if index < 0 || index > len(v.ram) {
		return nil, errs.New(errs.InvArg)
	}
	right := append([]*mem.Frame(nil), v.ram[index:]...)
	v.ram = v.ram[:index:index]
	return &Vmo{ram: right, alloc: v.alloc}, nil
}

// DeepClone materialises a fresh RAM VMO whose committed slots are
// byte-for-byte copies of v's; uncommitted slots stay uncommitted. This
// realises the copy-on-write fork path of spec.md §4.4. Fails on MMIO
// VMOs.
func (v *Vmo) DeepClone() (*Vmo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.io != nil {
		return nil, errs.New(errs.AccessDenied)
	}
	out := make([]*mem.Frame, len(v.ram))
	for i, src := range v.ram {
		if src == nil {
			continue
		}
		dst, err := v.alloc.Allocate(1)
		if err != nil {
			return nil, err
		}
		copy(v.alloc.Bytes(dst, PageSize), v.alloc.Bytes(*src, PageSize))
		out[i] = &dst
	}
	log.WithField("pages", len(v.ram)).Debug("vmo deep cloned")
	return &Vmo{ram: out, alloc: v.alloc}, nil
}
