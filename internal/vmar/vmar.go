// Package vmar implements the virtual-memory address region: a
// recursive subdivision of a process's address space that maps VMOs
// with per-range permissions and drives copy-on-write page faults, per
// spec.md §3/§4.4. Grounded on original_source/object/src/mem/vmar/mod.rs
// and mapping.rs for the region/mapping split, pf.rs's handle_page_fault
// for the fault-handling path (the kernel/src/mem/vmar crate has only
// mod.rs/mapping.rs, no pf.rs — the fault handler lives under object/
// instead), and the teacher's vm.As_t address-space tree
// (biscuit/src/vm/as.go).
package vmar

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/kobject"
	"github.com/nyxkernel/nyx/internal/mem"
	"github.com/nyxkernel/nyx/internal/vmo"
)

var log = logrus.WithField("subsys", "vmar")

// Mapping is a VmMapping record of spec.md §3: a VMO bound into
// [Start, End) of a Vmar's address range with a property and a
// permission ceiling that must be a subset of the VMO's own rights.
type Mapping struct {
	Vmo   *vmo.Vmo
	Start uintptr
	End   uintptr
	Prop  mem.PageProperty
	Perm  mem.MMUFlags
}

// splitRange implements spec.md §4.4's split-range arithmetic: given a
// mapping [start,end) and a request range [left,right), returns the
// (possibly nil) portion before left and the (possibly nil) portion
// from right onward. The portion inside [left,right) is discarded by
// the caller.
func (m *Mapping) splitRange(left, right uintptr) (pre, post *Mapping, err error) {
	switch {
	case left <= m.Start && right >= m.End:
		return nil, nil, nil
	case m.Start < left && left < m.End:
		if right < m.End {
			pre = &Mapping{Vmo: m.Vmo, Start: m.Start, End: left, Prop: m.Prop, Perm: m.Perm}
			post = &Mapping{Vmo: m.Vmo, Start: right, End: m.End, Prop: m.Prop, Perm: m.Perm}
			return pre, post, nil
		}
		pre = &Mapping{Vmo: m.Vmo, Start: m.Start, End: left, Prop: m.Prop, Perm: m.Perm}
		return pre, nil, nil
	case m.Start < right && right < m.End:
		post = &Mapping{Vmo: m.Vmo, Start: right, End: m.End, Prop: m.Prop, Perm: m.Perm}
		return nil, post, nil
	default:
		return nil, nil, errs.New(errs.InvArg)
	}
}

// Vmar is the tree-of-sub-regions abstraction. Child VMARs are not
// modelled as separate live objects here (the teacher's As_t keeps a
// single flat mapping list per address space); AllocateChild instead
// reserves a sub-range of the same address space and returns a Vmar
// view scoped to it, which is sufficient to realise every operation
// spec.md names.
type Vmar struct {
	mu       sync.RWMutex
	base     uintptr
	size     uintptr
	mappings []*Mapping
	pt       *mem.PageTable
	alloc    *mem.Allocator
	// children are the sub-ranges handed out by AllocateChild/AllocateAt.
	children []*Vmar
}

// NewRoot creates the root VMAR spanning [base, base+size) over pt.
func NewRoot(alloc *mem.Allocator, pt *mem.PageTable, base, size uintptr) *Vmar {
	return &Vmar{base: base, size: size, pt: pt, alloc: alloc}
}

func (v *Vmar) Kind() kobject.Kind { return kobject.KindVmar }

func (v *Vmar) Base() uintptr { return v.base }
func (v *Vmar) Size() uintptr { return v.size }

// PageTable exposes the underlying page table, for callers (the trap
// loop's activate step, process bootstrap) that need it directly.
func (v *Vmar) PageTable() *mem.PageTable { return v.pt }

func pageAlignDown(x uintptr) uintptr { return mem.Size4K.AlignDown(x) }
func pageAlignUp(x uintptr) uintptr   { return mem.Size4K.AlignUp(x) }

// AllocateChild reserves the lowest-address unused sub-range of size
// bytes and returns a Vmar scoped to it.
func (v *Vmar) AllocateChild(size uintptr) (*Vmar, error) {
	size = pageAlignUp(size)
	v.mu.Lock()
	defer v.mu.Unlock()
	base, err := v.findFreeLocked(size)
	if err != nil {
		return nil, err
	}
	child := &Vmar{base: base, size: size, pt: v.pt, alloc: v.alloc}
	v.children = append(v.children, child)
	return child, nil
}

// AllocateAt reserves [base, base+size) exactly, failing if it
// overlaps an existing mapping or child, or lies outside v's own range.
func (v *Vmar) AllocateAt(base, size uintptr) (*Vmar, error) {
	size = pageAlignUp(size)
	v.mu.Lock()
	defer v.mu.Unlock()
	if base < v.base || base+size > v.base+v.size {
		return nil, errs.New(errs.InvArg)
	}
	for _, m := range v.mappings {
		if overlaps(base, base+size, m.Start, m.End) {
			return nil, errs.New(errs.InvArg)
		}
	}
	for _, c := range v.children {
		if overlaps(base, base+size, c.base, c.base+c.size) {
			return nil, errs.New(errs.InvArg)
		}
	}
	child := &Vmar{base: base, size: size, pt: v.pt, alloc: v.alloc}
	v.children = append(v.children, child)
	return child, nil
}

func (v *Vmar) findFreeLocked(size uintptr) (uintptr, error) {
	sorted := append([]*Mapping(nil), v.mappings...)
	for _, c := range v.children {
		sorted = append(sorted, &Mapping{Start: c.base, End: c.base + c.size})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	cursor := v.base
	for _, m := range sorted {
		if m.Start-cursor >= size {
			return cursor, nil
		}
		if m.End > cursor {
			cursor = m.End
		}
	}
	if v.base+v.size-cursor >= size {
		return cursor, nil
	}
	return 0, errs.New(errs.OutOfMemory)
}

func overlaps(aStart, aEnd, bStart, bEnd uintptr) bool {
	return aStart < bEnd && bStart < aEnd
}

// Map creates a mapping of vmo at offset within v, with the given
// property and permission ceiling. insertTruncateOthers controls
// whether overlapping mappings are split and replaced (per spec.md's
// insert_truncate_others) or whether any overlap is simply rejected.
func (v *Vmar) Map(offset uintptr, vo *vmo.Vmo, prop mem.PageProperty, perm mem.MMUFlags, insertTruncateOthers bool) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	size := pageAlignUp(uintptr(vo.Len()))
	left := pageAlignDown(v.base + offset)
	right := pageAlignUp(left + size)
	if left < v.base || right > v.base+v.size {
		return 0, errs.New(errs.InvArg)
	}

	if err := v.reserveLocked(left, right, insertTruncateOthers); err != nil {
		return 0, err
	}

	v.mappings = append(v.mappings, &Mapping{Vmo: vo, Start: left, End: right, Prop: prop, Perm: perm})
	return left, nil
}

// MapWithAlloc finds a free range of size bytes, creates a fresh
// anonymous VMO over it, and maps it with prop/perm, returning the
// chosen address and the new VMO.
func (v *Vmar) MapWithAlloc(size uintptr, prop mem.PageProperty, perm mem.MMUFlags) (uintptr, *vmo.Vmo, error) {
	size = pageAlignUp(size)
	vo, err := vmo.AllocateRAM(v.alloc, int(size/mem.FrameBytes))
	if err != nil {
		return 0, nil, err
	}
	addr, err := v.Map(0, vo, prop, perm, false)
	if err != nil {
		return 0, nil, err
	}
	return addr, vo, nil
}

func (v *Vmar) reserveLocked(left, right uintptr, insertTruncateOthers bool) error {
	var overlapping []*Mapping
	for _, m := range v.mappings {
		if overlaps(left, right, m.Start, m.End) {
			overlapping = append(overlapping, m)
		}
	}
	if len(overlapping) == 0 {
		return nil
	}
	if !insertTruncateOthers {
		return errs.New(errs.InvArg)
	}
	remove := make(map[*Mapping]bool, len(overlapping))
	var additions []*Mapping
	for _, m := range overlapping {
		pre, post, err := m.splitRange(left, right)
		if err != nil {
			return err
		}
		remove[m] = true
		if pre != nil {
			additions = append(additions, pre)
		}
		if post != nil {
			additions = append(additions, post)
		}
	}
	kept := v.mappings[:0:0]
	for _, m := range v.mappings {
		if !remove[m] {
			kept = append(kept, m)
		}
	}
	v.mappings = append(kept, additions...)
	return nil
}

// Unmap drops every mapping fully contained in [addr, addr+size), and
// splits any mapping that only partially overlaps the range, keeping
// the portions outside it.
func (v *Vmar) Unmap(addr, size uintptr) error {
	left := pageAlignDown(addr)
	right := pageAlignUp(addr + size)

	v.mu.Lock()
	defer v.mu.Unlock()

	var kept []*Mapping
	for _, m := range v.mappings {
		if !overlaps(left, right, m.Start, m.End) {
			kept = append(kept, m)
			continue
		}
		pre, post, err := m.splitRange(left, right)
		if err != nil {
			return err
		}
		if pre != nil {
			kept = append(kept, pre)
		}
		if post != nil {
			kept = append(kept, post)
		}
	}
	v.mappings = kept

	// Pages of the range that were never faulted in have no page-table
	// leaf; skip them rather than failing the whole unmap.
	for va := left; va < right; {
		_, ps, err := v.pt.Unmap(va)
		if err != nil {
			if errs.Code(err) == errs.NotMapped {
				va += uintptr(mem.Size4K)
				continue
			}
			return err
		}
		va += uintptr(ps)
	}
	return nil
}

// Protect ORs additionalFlags into the property of every mapping
// overlapping [addr, addr+size), splitting mappings that only
// partially overlap.
func (v *Vmar) Protect(addr, size uintptr, additionalFlags mem.MMUFlags) error {
	left := pageAlignDown(addr)
	right := pageAlignUp(addr + size)

	v.mu.Lock()
	defer v.mu.Unlock()

	var touched []*Mapping
	var rest []*Mapping
	for _, m := range v.mappings {
		if !overlaps(left, right, m.Start, m.End) {
			rest = append(rest, m)
			continue
		}
		clampStart, clampEnd := m.Start, m.End
		if clampStart < left {
			clampStart = left
		}
		if clampEnd > right {
			clampEnd = right
		}
		if clampStart > m.Start {
			rest = append(rest, &Mapping{Vmo: m.Vmo, Start: m.Start, End: clampStart, Prop: m.Prop, Perm: m.Perm})
		}
		if clampEnd < m.End {
			rest = append(rest, &Mapping{Vmo: m.Vmo, Start: clampEnd, End: m.End, Prop: m.Prop, Perm: m.Perm})
		}
		middle := &Mapping{Vmo: m.Vmo, Start: clampStart, End: clampEnd, Prop: m.Prop, Perm: m.Perm | additionalFlags}
		middle.Prop.Flags |= additionalFlags
		touched = append(touched, middle)
	}
	v.mappings = append(rest, touched...)

	cursor, err := mem.NewCursor(v.pt, left)
	if err != nil {
		return err
	}
	return cursor.Protect(right-left, func(p *mem.PageProperty) { p.Flags |= additionalFlags })
}

func (v *Vmar) findMappingLocked(vaddr uintptr) *Mapping {
	for _, m := range v.mappings {
		if vaddr >= m.Start && vaddr < m.End {
			return m
		}
	}
	return nil
}

// HandlePageFault implements spec.md §4.4's algorithm: locate the
// mapping, check permissions, direct-map MMIO, trigger CoW on a
// privileged write to a read-only shared page, or materialise a fresh
// frame on first access. Returns handled=false when the fault cannot
// be resolved locally (no mapping, or permission exceeded).
func (v *Vmar) HandlePageFault(vaddr uintptr, required mem.MMUFlags) (handled bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := v.findMappingLocked(vaddr)
	if m == nil {
		return false, nil
	}
	if !m.Perm.Has(required) {
		return false, nil
	}

	if m.Vmo.IsIoMem() {
		// The IO region lives in its own mmap'd aperture outside the frame
		// allocator's address space, so there is no physical Frame value to
		// install a literal page-table leaf for in this hosted build.
		// Faulting in an MMIO mapping is a no-op here; user-facing access
		// to the region goes through Vmo.ReadBytes/WriteBytes instead.
		log.WithField("vaddr", vaddr).Debug("mmio fault resolved without a page-table entry")
		return true, nil
	}

	if required.Has(mem.Write) {
		_, curProp, _, qerr := v.pt.Query(vaddr)
		if qerr == nil && !curProp.Flags.Has(mem.Write) && m.Perm.Has(mem.Write) {
			clone, cerr := m.Vmo.DeepClone()
			if cerr != nil {
				return false, cerr
			}
			m.Vmo = clone
			if err := v.remapAllLocked(m); err != nil {
				return false, err
			}
			log.WithField("vaddr", vaddr).Debug("cow fault resolved")
			return true, nil
		}
	}

	pageOff := vaddr - m.Start
	base := pageOff - (pageOff % mem.FrameBytes)
	_, frame, ok, gerr := m.Vmo.GetFrame(base)
	if gerr != nil {
		return false, gerr
	}
	if !ok {
		return false, errs.New(errs.PageFault)
	}
	tok, merr := v.pt.Map(m.Start+base, mem.Size4K, frame, m.Prop)
	if merr != nil {
		return false, merr
	}
	tok.Flush()
	return true, nil
}

// remapAllLocked re-maps every committed page of m.Vmo into the page
// table with WRITE, used after a CoW deep_clone.
func (v *Vmar) remapAllLocked(m *Mapping) error {
	m.Prop.Flags |= mem.Write
	count := m.Vmo.PageCount()
	for i := 0; i < count; i++ {
		off := i * mem.FrameBytes
		if !m.Vmo.Committed(i) {
			continue
		}
		_, frame, ok, err := m.Vmo.GetFrame(off)
		if err != nil || !ok {
			return err
		}
		_, _, _ = v.pt.Unmap(m.Start + uintptr(off))
		tok, err := v.pt.Map(m.Start+uintptr(off), mem.Size4K, frame, m.Prop)
		if err != nil {
			return err
		}
		tok.Flush()
	}
	return nil
}

// DeepClone produces a new Vmar whose mappings share VMOs with v, with
// WRITE stripped from every writable mapping's current page-table
// property in both v and the clone. This realises fork semantics: the
// next write on either side takes the CoW path in HandlePageFault.
func (v *Vmar) DeepClone(pt *mem.PageTable) (*Vmar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	clone := &Vmar{base: v.base, size: v.size, pt: pt, alloc: v.alloc}
	for _, m := range v.mappings {
		dup := &Mapping{Vmo: m.Vmo, Start: m.Start, End: m.End, Prop: m.Prop, Perm: m.Perm}
		clone.mappings = append(clone.mappings, dup)

		if m.Prop.Flags.Has(mem.Write) {
			stripped := m.Prop
			stripped.Flags &^= mem.Write
			m.Prop = stripped
			dup.Prop = stripped
			if err := v.stripWriteLocked(m); err != nil {
				return nil, err
			}
		}
	}
	return clone, nil
}

func (v *Vmar) stripWriteLocked(m *Mapping) error {
	count := m.Vmo.PageCount()
	for i := 0; i < count; i++ {
		if !m.Vmo.Committed(i) {
			continue
		}
		vaddr := m.Start + uintptr(i*mem.FrameBytes)
		_, _, err := v.pt.Unmap(vaddr)
		if err != nil {
			continue
		}
		_, frame, _, _ := m.Vmo.GetFrame(i * mem.FrameBytes)
		tok, err := v.pt.Map(vaddr, mem.Size4K, frame, m.Prop)
		if err != nil {
			return err
		}
		tok.Flush()
	}
	return nil
}
