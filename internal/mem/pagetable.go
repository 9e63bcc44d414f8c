package mem

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/nyxkernel/nyx/internal/errs"
)

// MMUFlags is the page-property flag bitset from spec.md §6.
type MMUFlags uint32

const (
	Read MMUFlags = 1 << iota
	Write
	Execute
	HugePage
)

func (f MMUFlags) Has(bits MMUFlags) bool { return f&bits == bits }

// CachePolicy and Privilege mirror original_source/kernel/src/mem/page_table.rs's
// enums of the same name; spec.md §3 lists them as part of the entry
// flag set without spelling out the exact variants, so the original is
// the authority here.
type CachePolicy uint8

const (
	CacheCoherent CachePolicy = iota
	StronglyOrderedUncached
	WeaklyOrderedUncached
)

type Privilege uint8

const (
	PrivilegeUser Privilege = iota
	PrivilegeKernelOnly
	PrivilegeUserOnly
)

// PageProperty bundles the flags, cache policy and privilege level of a
// mapping, matching spec.md §3/§4.2 exactly.
type PageProperty struct {
	Flags       MMUFlags
	CachePolicy CachePolicy
	Privilege   Privilege
}

// PageSize enumerates the three leaf sizes spec.md §4.2 requires.
type PageSize uintptr

const (
	Size4K PageSize = 1 << 12
	Size2M PageSize = 1 << 21
	Size1G PageSize = 1 << 30
)

func (s PageSize) AlignDown(addr uintptr) uintptr { return addr &^ (uintptr(s) - 1) }
func (s PageSize) AlignUp(addr uintptr) uintptr    { return s.AlignDown(addr + uintptr(s) - 1) }
func (s PageSize) Aligned(addr uintptr) bool       { return s.AlignDown(addr) == addr }

// pageTableLevels bounds the walk and deep-copy loops, which iterate
// over "level" rather than being unrolled per level. The per-level index
// shift in levelIndex and the leaf levels in levelPageSize/leafLevelFor
// are written for four levels, so a 3- or 5-level walker needs those
// changed as well.
const pageTableLevels = 4

const entriesPerNode = 512
const entryBytes = 8

// pte bit layout, low 12 bits of each 8-byte entry; bits 12-63 carry the
// page-aligned child/leaf Frame address.
const (
	ptePresent  uint64 = 1 << 0
	pteWritable uint64 = 1 << 1
	pteUser     uint64 = 1 << 2
	pteExecute  uint64 = 1 << 3
	pteHuge     uint64 = 1 << 4
	pteDirty    uint64 = 1 << 5
	pteGlobal   uint64 = 1 << 6
	pteCacheLo  uint64 = 1 << 7 // 2-bit cache policy, bits 7-8
	pteCacheHi  uint64 = 1 << 8
	pritLo      uint64 = 1 << 9 // 2-bit privilege, bits 9-10
	pritHi      uint64 = 1 << 10
	pteAddrMask uint64 = ^uint64(0xFFF)
)

func encodeProperty(p PageProperty) uint64 {
	var e uint64 = ptePresent
	if p.Flags.Has(Write) {
		e |= pteWritable
	}
	if p.Flags.Has(Read) {
		e |= pteUser
	}
	if p.Flags.Has(Execute) {
		e |= pteExecute
	}
	e |= uint64(p.CachePolicy) << 7
	e |= uint64(p.Privilege) << 9
	return e
}

func decodeProperty(e uint64) PageProperty {
	var flags MMUFlags
	if e&pteWritable != 0 {
		flags |= Write
	}
	if e&pteUser != 0 {
		flags |= Read
	}
	if e&pteExecute != 0 {
		flags |= Execute
	}
	if e&pteHuge != 0 {
		flags |= HugePage
	}
	return PageProperty{
		Flags:       flags,
		CachePolicy: CachePolicy((e >> 7) & 0x3),
		Privilege:   Privilege((e >> 9) & 0x3),
	}
}

func levelIndex(vaddr uintptr, level int) int {
	shift := uint(39 - 9*level)
	return int((vaddr >> shift) & 0x1FF)
}

func levelPageSize(level int) PageSize {
	switch level {
	case 1:
		return Size1G
	case 2:
		return Size2M
	default:
		return Size4K
	}
}

// FlushToken is returned by every page-table mutation. spec.md requires
// it be a must-use value whose destructor warns if dropped unconsumed;
// Go has no destructor, so the contract is approximated with a finalizer
// that logs a warning if neither Flush nor Ignore ran before the token
// is collected. The unexported fields also mean a caller cannot forge a
// pre-consumed token, so the only way to "skip" the warning honestly is
// to actually call Flush or Ignore.
type FlushToken struct {
	vaddr    uintptr
	size     PageSize
	mu       sync.Mutex
	consumed bool
}

func newFlushToken(vaddr uintptr, size PageSize) *FlushToken {
	t := &FlushToken{vaddr: vaddr, size: size}
	runtime.SetFinalizer(t, func(t *FlushToken) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.consumed {
			log.WithField("vaddr", t.vaddr).Warn("mem: FlushToken dropped without Flush or Ignore")
		}
	})
	return t
}

// Flush invalidates the TLB entry for the token's page. In a hosted
// simulation there is no TLB to shoot down; Flush still marks the token
// consumed so the leak detector above stays silent, and logs at debug
// level for tests that want to assert a flush happened.
func (t *FlushToken) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed = true
	log.WithField("vaddr", t.vaddr).Debug("tlb flush")
}

// Ignore explicitly discards the token without flushing, for callers
// that know the mapping was never installed in any live TLB.
func (t *FlushToken) Ignore() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed = true
}

// PageTable is a 4-level paging tree split into a per-process lower
// half and a shared higher half, per spec.md §3's invariant that the
// higher-half root is identical across all processes while the lower
// half is unique and deep-copied on fork.
type PageTable struct {
	alloc  *Allocator
	mu     sync.RWMutex
	lower  Frame
	higher Frame
	// kernelBase is the first virtual address considered part of the
	// higher half; addresses below it walk the lower tree.
	kernelBase uintptr
}

// NewPageTable allocates a fresh lower-half root and shares the given
// higher-half root (create one with NewKernelRoot once at boot).
func NewPageTable(alloc *Allocator, higher Frame, kernelBase uintptr) (*PageTable, error) {
	lower, err := alloc.AllocateZeroed(1)
	if err != nil {
		return nil, err
	}
	return &PageTable{alloc: alloc, lower: lower, higher: higher, kernelBase: kernelBase}, nil
}

// NewKernelRoot allocates an empty root frame for the shared higher
// half; call once at boot and pass the result to every NewPageTable.
func NewKernelRoot(alloc *Allocator) (Frame, error) {
	return alloc.AllocateZeroed(1)
}

func (pt *PageTable) rootFor(vaddr uintptr) Frame {
	if vaddr >= pt.kernelBase {
		return pt.higher
	}
	return pt.lower
}

func (pt *PageTable) readEntry(node Frame, idx int) uint64 {
	b := pt.alloc.Bytes(node, entriesPerNode*entryBytes)
	return binary.LittleEndian.Uint64(b[idx*entryBytes:])
}

func (pt *PageTable) writeEntry(node Frame, idx int, e uint64) {
	b := pt.alloc.Bytes(node, entriesPerNode*entryBytes)
	binary.LittleEndian.PutUint64(b[idx*entryBytes:], e)
}

// Map installs a leaf entry for the page described by vaddr/size at the
// given physical frame. Intermediate nodes are allocated on demand.
func (pt *PageTable) Map(vaddr uintptr, size PageSize, frame Frame, prop PageProperty) (*FlushToken, error) {
	if !size.Aligned(vaddr) || !size.Aligned(uintptr(frame)) {
		return nil, errs.New(errs.InvArg)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	leafLevel := leafLevelFor(size)
	node := pt.rootFor(vaddr)
	for level := 0; level < leafLevel; level++ {
		idx := levelIndex(vaddr, level)
		e := pt.readEntry(node, idx)
		if e&ptePresent != 0 && e&pteHuge != 0 {
			return nil, errs.New(errs.MapFailed) // ParentHugePage
		}
		if e&ptePresent == 0 {
			child, err := pt.alloc.AllocateZeroed(1)
			if err != nil {
				return nil, errs.New(errs.OutOfMemory) // FrameAllocationFailed
			}
			e = uint64(child) | ptePresent | pteWritable | pteUser
			pt.writeEntry(node, idx, e)
		}
		node = Frame(e &^ 0xFFF)
	}

	idx := levelIndex(vaddr, leafLevel)
	existing := pt.readEntry(node, idx)
	if existing&ptePresent != 0 {
		return nil, errs.New(errs.MapFailed) // AlreadyMapped
	}
	e := uint64(frame) | encodeProperty(prop)
	if leafLevel < pageTableLevels-1 {
		e |= pteHuge
	}
	pt.writeEntry(node, idx, e)
	return newFlushToken(vaddr, size), nil
}

func leafLevelFor(size PageSize) int {
	switch size {
	case Size1G:
		return 1
	case Size2M:
		return 2
	default:
		return 3
	}
}

// walkToLeaf descends from the appropriate root until it finds a
// present leaf entry (huge or 4K), returning the node holding it, the
// index within that node, and the page size the leaf covers. Returns
// errs.NotMapped if any step along the way is absent.
func (pt *PageTable) walkToLeaf(vaddr uintptr) (node Frame, idx int, size PageSize, err error) {
	node = pt.rootFor(vaddr)
	for level := 0; level < pageTableLevels; level++ {
		idx = levelIndex(vaddr, level)
		e := pt.readEntry(node, idx)
		if e&ptePresent == 0 {
			return 0, 0, 0, errs.New(errs.NotMapped)
		}
		if e&pteHuge != 0 || level == pageTableLevels-1 {
			return node, idx, levelPageSize(level), nil
		}
		node = Frame(e &^ 0xFFF)
	}
	return 0, 0, 0, errs.New(errs.NotMapped)
}

// Unmap removes the leaf covering vaddr and returns its frame and size.
// Intermediate nodes are left in place, as spec.md §4.2 requires.
func (pt *PageTable) Unmap(vaddr uintptr) (Frame, PageSize, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	node, idx, size, err := pt.walkToLeaf(vaddr)
	if err != nil {
		return 0, 0, err
	}
	e := pt.readEntry(node, idx)
	frame := Frame(e &^ 0xFFF)
	pt.writeEntry(node, idx, 0)
	return frame, size, nil
}

// Update changes the property flags of the leaf covering vaddr without
// touching its physical address.
func (pt *PageTable) Update(vaddr uintptr, mutate func(*PageProperty)) (PageSize, *FlushToken, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	node, idx, size, err := pt.walkToLeaf(vaddr)
	if err != nil {
		return 0, nil, err
	}
	e := pt.readEntry(node, idx)
	frame := e &^ 0xFFF
	wasHuge := e&pteHuge != 0
	prop := decodeProperty(e)
	mutate(&prop)
	ne := frame | encodeProperty(prop)
	if wasHuge {
		ne |= pteHuge
	}
	pt.writeEntry(node, idx, ne)
	return size, newFlushToken(vaddr, size), nil
}

// Query translates vaddr to a physical address (including the in-page
// offset, per spec.md §4.2), along with the leaf's property and size.
func (pt *PageTable) Query(vaddr uintptr) (uintptr, PageProperty, PageSize, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	node, idx, size, err := pt.walkToLeaf(vaddr)
	if err != nil {
		return 0, PageProperty{}, 0, err
	}
	e := pt.readEntry(node, idx)
	base := uintptr(e &^ 0xFFF)
	offset := vaddr & (uintptr(size) - 1)
	return base + offset, decodeProperty(e), size, nil
}

// MapCont iterates map over [vaddr, vaddr+size) promoting to the
// largest aligned page size that fits when prop requests HugePage,
// otherwise always mapping 4K pages, per spec.md §4.2.
func (pt *PageTable) MapCont(vaddr uintptr, size uintptr, paddr Frame, prop PageProperty) error {
	end := vaddr + size
	v, p := vaddr, uintptr(paddr)
	for v < end {
		remaining := end - v
		var ps PageSize = Size4K
		if prop.Flags.Has(HugePage) {
			switch {
			case remaining >= uintptr(Size1G) && Size1G.Aligned(v) && Size1G.Aligned(p):
				ps = Size1G
			case remaining >= uintptr(Size2M) && Size2M.Aligned(v) && Size2M.Aligned(p):
				ps = Size2M
			}
		}
		tok, err := pt.Map(v, ps, Frame(p), prop)
		if err != nil {
			return err
		}
		tok.Flush()
		v += uintptr(ps)
		p += uintptr(ps)
	}
	return nil
}

// UnmapCont iterates Unmap over [vaddr, vaddr+size), each step removing
// whatever page size is actually mapped there.
func (pt *PageTable) UnmapCont(vaddr uintptr, size uintptr) error {
	v := vaddr
	end := vaddr + size
	for v < end {
		_, ps, err := pt.Unmap(v)
		if err != nil {
			return err
		}
		v += uintptr(ps)
	}
	return nil
}

// DeepCopy clones the lower-half tree depth-first: every intermediate
// node gets a fresh frame, while huge-page and 4K leaves are copied by
// reference (the frame they name is shared with the source table). The
// returned table shares the caller's higher-half root.
func (pt *PageTable) DeepCopy() (*PageTable, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	newLower, err := pt.deepCopyNode(pt.lower, 0)
	if err != nil {
		return nil, err
	}
	return &PageTable{alloc: pt.alloc, lower: newLower, higher: pt.higher, kernelBase: pt.kernelBase}, nil
}

func (pt *PageTable) deepCopyNode(node Frame, level int) (Frame, error) {
	fresh, err := pt.alloc.AllocateZeroed(1)
	if err != nil {
		return 0, errs.New(errs.OutOfMemory)
	}
	for idx := 0; idx < entriesPerNode; idx++ {
		e := pt.readEntry(node, idx)
		if e&ptePresent == 0 {
			continue
		}
		isLeaf := e&pteHuge != 0 || level == pageTableLevels-1
		if isLeaf {
			pt.writeEntry(fresh, idx, e)
			continue
		}
		child := Frame(e &^ 0xFFF)
		newChild, err := pt.deepCopyNode(child, level+1)
		if err != nil {
			return 0, err
		}
		flags := e & 0xFFF
		pt.writeEntry(fresh, idx, uint64(newChild)|flags)
	}
	return fresh, nil
}

// Activate installs both roots in the architecture's page-table base
// registers. There is no real architecture to install into in a hosted
// build; this records intent for the trap/arch glue to observe.
func (pt *PageTable) Activate() {
	log.WithField("lower", pt.lower).WithField("higher", pt.higher).Debug("page table activated")
}

// LowerRoot and HigherRoot expose the two roots read-only, for callers
// (process creation, the trap glue) that need to record which table is
// active without reaching into package internals.
func (pt *PageTable) LowerRoot() Frame  { return pt.lower }
func (pt *PageTable) HigherRoot() Frame { return pt.higher }
