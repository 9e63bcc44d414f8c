package mem

import "github.com/nyxkernel/nyx/internal/errs"

// Cursor is a view into a PageTable starting at a fixed virtual
// address, grounded on original_source/kernel/src/mem/vm_space.rs's
// Cursor: VMAR code acquires one with NewCursor(pt, addr) and then
// issues MapFrames/Unmap/Protect against it instead of touching the
// table directly. Operations are not transactional: when MapFrames or
// Unmap fails part-way, the pages already processed stay as changed.
type Cursor struct {
	pt    *PageTable
	start uintptr
}

// NewCursor validates alignment and returns a Cursor over pt starting
// at vaddr.
func NewCursor(pt *PageTable, vaddr uintptr) (*Cursor, error) {
	if !Size4K.Aligned(vaddr) {
		return nil, errs.New(errs.InvArg)
	}
	return &Cursor{pt: pt, start: vaddr}, nil
}

// MapFrames installs property-tagged leaves over the first
// len(frames)*PageSize bytes starting at the cursor's address.
func (c *Cursor) MapFrames(frames []Frame, prop PageProperty) error {
	vaddr := c.start
	for _, f := range frames {
		tok, err := c.pt.Map(vaddr, Size4K, f, prop)
		if err != nil {
			return err
		}
		tok.Flush()
		vaddr += uintptr(Size4K)
	}
	return nil
}

// Unmap removes size bytes of mappings starting at the cursor's address.
func (c *Cursor) Unmap(size uintptr) error {
	return c.pt.UnmapCont(c.start, size)
}

// Protect applies mutate to the PageProperty of every leaf in
// [cursor, cursor+size), flushing each touched page. Pages that are not
// currently mapped are skipped rather than erroring, since VMAR mappings
// may span committed and uncommitted VMO pages.
func (c *Cursor) Protect(size uintptr, mutate func(*PageProperty)) error {
	vaddr := c.start
	end := c.start + size
	for vaddr < end {
		pageSize, tok, err := c.pt.Update(vaddr, mutate)
		if err != nil {
			if errs.Code(err) == errs.NotMapped {
				vaddr += uintptr(Size4K)
				continue
			}
			return err
		}
		tok.Flush()
		vaddr += uintptr(pageSize)
	}
	return nil
}
