// Package handle implements the per-process capability table: the
// sole mechanism by which user code references kernel objects, per
// spec.md §3/§4.5. Grounded on the teacher's per-process Fd_t table
// (biscuit/src/fd/fd.go's Proc_t.Fds scan-for-lowest-free idiom),
// original_source/object/src/object/handle.rs's Handle{object, rights}
// struct, and original_source/object/src/object/rights.rs for the
// Rights bitset.
package handle

import (
	"sync"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/kobject"
)

// Rights is the capability rights bitset of spec.md §4.14.
type Rights uint32

const (
	Read Rights = 1 << iota
	Write
	Execute
	Map
	Duplicate
	Transfer
	Wait
	Signal
	Manage
)

const (
	Basic = Read | Write | Wait
	All   = Rights(^uint32(0))
)

// Has reports whether r contains every bit set in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

// ID names a live entry in a Table.
type ID uint32

type entry struct {
	object kobject.Object
	rights Rights
}

// Table is a per-process HandleId -> (Object, Rights) map, grounded on
// the teacher's Proc_t.Fds: add scans from 0 for the lowest free slot
// so ids are reused promptly, matching fd-table behavior programs
// observe under POSIX-style dup2/close churn.
type Table struct {
	mu      sync.Mutex
	entries map[ID]entry
	next    ID
}

// New returns an empty handle table.
func New() *Table {
	return &Table{entries: make(map[ID]entry)}
}

// Add installs obj under a freshly allocated handle id carrying rights,
// and returns that id.
func (t *Table) Add(obj kobject.Object, rights Rights) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.lowestFreeLocked()
	t.entries[id] = entry{object: obj, rights: rights}
	return id
}

func (t *Table) lowestFreeLocked() ID {
	for id := ID(0); ; id++ {
		if _, used := t.entries[id]; !used {
			return id
		}
	}
}

// Remove drops id from the table. Removing an id that doesn't exist is
// a no-op: the caller that dropped the last reference to an object is
// responsible for releasing it, the table itself does no refcounting.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Duplicate creates a new handle referencing the same object as id,
// with newRights restricted to a subset of the original handle's
// rights. Fails with BadHandle if id doesn't exist, AccessDenied if
// newRights is not a subset, or if the original handle lacks the
// Duplicate right.
func (t *Table) Duplicate(id ID, newRights Rights) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, errs.New(errs.BadHandle)
	}
	if !e.rights.Has(Duplicate) {
		return 0, errs.New(errs.AccessDenied)
	}
	if !e.rights.Has(newRights) {
		return 0, errs.New(errs.AccessDenied)
	}
	dup := t.lowestFreeLocked()
	t.entries[dup] = entry{object: e.object, rights: newRights}
	return dup, nil
}

// FindWithRights returns the object stored under id if the handle
// exists, its rights are a superset of desired, and the object's Kind
// matches wantKind. Otherwise it reports BadHandle, AccessDenied, or
// WrongType, matching the precedence spec.md §4.5 lists.
func (t *Table) FindWithRights(id ID, desired Rights, wantKind kobject.Kind) (kobject.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, errs.New(errs.BadHandle)
	}
	if !e.rights.Has(desired) {
		return nil, errs.New(errs.AccessDenied)
	}
	if e.object.Kind() != wantKind {
		return nil, errs.New(errs.WrongType)
	}
	return e.object, nil
}

// Take removes id and returns the object and rights it held, for the
// write_channel transfer path: a handle with the Transfer right leaves
// the sender's table at the moment of the syscall, per spec.md §4.6.
func (t *Table) Take(id ID, need Rights) (kobject.Object, Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, 0, errs.New(errs.BadHandle)
	}
	if !e.rights.Has(need) {
		return nil, 0, errs.New(errs.AccessDenied)
	}
	delete(t.entries, id)
	return e.object, e.rights, nil
}

// Len reports the number of live handles, primarily for tests and
// process teardown accounting.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Each calls fn for every live (id, rights) pair, in unspecified order,
// used by process teardown to release every referenced object.
func (t *Table) Each(fn func(id ID, obj kobject.Object, rights Rights)) {
	t.mu.Lock()
	snapshot := make(map[ID]entry, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.Unlock()
	for id, e := range snapshot {
		fn(id, e.object, e.rights)
	}
}
