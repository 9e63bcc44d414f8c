// Package syscall implements the numbered syscall dispatcher of
// spec.md §4.8/§6: a table of ~25 entry points that marshal six
// register arguments into typed calls against the per-process VMAR,
// handle table, and channel/process/thread machinery. Grounded on
// original_source/kernel/src/syscall/mod.rs for the id table and the
// teacher's caller.Caller_t argument-marshalling idiom
// (biscuit/src/caller/caller.go).
package syscall

import (
	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/ipc"
	"github.com/nyxkernel/nyx/internal/kernel"
	"github.com/nyxkernel/nyx/internal/kobject"
	"github.com/nyxkernel/nyx/internal/mem"
	"github.com/nyxkernel/nyx/internal/proc"
	"github.com/nyxkernel/nyx/internal/vmar"
	"github.com/nyxkernel/nyx/internal/vmo"
)

var log = logrus.WithField("subsys", "syscall")

// ID numbers the syscall table exactly as spec.md §6 lists it.
type ID int

const (
	Debug ID = iota
	RemoveHandle
	NewChannel
	ReadChannel
	WriteChannel
	AllocateVmar
	AllocateVmarAt
	MapVmar
	UnmapVmar
	ProtectVmar
	AllocateVmo
	Exit
	NewProcess
	StartProcess
	NewThread
	StartThread
	ExitThread
	KillProcess
	KillThread
	DuplicateHandle
	ReadVmo
	WriteVmo
	GetVmarBase
	GetVmarSize
	AcquireVmo
	numSyscalls
)

// Args is the six-register argument vector every syscall receives;
// fields are interpreted per-id the way spec.md §6's table spells out.
// A real ABI would pass anything larger than a register (buffers,
// multi-field out-params) as a pointer into user memory that the
// kernel copies across the privilege boundary; this hosted build has
// no user memory to copy out of, so those calls carry the already
// "copied" Go value directly in Payload instead — the same choice
// already made for ReadBuf/WriteBuf below.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
	Payload                interface{}
}

// ReadBuf mirrors spec.md §6's { addr, len, actual_len_addr } triple.
// In this hosted build "addr" is a direct Go byte slice rather than a
// user-space pointer the kernel must copy across a privilege boundary.
type ReadBuf struct {
	Buf       []byte
	ActualLen *int
}

// HandleBuf is ReadBuf's handle-carrying twin: the destination slots a
// read_channel call offers for transferred handles, sized by the
// caller (its capacity is spec.md's "len").
type HandleBuf struct {
	IDs       []handle.ID
	ActualLen *int
}

// ReadChannelIO is the Payload for the ReadChannel syscall.
type ReadChannelIO struct {
	Data    ReadBuf
	Handles HandleBuf
}

// WriteChannelIO is the Payload for the WriteChannel syscall: a
// straightforward source buffer, spec.md's WriteBuf { addr, len }.
type WriteChannelIO struct {
	Data    []byte
	Handles []handle.ID
}

// ChannelOut is the Payload for NewChannel's two "out h0, out h1" slots.
type ChannelOut struct {
	H0, H1 *handle.ID
}

// NewProcessOut is the Payload for NewProcess's four out-params.
type NewProcessOut struct {
	Proc, Vmar *handle.ID
	Base, Size *uintptr
}

// Handler is the typed form every syscall id is dispatched to. th is
// the thread that issued the syscall (nil where no current thread is
// tracked, e.g. tests exercising a handler directly), needed by
// exit_thread's self-termination semantics.
type Handler func(p *proc.Process, th *proc.Thread, args Args) (uint64, error)

// Table maps every ID to its Handler; Dispatch encodes the returned
// error as spec.md §4.8's negative-errno convention.
type Table struct {
	handlers [numSyscalls]Handler
}

// NewTable builds the dispatch table wired to k, the kernel-wide
// singletons (frame allocator, scheduler) that syscalls creating new
// processes/threads/raw VMOs need but which don't belong to any one
// process's handle table.
func NewTable(k *kernel.Kernel) *Table {
	t := &Table{}
	t.handlers[Debug] = handleDebug
	t.handlers[RemoveHandle] = handleRemoveHandle
	t.handlers[NewChannel] = handleNewChannel
	t.handlers[ReadChannel] = handleReadChannel
	t.handlers[WriteChannel] = handleWriteChannel
	t.handlers[AllocateVmar] = handleAllocateVmar
	t.handlers[AllocateVmarAt] = handleAllocateVmarAt
	t.handlers[MapVmar] = handleMapVmar
	t.handlers[UnmapVmar] = handleUnmapVmar
	t.handlers[ProtectVmar] = handleProtectVmar
	t.handlers[AllocateVmo] = func(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
		return handleAllocateVmo(p, a, k.Alloc)
	}
	t.handlers[AcquireVmo] = handleAcquireVmo
	t.handlers[Exit] = handleExit
	t.handlers[NewProcess] = func(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
		return handleNewProcess(p, a, k)
	}
	t.handlers[StartProcess] = func(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
		return handleStartProcess(p, a, k)
	}
	t.handlers[NewThread] = handleNewThread
	t.handlers[StartThread] = func(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
		return handleStartThread(p, a, k)
	}
	t.handlers[ExitThread] = handleExitThread
	t.handlers[KillProcess] = handleKillProcess
	t.handlers[KillThread] = handleKillThread
	t.handlers[DuplicateHandle] = handleDuplicateHandle
	t.handlers[ReadVmo] = handleReadVmo
	t.handlers[WriteVmo] = handleWriteVmo
	t.handlers[GetVmarBase] = handleGetVmarBase
	t.handlers[GetVmarSize] = handleGetVmarSize
	return t
}

// Register installs or overrides the handler for id, for callers that
// want to replace a stock handler (e.g. tests stubbing one syscall).
func (t *Table) Register(id ID, h Handler) {
	t.handlers[id] = h
}

// Dispatch runs the handler for id and encodes the result the way a
// trap return path expects: the success value, or -errno on failure.
func (t *Table) Dispatch(p *proc.Process, th *proc.Thread, id ID, args Args) int64 {
	if id < 0 || id >= numSyscalls || t.handlers[id] == nil {
		return errs.InvSyscall.Negate()
	}
	val, err := t.handlers[id](p, th, args)
	if err != nil {
		log.WithError(err).WithField("syscall", id).Debug("syscall failed")
		return errs.Code(err).Negate()
	}
	return int64(val)
}

func handleDebug(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	if msg, ok := a.Payload.([]byte); ok {
		log.WithField("proc", p.ID()).Info(string(msg))
	}
	return 0, nil
}

func handleRemoveHandle(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	p.Handles().Remove(handle.ID(a.A0))
	return 0, nil
}

func handleNewChannel(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	ep0, ep1 := ipc.New()
	h0 := p.Handles().Add(ep0, handle.Basic|handle.Transfer|handle.Duplicate)
	h1 := p.Handles().Add(ep1, handle.Basic|handle.Transfer|handle.Duplicate)
	if out, ok := a.Payload.(*ChannelOut); ok && out != nil {
		if out.H0 != nil {
			*out.H0 = h0
		}
		if out.H1 != nil {
			*out.H1 = h1
		}
	}
	return 0, nil
}

func endpointOf(p *proc.Process, id handle.ID, need handle.Rights) (*ipc.Endpoint, error) {
	obj, err := p.Handles().FindWithRights(id, need, kobject.KindChannel)
	if err != nil {
		return nil, err
	}
	return obj.(*ipc.Endpoint), nil
}

// handleReadChannel implements spec.md §6's read_channel: peek the
// head packet's sizes first so an undersized destination buffer fails
// with TooBig without consuming anything, then pop and copy.
func handleReadChannel(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	ep, err := endpointOf(p, handle.ID(a.A0), handle.Read)
	if err != nil {
		return 0, err
	}
	io, _ := a.Payload.(*ReadChannelIO)
	if io == nil {
		return 0, errs.New(errs.InvArg)
	}
	dataLen, handleLen, err := ep.PeekHead()
	if err != nil {
		return 0, err
	}
	if dataLen > len(io.Data.Buf) || handleLen > len(io.Handles.IDs) {
		return 0, errs.New(errs.TooBig)
	}
	pkt, err := ep.Pop()
	if err != nil {
		return 0, err
	}
	n := copy(io.Data.Buf, pkt.Bytes)
	if io.Data.ActualLen != nil {
		*io.Data.ActualLen = n
	}
	for i, c := range pkt.Handles {
		io.Handles.IDs[i] = p.Handles().Add(c.Object, c.Rights)
	}
	if io.Handles.ActualLen != nil {
		*io.Handles.ActualLen = len(pkt.Handles)
	}
	return 0, nil
}

// handleWriteChannel implements spec.md §6's write_channel: every
// referenced handle with the Transfer right leaves p's table at this
// point, per spec.md §4.6.
func handleWriteChannel(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	ep, err := endpointOf(p, handle.ID(a.A0), handle.Write)
	if err != nil {
		return 0, err
	}
	io, _ := a.Payload.(*WriteChannelIO)
	if io == nil {
		return 0, errs.New(errs.InvArg)
	}
	caps := make([]ipc.Capability, 0, len(io.Handles))
	for _, id := range io.Handles {
		obj, rights, err := p.Handles().Take(id, handle.Transfer)
		if err != nil {
			return 0, err
		}
		caps = append(caps, ipc.Capability{Object: obj, Rights: rights})
	}
	data := append([]byte(nil), io.Data...)
	if err := ep.Write(ipc.MessagePacket{Bytes: data, Handles: caps}); err != nil {
		return 0, err
	}
	return 0, nil
}

func vmarOf(p *proc.Process, id handle.ID, need handle.Rights) (*vmar.Vmar, error) {
	obj, err := p.Handles().FindWithRights(id, need, kobject.KindVmar)
	if err != nil {
		return nil, err
	}
	return obj.(*vmar.Vmar), nil
}

func handleAllocateVmar(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	parent, err := vmarOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	child, err := parent.AllocateChild(uintptr(a.A1))
	if err != nil {
		return 0, err
	}
	id := p.Handles().Add(child, handle.Basic|handle.Map|handle.Manage|handle.Duplicate)
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return uint64(child.Base()), nil
}

func handleAllocateVmarAt(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	parent, err := vmarOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	child, err := parent.AllocateAt(uintptr(a.A1), uintptr(a.A2))
	if err != nil {
		return 0, err
	}
	id := p.Handles().Add(child, handle.Basic|handle.Map|handle.Manage|handle.Duplicate)
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return 0, nil
}

func handleMapVmar(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	v, err := vmarOf(p, handle.ID(a.A0), handle.Map)
	if err != nil {
		return 0, err
	}
	vo, err := vmoOf(p, handle.ID(a.A2), handle.Map)
	if err != nil {
		return 0, err
	}
	flags := mem.MMUFlags(a.A3)
	prop := mem.PageProperty{Flags: flags}
	addr, err := v.Map(uintptr(a.A1), vo, prop, flags, false)
	if err != nil {
		return 0, errs.New(errs.MapFailed)
	}
	return uint64(addr), nil
}

func handleUnmapVmar(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	v, err := vmarOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	if err := v.Unmap(uintptr(a.A1), uintptr(a.A2)); err != nil {
		return 0, err
	}
	return 0, nil
}

func handleProtectVmar(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	v, err := vmarOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	if err := v.Protect(uintptr(a.A1), uintptr(a.A2), mem.MMUFlags(a.A3)); err != nil {
		return 0, errs.New(errs.NotMapped)
	}
	return 0, nil
}

func vmoOf(p *proc.Process, id handle.ID, need handle.Rights) (*vmo.Vmo, error) {
	obj, err := p.Handles().FindWithRights(id, need, kobject.KindVmo)
	if err != nil {
		return nil, err
	}
	return obj.(*vmo.Vmo), nil
}

func handleAllocateVmo(p *proc.Process, a Args, alloc *mem.Allocator) (uint64, error) {
	count := int(a.A0)
	vo, err := vmo.AllocateRAM(alloc, count)
	if err != nil {
		return 0, err
	}
	id := p.Handles().Add(vo, handle.Basic|handle.Map|handle.Duplicate|handle.Transfer)
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return 0, nil
}

func handleAcquireVmo(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	phys := uintptr(a.A0)
	length := int(a.A1)
	vo, err := vmo.AcquireIoMem(phys, length)
	if err != nil {
		return 0, errs.New(errs.InvArg)
	}
	id := p.Handles().Add(vo, handle.Basic|handle.Map)
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return 0, nil
}

func handleDuplicateHandle(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	id, err := p.Handles().Duplicate(handle.ID(a.A0), handle.Rights(a.A1))
	if err != nil {
		return 0, err
	}
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return uint64(id), nil
}

func handleGetVmarBase(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	v, err := vmarOf(p, handle.ID(a.A0), 0)
	if err != nil {
		return 0, err
	}
	return uint64(v.Base()), nil
}

func handleGetVmarSize(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	v, err := vmarOf(p, handle.ID(a.A0), 0)
	if err != nil {
		return 0, err
	}
	return uint64(v.Size()), nil
}

func handleReadVmo(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	vo, err := vmoOf(p, handle.ID(a.A0), handle.Read)
	if err != nil {
		return 0, err
	}
	buf, _ := a.Payload.([]byte)
	if err := vo.ReadBytes(int(a.A1), buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func handleWriteVmo(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	vo, err := vmoOf(p, handle.ID(a.A0), handle.Write)
	if err != nil {
		return 0, err
	}
	buf, _ := a.Payload.([]byte)
	if err := vo.WriteBytes(int(a.A1), buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func processOf(p *proc.Process, id handle.ID, need handle.Rights) (*proc.Process, error) {
	obj, err := p.Handles().FindWithRights(id, need, kobject.KindProcess)
	if err != nil {
		return nil, err
	}
	return obj.(*proc.Process), nil
}

func threadOf(p *proc.Process, id handle.ID, need handle.Rights) (*proc.Thread, error) {
	obj, err := p.Handles().FindWithRights(id, need, kobject.KindThread)
	if err != nil {
		return nil, err
	}
	return obj.(*proc.Thread), nil
}

// handleNewProcess implements spec.md §6's new_process: a fresh
// process+root-VMAR pair, both installed as handles in the caller's
// own table (it is the caller's job to hand them off via start_process
// once the boot channel is primed), plus the new VMAR's base/size.
func handleNewProcess(p *proc.Process, a Args, k *kernel.Kernel) (uint64, error) {
	np, err := k.NewProcess("")
	if err != nil {
		return 0, err
	}
	out, _ := a.Payload.(*NewProcessOut)
	procID := p.Handles().Add(np, handle.Basic|handle.Manage|handle.Duplicate|handle.Transfer)
	vmarID := p.Handles().Add(np.RootVmar(), handle.Basic|handle.Map|handle.Manage|handle.Duplicate|handle.Transfer)
	if out != nil {
		if out.Proc != nil {
			*out.Proc = procID
		}
		if out.Vmar != nil {
			*out.Vmar = vmarID
		}
		if out.Base != nil {
			*out.Base = np.RootVmar().Base()
		}
		if out.Size != nil {
			*out.Size = np.RootVmar().Size()
		}
	}
	return 0, nil
}

// handleStartProcess implements spec.md §6's start_process: transfer
// the boot-handle endpoint into the target process's own table (its
// first handle, per spec.md §6's boot protocol) and arm its first
// thread with the given entry/sp/info, then mark it Ready. The caller
// is responsible for having already written the two-handle boot
// message onto the peer endpoint before calling this.
func handleStartProcess(p *proc.Process, a Args, k *kernel.Kernel) (uint64, error) {
	target, err := processOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	t, err := threadOf(p, handle.ID(a.A1), handle.Manage)
	if err != nil {
		return 0, err
	}
	ep, rights, err := p.Handles().Take(handle.ID(a.A2), handle.Transfer)
	if err != nil {
		return 0, err
	}
	target.Handles().Add(ep, rights)
	t.SetStart(uintptr(a.A3), uintptr(a.A4), a.A5)
	t.Wake()
	k.Sched.Enqueue(int(t.ID())%k.Sched.NumCPUs(), t)
	return 0, nil
}

func handleNewThread(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	target, err := processOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	nt := proc.NewThread(target, 0, nil)
	target.AddThread(nt)
	id := p.Handles().Add(nt, handle.Basic|handle.Manage|handle.Duplicate|handle.Transfer)
	if out, ok := a.Payload.(*handle.ID); ok && out != nil {
		*out = id
	}
	return 0, nil
}

// handleStartThread implements spec.md §6's start_thread: arms the
// referenced thread's entry/sp/first-arg and enqueues it on the
// scheduler, the thread-arming half start_process also performs for a
// process's initial thread.
func handleStartThread(p *proc.Process, a Args, k *kernel.Kernel) (uint64, error) {
	t, err := threadOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	t.SetStart(uintptr(a.A1), uintptr(a.A2), a.A3)
	t.Wake()
	k.Sched.Enqueue(int(t.ID())%k.Sched.NumCPUs(), t)
	return 0, nil
}

func handleExitThread(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	if th != nil {
		th.Kill()
	}
	return 0, nil
}

func handleKillProcess(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	target, err := processOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	target.Kill()
	return 0, nil
}

func handleKillThread(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	target, err := threadOf(p, handle.ID(a.A0), handle.Manage)
	if err != nil {
		return 0, err
	}
	target.Kill()
	return 0, nil
}

func handleExit(p *proc.Process, th *proc.Thread, a Args) (uint64, error) {
	p.Exit(int(int64(a.A0)))
	return 0, nil
}
