// Package trap defines the architecture glue that enters/leaves user
// mode and delivers syscalls, page faults, and timer events into the
// kernel, per spec.md §4.7/§4.10. There is no real architecture to trap
// into in a hosted build, so Arch is satisfied by SimArch, an in-process
// test double that lets the rest of the kernel be exercised without
// silicon — grounded on the Arch-trait-shaped trap/exception glue
// scattered across original_source/kernel_hal/src/arch/x86_64/trap.rs,
// original_source/kernel_hal/src/arch/int/trap.rs, and
// original_source/kernel_hal/src/arch/loongarch64/trap.rs (there is no
// single kernel_hal/src/trap.rs; each arch backend owns its own
// TrapFrame/CpuExceptionInfo), and the teacher's tinfo/tinfo.go
// trap-frame bookkeeping.
package trap

import "github.com/nyxkernel/nyx/internal/mem"

// Reason identifies why enter_user_space returned.
type Reason int

const (
	ReasonKernelEvent Reason = iota // timer/preemption
	ReasonSyscall
	ReasonException
)

// ExceptionInfo carries the architecture's fault details when Reason
// is ReasonException.
type ExceptionInfo struct {
	Vaddr    uintptr
	Required mem.MMUFlags
	Code     int
}

// UserContext is the saved register state of a user thread: program
// counter, stack pointer, syscall argument/return registers, and
// whatever the architecture needs to resume execution.
//
// Payload stands in for the user-space pointer a real ABI would pass
// for any syscall argument wider than a register (a buffer, a
// multi-field out-param); a hosted build with no separate user address
// space to copy across has nothing to dereference, so the architecture
// glue (SimArch in tests, whatever drives a real syscall instruction in
// a genuine port) sets Payload directly to the already-"copied" value,
// and StartUser forwards it into the dispatched syscall.Args the same
// way it forwards Args[0..5].
type UserContext struct {
	PC   uintptr
	SP   uintptr
	// SyscallNo is the raw contents of the register a real ABI dedicates
	// to the syscall number (x86-64's rax, riscv's a7); syscallID
	// converts it to a syscall.ID.
	SyscallNo uint64
	Args      [6]uint64
	Payload   interface{}
	Ret       int64
}

// Arch abstracts the architecture-specific trap machinery: entering
// user space, reporting why control returned to the kernel, and
// activating a process's page tables.
type Arch interface {
	EnterUserSpace(ctx *UserContext) (Reason, ExceptionInfo)
	Activate(pt *mem.PageTable)
}

// SimArch is a test double standing in for real hardware: instead of
// actually switching privilege levels, it plays back a scripted
// sequence of (Reason, ExceptionInfo) events supplied by the caller,
// one per EnterUserSpace call, then repeats ReasonKernelEvent forever.
// This is enough to drive the syscall dispatcher and page-fault handler
// through their real code paths in tests and in cmd/kernel's demo boot.
type SimArch struct {
	events []simEvent
	pos    int
}

type simEvent struct {
	reason    Reason
	info      ExceptionInfo
	syscallNo uint64
	args      [6]uint64
	payload   interface{}
}

// NewSimArch builds a SimArch that will play back events in order.
func NewSimArch() *SimArch { return &SimArch{} }

// QueueSyscall schedules a ReasonSyscall event. EnterUserSpace loads
// syscallNo/args/payload into ctx before returning, the hosted stand-in
// for the trap entry copying the issuing thread's registers.
func (s *SimArch) QueueSyscall(syscallNo uint64, args [6]uint64, payload interface{}) {
	s.events = append(s.events, simEvent{reason: ReasonSyscall, syscallNo: syscallNo, args: args, payload: payload})
}

// QueueFault schedules a ReasonException page-fault event.
func (s *SimArch) QueueFault(vaddr uintptr, required mem.MMUFlags) {
	s.events = append(s.events, simEvent{
		reason: ReasonException,
		info:   ExceptionInfo{Vaddr: vaddr, Required: required},
	})
}

// QueueKernelEvent schedules a timer/preemption return.
func (s *SimArch) QueueKernelEvent() {
	s.events = append(s.events, simEvent{reason: ReasonKernelEvent})
}

func (s *SimArch) EnterUserSpace(ctx *UserContext) (Reason, ExceptionInfo) {
	if s.pos >= len(s.events) {
		return ReasonKernelEvent, ExceptionInfo{}
	}
	e := s.events[s.pos]
	s.pos++
	if e.reason == ReasonSyscall {
		ctx.SyscallNo = e.syscallNo
		ctx.Args = e.args
		ctx.Payload = e.payload
	}
	return e.reason, e.info
}

func (s *SimArch) Activate(pt *mem.PageTable) {
	pt.Activate()
}
