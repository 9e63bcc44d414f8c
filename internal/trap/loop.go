package trap

import (
	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/proc"
	"github.com/nyxkernel/nyx/internal/syscall"
)

var log = logrus.WithField("subsys", "trap")

// StartUser implements spec.md §4.7's start_user loop: activate the
// process's address space, then repeatedly enter user space and
// dispatch on why control came back, until a KernelEvent (timer
// preemption) or an unhandled exception ends the quantum.
func StartUser(arch Arch, p *proc.Process, th *proc.Thread, table *syscall.Table, syscallID func(ctx *UserContext) syscall.ID) {
	arch.Activate(p.RootVmar().PageTable())
	ctx := &UserContext{}
	for {
		reason, info := arch.EnterUserSpace(ctx)
		switch reason {
		case ReasonKernelEvent:
			return
		case ReasonSyscall:
			id := syscallID(ctx)
			args := syscall.Args{
				A0: ctx.Args[0], A1: ctx.Args[1], A2: ctx.Args[2],
				A3: ctx.Args[3], A4: ctx.Args[4], A5: ctx.Args[5],
				Payload: ctx.Payload,
			}
			ctx.Ret = table.Dispatch(p, th, id, args)
			ctx.Payload = nil
		case ReasonException:
			handled, err := p.RootVmar().HandlePageFault(info.Vaddr, info.Required)
			if err != nil {
				log.WithError(err).WithField("vaddr", info.Vaddr).Warn("page fault handler error")
			}
			if !handled {
				log.WithField("proc", p.ID()).Warn("unhandled exception, killing process")
				p.Exit(-1)
				return
			}
		}
	}
}
