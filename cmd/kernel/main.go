// Command kernel boots the hosted simulation and runs a short demo
// scenario through the real syscall/VMAR/channel machinery: a process
// maps an anonymous VMO, takes a first-access page fault on it, and
// exchanges a message (with a transferred VMO handle) over a channel
// with itself. It stands in for the teacher's boot sequence, which on
// real hardware runs from assembly before any Go code executes; here
// the same "allocate the singletons, then hand off to user code" shape
// runs as an ordinary hosted process.
package main

import (
	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/bootcfg"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/kernel"
	"github.com/nyxkernel/nyx/internal/mem"
	"github.com/nyxkernel/nyx/internal/proc"
	"github.com/nyxkernel/nyx/internal/syscall"
	"github.com/nyxkernel/nyx/internal/trap"
)

var log = logrus.WithField("subsys", "boot")

func syscallID(ctx *trap.UserContext) syscall.ID { return syscall.ID(ctx.SyscallNo) }

// runBatch drives one quantum of queued SimArch events against th and
// returns once the trailing KernelEvent ends it, the same boundary a
// real timer interrupt would impose on a running thread.
func runBatch(p *proc.Process, th *proc.Thread, table *syscall.Table, queue func(arch *trap.SimArch)) {
	arch := trap.NewSimArch()
	queue(arch)
	arch.QueueKernelEvent()
	trap.StartUser(arch, p, th, table, syscallID)
}

func main() {
	k, err := kernel.Boot(bootcfg.Default())
	if err != nil {
		log.WithError(err).Fatal("boot failed")
	}

	p, err := k.NewProcess("init")
	if err != nil {
		log.WithError(err).Fatal("failed to create init process")
	}
	th := proc.NewThread(p, 0, nil)
	k.Sched.Enqueue(0, th)

	table := syscall.NewTable(k)

	// Quantum 1: new_channel, then allocate_vmo, both leaving their
	// out-handles in p's table via pointer Payloads that StartUser's
	// dispatch fills in as each syscall actually runs.
	var h0, h1, vmoID handle.ID
	runBatch(p, th, table, func(arch *trap.SimArch) {
		arch.QueueSyscall(uint64(syscall.NewChannel), [6]uint64{}, &syscall.ChannelOut{H0: &h0, H1: &h1})
		arch.QueueSyscall(uint64(syscall.AllocateVmo), [6]uint64{1}, &vmoID)
	})

	// Quantum 2: transfer the VMO handle from h0 to h1 over the channel
	// (exercising write_channel's transfer-out/read_channel's
	// mint-fresh-id ordering), then fault in a fresh anonymous mapping.
	addr, _, err := p.RootVmar().MapWithAlloc(mem.FrameBytes, mem.PageProperty{Flags: mem.Read | mem.Write}, mem.Read|mem.Write)
	if err != nil {
		log.WithError(err).Fatal("failed to map demo region")
	}

	readIDs := make([]handle.ID, 1)
	var readDataLen, readHandleLen int
	runBatch(p, th, table, func(arch *trap.SimArch) {
		arch.QueueSyscall(uint64(syscall.WriteChannel), [6]uint64{uint64(h0)},
			&syscall.WriteChannelIO{Handles: []handle.ID{vmoID}})
		arch.QueueSyscall(uint64(syscall.ReadChannel), [6]uint64{uint64(h1)}, &syscall.ReadChannelIO{
			Data:    syscall.ReadBuf{Buf: make([]byte, 16), ActualLen: &readDataLen},
			Handles: syscall.HandleBuf{IDs: readIDs, ActualLen: &readHandleLen},
		})
		arch.QueueFault(addr, mem.Read)
	})

	log.WithFields(logrus.Fields{
		"proc":           p.ID(),
		"handles":        p.Handles().Len(),
		"transferred_id": readIDs[0],
	}).Info("demo scenario completed")
}
