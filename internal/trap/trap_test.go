package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/bootcfg"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/kernel"
	"github.com/nyxkernel/nyx/internal/mem"
	"github.com/nyxkernel/nyx/internal/proc"
	"github.com/nyxkernel/nyx/internal/syscall"
)

func idFromNo(ctx *UserContext) syscall.ID { return syscall.ID(ctx.SyscallNo) }

func testSetup(t *testing.T) (*kernel.Kernel, *proc.Process, *syscall.Table) {
	t.Helper()
	k, err := kernel.Boot(bootcfg.Config{RAMBytes: 4096 * bootcfg.PageSize, NumCPUs: 1})
	require.NoError(t, err)
	p, err := k.NewProcess("init")
	require.NoError(t, err)
	return k, p, syscall.NewTable(k)
}

func TestStartUserDispatchesQueuedSyscall(t *testing.T) {
	_, p, table := testSetup(t)
	th := proc.NewThread(p, 0, nil)

	arch := NewSimArch()
	var h0, h1 handle.ID
	out := &syscall.ChannelOut{H0: &h0, H1: &h1}
	arch.QueueSyscall(uint64(syscall.NewChannel), [6]uint64{}, out)
	arch.QueueKernelEvent()

	StartUser(arch, p, th, table, idFromNo)

	require.NotEqual(t, h0, h1)
	require.Equal(t, 2, p.Handles().Len())
}

func TestStartUserStopsOnKernelEvent(t *testing.T) {
	_, p, table := testSetup(t)
	th := proc.NewThread(p, 0, nil)

	arch := NewSimArch()
	arch.QueueKernelEvent()
	arch.QueueSyscall(uint64(syscall.Exit), [6]uint64{}, nil)

	// StartUser must return at the first KernelEvent without touching
	// the syscall queued after it.
	StartUser(arch, p, th, table, idFromNo)
	require.NotEqual(t, "dead", p.State().String())
}

func TestStartUserKillsProcessOnUnhandledFault(t *testing.T) {
	_, p, table := testSetup(t)
	th := proc.NewThread(p, 0, nil)

	arch := NewSimArch()
	arch.QueueFault(0xdeadbeef, mem.Read)
	arch.QueueKernelEvent()

	StartUser(arch, p, th, table, idFromNo)

	require.Equal(t, "dead", p.State().String())
}

func TestStartUserResolvesFirstAccessFault(t *testing.T) {
	_, p, table := testSetup(t)
	th := proc.NewThread(p, 0, nil)

	addr, vo, err := p.RootVmar().MapWithAlloc(4096, mem.PageProperty{Flags: mem.Read | mem.Write}, mem.Read|mem.Write)
	require.NoError(t, err)
	require.False(t, vo.Committed(0))

	arch := NewSimArch()
	arch.QueueFault(addr, mem.Read)
	arch.QueueKernelEvent()

	StartUser(arch, p, th, table, idFromNo)

	require.True(t, vo.Committed(0))
	require.NotEqual(t, "dead", p.State().String())
}
