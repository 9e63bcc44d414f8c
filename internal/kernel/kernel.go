// Package kernel wires the boot-time singletons design notes §9 calls
// for: the frame allocator, the shared higher-half page table, and the
// per-CPU scheduler, each initialised once and thereafter mutated only
// behind their own locks. Grounded on the teacher's package-level
// Physmem_t/Bootinfo_t globals set up once in mem.Phys_init and never
// re-created afterward.
package kernel

import (
	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/bootcfg"
	"github.com/nyxkernel/nyx/internal/mem"
	"github.com/nyxkernel/nyx/internal/proc"
	"github.com/nyxkernel/nyx/internal/sched"
	"github.com/nyxkernel/nyx/internal/vmar"
)

var log = logrus.WithField("subsys", "kernel")

// Kernel holds every post-boot singleton a syscall handler needs to
// create or look up kernel objects that don't belong to any single
// process: the frame allocator, the shared kernel (higher-half) page
// table root, and the scheduler.
type Kernel struct {
	Cfg        bootcfg.Config
	Alloc      *mem.Allocator
	Sched      *sched.Scheduler
	higherRoot mem.Frame
}

// Boot allocates the backing RAM region, the shared higher-half root,
// and the scheduler, the hosted equivalent of the teacher's boot
// sequence (Phys_init, then Sched_init) running once before any user
// process exists.
func Boot(cfg bootcfg.Config) (*Kernel, error) {
	alloc, err := mem.NewAllocator(cfg)
	if err != nil {
		return nil, err
	}
	higher, err := mem.NewKernelRoot(alloc)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		Cfg:        cfg,
		Alloc:      alloc,
		Sched:      sched.New(cfg.NumCPUs),
		higherRoot: higher,
	}
	log.WithFields(logrus.Fields{"ram_bytes": cfg.RAMBytes, "cpus": cfg.NumCPUs}).Info("kernel booted")
	return k, nil
}

// NewProcess creates a process with a fresh private lower-half page
// table (sharing the kernel's higher half, per spec.md §3) and a root
// Vmar spanning the whole user address space.
func (k *Kernel) NewProcess(name string) (*proc.Process, error) {
	pt, err := mem.NewPageTable(k.Alloc, k.higherRoot, bootcfg.KernelBase)
	if err != nil {
		return nil, err
	}
	root := vmar.NewRoot(k.Alloc, pt, bootcfg.UserBase, bootcfg.UserSize)
	p := proc.New(name, root)
	log.WithFields(logrus.Fields{"proc": p.ID(), "name": name}).Info("process created")
	return p, nil
}
