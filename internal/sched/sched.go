// Package sched implements the per-CPU round-robin scheduler of
// spec.md §4.7/§5: one ready deque per CPU, driven by a timer-tick
// loop that rotates the running thread to the back of its queue.
// Grounded on original_source/kernel_hal/src/platform/bare/task/sched.rs's
// Scheduler (a global VecDeque of ready threads plus a current pointer,
// with add/remove/get_next), loosely corroborated by
// original_source/raca_core/src/task/scheduler.rs's per-CPU ready-queue
// map, and the teacher's per-CPU bookkeeping in biscuit/src/stats (Cpu_t
// accounting).
// Each CPU's idle/dispatch loop runs as its own goroutine supervised by
// golang.org/x/sync/errgroup, the same pattern used elsewhere in the
// retrieval pack for fixed pools of long-lived per-worker goroutines.
package sched

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nyxkernel/nyx/internal/proc"
)

var log = logrus.WithField("subsys", "sched")

// cpu is one per-CPU ready deque plus its currently running thread.
type cpu struct {
	mu      sync.Mutex
	ready   []*proc.Thread
	current *proc.Thread
}

// Scheduler owns one cpu struct per logical CPU and a lifecycle
// errgroup for their dispatch loops.
type Scheduler struct {
	cpus []*cpu
	grp  *errgroup.Group
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a scheduler with numCPUs ready queues, none of them
// running yet; call Start to launch the per-CPU dispatch loops.
func New(numCPUs int) *Scheduler {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	cpus := make([]*cpu, numCPUs)
	for i := range cpus {
		cpus[i] = &cpu{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	grp, gctx := errgroup.WithContext(ctx)
	return &Scheduler{cpus: cpus, grp: grp, ctx: gctx, stop: cancel}
}

func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// Enqueue places t at the back of cpuIdx's ready deque and records the
// assignment on the thread.
func (s *Scheduler) Enqueue(cpuIdx int, t *proc.Thread) {
	c := s.cpus[cpuIdx%len(s.cpus)]
	t.SetCPU(cpuIdx % len(s.cpus))
	c.mu.Lock()
	c.ready = append(c.ready, t)
	c.mu.Unlock()
}

// Tick implements spec.md §4.7's per-tick rotation for one CPU: the
// current thread (if still Running) is moved back to Ready at the back
// of the deque, and the front is pulled off and recorded as the CPU's
// current thread. Tick does not change the selected thread's state;
// it becomes Running only when its Run is called. If the front is the
// same thread that was current, no switch happens.
func (s *Scheduler) Tick(cpuIdx int) *proc.Thread {
	c := s.cpus[cpuIdx%len(s.cpus)]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.State() == proc.Running {
		c.current.Yield()
		c.ready = append(c.ready, c.current)
	}

	if len(c.ready) == 0 {
		c.current = nil
		return nil
	}

	next := c.ready[0]
	c.ready = c.ready[1:]
	if next == c.current {
		c.current = next
		return next
	}
	next.SetCPU(cpuIdx % len(s.cpus))
	c.current = next
	return next
}

// Current returns the thread most recently selected by Tick on cpuIdx,
// or nil if that CPU is idle.
func (s *Scheduler) Current(cpuIdx int) *proc.Thread {
	c := s.cpus[cpuIdx%len(s.cpus)]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start launches one dispatch goroutine per CPU, each repeatedly
// calling Tick and passing the selected thread to onTick; the loop does
// not run the thread itself. onTick is invoked with the CPU index and
// the thread chosen to run next, or nil if the CPU went idle. A loop
// ends when the scheduler is stopped or after the first tick that finds
// its CPU idle.
func (s *Scheduler) Start(onTick func(cpuIdx int, next *proc.Thread)) {
	for i := range s.cpus {
		idx := i
		s.grp.Go(func() error {
			log.WithField("cpu", idx).Info("scheduler cpu loop started")
			for {
				select {
				case <-s.ctx.Done():
					return nil
				default:
				}
				next := s.Tick(idx)
				if onTick != nil {
					onTick(idx, next)
				}
				if next == nil {
					return nil
				}
			}
		})
	}
}

// Stop requests every per-CPU loop to exit and waits for them to do so.
func (s *Scheduler) Stop() error {
	s.stop()
	return s.grp.Wait()
}
