// Package proc implements the thread and process model: kernel-stacked
// threads and processes that own a VMAR and a handle table, per
// spec.md §3/§4.7. Grounded on the teacher's Proc_t/Tid_t bookkeeping
// (biscuit/src/stats, biscuit/src/caller) and on
// original_source/object/src/task/process.rs and
// original_source/object/src/task/thread.rs for the exact state machine.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyx/internal/bootcfg"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/kobject"
	"github.com/nyxkernel/nyx/internal/vmar"
)

var log = logrus.WithField("subsys", "proc")

// State is a thread's position in spec.md §4.7's state machine.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

var nextID uint64

func allocID() uint64 { return atomic.AddUint64(&nextID, 1) }

// SavedContext holds the callee-saved register set a context switch
// preserves across a thread suspension; the fields stand in for the
// architecture-specific register file the trap/sched glue would save
// on real hardware (ra/sp plus whatever the ABI calls callee-saved).
type SavedContext struct {
	Regs [16]uint64
}

// Thread is a schedulable unit of execution: a kernel stack, saved
// context, and a pointer to its owning process. The pointer is an
// ordinary (strong) Go reference: it keeps the process reachable for
// as long as the thread is, and it is not cleared when the process exits.
type Thread struct {
	mu       sync.Mutex
	id       uint64
	proc     *Process
	stack    []byte
	ctx      SavedContext
	state    State
	entry    func()
	cpu      int
	userPC   uintptr
	userSP   uintptr
	firstArg uint64
}

func (t *Thread) Kind() kobject.Kind { return kobject.KindThread }

// NewThread allocates a kernel stack and returns a Ready thread bound
// to proc, whose entry closure runs when the scheduler first dispatches it.
func NewThread(proc *Process, stackBytes int, entry func()) *Thread {
	if stackBytes <= 0 {
		stackBytes = bootcfg.DefaultKernelStackBytes
	}
	return &Thread{
		id:    allocID(),
		proc:  proc,
		stack: make([]byte, stackBytes),
		state: Ready,
		entry: entry,
		cpu:   -1,
	}
}

func (t *Thread) ID() uint64 { return t.id }

// CPU reports the index of the per-CPU ready queue this thread is
// currently assigned to, or -1 if it has never been scheduled.
func (t *Thread) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

// SetCPU records which per-CPU ready queue owns this thread; called by
// the scheduler when it enqueues a thread for the first time or
// migrates it.
func (t *Thread) SetCPU(cpu int) {
	t.mu.Lock()
	t.cpu = cpu
	t.mu.Unlock()
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition validates and applies one of the edges spec.md §4.7
// draws; an invalid edge is a kernel bug, logged and ignored rather
// than panicking the whole hosted process.
func (t *Thread) transition(to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if !validEdge(from, to) {
		log.WithFields(logrus.Fields{"thread": t.id, "from": from, "to": to}).
			Warn("proc: invalid thread state transition")
		return
	}
	t.state = to
}

func validEdge(from, to State) bool {
	switch {
	case from == Ready && to == Running:
		return true
	case from == Running && to == Ready:
		return true
	case from == Running && to == Blocked:
		return true
	case from == Blocked && to == Ready:
		return true
	case from == Running && to == Dead:
		return true
	case from == to:
		return true
	default:
		return false
	}
}

// Run transitions the thread to Running, invokes its entry closure
// (the trampoline spec.md §4.7 describes bootstrapping new threads
// with), and transitions it to Dead when the closure returns.
func (t *Thread) Run() {
	t.transition(Running)
	if t.entry != nil {
		t.entry()
	}
	t.transition(Dead)
}

// Yield moves a Running thread back to Ready, for the scheduler's
// preemption path.
func (t *Thread) Yield() { t.transition(Ready) }

// Block moves a Running thread to Blocked, e.g. to wait on a channel.
func (t *Thread) Block() { t.transition(Blocked) }

// Wake moves a Blocked thread back to Ready.
func (t *Thread) Wake() { t.transition(Ready) }

// SetStart records the user-mode entry point, stack pointer and first
// register argument the start_thread/start_process syscalls install,
// per spec.md §6's start_thread row; the trap loop's user-entry glue
// reads these back when it builds the thread's initial UserContext.
func (t *Thread) SetStart(pc, sp uintptr, firstArg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userPC = pc
	t.userSP = sp
	t.firstArg = firstArg
}

// UserEntry reports the entry point, stack pointer and first argument
// most recently installed by SetStart.
func (t *Thread) UserEntry() (pc, sp uintptr, firstArg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userPC, t.userSP, t.firstArg
}

// Process returns the thread's owning process (nil only if the thread
// was created with a nil process). It is not a weak reference: after
// the process exits it still returns that process.
func (t *Thread) Process() *Process { return t.proc }

// Kill forces the thread straight to Dead regardless of its current
// state, for process.Kill's cancellation path.
func (t *Thread) Kill() {
	t.mu.Lock()
	t.state = Dead
	t.mu.Unlock()
}

// Process owns a root VMAR, a handle table, and its constituent
// threads.
type Process struct {
	mu       sync.Mutex
	id       uint64
	name     string
	rootVmar *vmar.Vmar
	handles  *handle.Table
	threads  []*Thread
	state    State
}

func (p *Process) Kind() kobject.Kind { return kobject.KindProcess }

// New creates a process with an empty handle table and no threads yet;
// callers install rootVmar from the VMAR/page-table machinery and add
// threads with NewThread(proc, ...).
func New(name string, rootVmar *vmar.Vmar) *Process {
	return &Process{
		id:       allocID(),
		name:     name,
		rootVmar: rootVmar,
		handles:  handle.New(),
		state:    Ready,
	}
}

func (p *Process) ID() uint64          { return p.id }
func (p *Process) Name() string        { return p.name }
func (p *Process) RootVmar() *vmar.Vmar { return p.rootVmar }
func (p *Process) Handles() *handle.Table { return p.handles }

// AddThread registers t as one of p's threads.
func (p *Process) AddThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, t)
}

// Threads returns a snapshot of the process's thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// Exit kills every thread of the process and releases every handle it
// held, per spec.md §5's process.kill() cancellation semantics. code is
// recorded for diagnostics; this hosted build has no parent to report
// an exit status to.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	p.state = Dead
	threads := append([]*Thread(nil), p.threads...)
	p.mu.Unlock()

	for _, t := range threads {
		t.Kill()
	}
	p.handles.Each(func(id handle.ID, _ kobject.Object, _ handle.Rights) {
		p.handles.Remove(id)
	})
	log.WithFields(logrus.Fields{"proc": p.id, "code": code}).Info("process exited")
}

// Kill is process.kill() from spec.md §5: every thread transitions to
// Dead synchronously; in-flight syscalls on the current stack still
// run to completion since nothing here preempts a running goroutine.
func (p *Process) Kill() { p.Exit(-1) }

// State reports the process's aggregate lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
