// Package sched implements a preemptive round-robin scheduler for kernel
// tasks. The scheduler is driven by the timer interrupt and by the
// voluntary Yield/Block calls of the running task.
package sched

import (
	"gopherkern/kernel"
	"gopherkern/kernel/config"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
	"gopherkern/kernel/task"
)

var (
	// switchContextFn is mocked by tests and is automatically inlined by
	// the compiler.
	switchContextFn = task.SwitchContext

	// ErrNotTerminated is returned when reaping a task that has not
	// terminated.
	ErrNotTerminated = &kernel.Error{Module: "sched", Message: "task has not terminated"}

	// ErrTaskBusy is returned when reaping a task that is running or has
	// tasks waiting for it, or when a task tries to join itself.
	ErrTaskBusy = &kernel.Error{Module: "sched", Message: "task is in use"}

	// ErrInvalidState is returned when a task cannot perform the requested
	// state transition.
	ErrInvalidState = &kernel.Error{Module: "sched", Message: "invalid task state transition"}

	// ErrNoSuchTask is returned when no live task has the requested id.
	ErrNoSuchTask = &kernel.Error{Module: "sched", Message: "no such task"}

	errCorruptedQueue  = &kernel.Error{Module: "sched", Message: "ready queue is corrupted"}
	errIdleTask        = &kernel.Error{Module: "sched", Message: "operation not permitted on the idle task"}
	errExitResumed     = &kernel.Error{Module: "sched", Message: "terminated task was resumed"}
	errUnguardedSwitch = &kernel.Error{Module: "sched", Message: "task switch with interrupts enabled"}
)

// Info is a snapshot of a task for diagnostic purposes.
type Info struct {
	ID       uint64
	Name     string
	State    task.State
	Priority uint32
	Slice    uint32

	// Parent is the id of the parent task. The idle task is its own
	// parent.
	Parent uint64
}

// Scheduler multiplexes the CPU among the tasks of a task table.
type Scheduler struct {
	tasks *task.Table
	mgr   *vmm.Manager

	baseSlice uint32

	idle    *task.Task
	current *task.Task

	ready readyQueue

	// zombies holds terminated tasks waiting to be reaped, in
	// termination order.
	zombies []task.Handle
}

// New creates a scheduler for the tasks in tbl. The code that calls New
// becomes the idle task which runs whenever no other task is ready.
func New(cfg config.Config, tbl *task.Table, mgr *vmm.Manager) *Scheduler {
	s := &Scheduler{
		tasks:     tbl,
		mgr:       mgr,
		baseSlice: cfg.Slice,
		zombies:   make([]task.Handle, 0, tbl.Cap()),
	}

	s.ready.init(tbl.Cap())
	s.idle = tbl.Adopt("idle")
	s.idle.Slice = s.baseSlice
	s.current = s.idle

	tbl.SetExitHook(s.exit)
	mgr.SetTaskIdentifier(s)
	return s
}

// InstallTimerHandler registers Tick as the handler for the timer IRQ.
func (s *Scheduler) InstallTimerHandler(table *gate.Table) {
	table.HandleInterrupt(gate.TimerIRQ, func(_ *gate.Registers) {
		s.Tick()
	})
}

// Spawn creates a task that is a child of the running task and appends it to
// the ready queue.
func (s *Scheduler) Spawn(spec task.Spec) (*task.Task, *kernel.Error) {
	state := sync.Enter()
	defer sync.Exit(state)

	spec.Parent = s.current.Handle()
	t, err := s.tasks.Create(spec)
	if err != nil {
		return nil, err
	}

	t.State = task.Ready
	s.ready.push(t.Handle())

	kfmt.Printf("[sched] spawned task %d (%s)\n", t.ID, t.Name)
	return t, nil
}

// Tick is invoked by the timer interrupt. It charges a tick to the running
// task and switches tasks once its slice is exhausted. The idle task is
// switched out as soon as another task is ready.
func (s *Scheduler) Tick() {
	state := sync.Enter()
	defer sync.Exit(state)

	if s.current == s.idle {
		if s.ready.count != 0 {
			s.reschedule()
		}
		return
	}

	if s.current.Slice > 0 {
		s.current.Slice--
	}

	if s.current.Slice == 0 {
		s.reschedule()
	}
}

// Reschedule switches to the task at the head of the ready queue.
func (s *Scheduler) Reschedule() {
	state := sync.Enter()
	defer sync.Exit(state)

	s.reschedule()
}

// Yield gives up the remainder of the running task's slice. The task is
// appended to the ready queue and resumes once the tasks ahead of it ran.
func (s *Scheduler) Yield() {
	s.Reschedule()
}

// reschedule selects the next task and switches to it. Callers must hold the
// interrupt guard. The running task is
// appended to the ready queue unless it blocked or terminated. If no task is
// ready, the running task keeps running or, if it can no longer run, the
// idle task takes over.
func (s *Scheduler) reschedule() {
	if !sync.InGuard() {
		panic(errUnguardedSwitch)
	}

	prev := s.current
	next := s.nextReady()

	if next == nil {
		if prev.State == task.Running {
			prev.Slice = s.sliceFor(prev)
			return
		}
		next = s.idle
	}

	if prev.State == task.Running {
		prev.State = task.Ready
		if prev != s.idle {
			s.ready.push(prev.Handle())
		}
	}

	next.State = task.Running
	next.Slice = s.sliceFor(next)
	s.current = next

	if next.AddressSpace != s.mgr.Active() {
		s.mgr.SwitchTo(next.AddressSpace)
	}

	if next != prev {
		switchContextFn(&prev.Context, &next.Context)
	}
}

// nextReady pops the ready queue until it finds a task in the Ready state.
// Tasks in any other state are dropped.
func (s *Scheduler) nextReady() *task.Task {
	for {
		h := s.ready.pop()
		if h == task.InvalidHandle {
			return nil
		}

		t := s.tasks.At(h)
		switch {
		case t == nil || t == s.idle || t.State == task.Running:
			kfmt.Printf("[sched] ready queue contains invalid entry %d\n", int(h))
			panic(errCorruptedQueue)
		case t.State != task.Ready:
			kfmt.Printf("[sched] skipping task %d in state %s\n", t.ID, t.State.String())
			continue
		}

		return t
	}
}

func (s *Scheduler) sliceFor(t *task.Task) uint32 {
	return s.baseSlice * t.Priority
}

// Block moves t to the Blocked state. Blocking the running task switches to
// the next ready task; Block returns once t has been woken and scheduled.
func (s *Scheduler) Block(t *task.Task) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	if t == s.idle {
		panic(errIdleTask)
	}

	switch t.State {
	case task.Blocked:
		return nil
	case task.Ready:
		s.ready.remove(t.Handle())
		t.State = task.Blocked
		return nil
	case task.Running:
		t.State = task.Blocked
		s.reschedule()
		return nil
	default:
		return ErrInvalidState
	}
}

// Wake moves a blocked task to the tail of the ready queue. Waking a task
// that is ready or running has no effect.
func (s *Scheduler) Wake(t *task.Task) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	return s.wake(t)
}

func (s *Scheduler) wake(t *task.Task) *kernel.Error {
	switch t.State {
	case task.Blocked:
		t.State = task.Ready
		s.ready.push(t.Handle())
		return nil
	case task.Ready, task.Running:
		return nil
	default:
		return ErrInvalidState
	}
}

// Terminate marks t as terminated, removes it from the ready queue, hands
// its children to its parent and wakes the tasks that joined it. The
// resources of t are released by Reap. Terminate only updates scheduler
// state so it is safe to call from interrupt context; if t is the running
// task it never returns.
func (s *Scheduler) Terminate(t *task.Task, reason int) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	if t == s.idle {
		kfmt.Printf("[sched] refusing to terminate the idle task\n")
		panic(errIdleTask)
	}

	if t.State == task.Terminated || t.State == task.New {
		return ErrInvalidState
	}

	s.ready.remove(t.Handle())
	t.State = task.Terminated
	t.ExitReason = reason
	t.JoinTarget = task.InvalidHandle

	newParent := t.Parent
	if parent := s.tasks.At(newParent); parent == nil || parent.State == task.Terminated {
		newParent = task.IdleHandle
	}

	s.tasks.Each(func(other *task.Task) bool {
		if other.Parent == t.Handle() {
			other.Parent = newParent
		}

		if other.JoinTarget == t.Handle() {
			_ = s.wake(other)
		}
		return true
	})

	s.zombies = append(s.zombies, t.Handle())
	kfmt.Printf("[sched] task %d (%s) terminated with reason %d\n", t.ID, t.Name, reason)

	if t == s.current {
		s.reschedule()
	}

	return nil
}

// exit is invoked on the stack of a task whose entry point returned.
func (s *Scheduler) exit() {
	_ = s.Terminate(s.Current(), 0)

	// A terminated task is never switched back in
	panic(errExitResumed)
}

// Join blocks the running task until the task with the supplied id
// terminates and returns the reason it terminated with. Tasks are named by
// id because task slots are reused once a task has been reaped. Wakes that
// arrive before the target terminates put the caller back to sleep.
func (s *Scheduler) Join(id uint64) (int, *kernel.Error) {
	state := sync.Enter()
	defer sync.Exit(state)

	t, ok := s.tasks.Lookup(id)
	if !ok {
		return 0, ErrNoSuchTask
	}

	self := s.current
	switch {
	case t == self:
		return 0, ErrTaskBusy
	case t == s.idle || self == s.idle:
		panic(errIdleTask)
	}

	self.JoinTarget = t.Handle()
	for t.State != task.Terminated {
		self.State = task.Blocked
		s.reschedule()
	}
	self.JoinTarget = task.InvalidHandle

	return t.ExitReason, nil
}

// Reap releases the stack and private address space of the terminated task
// with the supplied id. It fails with ErrTaskBusy while the task is still
// running on its own stack or while other tasks are waiting to collect its
// exit reason.
func (s *Scheduler) Reap(id uint64) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	t, ok := s.tasks.Lookup(id)
	if !ok {
		return ErrNoSuchTask
	}

	return s.reap(t)
}

func (s *Scheduler) reap(t *task.Task) *kernel.Error {
	switch {
	case t.State != task.Terminated:
		return ErrNotTerminated
	case t == s.current || s.hasJoiners(t):
		return ErrTaskBusy
	}

	var (
		id   = t.ID
		h    = t.Handle()
		name = t.Name
	)

	if err := s.tasks.Release(t); err != nil {
		return err
	}

	for i, zombie := range s.zombies {
		if zombie == h {
			s.zombies = append(s.zombies[:i], s.zombies[i+1:]...)
			break
		}
	}

	kfmt.Printf("[sched] reaped task %d (%s)\n", id, name)
	return nil
}

func (s *Scheduler) hasJoiners(t *task.Task) bool {
	var found bool
	s.tasks.Each(func(other *task.Task) bool {
		found = other.JoinTarget == t.Handle()
		return !found
	})
	return found
}

// ReapZombies reaps every terminated task that can be reaped and returns the
// number of tasks that were reaped. It is called by the idle loop.
func (s *Scheduler) ReapZombies() int {
	state := sync.Enter()
	defer sync.Exit(state)

	var reaped int
	for i := 0; i < len(s.zombies); {
		if s.reap(s.tasks.At(s.zombies[i])) != nil {
			i++
			continue
		}
		reaped++
	}

	return reaped
}

// Current returns the running task.
func (s *Scheduler) Current() *task.Task {
	return s.current
}

// CurrentTaskID returns the id of the running task.
func (s *Scheduler) CurrentTaskID() uint64 {
	return s.current.ID
}

// CurrentSlice returns the ticks left in the running task's slice.
func (s *Scheduler) CurrentSlice() uint32 {
	return s.current.Slice
}

// ReadyCount returns the number of tasks in the ready queue.
func (s *Scheduler) ReadyCount() int {
	return s.ready.count
}

// Tasks returns a snapshot of every live task.
func (s *Scheduler) Tasks() []Info {
	state := sync.Enter()
	defer sync.Exit(state)

	list := make([]Info, 0, s.tasks.Len())
	s.tasks.Each(func(t *task.Task) bool {
		info := Info{
			ID:       t.ID,
			Name:     t.Name,
			State:    t.State,
			Priority: t.Priority,
			Slice:    t.Slice,
		}

		if parent := s.tasks.At(t.Parent); parent != nil {
			info.Parent = parent.ID
		}

		list = append(list, info)
		return true
	})

	return list
}
