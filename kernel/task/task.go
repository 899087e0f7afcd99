// Package task implements the task control block and the fixed-capacity
// table that owns every task together with its kernel stack and, for tasks
// with a private address space, its page tables.
package task

import (
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
)

// State describes the lifecycle state of a task.
type State uint8

// The supported task states.
const (
	New State = iota
	Ready
	Running
	Blocked
	Terminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handle is the index of a task slot in a Table. Links between tasks are
// expressed as handles rather than pointers.
type Handle int

const (
	// InvalidHandle is used for links that do not point to a task.
	InvalidHandle Handle = -1

	// IdleHandle is the slot reserved for the task adopted by Table.Adopt.
	IdleHandle Handle = 0
)

// Stack describes the mapped part of a kernel stack. The page below Base is
// never mapped and acts as a guard page.
type Stack struct {
	Base uintptr
	Size mm.Size
}

// Top returns the first address past the stack.
func (s Stack) Top() uintptr {
	return s.Base + uintptr(s.Size)
}

// Task is the control block of a kernel task.
type Task struct {
	ID    uint64
	Name  string
	State State

	// Context holds the registers saved when the task was switched out.
	Context Context

	Stack Stack

	// AddressSpace is the address space the task runs in. If
	// OwnsAddressSpace is set, it is destroyed when the task is released.
	AddressSpace     *vmm.AddressSpace
	OwnsAddressSpace bool

	// Priority scales the base time slice; Slice holds the number of
	// ticks left before the task is preempted.
	Priority uint32
	Slice    uint32

	// Parent is the task that gets this task's children when it
	// terminates. JoinTarget is set while the task waits for another task
	// to terminate.
	Parent     Handle
	JoinTarget Handle

	// ExitReason is recorded by the scheduler when the task terminates.
	ExitReason int

	handle Handle
	inUse  bool
	entry  func()
}

// Handle returns the slot index of the task.
func (t *Task) Handle() Handle {
	return t.handle
}

// Spec describes a task to be created.
type Spec struct {
	Name string

	// Entry is the function the task runs. When it returns, the exit hook
	// registered with the table is invoked on the task's stack.
	Entry func()

	// StackSize is rounded up to a page multiple. Zero selects the table
	// default.
	StackSize mm.Size

	// Priority defaults to 1.
	Priority uint32

	// AddressSpace selects the address space the task runs in. A nil
	// value selects the kernel address space unless PrivateAddressSpace
	// is set, in which case a new address space is created and owned by
	// the task.
	AddressSpace        *vmm.AddressSpace
	PrivateAddressSpace bool

	Parent Handle
}
