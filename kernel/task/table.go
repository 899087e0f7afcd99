package task

import (
	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
)

var (
	// ErrTooManyTasks is returned when all task slots are in use.
	ErrTooManyTasks = &kernel.Error{Module: "task", Message: "task table is full"}

	// ErrInvalidStackSize is returned when a task requests a stack larger
	// than MaxStackSize.
	ErrInvalidStackSize = &kernel.Error{Module: "task", Message: "invalid stack size"}

	// ErrNoEntryPoint is returned when creating a task without an entry point.
	ErrNoEntryPoint = &kernel.Error{Module: "task", Message: "task has no entry point"}

	errInvalidCapacity  = &kernel.Error{Module: "task", Message: "task table needs room for the idle task and at least one more task"}
	errReleaseIdle      = &kernel.Error{Module: "task", Message: "attempt to release the idle task"}
	errReleaseUnclaimed = &kernel.Error{Module: "task", Message: "attempt to release an unused task slot"}
)

// Table is a fixed-capacity arena of task control blocks. Slot IdleHandle is
// reserved for the task adopted from the boot context; every other slot owns
// a kernel stack area in the kernel stack region.
type Table struct {
	mgr *vmm.Manager

	slots []Task
	count int

	nextID uint64

	stackBase    uintptr
	defaultStack mm.Size

	// exitHook runs on the stack of a task whose entry point returned.
	exitHook func()
}

// Init allocates capacity task slots and registers the kernel stack region.
func (tbl *Table) Init(mgr *vmm.Manager, capacity int, defaultStack mm.Size) *kernel.Error {
	defaultStack = mm.Size(mm.RoundUpToPage(uintptr(defaultStack)))
	switch {
	case capacity < 2:
		return errInvalidCapacity
	case defaultStack == 0 || defaultStack > MaxStackSize:
		return ErrInvalidStackSize
	}

	*tbl = Table{
		mgr:          mgr,
		slots:        make([]Task, capacity),
		nextID:       1,
		stackBase:    mm.KernelStacksBase,
		defaultStack: defaultStack,
	}

	return mgr.KernelSpace().AddRegion(vmm.Region{
		Start:  tbl.stackBase,
		End:    tbl.stackBase + uintptr(capacity)*stackSlotSize,
		Kind:   vmm.TaskStack,
		Policy: vmm.FaultFixed,
		Flags:  stackFlags,
	})
}

// SetExitHook registers the function that runs when a task entry point
// returns. The hook runs on the stack of the exiting task and must not
// return.
func (tbl *Table) SetExitHook(fn func()) {
	tbl.exitHook = fn
}

// Adopt turns the code that is currently running into the idle task. The
// idle task has id 0, runs on the boot stack in the kernel address space
// and is never released.
func (tbl *Table) Adopt(name string) *Task {
	t := &tbl.slots[IdleHandle]
	*t = Task{
		ID:           0,
		Name:         name,
		State:        Running,
		AddressSpace: tbl.mgr.KernelSpace(),
		Priority:     1,
		Parent:       InvalidHandle,
		JoinTarget:   InvalidHandle,
		handle:       IdleHandle,
		inUse:        true,
	}
	tbl.count++
	return t
}

// Create allocates a task slot, its stack and, if requested, a private
// address space. The task starts in the New state with a context that runs
// spec.Entry on the new stack once switched to.
func (tbl *Table) Create(spec Spec) (*Task, *kernel.Error) {
	if spec.Entry == nil {
		return nil, ErrNoEntryPoint
	}

	stackSize := tbl.defaultStack
	if spec.StackSize != 0 {
		stackSize = mm.Size(mm.RoundUpToPage(uintptr(spec.StackSize)))
	}

	if stackSize > MaxStackSize {
		return nil, ErrInvalidStackSize
	}

	priority := spec.Priority
	if priority == 0 {
		priority = 1
	}

	state := sync.Enter()
	defer sync.Exit(state)

	handle := InvalidHandle
	for i := IdleHandle + 1; int(i) < len(tbl.slots); i++ {
		if !tbl.slots[i].inUse {
			handle = i
			break
		}
	}

	if handle == InvalidHandle {
		return nil, ErrTooManyTasks
	}

	var (
		as       = spec.AddressSpace
		ownsAS   bool
		stack    = tbl.stackFor(handle, stackSize)
		err      *kernel.Error
		kernelAS = tbl.mgr.KernelSpace()
	)

	if as == nil {
		as = kernelAS
		if spec.PrivateAddressSpace {
			if as, err = tbl.mgr.CreateAddressSpace(); err != nil {
				return nil, err
			}
			ownsAS = true
		}
	}

	if err = tbl.allocStack(stack); err != nil {
		if ownsAS {
			_ = tbl.mgr.Destroy(as)
		}
		return nil, err
	}

	t := &tbl.slots[handle]
	*t = Task{
		ID:               tbl.nextID,
		Name:             spec.Name,
		State:            New,
		Stack:            stack,
		AddressSpace:     as,
		OwnsAddressSpace: ownsAS,
		Priority:         priority,
		Parent:           spec.Parent,
		JoinTarget:       InvalidHandle,
		handle:           handle,
		inUse:            true,
		entry:            spec.Entry,
	}

	if err = tbl.initContext(t); err != nil {
		tbl.release(t)
		if ownsAS {
			_ = tbl.mgr.Destroy(as)
		}
		return nil, err
	}

	tbl.nextID++
	tbl.count++
	return t, nil
}

// Release frees the stack of t, destroys its address space if t owns it and
// returns the slot to the table. The caller must ensure that t is not
// running and that no other task refers to it.
func (tbl *Table) Release(t *Task) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	switch {
	case t.handle == IdleHandle:
		kfmt.Printf("[task] refusing to release task %d (%s)\n", t.ID, t.Name)
		panic(errReleaseIdle)
	case !t.inUse:
		kfmt.Printf("[task] refusing to release unused slot %d\n", int(t.handle))
		panic(errReleaseUnclaimed)
	}

	if t.OwnsAddressSpace {
		if err := tbl.mgr.Destroy(t.AddressSpace); err != nil {
			return err
		}
	}

	tbl.release(t)
	tbl.count--
	return nil
}

func (tbl *Table) release(t *Task) {
	tbl.freeStack(t.Stack)
	*t = Task{handle: t.handle, Parent: InvalidHandle, JoinTarget: InvalidHandle}
}

// At returns the task in slot h or nil if the slot is unused.
func (tbl *Table) At(h Handle) *Task {
	if h < 0 || int(h) >= len(tbl.slots) || !tbl.slots[h].inUse {
		return nil
	}

	return &tbl.slots[h]
}

// Lookup returns the live task with the supplied id.
func (tbl *Table) Lookup(id uint64) (*Task, bool) {
	for i := range tbl.slots {
		if tbl.slots[i].inUse && tbl.slots[i].ID == id {
			return &tbl.slots[i], true
		}
	}

	return nil, false
}

// Each invokes fn for every live task in slot order until fn returns false.
func (tbl *Table) Each(fn func(*Task) bool) {
	for i := range tbl.slots {
		if tbl.slots[i].inUse && !fn(&tbl.slots[i]) {
			return
		}
	}
}

// Len returns the number of live tasks.
func (tbl *Table) Len() int {
	return tbl.count
}

// Cap returns the number of task slots.
func (tbl *Table) Cap() int {
	return len(tbl.slots)
}
