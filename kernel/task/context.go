package task

import (
	"unsafe"

	"gopherkern/kernel"
)

// initialFlags is the RFLAGS value a new task starts with: interrupts are
// enabled and the reserved bit 1 is set.
const initialFlags = 0x202

// Context holds the callee-saved registers of a suspended task together with
// its stack pointer and flags. The field layout is relied upon by
// SwitchContext.
type Context struct {
	RBX    uint64
	RBP    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RSP    uint64
	RFLAGS uint64
}

var (
	// taskEntryAddr is mocked by tests.
	taskEntryAddr = taskEntryPC
)

// initContext prepares t so that switching to it starts executing
// taskEntry on the task's stack. taskEntry picks the entry point from R12
// and the exit hook from R13 and hands them to runTask.
//
// The top of the stack holds the address taskEntry is entered through
// followed by a zero return address that terminates stack traces.
func (tbl *Table) initContext(t *Task) *kernel.Error {
	sp := t.Stack.Top() - 2*unsafe.Sizeof(uintptr(0))

	ptr, err := tbl.mgr.KernelSpace().Pointer(sp)
	if err != nil {
		return err
	}

	frame := (*[2]uintptr)(ptr)
	frame[0] = taskEntryAddr()
	frame[1] = 0

	t.Context = Context{
		R12:    uint64(funcValue(&t.entry)),
		R13:    uint64(funcValue(&tbl.exitHook)),
		RSP:    uint64(sp),
		RFLAGS: initialFlags,
	}
	return nil
}

// funcValue returns the closure pointer held by a func variable.
func funcValue(fn *func()) uintptr {
	return *(*uintptr)(unsafe.Pointer(fn))
}

// runTask is called by taskEntry with the closure pointers stored in the
// initial context of a task. It runs the task entry point followed by the
// exit hook which must not return.
func runTask(entry, exitHook uintptr) {
	(*(*func())(unsafe.Pointer(&entry)))()
	(*(*func())(unsafe.Pointer(&exitHook)))()
}
