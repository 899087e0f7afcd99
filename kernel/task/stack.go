package task

import (
	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
)

const (
	// MaxStackSize is the largest kernel stack a task may request.
	MaxStackSize = 64 * mm.Kb

	// stackSlotSize is the address space reserved per task slot: room for
	// the largest stack plus a guard page.
	stackSlotSize = uintptr(MaxStackSize) + mm.PageSize

	stackFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute
)

// stackFor returns the stack placement for the task slot h. Stacks end at
// the top of their slot so every unmapped page below them, including the
// slot's first page, acts as a guard.
func (tbl *Table) stackFor(h Handle, size mm.Size) Stack {
	slotEnd := tbl.stackBase + uintptr(h+1)*stackSlotSize
	return Stack{Base: slotEnd - uintptr(size), Size: size}
}

// allocStack maps zeroed frames for every page of stack.
func (tbl *Table) allocStack(stack Stack) *kernel.Error {
	kernelSpace := tbl.mgr.KernelSpace()
	for addr := stack.Base; addr < stack.Top(); addr += mm.PageSize {
		if _, err := kernelSpace.MapZeroed(mm.PageFromAddress(addr), stackFlags); err != nil {
			tbl.freeStack(Stack{Base: stack.Base, Size: mm.Size(addr - stack.Base)})
			return err
		}
	}

	return nil
}

// freeStack unmaps the pages of stack and returns their frames.
func (tbl *Table) freeStack(stack Stack) {
	kernelSpace := tbl.mgr.KernelSpace()
	for addr := stack.Base; addr < stack.Top(); addr += mm.PageSize {
		_ = kernelSpace.UnmapAndFree(mm.PageFromAddress(addr))
	}
}
