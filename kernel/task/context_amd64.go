package task

// SwitchContext saves the callee-saved registers, stack pointer and flags
// of the running code to from and resumes the code suspended in to. It
// returns when another SwitchContext call resumes from.
//
// SwitchContext must be called with interrupts disabled.
func SwitchContext(from, to *Context)

// taskEntry is the first code executed by a new task.
func taskEntry()

// taskEntryPC returns the address of taskEntry.
func taskEntryPC() uintptr
