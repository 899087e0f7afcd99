// Package kmain brings up the kernel core: it hands the boot information to
// the frame allocator and the virtual memory manager, creates the kernel heap
// and the task table, starts the scheduler and wires the fault and timer
// handlers.
package kmain

import (
	"io"

	"gopherkern/kernel"
	"gopherkern/kernel/boot"
	"gopherkern/kernel/config"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/driver/tty"
	"gopherkern/kernel/driver/video/console"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/goruntime"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/kheap"
	"gopherkern/kernel/mm/pmm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sched"
	"gopherkern/kernel/task"
)

var (
	// the following functions are mocked by tests.
	bootInfoFn = boot.FromMultiboot
	idleFn     = (*Kernel).idle

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// kern is the kernel instance started by Kmain.
	kern Kernel
)

// Kernel holds the state of every kernel core subsystem.
type Kernel struct {
	Config config.Config

	Frames pmm.BitmapAllocator
	VMM    vmm.Manager
	Heap   kheap.Heap
	Tasks  task.Table
	Sched  *sched.Scheduler

	// Gates routes exceptions and IRQs to the kernel handlers.
	Gates gate.Table

	ega      console.Ega
	terminal tty.Vt
}

// Init brings up the kernel core using the machine description in info. The
// caller becomes the idle task.
func (k *Kernel) Init(info *boot.Info) *kernel.Error {
	var err *kernel.Error

	if k.Config, err = config.FromCmdLine(info.CmdLine); err != nil {
		return err
	}

	if err = k.Frames.Init(info); err != nil {
		return err
	} else if err = k.VMM.Init(&k.Frames, info); err != nil {
		return err
	} else if err = goruntime.Init(k.VMM.KernelSpace()); err != nil {
		return err
	} else if err = k.Heap.Init(k.VMM.KernelSpace(), mm.KernelHeapBase, k.Config.HeapInitial, k.Config.HeapMax); err != nil {
		return err
	} else if err = k.Tasks.Init(&k.VMM, k.Config.MaxTasks, k.Config.StackSize); err != nil {
		return err
	}

	k.Sched = sched.New(k.Config, &k.Tasks, &k.VMM)
	k.VMM.InstallFaultHandlers(&k.Gates)
	k.Sched.InstallTimerHandler(&k.Gates)

	k.Frames.PrintStats()
	return nil
}

// DumpStats writes a summary of the frame allocator, the kernel heap and
// the task list to w.
func (k *Kernel) DumpStats(w io.Writer) {
	kfmt.Fprintf(w, "frames: %d free, %d allocated, %d reserved (total: %d)\n",
		k.Frames.FreeFrameCount(), k.Frames.AllocatedFrameCount(), k.Frames.ReservedFrameCount(), k.Frames.TotalFrameCount())
	kfmt.Fprintf(w, "address spaces: %d\n", k.VMM.LiveAddressSpaces())

	heapStats := k.Heap.Stats()
	kfmt.Fprintf(w, "heap: %dK/%dK backed, %d bytes allocated in %d blocks, %d bytes free in %d blocks\n",
		uint64(heapStats.Total/mm.Kb), uint64(heapStats.Max/mm.Kb),
		uint64(heapStats.Allocated), heapStats.Blocks-heapStats.FreeBlocks,
		uint64(heapStats.Free), heapStats.FreeBlocks)

	kfmt.Fprintf(w, "runtime arena: %dK reserved\n", uint64(goruntime.Reserved()/mm.Kb))

	kfmt.Fprintf(w, "tasks: %d (%d ready, slice left: %d)\n", k.Tasks.Len(), k.Sched.ReadyCount(), k.Sched.CurrentSlice())
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}
	for _, info := range k.Sched.Tasks() {
		kfmt.Fprintf(pw, "%3d %16s %10s prio: %d parent: %d\n",
			info.ID, info.Name, info.State.String(), info.Priority, info.Parent)
	}
}

// AttachConsole maps the EGA text buffer into the direct map and installs a
// terminal on top of it as the kfmt output sink. Output that was buffered
// before the sink existed is replayed to the terminal.
func (k *Kernel) AttachConsole() *kernel.Error {
	var (
		as     = k.VMM.KernelSpace()
		fbAddr = mm.DirectMapBase + console.EgaPhysAddr
		flags  = vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute | vmm.FlagDoNotCache
	)

	// The text buffer lives in reserved memory which the direct map skips
	if _, err := as.Translate(fbAddr); err == vmm.ErrInvalidMapping {
		if err = as.Map(mm.PageFromAddress(fbAddr), mm.FrameFromAddress(console.EgaPhysAddr), flags); err != nil {
			return err
		}
	}

	k.ega.Init(console.EgaWidth, console.EgaHeight, mm.PhysToVirt(console.EgaPhysAddr))
	k.terminal.AttachTo(&k.ega)
	kfmt.SetOutputSink(&k.terminal)
	return nil
}

// idle runs whenever no other task is ready. It releases the resources of
// terminated tasks and halts the CPU until the next interrupt.
func (k *Kernel) idle() {
	for {
		k.idleStep()
	}
}

func (k *Kernel) idleStep() {
	k.Sched.ReapZombies()
	cpu.Halt()
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	info := bootInfoFn(multibootInfoPtr, kernelStart, kernelEnd)

	if err := kern.Init(&info); err != nil {
		panic(err)
	} else if err = kern.AttachConsole(); err != nil {
		panic(err)
	}

	cpu.EnableInterrupts()
	idleFn(&kern)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
