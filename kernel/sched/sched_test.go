package sched

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"gopherkern/kernel"
	"gopherkern/kernel/config"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm/mmtest"
	"gopherkern/kernel/mm/pmm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/task"
)

type testEnv struct {
	s      *Scheduler
	tbl    *task.Table
	mgr    *vmm.Manager
	frames *pmm.BitmapAllocator

	// switches records the tasks that were switched to.
	switches []string

	// onSwitch is invoked when switching to the named task.
	onSwitch map[string]func()
}

func setupTestScheduler(t *testing.T, slice uint32, capacity int) (*testEnv, func()) {
	emu := cpu.Emulate()
	prevSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(io.Discard)

	ram := mmtest.Standard(16, 1025)

	env := &testEnv{
		tbl:      new(task.Table),
		mgr:      new(vmm.Manager),
		frames:   new(pmm.BitmapAllocator),
		onSwitch: make(map[string]func()),
	}

	if err := env.frames.Init(&ram.Info); err != nil {
		t.Fatal(err)
	}

	if err := env.mgr.Init(env.frames, &ram.Info); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Slice = slice
	cfg.MaxTasks = capacity

	if err := env.tbl.Init(env.mgr, cfg.MaxTasks, cfg.StackSize); err != nil {
		t.Fatal(err)
	}

	origSwitch := switchContextFn
	switchContextFn = func(from, to *task.Context) {
		var name string
		env.tbl.Each(func(t *task.Task) bool {
			if &t.Context == to {
				name = t.Name
				return false
			}
			return true
		})

		env.switches = append(env.switches, name)
		if fn := env.onSwitch[name]; fn != nil {
			fn()
		}
	}

	env.s = New(cfg, env.tbl, env.mgr)

	return env, func() {
		switchContextFn = origSwitch
		ram.Release()
		kfmt.SetOutputSink(prevSink)
		emu.Restore()
	}
}

func (env *testEnv) spawn(t *testing.T, name string, priority uint32) *task.Task {
	t.Helper()
	tsk, err := env.s.Spawn(task.Spec{Name: name, Entry: func() {}, Priority: priority})
	if err != nil {
		t.Fatal(err)
	}
	return tsk
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if err := recover(); !kernel.Is(err, expErr) {
			t.Fatalf("expected panic with error %v; got %v", expErr, err)
		}
	}()

	fn()
}

func expectCurrent(t *testing.T, s *Scheduler, exp *task.Task) {
	t.Helper()
	if got := s.Current(); got != exp {
		t.Fatalf("expected task %d (%s) to be running; got %d (%s)", exp.ID, exp.Name, got.ID, got.Name)
	}

	if exp.State != task.Running {
		t.Fatalf("expected running task to be in state running; got %s", exp.State.String())
	}
}

func TestNewAdoptsIdleTask(t *testing.T) {
	env, teardown := setupTestScheduler(t, 5, 8)
	defer teardown()

	idle := env.s.Current()
	if idle.ID != 0 || idle.Name != "idle" || idle.State != task.Running {
		t.Fatalf("unexpected idle task %+v", idle)
	}

	if env.s.CurrentTaskID() != 0 || env.s.CurrentSlice() != 5 || env.s.ReadyCount() != 0 {
		t.Fatal("unexpected scheduler state after New")
	}

	// Nothing else to run
	for i := 0; i < 10; i++ {
		env.s.Tick()
	}

	expectCurrent(t, env.s, idle)
	if len(env.switches) != 0 {
		t.Fatalf("expected no context switches; got %v", env.switches)
	}
}

func TestRoundRobin(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)
	c := env.spawn(t, "C", 1)

	if a.State != task.Ready || env.s.ReadyCount() != 3 {
		t.Fatalf("expected spawned tasks to be ready; ready count is %d", env.s.ReadyCount())
	}

	var sequence []string
	for i := 0; i < 9; i++ {
		env.s.Tick()
		sequence = append(sequence, env.s.Current().Name)

		// The running task is never queued
		if env.s.ReadyCount() != 2 {
			t.Fatalf("[tick %d] expected 2 ready tasks; got %d", i, env.s.ReadyCount())
		}
	}

	if exp, got := "A,B,C,A,B,C,A,B,C", strings.Join(sequence, ","); got != exp {
		t.Fatalf("expected running sequence %s; got %s", exp, got)
	}

	if exp, got := "A,B,C,A,B,C,A,B,C", strings.Join(env.switches, ","); got != exp {
		t.Fatalf("expected context switch sequence %s; got %s", exp, got)
	}

	for _, tsk := range []*task.Task{a, b} {
		if tsk.State != task.Ready {
			t.Errorf("expected task %s to be ready; got %s", tsk.Name, tsk.State.String())
		}
	}
	expectCurrent(t, env.s, c)
}

func TestPriorityScalesSlice(t *testing.T) {
	env, teardown := setupTestScheduler(t, 2, 8)
	defer teardown()

	env.spawn(t, "A", 2)
	env.spawn(t, "B", 1)

	var sequence []string
	for i := 0; i < 13; i++ {
		env.s.Tick()
		sequence = append(sequence, env.s.Current().Name)
	}

	// The first tick switches away from the idle task
	if exp, got := "A,A,A,A,B,B,A,A,A,A,B,B,A", strings.Join(sequence, ","); got != exp {
		t.Fatalf("expected running sequence %s; got %s", exp, got)
	}

	if exp := uint32(4); env.s.CurrentSlice() != exp {
		t.Fatalf("expected current slice to be %d; got %d", exp, env.s.CurrentSlice())
	}
}

func TestYield(t *testing.T) {
	env, teardown := setupTestScheduler(t, 5, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	// Yielding without other ready tasks keeps the task running with a
	// fresh slice
	env.s.Tick()
	env.s.Yield()
	expectCurrent(t, env.s, a)
	if env.s.CurrentSlice() != 5 {
		t.Fatalf("expected slice to be reset to 5; got %d", env.s.CurrentSlice())
	}

	b := env.spawn(t, "B", 1)
	c := env.spawn(t, "C", 1)

	env.s.Yield()
	expectCurrent(t, env.s, b)
	env.s.Yield()
	expectCurrent(t, env.s, c)
	env.s.Yield()
	expectCurrent(t, env.s, a)

	if exp, got := "A,B,C,A", strings.Join(env.switches, ","); got != exp {
		t.Fatalf("expected context switch sequence %s; got %s", exp, got)
	}
}

func TestBlockWake(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	idle := env.s.Current()
	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)
	c := env.spawn(t, "C", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	t.Run("block running task", func(t *testing.T) {
		if err := env.s.Block(a); err != nil {
			t.Fatal(err)
		}

		expectCurrent(t, env.s, b)
		if a.State != task.Blocked || env.s.ReadyCount() != 1 {
			t.Fatalf("expected A to be blocked and off the ready queue; ready count %d", env.s.ReadyCount())
		}

		// blocking twice is a no-op
		if err := env.s.Block(a); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("block ready task", func(t *testing.T) {
		if err := env.s.Block(c); err != nil {
			t.Fatal(err)
		}

		if c.State != task.Blocked || env.s.ReadyCount() != 0 {
			t.Fatalf("expected C to be blocked and off the ready queue; ready count %d", env.s.ReadyCount())
		}

		// B is the only runnable task
		env.s.Tick()
		expectCurrent(t, env.s, b)
	})

	t.Run("idle runs when everything is blocked", func(t *testing.T) {
		if err := env.s.Block(b); err != nil {
			t.Fatal(err)
		}

		expectCurrent(t, env.s, idle)
	})

	t.Run("wake", func(t *testing.T) {
		for _, tsk := range []*task.Task{c, a} {
			if err := env.s.Wake(tsk); err != nil {
				t.Fatal(err)
			}
		}

		// waking a ready task is a no-op
		if err := env.s.Wake(c); err != nil {
			t.Fatal(err)
		}

		if env.s.ReadyCount() != 2 {
			t.Fatalf("expected 2 ready tasks; got %d", env.s.ReadyCount())
		}

		// Tasks resume in wake order
		env.s.Tick()
		expectCurrent(t, env.s, c)
		env.s.Tick()
		expectCurrent(t, env.s, a)
	})

	t.Run("invalid transitions", func(t *testing.T) {
		if err := env.s.Terminate(b, 0); err != nil {
			t.Fatal(err)
		}

		if err := env.s.Wake(b); err != ErrInvalidState {
			t.Fatalf("expected error %v; got %v", ErrInvalidState, err)
		}

		if err := env.s.Block(b); err != ErrInvalidState {
			t.Fatalf("expected error %v; got %v", ErrInvalidState, err)
		}

		expectPanic(t, errIdleTask, func() { _ = env.s.Block(idle) })
	})
}

func TestTerminateAndReap(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	idle := env.s.Current()
	freeBefore := env.frames.FreeFrameCount()

	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	if err := env.s.Reap(a.ID); err != ErrNotTerminated {
		t.Fatalf("expected error %v; got %v", ErrNotTerminated, err)
	}

	// Terminating the running task switches away from it
	if err := env.s.Terminate(a, 3); err != nil {
		t.Fatal(err)
	}

	expectCurrent(t, env.s, b)
	if a.State != task.Terminated || a.ExitReason != 3 {
		t.Fatalf("expected A to be terminated with reason 3; got state %s, reason %d", a.State.String(), a.ExitReason)
	}

	if err := env.s.Terminate(a, 4); err != ErrInvalidState {
		t.Fatalf("expected error %v; got %v", ErrInvalidState, err)
	}

	// Terminating a ready task removes it from the ready queue
	c := env.spawn(t, "C", 1)
	if err := env.s.Terminate(c, 0); err != nil {
		t.Fatal(err)
	}

	if env.s.ReadyCount() != 0 {
		t.Fatalf("expected ready queue to be empty; got %d", env.s.ReadyCount())
	}

	if err := env.s.Terminate(b, 0); err != nil {
		t.Fatal(err)
	}
	expectCurrent(t, env.s, idle)

	if got := env.s.ReapZombies(); got != 3 {
		t.Fatalf("expected 3 tasks to be reaped; got %d", got)
	}

	if got := env.frames.FreeFrameCount(); got != freeBefore {
		t.Fatalf("expected free frame count to return to %d; got %d", freeBefore, got)
	}

	if env.tbl.Len() != 1 || env.s.ReapZombies() != 0 {
		t.Fatal("expected only the idle task to remain")
	}

	expectPanic(t, errIdleTask, func() { _ = env.s.Terminate(idle, 0) })
}

func TestTerminateReparentsChildren(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	b := env.spawn(t, "B", 1)
	env.s.Tick()
	expectCurrent(t, env.s, b)

	c := env.spawn(t, "C", 1)
	if c.Parent != b.Handle() || b.Parent != a.Handle() || a.Parent != task.IdleHandle {
		t.Fatal("expected each task to be a child of the task that spawned it")
	}

	if err := env.s.Terminate(b, 0); err != nil {
		t.Fatal(err)
	}

	if c.Parent != a.Handle() {
		t.Fatalf("expected C to be reparented to A; parent handle is %d", c.Parent)
	}

	if err := env.s.Terminate(a, 0); err != nil {
		t.Fatal(err)
	}

	if c.Parent != task.IdleHandle {
		t.Fatalf("expected C to be reparented to the idle task; parent handle is %d", c.Parent)
	}

	infos := env.s.Tasks()
	if len(infos) != 4 {
		t.Fatalf("expected 4 tasks in snapshot; got %d", len(infos))
	}

	exp := []Info{
		{ID: 0, Name: "idle", State: task.Ready, Priority: 1, Slice: 1},
		{ID: 1, Name: "A", State: task.Terminated, Priority: 1, Slice: 1},
		{ID: 2, Name: "B", State: task.Terminated, Priority: 1, Slice: 1},
		{ID: 3, Name: "C", State: task.Running, Priority: 1, Slice: 1},
	}

	for i := range exp {
		if infos[i] != exp[i] {
			t.Errorf("expected task info %+v; got %+v", exp[i], infos[i])
		}
	}
}

func TestJoin(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	// B terminates as soon as it runs
	env.onSwitch["B"] = func() {
		if b.JoinTarget != task.InvalidHandle || a.JoinTarget != b.Handle() || a.State != task.Blocked {
			t.Error("expected A to be waiting for B")
		}

		_ = env.s.Terminate(b, 42)

		// A has not collected the exit reason yet
		if err := env.s.Reap(b.ID); err != ErrTaskBusy {
			t.Errorf("expected error %v; got %v", ErrTaskBusy, err)
		}
	}

	reason, err := env.s.Join(b.ID)
	if err != nil {
		t.Fatal(err)
	}

	if reason != 42 {
		t.Fatalf("expected exit reason 42; got %d", reason)
	}

	expectCurrent(t, env.s, a)
	if a.JoinTarget != task.InvalidHandle {
		t.Fatal("expected join target to be cleared")
	}

	if exp, got := "A,B,A", strings.Join(env.switches, ","); got != exp {
		t.Fatalf("expected context switch sequence %s; got %s", exp, got)
	}

	// Joining a terminated task returns immediately
	if reason, err = env.s.Join(b.ID); err != nil || reason != 42 {
		t.Fatalf("expected exit reason 42; got %d, %v", reason, err)
	}

	if _, err = env.s.Join(a.ID); err != ErrTaskBusy {
		t.Fatalf("expected error %v; got %v", ErrTaskBusy, err)
	}

	if err = env.s.Reap(b.ID); err != nil {
		t.Fatal(err)
	}
}

func TestJoinIgnoresEarlyWakes(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	c := env.spawn(t, "C", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	// The first time C runs it wakes A before C has terminated; the second
	// time it terminates.
	var runs int
	env.onSwitch["C"] = func() {
		runs++
		if runs == 1 {
			if err := env.s.Wake(a); err != nil {
				t.Error(err)
			}
			env.s.Tick()
			return
		}

		if a.State != task.Blocked || a.JoinTarget != c.Handle() {
			t.Error("expected A to be waiting for C again")
		}
		_ = env.s.Terminate(c, 7)
	}

	reason, err := env.s.Join(c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if reason != 7 || c.State != task.Terminated {
		t.Fatalf("expected Join to return once C terminated with reason 7; got reason %d, C is %s", reason, c.State.String())
	}

	expectCurrent(t, env.s, a)
	if exp, got := "A,C,A,C,A", strings.Join(env.switches, ","); got != exp {
		t.Fatalf("expected context switch sequence %s; got %s", exp, got)
	}
}

func TestJoinAndReapAfterSlotReuse(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	staleID := b.ID
	if err := env.s.Terminate(b, 9); err != nil {
		t.Fatal(err)
	}

	if err := env.s.Reap(staleID); err != nil {
		t.Fatal(err)
	}

	// The new task reuses the slot of B
	d := env.spawn(t, "D", 1)
	if d != b || d.ID == staleID {
		t.Fatalf("expected D to reuse the slot of B with a new id; got id %d", d.ID)
	}

	if _, err := env.s.Join(staleID); err != ErrNoSuchTask {
		t.Fatalf("expected error %v; got %v", ErrNoSuchTask, err)
	}

	if err := env.s.Reap(staleID); err != ErrNoSuchTask {
		t.Fatalf("expected error %v; got %v", ErrNoSuchTask, err)
	}

	expectCurrent(t, env.s, a)
	if d.State != task.Ready {
		t.Fatalf("expected D to be unaffected; got state %s", d.State.String())
	}
}

func TestRescheduleRequiresGuard(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	env.spawn(t, "A", 1)

	// Interrupts are enabled outside the scheduler entry points
	expectPanic(t, errUnguardedSwitch, func() { env.s.reschedule() })

	if len(env.switches) != 0 {
		t.Fatalf("expected no context switches; got %v", env.switches)
	}
}

func TestReadyQueueCorruption(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	b := env.spawn(t, "B", 1)

	// Tasks in the queue that are not ready are skipped
	a.State = task.Blocked
	env.s.Tick()
	expectCurrent(t, env.s, b)

	env.s.ready.push(b.Handle())
	expectPanic(t, errCorruptedQueue, func() { env.s.Reschedule() })

	env.s.ready.push(task.Handle(5))
	expectPanic(t, errCorruptedQueue, func() { env.s.Reschedule() })
}

func TestTimerHandler(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	var table gate.Table
	env.s.InstallTimerHandler(&table)

	a := env.spawn(t, "A", 1)
	table.Dispatch(gate.TimerIRQ, &gate.Registers{})
	expectCurrent(t, env.s, a)
}

func TestSpawnErrors(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 3)
	defer teardown()

	env.spawn(t, "A", 1)
	env.spawn(t, "B", 1)

	if _, err := env.s.Spawn(task.Spec{Name: "C", Entry: func() {}}); err != task.ErrTooManyTasks {
		t.Fatalf("expected error %v; got %v", task.ErrTooManyTasks, err)
	}

	if env.s.ReadyCount() != 2 {
		t.Fatalf("expected failed spawn to leave the ready queue untouched; got %d entries", env.s.ReadyCount())
	}
}

func TestAddressSpaceSwitch(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	priv, err := env.s.Spawn(task.Spec{Name: "private", Entry: func() {}, PrivateAddressSpace: true})
	if err != nil {
		t.Fatal(err)
	}
	shared := env.spawn(t, "shared", 1)

	env.s.Tick()
	expectCurrent(t, env.s, priv)
	if env.mgr.Active() != priv.AddressSpace {
		t.Fatal("expected the private address space to be active")
	}

	env.s.Tick()
	expectCurrent(t, env.s, shared)
	if env.mgr.Active() != env.mgr.KernelSpace() {
		t.Fatal("expected the kernel address space to be active")
	}

	_ = env.s.Terminate(priv, 0)
	_ = env.s.Terminate(shared, 0)
	if got := env.s.ReapZombies(); got != 2 {
		t.Fatalf("expected 2 tasks to be reaped; got %d", got)
	}

	if env.mgr.LiveAddressSpaces() != 1 {
		t.Fatalf("expected the private address space to be destroyed; %d are live", env.mgr.LiveAddressSpaces())
	}
}

func TestExitHook(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	env.s.Tick()

	expectPanic(t, errExitResumed, env.s.exit)

	if a.State != task.Terminated || a.ExitReason != 0 {
		t.Fatalf("expected A to be terminated with reason 0; got state %s", a.State.String())
	}

	if env.s.Current().ID != 0 {
		t.Fatal("expected idle task to run after A exited")
	}
}

func TestFatalFaultReportsTask(t *testing.T) {
	env, teardown := setupTestScheduler(t, 1, 8)
	defer teardown()

	a := env.spawn(t, "A", 1)
	env.s.Tick()
	expectCurrent(t, env.s, a)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(io.Discard)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected fault to be fatal")
			}
		}()

		// one byte below the stack lands in the guard page
		env.mgr.HandlePageFault(a.Stack.Base-1, 0x2)
	}()

	if !strings.Contains(buf.String(), "Task: 1\n") {
		t.Fatalf("expected fault report to include the running task id; got:\n%s", buf.String())
	}
}
