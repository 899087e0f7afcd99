package gate

import (
	"bytes"
	"strings"
	"testing"

	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/kfmt"
)

func TestRegisterDump(t *testing.T) {
	defer cpu.Emulate().Restore()

	regs := Registers{
		RAX: 1,
		RBX: 2,
		RCX: 3,
		RDX: 4,
		RSI: 5,
		RDI: 6,
		RBP: 7,
		R8:  8,
		R9:  9,
		R10: 10,
		R11: 11,
		R12: 12,
		R13: 13,
		R14: 14,
		R15: 15,
		RIP: 16,
		CS:  17,
		RSP: 18,
		SS:  19,

		RFlags: 20,
	}

	exp := `RAX = 0000000000000001 RBX = 0000000000000002
RCX = 0000000000000003 RDX = 0000000000000004
RSI = 0000000000000005 RDI = 0000000000000006
RBP = 0000000000000007
R8  = 0000000000000008 R9  = 0000000000000009
R10 = 000000000000000a R11 = 000000000000000b
R12 = 000000000000000c R13 = 000000000000000d
R14 = 000000000000000e R15 = 000000000000000f

RIP = 0000000000000010 CS  = 0000000000000011
RSP = 0000000000000012 SS  = 0000000000000013
RFL = 0000000000000014
`

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestDispatch(t *testing.T) {
	defer cpu.Emulate().Restore()

	var (
		table    Table
		gotRegs  *Registers
		regs     = &Registers{Info: 0xbadf00d}
		hitCount int
	)

	table.HandleInterrupt(PageFaultException, func(r *Registers) {
		hitCount++
		gotRegs = r
	})

	if table.Handler(PageFaultException) == nil {
		t.Fatal("expected handler to be registered")
	}

	table.Dispatch(PageFaultException, regs)
	if hitCount != 1 || gotRegs != regs {
		t.Fatalf("expected handler to be invoked once with the supplied registers; got %d invocations", hitCount)
	}

	t.Run("unhandled interrupt", func(t *testing.T) {
		var buf bytes.Buffer
		defer kfmt.SetOutputSink(kfmt.GetOutputSink())
		kfmt.SetOutputSink(&buf)

		defer func() {
			if err := recover(); !kernel.Is(err, errUnhandledInterrupt) {
				t.Fatalf("expected panic with error %v; got %v", errUnhandledInterrupt, err)
			}

			if !strings.Contains(buf.String(), "Unhandled interrupt 32 (info: 0xbadf00d)") {
				t.Fatalf("expected diagnostic output; got %q", buf.String())
			}
		}()

		table.Dispatch(TimerIRQ, regs)
	})

	t.Run("remove handler", func(t *testing.T) {
		table.HandleInterrupt(PageFaultException, nil)
		if table.Handler(PageFaultException) != nil {
			t.Fatal("expected handler to be removed")
		}
	})
}
