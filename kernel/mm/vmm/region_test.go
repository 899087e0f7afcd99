package vmm

import (
	"bytes"
	"testing"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
)

func TestAddRegion(t *testing.T) {
	m, _, _, teardown := setupTestManager(t)
	defer teardown()

	as, _ := m.CreateAddressSpace()

	specs := []struct {
		region Region
		expErr *kernel.Error
	}{
		{Region{Start: 0x3000, End: 0x5000, Kind: Lazy, Policy: FaultDemandZero}, nil},
		{Region{Start: 0x1000, End: 0x2000, Kind: Lazy, Policy: FaultInvalid}, nil},
		{Region{Start: 0x8000, End: 0x9000, Kind: TaskStack}, nil},
		// overlaps with the first region
		{Region{Start: 0x4000, End: 0x6000}, ErrRegionOverlap},
		{Region{Start: 0x2000, End: 0x9000}, ErrRegionOverlap},
		// invalid bounds
		{Region{Start: 0x6000, End: 0x6000}, errInvalidRegion},
		{Region{Start: 0x6001, End: 0x7000}, errInvalidRegion},
		{Region{Start: 0x6000, End: 0x6fff}, errInvalidRegion},
		// belongs to the kernel half
		{Region{Start: mm.KernelHeapBase, End: mm.KernelHeapBase + 0x1000}, ErrNotUserAddress},
		// crosses the non-canonical hole
		{Region{Start: mm.UserSpaceEnd - 0x1000, End: mm.UserSpaceEnd + 0x1000}, errNonCanonicalAddress},
	}

	for specIndex, spec := range specs {
		if err := as.AddRegion(spec.region); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	regions := as.Regions()
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions; got %d", len(regions))
	}

	for i, expStart := range []uintptr{0x1000, 0x3000, 0x8000} {
		if regions[i].Start != expStart {
			t.Errorf("expected region %d to start at 0x%x; got 0x%x", i, expStart, regions[i].Start)
		}
	}

	if err := m.KernelSpace().AddRegion(Region{Start: 0x1000, End: 0x2000}); err != ErrNotKernelAddress {
		t.Errorf("expected error %v; got %v", ErrNotKernelAddress, err)
	}
}

func TestRegionLookupAndRemoval(t *testing.T) {
	m, _, _, teardown := setupTestManager(t)
	defer teardown()

	as, _ := m.CreateAddressSpace()
	lazy := Region{Start: 0x10000, End: 0x20000, Kind: Lazy, Policy: FaultDemandZero, Flags: FlagRW}
	if err := as.AddRegion(lazy); err != nil {
		t.Fatal(err)
	}

	if got, ok := as.RegionFor(0x1ffff); !ok || got != lazy {
		t.Fatalf("expected to find region %v; got %v", lazy, got)
	}

	if _, ok := as.RegionFor(0x20000); ok {
		t.Fatal("expected region end to be exclusive")
	}

	// kernel lookups are served by the kernel address space
	if got, ok := as.RegionFor(mm.DirectMapBase + 0x100000); !ok || got.Kind != DirectMap {
		t.Fatalf("expected kernel address to resolve to the direct map region; got %v", got)
	}

	if err := as.RemoveRegion(0x10001); err != ErrNoSuchRegion {
		t.Fatalf("expected error %v; got %v", ErrNoSuchRegion, err)
	}

	if err := as.RemoveRegion(lazy.Start); err != nil {
		t.Fatal(err)
	}

	if _, ok := as.RegionFor(0x10000); ok {
		t.Fatal("expected region to be removed")
	}

	if len(as.Regions()) != 0 {
		t.Fatalf("expected region table to be empty; got %d entries", len(as.Regions()))
	}
}

func TestRegionTableFull(t *testing.T) {
	m, _, _, teardown := setupTestManager(t)
	defer teardown()

	as, _ := m.CreateAddressSpace()
	for i := 0; i < MaxRegions; i++ {
		start := uintptr(i+1) * 0x10000
		if err := as.AddRegion(Region{Start: start, End: start + 0x1000}); err != nil {
			t.Fatalf("[region %d] unexpected error: %v", i, err)
		}
	}

	if err := as.AddRegion(Region{Start: 0x1000000, End: 0x1001000}); err != ErrTooManyRegions {
		t.Fatalf("expected error %v; got %v", ErrTooManyRegions, err)
	}

	// Removing a region from the middle keeps the table sorted
	if err := as.RemoveRegion(0x50000); err != nil {
		t.Fatal(err)
	}

	regions := as.Regions()
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Start >= regions[i].Start {
			t.Fatalf("expected regions to be sorted; region %d starts at 0x%x and region %d at 0x%x", i-1, regions[i-1].Start, i, regions[i].Start)
		}
	}
}

func TestDumpRegions(t *testing.T) {
	m, _, _, teardown := setupTestManager(t)
	defer teardown()

	var buf bytes.Buffer
	m.KernelSpace().DumpRegions(&buf)

	exp := "[0xffff800000000000 - 0xffff800000511000]  direct map       fixed     5188K\n" +
		"[0xffffffff80100000 - 0xffffffff80110000] kernel code       fixed       64K\n"

	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestRegionKindAndPolicyStrings(t *testing.T) {
	kinds := map[RegionKind]string{
		KernelCode:      "kernel code",
		KernelData:      "kernel data",
		DirectMap:       "direct map",
		KernelHeap:      "kernel heap",
		TaskStack:       "task stack",
		Lazy:            "lazy",
		RegionKind(255): "unknown",
	}
	for kind, exp := range kinds {
		if got := kind.String(); got != exp {
			t.Errorf("expected kind %d to be %q; got %q", kind, exp, got)
		}
	}

	policies := map[FaultPolicy]string{
		FaultFixed:       "fixed",
		FaultDemandZero:  "demand-zero",
		FaultInvalid:     "invalid",
		FaultPolicy(255): "unknown",
	}
	for policy, exp := range policies {
		if got := policy.String(); got != exp {
			t.Errorf("expected policy %d to be %q; got %q", policy, exp, got)
		}
	}
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		frame = mm.Frame(123)
	)

	pte.SetFrame(frame)
	if got := pte.Frame(); got != frame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", frame, got)
	}

	pte.SetFlags(FlagPresent | FlagRW | FlagNoExecute)
	if !pte.HasFlags(FlagPresent|FlagRW) || pte.HasFlags(FlagPresent|FlagHugePage) {
		t.Fatal("unexpected HasFlags result")
	}

	if exp := FlagPresent | FlagRW | FlagNoExecute; pte.Flags() != exp {
		t.Fatalf("expected flags 0x%x; got 0x%x", exp, pte.Flags())
	}

	pte.SetFrame(frame + 1)
	if pte.Frame() != frame+1 || pte.Flags() != FlagPresent|FlagRW|FlagNoExecute {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}

	if exp, got := uintptr(0xffff800000001000), canonical(0x800000001000); got != exp {
		t.Fatalf("expected canonical address 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uintptr(0x123), PageOffset(0xffff800000001123); got != exp {
		t.Fatalf("expected page offset 0x%x; got 0x%x", exp, got)
	}
}
