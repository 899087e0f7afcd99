package boot

import (
	"encoding/binary"
	"reflect"
	"testing"
	"unsafe"
)

// multibootBuilder assembles multiboot2 information structures for tests.
// The backing buffer is 8-byte aligned like the structure the boot loader
// hands over.
type multibootBuilder struct {
	data []byte
}

func (b *multibootBuilder) tag(typ tagType, payload []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))

	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, payload...)
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
}

func (b *multibootBuilder) build() (uintptr, []uint64) {
	b.tag(tagMbSectionEnd, nil)

	buf := make([]uint64, 1+len(b.data)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*8)
	binary.LittleEndian.PutUint32(raw[0:], uint32(len(raw)))
	copy(raw[8:], b.data)

	return uintptr(unsafe.Pointer(&buf[0])), buf
}

func memoryMapPayload(entries ...mmapEntry) []byte {
	payload := make([]byte, 8, 8+24*len(entries))
	binary.LittleEndian.PutUint32(payload[0:], 24)

	for _, entry := range entries {
		var raw [24]byte
		binary.LittleEndian.PutUint64(raw[0:], entry.physAddress)
		binary.LittleEndian.PutUint64(raw[8:], entry.length)
		binary.LittleEndian.PutUint32(raw[16:], entry.entryType)
		payload = append(payload, raw[:]...)
	}

	return payload
}

func TestFromMultiboot(t *testing.T) {
	var b multibootBuilder
	b.tag(tagBootLoaderName, []byte("GRUB 2.06\x00"))
	b.tag(tagBootCmdLine, []byte("kheap.max=32M quiet\x00"))
	b.tag(tagMemoryMap, memoryMapPayload(
		mmapEntry{physAddress: 0, length: 0x9fc00, entryType: 1},
		mmapEntry{physAddress: 0x9fc00, length: 0x400, entryType: 2},
		mmapEntry{physAddress: 0x100000, length: 0x7ee0000, entryType: 1},
		mmapEntry{physAddress: 0x7fe0000, length: 0x20000, entryType: 3},
		// unknown types are reported as reserved
		mmapEntry{physAddress: 0xfffc0000, length: 0x40000, entryType: 0xff},
	))
	infoPtr, buf := b.build()

	info := FromMultiboot(infoPtr, 0x100000, 0x180000)

	expMap := []MemoryRegion{
		{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
		{PhysAddress: 0x7fe0000, Length: 0x20000, Type: MemAcpiReclaimable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemReserved},
	}

	if !reflect.DeepEqual(info.MemoryMap, expMap) {
		t.Fatalf("expected memory map %+v; got %+v", expMap, info.MemoryMap)
	}

	if info.KernelStart != 0x100000 || info.KernelEnd != 0x180000 {
		t.Fatalf("unexpected kernel image bounds 0x%x - 0x%x", info.KernelStart, info.KernelEnd)
	}

	expCmdLine := map[string]string{"kheap.max": "32M", "quiet": "quiet"}
	if !reflect.DeepEqual(info.CmdLine, expCmdLine) {
		t.Fatalf("expected command line %v; got %v", expCmdLine, info.CmdLine)
	}

	_ = buf
}

func TestFromMultibootMissingTags(t *testing.T) {
	var b multibootBuilder
	b.tag(tagBasicMemoryInfo, make([]byte, 8))
	infoPtr, buf := b.build()

	info := FromMultiboot(infoPtr, 0, 0)
	if len(info.MemoryMap) != 0 || len(info.CmdLine) != 0 {
		t.Fatalf("expected empty boot info; got %+v", info)
	}

	if offset, size := findTagByType(infoPtr, tagModules); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) for missing tag; got (%d, %d)", offset, size)
	}

	_ = buf
}

func TestFromMultibootTruncatesMemoryMap(t *testing.T) {
	entries := make([]mmapEntry, MaxMemoryRegions+10)
	for i := range entries {
		entries[i] = mmapEntry{physAddress: uint64(i) << 20, length: 1 << 20, entryType: 1}
	}

	var b multibootBuilder
	b.tag(tagMemoryMap, memoryMapPayload(entries...))
	infoPtr, buf := b.build()

	info := FromMultiboot(infoPtr, 0, 0)
	if len(info.MemoryMap) != MaxMemoryRegions {
		t.Fatalf("expected %d memory map entries; got %d", MaxMemoryRegions, len(info.MemoryMap))
	}

	if last := info.MemoryMap[MaxMemoryRegions-1]; last.PhysAddress != uint64(MaxMemoryRegions-1)<<20 {
		t.Fatalf("unexpected last region %+v", last)
	}

	_ = buf
}
