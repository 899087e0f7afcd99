package boot

import "unsafe"

// MaxMemoryRegions is the number of memory map entries that FromMultiboot
// records. Entries past this limit are ignored.
const MaxMemoryRegions = 64

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// mmapEntry is the layout of a multiboot memory map entry.
type mmapEntry struct {
	physAddress uint64
	length      uint64
	entryType   uint32
	reserved    uint32
}

// regionBuf backs the memory map returned by FromMultiboot so that parsing
// the boot information does not need the Go allocator.
var regionBuf [MaxMemoryRegions]MemoryRegion

// FromMultiboot builds an Info from the multiboot2 information structure at
// infoPtr. Memory map entries with an unknown type are reported as reserved.
// The command line string references the multiboot data which must remain
// mapped.
func FromMultiboot(infoPtr, kernelStart, kernelEnd uintptr) Info {
	info := Info{
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		MemoryMap:   regionBuf[:0],
	}

	if curPtr, size := findTagByType(infoPtr, tagMemoryMap); size != 0 {
		// curPtr points to the memory map header (2 dwords long)
		ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
		endPtr := curPtr + uintptr(size)
		curPtr += unsafe.Sizeof(mmapHeader{})

		if ptrMapHeader.entrySize == 0 {
			endPtr = curPtr
		}

		for ; curPtr < endPtr && len(info.MemoryMap) < MaxMemoryRegions; curPtr += uintptr(ptrMapHeader.entrySize) {
			entry := (*mmapEntry)(unsafe.Pointer(curPtr))

			region := MemoryRegion{
				PhysAddress: entry.physAddress,
				Length:      entry.length,
				Type:        MemoryEntryType(entry.entryType),
			}

			// Mark unknown entry types as reserved
			if region.Type == 0 || region.Type > MemNvs {
				region.Type = MemReserved
			}

			info.MemoryMap = append(info.MemoryMap, region)
		}
	}

	if curPtr, size := findTagByType(infoPtr, tagBootCmdLine); size > 1 {
		// the command line is NULL-terminated
		info.CmdLine = ParseCmdLine(unsafe.String((*byte)(unsafe.Pointer(curPtr)), size-1))
	} else {
		info.CmdLine = map[string]string{}
	}

	return info
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(infoPtr uintptr, tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoPtr + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
