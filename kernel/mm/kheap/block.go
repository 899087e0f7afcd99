package kheap

import (
	"math/bits"
	"unsafe"
)

const (
	// headerSize is the size of the in-band block header. Payloads start
	// right after the header.
	headerSize = unsafe.Sizeof(blockHeader{})

	// blockAlign is the alignment of every block and payload address.
	blockAlign = uintptr(32)

	// minBlockSize is the smallest block that can be created by a split:
	// a header followed by the free-list links.
	minBlockSize = headerSize + blockAlign

	blockMagic  = uint32(0x6b686561)
	poisonMagic = uint32(0xdeadbeef)

	checksumSeed = uint64(0x9e3779b97f4a7c15)
)

type blockState uint32

const (
	blockFree blockState = iota + 1
	blockAllocated
)

// blockHeader precedes every block in the heap. Sizes include the header.
// A prevSize of zero marks the first block.
type blockHeader struct {
	magic    uint32
	state    blockState
	size     uint64
	prevSize uint64
	checksum uint64
}

// freeLinks is stored in the payload of free blocks and links them in
// address order. A zero link marks the end of the list.
type freeLinks struct {
	prev, next uintptr
}

func (hdr *blockHeader) computeChecksum() uint64 {
	return checksumSeed ^
		(uint64(hdr.magic)<<32 | uint64(hdr.state)) ^
		bits.RotateLeft64(hdr.size, 21) ^
		bits.RotateLeft64(hdr.prevSize, 42)
}

// seal updates the header checksum. It must be called after every header
// update.
func (hdr *blockHeader) seal() {
	hdr.checksum = hdr.computeChecksum()
}

func (hdr *blockHeader) valid() bool {
	return hdr.magic == blockMagic && hdr.checksum == hdr.computeChecksum()
}

// poison invalidates a header that was absorbed by a neighbouring block so
// stale handles pointing to it are detected.
func (hdr *blockHeader) poison() {
	*hdr = blockHeader{magic: poisonMagic}
}

func alignUp(v uintptr) uintptr {
	return (v + blockAlign - 1) &^ (blockAlign - 1)
}
