// Package mach defines the geometry of the simulated 32-bit machine: page
// size, virtual and physical address space limits, the page table entry
// encoding, and the byte store backing simulated physical memory.
package mach

import "fmt"

const (
	// PageSize is the size of one page (and one physical frame) in bytes.
	PageSize uint32 = 4096

	// PageShift is log2(PageSize).
	PageShift uint32 = 12

	// OffsetMask extracts the in-page offset from an address.
	OffsetMask uint32 = PageSize - 1

	// PageMask extracts the page-aligned part of a user virtual address.
	// The user address space is 2 MiB, so the page number occupies
	// bits 12..20.
	PageMask uint32 = 0x1FF000

	// MaxVirtPages is the number of pages in a user virtual address space.
	MaxVirtPages uint32 = 512

	// MaxPhysBytes is the largest supported physical memory size.
	MaxPhysBytes uint32 = 2 * 1024 * 1024

	// MaxFrames is the number of frames in the largest supported
	// physical memory.
	MaxFrames uint32 = MaxPhysBytes / PageSize

	// HeapPage is the virtual page holding a process's heap region.
	HeapPage uint32 = 4

	// HeapBase is the lowest user virtual address of the heap region.
	HeapBase uint32 = HeapPage * PageSize

	// HeapLimit is the first user virtual address past the heap region.
	HeapLimit uint32 = (HeapPage + 1) * PageSize
)

// PageForAddr returns the virtual page number containing addr.
func PageForAddr(addr uint32) uint32 {
	return addr >> PageShift
}

// OffsetForAddr returns the in-page offset of addr.
func OffsetForAddr(addr uint32) uint32 {
	return addr & OffsetMask
}

// PageAlign rounds addr down to the start of its page.
func PageAlign(addr uint32) uint32 {
	return addr &^ OffsetMask
}

// PageCount returns the number of whole pages needed to hold n bytes.
func PageCount(n uint32) uint32 {
	return (n + PageSize - 1) / PageSize
}

// PTE is a page table entry. The entry stores the base physical address of
// the mapped frame OR'd with a valid flag in bit 0. An invalid entry is the
// zero value.
type PTE uint32

const (
	// pteValid marks an entry as holding a live mapping.
	pteValid PTE = 1 << 0

	// pteFrameMask recovers the frame base address from an entry.
	pteFrameMask PTE = PTE(PageMask)
)

// NewPTE builds a valid entry mapping a virtual page to the given frame.
func NewPTE(frame uint32) PTE {
	return PTE(frame*PageSize)&pteFrameMask | pteValid
}

// Valid reports whether the entry holds a live mapping.
func (p PTE) Valid() bool {
	return p&pteValid != 0
}

// FrameAddr returns the base physical address of the mapped frame.
func (p PTE) FrameAddr() uint32 {
	return uint32(p & pteFrameMask)
}

// Frame returns the physical frame number of the mapping.
func (p PTE) Frame() uint32 {
	return p.FrameAddr() / PageSize
}

// String returns a human-readable form of the entry.
func (p PTE) String() string {
	if !p.Valid() {
		return "PTE{invalid}"
	}
	return fmt.Sprintf("PTE{frame: %d, base: 0x%x}", p.Frame(), p.FrameAddr())
}
