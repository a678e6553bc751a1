// Package frame implements the global physical frame allocator: a fixed
// bitmap over page frames with a free count, deterministic lowest-frame
// allocation, and a permanently reserved kernel prefix.
package frame

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/trace"
)

const (
	// wordBits is the width of one bitmap word.
	wordBits = 32

	// bitmapWords is the bitmap capacity: enough bits for the maximum
	// supported physical memory. Bits past the actual memory size stay
	// clear (allocated) so they can never be handed out.
	bitmapWords = int(mach.MaxFrames / wordBits)
)

// Allocator tracks every physical frame in the system. Bit i of the bitmap
// is set iff frame i is free. Frames below the kernel-reserved boundary are
// permanently allocated and never enter the bitmap as free.
//
// The allocator is global shared state touched by every page-fault and heap
// path, so each operation runs under a single mutex; no operation blocks
// beyond that critical section.
type Allocator struct {
	bitmap    [bitmapWords]uint32
	wordsUsed int    // words covering the actual physical memory
	reserved  uint32 // first allocatable frame (kernel image boundary)
	total     uint32 // frames covered by the actual physical memory
	nfree     uint32

	tracer *trace.Tracer
	mu     sync.Mutex

	// Statistics
	allocCount atomic.Uint64
	freeCount  atomic.Uint64
}

// NewAllocator builds an allocator over a physical memory of totalBytes,
// with the first reservedBytes (rounded up to a page boundary) permanently
// held by the kernel image.
func NewAllocator(totalBytes, reservedBytes uint32, tracer *trace.Tracer) *Allocator {
	if tracer == nil {
		tracer = trace.Discard
	}
	if totalBytes > mach.MaxPhysBytes {
		totalBytes = mach.MaxPhysBytes
	}

	a := &Allocator{
		reserved: mach.PageCount(reservedBytes),
		total:    totalBytes / mach.PageSize,
		tracer:   tracer,
	}
	a.wordsUsed = int((a.total + wordBits - 1) / wordBits)

	for f := a.reserved; f < a.total; f++ {
		a.setBit(f)
		a.nfree++
	}

	tracer.Infof("frame", "initialized %d free frames (%d reserved for kernel)", a.nfree, a.reserved)
	return a
}

// Allocate reserves the lowest-numbered free frame and returns its number.
// It fails with kerrors.ErrNoFreeFrames when no frame is available; the
// bitmap is left unchanged in that case.
func (a *Allocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nfree == 0 {
		a.tracer.Errorf("frame", "allocation failed: no free frames")
		return 0, kerrors.ErrNoFreeFrames
	}

	// Skip all-zero words, then find the lowest set bit. Scanning from
	// word 0 keeps allocation deterministic: the lowest free frame wins.
	for w := 0; w < a.wordsUsed; w++ {
		seg := a.bitmap[w]
		if seg == 0 {
			continue
		}

		bit := uint32(0)
		for seg&(1<<bit) == 0 {
			bit++
		}

		frame := uint32(w)*wordBits + bit
		a.bitmap[w] &^= 1 << bit
		a.nfree--
		a.allocCount.Add(1)

		a.tracer.Infof("frame", "allocated frame %d (%d remaining)", frame, a.nfree)
		return frame, nil
	}

	// The free count said a frame existed but the bitmap disagrees; the
	// only way here is a caller contract violation (double-free).
	return 0, kerrors.ErrNoFreeFrames
}

// Free returns a frame to the allocator.
//
// The caller must guarantee the frame was previously allocated and is not
// freed twice: a double-free corrupts the free count and is not detected
// here.
func (a *Allocator) Free(frame uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setBit(frame)
	a.nfree++
	a.freeCount.Add(1)

	a.tracer.Infof("frame", "freed frame %d (%d remaining)", frame, a.nfree)
}

// FreeCount returns the number of currently free frames.
func (a *Allocator) FreeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// TotalFrames returns the number of frames covered by physical memory.
func (a *Allocator) TotalFrames() uint32 {
	return a.total
}

// ReservedFrames returns the number of frames held by the kernel image.
func (a *Allocator) ReservedFrames() uint32 {
	return a.reserved
}

// GetStats returns allocator statistics.
func (a *Allocator) GetStats() map[string]uint64 {
	a.mu.Lock()
	nfree := a.nfree
	a.mu.Unlock()

	return map[string]uint64{
		"total_frames":    uint64(a.total),
		"reserved_frames": uint64(a.reserved),
		"free_frames":     uint64(nfree),
		"alloc_count":     a.allocCount.Load(),
		"free_count":      a.freeCount.Load(),
	}
}

// String returns a human-readable summary of the allocator state.
func (a *Allocator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("frame.Allocator{total: %d, reserved: %d, free: %d}",
		a.total, a.reserved, a.nfree)
}

func (a *Allocator) setBit(frame uint32) {
	a.bitmap[frame/wordBits] |= 1 << (frame % wordBits)
}
