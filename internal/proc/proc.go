// Package proc defines the per-process state the memory core operates on:
// the page table, the saved trap frame, the heap tree, and the termination
// hook the trap layer supplies. Scheduling and the process table itself live
// outside this module; a Process here is only the memory-side view.
package proc

import (
	"fmt"

	"github.com/chalk-os/chalk/internal/frame"
	"github.com/chalk-os/chalk/internal/heap"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/trace"
)

// SavedFrame is the register state saved by the trap layer when a process
// enters the kernel. The fault handler only needs the two addresses below.
type SavedFrame struct {
	// StackPointer is the user stack pointer at trap time.
	StackPointer uint32
	// FaultAddress is the address whose access caused the fault,
	// page-aligned by the trap layer.
	FaultAddress uint32
}

// KillFunc is the process termination primitive supplied by the process
// layer. The core invokes it on fatal faults and resource exhaustion.
type KillFunc func(p *Process, reason error)

// Process is the memory-management view of one process.
type Process struct {
	pid       uint32
	pageTable [mach.MaxVirtPages]mach.PTE
	npages    uint32

	// SavedFrame holds the trap-time register state; the trap layer
	// refreshes it before every call into the fault handler.
	SavedFrame SavedFrame

	// Heap is the buddy tree over the process's heap page.
	Heap *heap.Tree

	kill   KillFunc
	dead   bool
	tracer *trace.Tracer
}

// New creates the memory-side state for a process. The heap tree spans
// heapRegion bytes with minBlock as its smallest block; kill is invoked when
// a fatal fault terminates the process.
func New(pid uint32, heapRegion, minBlock uint32, kill KillFunc, tracer *trace.Tracer) (*Process, error) {
	if tracer == nil {
		tracer = trace.Discard
	}
	tree, err := heap.NewTree(heapRegion, minBlock, tracer)
	if err != nil {
		return nil, err
	}
	return &Process{
		pid:    pid,
		Heap:   tree,
		kill:   kill,
		tracer: tracer,
	}, nil
}

// Pid returns the process identifier.
func (p *Process) Pid() uint32 {
	return p.pid
}

// Dead reports whether the process has been terminated.
func (p *Process) Dead() bool {
	return p.dead
}

// MappedPages returns the number of virtual pages with a valid mapping.
func (p *Process) MappedPages() uint32 {
	return p.npages
}

// PTE returns the page table entry for a virtual page. Pages outside the
// address space read as invalid.
func (p *Process) PTE(page uint32) mach.PTE {
	if page >= mach.MaxVirtPages {
		return 0
	}
	return p.pageTable[page]
}

// MapPage installs a valid mapping from a virtual page to a physical frame
// and counts it. Remapping an already-valid page keeps the count stable;
// the caller is responsible for freeing the displaced frame.
func (p *Process) MapPage(page, frameNum uint32) {
	if page >= mach.MaxVirtPages {
		return
	}
	if !p.pageTable[page].Valid() {
		p.npages++
	}
	p.pageTable[page] = mach.NewPTE(frameNum)
	p.tracer.Debugf("proc", "pid %d: mapped page %d to frame %d", p.pid, page, frameNum)
}

// UnmapPage invalidates the mapping for a virtual page and returns its frame
// to the allocator. Unmapping an invalid page is a no-op.
func (p *Process) UnmapPage(page uint32, frames *frame.Allocator) {
	if page >= mach.MaxVirtPages || !p.pageTable[page].Valid() {
		return
	}
	frames.Free(p.pageTable[page].Frame())
	p.pageTable[page] = 0
	p.npages--
	p.tracer.Debugf("proc", "pid %d: unmapped page %d", p.pid, page)
}

// ReleasePages tears down the whole address space: every valid mapping is
// invalidated and its frame returned. Called when the process exits.
func (p *Process) ReleasePages(frames *frame.Allocator) {
	for page := uint32(0); page < mach.MaxVirtPages; page++ {
		p.UnmapPage(page, frames)
	}
}

// Kill terminates the process through the supplied termination primitive.
// A second Kill is a no-op.
func (p *Process) Kill(reason error) {
	if p.dead {
		return
	}
	p.dead = true
	p.tracer.Errorf("proc", "pid %d: terminated: %v", p.pid, reason)
	if p.kill != nil {
		p.kill(p, reason)
	}
}

// String returns a human-readable summary of the process.
func (p *Process) String() string {
	return fmt.Sprintf("Process{pid: %d, mapped: %d, dead: %t}", p.pid, p.npages, p.dead)
}
