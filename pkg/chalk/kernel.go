// Package chalk is the public surface of the memory-management core: boot
// initialization, process creation and teardown, page fault handling, the
// user heap, and copies across the user/system boundary. The trap and
// syscall layers call into this package; everything else lives in internal
// packages.
package chalk

import (
	"io"
	"sync/atomic"

	"github.com/chalk-os/chalk/internal/frame"
	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/paging"
	"github.com/chalk-os/chalk/internal/proc"
	"github.com/chalk-os/chalk/internal/trace"
)

// Config holds configuration options for the kernel memory core.
type Config struct {
	// TotalBytes is the simulated physical memory size.
	TotalBytes uint32
	// KernelBytes is the size of the kernel image; the frames holding it
	// are permanently reserved.
	KernelBytes uint32
	// HeapRegionSize is the per-process heap region size in bytes. It
	// must be a power of two no larger than one page.
	HeapRegionSize uint32
	// HeapMinBlock is the smallest allocatable heap block in bytes.
	HeapMinBlock uint32
	// TraceLevel selects how much the core reports to TraceOutput.
	TraceLevel trace.Level
	// TraceOutput receives allocation trace events; nil disables tracing.
	TraceOutput io.Writer
}

// DefaultConfig returns a Config with sensible defaults: 2 MiB of physical
// memory, 64 KiB reserved for the kernel image, a one-page heap with 32-byte
// minimum blocks, and tracing off.
func DefaultConfig() *Config {
	return &Config{
		TotalBytes:     mach.MaxPhysBytes,
		KernelBytes:    64 * 1024,
		HeapRegionSize: mach.PageSize,
		HeapMinBlock:   32,
		TraceLevel:     trace.LevelOff,
		TraceOutput:    nil,
	}
}

// KillFunc is re-exported so callers can hook process termination.
type KillFunc = proc.KillFunc

// Process is the memory-side state of one process.
type Process = proc.Process

// Kernel is the memory-management core of the system. One Kernel owns the
// physical memory, the global frame allocator, and the fault handler; it
// creates and tears down the per-process structures.
type Kernel struct {
	config *Config
	phys   *mach.PhysMemory
	frames *frame.Allocator
	fault  *paging.FaultHandler
	tracer *trace.Tracer

	nextPid atomic.Uint32
}

// NewKernel boots the memory core: it creates the simulated physical
// memory, marks the kernel-image frames permanently allocated, and readies
// the remaining frames for allocation.
func NewKernel(config *Config) (*Kernel, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HeapRegionSize == 0 || config.HeapRegionSize > mach.PageSize {
		return nil, kerrors.ErrInvalidRequest
	}

	tracer := trace.New(config.TraceLevel, config.TraceOutput)
	frames := frame.NewAllocator(config.TotalBytes, config.KernelBytes, tracer)

	return &Kernel{
		config: config,
		phys:   mach.NewPhysMemory(config.TotalBytes),
		frames: frames,
		fault:  paging.NewFaultHandler(frames, tracer),
		tracer: tracer,
	}, nil
}

// NewProcess creates the memory-side state for a new process: an empty page
// table with the heap page and the initial stack page mapped, and a fresh
// buddy tree over the heap region. kill, if non-nil, is invoked when a fatal
// fault terminates the process; the kernel releases the process's pages
// afterward either way.
func (k *Kernel) NewProcess(kill KillFunc) (*Process, error) {
	pid := k.nextPid.Add(1)

	p, err := proc.New(pid, k.config.HeapRegionSize, k.config.HeapMinBlock, func(dying *proc.Process, reason error) {
		if kill != nil {
			kill(dying, reason)
		}
		dying.ReleasePages(k.frames)
	}, k.tracer)
	if err != nil {
		return nil, err
	}

	heapFrame, err := k.frames.Allocate()
	if err != nil {
		return nil, err
	}
	p.MapPage(mach.HeapPage, heapFrame)

	stackPage := mach.MaxVirtPages - 1
	stackFrame, err := k.frames.Allocate()
	if err != nil {
		p.ReleasePages(k.frames)
		return nil, err
	}
	p.MapPage(stackPage, stackFrame)
	p.SavedFrame.StackPointer = stackPage * mach.PageSize

	k.tracer.Infof("kernel", "created process %d (heap frame %d, stack frame %d)", pid, heapFrame, stackFrame)
	return p, nil
}

// ExitProcess tears down a process's address space, returning every mapped
// frame to the allocator.
func (k *Kernel) ExitProcess(p *Process) {
	p.ReleasePages(k.frames)
	k.tracer.Infof("kernel", "process %d exited", p.Pid())
}

// HandlePageFault services a page fault for the process using the addresses
// in its saved trap frame. On a violation or frame exhaustion the process
// is terminated and the corresponding error returned; on legitimate stack
// growth a new page is mapped and the result is nil.
func (k *Kernel) HandlePageFault(p *Process) error {
	if p.Dead() {
		return kerrors.ErrProcessDead
	}
	return k.fault.Handle(p)
}

// AllocateHeap allocates size bytes from the process's heap and returns the
// user virtual address of the block. The address is the block's offset
// within the heap region tagged with the heap page selector.
func (k *Kernel) AllocateHeap(p *Process, size int) (uint32, error) {
	if p.Dead() {
		return 0, kerrors.ErrProcessDead
	}

	block, err := p.Heap.Allocate(size)
	if err != nil {
		return 0, err
	}

	vaddr := mach.HeapBase | block.Addr
	if physAddr, terr := paging.Translate(p, vaddr); terr == nil {
		k.tracer.Infof("kernel", "pid %d: heap block of %d bytes at virtual 0x%x, physical 0x%x",
			p.Pid(), block.Size, vaddr, physAddr)
	}
	return vaddr, nil
}

// FreeHeap releases the heap block at the given user virtual address and
// returns its size. Addresses outside the heap page, or not matching an
// allocated block, fail with kerrors.ErrInvalidRequest.
func (k *Kernel) FreeHeap(p *Process, vaddr uint32) (uint32, error) {
	if p.Dead() {
		return 0, kerrors.ErrProcessDead
	}
	if vaddr < mach.HeapBase || vaddr >= mach.HeapLimit {
		return 0, kerrors.ErrInvalidRequest
	}

	block, err := p.Heap.Free(mach.OffsetForAddr(vaddr))
	if err != nil {
		return 0, err
	}

	if physAddr, terr := paging.Translate(p, vaddr); terr == nil {
		k.tracer.Infof("kernel", "pid %d: freed heap block of %d bytes at virtual 0x%x, physical 0x%x",
			p.Pid(), block.Size, vaddr, physAddr)
	}
	return block.Size, nil
}

// CopyToUser copies n bytes from a system buffer into the process's address
// space at userAddr, returning the number of bytes copied. A short count
// means the range crossed an unmapped page.
func (k *Kernel) CopyToUser(p *Process, system []byte, userAddr uint32, n int) int {
	return paging.CopyToUser(k.phys, p, system, userAddr, n)
}

// CopyFromUser copies n bytes from the process's address space at userAddr
// into a system buffer, returning the number of bytes copied.
func (k *Kernel) CopyFromUser(p *Process, system []byte, userAddr uint32, n int) int {
	return paging.CopyFromUser(k.phys, p, system, userAddr, n)
}

// Translate resolves a user virtual address of the process into a physical
// address.
func (k *Kernel) Translate(p *Process, addr uint32) (uint32, error) {
	return paging.Translate(p, addr)
}

// FreeFrames returns the number of free physical frames.
func (k *Kernel) FreeFrames() uint32 {
	return k.frames.FreeCount()
}

// GetStats returns frame allocator and trace sink statistics.
func (k *Kernel) GetStats() map[string]map[string]uint64 {
	return map[string]map[string]uint64{
		"frames": k.frames.GetStats(),
		"trace":  k.tracer.GetStats(),
	}
}
