package paging

import (
	"github.com/chalk-os/chalk/internal/frame"
	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/proc"
	"github.com/chalk-os/chalk/internal/trace"
)

// FaultHandler decides whether a page fault is legitimate stack growth or a
// fatal violation. The stack is a single contiguous region growing downward
// from a fixed upper bound; no upper limit on its growth is enforced.
type FaultHandler struct {
	frames *frame.Allocator
	tracer *trace.Tracer
}

// NewFaultHandler creates a fault handler backed by the given frame
// allocator.
func NewFaultHandler(frames *frame.Allocator, tracer *trace.Tracer) *FaultHandler {
	if tracer == nil {
		tracer = trace.Discard
	}
	return &FaultHandler{
		frames: frames,
		tracer: tracer,
	}
}

// Handle services a page fault for the process, reading the fault address
// and user stack pointer from the saved trap frame.
//
// A fault below the stack pointer's page, or outside the user address
// space entirely, is an out-of-range access: the process is terminated and
// kerrors.ErrSegViolation returned. Otherwise the fault is stack growth: a
// fresh frame is mapped at the faulting page and the mapped-page count grows
// by one. If no frame is available the process is terminated and
// kerrors.ErrNoFreeFrames returned; exhaustion is fatal, not retried.
func (h *FaultHandler) Handle(p *proc.Process) error {
	faultAddr := p.SavedFrame.FaultAddress
	faultPage := mach.PageForAddr(faultAddr)
	stackPage := p.SavedFrame.StackPointer & mach.PageMask

	if faultAddr < stackPage || faultPage >= mach.MaxVirtPages {
		h.tracer.Errorf("fault", "pid %d: segmentation violation at 0x%x (stack page 0x%x)",
			p.Pid(), faultAddr, stackPage)
		p.Kill(kerrors.ErrSegViolation)
		return kerrors.ErrSegViolation
	}

	frameNum, err := h.frames.Allocate()
	if err != nil {
		h.tracer.Errorf("fault", "pid %d: no free frames for stack growth", p.Pid())
		p.Kill(kerrors.ErrNoFreeFrames)
		return kerrors.ErrNoFreeFrames
	}

	p.MapPage(faultPage, frameNum)

	h.tracer.Infof("fault", "pid %d: grew stack, mapped page %d to frame %d", p.Pid(), faultPage, frameNum)
	return nil
}
