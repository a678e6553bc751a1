// Package paging implements per-process virtual-to-physical address
// translation, the page-granular cross-space copier, and the page fault
// handler that grows a process's stack on demand.
package paging

import (
	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/proc"
)

// Translate resolves a user virtual address of the given process into a
// physical address: the mapped frame's base plus the in-page offset. It
// fails with kerrors.ErrUnmapped when the page has no valid mapping.
func Translate(p *proc.Process, addr uint32) (uint32, error) {
	page := mach.PageForAddr(addr)
	offset := mach.OffsetForAddr(addr)

	pte := p.PTE(page)
	if !pte.Valid() {
		return 0, kerrors.ErrUnmapped
	}
	return pte.FrameAddr() | offset, nil
}
