package machine

import (
	"context"

	"github.com/chalk-os/chalk/internal/mach"
	"github.com/tetratelabs/wazero/api"
)

// Syscall result sentinel: operations that return an address or a size use
// this value to signal failure to the guest.
const sysFail uint32 = 0xFFFFFFFF

// maxCopyLen caps guest-supplied copy lengths at the user address-space
// size. No user range can be longer, and the cap bounds the host-side
// buffer a guest can demand.
const maxCopyLen = mach.MaxVirtPages * mach.PageSize

// clampCopyLen bounds a guest-supplied length before any host buffer is
// sized from it.
func clampCopyLen(n uint32) uint32 {
	if n > maxCopyLen {
		return maxCopyLen
	}
	return n
}

// instantiateHostModule registers the "chalk" host module. Its exports are
// the syscall layer of the simulated machine: each one crosses the
// user/system boundary into the memory core on behalf of the guest.
func (m *Machine) instantiateHostModule(ctx context.Context) error {
	builder := m.runtime.NewHostModuleBuilder("chalk")

	// heap_alloc(size: i32) -> vaddr: i32
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.sysHeapAlloc),
			[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("heap_alloc")

	// heap_free(vaddr: i32) -> size: i32
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.sysHeapFree),
			[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("heap_free")

	// copy_out(src: i32, user_addr: i32, len: i32) -> copied: i32
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.sysCopyOut),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("copy_out")

	// copy_in(user_addr: i32, dst: i32, len: i32) -> copied: i32
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.sysCopyIn),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("copy_in")

	// free_frames() -> i32
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.sysFreeFrames),
			nil, []api.ValueType{api.ValueTypeI32}).
		Export("free_frames")

	if _, err := builder.Instantiate(ctx); err != nil {
		return &MachineError{Code: ErrCodeInstantiate, Message: "failed to instantiate chalk host module", Cause: err}
	}
	return nil
}

// sysHeapAlloc allocates a heap block for the hosted process and returns
// its user virtual address, or sysFail.
func (m *Machine) sysHeapAlloc(_ context.Context, _ api.Module, stack []uint64) {
	size := int(int32(uint32(stack[0])))

	vaddr, err := m.kernel.AllocateHeap(m.proc, size)
	if err != nil {
		stack[0] = uint64(sysFail)
		return
	}
	stack[0] = uint64(vaddr)
}

// sysHeapFree frees the heap block at the given user virtual address and
// returns its size, or sysFail.
func (m *Machine) sysHeapFree(_ context.Context, _ api.Module, stack []uint64) {
	vaddr := uint32(stack[0])

	size, err := m.kernel.FreeHeap(m.proc, vaddr)
	if err != nil {
		stack[0] = uint64(sysFail)
		return
	}
	stack[0] = uint64(size)
}

// sysCopyOut moves bytes from the guest's memory into the hosted process's
// address space through the cross-space copier, returning the bytes copied.
// A short result means the user range crossed an unmapped page.
func (m *Machine) sysCopyOut(_ context.Context, mod api.Module, stack []uint64) {
	src := uint32(stack[0])
	userAddr := uint32(stack[1])
	n := uint32(stack[2])

	data, err := readGuest(mod, src, n)
	if err != nil {
		stack[0] = uint64(sysFail)
		return
	}
	stack[0] = uint64(uint32(m.kernel.CopyToUser(m.proc, data, userAddr, len(data))))
}

// sysCopyIn moves bytes from the hosted process's address space into the
// guest's memory, returning the bytes copied.
func (m *Machine) sysCopyIn(_ context.Context, mod api.Module, stack []uint64) {
	userAddr := uint32(stack[0])
	dst := uint32(stack[1])
	n := clampCopyLen(uint32(stack[2]))

	buf := make([]byte, n)
	copied := m.kernel.CopyFromUser(m.proc, buf, userAddr, int(n))
	if err := writeGuest(mod, dst, buf[:copied]); err != nil {
		stack[0] = uint64(sysFail)
		return
	}
	stack[0] = uint64(uint32(copied))
}

// sysFreeFrames reports the number of free physical frames.
func (m *Machine) sysFreeFrames(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(m.kernel.FreeFrames())
}
