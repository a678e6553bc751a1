package chalk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/trace"
)

func testConfig() *Config {
	return &Config{
		TotalBytes:     32 * mach.PageSize,
		KernelBytes:    4 * mach.PageSize,
		HeapRegionSize: mach.PageSize,
		HeapMinBlock:   32,
	}
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel(testConfig())
	require.NoError(t, err)
	return k
}

func TestNewKernel(t *testing.T) {
	k := newTestKernel(t)
	assert.Equal(t, uint32(28), k.FreeFrames())
}

func TestNewKernel_DefaultConfig(t *testing.T) {
	k, err := NewKernel(nil)
	require.NoError(t, err)
	assert.Equal(t, mach.MaxFrames-16, k.FreeFrames())
}

func TestNewKernel_BadHeapRegion(t *testing.T) {
	config := testConfig()
	config.HeapRegionSize = 2 * mach.PageSize
	_, err := NewKernel(config)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)
}

func TestNewProcess_MapsHeapAndStack(t *testing.T) {
	k := newTestKernel(t)

	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), p.MappedPages())
	assert.Equal(t, uint32(26), k.FreeFrames())

	// The heap page translates; its neighbors do not.
	_, err = k.Translate(p, mach.HeapBase)
	assert.NoError(t, err)
	_, err = k.Translate(p, mach.HeapBase-1)
	assert.ErrorIs(t, err, kerrors.ErrUnmapped)
	_, err = k.Translate(p, mach.HeapLimit)
	assert.ErrorIs(t, err, kerrors.ErrUnmapped)

	// The initial stack page backs the saved stack pointer.
	_, err = k.Translate(p, p.SavedFrame.StackPointer)
	assert.NoError(t, err)

	k.ExitProcess(p)
	assert.Equal(t, uint32(28), k.FreeFrames())
}

func TestHeapAllocateFree(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	addr, err := k.AllocateHeap(p, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, addr, mach.HeapBase)
	assert.Less(t, addr, mach.HeapLimit)

	size, err := k.FreeHeap(p, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), size)
}

func TestHeapAllocate_InvalidRequests(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	_, err = k.AllocateHeap(p, 0)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)

	_, err = k.AllocateHeap(p, -1)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)

	_, err = k.AllocateHeap(p, int(mach.PageSize)+1)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)
}

func TestHeapFree_OutsideHeapPage(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	_, err = k.FreeHeap(p, mach.HeapBase-1)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)

	_, err = k.FreeHeap(p, mach.HeapLimit)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)

	// Inside the page but not an allocated block.
	_, err = k.FreeHeap(p, mach.HeapBase+64)
	assert.ErrorIs(t, err, kerrors.ErrInvalidRequest)
}

func TestCopyThroughHeap(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	addr, err := k.AllocateHeap(p, 64)
	require.NoError(t, err)

	msg := []byte("syscall argument payload")
	require.Equal(t, len(msg), k.CopyToUser(p, msg, addr, len(msg)))

	back := make([]byte, len(msg))
	require.Equal(t, len(back), k.CopyFromUser(p, back, addr, len(back)))
	assert.True(t, bytes.Equal(msg, back))
}

func TestCopyShortOnUnmappedPage(t *testing.T) {
	k := newTestKernel(t)
	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	// A range starting 10 bytes before the end of the heap page runs
	// into the unmapped page 5.
	start := mach.HeapLimit - 10
	copied := k.CopyToUser(p, make([]byte, 50), start, 50)
	assert.Equal(t, 10, copied)
}

func TestHandlePageFault_GrowthAndViolation(t *testing.T) {
	k := newTestKernel(t)

	killed := false
	p, err := k.NewProcess(func(_ *Process, reason error) {
		killed = true
	})
	require.NoError(t, err)

	// Growth: the stack pointer has pushed down into an unmapped page.
	p.SavedFrame.StackPointer -= mach.PageSize
	p.SavedFrame.FaultAddress = p.SavedFrame.StackPointer
	before := p.MappedPages()
	require.NoError(t, k.HandlePageFault(p))
	assert.Equal(t, before+1, p.MappedPages())
	assert.False(t, killed)

	// Violation: fault strictly below the stack pointer's page.
	p.SavedFrame.FaultAddress = (p.SavedFrame.StackPointer & mach.PageMask) - mach.PageSize
	err = k.HandlePageFault(p)
	assert.ErrorIs(t, err, kerrors.ErrSegViolation)
	assert.True(t, killed)
	assert.True(t, p.Dead())

	// Termination released the address space.
	assert.Equal(t, uint32(0), p.MappedPages())
	assert.Equal(t, uint32(28), k.FreeFrames())

	// Further operations on the dead process are rejected.
	_, err = k.AllocateHeap(p, 16)
	assert.ErrorIs(t, err, kerrors.ErrProcessDead)
	_, err = k.FreeHeap(p, mach.HeapBase)
	assert.ErrorIs(t, err, kerrors.ErrProcessDead)
	assert.ErrorIs(t, k.HandlePageFault(p), kerrors.ErrProcessDead)
}

func TestHandlePageFault_ExhaustionKillsProcess(t *testing.T) {
	config := testConfig()
	config.TotalBytes = 7 * mach.PageSize
	config.KernelBytes = 4 * mach.PageSize
	k, err := NewKernel(config)
	require.NoError(t, err)

	p, err := k.NewProcess(nil) // consumes 2 of the 3 free frames
	require.NoError(t, err)

	p.SavedFrame.StackPointer -= mach.PageSize
	p.SavedFrame.FaultAddress = p.SavedFrame.StackPointer
	require.NoError(t, k.HandlePageFault(p)) // last frame

	p.SavedFrame.StackPointer -= mach.PageSize
	p.SavedFrame.FaultAddress = p.SavedFrame.StackPointer
	err = k.HandlePageFault(p)
	assert.ErrorIs(t, err, kerrors.ErrNoFreeFrames)
	assert.True(t, p.Dead())

	// All frames returned on termination.
	assert.Equal(t, uint32(3), k.FreeFrames())
}

func TestSmallHeapRegionScenario(t *testing.T) {
	// The classic walkthrough at facade level: a 64-byte region with
	// 8-byte minimum blocks.
	config := testConfig()
	config.HeapRegionSize = 64
	config.HeapMinBlock = 8
	k, err := NewKernel(config)
	require.NoError(t, err)

	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	a, err := k.AllocateHeap(p, 5)
	require.NoError(t, err)
	assert.Equal(t, mach.HeapBase, a)

	b, err := k.AllocateHeap(p, 3)
	require.NoError(t, err)
	assert.Equal(t, mach.HeapBase+8, b)

	size, err := k.FreeHeap(p, a)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), size)

	size, err = k.FreeHeap(p, b)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), size)

	// Fully coalesced: the whole region is allocatable again.
	full, err := k.AllocateHeap(p, 64)
	require.NoError(t, err)
	assert.Equal(t, mach.HeapBase, full)
}

func TestGetStatsAndTracing(t *testing.T) {
	var buf bytes.Buffer
	config := testConfig()
	config.TraceLevel = trace.LevelInfo
	config.TraceOutput = &buf

	k, err := NewKernel(config)
	require.NoError(t, err)

	p, err := k.NewProcess(nil)
	require.NoError(t, err)

	addr, err := k.AllocateHeap(p, 40)
	require.NoError(t, err)
	_, err = k.FreeHeap(p, addr)
	require.NoError(t, err)

	stats := k.GetStats()
	require.Contains(t, stats, "frames")
	require.Contains(t, stats, "trace")
	assert.Greater(t, stats["trace"]["events_logged"], uint64(0))

	out := buf.String()
	assert.Contains(t, out, "heap block")
	assert.Contains(t, out, "allocated frame")
}
