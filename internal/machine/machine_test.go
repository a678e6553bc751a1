package machine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalk-os/chalk/pkg/chalk"
)

// emptyModule is the smallest valid wasm binary: magic and version, no
// sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestMachine(t *testing.T) (*Machine, *chalk.Kernel, *chalk.Process) {
	t.Helper()
	ctx := context.Background()

	kernel, err := chalk.NewKernel(nil)
	require.NoError(t, err)
	p, err := kernel.NewProcess(nil)
	require.NoError(t, err)

	m, err := New(ctx, kernel, p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(ctx) })
	return m, kernel, p
}

func TestRun_NoProgramLoaded(t *testing.T) {
	m, _, _ := newTestMachine(t)

	err := m.Run(context.Background())
	require.Error(t, err)

	var merr *MachineError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, uint16(ErrCodeNoProgram), merr.Code)
}

func TestLoadProgram_InvalidBinary(t *testing.T) {
	m, _, _ := newTestMachine(t)

	err := m.LoadProgram(context.Background(), []byte("not a wasm module"))
	require.Error(t, err)

	var merr *MachineError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, uint16(ErrCodeCompileFailed), merr.Code)
	assert.Error(t, merr.Unwrap())
}

func TestLoadAndRun_EmptyModule(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.LoadProgram(ctx, emptyModule))

	// The empty module has no entry export; Run completes without
	// calling anything.
	assert.NoError(t, m.Run(ctx))
}

func TestRun_Reinstantiates(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.LoadProgram(ctx, emptyModule))
	require.NoError(t, m.Run(ctx))

	// A second run instantiates a fresh instance under the same name.
	assert.NoError(t, m.Run(ctx))
}

func TestClampCopyLen(t *testing.T) {
	assert.Equal(t, uint32(0), clampCopyLen(0))
	assert.Equal(t, uint32(100), clampCopyLen(100))
	assert.Equal(t, uint32(maxCopyLen), clampCopyLen(maxCopyLen))

	// A guest asking for ~4 GiB gets at most the user address space.
	assert.Equal(t, uint32(maxCopyLen), clampCopyLen(0xFFFFFFFF))
}

func TestMachineError_Messages(t *testing.T) {
	plain := &MachineError{Code: ErrCodeNoProgram, Message: "no program loaded"}
	assert.Equal(t, "machine error 3: no program loaded", plain.Error())
	assert.NoError(t, plain.Unwrap())

	wrapped := &MachineError{Code: ErrCodeCallFailed, Message: "program trapped", Cause: assert.AnError}
	assert.Contains(t, wrapped.Error(), "machine error 6: program trapped")
	assert.ErrorIs(t, wrapped, assert.AnError)
}
