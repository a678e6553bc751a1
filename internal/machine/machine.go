// Package machine runs user programs on the simulated machine. Programs are
// WebAssembly modules; a host module exposes the kernel's heap and
// cross-space copy operations as syscalls, so a guest exercises the memory
// core exactly the way trapping user code would.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chalk-os/chalk/pkg/chalk"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Error codes
const (
	ErrCodeRuntimeInit    = 1
	ErrCodeCompileFailed  = 2
	ErrCodeNoProgram      = 3
	ErrCodeInstantiate    = 4
	ErrCodeEntryNotFound  = 5
	ErrCodeCallFailed     = 6
	ErrCodeNoGuestMemory  = 7
	ErrCodeGuestMemoryOOB = 8
)

// MachineError represents a failure while hosting a user program.
type MachineError struct {
	Code    uint16
	Message string
	Cause   error
}

func (e *MachineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("machine error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("machine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error if any.
func (e *MachineError) Unwrap() error {
	return e.Cause
}

// Config holds configuration options for the user-program runner.
type Config struct {
	// MemoryLimitPages caps the guest's linear memory, in 64 KiB wasm
	// pages.
	MemoryLimitPages uint32
	// Timeout bounds a single program run.
	Timeout time.Duration
	// Entry is the exported function started as the program's main.
	Entry string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MemoryLimitPages: 16, // 1 MiB of guest memory
		Timeout:          30 * time.Second,
		Entry:            "_start",
	}
}

// Machine hosts one user program against one process of the kernel.
type Machine struct {
	config  *Config
	runtime wazero.Runtime
	program wazero.CompiledModule

	kernel *chalk.Kernel
	proc   *chalk.Process

	mu sync.Mutex
}

// New creates a runner for user programs of the given process. The chalk
// host module is registered before any program loads, so guests can import
// its syscalls.
func New(ctx context.Context, kernel *chalk.Kernel, p *chalk.Process, config *Config) (*Machine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages)

	m := &Machine{
		config:  config,
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeConfig),
		kernel:  kernel,
		proc:    p,
	}

	if err := m.instantiateHostModule(ctx); err != nil {
		m.runtime.Close(ctx)
		return nil, err
	}
	return m, nil
}

// LoadProgram compiles a user program from its wasm binary.
func (m *Machine) LoadProgram(ctx context.Context, wasmBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	program, err := m.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &MachineError{Code: ErrCodeCompileFailed, Message: "failed to compile program", Cause: err}
	}
	m.program = program
	return nil
}

// Run instantiates the loaded program and calls its entry function. A
// program without the entry export runs through its start section only.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.program == nil {
		return &MachineError{Code: ErrCodeNoProgram, Message: "no program loaded"}
	}

	runCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	instance, err := m.runtime.InstantiateModule(runCtx, m.program, wazero.NewModuleConfig().WithName("user"))
	if err != nil {
		return &MachineError{Code: ErrCodeInstantiate, Message: "failed to instantiate program", Cause: err}
	}
	defer instance.Close(ctx)

	entry := instance.ExportedFunction(m.config.Entry)
	if entry == nil {
		return nil
	}

	if _, err := entry.Call(runCtx); err != nil {
		return &MachineError{Code: ErrCodeCallFailed, Message: "program trapped", Cause: err}
	}
	return nil
}

// Close releases the runner and every module it instantiated.
func (m *Machine) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// readGuest copies a byte range out of a guest module's linear memory.
func readGuest(mod api.Module, ptr, n uint32) ([]byte, error) {
	memory := mod.Memory()
	if memory == nil {
		return nil, &MachineError{Code: ErrCodeNoGuestMemory, Message: "program exports no memory"}
	}
	data, ok := memory.Read(ptr, n)
	if !ok {
		return nil, &MachineError{
			Code:    ErrCodeGuestMemoryOOB,
			Message: fmt.Sprintf("guest read out of range (ptr=0x%x, len=%d)", ptr, n),
		}
	}
	return data, nil
}

// writeGuest copies bytes into a guest module's linear memory.
func writeGuest(mod api.Module, ptr uint32, data []byte) error {
	memory := mod.Memory()
	if memory == nil {
		return &MachineError{Code: ErrCodeNoGuestMemory, Message: "program exports no memory"}
	}
	if !memory.Write(ptr, data) {
		return &MachineError{
			Code:    ErrCodeGuestMemoryOOB,
			Message: fmt.Sprintf("guest write out of range (ptr=0x%x, len=%d)", ptr, len(data)),
		}
	}
	return nil
}
