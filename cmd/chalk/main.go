// Command chalk boots the memory core of the teaching OS and either runs a
// user program (a wasm module importing the chalk host module) against it,
// or, with no program, walks a small built-in demo of the heap and
// cross-space copy paths.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/chalk-os/chalk/internal/machine"
	"github.com/chalk-os/chalk/internal/trace"
	"github.com/chalk-os/chalk/pkg/chalk"
)

func main() {
	var (
		memBytes    = flag.Uint("mem", uint(2*1024*1024), "simulated physical memory size in bytes")
		kernelBytes = flag.Uint("kernel", uint(64*1024), "bytes reserved for the kernel image")
		traceLevel  = flag.Int("trace", int(trace.LevelInfo), "trace level: 0=off 1=error 2=info 3=debug")
	)
	flag.Parse()

	config := chalk.DefaultConfig()
	config.TotalBytes = uint32(*memBytes)
	config.KernelBytes = uint32(*kernelBytes)
	config.TraceLevel = trace.Level(*traceLevel)
	config.TraceOutput = os.Stderr

	kernel, err := chalk.NewKernel(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize memory core: %v\n", err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		if err := runProgram(kernel, flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runDemo(kernel); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runProgram hosts a user wasm program against a fresh process.
func runProgram(kernel *chalk.Kernel, path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read program: %w", err)
	}

	p, err := kernel.NewProcess(nil)
	if err != nil {
		return fmt.Errorf("failed to create process: %w", err)
	}
	defer kernel.ExitProcess(p)

	ctx := context.Background()
	m, err := machine.New(ctx, kernel, p, nil)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	if err := m.LoadProgram(ctx, wasmBytes); err != nil {
		return err
	}
	return m.Run(ctx)
}

// runDemo exercises the heap allocator and the cross-space copier directly.
func runDemo(kernel *chalk.Kernel) error {
	p, err := kernel.NewProcess(nil)
	if err != nil {
		return fmt.Errorf("failed to create process: %w", err)
	}
	defer kernel.ExitProcess(p)

	addr, err := kernel.AllocateHeap(p, 100)
	if err != nil {
		return fmt.Errorf("heap allocation failed: %w", err)
	}

	msg := []byte("hello from system space")
	if copied := kernel.CopyToUser(p, msg, addr, len(msg)); copied != len(msg) {
		return fmt.Errorf("short copy to user: %d of %d bytes", copied, len(msg))
	}

	back := make([]byte, len(msg))
	if copied := kernel.CopyFromUser(p, back, addr, len(back)); copied != len(back) {
		return fmt.Errorf("short copy from user: %d of %d bytes", copied, len(back))
	}
	fmt.Printf("round trip through process %d heap: %q\n", p.Pid(), back)

	size, err := kernel.FreeHeap(p, addr)
	if err != nil {
		return fmt.Errorf("heap free failed: %w", err)
	}
	fmt.Printf("freed %d-byte block, %d frames free\n", size, kernel.FreeFrames())
	return nil
}
