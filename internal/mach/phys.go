package mach

import "fmt"

// PhysError represents physical memory access errors.
type PhysError struct {
	Type    string
	Address uint32
	Size    uint32
	Limit   uint32
	Message string
}

func (e *PhysError) Error() string {
	return fmt.Sprintf("physical memory error [%s]: %s (addr=0x%x, size=%d, limit=0x%x)",
		e.Type, e.Message, e.Address, e.Size, e.Limit)
}

// PhysMemory is the byte store backing the simulated machine's physical
// memory. Physical addresses produced by the address translator index
// directly into it.
type PhysMemory struct {
	data []byte
}

// NewPhysMemory creates a physical memory of the given size. Sizes beyond
// MaxPhysBytes are clamped: the extra bytes could never be addressed because
// the frame bitmap has no bits for them.
func NewPhysMemory(size uint32) *PhysMemory {
	if size > MaxPhysBytes {
		size = MaxPhysBytes
	}
	return &PhysMemory{data: make([]byte, size)}
}

// Size returns the physical memory size in bytes.
func (m *PhysMemory) Size() uint32 {
	return uint32(len(m.data))
}

// Frames returns the number of whole frames the memory holds.
func (m *PhysMemory) Frames() uint32 {
	return m.Size() / PageSize
}

// Read copies n bytes starting at physical address addr into a fresh slice.
func (m *PhysMemory) Read(addr, n uint32) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.data[addr:addr+n])
	return out, nil
}

// Write copies data into physical memory starting at addr.
func (m *PhysMemory) Write(addr uint32, data []byte) error {
	if err := m.check(addr, uint32(len(data))); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

// Slice returns the writable window [addr, addr+n) of physical memory.
// The window aliases the backing store, so writes through it are visible to
// subsequent reads.
func (m *PhysMemory) Slice(addr, n uint32) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	return m.data[addr : addr+n], nil
}

func (m *PhysMemory) check(addr, n uint32) error {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.data)) {
		return &PhysError{
			Type:    "out_of_range",
			Address: addr,
			Size:    n,
			Limit:   m.Size(),
			Message: "access beyond end of physical memory",
		}
	}
	return nil
}
