package paging

import (
	"github.com/chalk-os/chalk/internal/mach"
	"github.com/chalk-os/chalk/internal/proc"
)

// Direction selects which way CopyBetweenSpaces moves bytes.
type Direction int

const (
	// SystemToUser copies from a system buffer into the user range.
	SystemToUser Direction = iota
	// UserToSystem copies from the user range into a system buffer.
	UserToSystem
)

// CopyBetweenSpaces copies up to n bytes between a system-space buffer and a
// process's virtual address range, one page at a time. Each iteration
// translates the current user address and copies the smaller of the bytes
// left in that page and the bytes left overall.
//
// It returns the number of bytes actually copied. The copy stops at the
// first unmapped user page, so the result may be short of n; callers must
// compare it against the requested length rather than assume success.
func CopyBetweenSpaces(phys *mach.PhysMemory, p *proc.Process, system []byte, userAddr uint32, n int, dir Direction) int {
	if n > len(system) {
		n = len(system)
	}

	copied := 0
	for n > 0 {
		physAddr, err := Translate(p, userAddr)
		if err != nil {
			break
		}

		chunk := int(mach.PageSize - mach.OffsetForAddr(physAddr))
		if chunk > n {
			chunk = n
		}

		window, err := phys.Slice(physAddr, uint32(chunk))
		if err != nil {
			// A valid PTE pointing past the end of physical memory
			// violates the frame allocator's invariant; stop with
			// whatever was copied.
			break
		}

		if dir == SystemToUser {
			copy(window, system[copied:copied+chunk])
		} else {
			copy(system[copied:copied+chunk], window)
		}

		n -= chunk
		copied += chunk
		userAddr += uint32(chunk)
	}
	return copied
}

// CopyToUser copies n bytes from a system buffer into the process's virtual
// address range starting at userAddr, returning the bytes copied.
func CopyToUser(phys *mach.PhysMemory, p *proc.Process, system []byte, userAddr uint32, n int) int {
	return CopyBetweenSpaces(phys, p, system, userAddr, n, SystemToUser)
}

// CopyFromUser copies n bytes from the process's virtual address range
// starting at userAddr into a system buffer, returning the bytes copied.
func CopyFromUser(phys *mach.PhysMemory, p *proc.Process, system []byte, userAddr uint32, n int) int {
	return CopyBetweenSpaces(phys, p, system, userAddr, n, UserToSystem)
}
