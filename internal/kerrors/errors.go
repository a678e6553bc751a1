// Package kerrors defines the coded errors shared by the memory-management
// core. Every failure surfaced across a package boundary is one of these
// sentinels, possibly wrapped with call-site context.
package kerrors

// Errno is a coded kernel error.
type Errno struct {
	code uint16
}

// NewErrno creates a new Errno.
func NewErrno(code uint16) *Errno {
	return &Errno{code: code}
}

// Error implements the error interface.
func (e *Errno) Error() string {
	switch e.code {
	case 0x0001:
		return "no free physical frames"
	case 0x0002:
		return "virtual address not mapped"
	case 0x0003:
		return "invalid request"
	case 0x0004:
		return "segmentation violation"
	case 0x0005:
		return "process terminated"
	default:
		return "unknown error"
	}
}

// Code returns the raw error code.
func (e *Errno) Code() uint16 {
	return e.code
}

// Is makes Errno comparable through errors.Is against its sentinel value.
func (e *Errno) Is(target error) bool {
	t, ok := target.(*Errno)
	return ok && t.code == e.code
}

// Error codes
var (
	// ErrNoFreeFrames reports physical frame exhaustion. Always fatal to
	// the requesting process; never retried.
	ErrNoFreeFrames = NewErrno(0x0001)

	// ErrUnmapped reports a virtual address with no valid translation.
	ErrUnmapped = NewErrno(0x0002)

	// ErrInvalidRequest reports a zero, negative or oversized heap
	// request, or a free of an address outside the valid heap range.
	ErrInvalidRequest = NewErrno(0x0003)

	// ErrSegViolation reports a stack-region fault below the legitimate
	// growth boundary. Always fatal to the faulting process.
	ErrSegViolation = NewErrno(0x0004)

	// ErrProcessDead reports an operation on a terminated process.
	ErrProcessDead = NewErrno(0x0005)
)
