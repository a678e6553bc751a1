package kerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Errno
		want string
	}{
		{err: ErrNoFreeFrames, want: "no free physical frames"},
		{err: ErrUnmapped, want: "virtual address not mapped"},
		{err: ErrInvalidRequest, want: "invalid request"},
		{err: ErrSegViolation, want: "segmentation violation"},
		{err: ErrProcessDead, want: "process terminated"},
		{err: NewErrno(0xFFFF), want: "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsIs(t *testing.T) {
	assert.True(t, errors.Is(ErrUnmapped, ErrUnmapped))
	assert.True(t, errors.Is(NewErrno(ErrUnmapped.Code()), ErrUnmapped))
	assert.False(t, errors.Is(ErrUnmapped, ErrInvalidRequest))

	wrapped := fmt.Errorf("copy failed: %w", ErrUnmapped)
	assert.True(t, errors.Is(wrapped, ErrUnmapped))
}

func TestCodes(t *testing.T) {
	seen := map[uint16]bool{}
	for _, e := range []*Errno{ErrNoFreeFrames, ErrUnmapped, ErrInvalidRequest, ErrSegViolation, ErrProcessDead} {
		assert.False(t, seen[e.Code()], "duplicate code 0x%04x", e.Code())
		seen[e.Code()] = true
	}
}
