package host

import (
	"errors"
	"fmt"

	"github.com/sbl8/gemmini/core"
)

// Guest window reserved for operand buffers.
const (
	StaticBase = 0x40001000
	StaticSize = 0x3ffff000
)

var ErrOutOfMemory = errors.New("static memory exhausted")

// Allocator is a bump allocator over a fixed guest window. Every allocation
// is rounded up to core.GuestAlign; memory is never reclaimed.
type Allocator struct {
	base uint64
	size uint64
	next uint64
}

// NewAllocator creates an allocator over [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{base: base, size: size, next: base}
}

// DefaultAllocator covers the standard static window.
func DefaultAllocator() *Allocator {
	return NewAllocator(StaticBase, StaticSize)
}

// Alloc reserves bytes and returns the guest address of the block.
func (a *Allocator) Alloc(bytes uint64) (uint64, error) {
	end := a.base + a.size
	if bytes >= end-a.next {
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, bytes, end-a.next)
	}
	addr := a.next
	a.next = core.AlignAddr(a.next+bytes, core.GuestAlign)
	if a.next > end {
		a.next = end
	}
	return addr, nil
}

// Free is a no-op; the window is only reclaimed by Reset.
func (a *Allocator) Free(uint64) {}

// Reset discards every allocation.
func (a *Allocator) Reset() {
	a.next = a.base
}

// Used returns the bytes handed out so far, including alignment padding.
func (a *Allocator) Used() uint64 {
	return a.next - a.base
}
