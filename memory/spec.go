package memory

import (
	"errors"
	"fmt"
)

// Spec describes the simulated guest memory and its timing model.
type Spec struct {
	Base          uint64 // first valid guest address
	Size          uint64 // bytes of addressable memory from Base
	LatencyCycles int64  // fixed cost of every transfer
	BytesPerCycle int64  // streaming bandwidth
	QueueDepth    int    // outstanding transfers accepted before ErrQueueFull
}

// DefaultSpec covers the guest window used by the host allocator.
func DefaultSpec() Spec {
	return Spec{
		Base:          0x40000000,
		Size:          0x40000000,
		LatencyCycles: 100,
		BytesPerCycle: 64,
		QueueDepth:    16,
	}
}

// Validate checks that the spec describes a usable memory.
func (s Spec) Validate() error {
	if s.Size == 0 {
		return errors.New("memory size must be positive")
	}
	if s.Base+s.Size < s.Base {
		return fmt.Errorf("memory window %#x+%#x wraps the address space", s.Base, s.Size)
	}
	if s.LatencyCycles < 0 {
		return fmt.Errorf("latency cannot be negative, got %d", s.LatencyCycles)
	}
	if s.BytesPerCycle <= 0 {
		return fmt.Errorf("bandwidth must be positive, got %d bytes/cycle", s.BytesPerCycle)
	}
	if s.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", s.QueueDepth)
	}
	return nil
}

// Contains reports whether [addr, addr+size) lies inside the memory window.
func (s Spec) Contains(addr, size uint64) bool {
	if addr < s.Base {
		return false
	}
	off := addr - s.Base
	return off <= s.Size && size <= s.Size-off
}

// EstimateCycles is the service time of one transfer: the fixed latency plus
// the bytes streamed at the configured bandwidth. Never less than one cycle.
func (s Spec) EstimateCycles(bytes uint64) int64 {
	bw := uint64(s.BytesPerCycle)
	if bw == 0 {
		bw = 1
	}
	cycles := s.LatencyCycles + int64((bytes+bw-1)/bw)
	if cycles <= 0 {
		cycles = 1
	}
	return cycles
}
