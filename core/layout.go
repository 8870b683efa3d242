package core

import "unsafe"

// Layout constants shared by the device and the host allocator.
const (
	CacheLineSize = 64
	PageSize      = 4096
	Float32Size   = 4

	// GuestAlign is the allocation granule the host uses for operand buffers.
	GuestAlign = 0x40
)

// AlignSize rounds size up to a multiple of align, a power of two.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignAddr is AlignSize for 64-bit guest addresses.
func AlignAddr(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

// AlignedSize rounds a region size up to whole cache lines.
func AlignedSize(size uintptr) uintptr {
	return (size + CacheLineSize - 1) &^ (CacheLineSize - 1)
}

// IsAligned reports whether addr sits on a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedBytes returns a zeroed slice of length size whose first byte sits on
// a cache line boundary. Over-allocating by one line minus a byte always
// leaves room to slide the start forward.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+CacheLineSize-1)
	skip := (CacheLineSize - int(uintptr(unsafe.Pointer(&buf[0]))%CacheLineSize)) % CacheLineSize
	return buf[skip : skip+size : skip+size]
}

// FloatBytes converts an element count into a byte count.
func FloatBytes(elems uint64) uint64 {
	return elems * Float32Size
}
