// Package core provides the memory primitives shared by the gemmini device and
// its host: cache-aligned slabs, float32 views over raw bytes, a slab pool and
// a little-endian float codec.
//
// Device working buffers are raw byte regions because the memory subsystem
// transfers bytes. Kernels operate on float32, so every region is viewed in
// place rather than copied.
package core

import "unsafe"

// Float32View reinterprets b as float32 elements without copying.
// It returns nil if b is empty or its length is not a multiple of 4.
func Float32View(b []byte) []float32 {
	if len(b) == 0 || len(b)%Float32Size != 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/Float32Size)
}

// ByteView reinterprets f as raw bytes without copying.
func ByteView(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*Float32Size)
}
