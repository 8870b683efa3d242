package device

import (
	"fmt"
	"math"

	"github.com/sbl8/gemmini/core"
)

// Arena region names for the three working buffers of a job.
const (
	RegionM = "M"
	RegionK = "K"
	RegionO = "O"
)

// ArenaRegion represents a distinct memory region within the Arena.
type ArenaRegion struct {
	Offset uintptr
	Size   uintptr
	Name   string
}

// Arena owns the working buffers of one job: a single cache-aligned slab
// carved into the M, K and O regions. The K region exists only when the
// opcode takes a second operand. An Arena is released exactly once.
type Arena struct {
	buffer   []byte
	slab     *[]byte
	regions  map[string]ArenaRegion
	pool     *core.BufferPool
	released bool
}

// NewArena allocates and lays out the buffers for sizes. Slabs are drawn
// from pool when it is non-nil.
func NewArena(pool *core.BufferPool, sizes Sizes) (*Arena, error) {
	total, ok := sizes.totalBytes()
	if !ok || total > math.MaxInt {
		return nil, fmt.Errorf("%w: buffers of %d+%d+%d elements do not fit in memory", ErrInvalidShape, sizes.M, sizes.K, sizes.O)
	}
	mBytes, kBytes, oBytes := sizes.Bytes()
	if mBytes == 0 || oBytes == 0 {
		return nil, fmt.Errorf("%w: empty operand or output buffer (m=%d o=%d elements)", ErrInvalidShape, sizes.M, sizes.O)
	}

	arena := &Arena{
		regions: make(map[string]ArenaRegion, 3),
		pool:    pool,
	}

	offset := uintptr(0)
	offset = arena.layout(RegionM, uintptr(mBytes), offset)
	offset = arena.layout(RegionK, uintptr(kBytes), offset)
	offset = arena.layout(RegionO, uintptr(oBytes), offset)

	if pool != nil {
		if arena.slab = pool.Get(int(offset)); arena.slab != nil {
			arena.buffer = *arena.slab
		}
	} else {
		arena.buffer = core.AlignedBytes(int(offset))
	}
	if uintptr(len(arena.buffer)) != offset {
		return nil, fmt.Errorf("failed to allocate arena buffer of size %d", offset)
	}
	return arena, nil
}

// layout places a region at the next cache-aligned offset; empty regions are skipped.
func (a *Arena) layout(name string, size, offset uintptr) uintptr {
	if size == 0 {
		return offset
	}
	offset = core.AlignedSize(offset)
	a.regions[name] = ArenaRegion{Offset: offset, Size: size, Name: name}
	return core.AlignedSize(offset + size)
}

// Region returns the specified ArenaRegion.
func (a *Arena) Region(name string) (ArenaRegion, bool) {
	region, ok := a.regions[name]
	return region, ok
}

// Bytes returns the raw bytes of a region, or nil if the region does not
// exist or the arena has been released.
func (a *Arena) Bytes(name string) []byte {
	region, ok := a.regions[name]
	if !ok || a.released {
		return nil
	}
	end := region.Offset + region.Size
	return a.buffer[region.Offset:end:end]
}

// Floats returns a float32 view of a region.
func (a *Arena) Floats(name string) []float32 {
	return core.Float32View(a.Bytes(name))
}

// TotalSize returns the total capacity of the arena's buffer.
func (a *Arena) TotalSize() uintptr {
	return uintptr(len(a.buffer))
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool {
	return a.released
}

// Release hands the slab back to the pool. Releasing twice is an error.
func (a *Arena) Release() error {
	if a.released {
		return ErrDoubleRelease
	}
	a.released = true
	if a.pool != nil {
		a.pool.Put(a.slab)
	}
	a.buffer, a.slab = nil, nil
	return nil
}
