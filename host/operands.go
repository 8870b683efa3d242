package host

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/kernels"
)

// Operands are the device-ready inputs of one job. Input and Kernel keep the
// original tensors when M or K holds a host-side rearrangement of them.
type Operands struct {
	Op           kernels.Opcode
	SizeM, SizeK uint64
	M, K         []float32
	Input        []float32
	Kernel       []float32
	PrepTime     time.Duration // time spent rearranging for the gemm layouts
}

// RandomFloats returns n integer-valued floats drawn from {-2, ..., 2}, so
// software and device results compare exactly.
func RandomFloats(rng *rand.Rand, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = float32(rng.Intn(5) - 2)
	}
	return f
}

// Prepare draws random tensors for op and lays them out the way the device
// expects: receptive fields for the convolution gemms, gathered windows for
// maxpool_gemm and a transposed right operand for mm_gemm.
func Prepare(rng *rand.Rand, op kernels.Opcode, sizeM, sizeK uint64) (*Operands, error) {
	if _, err := device.Resolve(op, sizeM, sizeK); err != nil {
		return nil, err
	}
	n, k := int(sizeM), int(sizeK)
	ops := &Operands{Op: op, SizeM: sizeM, SizeK: sizeK}

	switch op {
	case kernels.OpConv2D:
		ops.M, ops.K = RandomFloats(rng, n*n), RandomFloats(rng, k*k)
	case kernels.OpConv3D:
		ops.M, ops.K = RandomFloats(rng, n*n*n), RandomFloats(rng, k*k*k)
	case kernels.OpConv2DGemm:
		ops.Input, ops.K = RandomFloats(rng, n*n), RandomFloats(rng, k*k)
		ops.M = make([]float32, n*n*k*k)
		start := time.Now()
		kernels.Unroll2D(ops.M, ops.Input, n, k)
		ops.PrepTime = time.Since(start)
	case kernels.OpConv3DGemm:
		ops.Input, ops.K = RandomFloats(rng, n*n*n), RandomFloats(rng, k*k*k)
		ops.M = make([]float32, n*n*n*k*k*k)
		start := time.Now()
		kernels.Unroll3D(ops.M, ops.Input, n, k)
		ops.PrepTime = time.Since(start)
	case kernels.OpMaxPool:
		ops.M = RandomFloats(rng, n*n)
	case kernels.OpMaxPoolGemm:
		if n%k != 0 {
			return nil, fmt.Errorf("%w: maxpool_gemm window %d does not divide %d", device.ErrInvalidShape, k, n)
		}
		ops.Input = RandomFloats(rng, n*n)
		ops.M = make([]float32, n*n)
		start := time.Now()
		kernels.UnrollPool(ops.M, ops.Input, n, k)
		ops.PrepTime = time.Since(start)
	case kernels.OpReLU:
		ops.M = RandomFloats(rng, n*n)
	case kernels.OpMM:
		ops.M, ops.K = RandomFloats(rng, n*n), RandomFloats(rng, n*n)
	case kernels.OpMMGemm:
		ops.M, ops.Kernel = RandomFloats(rng, n*n), RandomFloats(rng, n*n)
		ops.K = make([]float32, n*n)
		start := time.Now()
		kernels.Transpose(ops.K, ops.Kernel, n)
		ops.PrepTime = time.Since(start)
	}
	return ops, nil
}

// Reference runs the software kernel on the prepared operands.
func Reference(ops *Operands) ([]float32, error) {
	sizes, err := device.Resolve(ops.Op, ops.SizeM, ops.SizeK)
	if err != nil {
		return nil, err
	}
	fn, err := kernels.GetKernel(ops.Op)
	if err != nil {
		return nil, err
	}
	out := make([]float32, sizes.O)
	fn(ops.M, ops.K, out, int(ops.SizeM), int(ops.SizeK))
	return out, nil
}

// Compare counts the positions where a and b differ.
func Compare(a, b []float32) int {
	if len(a) != len(b) {
		return max(len(a), len(b))
	}
	diff := 0
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return diff
}
