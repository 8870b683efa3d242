// Package kernels provides the compute kernels of the gemmini accelerator.
//
// Every kernel is a pure function over flat row-major float32 buffers. The
// same catalog is used by the device model and by host-side verification, so
// software reference results and device results can never drift apart.
//
// Available operations:
//   - Convolution: direct 2D/3D correlation with zero padding
//   - GEMM convolution: one dot product per output over pre-unrolled patches
//   - Pooling: non-overlapping max pooling, direct and pre-gathered
//   - Activation: ReLU
//   - Linear algebra: square matrix multiply, plain and transposed operand
//
// Kernels are registered in the Catalog array for dispatch by opcode.
package kernels

import (
	"errors"
	"fmt"
)

// Opcode selects one of the fixed device kernels.
type Opcode uint8

// Kernel operation codes, in register encoding order.
const (
	OpConv2D Opcode = iota
	OpConv2DGemm
	OpConv3D
	OpConv3DGemm
	OpMaxPool
	OpMaxPoolGemm
	OpReLU
	OpMM
	OpMMGemm

	NumOpcodes = int(OpMMGemm) + 1
)

// ErrUnknownOpcode is returned when an opcode outside the fixed set is dispatched.
var ErrUnknownOpcode = errors.New("unknown opcode")

var opcodeNames = [NumOpcodes]string{
	OpConv2D:      "conv2d",
	OpConv2DGemm:  "conv2d_gemm",
	OpConv3D:      "conv3d",
	OpConv3DGemm:  "conv3d_gemm",
	OpMaxPool:     "maxpool",
	OpMaxPoolGemm: "maxpool_gemm",
	OpReLU:        "relu",
	OpMM:          "mm",
	OpMMGemm:      "mm_gemm",
}

// Valid reports whether op is one of the nine device opcodes.
func (op Opcode) Valid() bool {
	return int(op) < NumOpcodes
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
	return opcodeNames[op]
}

// ParseOpcode resolves a kernel name such as "conv2d_gemm".
func ParseOpcode(name string) (Opcode, error) {
	for i, n := range opcodeNames {
		if n == name {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpcode, name)
}

// KernelFn computes o from m and k. sizeM and sizeK are the shape parameters
// as programmed into the device; their meaning depends on the opcode.
type KernelFn func(m, k, o []float32, sizeM, sizeK int)

// Catalog maps opcodes to kernel implementations
var Catalog = [NumOpcodes]KernelFn{
	OpConv2D:      conv2D,
	OpConv2DGemm:  conv2DGemm,
	OpConv3D:      conv3D,
	OpConv3DGemm:  conv3DGemm,
	OpMaxPool:     maxPool,
	OpMaxPoolGemm: maxPoolGemm,
	OpReLU:        relu,
	OpMM:          mm,
	OpMMGemm:      mmGemm,
}

// GetKernel returns the kernel function for the given opcode
func GetKernel(op Opcode) (KernelFn, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(op))
	}
	return Catalog[op], nil
}

// -------- Convolution ----------

// conv2D correlates an sizeM x sizeM grid with an sizeK x sizeK kernel
// centred on each cell. Neighbours outside the grid contribute zero.
func conv2D(m, k, o []float32, sizeM, sizeK int) {
	half := sizeK / 2
	for i := 0; i < sizeM; i++ {
		for j := 0; j < sizeM; j++ {
			var sum float32
			for w := 0; w < sizeK; w++ {
				mi := i + w - half
				if mi < 0 || mi >= sizeM {
					continue
				}
				for x := 0; x < sizeK; x++ {
					mj := j + x - half
					if mj < 0 || mj >= sizeM {
						continue
					}
					sum += m[mi*sizeM+mj] * k[w*sizeK+x]
				}
			}
			o[i*sizeM+j] = sum
		}
	}
}

// conv3D is conv2D over an sizeM^3 volume with an sizeK^3 kernel.
func conv3D(m, k, o []float32, sizeM, sizeK int) {
	half := sizeK / 2
	plane := sizeM * sizeM
	kplane := sizeK * sizeK
	for i := 0; i < sizeM; i++ {
		for j := 0; j < sizeM; j++ {
			for w := 0; w < sizeM; w++ {
				var sum float32
				for x := 0; x < sizeK; x++ {
					mi := i + x - half
					if mi < 0 || mi >= sizeM {
						continue
					}
					for y := 0; y < sizeK; y++ {
						mj := j + y - half
						if mj < 0 || mj >= sizeM {
							continue
						}
						for z := 0; z < sizeK; z++ {
							mw := w + z - half
							if mw < 0 || mw >= sizeM {
								continue
							}
							sum += m[mi*plane+mj*sizeM+mw] * k[x*kplane+y*sizeK+z]
						}
					}
				}
				o[i*plane+j*sizeM+w] = sum
			}
		}
	}
}

// convGemm reduces each row of the unrolled patch matrix a against the
// flattened kernel: o[i] = sum_j a[i*kElems+j] * k[j].
func convGemm(a, k, o []float32, outElems, kElems int) {
	kernel := k[:kElems]
	for i := 0; i < outElems; i++ {
		o[i] = Dot(a[i*kElems:(i+1)*kElems], kernel)
	}
}

func conv2DGemm(a, k, o []float32, sizeM, sizeK int) {
	convGemm(a, k, o, sizeM*sizeM, sizeK*sizeK)
}

func conv3DGemm(a, k, o []float32, sizeM, sizeK int) {
	convGemm(a, k, o, sizeM*sizeM*sizeM, sizeK*sizeK*sizeK)
}

// -------- Pooling ----------

// maxPool takes the maximum of each non-overlapping sizeK x sizeK window.
// A trailing partial window is ignored when sizeK does not divide sizeM.
func maxPool(m, _, o []float32, sizeM, sizeK int) {
	if sizeK <= 0 {
		return
	}
	cells := sizeM / sizeK
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			best := m[i*sizeK*sizeM+j*sizeK]
			for w := 0; w < sizeK; w++ {
				row := (i*sizeK + w) * sizeM
				for x := 0; x < sizeK; x++ {
					if v := m[row+j*sizeK+x]; v > best {
						best = v
					}
				}
			}
			o[i*sizeM/sizeK+j] = best
		}
	}
}

// maxPoolGemm computes the same maxima over a buffer where each window is
// already contiguous (see UnrollPool).
//
// The output row stride is sizeM/2, not sizeM/sizeK: this matches the device
// as deployed and only agrees with maxPool when sizeK == 2. Cells whose
// index lands outside o are dropped.
func maxPoolGemm(a, _, o []float32, sizeM, sizeK int) {
	if sizeK <= 0 {
		return
	}
	cells := sizeM / sizeK
	window := sizeK * sizeK
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			offset := (i*sizeM/sizeK + j) * window
			if offset+window > len(a) {
				continue
			}
			best := a[offset]
			for _, v := range a[offset : offset+window] {
				if v > best {
					best = v
				}
			}
			if idx := i*sizeM/2 + j; idx < len(o) {
				o[idx] = best
			}
		}
	}
}

// -------- Activation ----------

var reluKernel = NewVectorizedKernel(func(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
})

func relu(m, _, o []float32, sizeM, _ int) {
	n := sizeM * sizeM
	copy(o[:n], m[:n])
	reluKernel.Execute(o[:n])
}

// -------- Matrix multiplication ----------

func mm(a, b, c []float32, sizeM, _ int) {
	MatMul(a, sizeM, sizeM, b, sizeM, c)
}

// mmGemm expects b already transposed so both operands are read row-wise.
func mmGemm(a, b, c []float32, sizeM, _ int) {
	MatMulTransposed(a, b, c, sizeM)
}
