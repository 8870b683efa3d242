package device

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/kernels"
)

// Sizes holds the element counts of the three working buffers of a job.
// K is zero when the opcode takes no second operand.
type Sizes struct {
	M, K, O uint64
}

// Bytes returns the byte sizes of the buffers.
func (s Sizes) Bytes() (m, k, o uint64) {
	return core.FloatBytes(s.M), core.FloatBytes(s.K), core.FloatBytes(s.O)
}

// maxElems is the largest element count whose byte size fits in a uint64.
const maxElems = math.MaxUint64 / core.Float32Size

// TotalBytes is the sum of the three buffer sizes in bytes. It saturates at
// math.MaxUint64 when the sum does not fit.
func (s Sizes) TotalBytes() uint64 {
	total, ok := s.totalBytes()
	if !ok {
		return math.MaxUint64
	}
	return total
}

func (s Sizes) totalBytes() (uint64, bool) {
	if s.M > maxElems || s.K > maxElems || s.O > maxElems {
		return 0, false
	}
	m, k, o := s.Bytes()
	sum, carry := bits.Add64(m, k, 0)
	sum, carry2 := bits.Add64(sum, o, carry)
	return sum, carry == 0 && carry2 == 0
}

// Resolve maps an opcode and its shape parameters to buffer element counts.
// Arithmetic is unsigned with truncating division; gemm variants size M for
// the pre-unrolled patch matrix.
func Resolve(op kernels.Opcode, sizeM, sizeK uint64) (Sizes, error) {
	var (
		s  Sizes
		ok = true
	)
	pow := func(x uint64, n int) uint64 {
		r := uint64(1)
		for i := 0; i < n; i++ {
			var v uint64
			v, ok = mul(r, x, ok)
			r = v
		}
		return r
	}

	switch op {
	case kernels.OpConv2D:
		s.M, s.K, s.O = pow(sizeM, 2), pow(sizeK, 2), pow(sizeM, 2)
	case kernels.OpConv2DGemm:
		s.K, s.O = pow(sizeK, 2), pow(sizeM, 2)
		s.M, ok = mul(s.O, s.K, ok)
	case kernels.OpConv3D:
		s.M, s.K, s.O = pow(sizeM, 3), pow(sizeK, 3), pow(sizeM, 3)
	case kernels.OpConv3DGemm:
		s.K, s.O = pow(sizeK, 3), pow(sizeM, 3)
		s.M, ok = mul(s.O, s.K, ok)
	case kernels.OpMaxPool, kernels.OpMaxPoolGemm:
		if sizeK == 0 {
			return Sizes{}, fmt.Errorf("%w: %s with zero pooling window", ErrInvalidShape, op)
		}
		s.M = pow(sizeM, 2)
		s.O = s.M / sizeK / sizeK
	case kernels.OpReLU:
		s.M, s.O = pow(sizeM, 2), pow(sizeM, 2)
	case kernels.OpMM, kernels.OpMMGemm:
		s.M = pow(sizeM, 2)
		s.K, s.O = s.M, s.M
	default:
		return Sizes{}, fmt.Errorf("%w: %d", ErrInvalidOpcode, uint8(op))
	}

	if ok {
		_, ok = s.totalBytes()
	}
	if !ok {
		return Sizes{}, fmt.Errorf("%w: %s size_m=%d size_k=%d overflows", ErrInvalidShape, op, sizeM, sizeK)
	}
	return s, nil
}

// mul multiplies with overflow tracking; once ok is false it stays false.
func mul(a, b uint64, ok bool) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, ok && hi == 0
}
