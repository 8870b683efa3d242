package kernels

import "runtime"

// BatchSize determines the processing width for elementwise kernels
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		return 8 // AVX2 width in float32s
	case "arm64":
		return 4 // NEON width in float32s
	default:
		return 4
	}
}

// VectorizedKernel applies a scalar function in cache-friendly batches
type VectorizedKernel struct {
	scalar func(float32) float32
	batch  int
}

// NewVectorizedKernel creates a kernel that automatically batches operations
func NewVectorizedKernel(scalar func(float32) float32) *VectorizedKernel {
	return &VectorizedKernel{
		scalar: scalar,
		batch:  BatchSize(),
	}
}

// Execute runs the kernel in place over data
func (vk *VectorizedKernel) Execute(data []float32) {
	for i := 0; i < len(data); i += vk.batch {
		end := min(i+vk.batch, len(data))
		chunk := data[i:end]
		for j := range chunk {
			chunk[j] = vk.scalar(chunk[j])
		}
	}
}
