package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/host"
	"github.com/sbl8/gemmini/kernels"
	"github.com/sbl8/gemmini/memory"
)

var (
	testType = flag.String("test", "all", "Test type: all, conv, pool, activation, matrix, memory")
	size     = flag.Int("size", 64, "Input edge length")
	ksize    = flag.Int("k", host.KernelSize, "Convolution kernel edge length")
	iter     = flag.Int("iter", 10, "Number of iterations")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	fmt.Printf("gemmini Kernel Performance Tool\n")
	fmt.Printf("===============================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n", runtime.NumCPU())
	fmt.Printf("Input Size: %d\n", *size)
	fmt.Printf("Iterations: %d\n", *iter)
	fmt.Printf("Vector Batch: %d\n", kernels.BatchSize())
	fmt.Printf("\n")

	switch *testType {
	case "all":
		runAllTests()
	case "conv":
		runConvTests()
	case "pool":
		runPoolTests()
	case "activation":
		runActivationTests()
	case "matrix":
		runMatrixTests()
	case "memory":
		runMemoryModel()
	default:
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}
}

func runAllTests() {
	fmt.Printf("Running comprehensive performance tests...\n\n")
	runConvTests()
	runPoolTests()
	runActivationTests()
	runMatrixTests()
	runMemoryModel()
}

// timeKernel prepares operands once and runs the catalog kernel iter times.
func timeKernel(op kernels.Opcode, sizeM, sizeK int) (time.Duration, *host.Operands, error) {
	rng := rand.New(rand.NewSource(1))
	ops, err := host.Prepare(rng, op, uint64(sizeM), uint64(sizeK))
	if err != nil {
		return 0, nil, err
	}
	sizes, err := device.Resolve(op, uint64(sizeM), uint64(sizeK))
	if err != nil {
		return 0, nil, err
	}
	fn, err := kernels.GetKernel(op)
	if err != nil {
		return 0, nil, err
	}

	out := make([]float32, sizes.O)
	start := time.Now()
	for i := 0; i < *iter; i++ {
		fn(ops.M, ops.K, out, sizeM, sizeK)
	}
	return time.Since(start), ops, nil
}

func report(name string, op kernels.Opcode, sizeM, sizeK int, flopsPerIter float64) {
	d, ops, err := timeKernel(op, sizeM, sizeK)
	if err != nil {
		fmt.Printf("%-22s error: %v\n", name+":", err)
		return
	}
	gflops := flopsPerIter * float64(*iter) / d.Seconds() / 1e9
	fmt.Printf("%-22s %v (%.2f GFLOPS)\n", name+":", d, gflops)
	if *verbose && ops.PrepTime > 0 {
		fmt.Printf("  operand preparation:  %v\n", ops.PrepTime)
	}
}

func runConvTests() {
	fmt.Printf("Convolution Performance\n")
	fmt.Printf("-----------------------\n")

	n, k := *size, *ksize
	flops2D := 2 * float64(n*n) * float64(k*k)
	report("conv2d", kernels.OpConv2D, n, k, flops2D)
	report("conv2d_gemm", kernels.OpConv2DGemm, n, k, flops2D)

	// 3D volumes grow fast; keep them near the 2D footprint.
	n3 := max(k, n/4)
	flops3D := 2 * float64(n3*n3*n3) * float64(k*k*k)
	report("conv3d", kernels.OpConv3D, n3, k, flops3D)
	report("conv3d_gemm", kernels.OpConv3DGemm, n3, k, flops3D)

	fmt.Printf("\n")
}

func runPoolTests() {
	fmt.Printf("Pooling Performance\n")
	fmt.Printf("-------------------\n")

	n := *size - *size%host.PoolSize
	cmp := float64(n * n)
	report("maxpool", kernels.OpMaxPool, n, host.PoolSize, cmp)
	report("maxpool_gemm", kernels.OpMaxPoolGemm, n, host.PoolSize, cmp)

	fmt.Printf("\n")
}

func runActivationTests() {
	fmt.Printf("Activation Functions Performance\n")
	fmt.Printf("-------------------------------\n")

	n := *size
	report("relu", kernels.OpReLU, n, 0, float64(n*n))

	fmt.Printf("\n")
}

func runMatrixTests() {
	fmt.Printf("Matrix Operations Performance\n")
	fmt.Printf("----------------------------\n")

	sizes := []int{32, 64, 128}
	if *size < 128 {
		sizes = []int{16, 32, 64}
	}

	for _, n := range sizes {
		flops := 2 * float64(n) * float64(n) * float64(n)
		report(fmt.Sprintf("mm %dx%d", n, n), kernels.OpMM, n, 0, flops)
		report(fmt.Sprintf("mm_gemm %dx%d", n, n), kernels.OpMMGemm, n, 0, flops)
	}

	fmt.Printf("\n")
}

// runMemoryModel prints the simulated transfer cost of each opcode's buffers.
func runMemoryModel() {
	fmt.Printf("Memory Model (latency %d cycles, %d bytes/cycle)\n",
		memory.DefaultSpec().LatencyCycles, memory.DefaultSpec().BytesPerCycle)
	fmt.Printf("-----------------------------------------------\n")

	spec := memory.DefaultSpec()
	for _, b := range host.DefaultSuite() {
		sizes, err := device.Resolve(b.Op, b.SizeM, b.SizeK)
		if err != nil {
			fmt.Printf("%-14s error: %v\n", b.Op.String()+":", err)
			continue
		}
		m, k, o := sizes.Bytes()
		cycles := spec.EstimateCycles(m) + spec.EstimateCycles(o)
		if k > 0 {
			cycles += spec.EstimateCycles(k)
		}
		fmt.Printf("%-14s %10d bytes %10d cycles\n", b.Op.String()+":", sizes.TotalBytes(), cycles)
	}

	fmt.Printf("\n")
}
