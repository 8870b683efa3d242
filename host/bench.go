package host

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/sbl8/gemmini/kernels"
)

// Benchmark is one entry of the offload suite.
type Benchmark struct {
	Op           kernels.Opcode
	SizeM, SizeK uint64
	SkipVerify   bool // run the offload only
	Trace        bool // run on a device logging every trace channel
}

// Default suite shapes.
const (
	KernelSize = 3
	PoolSize   = 2
)

// DefaultSuite runs every opcode at its reference size.
func DefaultSuite() []Benchmark {
	return []Benchmark{
		{Op: kernels.OpConv2D, SizeM: 256, SizeK: KernelSize},
		{Op: kernels.OpConv2DGemm, SizeM: 85, SizeK: KernelSize},
		{Op: kernels.OpConv3D, SizeM: 40, SizeK: KernelSize},
		{Op: kernels.OpConv3DGemm, SizeM: 13, SizeK: KernelSize},
		{Op: kernels.OpMaxPool, SizeM: 256, SizeK: PoolSize},
		{Op: kernels.OpMaxPoolGemm, SizeM: 256, SizeK: PoolSize},
		{Op: kernels.OpReLU, SizeM: 256},
		{Op: kernels.OpMM, SizeM: 128},
		{Op: kernels.OpMMGemm, SizeM: 128},
	}
}

// Scale shrinks or grows the input sizes of a suite. Pooling sizes stay
// multiples of the window and no size drops below the kernel size.
func Scale(suite []Benchmark, factor float64) []Benchmark {
	out := make([]Benchmark, len(suite))
	for i, b := range suite {
		n := uint64(float64(b.SizeM) * factor)
		n = max(n, b.SizeK, 1)
		if (b.Op == kernels.OpMaxPool || b.Op == kernels.OpMaxPoolGemm) && b.SizeK > 0 {
			n -= n % b.SizeK
		}
		b.SizeM = n
		out[i] = b
	}
	return out
}

// Result is the outcome of one benchmark.
type Result struct {
	Benchmark
	Pass       bool
	Mismatches int
	SWTime     time.Duration
	HWTime     time.Duration
	MemTime    time.Duration
	HWCycles   int64
	Output     []float32
	Err        error
}

// Speedup compares the software path with the offload, both charged for
// operand preparation.
func (r Result) Speedup() float64 {
	hw := r.HWTime + r.MemTime
	if hw <= 0 {
		return 0
	}
	return float64(r.SWTime+r.MemTime) / float64(hw)
}

// Run executes one benchmark: prepare operands, time the software kernel,
// time the offload and compare the two outputs.
func (d *Driver) Run(ctx context.Context, b Benchmark, rng *rand.Rand) Result {
	res := Result{Benchmark: b}

	ops, err := Prepare(rng, b.Op, b.SizeM, b.SizeK)
	if err != nil {
		res.Err = err
		return res
	}
	res.MemTime = ops.PrepTime

	var want []float32
	if !b.SkipVerify {
		start := time.Now()
		want, err = Reference(ops)
		res.SWTime = time.Since(start)
		if err != nil {
			res.Err = err
			return res
		}
	}

	start := time.Now()
	got, cycles, err := d.Offload(ctx, b.Op, b.SizeM, b.SizeK, ops.M, ops.K)
	res.HWTime = time.Since(start)
	res.HWCycles = cycles
	res.Output = got
	if err != nil {
		res.Err = err
		return res
	}

	if !b.SkipVerify {
		res.Mismatches = Compare(want, got)
	}
	res.Pass = res.Mismatches == 0
	return res
}

// RunSuite runs every benchmark in order, stopping early only if ctx is done.
func (d *Driver) RunSuite(ctx context.Context, suite []Benchmark, rng *rand.Rand) []Result {
	results := make([]Result, 0, len(suite))
	for _, b := range suite {
		if ctx.Err() != nil {
			break
		}
		r := d.Run(ctx, b, rng)
		if err := d.Settle(); err != nil && r.Err == nil {
			r.Err = err
		}
		results = append(results, r)
		d.alloc.Reset()
	}
	return results
}

// WriteTable prints results in the status/bench/time layout, times in
// microseconds.
func WriteTable(w io.Writer, results []Result) error {
	var sb strings.Builder
	sb.WriteString("status bench        | sw_time | hw_time | mem_time | hw_cycles | speedup\n")
	sb.WriteString("------------------------------------------------------------------------\n")
	for _, r := range results {
		status := "PASS"
		switch {
		case !r.Pass:
			status = "FAIL"
		case r.SkipVerify:
			status = "SKIP"
		}
		fmt.Fprintf(&sb, "[%s] %-12s | %7d | %7d |  %7d | %9d |    %3.2f\n",
			status, r.Op, r.SWTime.Microseconds(), r.HWTime.Microseconds(),
			r.MemTime.Microseconds(), r.HWCycles, r.Speedup())
		if r.Err != nil {
			fmt.Fprintf(&sb, "       error: %v\n", r.Err)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
