// Package gemmini models a register-programmed tensor accelerator and the
// host software that drives it.
//
// The device exposes eight 64-bit registers. The host stages operands in
// guest memory, writes their addresses and shape parameters, selects one of
// nine kernels by opcode and writes the trigger register. The device then
// fetches its operands through asynchronous memory transfers, computes the
// kernel and writes the result back, reporting busy on the status register
// until the write-back completes. Only one job is in flight at a time.
//
// # Kernels
//
//	0 conv2d        3 conv3d_gemm    6 relu
//	1 conv2d_gemm   4 maxpool        7 mm
//	2 conv3d        5 maxpool_gemm   8 mm_gemm
//
// The gemm variants expect operands the host has already rearranged
// (receptive-field rows, gathered pooling windows or a transposed matrix).
//
// # Basic Usage
//
//	// Compile a workload script
//	gemmc jobs.gems jobs.gemw
//
//	// Run it, or the built-in suite, against the simulated device
//	gemmrun jobs.gemw
//	gemmrun -scale 0.25 -trace fsm
//
// # Package Structure
//
//   - core: buffer views, alignment, slab pool and float codecs
//   - kernels: the nine compute kernels and host-side operand layouts
//   - device: register protocol, size resolver, transfer state machine
//   - memory: simulated guest memory with a latency/bandwidth model
//   - host: allocator, driver, benchmark harness and parallel cluster
//   - model: workload representation and serialization
//   - compiler: workload script compilation
//   - cmd: command-line tools (gemmc, gemmrun, gemmperf)
package gemmini
