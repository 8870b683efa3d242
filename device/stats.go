package device

import "github.com/sbl8/gemmini/kernels"

// ExecutionStats tracks device activity
type ExecutionStats struct {
	JobsStarted      int64
	JobsCompleted    int64
	JobsAborted      int64
	Rejected         int64 // register accesses refused
	BytesRead        int64
	BytesWritten     int64
	KernelExecutions map[kernels.Opcode]int64
}

func newExecutionStats() ExecutionStats {
	return ExecutionStats{KernelExecutions: make(map[kernels.Opcode]int64)}
}

func (s ExecutionStats) clone() ExecutionStats {
	c := s
	c.KernelExecutions = make(map[kernels.Opcode]int64, len(s.KernelExecutions))
	for op, n := range s.KernelExecutions {
		c.KernelExecutions[op] = n
	}
	return c
}
