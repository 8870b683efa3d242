package device

import (
	"fmt"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/kernels"
)

// Phase is the state machine position within a job.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFetchM
	PhaseFetchK
	PhaseComputeAndWriteback
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchM:
		return "fetch_m"
	case PhaseFetchK:
		return "fetch_k"
	case PhaseComputeAndWriteback:
		return "compute_writeback"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// OnTransferComplete is called by the memory subsystem when the outstanding
// transfer finishes. A non-nil payload means a read landed in the job buffer;
// a nil payload means the output write-back finished and the job is done.
//
// Ports that have no abort channel signal failure with a nil payload. One
// that arrives while an operand fetch is outstanding tears the job down
// through the abort path and reports ErrTransferAborted.
func (d *Device) OnTransferComplete(addr uint64, payload []byte, size uint64) error {
	d.tracef(TraceMem, "Mem: %d bytes from %#x (payload=%t)", size, addr, payload != nil)

	job := d.job
	if job == nil {
		return fmt.Errorf("%w: device idle, addr %#x", ErrUnexpectedTransfer, addr)
	}
	if addr != job.pending {
		return fmt.Errorf("%w: addr %#x, outstanding %#x", ErrUnexpectedTransfer, addr, job.pending)
	}

	if payload == nil {
		if job.phase != PhaseComputeAndWriteback {
			cause := fmt.Errorf("%w: empty completion during %s", ErrTransferAborted, job.phase)
			if err := d.abort(cause); err != nil {
				return err
			}
			return cause
		}
		d.stats.BytesWritten += int64(size)
		return d.finish()
	}

	switch job.phase {
	case PhaseFetchM:
		d.stats.BytesRead += int64(size)
		if job.Sizes.K > 0 {
			return d.fetchK()
		}
		return d.computeAndWriteback()
	case PhaseFetchK:
		d.stats.BytesRead += int64(size)
		return d.computeAndWriteback()
	default:
		return fmt.Errorf("%w: read completion during %s", ErrUnexpectedTransfer, job.phase)
	}
}

// OnTransferAbort is the explicit failure channel: the outstanding transfer
// will never complete. The job is dropped, its buffers released and the
// device returns to idle.
func (d *Device) OnTransferAbort(addr uint64, cause error) error {
	if d.job == nil {
		return fmt.Errorf("%w: abort while idle, addr %#x", ErrUnexpectedTransfer, addr)
	}
	return d.abort(cause)
}

// Each step updates the phase before issuing its transfer: a port that
// completes synchronously re-enters OnTransferComplete immediately.

func (d *Device) fetchM() error {
	job := d.job
	job.phase = PhaseFetchM
	d.tracef(TraceFSM, "FSM: retrieving m from memory")
	return d.issue(job.AddrM, RegionM, job.Sizes.M, false)
}

func (d *Device) fetchK() error {
	job := d.job
	job.phase = PhaseFetchK
	d.tracef(TraceFSM, "FSM: retrieving k from memory")
	return d.issue(job.AddrK, RegionK, job.Sizes.K, false)
}

func (d *Device) computeAndWriteback() error {
	job := d.job
	d.tracef(TraceFSM, "FSM: processing %s", job.Opcode)

	fn, err := kernels.GetKernel(job.Opcode)
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrInvalidOpcode, err)
		if aerr := d.abort(cause); aerr != nil {
			return aerr
		}
		return cause
	}

	a := job.arena
	fn(a.Floats(RegionM), a.Floats(RegionK), a.Floats(RegionO), int(job.SizeM), int(job.SizeK))
	d.stats.KernelExecutions[job.Opcode]++

	job.phase = PhaseComputeAndWriteback
	return d.issue(job.AddrO, RegionO, job.Sizes.O, true)
}

// issue starts the transfer of a region holding elems floats. A region whose
// length disagrees with the resolved size aborts the job before the port
// sees it.
func (d *Device) issue(addr uint64, region string, elems uint64, write bool) error {
	job := d.job
	buf := job.arena.Bytes(region)
	size := core.FloatBytes(elems)
	if elems > maxElems || uint64(len(buf)) != size {
		cause := fmt.Errorf("%w: region %s holds %d bytes, job needs %d elements", ErrInvalidShape, region, len(buf), elems)
		if err := d.abort(cause); err != nil {
			return err
		}
		return cause
	}
	job.pending = addr
	d.tracef(TraceMem, "Mem: %s %d bytes, region %s, addr %#x", direction(write), size, region, addr)
	d.port.InitiateTransfer(addr, size, write, buf)
	return nil
}

// finish ends the job after the output write-back.
func (d *Device) finish() error {
	job := d.job
	d.job = nil
	d.stats.JobsCompleted++
	d.tracef(TraceFSM, "FSM: %s done", job.Opcode)
	return job.arena.Release()
}

func (d *Device) abort(cause error) error {
	job := d.job
	d.job = nil
	d.stats.JobsAborted++
	d.tracef(TraceFSM, "FSM: %s aborted during %s: %v", job.Opcode, job.phase, cause)
	return job.arena.Release()
}

func direction(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
