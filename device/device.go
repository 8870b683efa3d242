// Package device models the gemmini accelerator: a memory-mapped block that
// runs one tensor kernel at a time on operands it fetches from guest memory.
//
// The host programs the device through eight registers:
//
//	0 addr_m   1 addr_k   2 addr_o   3 size_m
//	4 size_k   5 opcode   6 trigger  7 status
//
// Writing the trigger register sizes and allocates the job buffers, then
// starts the transfer state machine. The device issues asynchronous transfers
// through a Port and is re-entered by the memory subsystem through
// OnTransferComplete and OnTransferAbort. While a job is in flight every
// register write is rejected with ErrBusy; status reads 0 until the final
// write-back completes.
//
// The device is single-threaded by contract: the memory subsystem must not
// call back concurrently with Read or Write.
package device

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/kernels"
)

// Port is the memory subsystem side of the transfer contract. InitiateTransfer
// is asynchronous: reads land in buf, writes copy buf out, and completion is
// reported later through the device callbacks.
type Port interface {
	InitiateTransfer(addr uint64, size uint64, write bool, buf []byte)
}

// Trace selects the debug channels written to Options.Logger.
type Trace uint8

const (
	TracePI  Trace = 1 << iota // register accesses
	TraceMem                   // transfers
	TraceFSM                   // state machine steps

	TraceAll = TracePI | TraceMem | TraceFSM
)

// ParseTrace reads a comma-separated channel list such as "pi,fsm".
// "all" enables every channel and an empty string none.
func ParseTrace(s string) (Trace, error) {
	var t Trace
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "pi":
			t |= TracePI
		case "mem":
			t |= TraceMem
		case "fsm":
			t |= TraceFSM
		case "all":
			t |= TraceAll
		default:
			return 0, fmt.Errorf("unknown trace channel %q", name)
		}
	}
	return t, nil
}

// Options configures a Device
type Options struct {
	Logger         *log.Logger      // destination for trace output; nil discards
	Trace          Trace            // enabled trace channels
	Pool           *core.BufferPool // slab pool for job buffers; nil creates one
	MaxBufferBytes uint64           // upper bound on M+K+O bytes per job
}

// DefaultOptions provides sensible device defaults
func DefaultOptions() Options {
	return Options{
		MaxBufferBytes: 1 << 30,
	}
}

// Job is the single in-flight unit of work together with its buffers.
type Job struct {
	Opcode kernels.Opcode
	AddrM  uint64
	AddrK  uint64
	AddrO  uint64
	SizeM  uint64
	SizeK  uint64
	Sizes  Sizes

	phase   Phase
	pending uint64 // address of the outstanding transfer
	arena   *Arena
}

// Device is one accelerator instance.
type Device struct {
	regs  staging
	job   *Job
	port  Port
	opts  Options
	stats ExecutionStats
}

// New creates an idle device that issues transfers through port.
func New(port Port, opts *Options) (*Device, error) {
	if port == nil {
		return nil, errors.New("device port cannot be nil")
	}
	o := DefaultOptions()
	if opts != nil {
		o = *opts
		if o.MaxBufferBytes == 0 {
			o.MaxBufferBytes = DefaultOptions().MaxBufferBytes
		}
	}
	if o.Pool == nil {
		o.Pool = core.NewBufferPool()
	}
	return &Device{
		port:  port,
		opts:  o,
		stats: newExecutionStats(),
	}, nil
}

// Read returns the value of a readable register. Only status is readable.
func (d *Device) Read(idx Register) (uint64, error) {
	if idx != RegStatus {
		d.stats.Rejected++
		return 0, &RegisterError{Op: "read", Index: idx, Err: ErrUnreadableRegister}
	}
	return d.Status(), nil
}

// Write stores value into a staging register or, for the trigger register,
// starts a job. Any write while busy is rejected.
func (d *Device) Write(idx Register, value uint64) error {
	d.tracef(TracePI, "PI: %#x -> %s", value, idx)

	if d.Busy() {
		d.stats.Rejected++
		return &RegisterError{Op: "write", Index: idx, Value: value, Err: ErrBusy}
	}

	switch {
	case idx < RegTrigger:
		d.regs[idx] = value
		return nil
	case idx == RegTrigger:
		if err := d.trigger(); err != nil {
			d.stats.Rejected++
			return &RegisterError{Op: "write", Index: idx, Value: value, Err: err}
		}
		return nil
	default:
		d.stats.Rejected++
		return &RegisterError{Op: "write", Index: idx, Value: value, Err: ErrInvalidRegister}
	}
}

// Status returns StatusBusy while a job is in flight and StatusIdle otherwise.
func (d *Device) Status() uint64 {
	if d.Busy() {
		return StatusBusy
	}
	return StatusIdle
}

// Busy reports whether a job is in flight.
func (d *Device) Busy() bool {
	return d.job != nil
}

// Phase returns the state machine position of the current job.
func (d *Device) Phase() Phase {
	if d.job == nil {
		return PhaseIdle
	}
	return d.job.phase
}

// Job returns a copy of the in-flight job descriptor, if any.
func (d *Device) Job() (Job, bool) {
	if d.job == nil {
		return Job{}, false
	}
	j := *d.job
	j.arena = nil
	return j, true
}

// Stats returns a snapshot of the execution statistics.
func (d *Device) Stats() ExecutionStats {
	return d.stats.clone()
}

// trigger resolves, allocates and starts a job from the staging registers.
// On error the device stays idle.
func (d *Device) trigger() error {
	raw := d.regs[RegOpcode]
	if raw >= uint64(kernels.NumOpcodes) {
		return fmt.Errorf("%w: %d", ErrInvalidOpcode, raw)
	}
	op := kernels.Opcode(raw)

	sizes, err := Resolve(op, d.regs[RegSizeM], d.regs[RegSizeK])
	if err != nil {
		return err
	}
	if total := sizes.TotalBytes(); total > d.opts.MaxBufferBytes {
		return fmt.Errorf("%w: job needs %d bytes, limit %d", ErrInvalidShape, total, d.opts.MaxBufferBytes)
	}

	arena, err := NewArena(d.opts.Pool, sizes)
	if err != nil {
		return err
	}

	d.job = &Job{
		Opcode: op,
		AddrM:  d.regs[RegAddrM],
		AddrK:  d.regs[RegAddrK],
		AddrO:  d.regs[RegAddrO],
		SizeM:  d.regs[RegSizeM],
		SizeK:  d.regs[RegSizeK],
		Sizes:  sizes,
		arena:  arena,
	}
	d.stats.JobsStarted++

	d.tracef(TracePI, "started %s: addr_m=%#x addr_k=%#x addr_o=%#x size_m=%d size_k=%d (m=%d k=%d o=%d elements)",
		op, d.job.AddrM, d.job.AddrK, d.job.AddrO, d.job.SizeM, d.job.SizeK, sizes.M, sizes.K, sizes.O)

	return d.fetchM()
}

func (d *Device) tracef(flag Trace, format string, args ...any) {
	if d.opts.Logger == nil || d.opts.Trace&flag == 0 {
		return
	}
	d.opts.Logger.Printf(format, args...)
}
