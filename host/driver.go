// Package host plays the guest program: it stages operands in simulated
// memory, programs the device registers, polls the status register and
// checks results against the software kernels.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/kernels"
	"github.com/sbl8/gemmini/memory"
)

var ErrCycleLimit = errors.New("device did not finish within the cycle limit")

// Options configures a Driver
type Options struct {
	Logger    *log.Logger // nil discards
	MaxCycles int64       // polling budget per call; 0 means unlimited
}

// DefaultOptions provides sensible driver defaults
func DefaultOptions() Options {
	return Options{
		MaxCycles: 1 << 32,
	}
}

// Driver owns one device, its memory controller and the guest allocator.
type Driver struct {
	dev   *device.Device
	mem   *memory.Controller
	alloc *Allocator
	opts  Options
}

// New wires a device to a fresh memory controller built from spec.
func New(spec memory.Spec, devOpts *device.Options, opts *Options) (*Driver, error) {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}

	mem, err := memory.NewController(spec, o.Logger)
	if err != nil {
		return nil, err
	}
	dev, err := device.New(mem, devOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	mem.Connect(dev)

	alloc := DefaultAllocator()
	if !spec.Contains(StaticBase, StaticSize) {
		// Fall back to the whole window for custom memories.
		alloc = NewAllocator(spec.Base, spec.Size)
	}

	return &Driver{dev: dev, mem: mem, alloc: alloc, opts: o}, nil
}

// Device returns the driven device.
func (d *Driver) Device() *device.Device { return d.dev }

// Memory returns the memory controller.
func (d *Driver) Memory() *memory.Controller { return d.mem }

// Allocator returns the guest allocator.
func (d *Driver) Allocator() *Allocator { return d.alloc }

// Call is the host side of one offload: program registers 0-5, write the
// trigger and poll status until the device reports idle. It returns the
// number of memory cycles the job took.
//
// Cancelling ctx stops the polling only; the job keeps running inside the
// device and the next Call will be rejected as busy until it drains.
func (d *Driver) Call(ctx context.Context, op kernels.Opcode, addrM, addrK, addrO, sizeM, sizeK uint64) (int64, error) {
	values := [...]uint64{addrM, addrK, addrO, sizeM, sizeK, uint64(op)}
	for i, v := range values {
		if err := d.dev.Write(device.Register(i), v); err != nil {
			return 0, err
		}
	}

	aborted := d.dev.Stats().JobsAborted
	if err := d.dev.Write(device.RegTrigger, 1); err != nil {
		return 0, err
	}
	d.logf("%s issued: m=%#x k=%#x o=%#x size_m=%d size_k=%d", op, addrM, addrK, addrO, sizeM, sizeK)

	start := d.mem.Cycle()
	for i := int64(0); ; i++ {
		status, err := d.dev.Read(device.RegStatus)
		if err != nil {
			return 0, err
		}
		if status == device.StatusIdle {
			break
		}
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return d.mem.Cycle() - start, err
			}
		}
		if d.opts.MaxCycles > 0 && i >= d.opts.MaxCycles {
			return d.mem.Cycle() - start, fmt.Errorf("%w (%d cycles)", ErrCycleLimit, i)
		}
		if err := d.mem.Tick(); err != nil {
			return d.mem.Cycle() - start, fmt.Errorf("%s: %w", op, err)
		}
	}

	cycles := d.mem.Cycle() - start
	if d.dev.Stats().JobsAborted != aborted {
		return cycles, fmt.Errorf("%s: %w", op, device.ErrTransferAborted)
	}
	d.logf("%s done in %d cycles", op, cycles)
	return cycles, nil
}

// Settle runs memory until the outstanding job, if any, has finished. A Call
// that returned early on cancellation or the cycle limit leaves the device
// busy; Settle makes the driver usable again.
func (d *Driver) Settle() error {
	if !d.dev.Busy() {
		return nil
	}
	if err := d.mem.Drain(context.Background()); err != nil {
		return fmt.Errorf("failed to settle device: %w", err)
	}
	if d.dev.Busy() {
		return errors.New("device still busy with memory drained")
	}
	return nil
}

// Offload stages m and k in guest memory, runs op and returns the output
// buffer together with the cycle count. k may be empty for opcodes that
// take a single operand.
func (d *Driver) Offload(ctx context.Context, op kernels.Opcode, sizeM, sizeK uint64, m, k []float32) ([]float32, int64, error) {
	sizes, err := device.Resolve(op, sizeM, sizeK)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(m)) < sizes.M || uint64(len(k)) < sizes.K {
		return nil, 0, fmt.Errorf("%w: %s needs %d/%d operand elements, got %d/%d",
			device.ErrInvalidShape, op, sizes.M, sizes.K, len(m), len(k))
	}

	addrM, err := d.stage(m[:sizes.M])
	if err != nil {
		return nil, 0, err
	}
	var addrK uint64
	if sizes.K > 0 {
		if addrK, err = d.stage(k[:sizes.K]); err != nil {
			return nil, 0, err
		}
	}
	oBytes := core.FloatBytes(sizes.O)
	addrO, err := d.alloc.Alloc(oBytes)
	if err != nil {
		return nil, 0, err
	}
	defer d.alloc.Free(addrO)
	defer d.alloc.Free(addrK)
	defer d.alloc.Free(addrM)

	cycles, err := d.Call(ctx, op, addrM, addrK, addrO, sizeM, sizeK)
	if err != nil {
		return nil, cycles, err
	}

	raw := make([]byte, oBytes)
	if _, err := d.mem.ReadAt(raw, int64(addrO)); err != nil {
		return nil, cycles, err
	}
	out, err := core.BytesToFloats(raw)
	return out, cycles, err
}

func (d *Driver) stage(f []float32) (uint64, error) {
	addr, err := d.alloc.Alloc(core.FloatBytes(uint64(len(f))))
	if err != nil {
		return 0, err
	}
	if _, err := d.mem.WriteAt(core.FloatsToBytes(f), int64(addr)); err != nil {
		return 0, err
	}
	return addr, nil
}

func (d *Driver) logf(format string, args ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Printf("host: "+format, args...)
	}
}
