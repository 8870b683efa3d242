// Package memory simulates the guest memory subsystem the accelerator talks
// to. Transfers are queued, serviced one at a time on a cycle clock and
// completed by calling back into the requester.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sbl8/gemmini/core"
)

var (
	ErrOutOfRange = errors.New("address out of range")
	ErrQueueFull  = errors.New("transfer queue full")
	ErrNoTarget   = errors.New("no completer connected")
)

// Completer receives transfer completions. A nil payload reports a finished
// write; a non-nil payload carries the bytes of a finished read.
type Completer interface {
	OnTransferComplete(addr uint64, payload []byte, size uint64) error
	OnTransferAbort(addr uint64, cause error) error
}

// Transfer is the log record of one serviced request.
type Transfer struct {
	Addr      uint64
	Size      uint64
	Write     bool
	Issued    int64 // cycle the request was accepted
	Completed int64 // cycle the callback fired
	Err       error // non-nil when the transfer was aborted
}

type request struct {
	Transfer
	buf       []byte
	remaining int64
}

// Controller is a single-channel memory controller with sparse backing store.
type Controller struct {
	spec      Spec
	pages     map[uint64][]byte
	completer Completer
	logger    *log.Logger

	cycle   int64
	inputQ  []*request
	active  *request
	history []Transfer

	totalTransfers int64
	bytesRead      int64
	bytesWritten   int64
	busyCycles     int64
}

// NewController creates a controller for spec. logger may be nil.
func NewController(spec Spec, logger *log.Logger) (*Controller, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory spec: %w", err)
	}
	return &Controller{
		spec:   spec,
		pages:  make(map[uint64][]byte),
		logger: logger,
	}, nil
}

// Connect sets the component that receives completions.
func (c *Controller) Connect(completer Completer) {
	c.completer = completer
}

// Spec returns the controller configuration.
func (c *Controller) Spec() Spec {
	return c.spec
}

// InitiateTransfer queues an asynchronous transfer. For reads buf receives
// the data; for writes buf is copied out when the transfer is serviced, so the
// caller must keep it intact until completion.
func (c *Controller) InitiateTransfer(addr uint64, size uint64, write bool, buf []byte) {
	req := &request{
		Transfer: Transfer{Addr: addr, Size: size, Write: write, Issued: c.cycle},
		buf:      buf,
	}

	switch {
	case len(c.inputQ) >= c.spec.QueueDepth:
		// Nothing to schedule; fail the request immediately.
		req.Err = ErrQueueFull
		c.retire(req)
		return
	case !c.spec.Contains(addr, size):
		req.Err = fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, size)
	case uint64(len(buf)) < size:
		req.Err = fmt.Errorf("transfer buffer holds %d bytes, need %d", len(buf), size)
	}

	req.remaining = c.spec.EstimateCycles(size)
	c.inputQ = append(c.inputQ, req)
	c.logf("queued %s %#x+%d, %d cycles", direction(write), addr, size, req.remaining)
}

// Tick advances the clock by one cycle and fires at most one completion.
// The error is whatever the completer returned.
func (c *Controller) Tick() error {
	c.cycle++
	if c.active == nil {
		if len(c.inputQ) == 0 {
			return nil
		}
		c.active = c.inputQ[0]
		c.inputQ = c.inputQ[1:]
	}

	c.busyCycles++
	c.active.remaining--
	if c.active.remaining > 0 {
		return nil
	}

	req := c.active
	c.active = nil
	return c.retire(req)
}

// Drain ticks until no transfer is queued or in service, including those
// queued by completion callbacks.
func (c *Controller) Drain(ctx context.Context) error {
	for i := 0; !c.IsEmpty(); i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := c.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether no transfer is queued or in service.
func (c *Controller) IsEmpty() bool {
	return c.active == nil && len(c.inputQ) == 0
}

// Cycle returns the current clock value.
func (c *Controller) Cycle() int64 {
	return c.cycle
}

// Transfers returns the log of serviced transfers.
func (c *Controller) Transfers() []Transfer {
	return append([]Transfer(nil), c.history...)
}

// Totals expose aggregate statistics for reporting.
func (c *Controller) Totals() (transfers, bytes, busyCycles int64) {
	return c.totalTransfers, c.bytesRead + c.bytesWritten, c.busyCycles
}

// BytesRead and BytesWritten split the byte total by direction.
func (c *Controller) BytesRead() int64    { return c.bytesRead }
func (c *Controller) BytesWritten() int64 { return c.bytesWritten }

// ReadAt copies guest memory at off into p without going through the queue.
func (c *Controller) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if off < 0 || !c.spec.Contains(addr, uint64(len(p))) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, len(p))
	}
	c.copyOut(p, addr)
	return len(p), nil
}

// WriteAt copies p into guest memory at off without going through the queue.
func (c *Controller) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if off < 0 || !c.spec.Contains(addr, uint64(len(p))) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, len(p))
	}
	c.copyIn(addr, p)
	return len(p), nil
}

// retire performs the data movement of req and calls the completer.
func (c *Controller) retire(req *request) error {
	req.Completed = c.cycle
	c.history = append(c.history, req.Transfer)

	if c.completer == nil {
		return fmt.Errorf("%w: transfer %#x", ErrNoTarget, req.Addr)
	}
	if req.Err != nil {
		c.logf("abort %s %#x+%d: %v", direction(req.Write), req.Addr, req.Size, req.Err)
		return c.completer.OnTransferAbort(req.Addr, req.Err)
	}

	c.totalTransfers++
	if req.Write {
		c.copyIn(req.Addr, req.buf[:req.Size])
		c.bytesWritten += int64(req.Size)
		c.logf("done write %#x+%d at cycle %d", req.Addr, req.Size, c.cycle)
		return c.completer.OnTransferComplete(req.Addr, nil, req.Size)
	}
	payload := req.buf[:req.Size]
	c.copyOut(payload, req.Addr)
	c.bytesRead += int64(req.Size)
	c.logf("done read %#x+%d at cycle %d", req.Addr, req.Size, c.cycle)
	return c.completer.OnTransferComplete(req.Addr, payload, req.Size)
}

// Backing store is a sparse set of pages allocated on first write. Unwritten
// memory reads as zero.

func (c *Controller) copyIn(addr uint64, p []byte) {
	for len(p) > 0 {
		page, off := c.page(addr, true)
		n := copy(page[off:], p)
		p = p[n:]
		addr += uint64(n)
	}
}

func (c *Controller) copyOut(p []byte, addr uint64) {
	for len(p) > 0 {
		page, off := c.page(addr, false)
		var n int
		if page == nil {
			n = min(len(p), core.PageSize-int(off))
			clear(p[:n])
		} else {
			n = copy(p, page[off:])
		}
		p = p[n:]
		addr += uint64(n)
	}
}

func (c *Controller) page(addr uint64, create bool) ([]byte, uint64) {
	num := addr / core.PageSize
	off := addr % core.PageSize
	page, ok := c.pages[num]
	if !ok && create {
		page = make([]byte, core.PageSize)
		c.pages[num] = page
	}
	return page, off
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("memory: "+format, args...)
	}
}

func direction(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
