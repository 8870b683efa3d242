package memory

import (
	"context"
	"errors"
	"testing"
)

type completion struct {
	addr    uint64
	payload []byte
	size    uint64
	abort   error
}

type recorder struct {
	calls []completion
}

func (r *recorder) OnTransferComplete(addr uint64, payload []byte, size uint64) error {
	r.calls = append(r.calls, completion{addr: addr, payload: payload, size: size})
	return nil
}

func (r *recorder) OnTransferAbort(addr uint64, cause error) error {
	r.calls = append(r.calls, completion{addr: addr, abort: cause})
	return nil
}

func testSpec() Spec {
	return Spec{Base: 0x1000, Size: 0x10000, LatencyCycles: 10, BytesPerCycle: 8, QueueDepth: 4}
}

func newTestController(t *testing.T) (*Controller, *recorder) {
	t.Helper()
	c, err := NewController(testSpec(), nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	r := &recorder{}
	c.Connect(r)
	return c, r
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultSpec().Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}

	bad := []Spec{
		{Size: 0, BytesPerCycle: 1, QueueDepth: 1},
		{Base: ^uint64(0), Size: 2, BytesPerCycle: 1, QueueDepth: 1},
		{Size: 1, LatencyCycles: -1, BytesPerCycle: 1, QueueDepth: 1},
		{Size: 1, BytesPerCycle: 0, QueueDepth: 1},
		{Size: 1, BytesPerCycle: 1, QueueDepth: 0},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("spec %d: expected validation error", i)
		}
		if _, err := NewController(s, nil); err == nil {
			t.Errorf("spec %d: NewController accepted invalid spec", i)
		}
	}
}

func TestContains(t *testing.T) {
	t.Parallel()
	s := testSpec()

	tests := []struct {
		addr, size uint64
		want       bool
	}{
		{0x1000, 0x10000, true},
		{0x1000, 0x10001, false},
		{0xfff, 1, false},
		{0x10fff, 1, true},
		{0x11000, 0, true},
		{0x11000, 1, false},
		{^uint64(0), 2, false},
	}
	for _, tt := range tests {
		if got := s.Contains(tt.addr, tt.size); got != tt.want {
			t.Errorf("Contains(%#x, %d) = %t, want %t", tt.addr, tt.size, got, tt.want)
		}
	}
}

func TestEstimateCycles(t *testing.T) {
	t.Parallel()
	s := testSpec()

	tests := []struct {
		bytes uint64
		want  int64
	}{
		{0, 10},
		{1, 11},
		{8, 11},
		{9, 12},
		{64, 18},
	}
	for _, tt := range tests {
		if got := s.EstimateCycles(tt.bytes); got != tt.want {
			t.Errorf("EstimateCycles(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}

	zero := Spec{BytesPerCycle: 1}
	if got := zero.EstimateCycles(0); got != 1 {
		t.Errorf("zero-latency empty transfer = %d cycles, want 1", got)
	}
}

func TestReadCompletesAfterLatency(t *testing.T) {
	t.Parallel()
	c, r := newTestController(t)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if _, err := c.WriteAt(data, 0x2000); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	buf := make([]byte, 16)
	c.InitiateTransfer(0x2000, 16, false, buf)

	want := testSpec().EstimateCycles(16)
	for i := int64(1); i < want; i++ {
		if err := c.Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if len(r.calls) != 0 {
			t.Fatalf("completion fired early at cycle %d", c.Cycle())
		}
	}
	if err := c.Tick(); err != nil {
		t.Fatalf("final tick: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("got %d completions, want 1", len(r.calls))
	}

	got := r.calls[0]
	if got.addr != 0x2000 || got.size != 16 || got.payload == nil {
		t.Fatalf("completion = %+v", got)
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], data[i])
		}
	}
	if !c.IsEmpty() {
		t.Error("controller should be empty")
	}
}

func TestWriteCompletesWithNilPayload(t *testing.T) {
	t.Parallel()
	c, r := newTestController(t)

	buf := []byte{9, 8, 7, 6}
	c.InitiateTransfer(0x3000, 4, true, buf)
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0].payload != nil || r.calls[0].abort != nil {
		t.Fatalf("completion = %+v", r.calls)
	}

	out := make([]byte, 4)
	if _, err := c.ReadAt(out, 0x3000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i := range buf {
		if out[i] != buf[i] {
			t.Errorf("memory[%d] = %d, want %d", i, out[i], buf[i])
		}
	}
}

func TestSerialService(t *testing.T) {
	t.Parallel()
	c, r := newTestController(t)

	c.InitiateTransfer(0x1000, 64, false, make([]byte, 64))
	c.InitiateTransfer(0x2000, 64, true, make([]byte, 64))
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	hist := c.Transfers()
	if len(hist) != 2 || len(r.calls) != 2 {
		t.Fatalf("got %d transfers, %d completions", len(hist), len(r.calls))
	}
	per := testSpec().EstimateCycles(64)
	if hist[0].Completed != per || hist[1].Completed != 2*per {
		t.Errorf("completion cycles = %d, %d; want %d, %d", hist[0].Completed, hist[1].Completed, per, 2*per)
	}

	transfers, bytes, busy := c.Totals()
	if transfers != 2 || bytes != 128 || busy != 2*per {
		t.Errorf("Totals() = %d, %d, %d", transfers, bytes, busy)
	}
	if c.BytesRead() != 64 || c.BytesWritten() != 64 {
		t.Errorf("read/written = %d/%d", c.BytesRead(), c.BytesWritten())
	}
}

func TestOutOfRangeAborts(t *testing.T) {
	t.Parallel()
	c, r := newTestController(t)

	c.InitiateTransfer(0x20000, 16, false, make([]byte, 16))
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(r.calls))
	}
	if !errors.Is(r.calls[0].abort, ErrOutOfRange) {
		t.Errorf("abort cause = %v, want ErrOutOfRange", r.calls[0].abort)
	}
	if transfers, _, _ := c.Totals(); transfers != 0 {
		t.Errorf("aborted transfer counted: %d", transfers)
	}

	if _, err := c.ReadAt(make([]byte, 4), 0x10); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadAt below base: got %v", err)
	}
	if _, err := c.WriteAt(make([]byte, 4), -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt negative offset: got %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	c, r := newTestController(t)

	for i := 0; i < testSpec().QueueDepth; i++ {
		c.InitiateTransfer(0x1000, 4, false, make([]byte, 4))
	}
	if len(r.calls) != 0 {
		t.Fatal("no callback expected while the queue has room")
	}
	c.InitiateTransfer(0x1000, 4, false, make([]byte, 4))
	if len(r.calls) != 1 || !errors.Is(r.calls[0].abort, ErrQueueFull) {
		t.Fatalf("overflow callbacks = %+v", r.calls)
	}
}

func TestUnwrittenMemoryReadsZero(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	// Straddle a page boundary with one written page.
	if _, err := c.WriteAt([]byte{0xff, 0xff}, 0x2ffe); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	out := []byte{1, 1, 1, 1}
	if _, err := c.ReadAt(out, 0x2ffe); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	want := []byte{0xff, 0xff, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestDrainHonoursContext(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.InitiateTransfer(0x1000, 4, false, make([]byte, 4))
	if err := c.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain: got %v, want context.Canceled", err)
	}
	if c.IsEmpty() {
		t.Error("cancelled drain should leave the transfer queued")
	}
}

func TestNoCompleter(t *testing.T) {
	t.Parallel()
	c, err := NewController(testSpec(), nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	c.InitiateTransfer(0x1000, 4, false, make([]byte, 4))
	if err := c.Drain(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("Drain: got %v, want ErrNoTarget", err)
	}
}
