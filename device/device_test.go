package device

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/kernels"
)

type transfer struct {
	addr  uint64
	size  uint64
	write bool
	buf   []byte
}

// fakePort records transfers and completes them when told to.
type fakePort struct {
	memory    map[uint64][]byte
	transfers []transfer
	pending   []transfer
}

func newFakePort() *fakePort {
	return &fakePort{memory: make(map[uint64][]byte)}
}

func (p *fakePort) InitiateTransfer(addr, size uint64, write bool, buf []byte) {
	t := transfer{addr: addr, size: size, write: write, buf: buf}
	p.transfers = append(p.transfers, t)
	p.pending = append(p.pending, t)
}

// step completes the oldest pending transfer.
func (p *fakePort) step(t *testing.T, d *Device) error {
	t.Helper()
	if len(p.pending) == 0 {
		t.Fatal("no pending transfer")
	}
	tr := p.pending[0]
	p.pending = p.pending[1:]
	if tr.write {
		p.memory[tr.addr] = append([]byte(nil), tr.buf...)
		return d.OnTransferComplete(tr.addr, nil, tr.size)
	}
	copy(tr.buf, p.memory[tr.addr])
	return d.OnTransferComplete(tr.addr, tr.buf, tr.size)
}

// run completes transfers until the device goes idle.
func (p *fakePort) run(t *testing.T, d *Device) {
	t.Helper()
	for i := 0; d.Busy(); i++ {
		if i > 8 {
			t.Fatal("device did not finish")
		}
		if err := p.step(t, d); err != nil {
			t.Fatalf("transfer completion failed: %v", err)
		}
	}
}

// syncPort completes every transfer before InitiateTransfer returns.
type syncPort struct {
	dev    *Device
	memory map[uint64][]byte
	calls  int
}

func (p *syncPort) InitiateTransfer(addr, size uint64, write bool, buf []byte) {
	p.calls++
	if write {
		p.memory[addr] = append([]byte(nil), buf...)
		_ = p.dev.OnTransferComplete(addr, nil, size)
		return
	}
	copy(buf, p.memory[addr])
	_ = p.dev.OnTransferComplete(addr, buf, size)
}

func newTestDevice(t *testing.T, port Port) *Device {
	t.Helper()
	d, err := New(port, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func program(t *testing.T, d *Device, op kernels.Opcode, addrM, addrK, addrO, sizeM, sizeK uint64) error {
	t.Helper()
	values := [...]uint64{addrM, addrK, addrO, sizeM, sizeK, uint64(op)}
	for i, v := range values {
		if err := d.Write(Register(i), v); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	return d.Write(RegTrigger, 1)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op           kernels.Opcode
		sizeM, sizeK uint64
		want         Sizes
	}{
		{kernels.OpConv2D, 4, 3, Sizes{M: 16, K: 9, O: 16}},
		{kernels.OpConv2DGemm, 4, 3, Sizes{M: 144, K: 9, O: 16}},
		{kernels.OpConv3D, 4, 3, Sizes{M: 64, K: 27, O: 64}},
		{kernels.OpConv3DGemm, 2, 3, Sizes{M: 216, K: 27, O: 8}},
		{kernels.OpMaxPool, 4, 2, Sizes{M: 16, O: 4}},
		{kernels.OpMaxPool, 6, 3, Sizes{M: 36, O: 4}},
		{kernels.OpMaxPool, 5, 2, Sizes{M: 25, O: 6}},
		{kernels.OpMaxPoolGemm, 4, 2, Sizes{M: 16, O: 4}},
		{kernels.OpReLU, 5, 0, Sizes{M: 25, O: 25}},
		{kernels.OpMM, 3, 0, Sizes{M: 9, K: 9, O: 9}},
		{kernels.OpMMGemm, 3, 7, Sizes{M: 9, K: 9, O: 9}},
	}

	for _, tt := range tests {
		got, err := Resolve(tt.op, tt.sizeM, tt.sizeK)
		if err != nil {
			t.Errorf("Resolve(%s, %d, %d) failed: %v", tt.op, tt.sizeM, tt.sizeK, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%s, %d, %d) = %+v, want %+v", tt.op, tt.sizeM, tt.sizeK, got, tt.want)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	if _, err := Resolve(kernels.OpMaxPool, 4, 0); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("zero pooling window: got %v, want ErrInvalidShape", err)
	}
	if _, err := Resolve(kernels.Opcode(42), 4, 2); !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("unknown opcode: got %v, want ErrInvalidOpcode", err)
	}
	if _, err := Resolve(kernels.OpConv3DGemm, 1<<22, 1<<10); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("overflow: got %v, want ErrInvalidShape", err)
	}

	// Element counts that fit in a uint64 but whose byte sizes do not.
	byteOverflow := []struct {
		op           kernels.Opcode
		sizeM, sizeK uint64
	}{
		{kernels.OpConv2D, 1, 1 << 31},
		{kernels.OpConv3D, 1, 1 << 21},
		{kernels.OpMM, 1 << 31, 0},
	}
	for _, tt := range byteOverflow {
		if s, err := Resolve(tt.op, tt.sizeM, tt.sizeK); !errors.Is(err, ErrInvalidShape) {
			t.Errorf("Resolve(%s, %d, %d) = %+v, %v; want ErrInvalidShape", tt.op, tt.sizeM, tt.sizeK, s, err)
		}
	}
}

func TestTotalBytesSaturates(t *testing.T) {
	t.Parallel()
	s := Sizes{M: 1, K: 1 << 62, O: 1}
	if got := s.TotalBytes(); got != math.MaxUint64 {
		t.Errorf("TotalBytes() = %d, want saturation at MaxUint64", got)
	}
	if _, err := NewArena(nil, s); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("NewArena: got %v, want ErrInvalidShape", err)
	}
}

func TestIssueRejectsShortRegion(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	d := newTestDevice(t, port)

	arena, err := NewArena(nil, Sizes{M: 4, O: 4})
	if err != nil {
		t.Fatal(err)
	}
	d.job = &Job{
		Opcode: kernels.OpConv2D,
		AddrM:  0x1000,
		AddrK:  0x2000,
		SizeM:  2,
		SizeK:  2,
		Sizes:  Sizes{M: 4, K: 4, O: 4},
		arena:  arena,
	}

	if err := d.fetchM(); err != nil {
		t.Fatalf("fetchM: %v", err)
	}
	port.pending = nil
	if err := d.fetchK(); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("fetchK with missing region: got %v, want ErrInvalidShape", err)
	}
	if d.Busy() {
		t.Error("device should be idle after the job was dropped")
	}
	if len(port.transfers) != 1 {
		t.Errorf("transfers = %d, want only the M fetch", len(port.transfers))
	}
	if got := d.Stats().JobsAborted; got != 1 {
		t.Errorf("JobsAborted = %d, want 1", got)
	}
}

func TestSizesBytes(t *testing.T) {
	t.Parallel()
	s := Sizes{M: 16, K: 9, O: 16}
	m, k, o := s.Bytes()
	if m != 64 || k != 36 || o != 64 {
		t.Errorf("Bytes() = %d, %d, %d", m, k, o)
	}
	if s.TotalBytes() != 164 {
		t.Errorf("TotalBytes() = %d, want 164", s.TotalBytes())
	}
}

func TestReadRegisters(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, newFakePort())

	v, err := d.Read(RegStatus)
	if err != nil || v != StatusIdle {
		t.Fatalf("Read(status) = %d, %v; want %d", v, err, StatusIdle)
	}

	for idx := Register(0); idx < NumRegisters+2; idx++ {
		if idx == RegStatus {
			continue
		}
		_, err := d.Read(idx)
		if !errors.Is(err, ErrUnreadableRegister) {
			t.Errorf("Read(%s): got %v, want ErrUnreadableRegister", idx, err)
		}
	}
}

func TestWriteInvalidRegister(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, newFakePort())

	for _, idx := range []Register{RegStatus, 8, 100} {
		err := d.Write(idx, 1)
		if !errors.Is(err, ErrInvalidRegister) {
			t.Errorf("Write(%s): got %v, want ErrInvalidRegister", idx, err)
		}
		var regErr *RegisterError
		if !errors.As(err, &regErr) || regErr.Index != idx {
			t.Errorf("Write(%s): error does not carry the register index: %v", idx, err)
		}
	}
	if d.Busy() {
		t.Error("device should stay idle")
	}
}

func TestBusyRejectsWrites(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	d := newTestDevice(t, port)

	if err := program(t, d, kernels.OpConv2D, 0x1000, 0x2000, 0x3000, 4, 3); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if v, _ := d.Read(RegStatus); v != StatusBusy {
		t.Fatalf("status = %d, want busy", v)
	}

	for idx := Register(0); idx < NumRegisters+1; idx++ {
		if err := d.Write(idx, 7); !errors.Is(err, ErrBusy) {
			t.Errorf("Write(%s) while busy: got %v, want ErrBusy", idx, err)
		}
	}

	job, ok := d.Job()
	if !ok {
		t.Fatal("Job() reported no job")
	}
	if job.SizeM != 4 || job.AddrK != 0x2000 {
		t.Errorf("job registers were modified: %+v", job)
	}
	if got := d.Stats().Rejected; got != NumRegisters+1 {
		t.Errorf("Rejected = %d, want %d", got, NumRegisters+1)
	}
}

func TestTransferSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		op     kernels.Opcode
		sizeM  uint64
		sizeK  uint64
		phases []Phase
	}{
		{"conv2d", kernels.OpConv2D, 4, 3, []Phase{PhaseFetchM, PhaseFetchK, PhaseComputeAndWriteback}},
		{"mm", kernels.OpMM, 3, 0, []Phase{PhaseFetchM, PhaseFetchK, PhaseComputeAndWriteback}},
		{"relu", kernels.OpReLU, 4, 0, []Phase{PhaseFetchM, PhaseComputeAndWriteback}},
		{"maxpool", kernels.OpMaxPool, 4, 2, []Phase{PhaseFetchM, PhaseComputeAndWriteback}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			port := newFakePort()
			d := newTestDevice(t, port)

			if err := program(t, d, tt.op, 0x1000, 0x2000, 0x3000, tt.sizeM, tt.sizeK); err != nil {
				t.Fatalf("trigger failed: %v", err)
			}

			var phases []Phase
			for d.Busy() {
				phases = append(phases, d.Phase())
				if err := port.step(t, d); err != nil {
					t.Fatalf("step failed: %v", err)
				}
			}
			if len(phases) != len(tt.phases) {
				t.Fatalf("phases = %v, want %v", phases, tt.phases)
			}
			for i := range phases {
				if phases[i] != tt.phases[i] {
					t.Errorf("phase %d = %s, want %s", i, phases[i], tt.phases[i])
				}
			}

			sizes, _ := Resolve(tt.op, tt.sizeM, tt.sizeK)
			mBytes, kBytes, oBytes := sizes.Bytes()
			want := []transfer{{addr: 0x1000, size: mBytes}}
			if kBytes > 0 {
				want = append(want, transfer{addr: 0x2000, size: kBytes})
			}
			want = append(want, transfer{addr: 0x3000, size: oBytes, write: true})

			if len(port.transfers) != len(want) {
				t.Fatalf("got %d transfers, want %d", len(port.transfers), len(want))
			}
			for i, w := range want {
				got := port.transfers[i]
				if got.addr != w.addr || got.size != w.size || got.write != w.write {
					t.Errorf("transfer %d = {%#x %d %t}, want {%#x %d %t}",
						i, got.addr, got.size, got.write, w.addr, w.size, w.write)
				}
			}
		})
	}
}

func TestConv2DThroughDevice(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	d := newTestDevice(t, port)

	m := make([]float32, 16)
	for i := range m {
		m[i] = float32(i + 1)
	}
	k := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}
	port.memory[0x1000] = core.FloatsToBytes(m)
	port.memory[0x2000] = core.FloatsToBytes(k)

	if err := program(t, d, kernels.OpConv2D, 0x1000, 0x2000, 0x3000, 4, 3); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	port.run(t, d)

	got, err := core.BytesToFloats(port.memory[0x3000])
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := make([]float32, 16)
	fn, _ := kernels.GetKernel(kernels.OpConv2D)
	fn(m, k, want, 4, 3)

	if len(got) != len(want) {
		t.Fatalf("output has %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("o[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	// Corner of a 3x3 box sum over 1..16.
	if got[0] != 1+2+5+6 {
		t.Errorf("o[0] = %v, want 14", got[0])
	}
}

func TestIdleAfterCompletion(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	d := newTestDevice(t, port)

	for round := 0; round < 3; round++ {
		if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 4, 0); err != nil {
			t.Fatalf("round %d: trigger failed: %v", round, err)
		}
		port.run(t, d)
		if v, _ := d.Read(RegStatus); v != StatusIdle {
			t.Fatalf("round %d: status = %d, want idle", round, v)
		}
		if d.Phase() != PhaseIdle {
			t.Fatalf("round %d: phase = %s", round, d.Phase())
		}
	}

	stats := d.Stats()
	if stats.JobsStarted != 3 || stats.JobsCompleted != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.KernelExecutions[kernels.OpReLU] != 3 {
		t.Errorf("relu executions = %d, want 3", stats.KernelExecutions[kernels.OpReLU])
	}
	if stats.BytesRead != 3*64 || stats.BytesWritten != 3*64 {
		t.Errorf("bytes read/written = %d/%d", stats.BytesRead, stats.BytesWritten)
	}
	if d.opts.Pool.Outstanding() != 0 {
		t.Errorf("pool has %d outstanding slabs", d.opts.Pool.Outstanding())
	}
}

func TestSynchronousPort(t *testing.T) {
	t.Parallel()
	port := &syncPort{memory: make(map[uint64][]byte)}
	d := newTestDevice(t, port)
	port.dev = d

	port.memory[0x1000] = core.FloatsToBytes([]float32{-1, 2, -3, 4})
	if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 2, 0); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if d.Busy() {
		t.Fatal("device should be idle after synchronous completion")
	}
	got, _ := core.BytesToFloats(port.memory[0x3000])
	want := []float32{0, 2, 0, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("o[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if port.calls != 2 {
		t.Errorf("got %d transfers, want 2", port.calls)
	}
}

func TestTriggerRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		op    uint64
		sizeM uint64
		sizeK uint64
		want  error
	}{
		{"unknown opcode", 9, 4, 3, ErrInvalidOpcode},
		{"huge opcode", 1 << 40, 4, 3, ErrInvalidOpcode},
		{"zero pool window", uint64(kernels.OpMaxPool), 4, 0, ErrInvalidShape},
		{"window larger than input", uint64(kernels.OpMaxPool), 2, 4, ErrInvalidShape},
		{"empty input", uint64(kernels.OpReLU), 0, 0, ErrInvalidShape},
		{"over buffer limit", uint64(kernels.OpMM), 1 << 16, 0, ErrInvalidShape},
		{"conv2d byte size overflow", uint64(kernels.OpConv2D), 1, 1 << 31, ErrInvalidShape},
		{"conv3d byte size overflow", uint64(kernels.OpConv3D), 1, 1 << 21, ErrInvalidShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			port := newFakePort()
			d := newTestDevice(t, port)
			_ = d.Write(RegSizeM, tt.sizeM)
			_ = d.Write(RegSizeK, tt.sizeK)
			_ = d.Write(RegOpcode, tt.op)

			err := d.Write(RegTrigger, 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("trigger: got %v, want %v", err, tt.want)
			}
			if d.Busy() || len(port.transfers) != 0 {
				t.Error("rejected trigger must leave the device idle with no transfers")
			}
		})
	}
}

func TestUnexpectedCompletion(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	d := newTestDevice(t, port)

	if err := d.OnTransferComplete(0x1000, []byte{1}, 1); !errors.Is(err, ErrUnexpectedTransfer) {
		t.Errorf("completion while idle: got %v", err)
	}
	if err := d.OnTransferAbort(0x1000, errors.New("boom")); !errors.Is(err, ErrUnexpectedTransfer) {
		t.Errorf("abort while idle: got %v", err)
	}

	if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 2, 0); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if err := d.OnTransferComplete(0x9999, make([]byte, 16), 16); !errors.Is(err, ErrUnexpectedTransfer) {
		t.Errorf("address mismatch: got %v", err)
	}
	if !d.Busy() || d.Phase() != PhaseFetchM {
		t.Errorf("mismatched completion must not advance the job (phase %s)", d.Phase())
	}
}

func TestAbort(t *testing.T) {
	t.Parallel()

	t.Run("explicit", func(t *testing.T) {
		t.Parallel()
		port := newFakePort()
		d := newTestDevice(t, port)
		if err := program(t, d, kernels.OpConv2D, 0x1000, 0x2000, 0x3000, 4, 3); err != nil {
			t.Fatalf("trigger failed: %v", err)
		}
		if err := port.step(t, d); err != nil {
			t.Fatalf("fetch m: %v", err)
		}
		if err := d.OnTransferAbort(0x2000, errors.New("bus error")); err != nil {
			t.Fatalf("abort failed: %v", err)
		}
		if d.Busy() {
			t.Fatal("device should be idle after abort")
		}
		if d.Stats().JobsAborted != 1 {
			t.Errorf("JobsAborted = %d", d.Stats().JobsAborted)
		}
		if d.opts.Pool.Outstanding() != 0 {
			t.Error("abort leaked the job buffers")
		}
		if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 2, 0); err != nil {
			t.Fatalf("re-trigger after abort: %v", err)
		}
	})

	t.Run("nil payload during fetch", func(t *testing.T) {
		t.Parallel()
		port := newFakePort()
		d := newTestDevice(t, port)
		if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 2, 0); err != nil {
			t.Fatalf("trigger failed: %v", err)
		}
		err := d.OnTransferComplete(0x1000, nil, 0)
		if !errors.Is(err, ErrTransferAborted) {
			t.Fatalf("got %v, want ErrTransferAborted", err)
		}
		if d.Busy() {
			t.Fatal("device should be idle after abort")
		}
	})
}

func TestArenaLayout(t *testing.T) {
	t.Parallel()
	pool := core.NewBufferPool()

	a, err := NewArena(pool, Sizes{M: 16, K: 9, O: 16})
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	for _, name := range []string{RegionM, RegionK, RegionO} {
		r, ok := a.Region(name)
		if !ok {
			t.Fatalf("missing region %s", name)
		}
		if r.Offset%core.CacheLineSize != 0 {
			t.Errorf("region %s offset %d not cache aligned", name, r.Offset)
		}
	}
	if got := len(a.Floats(RegionK)); got != 9 {
		t.Errorf("K has %d elements, want 9", got)
	}
	if a.TotalSize() != 3*core.CacheLineSize {
		t.Errorf("TotalSize = %d, want %d", a.TotalSize(), 3*core.CacheLineSize)
	}

	noK, err := NewArena(pool, Sizes{M: 4, O: 4})
	if err != nil {
		t.Fatalf("NewArena without K failed: %v", err)
	}
	if _, ok := noK.Region(RegionK); ok {
		t.Error("K region should not exist when K is empty")
	}
	if noK.Bytes(RegionK) != nil {
		t.Error("Bytes of missing region should be nil")
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !errors.Is(a.Release(), ErrDoubleRelease) {
		t.Error("second Release should report ErrDoubleRelease")
	}
	if a.Bytes(RegionM) != nil {
		t.Error("released arena should not hand out bytes")
	}
	_ = noK.Release()
	if pool.Outstanding() != 0 {
		t.Errorf("pool has %d outstanding slabs", pool.Outstanding())
	}

	if _, err := NewArena(pool, Sizes{M: 0, O: 4}); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("empty M: got %v", err)
	}
}

func TestTraceLogging(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	port := newFakePort()
	d, err := New(port, &Options{
		Logger: log.New(&buf, "", 0),
		Trace:  TracePI | TraceFSM,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := program(t, d, kernels.OpReLU, 0x1000, 0, 0x3000, 2, 0); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	port.run(t, d)

	out := buf.String()
	for _, want := range []string{"PI:", "FSM: retrieving m", "FSM: relu done"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Mem:") {
		t.Error("Mem channel was not enabled")
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	if PhaseFetchK.String() != "fetch_k" {
		t.Errorf("PhaseFetchK.String() = %q", PhaseFetchK.String())
	}
	if Phase(9).String() != "phase(9)" {
		t.Errorf("Phase(9).String() = %q", Phase(9).String())
	}
	if RegSizeK.String() != "r[4](size_k)" {
		t.Errorf("RegSizeK.String() = %q", RegSizeK.String())
	}
}

func TestParseTrace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Trace
	}{
		{"", 0},
		{"pi", TracePI},
		{"PI, fsm", TracePI | TraceFSM},
		{"all", TraceAll},
		{"mem,mem", TraceMem},
	}
	for _, tt := range tests {
		got, err := ParseTrace(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseTrace(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseTrace("pi,bus"); err == nil {
		t.Error("unknown channel should fail")
	}
}
