// Package model defines the workload representation consumed by the runner.
//
// A Workload is an ordered list of offload jobs plus the seed used to draw
// their operands. Workloads are produced by the compiler from .gems scripts
// and stored in a compact binary format (.gemw) with a gob fallback.
package model

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/kernels"
)

const (
	workloadMagic   = 0x574D4547 // "GEMW"
	workloadVersion = 1
	headerSize      = 16
)

// Job flags
const (
	FlagNoVerify uint32 = 1 << iota // skip the software comparison
	FlagTrace                       // trace device activity for this job
)

var ErrBadChecksum = errors.New("workload checksum mismatch")

// Job is one offload request
type Job struct {
	ID     uint16
	Opcode kernels.Opcode
	SizeM  uint32
	SizeK  uint32
	Flags  uint32
}

// Workload is an ordered set of jobs sharing one operand seed
type Workload struct {
	Seed int64
	Jobs []Job
}

// JobSize returns the size in bytes of a serialized Job entry
func JobSize() int {
	return 16
}

// JobCount returns the number of jobs in the workload
func (w *Workload) JobCount() int {
	return len(w.Jobs)
}

// Serialize writes the Workload in the binary format:
// header (magic, version, job count, seed), fixed-size jobs, crc32 trailer.
func (w *Workload) Serialize() ([]byte, error) {
	if len(w.Jobs) > 0xFFFF {
		return nil, fmt.Errorf("too many jobs: %d", len(w.Jobs))
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(w.Jobs)*JobSize() + 4)

	header := []any{
		uint32(workloadMagic),
		uint16(workloadVersion),
		uint16(len(w.Jobs)),
		w.Seed,
	}
	for _, field := range header {
		if err := binary.Write(&buf, binary.LittleEndian, field); err != nil {
			return nil, err
		}
	}

	for _, job := range w.Jobs {
		fields := []any{
			job.ID,
			uint8(job.Opcode),
			uint8(0), // reserved
			job.SizeM,
			job.SizeK,
			job.Flags,
		}
		for _, field := range fields {
			if err := binary.Write(&buf, binary.LittleEndian, field); err != nil {
				return nil, err
			}
		}
	}

	sum := core.Checksum(buf.Bytes())
	if err := binary.Write(&buf, binary.LittleEndian, sum); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize reads a Workload from the binary format
func Deserialize(data []byte) (*Workload, error) {
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("workload too short: %d bytes", len(data))
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if got, want := core.Checksum(body), binary.LittleEndian.Uint32(trailer); got != want {
		return nil, fmt.Errorf("%w: %08x != %08x", ErrBadChecksum, got, want)
	}

	r := bytes.NewReader(body)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != workloadMagic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}

	var version, count uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != workloadVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	w := &Workload{}
	if err := binary.Read(r, binary.LittleEndian, &w.Seed); err != nil {
		return nil, err
	}
	if r.Len() != int(count)*JobSize() {
		return nil, fmt.Errorf("expected %d jobs, found %d bytes of job data", count, r.Len())
	}

	w.Jobs = make([]Job, count)
	for i := range w.Jobs {
		var raw struct {
			ID       uint16
			Opcode   uint8
			Reserved uint8
			SizeM    uint32
			SizeK    uint32
			Flags    uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}
		w.Jobs[i] = Job{
			ID:     raw.ID,
			Opcode: kernels.Opcode(raw.Opcode),
			SizeM:  raw.SizeM,
			SizeK:  raw.SizeK,
			Flags:  raw.Flags,
		}
	}
	return w, nil
}

// SerializeGob writes the Workload using gob encoding (fallback)
func (w *Workload) SerializeGob() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeGob reads a Workload from gob-encoded data (fallback)
func DeserializeGob(data []byte) (*Workload, error) {
	var w Workload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads a workload file, trying the binary format first and falling
// back to gob for files without the magic header.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == workloadMagic {
		return Deserialize(data)
	}
	w, err := DeserializeGob(data)
	if err != nil {
		return nil, fmt.Errorf("%s: not a workload file: %w", path, err)
	}
	return w, nil
}

// Save writes w to path in the binary format.
func (w *Workload) Save(path string) error {
	data, err := w.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks workload consistency: unique job IDs and shapes the
// device accepts.
func (w *Workload) Validate() error {
	if len(w.Jobs) == 0 {
		return fmt.Errorf("workload has no jobs")
	}

	ids := make(map[uint16]bool, len(w.Jobs))
	for _, job := range w.Jobs {
		if ids[job.ID] {
			return fmt.Errorf("duplicate job ID: %d", job.ID)
		}
		ids[job.ID] = true

		if !job.Opcode.Valid() {
			return fmt.Errorf("job %d: %w: %d", job.ID, device.ErrInvalidOpcode, uint8(job.Opcode))
		}
		sizes, err := device.Resolve(job.Opcode, uint64(job.SizeM), uint64(job.SizeK))
		if err != nil {
			return fmt.Errorf("job %d: %w", job.ID, err)
		}
		if sizes.M == 0 || sizes.O == 0 {
			return fmt.Errorf("job %d: %w: %s size_m=%d size_k=%d has an empty buffer",
				job.ID, device.ErrInvalidShape, job.Opcode, job.SizeM, job.SizeK)
		}
	}
	return nil
}

// TotalBytes sums the device buffer footprint of every job.
func (w *Workload) TotalBytes() uint64 {
	var total uint64
	for _, job := range w.Jobs {
		if sizes, err := device.Resolve(job.Opcode, uint64(job.SizeM), uint64(job.SizeK)); err == nil {
			total += sizes.TotalBytes()
		}
	}
	return total
}
