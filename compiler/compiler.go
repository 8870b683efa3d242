// Package compiler turns .gems workload scripts into binary .gemw files.
//
// A script is a list of line directives:
//
//	# comment
//	seed 42
//	job conv2d 16 3
//	job relu 64 0 0x1
//	iterate n 2 5 {
//	    job mm n 0
//	}
//
// job takes an opcode name (or number), size_m, size_k and optional flags.
// Inside an iterate block the loop variable is substituted wherever it
// appears as a whole field; bounds are inclusive. Job IDs are assigned in
// emission order.
package compiler

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sbl8/gemmini/kernels"
	"github.com/sbl8/gemmini/model"
)

// Compile turns a .gems script into a binary .gemw file.
func Compile(src, out string) error {
	return CompileWithOptions(src, out, DefaultOptions())
}

// CompileOptions configures the compilation process
type CompileOptions struct {
	ValidateWorkload bool // reject jobs the device would refuse
	Verbose          bool // enable verbose output
}

// DefaultOptions provides sensible compilation defaults
func DefaultOptions() CompileOptions {
	return CompileOptions{
		ValidateWorkload: true,
	}
}

// CompileWithOptions provides compilation with explicit options
func CompileWithOptions(src, out string, opts CompileOptions) error {
	if opts.Verbose {
		fmt.Printf("Compiling %s -> %s\n", src, out)
	}

	script, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	w, err := Parse(script)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	if opts.Verbose {
		fmt.Printf("Parsed %d jobs, seed %d, %d device bytes\n", w.JobCount(), w.Seed, w.TotalBytes())
	}

	if opts.ValidateWorkload {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("validation error: %w", err)
		}
		if opts.Verbose {
			fmt.Println("Workload validation passed")
		}
	}

	if err := w.Save(out); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if opts.Verbose {
		fmt.Printf("Successfully compiled to %s\n", out)
	}
	return nil
}

// Parse parses a script and returns the workload or an error on invalid syntax
func Parse(src []byte) (*model.Workload, error) {
	lines := strings.Split(string(src), "\n")
	parser := &dslParser{w: &model.Workload{}}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var err error
		i, err = parser.parseLine(lines, i)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return parser.w, nil
}

// dslParser handles DSL parsing state
type dslParser struct {
	w *model.Workload
}

// parseLine processes a single line and returns the last line index consumed
func (p *dslParser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(lines[idx])

	switch fields[0] {
	case "iterate":
		return p.parseIterateBlock(lines, idx, fields)
	default:
		return idx, p.processSimpleLine(fields)
	}
}

// parseIterateBlock handles iterate constructs
func (p *dslParser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, fmt.Errorf("invalid iterate spec: %s", strings.Join(fields, " "))
	}

	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}

	// Find opening brace and collect block
	blockStart := idx
	if fields[len(fields)-1] != "{" {
		blockStart++
		for blockStart < len(lines) && strings.TrimSpace(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || strings.TrimSpace(lines[blockStart]) != "{" {
			return idx, fmt.Errorf("missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}

	if err := p.expandIterateBlock(block, varName, start, end); err != nil {
		return idx, err
	}
	return blockEnd, nil
}

// processSimpleLine handles seed and job directives
func (p *dslParser) processSimpleLine(fields []string) error {
	switch fields[0] {
	case "seed":
		return p.parseSeedLine(fields)
	case "job":
		return p.parseJobLine(fields)
	case "iterate":
		return fmt.Errorf("nested iterate blocks are not supported")
	default:
		return fmt.Errorf("unknown directive: %s", fields[0])
	}
}

func (p *dslParser) parseSeedLine(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("invalid seed spec: needs exactly one value")
	}
	seed, err := strconv.ParseInt(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid seed %q: %v", fields[1], err)
	}
	p.w.Seed = seed
	return nil
}

// parseJobLine parses a job directive
func (p *dslParser) parseJobLine(fields []string) error {
	if len(fields) < 4 || len(fields) > 5 {
		return fmt.Errorf("invalid job spec: needs opcode, size_m, size_k and optional flags")
	}
	if len(p.w.Jobs) > 0xFFFF {
		return fmt.Errorf("too many jobs")
	}

	job, err := parseJobFields(fields)
	if err != nil {
		return err
	}
	job.ID = uint16(len(p.w.Jobs))
	p.w.Jobs = append(p.w.Jobs, job)
	return nil
}

// parseIterateParams extracts iterate parameters
func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate start %q: %v", fields[2], err)
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate end %q: %v", fields[3], err)
	}
	return varName, start, end, nil
}

// collectBlockLines gathers lines within braces
func collectBlockLines(lines []string, startIdx int) ([]string, int, error) {
	var block []string

	for i := startIdx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "}" {
			return block, i, nil
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			block = append(block, line)
		}
	}
	return nil, len(lines), fmt.Errorf("unterminated iterate block")
}

// expandIterateBlock processes iterate expansion
func (p *dslParser) expandIterateBlock(block []string, varName string, start, end int) error {
	for v := start; v <= end; v++ {
		for _, line := range block {
			fields := expandVariable(line, varName, v)
			if err := p.processSimpleLine(fields); err != nil {
				return fmt.Errorf("iterate expansion error: %w", err)
			}
		}
	}
	return nil
}

// expandVariable replaces whole-field occurrences of varName with value
func expandVariable(line, varName string, value int) []string {
	fields := strings.Fields(line)
	for i, field := range fields {
		if field == varName {
			fields[i] = strconv.Itoa(value)
		}
	}
	return fields
}

// parseJobFields extracts a job from field tokens
func parseJobFields(fields []string) (model.Job, error) {
	op, err := parseOpcode(fields[1])
	if err != nil {
		return model.Job{}, err
	}
	sizeM, err := strconv.ParseUint(fields[2], 0, 32)
	if err != nil {
		return model.Job{}, fmt.Errorf("invalid size_m %q: %v", fields[2], err)
	}
	sizeK, err := strconv.ParseUint(fields[3], 0, 32)
	if err != nil {
		return model.Job{}, fmt.Errorf("invalid size_k %q: %v", fields[3], err)
	}

	var flags uint32
	if len(fields) > 4 {
		f, err := strconv.ParseUint(fields[4], 0, 32)
		if err != nil {
			return model.Job{}, fmt.Errorf("invalid flags %q: %v", fields[4], err)
		}
		flags = uint32(f)
	}

	return model.Job{
		Opcode: op,
		SizeM:  uint32(sizeM),
		SizeK:  uint32(sizeK),
		Flags:  flags,
	}, nil
}

// parseOpcode accepts a kernel name or its numeric encoding
func parseOpcode(s string) (kernels.Opcode, error) {
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return kernels.Opcode(n), nil
	}
	return kernels.ParseOpcode(s)
}
