package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"

	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/host"
	"github.com/sbl8/gemmini/kernels"
	"github.com/sbl8/gemmini/memory"
	"github.com/sbl8/gemmini/model"
)

// Outputs up to this edge length are printed with -print.
const maxPrintEdge = 16

func main() {
	var (
		scale     = flag.Float64("scale", 1.0, "Scale factor for the default suite sizes")
		seed      = flag.Int64("seed", 1, "Operand seed for the default suite")
		latency   = flag.Int64("latency", memory.DefaultSpec().LatencyCycles, "Memory latency in cycles")
		bandwidth = flag.Int64("bandwidth", memory.DefaultSpec().BytesPerCycle, "Memory bandwidth in bytes per cycle")
		maxCycles = flag.Int64("max-cycles", host.DefaultOptions().MaxCycles, "Polling budget per job (0 = unlimited)")
		workers   = flag.Int("workers", 1, "Devices run in parallel (0 = one per CPU)")
		trace     = flag.String("trace", "", "Device trace channels: pi,mem,fsm or all")
		showOut   = flag.Bool("print", false, "Print small output matrices")
		verbose   = flag.Bool("verbose", false, "Enable verbose output")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("gemmrun - gemmini offload runner v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	channels, err := device.ParseTrace(*trace)
	if err != nil {
		log.Fatalf("invalid -trace: %v", err)
	}

	var logger *log.Logger
	if *verbose || channels != 0 {
		logger = log.New(os.Stderr, "gemmini: ", log.LstdFlags)
	}

	spec := memory.DefaultSpec()
	spec.LatencyCycles = *latency
	spec.BytesPerCycle = *bandwidth

	suite := host.Scale(host.DefaultSuite(), *scale)
	rngSeed := *seed
	if args := flag.Args(); len(args) > 0 {
		w, err := model.Load(args[0])
		if err != nil {
			log.Fatalf("Failed to load workload: %v", err)
		}
		if err := w.Validate(); err != nil {
			log.Fatalf("Invalid workload: %v", err)
		}
		suite = fromWorkload(w)
		rngSeed = w.Seed
		if *verbose {
			fmt.Printf("Loaded workload with %d jobs (%d device bytes)\n", w.JobCount(), w.TotalBytes())
		}
	}

	hostOpts := host.Options{MaxCycles: *maxCycles}
	if *verbose {
		hostOpts.Logger = logger
	}
	devOpts := device.DefaultOptions()
	devOpts.Logger = logger
	devOpts.Trace = channels

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *workers != 1 {
		cluster, err := host.NewCluster(*workers, spec, &devOpts, &hostOpts)
		if err != nil {
			log.Fatalf("Failed to create cluster: %v", err)
		}
		if *verbose {
			fmt.Printf("Running %d jobs on %d devices\n", len(suite), cluster.Size())
		}
		finish(cluster.RunSuite(ctx, suite, rngSeed), *showOut)
		return
	}

	driver, err := host.New(spec, &devOpts, &hostOpts)
	if err != nil {
		log.Fatalf("Failed to create driver: %v", err)
	}

	var tracer *host.Driver
	if hasTraced(suite) {
		traceOpts := devOpts
		traceOpts.Logger = log.New(os.Stderr, "gemmini: ", log.LstdFlags)
		traceOpts.Trace = device.TraceAll
		if tracer, err = host.New(spec, &traceOpts, &hostOpts); err != nil {
			log.Fatalf("Failed to create tracing driver: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(rngSeed))
	results := make([]host.Result, 0, len(suite))
	for _, b := range suite {
		if ctx.Err() != nil {
			break
		}
		d := driver
		if b.Trace {
			d = tracer
		}
		r := d.Run(ctx, b, rng)
		if err := d.Settle(); err != nil && r.Err == nil {
			r.Err = err
		}
		results = append(results, r)
		d.Allocator().Reset()
	}

	if *verbose {
		stats := driver.Device().Stats()
		transfers, bytes, busy := driver.Memory().Totals()
		fmt.Printf("Device: %d jobs started, %d completed, %d aborted, %d rejected accesses\n",
			stats.JobsStarted, stats.JobsCompleted, stats.JobsAborted, stats.Rejected)
		fmt.Printf("Memory: %d transfers, %d bytes, %d busy cycles\n\n", transfers, bytes, busy)
	}

	finish(results, *showOut)
}

// finish prints the result table and exits non-zero if any job failed.
func finish(results []host.Result, showOut bool) {
	if err := host.WriteTable(os.Stdout, results); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}

	if showOut {
		for _, r := range results {
			printOutput(r)
		}
	}

	for _, r := range results {
		if !r.Pass {
			os.Exit(1)
		}
	}
}

// fromWorkload converts workload jobs into benchmarks, carrying their flags.
func fromWorkload(w *model.Workload) []host.Benchmark {
	suite := make([]host.Benchmark, len(w.Jobs))
	for i, job := range w.Jobs {
		suite[i] = host.Benchmark{
			Op:         job.Opcode,
			SizeM:      uint64(job.SizeM),
			SizeK:      uint64(job.SizeK),
			SkipVerify: job.Flags&model.FlagNoVerify != 0,
			Trace:      job.Flags&model.FlagTrace != 0,
		}
	}
	return suite
}

func hasTraced(suite []host.Benchmark) bool {
	for _, b := range suite {
		if b.Trace {
			return true
		}
	}
	return false
}

func printOutput(r host.Result) {
	if r.Output == nil {
		return
	}
	fmt.Printf("\n%s (size_m=%d size_k=%d):\n", r.Op, r.SizeM, r.SizeK)
	switch r.Op {
	case kernels.OpConv3D, kernels.OpConv3DGemm:
		if r.SizeM <= maxPrintEdge/2 {
			fmt.Print(kernels.FormatMatrix3D(r.Output, int(r.SizeM)))
			return
		}
	case kernels.OpMaxPool, kernels.OpMaxPoolGemm:
		if edge := int(r.SizeM / r.SizeK); edge <= maxPrintEdge && edge*edge == len(r.Output) {
			fmt.Print(kernels.FormatMatrix2D(r.Output, edge))
			return
		}
	default:
		if r.SizeM <= maxPrintEdge {
			fmt.Print(kernels.FormatMatrix2D(r.Output, int(r.SizeM)))
			return
		}
	}
	fmt.Printf("  %d elements, not printed\n", len(r.Output))
}
