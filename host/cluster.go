package host

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"runtime"
	"sync"

	"github.com/sbl8/gemmini/core"
	"github.com/sbl8/gemmini/device"
	"github.com/sbl8/gemmini/memory"
)

// Cluster runs independent benchmarks on several device instances in
// parallel. Each worker owns one driver, so devices stay single-threaded;
// only the slab pool is shared. Entries marked Trace run on a per-worker
// tracing driver built on first use.
type Cluster struct {
	drivers []*Driver
	tracers []*Driver
	pool    *core.BufferPool

	spec    memory.Spec
	devOpts device.Options
	opts    *Options
}

// NewCluster builds n drivers with identical configuration. n <= 0 uses one
// driver per CPU.
func NewCluster(n int, spec memory.Spec, devOpts *device.Options, opts *Options) (*Cluster, error) {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	o := device.DefaultOptions()
	if devOpts != nil {
		o = *devOpts
	}
	if o.Pool == nil {
		o.Pool = core.NewBufferPool()
	}

	c := &Cluster{
		drivers: make([]*Driver, n),
		tracers: make([]*Driver, n),
		pool:    o.Pool,
		spec:    spec,
		devOpts: o,
		opts:    opts,
	}
	for i := range c.drivers {
		d, err := New(spec, &o, opts)
		if err != nil {
			return nil, err
		}
		c.drivers[i] = d
	}
	return c, nil
}

// Size returns the number of devices.
func (c *Cluster) Size() int {
	return len(c.drivers)
}

// Drivers returns the per-worker drivers.
func (c *Cluster) Drivers() []*Driver {
	return c.drivers
}

// Pool returns the slab pool shared by every device.
func (c *Cluster) Pool() *core.BufferPool {
	return c.pool
}

// RunSuite distributes suite over the devices. Results keep suite order.
// Operands of entry i are drawn from seed+i, so the outcome does not depend
// on scheduling. Entries not started before ctx is done report ctx.Err().
func (c *Cluster) RunSuite(ctx context.Context, suite []Benchmark, seed int64) []Result {
	results := make([]Result, len(suite))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := range c.drivers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for idx := range jobs {
				b := suite[idx]
				d := c.drivers[w]
				if b.Trace {
					var err error
					if d, err = c.tracer(w); err != nil {
						results[idx] = Result{Benchmark: b, Err: err}
						continue
					}
				}
				rng := rand.New(rand.NewSource(seed + int64(idx)))
				results[idx] = d.Run(ctx, b, rng)
				if err := d.Settle(); err != nil && results[idx].Err == nil {
					results[idx].Err = err
				}
				d.alloc.Reset()
			}
		}(w)
	}

	for i := range suite {
		if ctx.Err() != nil {
			results[i] = Result{Benchmark: suite[i], Err: ctx.Err()}
			continue
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			results[i] = Result{Benchmark: suite[i], Err: ctx.Err()}
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// tracer returns the tracing driver of worker w. Only that worker calls it.
func (c *Cluster) tracer(w int) (*Driver, error) {
	if d := c.tracers[w]; d != nil {
		return d, nil
	}
	o := c.devOpts
	o.Trace = device.TraceAll
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	d, err := New(c.spec, &o, c.opts)
	if err != nil {
		return nil, err
	}
	c.tracers[w] = d
	return d, nil
}

// Err joins the errors of failed results.
func Err(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
