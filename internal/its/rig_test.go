package its

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/regs"
	"github.com/tinyrange/its/internal/its/sim"
)

const (
	testITSBase  = 0x0800_0000
	testGICRBase = 0x080a_0000
	testMemBase  = 0x4000_0000
	testMemSize  = 32 << 20
)

type rig struct {
	arena  *hw.Arena
	its    *sim.ITS
	rds    []*sim.Redistributor
	cache  *recordingCache
	reg    *prometheus.Registry
	plat   Platform
	events *countingRegistrar
}

type rigOptions struct {
	sim     sim.Options
	cpus    int
	// cpuIDs overrides cpus with an explicit list of CPU numbers.
	cpuIDs  []int
	memSize uint64
}

func newRig(t *testing.T, o rigOptions) *rig {
	t.Helper()

	if o.cpus == 0 {
		o.cpus = 1
	}
	if o.memSize == 0 {
		o.memSize = testMemSize
	}
	arena, err := hw.NewArena(testMemBase, o.memSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	r := &rig{
		arena:  arena,
		its:    sim.New(arena, testITSBase, o.sim),
		cache:  &recordingCache{},
		reg:    prometheus.NewRegistry(),
		events: &countingRegistrar{},
	}
	r.plat = Platform{
		ITS:        r.its.Port(),
		ITSBase:    testITSBase,
		Memory:     arena,
		Cache:      r.cache,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Backoff:    SpinBackoff{Attempts: 1000},
		Registrar:  r.events,
		Registerer: r.reg,
	}
	ids := o.cpuIDs
	if ids == nil {
		for cpu := 0; cpu < o.cpus; cpu++ {
			ids = append(ids, cpu)
		}
	}
	for _, cpu := range ids {
		rd := sim.NewRedistributor(arena, cpu, testGICRBase+uint64(cpu)*regs.GICRFrameSize)
		r.its.AddRedistributor(rd)
		r.rds = append(r.rds, rd)
		r.plat.Redistributors = append(r.plat.Redistributors, Redistributor{
			CPU:  cpu,
			Port: rd.Port(),
			Base: rd.Base(),
		})
	}
	return r
}

func (r *rig) attach(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := Attach(r.plat, cfg)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if errs := r.its.Errors(); len(errs) != 0 {
		t.Fatalf("hardware errors after attach: %v", errs)
	}
	r.its.ResetLog()
	r.cache.reset()
	return c
}

func (r *rig) checkHardware(t *testing.T) {
	t.Helper()
	if errs := r.its.Errors(); len(errs) != 0 {
		t.Fatalf("hardware reported %d errors, first: %v", len(errs), errs[0])
	}
}

func allocReq(name string, size uint64) hw.AllocRequest {
	return hw.AllocRequest{Name: name, Size: size, Alignment: regs.PageSize64K}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Poll.Attempts = 1000
	return cfg
}

type flushCall struct {
	phys, size uint64
}

// recordingCache records maintenance operations.
type recordingCache struct {
	mu       sync.Mutex
	flushes  []flushCall
	barriers int
}

func (c *recordingCache) Flush(phys, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = append(c.flushes, flushCall{phys, size})
}

func (c *recordingCache) Barrier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barriers++
}

func (c *recordingCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = nil
	c.barriers = 0
}

func (c *recordingCache) flushed(phys, size uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.flushes {
		if f.phys == phys && f.size == size {
			return true
		}
	}
	return false
}

func (c *recordingCache) flushesOfSize(size uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.flushes {
		if f.size == size {
			n++
		}
	}
	return n
}

// countingRegistrar counts registrations and can fail the n-th one.
type countingRegistrar struct {
	mu     sync.Mutex
	count  int
	failAt int
	err    error
}

func (r *countingRegistrar) Register(irq *Interrupt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt != 0 && r.count+1 == r.failAt {
		return r.err
	}
	r.count++
	return nil
}

func (r *countingRegistrar) registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
