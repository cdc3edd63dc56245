// itssim drives the ITS driver against simulated hardware: it attaches a
// controller, then has a pool of workers allocate, fire, migrate and release
// interrupts for many devices and checks that every LPI comes back.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its"
	"github.com/tinyrange/its/internal/its/regs"
	"github.com/tinyrange/its/internal/its/sim"
	"github.com/tinyrange/its/internal/lpi"
)

const (
	itsBase  = 0x0800_0000
	gicrBase = 0x080a_0000
	memBase  = 0x4000_0000
)

type options struct {
	config   string
	devices  int
	vectors  int
	workers  int
	cpus     int
	memMiB   int
	drain    string
	indirect bool
	pta      bool
	trace    string
	verbose  bool
	metrics  bool
}

type simulation struct {
	opts  options
	cfg   its.Config
	arena *hw.Arena
	its   *sim.ITS
	rds   []*sim.Redistributor
	ctrl  *its.Controller
	reg   *prometheus.Registry
	log   *slog.Logger

	fired atomic.Uint64
	moved atomic.Uint64
}

func (s *simulation) setup() error {
	cfg := its.DefaultConfig()
	if s.opts.config != "" {
		var err error
		cfg, err = its.LoadConfig(s.opts.config)
		if err != nil {
			return err
		}
	}
	s.cfg = cfg

	arena, err := hw.NewArena(memBase, uint64(s.opts.memMiB)<<20)
	if err != nil {
		return err
	}
	s.arena = arena

	simOpts := sim.Options{
		Indirect:        s.opts.indirect,
		CollectionTable: true,
		PTA:             s.opts.pta,
	}
	switch s.opts.drain {
	case "eager":
	case "rate":
		simOpts.Drain = sim.DrainRate
		simOpts.Rate = func() int { return rand.IntN(8) }
	default:
		return fmt.Errorf("unknown drain mode %q (want eager or rate)", s.opts.drain)
	}
	s.its = sim.New(arena, itsBase, simOpts)

	plat := its.Platform{
		ITS:        s.its.Port(),
		ITSBase:    itsBase,
		Memory:     arena,
		Logger:     s.log,
		Registerer: s.reg,
	}
	for cpu := 0; cpu < s.opts.cpus; cpu++ {
		rd := sim.NewRedistributor(arena, cpu, gicrBase+uint64(cpu)*regs.GICRFrameSize)
		s.its.AddRedistributor(rd)
		s.rds = append(s.rds, rd)
		plat.Redistributors = append(plat.Redistributors, its.Redistributor{CPU: cpu, Port: rd.Port(), Base: rd.Base()})
	}

	s.ctrl, err = its.Attach(plat, cfg)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

// exercise runs the full lifecycle of one device.
func (s *simulation) exercise(dev uint32) error {
	irqs, err := s.ctrl.AllocVectors(dev, uint32(s.opts.vectors))
	if err != nil {
		return err
	}
	defer s.ctrl.ReleaseVectors(irqs...)

	for _, irq := range irqs {
		if err := s.ctrl.SetHandler(irq, func(*its.Interrupt) { s.fired.Add(1) }); err != nil {
			return err
		}
		if err := s.ctrl.Enable(irq); err != nil {
			return err
		}
		if err := s.fire(irq); err != nil {
			return err
		}

		cpu := rand.IntN(s.opts.cpus)
		if err := s.ctrl.Bind(irq, cpu); err != nil {
			return err
		}
		s.moved.Add(1)
		if err := s.fire(irq); err != nil {
			return err
		}
		if err := s.ctrl.Disable(irq); err != nil {
			return err
		}
		if on, err := s.ctrl.Enabled(irq); err != nil || on {
			return fmt.Errorf("%s: still enabled after disable (%v)", irq, err)
		}
	}
	return nil
}

// fire raises irq through the doorbell and dispatches it on the CPU the
// hardware delivered it to.
func (s *simulation) fire(irq *its.Interrupt) error {
	addr, data, err := s.ctrl.MapMSI(irq)
	if err != nil {
		return err
	}
	if addr != itsBase+regs.GITSTranslater {
		return fmt.Errorf("%s: doorbell 0x%x outside the ITS frame", irq, addr)
	}
	d, err := s.its.MSIWrite(irq.DeviceID(), data)
	if err != nil {
		return fmt.Errorf("%s: msi write: %w", irq, err)
	}
	if d.LPI != irq.LPI() {
		return fmt.Errorf("%s: delivered as lpi %d", irq, d.LPI)
	}
	if !d.Enabled {
		return fmt.Errorf("%s: delivered while disabled", irq)
	}
	if want, err := s.ctrl.Affinity(irq); err != nil || want != d.CPU {
		return fmt.Errorf("%s: delivered to cpu %d, affinity %d (%v)", irq, d.CPU, want, err)
	}
	s.rds[d.CPU].Ack(d.LPI)
	return s.ctrl.Dispatch(d.LPI)
}

func (s *simulation) run() error {
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(s.opts.devices), "devices")
		defer bar.Close()
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(s.opts.workers)
	for i := 0; i < s.opts.devices; i++ {
		dev := uint32(i)
		g.Go(func() error {
			if err := s.exercise(dev); err != nil {
				return fmt.Errorf("device %d: %w", dev, err)
			}
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if errs := s.its.Errors(); len(errs) != 0 {
		return fmt.Errorf("hardware reported %d command errors, first: %w", len(errs), errs[0])
	}
	want := uint64(s.opts.devices) * uint64(s.opts.vectors) * 2
	if got := s.fired.Load(); got != want {
		return fmt.Errorf("dispatched %d interrupts, want %d", got, want)
	}
	st := s.ctrl.Stats()
	all := []lpi.Range{{Base: s.cfg.LPIBase, Count: s.cfg.LPICount}}
	if free := s.ctrl.FreeRanges(); !slices.Equal(free, all) || st.LPIsReserved != 0 {
		return fmt.Errorf("lpis leaked: free %v, reserved %d", free, st.LPIsReserved)
	}

	fmt.Printf("devices:      %d x %d vectors in %s\n", s.opts.devices, s.opts.vectors, elapsed.Round(time.Millisecond))
	fmt.Printf("dispatched:   %d (%d migrations)\n", s.fired.Load(), s.moved.Load())
	fmt.Printf("commands:     %d (%d completion timeouts)\n", st.CommandsIssued, st.CompletionTimeouts)
	fmt.Printf("device table: %d entries, page 0x%x, indirect=%t, l2 pages=%d\n", st.DeviceCapacity, st.PageSize, st.Indirect, st.L2Pages)
	fmt.Printf("sources:      %d objects, %d free\n", st.Sources, st.FreeSources)
	fmt.Printf("cpus:         %v\n", st.OnlineCPUs)
	if s.opts.metrics {
		return s.printMetrics()
	}
	return nil
}

func (s *simulation) printMetrics() error {
	families, err := s.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			fmt.Printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}

func run() error {
	var opts options
	flag.StringVar(&opts.config, "config", "", "YAML controller configuration")
	flag.IntVar(&opts.devices, "devices", 1000, "number of devices to exercise")
	flag.IntVar(&opts.vectors, "vectors", 4, "vectors per device")
	flag.IntVar(&opts.workers, "workers", 8, "concurrent workers")
	flag.IntVar(&opts.cpus, "cpus", 4, "simulated CPUs")
	flag.IntVar(&opts.memMiB, "mem", 64, "simulated memory in MiB")
	flag.StringVar(&opts.drain, "drain", "eager", "command consumption: eager or rate")
	flag.BoolVar(&opts.indirect, "indirect", true, "let the device table be two-level")
	flag.BoolVar(&opts.pta, "pta", false, "address redistributors physically")
	flag.StringVar(&opts.trace, "trace", "", "write a binary trace to this file")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.BoolVar(&opts.metrics, "metrics", false, "print controller metrics")
	flag.Parse()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	s := &simulation{
		opts: opts,
		reg:  prometheus.NewRegistry(),
		log:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}

	if opts.trace != "" {
		if err := debug.OpenFile(opts.trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	if opts.devices <= 0 || opts.vectors <= 0 || opts.workers <= 0 || opts.cpus <= 0 {
		return fmt.Errorf("-devices, -vectors, -workers and -cpus must be positive")
	}

	defer func() {
		if s.ctrl != nil {
			s.ctrl.Close()
		}
		if s.arena != nil {
			s.arena.Close()
		}
	}()
	if err := s.setup(); err != nil {
		return err
	}
	return s.run()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "itssim: %v\n", err)
		os.Exit(1)
	}
}
