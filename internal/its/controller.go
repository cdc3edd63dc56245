// Package its drives a GICv3 Interrupt Translation Service. It owns the
// command queue, the device and collection tables, the shared LPI
// configuration table and the per-CPU pending tables, and translates MSI
// vector requests into ITS commands.
package its

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/command"
	"github.com/tinyrange/its/internal/its/regs"
	"github.com/tinyrange/its/internal/lpi"
)

// Redistributor is the RD_base frame of one CPU.
type Redistributor struct {
	CPU  int
	Port hw.RegisterPort
	// Base is the physical address of the frame, used as the collection
	// target when the ITS addresses redistributors physically.
	Base uint64
}

// Platform supplies the hardware and framework collaborators of one ITS.
type Platform struct {
	ITS hw.RegisterPort
	// ITSBase is the physical address of the ITS frame.
	ITSBase        uint64
	Redistributors []Redistributor
	Memory         hw.Memory
	// Cache defaults to hw.CoherentCache.
	Cache hw.Cache
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Backoff defaults to a SpinBackoff built from Config.Poll.
	Backoff   Backoff
	Registrar Registrar
	// Registerer receives the controller metrics when set.
	Registerer prometheus.Registerer
}

// Collection routes LPIs to one CPU.
type Collection struct {
	ID     uint16
	Target uint64
}

type cpuState struct {
	rd         Redistributor
	pending    *pendingStore
	collection Collection
	// mapped is set once MAPC for the collection was queued.
	mapped bool
}

// Controller is an attached ITS.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	port    hw.RegisterPort
	itsBase uint64
	mem     hw.Memory
	cache   hw.Cache
	backoff Backoff
	metrics *metrics

	typer        uint64
	ittEntrySize uint64
	idBits       uint
	cidBits      uint
	pta          bool

	queue     *CommandQueue
	devTable  *deviceTable
	collTable *baserTable
	config    *configStore
	lpis      *lpi.Allocator

	redists map[int]Redistributor

	// cpuMu serializes CPU bring-up and guards cpus.
	cpuMu sync.Mutex
	cpus  map[int]*cpuState

	// mu is the registry lock. It is never held while commands are queued.
	mu      sync.Mutex
	closed  bool
	devices map[uint32]*device
	sources *sourceRegistry
	online  []int
	colls   map[int]Collection
	nextCPU int
}

// Attach discovers, programs and enables the ITS, then brings up the
// configured CPUs.
func Attach(p Platform, cfg Config) (_ *Controller, err error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.ITS == nil || p.Memory == nil {
		return nil, fmt.Errorf("its: platform needs an ITS port and memory")
	}
	if p.Cache == nil {
		p.Cache = hw.CoherentCache{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Backoff == nil {
		p.Backoff = SpinBackoff{Attempts: cfg.Poll.Attempts, Interval: cfg.Poll.Interval.Duration()}
	}
	m, err := newMetrics(p.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		log:     p.Logger,
		port:    p.ITS,
		itsBase: p.ITSBase,
		mem:     p.Memory,
		cache:   p.Cache,
		backoff: p.Backoff,
		metrics: m,
		redists: make(map[int]Redistributor),
		cpus:    make(map[int]*cpuState),
		devices: make(map[uint32]*device),
		colls:   make(map[int]Collection),
	}
	for _, rd := range p.Redistributors {
		c.redists[rd.CPU] = rd
	}

	c.typer = c.port.Read64(regs.GITSTyper)
	if c.typer&regs.TyperPhysical == 0 {
		return nil, ErrNoPhysicalLPIs
	}
	c.ittEntrySize = regs.TyperITTEntrySize(c.typer)
	c.idBits = regs.TyperIDBits(c.typer)
	c.cidBits = regs.TyperCIDBits(c.typer)
	c.pta = c.typer&regs.TyperPTA != 0

	if err := c.quiesce(); err != nil {
		return nil, err
	}

	cpus := cfg.CPUs
	if len(cpus) == 0 {
		for cpu := range c.redists {
			cpus = append(cpus, cpu)
		}
		slices.Sort(cpus)
	}

	// Collection IDs are CPU numbers, so the collection table must reach
	// the highest one.
	maxCPU := 0
	for cpu := range c.redists {
		maxCPU = max(maxCPU, cpu)
	}

	var undo []func()
	defer func() {
		if err != nil {
			c.port.Write32(regs.GITSCtlr, 0)
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	dev, coll, err := setupTables(tableEnv{
		port:    c.port,
		mem:     c.mem,
		cache:   c.cache,
		log:     c.log,
		cfg:     cfg,
		devBits: regs.TyperDevBits(c.typer),
		cpus:    maxCPU + 1,
	})
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() {
		for _, t := range []*baserTable{dev, coll} {
			if t != nil {
				c.port.Write64(regs.GITSBaser(t.index), 0)
				c.mem.Free(t.block)
			}
		}
	})
	c.devTable = newDeviceTable(dev, c.mem, c.cache, cfg, m)
	c.collTable = coll
	undo = append(undo, func() {
		for _, p := range c.devTable.l2 {
			c.mem.Free(p)
		}
	})

	c.queue, err = newCommandQueue(c.port, c.mem, c.cache, c.backoff, c.log, m, queueConfig{
		size:    cfg.QueueSize,
		maxAddr: cfg.MaxPhysAddr,
		domain:  cfg.NUMADomain,
		quirks:  cfg.Quirks,
	})
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() {
		c.port.Write64(regs.GITSCbaser, 0)
		c.queue.release()
	})

	c.lpis = lpi.NewAllocator(cfg.LPIBase, cfg.LPICount)
	c.sources = newSourceRegistry(cfg.LPIBase, cfg.LPICount, p.Registrar)

	c.config, err = c.setupConfigStore(cpus)
	if err != nil {
		return nil, err
	}
	// Redistributors cannot disable LPIs again, so the LPI tables stay
	// allocated once any of them points at them.
	undo = append(undo, func() {
		if len(c.cpus) == 0 {
			c.config.release(c.mem)
		}
	})

	c.port.Write32(regs.GITSCtlr, c.port.Read32(regs.GITSCtlr)|regs.CtlrEnabled)

	for _, cpu := range cpus {
		if err := c.InitCPU(cpu); err != nil {
			return nil, fmt.Errorf("its: bring up cpu %d: %w", cpu, err)
		}
	}

	c.log.Info("its: attached",
		"devices", c.devTable.Capacity(),
		"indirect", c.devTable.layout.indirect,
		"page_size", c.devTable.pageSize,
		"lpis", c.lpis.Space().String(),
		"cpus", len(c.online),
		"queue_flush", c.queue.NeedsFlush(),
		"pta", c.pta)
	return c, nil
}

// quiesce disables the ITS and waits for it to settle before tables are
// reprogrammed.
func (c *Controller) quiesce() error {
	ctlr := c.port.Read32(regs.GITSCtlr)
	if ctlr&regs.CtlrEnabled != 0 {
		c.log.Debug("its: disabling running ITS")
		c.port.Write32(regs.GITSCtlr, ctlr&^regs.CtlrEnabled)
	}
	ok := poll(c.backoff, func() bool {
		return c.port.Read32(regs.GITSCtlr)&regs.CtlrQuiescent != 0
	})
	if !ok {
		return fmt.Errorf("its: ITS did not become quiescent: %w", ErrCompletionTimeout)
	}
	return nil
}

// setupConfigStore adopts the configuration table of a redistributor that
// already has LPIs enabled, or allocates a fresh one.
func (c *Controller) setupConfigStore(cpus []int) (*configStore, error) {
	if c.cfg.Handoff == HandoffAdopt {
		for _, cpu := range cpus {
			rd, ok := c.redists[cpu]
			if !ok || rd.Port.Read32(regs.GICRCtlr)&regs.GICRCtlrEnableLPIs == 0 {
				continue
			}
			prop := rd.Port.Read64(regs.GICRPropbaser)
			c.log.Info("its: adopting LPI configuration table", "cpu", cpu, "propbaser", prop)
			return adoptConfigStore(c.mem, c.cache, prop, c.cfg)
		}
	}
	return newConfigStore(c.mem, c.cache, c.cfg)
}

// issue queues a batch. Completion timeouts are logged by the queue and not
// reported: the commands were handed to hardware and nothing can undo them.
func (c *Controller) issue(b *Batch) error {
	err := c.queue.Send(b)
	if errors.Is(err, ErrCompletionTimeout) {
		return nil
	}
	return err
}

// InitCPU programs the redistributor of cpu for LPIs and maps its
// collection. Calling it for an online CPU is a no-op. A CPU whose MAPC
// could not be queued keeps its redistributor programming and is mapped by
// the next call.
func (c *Controller) InitCPU(cpu int) error {
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()

	st, ok := c.cpus[cpu]
	if ok && st.mapped {
		return nil
	}
	if !ok {
		var err error
		if st, err = c.enableCPU(cpu); err != nil {
			return err
		}
		c.cpus[cpu] = st
	}

	coll := st.collection
	var b Batch
	b.AddTargeted(command.Mapc{Collection: coll.ID, Target: coll.Target, Valid: true}, coll.Target)
	b.AddTargeted(command.Invall{Collection: coll.ID}, coll.Target)
	if err := c.issue(&b); err != nil {
		return fmt.Errorf("its: map collection for cpu %d: %w", cpu, err)
	}
	st.mapped = true

	c.mu.Lock()
	c.colls[cpu] = coll
	i, _ := slices.BinarySearch(c.online, cpu)
	c.online = slices.Insert(c.online, i, cpu)
	c.mu.Unlock()

	c.log.Debug("its: cpu online", "cpu", cpu, "collection", coll.ID, "target", coll.Target)
	return nil
}

// enableCPU programs the redistributor of cpu and computes its collection.
func (c *Controller) enableCPU(cpu int) (*cpuState, error) {
	rd, ok := c.redists[cpu]
	if !ok {
		return nil, fmt.Errorf("its: cpu %d has no redistributor: %w", cpu, ErrInvalidCPU)
	}
	if cpu < 0 || uint64(cpu) >= uint64(1)<<c.cidBits ||
		(c.collTable != nil && uint64(cpu) >= c.collTable.layout.capacity) {
		return nil, fmt.Errorf("its: cpu %d beyond collection id space: %w", cpu, ErrInvalidCPU)
	}

	typer := rd.Port.Read64(regs.GICRTyper)
	if typer&regs.GICRTyperPLPIS == 0 {
		return nil, fmt.Errorf("its: cpu %d: %w", cpu, ErrNoPhysicalLPIs)
	}

	pending, err := c.programRedistributor(cpu, rd)
	if err != nil {
		return nil, err
	}

	coll := Collection{ID: uint16(cpu)}
	if c.pta {
		coll.Target = rd.Base & command.TargetMask
	} else {
		coll.Target = regs.GICRTyperProcNum(typer) << 16
	}
	return &cpuState{rd: rd, pending: pending, collection: coll}, nil
}

// programRedistributor points the redistributor at the LPI tables and
// enables LPIs, or validates and adopts the tables of an earlier boot stage.
func (c *Controller) programRedistributor(cpu int, rd Redistributor) (*pendingStore, error) {
	if rd.Port.Read32(regs.GICRCtlr)&regs.GICRCtlrEnableLPIs != 0 {
		if c.cfg.Handoff != HandoffAdopt {
			return nil, fmt.Errorf("its: cpu %d has LPIs enabled and handoff is %q: %w", cpu, c.cfg.Handoff, ErrLPIStateMismatch)
		}
		prop := rd.Port.Read64(regs.GICRPropbaser)
		if prop&regs.PropbaserAddrMask != c.config.block.Phys {
			return nil, fmt.Errorf("its: cpu %d config table at 0x%x, controller uses 0x%x: %w",
				cpu, prop&regs.PropbaserAddrMask, c.config.block.Phys, ErrLPIStateMismatch)
		}
		if regs.Shareability(prop) == regs.ShareNone {
			c.config.setNonShareable()
		}
		pending, err := adoptPendingStore(c.mem, rd.Port.Read64(regs.GICRPendbaser), c.config.idBits)
		if err != nil {
			return nil, err
		}
		c.log.Info("its: adopted redistributor LPI state", "cpu", cpu)
		return pending, nil
	}

	pending, err := newPendingStore(c.mem, c.cache, cpu, c.config.idBits, c.cfg)
	if err != nil {
		return nil, err
	}

	prop := c.config.propbaser()
	rd.Port.Write64(regs.GICRPropbaser, prop)
	if regs.Shareability(rd.Port.Read64(regs.GICRPropbaser)) == regs.ShareNone {
		prop = regs.WithShareability(prop&^regs.PropbaserCacheMask|uint64(regs.CacheNC)<<regs.PropbaserCacheShift, regs.ShareNone)
		rd.Port.Write64(regs.GICRPropbaser, prop)
		c.config.setNonShareable()
	}

	pend := pending.pendbaser()
	rd.Port.Write64(regs.GICRPendbaser, pend)
	if regs.Shareability(rd.Port.Read64(regs.GICRPendbaser)) == regs.ShareNone {
		pend = regs.WithShareability(pend&^regs.PendbaserCacheMask|uint64(regs.CacheNC)<<regs.PendbaserCacheShift, regs.ShareNone)
		rd.Port.Write64(regs.GICRPendbaser, pend)
	}

	c.cache.Barrier()
	rd.Port.Write32(regs.GICRCtlr, rd.Port.Read32(regs.GICRCtlr)|regs.GICRCtlrEnableLPIs)
	debug.Writef("its redist", "cpu%d propbaser=0x%x pendbaser=0x%x", cpu, prop, pend)
	return pending, nil
}

// pickCPULocked returns the next online CPU in round-robin order.
func (c *Controller) pickCPULocked() (int, error) {
	if len(c.online) == 0 {
		return 0, fmt.Errorf("its: no CPU online: %w", ErrInvalidCPU)
	}
	cpu := c.online[c.nextCPU%len(c.online)]
	c.nextCPU++
	return cpu, nil
}

// AllocVectors allocates count interrupts for deviceID. The first request
// for a device sizes its LPI chunk and ITT to count. Either every interrupt
// is returned or none is.
func (c *Controller) AllocVectors(deviceID, count uint32) ([]*Interrupt, error) {
	return c.alloc(deviceID, count, count)
}

// PCIDevice is the view of an MSI-X capable function the controller needs.
type PCIDevice interface {
	DeviceID() uint32
	// MaxVectors is the MSI-X table size.
	MaxVectors() uint32
}

// AllocMSIX allocates one MSI-X interrupt. The device chunk is sized to the
// whole MSI-X table on first use so later vectors share the ITT.
func (c *Controller) AllocMSIX(dev PCIDevice) (*Interrupt, error) {
	irqs, err := c.alloc(dev.DeviceID(), dev.MaxVectors(), 1)
	if err != nil {
		return nil, err
	}
	return irqs[0], nil
}

func (c *Controller) alloc(deviceID, vectors, count uint32) ([]*Interrupt, error) {
	if count == 0 || count > vectors {
		return nil, fmt.Errorf("its: device 0x%x: invalid vector count %d of %d: %w", deviceID, count, vectors, ErrOutOfRange)
	}

	var d *device
	for {
		var err error
		d, err = c.getOrCreateDevice(deviceID, vectors)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !d.dying {
			break
		}
		c.mu.Unlock()
		<-d.gone
	}

	if d.lpis.free < count {
		free := d.lpis.free
		release := d.lpis.busy == 0
		if release {
			c.beginReleaseLocked(d)
		}
		c.mu.Unlock()
		if release {
			c.releaseDevice(d)
		}
		return nil, fmt.Errorf("its: device 0x%x has %d free events, %d requested: %w", deviceID, free, count, ErrOutOfSpace)
	}

	irqs := make([]*Interrupt, 0, count)
	var b Batch
	var err error
	for range count {
		var cpu int
		cpu, err = c.pickCPULocked()
		if err != nil {
			break
		}
		event := d.lpis.nextEvent()
		var irq *Interrupt
		irq, err = c.sources.acquire(d.lpis.r.Base+event, event, d.id, cpu)
		if err != nil {
			break
		}
		d.lpis.free--
		d.lpis.busy++
		irqs = append(irqs, irq)

		coll := c.colls[cpu]
		b.AddTargeted(command.Mapti{
			DeviceID:   d.id,
			EventID:    event,
			PhysicalID: irq.lpi,
			Collection: coll.ID,
		}, coll.Target)
	}
	c.metrics.lpisBusy.Add(float64(len(irqs)))
	c.mu.Unlock()

	if err == nil {
		err = c.issue(&b)
	}
	if err != nil {
		c.unwind(d, irqs)
		return nil, err
	}
	return irqs, nil
}

// unwind returns interrupts of a failed allocation. Event ids go back to the
// chunk only while they are still its most recent ones.
func (c *Controller) unwind(d *device, irqs []*Interrupt) {
	c.mu.Lock()
	for i := len(irqs) - 1; i >= 0; i-- {
		irq := irqs[i]
		c.sources.release(irq)
		d.lpis.busy--
		if irq.event+1 == d.lpis.nextEvent() {
			d.lpis.free++
		}
	}
	c.metrics.lpisBusy.Sub(float64(len(irqs)))
	release := d.lpis.busy == 0
	if release {
		c.beginReleaseLocked(d)
	}
	c.mu.Unlock()
	if release {
		c.releaseDevice(d)
	}
}

// ReleaseVectors returns interrupts to the controller. Released LPIs are
// masked in the configuration table but no command is issued per interrupt:
// the MAPTI that hands the LPI out again reloads its configuration. A device
// whose last interrupt is released is unmapped. Releasing an interrupt twice
// panics.
func (c *Controller) ReleaseVectors(irqs ...*Interrupt) {
	var done []*device
	c.mu.Lock()
	for _, irq := range irqs {
		d := c.devices[irq.device]
		if d == nil || !c.sources.active(irq) {
			c.mu.Unlock()
			panic(fmt.Sprintf("its: release of inactive interrupt %s", irq))
		}
		if irq.enabled {
			c.config.set(irq.lpi, false)
		}
		c.sources.release(irq)
		d.lpis.busy--
		c.metrics.lpisBusy.Dec()
		if d.lpis.busy == 0 {
			c.beginReleaseLocked(d)
			done = append(done, d)
		}
	}
	c.mu.Unlock()

	for _, d := range done {
		c.releaseDevice(d)
	}
}

// target resolves the queue target of irq under the registry lock.
func (c *Controller) target(irq *Interrupt) (Collection, error) {
	if !c.sources.active(irq) {
		return Collection{}, fmt.Errorf("its: %s: %w", irq, ErrUnknownInterrupt)
	}
	return c.colls[irq.cpu], nil
}

// Bind moves irq to cpu.
func (c *Controller) Bind(irq *Interrupt, cpu int) error {
	c.mu.Lock()
	if _, err := c.target(irq); err != nil {
		c.mu.Unlock()
		return err
	}
	coll, ok := c.colls[cpu]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("its: bind %s to cpu %d: %w", irq, cpu, ErrInvalidCPU)
	}
	irq.cpu = cpu
	dev, event := irq.device, irq.event
	c.mu.Unlock()

	var b Batch
	b.AddTargeted(command.Movi{DeviceID: dev, EventID: event, Collection: coll.ID}, coll.Target)
	return c.issue(&b)
}

// Enabled reports whether irq is unmasked.
func (c *Controller) Enabled(irq *Interrupt) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.target(irq); err != nil {
		return false, err
	}
	return irq.enabled, nil
}

// Affinity returns the CPU irq is routed to.
func (c *Controller) Affinity(irq *Interrupt) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.target(irq); err != nil {
		return 0, err
	}
	return irq.cpu, nil
}

// Enable unmasks irq.
func (c *Controller) Enable(irq *Interrupt) error { return c.setEnabled(irq, true) }

// Disable masks irq.
func (c *Controller) Disable(irq *Interrupt) error { return c.setEnabled(irq, false) }

func (c *Controller) setEnabled(irq *Interrupt, enable bool) error {
	c.mu.Lock()
	coll, err := c.target(irq)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	irq.enabled = enable
	lpiNum, dev, event := irq.lpi, irq.device, irq.event
	c.mu.Unlock()

	c.config.set(lpiNum, enable)

	var b Batch
	b.AddTargeted(command.Inv{DeviceID: dev, EventID: event}, coll.Target)
	return c.issue(&b)
}

// MapMSI returns the doorbell address and data a device writes to raise irq.
func (c *Controller) MapMSI(irq *Interrupt) (addr uint64, data uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sources.active(irq) {
		return 0, 0, fmt.Errorf("its: %s: %w", irq, ErrUnknownInterrupt)
	}
	return c.itsBase + regs.GITSTranslater, irq.event, nil
}

// SetHandler installs the handler Dispatch calls for irq.
func (c *Controller) SetHandler(irq *Interrupt, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sources.active(irq) {
		return fmt.Errorf("its: %s: %w", irq, ErrUnknownInterrupt)
	}
	irq.handler = h
	return nil
}

// Dispatch runs the handler of the interrupt bound to lpiNum.
func (c *Controller) Dispatch(lpiNum uint32) error {
	c.mu.Lock()
	irq := c.sources.lookup(lpiNum)
	if irq == nil {
		c.mu.Unlock()
		return fmt.Errorf("its: dispatch of lpi %d: %w", lpiNum, ErrUnknownInterrupt)
	}
	h := irq.handler
	c.mu.Unlock()

	if h != nil {
		h(irq)
	}
	return nil
}

// Collection returns the collection of an online CPU.
func (c *Controller) Collection(cpu int) (Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.colls[cpu]
	return coll, ok
}

// Stats is a point-in-time summary of controller state.
type Stats struct {
	Devices        int
	DeviceCapacity uint64
	Indirect       bool
	PageSize       uint64
	L2Pages        int
	LPIsFree       uint32
	LPIsReserved   uint32
	LPIsBusy       uint32
	Sources        int
	FreeSources    int
	OnlineCPUs     []int

	CommandsIssued     uint64
	CompletionTimeouts uint64
	QueueFlush         bool
	TableFlush         bool
	ConfigFlush        bool
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	var busy uint32
	for _, d := range c.devices {
		busy += d.lpis.busy
	}
	s := Stats{
		Devices:        len(c.devices),
		DeviceCapacity: c.devTable.Capacity(),
		Indirect:       c.devTable.layout.indirect,
		PageSize:       c.devTable.pageSize,
		L2Pages:        c.devTable.L2Pages(),
		LPIsFree:       c.lpis.Space().Count - c.lpis.Reserved(),
		LPIsReserved:   c.lpis.Reserved(),
		LPIsBusy:       busy,
		Sources:        c.sources.created,
		FreeSources:    len(c.sources.free),
		OnlineCPUs:     slices.Clone(c.online),
		TableFlush:     c.devTable.flush,
	}
	c.mu.Unlock()

	s.CommandsIssued = c.queue.issued.Load()
	s.CompletionTimeouts = c.queue.timeouts.Load()
	s.QueueFlush = c.queue.NeedsFlush()
	s.ConfigFlush = c.config.needsFlush()
	return s
}

// FreeRanges returns the free LPI ranges.
func (c *Controller) FreeRanges() []lpi.Range {
	return c.lpis.Free()
}

// Close disables the ITS and waits for it to become quiescent. Interrupts
// stay registered but no new allocation succeeds. Redistributors keep their
// LPI tables, so table memory is not returned.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.log.Info("its: detaching")
	return c.quiesce()
}
