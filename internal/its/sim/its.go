// Package sim models GICv3 ITS and redistributor hardware closely enough to
// drive the ITS driver in tests and in the itssim tool. The ITS consumes its
// command queue from simulated physical memory and keeps the translations the
// commands describe.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/command"
	"github.com/tinyrange/its/internal/its/regs"
)

// Memory is the physical memory the models access by DMA. hw.Arena
// implements it.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

var (
	ErrNotMapped = errors.New("sim: no translation")
	ErrDisabled  = errors.New("sim: ITS disabled")
)

// Drain selects when the ITS consumes queued commands.
type Drain int

const (
	// DrainEager executes commands as soon as CWRITER moves.
	DrainEager Drain = iota
	// DrainStall never consumes commands until Step or SetDrain is called.
	DrainStall
	// DrainOnPoll consumes everything after RespondAfter reads of CREADR.
	DrainOnPoll
	// DrainRate consumes Rate() slots on every read of CREADR.
	DrainRate
)

// Options configure the simulated ITS.
type Options struct {
	// PageSizes accepted by the BASER registers. Empty accepts all.
	PageSizes []uint64
	// Indirect lets the device table use a two-level layout.
	Indirect bool
	// NonShareable makes every table descriptor read back non-shareable.
	NonShareable bool
	// CollectionTable exposes a collection table in GITS_BASER1.
	CollectionTable bool

	DevBits      uint
	IDBits       uint
	CIDBits      uint
	ITTEntrySize uint64
	// DeviceEntrySize is the device table entry size.
	DeviceEntrySize uint64
	// PTA makes collection targets redistributor physical addresses.
	PTA bool

	Drain        Drain
	RespondAfter int
	Rate         func() int
}

func (o *Options) defaults() {
	if o.DevBits == 0 {
		o.DevBits = 16
	}
	if o.IDBits == 0 {
		o.IDBits = 16
	}
	if o.CIDBits == 0 {
		o.CIDBits = 16
	}
	if o.ITTEntrySize == 0 {
		o.ITTEntrySize = 8
	}
	if o.DeviceEntrySize == 0 {
		o.DeviceEntrySize = 8
	}
}

type mapping struct {
	itt  uint64
	size uint8
}

type translation struct {
	lpi        uint32
	collection uint16
}

// Delivery is the outcome of one MSI write.
type Delivery struct {
	LPI uint32
	CPU int
	// Enabled is the cached configuration enable bit. A disabled LPI is
	// made pending but not signalled.
	Enabled bool
}

// ITS is a simulated interrupt translation service.
type ITS struct {
	mu sync.Mutex

	base uint64
	mem  Memory
	opts Options

	ctlr    uint32
	cbaser  uint64
	cwriter uint64
	creadr  uint64
	baser   [regs.GITSNumBasers]uint64
	polls   int

	redists []*Redistributor
	devices map[uint32]mapping
	ites    map[uint32]map[uint32]translation
	colls   map[uint16]uint64
	// cached holds the configuration bytes last read by MAPTI, INV or INVALL.
	cached map[uint32]uint8

	log  []command.Command
	errs []error
}

// New creates an ITS whose register frame starts at base.
func New(mem Memory, base uint64, opts Options) *ITS {
	opts.defaults()
	s := &ITS{
		base:    base,
		mem:     mem,
		opts:    opts,
		devices: make(map[uint32]mapping),
		ites:    make(map[uint32]map[uint32]translation),
		colls:   make(map[uint16]uint64),
		cached:  make(map[uint32]uint8),
	}
	s.baser[0] = uint64(regs.TableDevices)<<regs.BaserTypeShift |
		(opts.DeviceEntrySize-1)<<regs.BaserEntrySizeShift
	if opts.CollectionTable {
		s.baser[1] = uint64(regs.TableCollections)<<regs.BaserTypeShift |
			(8-1)<<regs.BaserEntrySizeShift
	}
	return s
}

// AddRedistributor makes a redistributor reachable as a collection target.
func (s *ITS) AddRedistributor(r *Redistributor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redists = append(s.redists, r)
}

// Base returns the physical address of the register frame.
func (s *ITS) Base() uint64 { return s.base }

// Port returns a register port over the ITS frame.
func (s *ITS) Port() hw.MMIOPort {
	return hw.MMIOPort{
		Region:  hw.MMIORegion{Address: s.base, Size: regs.GITSFrameSize},
		Handler: s,
	}
}

// SetDrain changes the drain mode and consumes pending commands if the new
// mode is eager.
func (s *ITS) SetDrain(d Drain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Drain = d
	s.polls = 0
	if d == DrainEager {
		s.drainLocked(-1)
	}
}

// Step consumes up to n queued commands regardless of the drain mode.
func (s *ITS) Step(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked(n)
}

// Commands returns every executed command in order.
func (s *ITS) Commands() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// ResetLog clears the executed command log.
func (s *ITS) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// Errors returns command execution failures. A correct driver causes none.
func (s *ITS) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.errs)
}

// Mapped reports whether a device has a valid MAPD.
func (s *ITS) Mapped(dev uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[dev]
	return ok
}

// DeviceITT returns the ITT address and size field of a mapped device.
func (s *ITS) DeviceITT(dev uint32) (itt uint64, size uint8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.devices[dev]
	return m.itt, m.size, ok
}

// CollectionTarget returns the target a collection is mapped to.
func (s *ITS) CollectionTarget(id uint16) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.colls[id]
	return t, ok
}

// Pending returns the number of submitted but unconsumed commands.
func (s *ITS) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.queued())
}

func (s *ITS) typer() uint64 {
	return regs.MakeTyper(s.opts.ITTEntrySize, s.opts.IDBits, s.opts.DevBits, s.opts.CIDBits, s.opts.PTA)
}

func (s *ITS) queueBytes() uint64 {
	return (s.cbaser&regs.CbaserSizeMask + 1) * regs.PageSize4K
}

func (s *ITS) queued() uint64 {
	size := s.queueBytes()
	return ((s.cwriter + size - s.creadr) % size) / command.Size
}

// ReadMMIO implements hw.MmioHandler.
func (s *ITS) ReadMMIO(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := addr - s.base
	switch {
	case off == regs.GITSCtlr && len(data) == 4:
		v := s.ctlr
		if v&regs.CtlrEnabled == 0 {
			v |= regs.CtlrQuiescent
		}
		binary.LittleEndian.PutUint32(data, v)
	case off == regs.GITSIidr && len(data) == 4:
		binary.LittleEndian.PutUint32(data, 0x43b)
	case off == regs.GITSTyper && len(data) == 8:
		binary.LittleEndian.PutUint64(data, s.typer())
	case off == regs.GITSCbaser && len(data) == 8:
		binary.LittleEndian.PutUint64(data, s.cbaser)
	case off == regs.GITSCwriter && len(data) == 8:
		binary.LittleEndian.PutUint64(data, s.cwriter)
	case off == regs.GITSCreadr && len(data) == 8:
		s.pollLocked()
		binary.LittleEndian.PutUint64(data, s.creadr)
	case off >= regs.GITSBaser0 && off < regs.GITSBaser(regs.GITSNumBasers) && len(data) == 8 && off%8 == 0:
		binary.LittleEndian.PutUint64(data, s.baser[(off-regs.GITSBaser0)/8])
	default:
		return fmt.Errorf("sim: its: unsupported read of %d bytes at offset 0x%x", len(data), off)
	}
	return nil
}

// WriteMMIO implements hw.MmioHandler.
func (s *ITS) WriteMMIO(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := addr - s.base
	switch {
	case off == regs.GITSCtlr && len(data) == 4:
		s.ctlr = binary.LittleEndian.Uint32(data) & regs.CtlrEnabled
		if s.opts.Drain == DrainEager {
			s.drainLocked(-1)
		}
	case off == regs.GITSCbaser && len(data) == 8:
		v := binary.LittleEndian.Uint64(data)
		if s.opts.NonShareable {
			v = regs.WithShareability(v, regs.ShareNone)
		}
		s.cbaser = v
		s.cwriter = 0
		s.creadr = 0
	case off == regs.GITSCwriter && len(data) == 8:
		s.cwriter = binary.LittleEndian.Uint64(data) & regs.QueueOffsetMask
		if s.opts.Drain == DrainEager {
			s.drainLocked(-1)
		}
	case off == regs.GITSTranslater && len(data) == 4:
		return fmt.Errorf("sim: its: use MSIWrite to raise interrupts")
	case off >= regs.GITSBaser0 && off < regs.GITSBaser(regs.GITSNumBasers) && len(data) == 8 && off%8 == 0:
		n := (off - regs.GITSBaser0) / 8
		s.baser[n] = s.writeBaser(s.baser[n], binary.LittleEndian.Uint64(data))
	default:
		return fmt.Errorf("sim: its: unsupported write of %d bytes at offset 0x%x", len(data), off)
	}
	return nil
}

// writeBaser applies a BASER write. Type and entry size are read-only, page
// sizes outside the accepted set fall back to the next smaller accepted one.
func (s *ITS) writeBaser(old, v uint64) uint64 {
	if regs.BaserType(old) == regs.TableNone {
		return old
	}
	ro := regs.BaserTypeMask | regs.BaserEntrySizeMask
	v = v&^ro | old&ro

	if size := regs.BaserPageSize(v); !s.acceptsPageSize(size) {
		fallback := uint64(0)
		for _, cand := range []uint64{regs.PageSize64K, regs.PageSize16K, regs.PageSize4K} {
			if cand < size && s.acceptsPageSize(cand) {
				fallback = cand
				break
			}
		}
		v = v&^regs.BaserPageSizeMask | regs.EncodePageSize(fallback)
	}
	if !s.opts.Indirect || regs.BaserType(v) != regs.TableDevices {
		v &^= regs.BaserIndirect
	}
	if s.opts.NonShareable {
		v = regs.WithShareability(v, regs.ShareNone)
	}
	return v
}

func (s *ITS) acceptsPageSize(size uint64) bool {
	if size == 0 {
		return false
	}
	return len(s.opts.PageSizes) == 0 || slices.Contains(s.opts.PageSizes, size)
}

func (s *ITS) pollLocked() {
	switch s.opts.Drain {
	case DrainOnPoll:
		s.polls++
		if s.polls > s.opts.RespondAfter {
			s.drainLocked(-1)
			s.polls = 0
		}
	case DrainRate:
		if s.opts.Rate != nil {
			if n := s.opts.Rate(); n > 0 {
				s.drainLocked(n)
			}
		}
	}
}

// drainLocked executes up to n commands, or all of them when n < 0.
func (s *ITS) drainLocked(n int) {
	if s.ctlr&regs.CtlrEnabled == 0 || s.cbaser&regs.CbaserValid == 0 {
		return
	}
	size := s.queueBytes()
	base := s.cbaser & regs.CbaserAddrMask
	for n != 0 && s.creadr != s.cwriter {
		var slot [command.Size]byte
		if _, err := s.mem.ReadAt(slot[:], int64(base+s.creadr)); err != nil {
			s.fail(fmt.Errorf("sim: read command at 0x%x: %w", base+s.creadr, err))
		} else {
			s.execute(slot[:])
		}
		s.creadr = (s.creadr + command.Size) % size
		if n > 0 {
			n--
		}
	}
}

func (s *ITS) fail(err error) {
	s.errs = append(s.errs, err)
	debug.Writef("sim its", "%v", err)
}

func (s *ITS) execute(slot []byte) {
	cmd, err := command.Decode(slot)
	if err != nil {
		s.fail(err)
		return
	}
	s.log = append(s.log, cmd)

	switch c := cmd.(type) {
	case command.Mapd:
		if !c.Valid {
			delete(s.devices, c.DeviceID)
			for event, t := range s.ites[c.DeviceID] {
				delete(s.cached, t.lpi)
				delete(s.ites[c.DeviceID], event)
			}
			delete(s.ites, c.DeviceID)
			return
		}
		if err := s.checkDeviceEntry(c.DeviceID); err != nil {
			s.fail(err)
			return
		}
		s.devices[c.DeviceID] = mapping{itt: c.ITT, size: c.Size}
		if s.ites[c.DeviceID] == nil {
			s.ites[c.DeviceID] = make(map[uint32]translation)
		}
	case command.Mapc:
		if !c.Valid {
			delete(s.colls, c.Collection)
			return
		}
		if s.redistributor(c.Target) == nil {
			s.fail(fmt.Errorf("sim: MAPC to unknown target 0x%x", c.Target))
			return
		}
		s.colls[c.Collection] = c.Target
	case command.Mapti:
		s.mapEvent(c.DeviceID, c.EventID, c.PhysicalID, c.Collection)
	case command.Mapi:
		s.mapEvent(c.DeviceID, c.EventID, c.EventID, c.Collection)
	case command.Movi:
		t, err := s.lookup(c.DeviceID, c.EventID)
		if err != nil {
			s.fail(fmt.Errorf("sim: MOVI: %w", err))
			return
		}
		if _, ok := s.colls[c.Collection]; !ok {
			s.fail(fmt.Errorf("sim: MOVI to unmapped collection %d", c.Collection))
			return
		}
		t.collection = c.Collection
		s.ites[c.DeviceID][c.EventID] = t
	case command.Inv:
		t, err := s.lookup(c.DeviceID, c.EventID)
		if err != nil {
			s.fail(fmt.Errorf("sim: INV: %w", err))
			return
		}
		s.refresh(t)
	case command.Invall:
		if _, ok := s.colls[c.Collection]; !ok {
			s.fail(fmt.Errorf("sim: INVALL of unmapped collection %d", c.Collection))
			return
		}
		for _, events := range s.ites {
			for _, t := range events {
				if t.collection == c.Collection {
					s.refresh(t)
				}
			}
		}
	case command.Sync:
		if s.redistributor(c.Target) == nil {
			s.fail(fmt.Errorf("sim: SYNC to unknown target 0x%x", c.Target))
		}
	}
}

// checkDeviceEntry verifies the device table covers dev, including a valid
// L1 entry in indirect mode.
func (s *ITS) checkDeviceEntry(dev uint32) error {
	b := s.baser[0]
	if b&regs.BaserValid == 0 {
		return fmt.Errorf("sim: MAPD 0x%x without a device table", dev)
	}
	page := regs.BaserPageSize(b)
	esize := regs.BaserEntrySize(b)
	pages := b&regs.BaserSizeMask + 1
	addr := b & regs.BaserAddrMask

	if b&regs.BaserIndirect == 0 {
		if uint64(dev) >= pages*page/esize {
			return fmt.Errorf("sim: MAPD 0x%x beyond direct device table", dev)
		}
		return nil
	}
	idx := uint64(dev) / (page / esize)
	if idx >= pages*page/regs.L1EntrySize {
		return fmt.Errorf("sim: MAPD 0x%x beyond indirect device table", dev)
	}
	var e [regs.L1EntrySize]byte
	if _, err := s.mem.ReadAt(e[:], int64(addr+idx*regs.L1EntrySize)); err != nil {
		return fmt.Errorf("sim: read L1 entry %d: %w", idx, err)
	}
	if binary.LittleEndian.Uint64(e[:])&regs.L1EntryValid == 0 {
		return fmt.Errorf("sim: MAPD 0x%x with invalid L1 entry %d", dev, idx)
	}
	return nil
}

func (s *ITS) mapEvent(dev, event, lpi uint32, coll uint16) {
	m, ok := s.devices[dev]
	if !ok {
		s.fail(fmt.Errorf("sim: MAPTI for unmapped device 0x%x", dev))
		return
	}
	if uint64(event) >= uint64(1)<<(m.size+1) {
		s.fail(fmt.Errorf("sim: MAPTI event %d beyond device 0x%x size %d", event, dev, m.size))
		return
	}
	if lpi < regs.FirstLPI {
		s.fail(fmt.Errorf("sim: MAPTI to non-LPI INTID %d", lpi))
		return
	}
	if _, ok := s.colls[coll]; !ok {
		s.fail(fmt.Errorf("sim: MAPTI to unmapped collection %d", coll))
		return
	}
	t := translation{lpi: lpi, collection: coll}
	s.ites[dev][event] = t
	s.refresh(t)
}

func (s *ITS) lookup(dev, event uint32) (translation, error) {
	if _, ok := s.devices[dev]; !ok {
		return translation{}, fmt.Errorf("device 0x%x: %w", dev, ErrNotMapped)
	}
	t, ok := s.ites[dev][event]
	if !ok {
		return translation{}, fmt.Errorf("device 0x%x event %d: %w", dev, event, ErrNotMapped)
	}
	return t, nil
}

func (s *ITS) refresh(t translation) {
	rd := s.redistributor(s.colls[t.collection])
	if rd == nil {
		return
	}
	b, err := rd.configByte(t.lpi)
	if err != nil {
		s.fail(err)
		return
	}
	s.cached[t.lpi] = b
}

func (s *ITS) redistributor(target uint64) *Redistributor {
	for _, rd := range s.redists {
		var t uint64
		if s.opts.PTA {
			t = rd.Base() & command.TargetMask
		} else {
			t = rd.procNum << 16
		}
		if t == target {
			return rd
		}
	}
	return nil
}

// CachedConfig returns the configuration byte the ITS last loaded for lpi.
func (s *ITS) CachedConfig(lpi uint32) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.cached[lpi]
	return b, ok
}

// MSIWrite models a device writing data to GITS_TRANSLATER. The translated
// LPI is made pending on the target redistributor.
func (s *ITS) MSIWrite(dev, data uint32) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctlr&regs.CtlrEnabled == 0 {
		return Delivery{}, ErrDisabled
	}
	t, err := s.lookup(dev, data)
	if err != nil {
		return Delivery{}, err
	}
	target, ok := s.colls[t.collection]
	if !ok {
		return Delivery{}, fmt.Errorf("collection %d: %w", t.collection, ErrNotMapped)
	}
	rd := s.redistributor(target)
	if rd == nil {
		return Delivery{}, fmt.Errorf("target 0x%x: %w", target, ErrNotMapped)
	}
	if err := rd.setPending(t.lpi); err != nil {
		return Delivery{}, err
	}
	return Delivery{
		LPI:     t.lpi,
		CPU:     rd.CPU(),
		Enabled: s.cached[t.lpi]&regs.LPIConfEnable != 0,
	}, nil
}

var _ hw.MmioHandler = (*ITS)(nil)
