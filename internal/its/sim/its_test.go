package sim

import (
	"errors"
	"testing"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/command"
	"github.com/tinyrange/its/internal/its/regs"
)

const (
	itsBase  = 0x0800_0000
	gicrBase = 0x080a_0000
)

// machine is a hand-programmed ITS with one redistributor and a 4KiB queue.
type machine struct {
	arena *hw.Arena
	its   *ITS
	rd    *Redistributor
	port  hw.MMIOPort
	queue hw.Block
	conf  hw.Block
	slots uint64
}

func newMachine(t *testing.T, opts Options) *machine {
	t.Helper()
	arena, err := hw.NewArena(0x4000_0000, 4<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	m := &machine{arena: arena, its: New(arena, itsBase, opts)}
	m.rd = NewRedistributor(arena, 0, gicrBase)
	m.its.AddRedistributor(m.rd)
	m.port = m.its.Port()

	alloc := func(name string, size uint64) hw.Block {
		b, err := arena.Alloc(hw.AllocRequest{Name: name, Size: size, Alignment: regs.PageSize64K})
		if err != nil {
			t.Fatalf("Alloc %s: %v", name, err)
		}
		return b
	}

	// 14 id bits: LPIs 8192..16383.
	m.conf = alloc("prop", 8192)
	pend := alloc("pend", 2048)
	rdPort := m.rd.Port()
	rdPort.Write64(regs.GICRPropbaser, m.conf.Phys|13)
	rdPort.Write64(regs.GICRPendbaser, pend.Phys)
	rdPort.Write32(regs.GICRCtlr, regs.GICRCtlrEnableLPIs)

	devs := alloc("devices", regs.PageSize64K)
	m.port.Write64(regs.GITSBaser(0), regs.BaserValid|devs.Phys|regs.EncodePageSize(regs.PageSize64K))

	m.queue = alloc("queue", regs.PageSize4K)
	m.port.Write64(regs.GITSCbaser, regs.CbaserValid|m.queue.Phys)
	m.port.Write32(regs.GITSCtlr, regs.CtlrEnabled)
	return m
}

func (m *machine) send(cmds ...command.Command) {
	for _, c := range cmds {
		off := m.slots % (regs.PageSize4K / command.Size) * command.Size
		c.Encode(m.queue.Bytes[off : off+command.Size])
		m.slots++
	}
	m.port.Write64(regs.GITSCwriter, m.slots%(regs.PageSize4K/command.Size)*command.Size)
}

func (m *machine) mapEvent(t *testing.T, dev, event, lpi uint32) {
	t.Helper()
	itt, err := m.arena.Alloc(hw.AllocRequest{Name: "itt", Size: 256, Alignment: 256})
	if err != nil {
		t.Fatalf("Alloc itt: %v", err)
	}
	m.send(
		command.Mapd{DeviceID: dev, ITT: itt.Phys, Size: 1, Valid: true},
		command.Mapc{Collection: 0, Target: 0, Valid: true},
		command.Mapti{DeviceID: dev, EventID: event, PhysicalID: lpi, Collection: 0},
		command.Sync{Target: 0},
	)
}

func TestMSIDelivery(t *testing.T) {
	m := newMachine(t, Options{})
	m.conf.Bytes[0] = 0xa0 | regs.LPIConfEnable
	m.mapEvent(t, 1, 0, 8192)

	if errs := m.its.Errors(); len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if m.its.Pending() != 0 {
		t.Fatalf("eager ITS left %d commands queued", m.its.Pending())
	}
	if b, ok := m.its.CachedConfig(8192); !ok || b != 0xa0|regs.LPIConfEnable {
		t.Fatalf("cached config = 0x%x, %t", b, ok)
	}

	d, err := m.its.MSIWrite(1, 0)
	if err != nil {
		t.Fatalf("MSIWrite: %v", err)
	}
	if d.LPI != 8192 || d.CPU != 0 || !d.Enabled {
		t.Fatalf("delivery = %+v", d)
	}
	if !m.rd.Pending(8192) {
		t.Fatalf("LPI 8192 not pending")
	}
	m.rd.Ack(8192)
	if m.rd.Pending(8192) {
		t.Fatalf("LPI 8192 still pending after ack")
	}

	if _, err := m.its.MSIWrite(1, 1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("MSIWrite to unmapped event = %v, want ErrNotMapped", err)
	}
	if _, err := m.its.MSIWrite(2, 0); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("MSIWrite to unmapped device = %v, want ErrNotMapped", err)
	}
}

func TestInvReloadsConfig(t *testing.T) {
	m := newMachine(t, Options{})
	m.mapEvent(t, 1, 0, 8192)

	d, err := m.its.MSIWrite(1, 0)
	if err != nil {
		t.Fatalf("MSIWrite: %v", err)
	}
	if d.Enabled {
		t.Fatalf("disabled LPI signalled")
	}

	m.conf.Bytes[0] |= regs.LPIConfEnable
	if d, _ := m.its.MSIWrite(1, 0); d.Enabled {
		t.Fatalf("config change seen without INV")
	}
	m.send(command.Inv{DeviceID: 1, EventID: 0}, command.Sync{})
	if d, _ := m.its.MSIWrite(1, 0); !d.Enabled {
		t.Fatalf("config change not seen after INV")
	}
}

func TestUnmapDropsTranslations(t *testing.T) {
	m := newMachine(t, Options{})
	m.mapEvent(t, 7, 1, 8200)

	m.send(command.Mapd{DeviceID: 7, Valid: false}, command.Sync{})
	if m.its.Mapped(7) {
		t.Fatalf("device still mapped")
	}
	if _, err := m.its.MSIWrite(7, 1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("MSIWrite after unmap = %v", err)
	}
	if _, ok := m.its.CachedConfig(8200); ok {
		t.Fatalf("cached config survived unmap")
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		cmds []command.Command
	}{
		{"event beyond size", []command.Command{command.Mapti{DeviceID: 1, EventID: 4, PhysicalID: 8192}}},
		{"non-LPI intid", []command.Command{command.Mapti{DeviceID: 1, EventID: 1, PhysicalID: 100}}},
		{"unmapped collection", []command.Command{command.Mapti{DeviceID: 1, EventID: 1, PhysicalID: 8193, Collection: 3}}},
		{"unknown sync target", []command.Command{command.Sync{Target: 5 << 16}}},
		{"unknown mapc target", []command.Command{command.Mapc{Collection: 1, Target: 9 << 16, Valid: true}}},
		{"device beyond table", []command.Command{command.Mapd{DeviceID: 1 << 14, ITT: 0x4000_0000, Valid: true}}},
		{"inv of unmapped event", []command.Command{command.Inv{DeviceID: 1, EventID: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, Options{})
			m.mapEvent(t, 1, 0, 8192)
			if len(m.its.Errors()) != 0 {
				t.Fatalf("setup failed: %v", m.its.Errors())
			}
			m.send(tt.cmds...)
			if len(m.its.Errors()) == 0 {
				t.Fatalf("%v accepted", tt.cmds)
			}
		})
	}
}

func TestDrainModes(t *testing.T) {
	m := newMachine(t, Options{Drain: DrainStall})
	m.send(command.Sync{}, command.Sync{}, command.Sync{})

	if got := m.its.Pending(); got != 3 {
		t.Fatalf("stalled ITS pending = %d, want 3", got)
	}
	if m.port.Read64(regs.GITSCreadr) != 0 {
		t.Fatalf("stalled ITS advanced CREADR")
	}
	m.its.Step(1)
	if got := m.its.Pending(); got != 2 {
		t.Fatalf("pending after Step(1) = %d, want 2", got)
	}
	m.its.SetDrain(DrainEager)
	if got := m.its.Pending(); got != 0 {
		t.Fatalf("pending after eager = %d", got)
	}
	if got := len(m.its.Commands()); got != 3 {
		t.Fatalf("executed %d commands, want 3", got)
	}

	m.its.SetDrain(DrainOnPoll)
	m.its.opts.RespondAfter = 2
	m.send(command.Sync{})
	for i := 0; i < 2; i++ {
		if m.port.Read64(regs.GITSCreadr) == m.port.Read64(regs.GITSCwriter) {
			t.Fatalf("ITS responded after %d polls", i+1)
		}
	}
	if m.port.Read64(regs.GITSCreadr) != m.port.Read64(regs.GITSCwriter) {
		t.Fatalf("ITS did not respond on the third poll")
	}
}

func TestDisabledITSDoesNotExecute(t *testing.T) {
	m := newMachine(t, Options{})
	m.port.Write32(regs.GITSCtlr, 0)
	if m.port.Read32(regs.GITSCtlr)&regs.CtlrQuiescent == 0 {
		t.Fatalf("disabled ITS not quiescent")
	}
	m.send(command.Sync{})
	if m.its.Pending() != 1 {
		t.Fatalf("disabled ITS consumed commands")
	}
	if _, err := m.its.MSIWrite(1, 0); !errors.Is(err, ErrDisabled) {
		t.Fatalf("MSIWrite while disabled = %v", err)
	}
	m.port.Write32(regs.GITSCtlr, regs.CtlrEnabled)
	if m.its.Pending() != 0 {
		t.Fatalf("enable did not drain the queue")
	}
}

func TestBaserReadback(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		write uint64
		page  uint64
		ind   bool
	}{
		{"accepted", Options{}, regs.EncodePageSize(regs.PageSize16K), regs.PageSize16K, false},
		{"fallback", Options{PageSizes: []uint64{regs.PageSize4K}}, regs.EncodePageSize(regs.PageSize64K), regs.PageSize4K, false},
		{"no smaller size", Options{PageSizes: []uint64{regs.PageSize16K}}, regs.EncodePageSize(regs.PageSize4K), 0, false},
		{"indirect unsupported", Options{}, regs.BaserIndirect | regs.EncodePageSize(regs.PageSize64K), regs.PageSize64K, false},
		{"indirect supported", Options{Indirect: true}, regs.BaserIndirect | regs.EncodePageSize(regs.PageSize64K), regs.PageSize64K, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, itsBase, tt.opts)
			p := s.Port()
			p.Write64(regs.GITSBaser(0), tt.write|uint64(regs.TableCollections)<<regs.BaserTypeShift)
			got := p.Read64(regs.GITSBaser(0))
			if regs.BaserType(got) != regs.TableDevices {
				t.Fatalf("table type changed to %d", regs.BaserType(got))
			}
			if regs.BaserPageSize(got) != tt.page {
				t.Fatalf("page size = 0x%x, want 0x%x", regs.BaserPageSize(got), tt.page)
			}
			if (got&regs.BaserIndirect != 0) != tt.ind {
				t.Fatalf("indirect = %t, want %t", got&regs.BaserIndirect != 0, tt.ind)
			}
		})
	}
}

func TestAbsentTableIgnoresWrites(t *testing.T) {
	s := New(nil, itsBase, Options{})
	p := s.Port()
	p.Write64(regs.GITSBaser(1), regs.BaserValid|0x1234000)
	if got := p.Read64(regs.GITSBaser(1)); got != 0 {
		t.Fatalf("BASER1 = 0x%x, want 0", got)
	}
}

func TestRedistributorStickyEnable(t *testing.T) {
	rd := NewRedistributor(nil, 3, gicrBase)
	rd.Preload(0x1000_0000|15, 0x2000_0000|regs.PendbaserPTZ)
	if rd.Pendbaser()&regs.PendbaserPTZ != 0 {
		t.Fatalf("PTZ reads back")
	}

	p := rd.Port()
	p.Write64(regs.GICRPropbaser, 0x3000_0000)
	if rd.Propbaser() != 0x1000_0000|15 {
		t.Fatalf("PROPBASER changed while LPIs enabled: 0x%x", rd.Propbaser())
	}
	p.Write32(regs.GICRCtlr, 0)
	if !rd.LPIsEnabled() {
		t.Fatalf("EnableLPIs cleared")
	}
	if got := regs.GICRTyperProcNum(p.Read64(regs.GICRTyper)); got != 3 {
		t.Fatalf("processor number = %d, want 3", got)
	}

	rd.NoLPIs = true
	if p.Read64(regs.GICRTyper)&regs.GICRTyperPLPIS != 0 {
		t.Fatalf("PLPIS set with NoLPIs")
	}
}
