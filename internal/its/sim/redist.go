package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/regs"
)

// Redistributor models the LPI registers of one GICv3 redistributor.
type Redistributor struct {
	mu sync.Mutex

	mem     Memory
	cpu     int
	base    uint64
	procNum uint64

	// NonShareable makes PROPBASER and PENDBASER read back non-shareable.
	NonShareable bool
	// NoLPIs clears GICR_TYPER.PLPIS.
	NoLPIs bool

	ctlr      uint32
	propbaser uint64
	pendbaser uint64
}

// NewRedistributor models the redistributor of cpu with its RD_base frame at
// base. The processor number equals the CPU number.
func NewRedistributor(mem Memory, cpu int, base uint64) *Redistributor {
	return &Redistributor{mem: mem, cpu: cpu, base: base, procNum: uint64(cpu)}
}

// CPU returns the CPU the redistributor serves.
func (r *Redistributor) CPU() int { return r.cpu }

// Base returns the physical address of the RD_base frame.
func (r *Redistributor) Base() uint64 { return r.base }

// Port returns a register port over the frame.
func (r *Redistributor) Port() hw.MMIOPort {
	return hw.MMIOPort{
		Region:  hw.MMIORegion{Address: r.base, Size: regs.GICRFrameSize},
		Handler: r,
	}
}

// Preload models an earlier boot stage that already enabled LPIs.
func (r *Redistributor) Preload(propbaser, pendbaser uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.propbaser = propbaser
	r.pendbaser = pendbaser &^ regs.PendbaserPTZ
	r.ctlr |= regs.GICRCtlrEnableLPIs
}

// LPIsEnabled reports GICR_CTLR.EnableLPIs.
func (r *Redistributor) LPIsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctlr&regs.GICRCtlrEnableLPIs != 0
}

// Propbaser returns the programmed GICR_PROPBASER.
func (r *Redistributor) Propbaser() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.propbaser
}

// Pendbaser returns the programmed GICR_PENDBASER.
func (r *Redistributor) Pendbaser() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendbaser
}

func (r *Redistributor) typer() uint64 {
	t := r.procNum << 8
	if !r.NoLPIs {
		t |= regs.GICRTyperPLPIS
	}
	return t
}

// ReadMMIO implements hw.MmioHandler.
func (r *Redistributor) ReadMMIO(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch off := addr - r.base; {
	case off == regs.GICRCtlr && len(data) == 4:
		binary.LittleEndian.PutUint32(data, r.ctlr)
	case off == regs.GICRTyper && len(data) == 8:
		binary.LittleEndian.PutUint64(data, r.typer())
	case off == regs.GICRPropbaser && len(data) == 8:
		binary.LittleEndian.PutUint64(data, r.propbaser)
	case off == regs.GICRPendbaser && len(data) == 8:
		binary.LittleEndian.PutUint64(data, r.pendbaser)
	default:
		return fmt.Errorf("sim: gicr%d: unsupported read of %d bytes at offset 0x%x", r.cpu, len(data), off)
	}
	return nil
}

// WriteMMIO implements hw.MmioHandler. EnableLPIs cannot be cleared once
// set and the table registers ignore writes while it is set.
func (r *Redistributor) WriteMMIO(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := r.ctlr&regs.GICRCtlrEnableLPIs != 0
	switch off := addr - r.base; {
	case off == regs.GICRCtlr && len(data) == 4:
		r.ctlr = binary.LittleEndian.Uint32(data) | r.ctlr&regs.GICRCtlrEnableLPIs
	case off == regs.GICRPropbaser && len(data) == 8:
		if !enabled {
			r.propbaser = r.shareability(binary.LittleEndian.Uint64(data))
		}
	case off == regs.GICRPendbaser && len(data) == 8:
		if !enabled {
			r.pendbaser = r.shareability(binary.LittleEndian.Uint64(data)) &^ regs.PendbaserPTZ
		}
	default:
		return fmt.Errorf("sim: gicr%d: unsupported write of %d bytes at offset 0x%x", r.cpu, len(data), off)
	}
	return nil
}

func (r *Redistributor) shareability(v uint64) uint64 {
	if r.NonShareable {
		return regs.WithShareability(v, regs.ShareNone)
	}
	return v
}

// configByte reads the LPI configuration byte of lpi from the table the
// redistributor points at.
func (r *Redistributor) configByte(lpi uint32) (uint8, error) {
	r.mu.Lock()
	prop := r.propbaser
	r.mu.Unlock()

	if lpi < regs.FirstLPI {
		return 0, fmt.Errorf("sim: INTID %d is not an LPI", lpi)
	}
	if limit := uint64(1) << (prop&regs.PropbaserIDBitsMask + 1); uint64(lpi) >= limit {
		return 0, fmt.Errorf("sim: LPI %d beyond PROPBASER ID bits", lpi)
	}
	var b [1]byte
	if _, err := r.mem.ReadAt(b[:], int64(prop&regs.PropbaserAddrMask+uint64(lpi)-regs.FirstLPI)); err != nil {
		return 0, fmt.Errorf("sim: read config byte of LPI %d: %w", lpi, err)
	}
	return b[0], nil
}

func (r *Redistributor) pendingAddr(lpi uint32) (uint64, uint8) {
	r.mu.Lock()
	pend := r.pendbaser
	r.mu.Unlock()
	return pend&regs.PendbaserAddrMask + uint64(lpi/8), uint8(1) << (lpi % 8)
}

// setPending sets the pending bit of lpi.
func (r *Redistributor) setPending(lpi uint32) error {
	addr, bit := r.pendingAddr(lpi)
	var b [1]byte
	if _, err := r.mem.ReadAt(b[:], int64(addr)); err != nil {
		return fmt.Errorf("sim: read pending byte of LPI %d: %w", lpi, err)
	}
	b[0] |= bit
	if _, err := r.mem.WriteAt(b[:], int64(addr)); err != nil {
		return fmt.Errorf("sim: write pending byte of LPI %d: %w", lpi, err)
	}
	return nil
}

// Pending reports whether lpi is pending in the redistributor's table.
func (r *Redistributor) Pending(lpi uint32) bool {
	addr, bit := r.pendingAddr(lpi)
	var b [1]byte
	if _, err := r.mem.ReadAt(b[:], int64(addr)); err != nil {
		return false
	}
	return b[0]&bit != 0
}

// Ack clears the pending bit of lpi.
func (r *Redistributor) Ack(lpi uint32) {
	addr, bit := r.pendingAddr(lpi)
	var b [1]byte
	if _, err := r.mem.ReadAt(b[:], int64(addr)); err != nil {
		return
	}
	b[0] &^= bit
	_, _ = r.mem.WriteAt(b[:], int64(addr))
}

var _ hw.MmioHandler = (*Redistributor)(nil)
