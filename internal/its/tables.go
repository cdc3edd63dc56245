package its

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/regs"
)

// tableLayout is the shape of one GITS_BASER table.
type tableLayout struct {
	indirect bool
	// l1Entries is the number of first-level slots in indirect mode.
	l1Entries uint64
	// l2Entries is the number of identifiers covered by one second-level
	// page in indirect mode.
	l2Entries uint64
	pages     uint64
	// capacity is the number of identifiers the table can hold.
	capacity uint64
	// capped is set when the identifier space did not fit.
	capped bool
}

func (l tableLayout) bytes(pageSize uint64) uint64 { return l.pages * pageSize }

// sizeTable lays out a table for idents identifiers of esize bytes. A direct
// table larger than two pages switches to an indirect layout when indirectOK.
// Tables beyond the BASER size field are capped to BaserMaxPages.
func sizeTable(esize, idents, pageSize uint64, indirectOK bool) tableLayout {
	direct := idents * esize
	if direct > 2*pageSize && indirectOK {
		l2 := pageSize / esize
		l1 := (idents + l2 - 1) / l2
		pages := hw.AlignUp(l1*regs.L1EntrySize, pageSize) / pageSize
		capped := false
		if pages > regs.BaserMaxPages {
			pages = regs.BaserMaxPages
			l1 = pages * pageSize / regs.L1EntrySize
			capped = true
		}
		return tableLayout{
			indirect:  true,
			l1Entries: l1,
			l2Entries: l2,
			pages:     pages,
			capacity:  min(l1*l2, idents),
			capped:    capped,
		}
	}

	pages := hw.AlignUp(direct, pageSize) / pageSize
	capped := false
	if pages > regs.BaserMaxPages {
		pages = regs.BaserMaxPages
		capped = true
	}
	return tableLayout{
		pages:    pages,
		capacity: min(pages*pageSize/esize, idents),
		capped:   capped,
	}
}

// negotiatePageSize finds the largest page size up to limit that BASER n keeps
// on readback. reg is the descriptor value without a page size.
func negotiatePageSize(port hw.RegisterPort, n int, reg, limit uint64) (uint64, error) {
	off := regs.GITSBaser(n)
	for _, size := range []uint64{regs.PageSize64K, regs.PageSize16K, regs.PageSize4K} {
		if size > limit {
			continue
		}
		port.Write64(off, reg&^regs.BaserPageSizeMask|regs.EncodePageSize(size))
		got := regs.BaserPageSize(port.Read64(off))
		debug.Writef("its tables", "baser%d page size 0x%x readback 0x%x", n, size, got)
		if got == size {
			return size, nil
		}
	}
	return 0, fmt.Errorf("its: baser%d: %w", n, ErrPageSizeUnsupported)
}

// supportsIndirect sets the Indirect bit of BASER n and reports whether it
// stuck.
func supportsIndirect(port hw.RegisterPort, n int, reg uint64) bool {
	off := regs.GITSBaser(n)
	port.Write64(off, reg|regs.BaserIndirect)
	ok := port.Read64(off)&regs.BaserIndirect != 0
	port.Write64(off, reg)
	return ok
}

// baserTable is memory handed to the ITS through one GITS_BASER register.
type baserTable struct {
	index    int
	typ      uint64
	esize    uint64
	pageSize uint64
	layout   tableLayout
	block    hw.Block
	// flush is set when the hardware reports non-shareable table memory.
	flush bool
}

type tableEnv struct {
	port    hw.RegisterPort
	mem     hw.Memory
	cache   hw.Cache
	log     *slog.Logger
	cfg     Config
	devBits uint
	cpus    int
}

// setupTables programs every BASER that requests memory. The device table is
// mandatory and a collection table is allocated when hardware asks for one.
func setupTables(env tableEnv) (dev *baserTable, coll *baserTable, err error) {
	var allocated []*baserTable
	defer func() {
		if err != nil {
			for _, t := range allocated {
				env.port.Write64(regs.GITSBaser(t.index), 0)
				env.mem.Free(t.block)
			}
		}
	}()

	for n := 0; n < regs.GITSNumBasers; n++ {
		reg := env.port.Read64(regs.GITSBaser(n))
		typ := regs.BaserType(reg)

		var idents uint64
		var indirectOK bool
		switch typ {
		case regs.TableDevices:
			idents = uint64(1) << env.devBits
			indirectOK = !env.cfg.Quirks.NoIndirect
		case regs.TableCollections:
			idents = uint64(max(env.cpus, 1))
		case regs.TableNone:
			continue
		default:
			env.log.Debug("its: ignoring table", "baser", n, "type", typ)
			continue
		}

		t, err := programTable(env, n, reg, idents, indirectOK)
		if err != nil {
			return nil, nil, err
		}
		allocated = append(allocated, t)
		switch typ {
		case regs.TableDevices:
			dev = t
		case regs.TableCollections:
			coll = t
		}
	}

	if dev == nil {
		return nil, nil, fmt.Errorf("its: hardware has no device table")
	}
	return dev, coll, nil
}

func programTable(env tableEnv, n int, reg, idents uint64, indirectOK bool) (*baserTable, error) {
	esize := regs.BaserEntrySize(reg)
	base := reg & (regs.BaserTypeMask | regs.BaserEntrySizeMask)

	pageSize, err := negotiatePageSize(env.port, n, base, env.cfg.MaxPageSize)
	if err != nil {
		return nil, err
	}
	base |= regs.EncodePageSize(pageSize)

	if indirectOK {
		indirectOK = supportsIndirect(env.port, n, base)
	}

	layout := sizeTable(esize, idents, pageSize, indirectOK)
	if layout.capped {
		env.log.Warn("its: table truncated", "baser", n, "identifiers", idents, "capacity", layout.capacity, "indirect", layout.indirect)
	}

	block, err := env.mem.Alloc(hw.AllocRequest{
		Name:      fmt.Sprintf("its baser%d", n),
		Size:      layout.bytes(pageSize),
		Alignment: pageSize,
		MaxAddr:   env.cfg.MaxPhysAddr,
		Domain:    env.cfg.NUMADomain,
	})
	if err != nil {
		if !layout.indirect && idents*esize > 2*pageSize {
			return nil, fmt.Errorf("its: baser%d direct table of %d pages: %w: %w", n, layout.pages, ErrIndirectUnsupported, err)
		}
		return nil, fmt.Errorf("its: baser%d table: %w: %w", n, ErrOutOfSpace, err)
	}

	t := &baserTable{
		index:    n,
		typ:      regs.BaserType(reg),
		esize:    esize,
		pageSize: pageSize,
		layout:   layout,
		block:    block,
	}

	val := base |
		regs.BaserValid |
		uint64(regs.CacheWaWb)<<regs.BaserCacheShift |
		block.Phys&regs.BaserAddrMask |
		(layout.pages - 1)
	if layout.indirect {
		val |= regs.BaserIndirect
	}
	val = regs.WithShareability(val, regs.ShareInner)
	env.port.Write64(regs.GITSBaser(n), val)

	if regs.Shareability(env.port.Read64(regs.GITSBaser(n))) == regs.ShareNone || env.cfg.Quirks.ForceNonShareable {
		val = val&^regs.BaserCacheMask | uint64(regs.CacheNC)<<regs.BaserCacheShift
		val = regs.WithShareability(val, regs.ShareNone)
		env.port.Write64(regs.GITSBaser(n), val)
		t.flush = true
	}
	env.cache.Flush(block.Phys, block.Size())

	debug.Writef("its tables", "baser%d type=%d esize=%d page=0x%x pages=%d indirect=%t flush=%t",
		n, t.typ, esize, pageSize, layout.pages, layout.indirect, t.flush)
	return t, nil
}
