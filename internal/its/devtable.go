package its

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/regs"
)

// deviceTable tracks which device ids the ITS device table can translate.
// Callers serialize access with the registry lock.
type deviceTable struct {
	*baserTable

	mem     hw.Memory
	cache   hw.Cache
	maxAddr uint64
	domain  int
	metrics *metrics

	// l2 holds installed second-level pages by L1 index. Pages stay
	// installed for the controller lifetime.
	l2 map[uint64]hw.Block
}

func newDeviceTable(t *baserTable, mem hw.Memory, cache hw.Cache, cfg Config, m *metrics) *deviceTable {
	return &deviceTable{
		baserTable: t,
		mem:        mem,
		cache:      cache,
		maxAddr:    cfg.MaxPhysAddr,
		domain:     cfg.NUMADomain,
		metrics:    m,
		l2:         make(map[uint64]hw.Block),
	}
}

// Capacity returns the number of device ids the table can hold.
func (d *deviceTable) Capacity() uint64 { return d.layout.capacity }

// L2Pages returns the number of installed second-level pages.
func (d *deviceTable) L2Pages() int { return len(d.l2) }

// ensureEntry makes id translatable. In direct mode this is a range check.
// In indirect mode a missing second-level page is allocated, made visible to
// hardware and only then published in its L1 slot.
func (d *deviceTable) ensureEntry(id uint32) error {
	if uint64(id) >= d.layout.capacity {
		return fmt.Errorf("its: device 0x%x beyond device table capacity %d: %w", id, d.layout.capacity, ErrOutOfRange)
	}
	if !d.layout.indirect {
		return nil
	}

	idx := uint64(id) / d.layout.l2Entries
	off := idx * regs.L1EntrySize
	slot := d.block.Bytes[off : off+regs.L1EntrySize]
	if binary.LittleEndian.Uint64(slot)&regs.L1EntryValid != 0 {
		return nil
	}

	page, err := d.mem.Alloc(hw.AllocRequest{
		Name:      fmt.Sprintf("its device table l2[%d]", idx),
		Size:      d.pageSize,
		Alignment: d.pageSize,
		MaxAddr:   d.maxAddr,
		Domain:    d.domain,
	})
	if err != nil {
		return fmt.Errorf("its: device table page for 0x%x: %w: %w", id, ErrOutOfSpace, err)
	}
	if d.flush {
		d.cache.Flush(page.Phys, page.Size())
	}
	d.cache.Barrier()

	binary.LittleEndian.PutUint64(slot, page.Phys|regs.L1EntryValid)
	if d.flush {
		d.cache.Flush(d.block.Phys+off, regs.L1EntrySize)
	}
	d.cache.Barrier()

	d.l2[idx] = page
	d.metrics.l2Pages.Set(float64(len(d.l2)))
	return nil
}
