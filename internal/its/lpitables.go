package its

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/regs"
)

// lpiIDBits returns the INTID width needed to reach the last LPI before end.
func lpiIDBits(end uint32) uint {
	return uint(bits.Len32(end - 1))
}

func configTableSize(idBits uint) uint64 {
	return hw.AlignUp((uint64(1)<<idBits)-regs.FirstLPI, regs.PageSize64K)
}

func pendingTableSize(idBits uint) uint64 {
	return hw.AlignUp((uint64(1)<<idBits)/8, regs.PageSize64K)
}

// configStore is the LPI configuration table shared by every redistributor.
// Byte i configures INTID FirstLPI+i.
type configStore struct {
	mu       sync.Mutex
	block    hw.Block
	owned    bool
	idBits   uint
	priority uint8
	cache    hw.Cache
	flush    bool
}

func newConfigStore(mem hw.Memory, cache hw.Cache, cfg Config) (*configStore, error) {
	idBits := lpiIDBits(cfg.LPIBase + cfg.LPICount)
	block, err := mem.Alloc(hw.AllocRequest{
		Name:      "its lpi config table",
		Size:      configTableSize(idBits),
		Alignment: regs.PageSize64K,
		MaxAddr:   cfg.MaxPhysAddr,
		Domain:    cfg.NUMADomain,
	})
	if err != nil {
		return nil, fmt.Errorf("its: allocate LPI config table: %w: %w", ErrOutOfSpace, err)
	}
	def := cfg.Priority&regs.LPIConfPrioMask | regs.LPIConfGroup1
	for i := range block.Bytes {
		block.Bytes[i] = def
	}
	cache.Flush(block.Phys, block.Size())
	cache.Barrier()
	return &configStore{
		block:    block,
		owned:    true,
		idBits:   idBits,
		priority: cfg.Priority,
		cache:    cache,
		flush:    cfg.Quirks.ForceNonShareable,
	}, nil
}

// adoptConfigStore wraps a configuration table an earlier boot stage
// programmed into PROPBASER. Its contents are left as found.
func adoptConfigStore(mem hw.Memory, cache hw.Cache, propbaser uint64, cfg Config) (*configStore, error) {
	idBits := uint(propbaser&regs.PropbaserIDBitsMask) + 1
	if need := lpiIDBits(cfg.LPIBase + cfg.LPICount); idBits < need {
		return nil, fmt.Errorf("its: inherited config table covers %d ID bits, need %d: %w", idBits, need, ErrLPIStateMismatch)
	}
	phys := propbaser & regs.PropbaserAddrMask
	block, err := mem.Map(phys, configTableSize(idBits))
	if err != nil {
		return nil, fmt.Errorf("its: map inherited config table at 0x%x: %w", phys, err)
	}
	return &configStore{
		block:    block,
		idBits:   idBits,
		priority: cfg.Priority,
		cache:    cache,
		flush:    cfg.Quirks.ForceNonShareable,
	}, nil
}

func (s *configStore) offset(lpi uint32) uint64 { return uint64(lpi) - regs.FirstLPI }

// propbaser returns the GICR_PROPBASER value describing the table.
func (s *configStore) propbaser() uint64 {
	v := s.block.Phys&regs.PropbaserAddrMask |
		uint64(regs.CacheWaWb)<<regs.PropbaserCacheShift |
		uint64(s.idBits-1)&regs.PropbaserIDBitsMask
	return regs.WithShareability(v, regs.ShareInner)
}

// setNonShareable switches to explicit flushes after a redistributor refused
// shareable access.
func (s *configStore) setNonShareable() {
	s.mu.Lock()
	s.flush = true
	s.mu.Unlock()
}

func (s *configStore) needsFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

// set changes the enable bit of one LPI. The caller must follow up with INV.
func (s *configStore) set(lpi uint32, enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset(lpi)
	b := s.block.Bytes[off]
	if enable {
		b |= regs.LPIConfEnable
	} else {
		b &^= regs.LPIConfEnable
	}
	s.block.Bytes[off] = b
	if s.flush {
		s.cache.Flush(s.block.Phys+off, 1)
	} else {
		s.cache.Barrier()
	}
}

// get returns the configuration byte of one LPI.
func (s *configStore) get(lpi uint32) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block.Bytes[s.offset(lpi)]
}

func (s *configStore) release(mem hw.Memory) {
	if s.owned {
		mem.Free(s.block)
	}
}

// pendingStore is one redistributor's LPI pending bitmap.
type pendingStore struct {
	block hw.Block
	owned bool
}

func newPendingStore(mem hw.Memory, cache hw.Cache, cpu int, idBits uint, cfg Config) (*pendingStore, error) {
	block, err := mem.Alloc(hw.AllocRequest{
		Name:      fmt.Sprintf("its pending table cpu%d", cpu),
		Size:      pendingTableSize(idBits),
		Alignment: regs.PageSize64K,
		MaxAddr:   cfg.MaxPhysAddr,
		Domain:    cfg.NUMADomain,
	})
	if err != nil {
		return nil, fmt.Errorf("its: allocate pending table for cpu %d: %w: %w", cpu, ErrOutOfSpace, err)
	}
	cache.Flush(block.Phys, block.Size())
	return &pendingStore{block: block, owned: true}, nil
}

// adoptPendingStore reuses the pending table of a redistributor that already
// has LPIs enabled. It is never cleared.
func adoptPendingStore(mem hw.Memory, pendbaser uint64, idBits uint) (*pendingStore, error) {
	phys := pendbaser & regs.PendbaserAddrMask
	block, err := mem.Map(phys, pendingTableSize(idBits))
	if err != nil {
		return nil, fmt.Errorf("its: map inherited pending table at 0x%x: %w", phys, err)
	}
	return &pendingStore{block: block}, nil
}

// pendbaser returns the GICR_PENDBASER value. Freshly allocated tables are
// zeroed, so PTZ is set for them.
func (p *pendingStore) pendbaser() uint64 {
	v := p.block.Phys&regs.PendbaserAddrMask | uint64(regs.CacheWaWb)<<regs.PendbaserCacheShift
	if p.owned {
		v |= regs.PendbaserPTZ
	}
	return regs.WithShareability(v, regs.ShareInner)
}
