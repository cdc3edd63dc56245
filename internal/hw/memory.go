package hw

import "errors"

var (
	ErrNoMemory     = errors.New("hw: physical memory exhausted")
	ErrBadAlignment = errors.New("hw: alignment is not a power of two")
	ErrNotMapped    = errors.New("hw: physical range not backed by memory")
)

// Block is a physically contiguous allocation. Bytes is the CPU view of the
// memory starting at Phys.
type Block struct {
	Phys  uint64
	Bytes []byte
}

// Size returns the block length in bytes.
func (b Block) Size() uint64 { return uint64(len(b.Bytes)) }

// Valid reports whether the block refers to memory.
func (b Block) Valid() bool { return b.Bytes != nil }

// AllocRequest describes a physically contiguous allocation.
type AllocRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
	// MaxAddr bounds the last byte of the allocation. Zero means no bound.
	MaxAddr uint64
	// Domain is a NUMA hint. Allocators without locality may ignore it.
	Domain int
}

// Memory hands out zero-initialized, physically contiguous memory that
// hardware can access by DMA.
type Memory interface {
	Alloc(req AllocRequest) (Block, error)
	Free(b Block)
	// Map returns a view of memory that was set up by an earlier boot stage.
	// The caller does not own the returned block.
	Map(phys, size uint64) (Block, error)
}

// Cache performs cache maintenance on DMA-visible memory.
type Cache interface {
	// Flush cleans the lines covering [phys, phys+size) to the point of
	// coherency.
	Flush(phys, size uint64)
	// Barrier orders prior stores before any later device access.
	Barrier()
}

// CoherentCache is the Cache for fully coherent platforms.
type CoherentCache struct{}

func (CoherentCache) Flush(phys, size uint64) {}
func (CoherentCache) Barrier()                {}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignUp rounds value up to align, which must be a power of two.
func AlignUp(value, align uint64) uint64 { return alignUp(value, align) }
