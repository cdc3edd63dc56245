package hw

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

type span struct {
	start uint64
	size  uint64
}

// Arena is a range of simulated physical memory with a first-fit allocator.
// It implements Memory for the driver and io.ReaderAt/io.WriterAt keyed by
// physical address for device models.
type Arena struct {
	mu sync.Mutex

	base    uint64
	mem     []byte
	release func() error

	free  []span
	used  map[uint64]uint64
	names map[uint64]string
}

// NewArena creates an arena covering [base, base+size).
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("hw: cannot create empty arena")
	}
	if base+size < base {
		return nil, fmt.Errorf("hw: arena [0x%x, +0x%x) overflows", base, size)
	}
	mem, release, err := mapBacking(int(size))
	if err != nil {
		return nil, fmt.Errorf("hw: map arena backing: %w", err)
	}
	return &Arena{
		base:    base,
		mem:     mem[:size],
		release: release,
		free:    []span{{start: base, size: size}},
		used:    make(map[uint64]uint64),
		names:   make(map[uint64]string),
	}, nil
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Alloc implements Memory.
func (a *Arena) Alloc(req AllocRequest) (Block, error) {
	if req.Size == 0 {
		return Block{}, fmt.Errorf("hw: cannot allocate zero-size block for %s", req.Name)
	}
	align := req.Alignment
	if align == 0 {
		align = 0x1000
	}
	if align&(align-1) != 0 {
		return Block{}, fmt.Errorf("hw: %s alignment 0x%x: %w", req.Name, align, ErrBadAlignment)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		start := alignUp(s.start, align)
		end := start + req.Size
		if start < s.start || end < start || end > s.start+s.size {
			continue
		}
		if req.MaxAddr != 0 && end-1 > req.MaxAddr {
			// Spans are sorted, nothing later can satisfy the bound.
			break
		}
		a.carve(i, start, req.Size)
		a.used[start] = req.Size
		a.names[start] = req.Name
		b := a.view(start, req.Size)
		clear(b.Bytes)
		return b, nil
	}
	return Block{}, fmt.Errorf("hw: allocate %s (size 0x%x, align 0x%x): %w", req.Name, req.Size, align, ErrNoMemory)
}

// carve removes [start, start+size) from free span i.
func (a *Arena) carve(i int, start, size uint64) {
	s := a.free[i]
	var repl []span
	if start > s.start {
		repl = append(repl, span{start: s.start, size: start - s.start})
	}
	if tail := s.start + s.size - (start + size); tail > 0 {
		repl = append(repl, span{start: start + size, size: tail})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
}

// Free implements Memory. Freeing a block that was not allocated panics.
func (a *Arena) Free(b Block) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.used[b.Phys]
	if !ok {
		panic(fmt.Sprintf("hw: free of unallocated block at 0x%x", b.Phys))
	}
	delete(a.used, b.Phys)
	delete(a.names, b.Phys)

	a.free = append(a.free, span{start: b.Phys, size: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].start < a.free[j].start })

	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.start+last.size == s.start {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

// Map implements Memory.
func (a *Arena) Map(phys, size uint64) (Block, error) {
	if !a.contains(phys, size) {
		return Block{}, fmt.Errorf("hw: map [0x%x, +0x%x): %w", phys, size, ErrNotMapped)
	}
	return a.view(phys, size), nil
}

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, size := range a.used {
		total += size
	}
	return total
}

// Allocations returns the names of live allocations keyed by physical address.
func (a *Arena) Allocations() map[uint64]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]string, len(a.names))
	for k, v := range a.names {
		out[k] = v
	}
	return out
}

// ReadAt reads physical memory at address off.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || !a.contains(uint64(off), uint64(len(p))) {
		return 0, io.EOF
	}
	return copy(p, a.mem[uint64(off)-a.base:]), nil
}

// WriteAt writes physical memory at address off.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || !a.contains(uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("hw: write [0x%x, +0x%x): %w", off, len(p), ErrNotMapped)
	}
	return copy(a.mem[uint64(off)-a.base:], p), nil
}

// Close releases the backing memory. Blocks handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	return err
}

func (a *Arena) contains(phys, size uint64) bool {
	end := phys + size
	return end >= phys && phys >= a.base && end <= a.base+uint64(len(a.mem))
}

func (a *Arena) view(phys, size uint64) Block {
	off := phys - a.base
	return Block{Phys: phys, Bytes: a.mem[off : off+size : off+size]}
}

var (
	_ Memory      = (*Arena)(nil)
	_ io.ReaderAt = (*Arena)(nil)
	_ io.WriterAt = (*Arena)(nil)
)
