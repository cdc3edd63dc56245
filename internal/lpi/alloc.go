// Package lpi allocates contiguous ranges of LPI numbers.
package lpi

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrOutOfSpace is returned by Reserve when no free range can hold the
// request.
var ErrOutOfSpace = errors.New("lpi: no free range large enough")

// Range is a contiguous run of LPI numbers [Base, Base+Count).
type Range struct {
	Base  uint32
	Count uint32
}

// End returns the first number after the range.
func (r Range) End() uint32 { return r.Base + r.Count }

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Base, r.End())
}

// Allocator hands out ranges first-fit from a sorted free list. Released
// ranges are merged with their neighbours so releasing everything yields the
// original single range again.
type Allocator struct {
	mu    sync.Mutex
	space Range
	free  []Range
	busy  map[uint32]uint32
}

// NewAllocator manages the numbers [base, base+count).
func NewAllocator(base, count uint32) *Allocator {
	if count == 0 || base+count < base {
		panic(fmt.Sprintf("lpi: invalid allocator space base=%d count=%d", base, count))
	}
	space := Range{Base: base, Count: count}
	return &Allocator{
		space: space,
		free:  []Range{space},
		busy:  make(map[uint32]uint32),
	}
}

// Space returns the managed range.
func (a *Allocator) Space() Range { return a.space }

// Reserve takes count consecutive numbers.
func (a *Allocator) Reserve(count uint32) (Range, error) {
	if count == 0 {
		return Range{}, fmt.Errorf("lpi: reserve of zero numbers")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, f := range a.free {
		if f.Count < count {
			continue
		}
		r := Range{Base: f.Base, Count: count}
		if f.Count == count {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = Range{Base: f.Base + count, Count: f.Count - count}
		}
		a.busy[r.Base] = r.Count
		return r, nil
	}
	return Range{}, fmt.Errorf("lpi: reserve %d of %s: %w", count, a.space, ErrOutOfSpace)
}

// Release returns a range obtained from Reserve. Releasing anything else
// panics.
func (a *Allocator) Release(r Range) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.busy[r.Base]; !ok || n != r.Count {
		panic(fmt.Sprintf("lpi: release of unreserved range %s", r))
	}
	delete(a.busy, r.Base)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Base > r.Base })
	a.free = append(a.free, Range{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r

	// Merge with the following and then the preceding neighbour.
	if i+1 < len(a.free) && a.free[i].End() == a.free[i+1].Base {
		a.free[i].Count += a.free[i+1].Count
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].End() == a.free[i].Base {
		a.free[i-1].Count += a.free[i].Count
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Free returns a copy of the free list in address order.
func (a *Allocator) Free() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Range(nil), a.free...)
}

// Reserved returns the number of numbers currently handed out.
func (a *Allocator) Reserved() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n uint32
	for _, c := range a.busy {
		n += c
	}
	return n
}
