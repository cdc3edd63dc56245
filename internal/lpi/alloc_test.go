package lpi

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestReserveFirstFit(t *testing.T) {
	a := NewAllocator(8192, 64)

	r1, err := a.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	r2, err := a.Reserve(8)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r1 != (Range{Base: 8192, Count: 4}) || r2 != (Range{Base: 8196, Count: 8}) {
		t.Fatalf("unexpected ranges %s %s", r1, r2)
	}

	a.Release(r1)
	r3, err := a.Reserve(2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r3.Base != 8192 {
		t.Fatalf("expected reuse of released range, got %s", r3)
	}
}

func TestReserveExhaustion(t *testing.T) {
	a := NewAllocator(0, 10)
	if _, err := a.Reserve(10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := a.Reserve(1)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if want := "lpi: reserve 1 of [0, 10): "; !strings.HasPrefix(err.Error(), want) {
		t.Fatalf("error %q, want prefix %q", err, want)
	}
}

func TestReleaseCoalesces(t *testing.T) {
	a := NewAllocator(100, 30)
	var rs []Range
	for range 3 {
		r, err := a.Reserve(10)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		rs = append(rs, r)
	}

	// Release out of order so both merge directions are used.
	a.Release(rs[0])
	a.Release(rs[2])
	a.Release(rs[1])

	free := a.Free()
	if len(free) != 1 || free[0] != a.Space() {
		t.Fatalf("free list = %v, want [%s]", free, a.Space())
	}
}

func TestReleaseUnknownPanics(t *testing.T) {
	a := NewAllocator(0, 8)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	a.Release(Range{Base: 0, Count: 2})
}

// Reserved plus free always covers the whole space exactly once.
func TestConservation(t *testing.T) {
	const total = 4096
	a := NewAllocator(8192, total)
	rng := rand.New(rand.NewSource(1))

	var live []Range
	for step := range 5000 {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			a.Release(live[i])
			live = append(live[:i], live[i+1:]...)
		} else {
			r, err := a.Reserve(uint32(rng.Intn(32) + 1))
			if err == nil {
				live = append(live, r)
			} else if !errors.Is(err, ErrOutOfSpace) {
				t.Fatalf("step %d: Reserve: %v", step, err)
			}
		}

		var freeSum uint32
		prevEnd := uint32(0)
		for i, f := range a.Free() {
			if i > 0 && f.Base <= prevEnd {
				t.Fatalf("step %d: free list not sorted and merged: %v", step, a.Free())
			}
			prevEnd = f.End()
			freeSum += f.Count
		}
		if got := freeSum + a.Reserved(); got != total {
			t.Fatalf("step %d: free %d + reserved %d != %d", step, freeSum, a.Reserved(), total)
		}
	}

	for _, r := range live {
		a.Release(r)
	}
	if free := a.Free(); len(free) != 1 || free[0] != a.Space() {
		t.Fatalf("free list after full release = %v", free)
	}
}
