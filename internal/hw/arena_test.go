package hw

import (
	"bytes"
	"errors"
	"testing"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(0x4000_0000, size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArenaAllocAlignment(t *testing.T) {
	a := newTestArena(t, 1<<20)

	small, err := a.Alloc(AllocRequest{Name: "small", Size: 256, Alignment: 256})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	big, err := a.Alloc(AllocRequest{Name: "big", Size: 0x10000, Alignment: 0x10000})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if small.Phys%256 != 0 || big.Phys%0x10000 != 0 {
		t.Fatalf("misaligned blocks at 0x%x and 0x%x", small.Phys, big.Phys)
	}
	if big.Phys < small.Phys+small.Size() {
		t.Fatalf("blocks overlap")
	}
	if _, err := a.Alloc(AllocRequest{Name: "bad", Size: 16, Alignment: 3}); !errors.Is(err, ErrBadAlignment) {
		t.Fatalf("Alloc with alignment 3 = %v, want ErrBadAlignment", err)
	}
}

func TestArenaZeroesAndReuses(t *testing.T) {
	a := newTestArena(t, 1<<16)

	b, err := a.Alloc(AllocRequest{Name: "first", Size: 0x1000})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := range b.Bytes {
		b.Bytes[i] = 0xaa
	}
	a.Free(b)

	c, err := a.Alloc(AllocRequest{Name: "second", Size: 0x1000})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c.Phys != b.Phys {
		t.Fatalf("freed block not reused")
	}
	if !bytes.Equal(c.Bytes, make([]byte, 0x1000)) {
		t.Fatalf("reused block not zeroed")
	}
}

func TestArenaExhaustionAndCoalesce(t *testing.T) {
	a := newTestArena(t, 0x4000)

	var blocks []Block
	for i := 0; i < 4; i++ {
		b, err := a.Alloc(AllocRequest{Name: "page", Size: 0x1000})
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		blocks = append(blocks, b)
	}
	if _, err := a.Alloc(AllocRequest{Name: "extra", Size: 0x1000}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Alloc on full arena = %v, want ErrNoMemory", err)
	}
	for _, i := range []int{1, 3, 0, 2} {
		a.Free(blocks[i])
	}
	if a.InUse() != 0 {
		t.Fatalf("in use = 0x%x after freeing everything", a.InUse())
	}
	if _, err := a.Alloc(AllocRequest{Name: "all", Size: 0x4000}); err != nil {
		t.Fatalf("free spans were not merged: %v", err)
	}
}

func TestArenaMaxAddr(t *testing.T) {
	a := newTestArena(t, 0x10000)

	if _, err := a.Alloc(AllocRequest{Name: "low", Size: 0x1000, MaxAddr: a.Base() + 0xfff}); err != nil {
		t.Fatalf("Alloc within bound: %v", err)
	}
	if _, err := a.Alloc(AllocRequest{Name: "bounded", Size: 0x1000, MaxAddr: a.Base() + 0xfff}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Alloc beyond bound = %v, want ErrNoMemory", err)
	}
}

func TestArenaFreeUnknownPanics(t *testing.T) {
	a := newTestArena(t, 0x10000)
	defer func() {
		if recover() == nil {
			t.Fatalf("Free of unknown block did not panic")
		}
	}()
	a.Free(Block{Phys: a.Base() + 0x1000})
}

func TestArenaPhysicalAccess(t *testing.T) {
	a := newTestArena(t, 0x10000)

	b, err := a.Alloc(AllocRequest{Name: "dma", Size: 0x100})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.WriteAt([]byte{1, 2, 3}, int64(b.Phys+4)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if !bytes.Equal(b.Bytes[4:7], []byte{1, 2, 3}) {
		t.Fatalf("device write not visible to CPU view")
	}

	m, err := a.Map(b.Phys, 8)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Bytes[5] != 2 {
		t.Fatalf("mapped view = %v", m.Bytes)
	}
	if _, err := a.Map(a.Base()+a.Size(), 1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Map outside arena = %v, want ErrNotMapped", err)
	}
	if _, err := a.WriteAt([]byte{1}, int64(a.Base()-1)); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("WriteAt outside arena = %v, want ErrNotMapped", err)
	}
}

type fakeHandler struct {
	regs map[uint64][]byte
}

func (h *fakeHandler) ReadMMIO(addr uint64, data []byte) error {
	copy(data, h.regs[addr])
	return nil
}

func (h *fakeHandler) WriteMMIO(addr uint64, data []byte) error {
	h.regs[addr] = append([]byte(nil), data...)
	return nil
}

func TestMMIOPortLittleEndian(t *testing.T) {
	h := &fakeHandler{regs: make(map[uint64][]byte)}
	p := MMIOPort{Region: MMIORegion{Address: 0x1000, Size: 0x100}, Handler: h}

	p.Write64(0x8, 0x0102030405060708)
	if got := h.regs[0x1008]; !bytes.Equal(got, []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
		t.Fatalf("bus bytes = %v", got)
	}
	if got := p.Read64(0x8); got != 0x0102030405060708 {
		t.Fatalf("Read64 = 0x%x", got)
	}
	p.Write32(0x10, 0xdeadbeef)
	if got := p.Read32(0x10); got != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("access outside frame did not panic")
		}
	}()
	p.Read64(0xfc)
}
