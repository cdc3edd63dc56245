// Package hw holds the boundary contracts between the ITS driver and the
// platform: register frames, DMA-visible physical memory and cache
// maintenance.
package hw

import (
	"encoding/binary"
	"fmt"
)

// RegisterPort reads and writes 32 and 64 bit registers inside one register
// frame. Offsets are relative to the frame base.
type RegisterPort interface {
	Read32(offset uint64) uint32
	Read64(offset uint64) uint64
	Write32(offset uint64, value uint32)
	Write64(offset uint64, value uint64)
}

// MMIORegion is a guest physical window served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MMIOPort adapts a memory-mapped handler to RegisterPort. Register values
// are little-endian on the bus.
type MMIOPort struct {
	Region  MMIORegion
	Handler MmioHandler
}

func (p MMIOPort) Read32(offset uint64) uint32 {
	var buf [4]byte
	p.access(offset, buf[:], false)
	return binary.LittleEndian.Uint32(buf[:])
}

func (p MMIOPort) Read64(offset uint64) uint64 {
	var buf [8]byte
	p.access(offset, buf[:], false)
	return binary.LittleEndian.Uint64(buf[:])
}

func (p MMIOPort) Write32(offset uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	p.access(offset, buf[:], true)
}

func (p MMIOPort) Write64(offset uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	p.access(offset, buf[:], true)
}

// access panics on failure: a register frame that rejects an access means the
// platform handed us the wrong frame, which no caller can recover from.
func (p MMIOPort) access(offset uint64, data []byte, write bool) {
	addr := p.Region.Address + offset
	if !p.Region.Contains(addr, uint64(len(data))) {
		panic(fmt.Sprintf("hw: register offset 0x%x outside frame [0x%x, +0x%x)", offset, p.Region.Address, p.Region.Size))
	}
	var err error
	if write {
		err = p.Handler.WriteMMIO(addr, data)
	} else {
		err = p.Handler.ReadMMIO(addr, data)
	}
	if err != nil {
		panic(fmt.Errorf("hw: mmio access at 0x%016x: %w", addr, err))
	}
}

var _ RegisterPort = MMIOPort{}
