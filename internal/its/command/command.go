// Package command encodes ITS commands into their 32-byte queue slot form.
//
// A slot is four little-endian 64-bit words. Word 0 carries the opcode in
// bits [7:0] and, for per-device commands, the DeviceID in bits [63:32]. The
// remaining words are laid out per command type. Hosts of either endianness
// produce the same bytes.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the length of one command slot in bytes.
const Size = 32

// Opcode identifies a command type.
type Opcode uint8

const (
	OpMOVI   Opcode = 0x01
	OpSYNC   Opcode = 0x05
	OpMAPD   Opcode = 0x08
	OpMAPC   Opcode = 0x09
	OpMAPTI  Opcode = 0x0a
	OpMAPI   Opcode = 0x0b
	OpINV    Opcode = 0x0c
	OpINVALL Opcode = 0x0d
)

func (o Opcode) String() string {
	switch o {
	case OpMOVI:
		return "MOVI"
	case OpSYNC:
		return "SYNC"
	case OpMAPD:
		return "MAPD"
	case OpMAPC:
		return "MAPC"
	case OpMAPTI:
		return "MAPTI"
	case OpMAPI:
		return "MAPI"
	case OpINV:
		return "INV"
	case OpINVALL:
		return "INVALL"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

const (
	// TargetMask selects RDbase bits [51:16] in word 2.
	TargetMask = 0x000f_ffff_ffff_0000
	// ITTMask selects the ITT address bits [51:8] in word 2.
	ITTMask = 0x000f_ffff_ffff_ff00
	// MaxSize is the largest encodable MAPD size field.
	MaxSize = 0x1f

	validBit = uint64(1) << 63
)

var (
	ErrShortSlot     = errors.New("command: slot shorter than 32 bytes")
	ErrUnknownOpcode = errors.New("command: unknown opcode")
)

// Command is one ITS command. Each variant owns its wire layout.
type Command interface {
	Opcode() Opcode
	// Encode writes the command into slot, which must be at least Size bytes.
	Encode(slot []byte)
	String() string
}

type words [4]uint64

func (w *words) put(slot []byte) {
	if len(slot) < Size {
		panic(ErrShortSlot)
	}
	for i, v := range w {
		binary.LittleEndian.PutUint64(slot[i*8:], v)
	}
}

func load(slot []byte) words {
	var w words
	for i := range w {
		w[i] = binary.LittleEndian.Uint64(slot[i*8:])
	}
	return w
}

func header(op Opcode, deviceID uint32) uint64 {
	return uint64(op) | uint64(deviceID)<<32
}

func valid(v bool) uint64 {
	if v {
		return validBit
	}
	return 0
}

// Movi moves an event to a different collection.
type Movi struct {
	DeviceID   uint32
	EventID    uint32
	Collection uint16
}

func (Movi) Opcode() Opcode { return OpMOVI }

func (c Movi) Encode(slot []byte) {
	w := words{header(OpMOVI, c.DeviceID), uint64(c.EventID), uint64(c.Collection)}
	w.put(slot)
}

func (c Movi) String() string {
	return fmt.Sprintf("MOVI(device=0x%x, event=%d, collection=%d)", c.DeviceID, c.EventID, c.Collection)
}

// Mapc maps a collection to a target redistributor.
type Mapc struct {
	Collection uint16
	// Target is the RDbase value: a 64KiB aligned redistributor address or a
	// processor number shifted left by 16, depending on GITS_TYPER.PTA.
	Target uint64
	Valid  bool
}

func (Mapc) Opcode() Opcode { return OpMAPC }

func (c Mapc) Encode(slot []byte) {
	w := words{header(OpMAPC, 0), 0, uint64(c.Collection) | c.Target&TargetMask | valid(c.Valid)}
	w.put(slot)
}

func (c Mapc) String() string {
	return fmt.Sprintf("MAPC(collection=%d, target=0x%x, valid=%t)", c.Collection, c.Target&TargetMask, c.Valid)
}

// Mapd maps a device to its interrupt translation table.
type Mapd struct {
	DeviceID uint32
	ITT      uint64
	// Size is the event id width field of the command.
	Size  uint8
	Valid bool
}

func (Mapd) Opcode() Opcode { return OpMAPD }

func (c Mapd) Encode(slot []byte) {
	w := words{header(OpMAPD, c.DeviceID), uint64(c.Size & MaxSize), c.ITT&ITTMask | valid(c.Valid)}
	w.put(slot)
}

func (c Mapd) String() string {
	return fmt.Sprintf("MAPD(device=0x%x, itt=0x%x, size=%d, valid=%t)", c.DeviceID, c.ITT&ITTMask, c.Size&MaxSize, c.Valid)
}

// Mapti maps a device event to a physical LPI in a collection.
type Mapti struct {
	DeviceID   uint32
	EventID    uint32
	PhysicalID uint32
	Collection uint16
}

func (Mapti) Opcode() Opcode { return OpMAPTI }

func (c Mapti) Encode(slot []byte) {
	w := words{header(OpMAPTI, c.DeviceID), uint64(c.EventID) | uint64(c.PhysicalID)<<32, uint64(c.Collection)}
	w.put(slot)
}

func (c Mapti) String() string {
	return fmt.Sprintf("MAPTI(device=0x%x, event=%d, lpi=%d, collection=%d)", c.DeviceID, c.EventID, c.PhysicalID, c.Collection)
}

// Mapi maps a device event to the LPI of the same number.
type Mapi struct {
	DeviceID   uint32
	EventID    uint32
	Collection uint16
}

func (Mapi) Opcode() Opcode { return OpMAPI }

func (c Mapi) Encode(slot []byte) {
	w := words{header(OpMAPI, c.DeviceID), uint64(c.EventID), uint64(c.Collection)}
	w.put(slot)
}

func (c Mapi) String() string {
	return fmt.Sprintf("MAPI(device=0x%x, event=%d, collection=%d)", c.DeviceID, c.EventID, c.Collection)
}

// Inv makes the redistributor reload the configuration of one event's LPI.
type Inv struct {
	DeviceID uint32
	EventID  uint32
}

func (Inv) Opcode() Opcode { return OpINV }

func (c Inv) Encode(slot []byte) {
	w := words{header(OpINV, c.DeviceID), uint64(c.EventID)}
	w.put(slot)
}

func (c Inv) String() string {
	return fmt.Sprintf("INV(device=0x%x, event=%d)", c.DeviceID, c.EventID)
}

// Invall reloads configuration for every LPI in a collection.
type Invall struct {
	Collection uint16
}

func (Invall) Opcode() Opcode { return OpINVALL }

func (c Invall) Encode(slot []byte) {
	w := words{header(OpINVALL, 0), 0, uint64(c.Collection)}
	w.put(slot)
}

func (c Invall) String() string {
	return fmt.Sprintf("INVALL(collection=%d)", c.Collection)
}

// Sync waits for all earlier commands addressed to Target to complete.
type Sync struct {
	Target uint64
}

func (Sync) Opcode() Opcode { return OpSYNC }

func (c Sync) Encode(slot []byte) {
	w := words{header(OpSYNC, 0), 0, c.Target & TargetMask}
	w.put(slot)
}

func (c Sync) String() string {
	return fmt.Sprintf("SYNC(target=0x%x)", c.Target&TargetMask)
}

// Decode parses a command slot.
func Decode(slot []byte) (Command, error) {
	if len(slot) < Size {
		return nil, ErrShortSlot
	}
	w := load(slot)
	op := Opcode(w[0] & 0xff)
	dev := uint32(w[0] >> 32)
	col := uint16(w[2])

	switch op {
	case OpMOVI:
		return Movi{DeviceID: dev, EventID: uint32(w[1]), Collection: col}, nil
	case OpSYNC:
		return Sync{Target: w[2] & TargetMask}, nil
	case OpMAPD:
		return Mapd{DeviceID: dev, ITT: w[2] & ITTMask, Size: uint8(w[1] & MaxSize), Valid: w[2]&validBit != 0}, nil
	case OpMAPC:
		return Mapc{Collection: col, Target: w[2] & TargetMask, Valid: w[2]&validBit != 0}, nil
	case OpMAPTI:
		return Mapti{DeviceID: dev, EventID: uint32(w[1]), PhysicalID: uint32(w[1] >> 32), Collection: col}, nil
	case OpMAPI:
		return Mapi{DeviceID: dev, EventID: uint32(w[1]), Collection: col}, nil
	case OpINV:
		return Inv{DeviceID: dev, EventID: uint32(w[1])}, nil
	case OpINVALL:
		return Invall{Collection: col}, nil
	default:
		return nil, fmt.Errorf("%w 0x%02x", ErrUnknownOpcode, uint8(op))
	}
}
