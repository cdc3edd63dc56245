package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func slotWords(t *testing.T, c Command) [4]uint64 {
	t.Helper()
	slot := make([]byte, Size)
	c.Encode(slot)
	var w [4]uint64
	for i := range w {
		w[i] = binary.LittleEndian.Uint64(slot[i*8:])
	}
	return w
}

func TestEncodeLayout(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want [4]uint64
	}{
		{
			name: "mapd",
			cmd:  Mapd{DeviceID: 0x42, ITT: 0x4001_2300, Size: 2, Valid: true},
			want: [4]uint64{0x0000_0042_0000_0008, 2, 0x8000_0000_4001_2300, 0},
		},
		{
			name: "mapd invalid drops address low bits",
			cmd:  Mapd{DeviceID: 7, ITT: 0x4001_23ff, Size: 0x3f},
			want: [4]uint64{0x0000_0007_0000_0008, 0x1f, 0x4001_2300, 0},
		},
		{
			name: "mapti",
			cmd:  Mapti{DeviceID: 0x42, EventID: 3, PhysicalID: 8195, Collection: 1},
			want: [4]uint64{0x0000_0042_0000_000a, 0x0000_2003_0000_0003, 1, 0},
		},
		{
			name: "mapc",
			cmd:  Mapc{Collection: 5, Target: 0x080c_0000, Valid: true},
			want: [4]uint64{0x09, 0, 0x8000_0000_080c_0005, 0},
		},
		{
			name: "sync masks target",
			cmd:  Sync{Target: 0x080a_1234},
			want: [4]uint64{0x05, 0, 0x080a_0000, 0},
		},
		{
			name: "movi",
			cmd:  Movi{DeviceID: 1, EventID: 9, Collection: 3},
			want: [4]uint64{0x0000_0001_0000_0001, 9, 3, 0},
		},
		{
			name: "inv",
			cmd:  Inv{DeviceID: 0x42, EventID: 0},
			want: [4]uint64{0x0000_0042_0000_000c, 0, 0, 0},
		},
		{
			name: "invall",
			cmd:  Invall{Collection: 2},
			want: [4]uint64{0x0d, 0, 2, 0},
		},
		{
			name: "mapi",
			cmd:  Mapi{DeviceID: 2, EventID: 4, Collection: 1},
			want: [4]uint64{0x0000_0002_0000_000b, 4, 1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := slotWords(t, tt.cmd); got != tt.want {
				t.Fatalf("encode %s: got %#x, want %#x", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestEncodeLittleEndianBytes(t *testing.T) {
	slot := make([]byte, Size)
	Mapd{DeviceID: 0x11223344, ITT: 0x1000, Size: 1, Valid: true}.Encode(slot)

	want := []byte{
		0x08, 0, 0, 0, 0x44, 0x33, 0x22, 0x11,
		0x01, 0, 0, 0, 0, 0, 0, 0,
		0, 0x10, 0, 0, 0, 0, 0, 0x80,
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	if !bytes.Equal(slot, want) {
		t.Fatalf("slot bytes = % x, want % x", slot, want)
	}
}

func TestEncodeOverwritesSlot(t *testing.T) {
	slot := bytes.Repeat([]byte{0xff}, Size)
	Sync{Target: 0x10000}.Encode(slot)
	for i := 24; i < Size; i++ {
		if slot[i] != 0 {
			t.Fatalf("byte %d not cleared: 0x%x", i, slot[i])
		}
	}
}

func TestDecode(t *testing.T) {
	slot := make([]byte, Size)
	in := Mapti{DeviceID: 0x42, EventID: 2, PhysicalID: 8194, Collection: 1}
	in.Encode(slot)

	got, err := Decode(slot)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != Command(in) {
		t.Fatalf("Decode = %v, want %v", got, in)
	}

	slot[0] = 0x0f
	if _, err := Decode(slot); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Decode unknown opcode: err = %v", err)
	}
	if _, err := Decode(slot[:8]); !errors.Is(err, ErrShortSlot) {
		t.Fatalf("Decode short slot: err = %v", err)
	}
}
