package its

import "testing"

func TestITTSize(t *testing.T) {
	tests := []struct {
		vectors uint32
		esize   uint64
		want    uint64
	}{
		{1, 8, 256},
		{2, 8, 256},
		{3, 8, 256},
		{7, 8, 256},
		{8, 8, 256},
		{9, 8, 256},
		{255, 8, 2048},
		{256, 8, 2048},
		{1, 16, 256},
		{2, 16, 256},
		{3, 16, 256},
		{7, 16, 256},
		{8, 16, 256},
		{9, 16, 256},
		{255, 16, 4096},
		{256, 16, 4096},
	}
	for _, tt := range tests {
		if got := ittSize(tt.vectors, tt.esize); got != tt.want {
			t.Errorf("ittSize(%d, %d) = %d, want %d", tt.vectors, tt.esize, got, tt.want)
		}
	}
}

func TestITTSizeLargeEntries(t *testing.T) {
	// 17 entries of 16 bytes cross the first 256-byte granule.
	if got := ittSize(17, 16); got != 512 {
		t.Fatalf("ittSize(17, 16) = %d, want 512", got)
	}
}

func TestMapdSize(t *testing.T) {
	tests := []struct {
		vectors uint32
		want    uint8
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 3},
		{9, 4},
		{256, 8},
		{257, 9},
		{1 << 16, 16},
	}
	for _, tt := range tests {
		if got := mapdSize(tt.vectors); got != tt.want {
			t.Errorf("mapdSize(%d) = %d, want %d", tt.vectors, got, tt.want)
		}
	}
}
