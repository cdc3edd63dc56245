// Package regs defines the GICv3 ITS and redistributor register layout used
// by the driver and by the simulated hardware.
package regs

// ITS control frame (first 64KiB) and translation frame (second 64KiB).
const (
	GITSCtlr       = 0x0000 // ITS Control Register
	GITSIidr       = 0x0004 // Implementer Identification Register
	GITSTyper      = 0x0008 // ITS Type Register
	GITSCbaser     = 0x0080 // Command Queue Descriptor
	GITSCwriter    = 0x0088 // Command Queue Write Register
	GITSCreadr     = 0x0090 // Command Queue Read Register
	GITSBaser0     = 0x0100 // ITS Translation Table Descriptors (8 x 64-bit)
	GITSTranslater = 0x10040

	GITSFrameSize = 0x20000
	GITSNumBasers = 8
)

// GITSBaser returns the offset of GITS_BASER<n>.
func GITSBaser(n int) uint64 { return GITSBaser0 + uint64(n)*8 }

const (
	CtlrEnabled   = 1 << 0
	CtlrQuiescent = 1 << 31
)

// GITS_TYPER fields.
const (
	TyperPhysical = 1 << 0
	TyperPTA      = 1 << 19
	TyperCIL      = 1 << 36
)

// TyperITTEntrySize returns the bytes per ITT entry.
func TyperITTEntrySize(t uint64) uint64 { return (t>>4)&0xf + 1 }

// TyperIDBits returns the number of EventID bits.
func TyperIDBits(t uint64) uint { return uint((t>>8)&0x1f) + 1 }

// TyperDevBits returns the number of DeviceID bits.
func TyperDevBits(t uint64) uint { return uint((t>>13)&0x1f) + 1 }

// TyperCIDBits returns the number of CollectionID bits.
func TyperCIDBits(t uint64) uint {
	if t&TyperCIL == 0 {
		return 16
	}
	return uint((t>>32)&0xf) + 1
}

// MakeTyper builds a GITS_TYPER value.
func MakeTyper(ittEntrySize uint64, idBits, devBits, cidBits uint, pta bool) uint64 {
	t := uint64(TyperPhysical)
	t |= ((ittEntrySize - 1) & 0xf) << 4
	t |= (uint64(idBits-1) & 0x1f) << 8
	t |= (uint64(devBits-1) & 0x1f) << 13
	if pta {
		t |= TyperPTA
	}
	if cidBits != 0 && cidBits < 16 {
		t |= TyperCIL | (uint64(cidBits-1)&0xf)<<32
	}
	return t
}

// Memory attributes shared by CBASER, BASER, PROPBASER and PENDBASER.
const (
	CacheDevice = 0
	CacheNC     = 1 // Normal non-cacheable
	CacheWaWb   = 5 // Normal write-allocate write-back

	ShareNone  = 0
	ShareInner = 1
	ShareOuter = 2

	shareShift = 10
	shareMask  = 0x3 << shareShift
)

// Shareability extracts the shareability field common to all table
// descriptors.
func Shareability(reg uint64) uint64 { return (reg & shareMask) >> shareShift }

// WithShareability replaces the shareability field.
func WithShareability(reg, share uint64) uint64 {
	return reg&^shareMask | (share<<shareShift)&shareMask
}

// GITS_CBASER fields.
const (
	CbaserValid      = uint64(1) << 63
	CbaserCacheShift = 59
	CbaserCacheMask  = uint64(0x7) << CbaserCacheShift
	CbaserAddrMask   = 0x000f_ffff_ffff_f000
	CbaserSizeMask   = 0xff
)

// CWRITER/CREADR carry the byte offset of a slot in bits [19:5].
const QueueOffsetMask = 0xf_ffe0

// GITS_BASER fields.
const (
	BaserValid          = uint64(1) << 63
	BaserIndirect       = uint64(1) << 62
	BaserCacheShift     = 59
	BaserCacheMask      = uint64(0x7) << BaserCacheShift
	BaserTypeShift      = 56
	BaserTypeMask       = uint64(0x7) << BaserTypeShift
	BaserEntrySizeShift = 48
	BaserEntrySizeMask  = uint64(0x1f) << BaserEntrySizeShift
	BaserAddrMask       = 0x0000_ffff_ffff_f000
	BaserPageSizeShift  = 8
	BaserPageSizeMask   = uint64(0x3) << BaserPageSizeShift
	BaserSizeMask       = 0xff

	// BaserMaxPages is the largest table expressible in the Size field.
	BaserMaxPages = 256

	// L1EntryValid marks a populated first-level entry of an indirect table.
	L1EntryValid = uint64(1) << 63
	L1EntrySize  = 8
)

// Table types reported in GITS_BASER.Type.
const (
	TableNone        = 0
	TableDevices     = 1
	TableVPEs        = 2
	TableCollections = 4
)

// BaserType returns the table type field.
func BaserType(reg uint64) uint64 { return (reg & BaserTypeMask) >> BaserTypeShift }

// BaserEntrySize returns the bytes per table entry.
func BaserEntrySize(reg uint64) uint64 { return (reg&BaserEntrySizeMask)>>BaserEntrySizeShift + 1 }

const (
	PageSize4K  = 0x1000
	PageSize16K = 0x4000
	PageSize64K = 0x10000
)

// BaserPageSize decodes the page size field. It returns 0 for the reserved
// encoding.
func BaserPageSize(reg uint64) uint64 {
	switch (reg & BaserPageSizeMask) >> BaserPageSizeShift {
	case 0:
		return PageSize4K
	case 1:
		return PageSize16K
	case 2:
		return PageSize64K
	default:
		return 0
	}
}

// EncodePageSize returns the page size field for size, or the reserved
// encoding for unsupported sizes.
func EncodePageSize(size uint64) uint64 {
	var v uint64
	switch size {
	case PageSize4K:
		v = 0
	case PageSize16K:
		v = 1
	case PageSize64K:
		v = 2
	default:
		v = 3
	}
	return v << BaserPageSizeShift
}

// Redistributor RD_base frame.
const (
	GICRCtlr      = 0x0000
	GICRTyper     = 0x0008
	GICRPropbaser = 0x0070
	GICRPendbaser = 0x0078

	GICRFrameSize = 0x20000
)

const (
	GICRCtlrEnableLPIs = 1 << 0

	GICRTyperPLPIS = 1 << 0
	GICRTyperLast  = 1 << 4
)

// GICRTyperProcNum returns the processor number used as an ITS target when
// GITS_TYPER.PTA is clear.
func GICRTyperProcNum(t uint64) uint64 { return (t >> 8) & 0xffff }

// GICR_PROPBASER fields.
const (
	PropbaserIDBitsMask = 0x1f
	PropbaserCacheShift = 7
	PropbaserCacheMask  = uint64(0x7) << PropbaserCacheShift
	PropbaserAddrMask   = 0x000f_ffff_ffff_f000
)

// GICR_PENDBASER fields.
const (
	PendbaserCacheShift = 7
	PendbaserCacheMask  = uint64(0x7) << PendbaserCacheShift
	PendbaserAddrMask   = 0x000f_ffff_ffff_0000
	PendbaserPTZ        = uint64(1) << 62
)

// LPI configuration table entry.
const (
	LPIConfEnable   = 1 << 0
	LPIConfGroup1   = 1 << 1
	LPIConfPrioMask = 0xfc
)

// FirstLPI is the lowest LPI INTID.
const FirstLPI = 8192
