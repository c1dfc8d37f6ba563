package sd

import (
	"errors"
	"math"
	"strconv"
)

// ErrUnknownCSD is returned for CSD_STRUCTURE values this package cannot decode.
var ErrUnknownCSD = errors.New("sd: unknown CSD structure version")

// CSD structure versions.
const (
	CSDVersion1 = 0 // Standard capacity layout.
	CSDVersion2 = 1 // High capacity layout, 22 bit C_SIZE.
)

// Card command classes as found in the CCC field of the CSD.
const (
	ClassBasic       = 0
	ClassBlockRead   = 2
	ClassBlockWrite  = 4
	ClassErase       = 5
	ClassWriteProt   = 6
	ClassLockCard    = 7
	ClassAppSpecific = 8
	ClassIOMode      = 9
	ClassSwitch      = 10
)

// CSD is the decoded Card Specific Data register. Field names follow the
// physical layer specification. Unused fields of a layout are left zero.
type CSD struct {
	Structure        uint8
	SpecVersion      uint8 // MMC only: SPEC_VERS.
	TAAC             uint8
	NSAC             uint8
	TranSpeed        uint8
	CCC              uint16 // Card command classes, bit n set if class n is supported.
	ReadBlLen        uint8  // log2 of the maximum read block length.
	ReadBlPartial    bool
	WriteBlkMisalign bool
	ReadBlkMisalign  bool
	DSRImp           bool
	// DeviceSize is C_SIZE: 12 bits in version 1, 22 bits in version 2.
	DeviceSize       uint32
	VDDRCurrMin      uint8
	VDDRCurrMax      uint8
	VDDWCurrMin      uint8
	VDDWCurrMax      uint8
	DeviceSizeMul    uint8 // C_SIZE_MULT, version 1 only.
	EraseBlkEn       bool
	EraseSectorSize  uint8 // SECTOR_SIZE, in write blocks minus one.
	WPGrpSize        uint8
	WPGrpEnable      bool
	R2WFactor        uint8
	WriteBlLen       uint8
	WriteBlPartial   bool
	FileFormatGrp    bool
	Copy             bool
	PermWriteProtect bool
	TmpWriteProtect  bool
	FileFormat       uint8
	ECC              uint8 // MMC only.
	CRC              uint8
}

// field extracts bits msb..lsb (inclusive) of a 128 bit register stored big
// endian, so bit 127 is the top bit of reg[0] and bit 0 the low bit of reg[15].
func field(reg *[16]byte, msb, lsb int) uint32 {
	var v uint32
	for bit := msb; bit >= lsb; bit-- {
		b := reg[15-bit/8] >> (bit % 8) & 1
		v = v<<1 | uint32(b)
	}
	return v
}

func setField(reg *[16]byte, msb, lsb int, v uint32) {
	for bit := lsb; bit <= msb; bit++ {
		idx := 15 - bit/8
		mask := byte(1) << (bit % 8)
		if v&1 != 0 {
			reg[idx] |= mask
		} else {
			reg[idx] &^= mask
		}
		v >>= 1
	}
}

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// DecodeCSD decodes an SD card CSD, choosing the layout from CSD_STRUCTURE.
func DecodeCSD(reg [16]byte) (CSD, error) {
	switch reg[0] >> 6 {
	case CSDVersion1:
		return DecodeCSDv1(reg), nil
	case CSDVersion2:
		return decodeCSDv2(reg), nil
	}
	return CSD{Structure: reg[0] >> 6}, ErrUnknownCSD
}

// DecodeCSDv1 decodes the standard capacity layout. MMC cards always use it.
func DecodeCSDv1(reg [16]byte) (c CSD) {
	decodeCommon(&reg, &c)
	c.SpecVersion = uint8(field(&reg, 125, 122))
	// C_SIZE straddles bytes 6, 7 and 8: 2 + 8 + 2 bits.
	c.DeviceSize = uint32(reg[6]&0x03)<<10 | uint32(reg[7])<<2 | uint32(reg[8]&0xC0)>>6
	c.VDDRCurrMin = (reg[8] & 0x38) >> 3
	c.VDDRCurrMax = reg[8] & 0x07
	c.VDDWCurrMin = (reg[9] & 0xE0) >> 5
	c.VDDWCurrMax = (reg[9] & 0x1C) >> 2
	// C_SIZE_MULT straddles bytes 9 and 10: 2 + 1 bits.
	c.DeviceSizeMul = (reg[9]&0x03)<<1 | (reg[10]&0x80)>>7
	c.ECC = reg[14] & 0x03
	return c
}

func decodeCSDv2(reg [16]byte) (c CSD) {
	decodeCommon(&reg, &c)
	// C_SIZE is 22 bits, bits 69:48.
	c.DeviceSize = uint32(reg[7]&0x3F)<<16 | uint32(reg[8])<<8 | uint32(reg[9])
	return c
}

func decodeCommon(reg *[16]byte, c *CSD) {
	c.Structure = reg[0] >> 6
	c.TAAC = reg[1]
	c.NSAC = reg[2]
	c.TranSpeed = reg[3]
	c.CCC = uint16(reg[4])<<4 | uint16(reg[5]&0xF0)>>4
	c.ReadBlLen = reg[5] & 0x0F
	c.ReadBlPartial = reg[6]&0x80 != 0
	c.WriteBlkMisalign = reg[6]&0x40 != 0
	c.ReadBlkMisalign = reg[6]&0x20 != 0
	c.DSRImp = reg[6]&0x10 != 0
	c.EraseBlkEn = reg[10]&0x40 != 0
	c.EraseSectorSize = (reg[10]&0x3F)<<1 | (reg[11]&0x80)>>7
	c.WPGrpSize = reg[11] & 0x7F
	c.WPGrpEnable = reg[12]&0x80 != 0
	c.R2WFactor = (reg[12] & 0x1C) >> 2
	c.WriteBlLen = (reg[12]&0x03)<<2 | (reg[13]&0xC0)>>6
	c.WriteBlPartial = reg[13]&0x20 != 0
	c.FileFormatGrp = reg[14]&0x80 != 0
	c.Copy = reg[14]&0x40 != 0
	c.PermWriteProtect = reg[14]&0x20 != 0
	c.TmpWriteProtect = reg[14]&0x10 != 0
	c.FileFormat = (reg[14] & 0x0C) >> 2
	c.CRC = reg[15] >> 1
}

// Encode builds the register image of c using the layout selected by
// c.Structure and seals it with a valid CRC.
func (c *CSD) Encode() (reg [16]byte) {
	setField(&reg, 127, 126, uint32(c.Structure))
	setField(&reg, 119, 112, uint32(c.TAAC))
	setField(&reg, 111, 104, uint32(c.NSAC))
	setField(&reg, 103, 96, uint32(c.TranSpeed))
	setField(&reg, 95, 84, uint32(c.CCC))
	setField(&reg, 83, 80, uint32(c.ReadBlLen))
	setField(&reg, 79, 79, b2u32(c.ReadBlPartial))
	setField(&reg, 78, 78, b2u32(c.WriteBlkMisalign))
	setField(&reg, 77, 77, b2u32(c.ReadBlkMisalign))
	setField(&reg, 76, 76, b2u32(c.DSRImp))
	if c.Structure == CSDVersion2 {
		setField(&reg, 69, 48, c.DeviceSize)
	} else {
		setField(&reg, 125, 122, uint32(c.SpecVersion))
		setField(&reg, 73, 62, c.DeviceSize)
		setField(&reg, 61, 59, uint32(c.VDDRCurrMin))
		setField(&reg, 58, 56, uint32(c.VDDRCurrMax))
		setField(&reg, 55, 53, uint32(c.VDDWCurrMin))
		setField(&reg, 52, 50, uint32(c.VDDWCurrMax))
		setField(&reg, 49, 47, uint32(c.DeviceSizeMul))
		setField(&reg, 9, 8, uint32(c.ECC))
	}
	setField(&reg, 46, 46, b2u32(c.EraseBlkEn))
	setField(&reg, 45, 39, uint32(c.EraseSectorSize))
	setField(&reg, 38, 32, uint32(c.WPGrpSize))
	setField(&reg, 31, 31, b2u32(c.WPGrpEnable))
	setField(&reg, 28, 26, uint32(c.R2WFactor))
	setField(&reg, 25, 22, uint32(c.WriteBlLen))
	setField(&reg, 21, 21, b2u32(c.WriteBlPartial))
	setField(&reg, 15, 15, b2u32(c.FileFormatGrp))
	setField(&reg, 14, 14, b2u32(c.Copy))
	setField(&reg, 13, 13, b2u32(c.PermWriteProtect))
	setField(&reg, 12, 12, b2u32(c.TmpWriteProtect))
	setField(&reg, 11, 10, uint32(c.FileFormat))
	SealRegister(&reg)
	c.CRC = reg[15] >> 1
	return reg
}

// SupportsClass reports whether command class n is listed in CCC.
func (c *CSD) SupportsClass(n int) bool {
	return n >= 0 && n < 12 && c.CCC&(1<<n) != 0
}

// Blocks returns the card capacity in 512 byte blocks.
//
// Standard capacity cards use (C_SIZE+1) * 2^(C_SIZE_MULT+2). Version 2.0
// standard capacity cards are reported doubled: 2GB cards exist with both a
// 512 and a 1024 byte READ_BL_LEN encoding and the doubling reconciles them.
// High capacity cards use (C_SIZE+1) * 1024. The largest C_SIZE (2TB)
// does not fit 32 bits and saturates to math.MaxUint32 blocks.
func (c *CSD) Blocks(ct CardType) uint32 {
	if c.Structure == CSDVersion2 && ct != TypeMMC {
		blocks := (uint64(c.DeviceSize) + 1) * 1024
		return uint32(min(blocks, math.MaxUint32))
	}
	blocks := (c.DeviceSize + 1) << (c.DeviceSizeMul + 2)
	if ct == TypeStandardV2 {
		blocks *= 2
	}
	return blocks
}

// MaxReadBlock returns the maximum read block length in bytes.
func (c *CSD) MaxReadBlock() uint32 { return 1 << c.ReadBlLen }

// EraseSectorBlocks returns the erasable unit in write blocks.
func (c *CSD) EraseSectorBlocks() uint32 { return uint32(c.EraseSectorSize) + 1 }

// TransferRate decodes TRAN_SPEED into bits per second.
func (c *CSD) TransferRate() uint32 {
	units := [4]uint32{100_000, 1_000_000, 10_000_000, 100_000_000}
	// Multipliers are tenths.
	mult := [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
	u := c.TranSpeed & 0x07
	if u >= 4 {
		return 0
	}
	return units[u] / 10 * mult[(c.TranSpeed>>3)&0x0F]
}

func (c CSD) String() string {
	return "CSDv" + strconv.Itoa(int(c.Structure)+1) +
		" C_SIZE=" + strconv.Itoa(int(c.DeviceSize)) +
		" C_SIZE_MULT=" + strconv.Itoa(int(c.DeviceSizeMul)) +
		" READ_BL_LEN=" + strconv.Itoa(int(c.ReadBlLen)) +
		" CCC=0x" + strconv.FormatUint(uint64(c.CCC), 16)
}
