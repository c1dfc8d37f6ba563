package sd

import (
	"encoding/binary"

	"github.com/sigurn/crc8"
)

// crc7Table computes CRC-7/MMC (x^7+x^3+1) left aligned in a byte, so the
// checksum comes out already shifted by one as it is placed on the wire.
var crc7Table = crc8.MakeTable(crc8.Params{
	Poly:   0x09 << 1,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0x75 << 1,
	Name:   "CRC-7/MMC",
})

// CRC7 returns the 7 bit CRC of b used by command frames and the CSD/CID registers.
func CRC7(b []byte) uint8 {
	return crc8.Checksum(b, crc7Table) >> 1
}

// FrameLen is the length of a command or short response frame on the CMD line.
const FrameLen = 6

// EncodeCommand writes the 48 bit command frame for idx and arg into dst:
// start bit, transmission bit, index, argument, CRC7 and end bit.
func EncodeCommand(dst *[FrameLen]byte, idx Command, arg uint32) {
	dst[0] = 0x40 | byte(idx&cmdMax)
	binary.BigEndian.PutUint32(dst[1:5], arg)
	dst[5] = CRC7(dst[:5])<<1 | 1
}

// DecodeCommand parses a host to card frame. ok is false if the start,
// transmission or end bits are wrong or the CRC does not match.
func DecodeCommand(frame [FrameLen]byte) (idx Command, arg uint32, ok bool) {
	idx = Command(frame[0] & byte(cmdMax))
	arg = binary.BigEndian.Uint32(frame[1:5])
	ok = frame[0]&0xC0 == 0x40 && frame[5]&1 == 1 && frame[5]>>1 == CRC7(frame[:5])
	return idx, arg, ok
}

// Register converts the four words of a long (R2) response into the 16 byte
// big endian register image. words[0] holds bits 127:96.
func Register(words [4]uint32) (reg [16]byte) {
	for i, w := range words {
		binary.BigEndian.PutUint32(reg[i*4:], w)
	}
	return reg
}

// RegisterWords is the inverse of Register.
func RegisterWords(reg [16]byte) (words [4]uint32) {
	for i := range words {
		words[i] = binary.BigEndian.Uint32(reg[i*4:])
	}
	return words
}

// SealRegister stores the CRC7 of the first 15 bytes of reg in its last byte.
func SealRegister(reg *[16]byte) {
	reg[15] = CRC7(reg[:15])<<1 | 1
}

// RegisterCRCValid reports whether the last byte of reg holds the CRC7 of the rest.
func RegisterCRCValid(reg [16]byte) bool {
	return reg[15]>>1 == CRC7(reg[:15])
}
