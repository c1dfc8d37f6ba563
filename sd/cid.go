package sd

import (
	"encoding/binary"
	"strconv"
)

// CID is the decoded Card Identification register.
type CID struct {
	ManufacturerID  uint8
	OEMID           [2]byte
	ProductName     [5]byte
	ProductRevision uint8 // BCD major.minor.
	Serial          uint32
	// ManufactureDate is the raw 12 bit MDT field: year offset from 2000 in
	// the upper 8 bits and month in the lower 4.
	ManufactureDate uint16
	CRC             uint8
}

// DecodeCID decodes the SD layout of the CID register.
func DecodeCID(reg [16]byte) (c CID) {
	c.ManufacturerID = reg[0]
	copy(c.OEMID[:], reg[1:3])
	copy(c.ProductName[:], reg[3:8])
	c.ProductRevision = reg[8]
	c.Serial = binary.BigEndian.Uint32(reg[9:13])
	c.ManufactureDate = uint16(reg[13]&0x0F)<<8 | uint16(reg[14])
	c.CRC = reg[15] >> 1
	return c
}

// Encode builds the register image of c and seals it with a valid CRC.
func (c *CID) Encode() (reg [16]byte) {
	reg[0] = c.ManufacturerID
	copy(reg[1:3], c.OEMID[:])
	copy(reg[3:8], c.ProductName[:])
	reg[8] = c.ProductRevision
	binary.BigEndian.PutUint32(reg[9:13], c.Serial)
	reg[13] = byte(c.ManufactureDate>>8) & 0x0F
	reg[14] = byte(c.ManufactureDate)
	SealRegister(&reg)
	c.CRC = reg[15] >> 1
	return reg
}

// Year returns the manufacturing year.
func (c *CID) Year() int { return 2000 + int(c.ManufactureDate>>4) }

// Month returns the manufacturing month, 1 to 12.
func (c *CID) Month() int { return int(c.ManufactureDate & 0xF) }

// Revision returns the major and minor product revision.
func (c *CID) Revision() (major, minor uint8) {
	return c.ProductRevision >> 4, c.ProductRevision & 0xF
}

func (c CID) String() string {
	major, minor := c.Revision()
	return "MID=0x" + strconv.FormatUint(uint64(c.ManufacturerID), 16) +
		" OID=" + printable(c.OEMID[:]) +
		" PNM=" + printable(c.ProductName[:]) +
		" PRV=" + strconv.Itoa(int(major)) + "." + strconv.Itoa(int(minor)) +
		" PSN=0x" + strconv.FormatUint(uint64(c.Serial), 16) +
		" MDT=" + strconv.Itoa(c.Year()) + "-" + strconv.Itoa(c.Month())
}

// printable replaces non printable ASCII so garbled registers stay loggable.
func printable(b []byte) string {
	buf := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		buf[i] = c
	}
	return string(buf)
}
