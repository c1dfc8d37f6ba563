package sd

import "encoding/binary"

// SCRLen is the length of the SD Configuration Register data phase.
const SCRLen = 8

// SCR bus width bits.
const (
	SCRBusWidth1 = 1 << 0
	SCRBusWidth4 = 1 << 2
)

// SCR command support bits.
const (
	SCRCmdSpeedClass    = 1 << 0 // CMD20.
	SCRCmdSetBlockCount = 1 << 1 // CMD23.
)

// SCR is the decoded SD Configuration Register, read with ACMD51.
type SCR struct {
	Structure          uint8
	SDSpec             uint8
	DataStatAfterErase bool
	Security           uint8
	BusWidths          uint8
	SDSpec3            bool
	CmdSupport         uint8
}

// DecodeSCR decodes the 8 byte big endian register.
func DecodeSCR(b [SCRLen]byte) (s SCR) {
	v := binary.BigEndian.Uint64(b[:])
	s.Structure = uint8(v>>60) & 0xF
	s.SDSpec = uint8(v>>56) & 0xF
	s.DataStatAfterErase = v>>55&1 != 0
	s.Security = uint8(v>>52) & 0x7
	s.BusWidths = uint8(v>>48) & 0xF
	s.SDSpec3 = v>>47&1 != 0
	s.CmdSupport = uint8(v>>32) & 0x3
	return s
}

// Encode builds the 8 byte register image of s.
func (s *SCR) Encode() (b [SCRLen]byte) {
	var v uint64
	v |= uint64(s.Structure&0xF) << 60
	v |= uint64(s.SDSpec&0xF) << 56
	if s.DataStatAfterErase {
		v |= 1 << 55
	}
	v |= uint64(s.Security&0x7) << 52
	v |= uint64(s.BusWidths&0xF) << 48
	if s.SDSpec3 {
		v |= 1 << 47
	}
	v |= uint64(s.CmdSupport&0x3) << 32
	binary.BigEndian.PutUint64(b[:], v)
	return b
}

// Supports4Bit reports whether the card accepts a 4 bit data bus.
func (s SCR) Supports4Bit() bool { return s.BusWidths&SCRBusWidth4 != 0 }

// SupportsSetBlockCount reports whether CMD23 is supported.
func (s SCR) SupportsSetBlockCount() bool { return s.CmdSupport&SCRCmdSetBlockCount != 0 }
