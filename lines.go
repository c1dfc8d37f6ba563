package sdmmc

// lineCodec converts data blocks to and from the nibble stream seen on the
// DAT lines, one nibble per card clock with DAT0 in bit 0. In 1 bit mode only
// DAT0 carries data and DAT1-DAT3 idle high.
type lineCodec struct {
	width BusWidth
}

const (
	nibbleIdle = 0xf
	// crcNibbles is the length of the CRC16 trailer in clocks.
	crcNibbles = 16
	// blockPadNibbles of idle precede the start bit so a written block is a
	// whole number of 32 bit words.
	blockPadNibbles = 6
)

func (c lineCodec) lines() int {
	if c.width == BusWidth4 {
		return 4
	}
	return 1
}

// nibbles returns the data clocks needed to move n bytes.
func (c lineCodec) nibbles(n int) int { return n * 8 / c.lines() }

// streamNibbles is the length in clocks of a written block: padding, start
// bit, data, CRC16 and end bit.
func (c lineCodec) streamNibbles(n int) int {
	return blockPadNibbles + 1 + c.nibbles(n) + crcNibbles + 1
}

func (c lineCodec) dataNibble(block []byte, i int) uint8 {
	if c.width == BusWidth4 {
		return block[i/2] >> (4 * (1 - i%2)) & 0xf
	}
	return 0b1110 | block[i/8]>>(7-i%8)&1
}

func (c lineCodec) setNibble(block []byte, i int, nib uint8) {
	if c.width == BusWidth4 {
		shift := 4 * (1 - i%2)
		block[i/2] = block[i/2]&^(0xf<<shift) | (nib&0xf)<<shift
		return
	}
	shift := 7 - i%8
	block[i/8] = block[i/8]&^(1<<shift) | (nib&1)<<shift
}

// crc returns the CRC16 of every active line over the data of block.
func (c lineCodec) crc(block []byte) (crc [4]uint16) {
	lines := c.lines()
	for i, n := 0, c.nibbles(len(block)); i < n; i++ {
		nib := c.dataNibble(block, i)
		for l := 0; l < lines; l++ {
			crc[l] = crc16Bit(crc[l], nib>>l)
		}
	}
	return crc
}

// crcNibble returns the trailer nibble carrying bit of every line CRC.
func (c lineCodec) crcNibble(crc *[4]uint16, bit int) (nib uint8) {
	if c.width != BusWidth4 {
		return 0b1110 | uint8(crc[0]>>bit)&1
	}
	for l := 0; l < 4; l++ {
		nib |= uint8(crc[l]>>bit) & 1 << l
	}
	return nib
}

// encodeBlock emits the nibbles clocked out to write block. It stops early
// and returns false if put fails.
func (c lineCodec) encodeBlock(block []byte, put func(nib uint8) bool) bool {
	for i := 0; i < blockPadNibbles; i++ {
		if !put(nibbleIdle) {
			return false
		}
	}
	if !put(0) {
		return false
	}
	for i, n := 0, c.nibbles(len(block)); i < n; i++ {
		if !put(c.dataNibble(block, i)) {
			return false
		}
	}
	crc := c.crc(block)
	for bit := crcNibbles - 1; bit >= 0; bit-- {
		if !put(c.crcNibble(&crc, bit)) {
			return false
		}
	}
	return put(nibbleIdle)
}

// decodeBlock fills block from the nibbles following the start bit and checks
// the CRC16 trailer of every line. The end bit is not consumed. ok is false
// if get fails.
func (c lineCodec) decodeBlock(block []byte, get func() (uint8, bool)) (crcOK, ok bool) {
	lines := c.lines()
	var crc, got [4]uint16
	for i, n := 0, c.nibbles(len(block)); i < n; i++ {
		nib, ok := get()
		if !ok {
			return false, false
		}
		c.setNibble(block, i, nib)
		for l := 0; l < lines; l++ {
			crc[l] = crc16Bit(crc[l], nib>>l)
		}
	}
	for i := 0; i < crcNibbles; i++ {
		nib, ok := get()
		if !ok {
			return false, false
		}
		for l := 0; l < lines; l++ {
			got[l] = got[l]<<1 | uint16(nib>>l&1)
		}
	}
	return crc == got, true
}

// crc16Bit shifts one bit into a CRC-16/XMODEM (x^16+x^12+x^5+1) remainder,
// the data line CRC.
func crc16Bit(crc uint16, bit uint8) uint16 {
	fb := uint16(bit&1) ^ crc>>15
	crc <<= 1
	if fb != 0 {
		crc ^= 0x1021
	}
	return crc
}
