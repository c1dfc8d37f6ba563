// Package sdsim simulates an SD host controller with a card attached. It
// implements sdmmc.Bus and answers commands following the card state
// machine, including the quirks the driver has to deal with: legacy cards
// ignoring CMD8, MMC cards ignoring CMD55, busy power up and busy
// programming after writes and erases.
package sdsim

import (
	"fmt"

	"github.com/soypat/sdmmc/sd"
)

// Kind selects the simulated card generation.
type Kind uint8

const (
	KindSDHC Kind = iota
	KindSDv2
	KindSDv1
	KindMMC
)

func (k Kind) String() string {
	switch k {
	case KindSDHC:
		return "SDHC"
	case KindSDv2:
		return "SDv2"
	case KindSDv1:
		return "SDv1"
	case KindMMC:
		return "MMC"
	}
	return "Kind(" + fmt.Sprint(uint8(k)) + ")"
}

// CardConfig describes a simulated card.
type CardConfig struct {
	Kind Kind
	// Blocks is the capacity in 512 byte blocks. High capacity cards need a
	// multiple of 1024. Zero selects a small default.
	Blocks uint32
	// BusyPolls is the number of op-cond polls answered as busy.
	BusyPolls int
	// ProgramPolls is the number of status polls answered as programming
	// after a write or erase.
	ProgramPolls int
	// NoErase removes erase (class 5) from the advertised command classes.
	NoErase bool
	// No4Bit advertises a 1 bit only card in the SCR.
	No4Bit bool
	// RCA is the relative address published by SD cards. Zero selects a default.
	RCA uint16
}

const defaultRCA = 0xB368

// Card is the simulated card. Its methods are not safe for concurrent use;
// Bus serializes access.
type Card struct {
	cfg       CardConfig
	state     sd.CardState
	rca       uint16
	appCmd    bool
	busyLeft  int
	progLeft  int
	stuckBusy bool
	width     uint8

	csd, cid [16]byte
	scr      [sd.SCRLen]byte
	blocks   uint32
	data     map[uint32]*[sd.BlockSize]byte

	pending     pendingData
	eraseStart  uint32
	eraseEnd    uint32
	eraseMarked uint8
}

type dataOp uint8

const (
	opNone dataOp = iota
	opRead
	opWrite
	opSCR
)

type pendingData struct {
	op    dataOp
	block uint32
	multi bool
}

// NewCard returns a powered down card with zeroed contents.
func NewCard(cfg CardConfig) *Card {
	if cfg.Blocks == 0 {
		cfg.Blocks = 8192
		if cfg.Kind == KindSDHC {
			cfg.Blocks = 131072
		}
	}
	if cfg.RCA == 0 {
		cfg.RCA = defaultRCA
	}
	c := &Card{
		cfg:    cfg,
		blocks: cfg.Blocks,
		data:   make(map[uint32]*[sd.BlockSize]byte),
	}
	c.csd = c.makeCSD()
	cid := sd.CID{
		ManufacturerID:  0x03,
		OEMID:           [2]byte{'S', 'D'},
		ProductName:     [5]byte{'S', 'I', 'M', '0', '1'},
		ProductRevision: 0x10,
		Serial:          0x5D_5D_0001,
		ManufactureDate: 24<<4 | 3,
	}
	c.cid = cid.Encode()
	scr := sd.SCR{SDSpec: 2, Security: 2, BusWidths: sd.SCRBusWidth1 | sd.SCRBusWidth4, SDSpec3: true}
	if cfg.Kind == KindSDHC {
		scr.CmdSupport = sd.SCRCmdSetBlockCount
	}
	if cfg.Kind == KindSDv1 {
		scr.SDSpec = 0
		scr.SDSpec3 = false
	}
	if cfg.No4Bit {
		scr.BusWidths = sd.SCRBusWidth1
	}
	c.scr = scr.Encode()
	c.reset()
	return c
}

// Blocks returns the card capacity in blocks.
func (c *Card) Blocks() uint32 { return c.blocks }

// RawCSD returns the CSD register served by the card.
func (c *Card) RawCSD() [16]byte { return c.csd }

// State returns the card state machine state.
func (c *Card) State() sd.CardState { return c.state }

// BusWidth returns the data bus width selected with ACMD6.
func (c *Card) BusWidth() uint8 { return c.width }

// Block returns a copy of block n.
func (c *Card) Block(n uint32) (b [sd.BlockSize]byte) {
	if p := c.data[n]; p != nil {
		b = *p
	}
	return b
}

// SetBlock overwrites block n.
func (c *Card) SetBlock(n uint32, b []byte) {
	p := c.data[n]
	if p == nil {
		p = new([sd.BlockSize]byte)
		c.data[n] = p
	}
	copy(p[:], b)
}

// LoadImage copies img into the card starting at block 0. Trailing
// all zero blocks are not stored.
func (c *Card) LoadImage(img []byte) error {
	if uint64(len(img)) > uint64(c.blocks)*sd.BlockSize {
		return fmt.Errorf("sdsim: image of %d bytes exceeds card capacity", len(img))
	}
	for n := uint32(0); len(img) > 0; n++ {
		chunk := img[:min(len(img), sd.BlockSize)]
		img = img[len(chunk):]
		if !allZero(chunk) {
			c.SetBlock(n, chunk)
		} else {
			delete(c.data, n)
		}
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (c *Card) highCapacity() bool { return c.cfg.Kind == KindSDHC }

func (c *Card) makeCSD() [16]byte {
	csd := sd.CSD{
		TAAC:       0x0E,
		TranSpeed:  0x32,
		CCC:        0x5B5,
		ReadBlLen:  9,
		WriteBlLen: 9,
		EraseBlkEn: true,
		// 64 kB erase sectors.
		EraseSectorSize: 0x7F,
		R2WFactor:       2,
	}
	if c.cfg.NoErase {
		csd.CCC &^= 1 << sd.ClassErase
	}
	switch c.cfg.Kind {
	case KindSDHC:
		if c.blocks%1024 != 0 {
			panic("sdsim: high capacity cards need a multiple of 1024 blocks")
		}
		csd.Structure = sd.CSDVersion2
		csd.DeviceSize = c.blocks/1024 - 1
	case KindSDv2:
		// Encoded with 1024 byte READ_BL_LEN units; hosts double the result.
		csd.ReadBlLen = 10
		csd.DeviceSize, csd.DeviceSizeMul = standardSize(c.blocks / 2)
	default:
		csd.ReadBlPartial = true
		csd.DeviceSize, csd.DeviceSizeMul = standardSize(c.blocks)
		if c.cfg.Kind == KindMMC {
			csd.SpecVersion = 4
		}
	}
	return csd.Encode()
}

// standardSize finds C_SIZE and C_SIZE_MULT encoding n blocks.
func standardSize(n uint32) (csize uint32, mult uint8) {
	for m := 7; m >= 0; m-- {
		unit := uint32(1) << (m + 2)
		if n%unit == 0 && n/unit >= 1 && n/unit <= 4096 {
			return n/unit - 1, uint8(m)
		}
	}
	panic(fmt.Sprintf("sdsim: %d blocks not representable in a standard capacity CSD", n))
}

func (c *Card) reset() {
	c.state = sd.StateIdle
	c.rca = 0
	c.appCmd = false
	c.busyLeft = c.cfg.BusyPolls
	c.progLeft = 0
	c.width = 1
	c.pending = pendingData{}
	c.eraseMarked = 0
}

// response is the card answer to one command.
type response struct {
	none  bool // Card stays silent, host times out.
	long  bool
	words [4]uint32
	index uint8
	noCRC bool // R3 carries no CRC.
}

func (c *Card) r1(idx sd.Command, extra sd.CardStatus) response {
	status := extra
	if c.appCmd {
		status |= sd.StatusAppCmd
	}
	if c.state == sd.StateTransfer || c.state == sd.StateStandby {
		status |= sd.StatusReadyForData
	}
	return response{words: [4]uint32{uint32(status.WithState(c.state))}, index: uint8(idx)}
}

func (c *Card) r2(reg [16]byte) response {
	return response{long: true, words: sd.RegisterWords(reg), index: 0x3F}
}

func (c *Card) r3(ocr sd.OCR) response {
	return response{words: [4]uint32{uint32(ocr)}, index: 0x3F, noCRC: true}
}

// command executes one command and returns the card response.
func (c *Card) command(idx sd.Command, arg uint32) response {
	app := c.appCmd
	c.appCmd = false
	if app && c.cfg.Kind != KindMMC {
		if resp, ok := c.appCommand(sd.AppCommand(idx), arg); ok {
			return resp
		}
	}
	mmc := c.cfg.Kind == KindMMC
	switch idx {
	case sd.CmdGoIdleState:
		c.reset()
		return response{none: true}

	case sd.CmdSendIfCond:
		if c.cfg.Kind == KindSDv1 || mmc || c.state != sd.StateIdle {
			return response{none: true}
		}
		return response{words: [4]uint32{arg & sd.IfCondCheckMask}, index: uint8(idx)}

	case sd.CmdAppCmd:
		if mmc || (c.state > sd.StateReady && !c.addressed(arg)) {
			return response{none: true}
		}
		c.appCmd = true
		return c.r1(idx, 0)

	case sd.CmdSendOpCond:
		if !mmc {
			return response{none: true}
		}
		return c.r3(c.opCond(false))

	case sd.CmdAllSendCID:
		if c.state != sd.StateReady {
			return response{none: true}
		}
		c.state = sd.StateIdentification
		return c.r2(c.cid)

	case sd.CmdSendRelativeAddr:
		if c.state != sd.StateIdentification && c.state != sd.StateStandby {
			return response{none: true}
		}
		prev := c.state
		if mmc {
			resp := c.r1(idx, 0)
			c.rca = uint16(arg >> 16)
			c.state = sd.StateStandby
			return resp
		}
		c.state = sd.StateStandby
		c.rca = c.cfg.RCA
		// Reduced status: bits 23, 22, 19 mapped to 15, 14, 13 plus the state.
		status := uint32(sd.CardStatus(0).WithState(prev)) & 0x1FFF
		return response{words: [4]uint32{uint32(c.rca)<<16 | status}, index: uint8(idx)}

	case sd.CmdSendCSD, sd.CmdSendCID:
		if c.state != sd.StateStandby || !c.addressed(arg) {
			return response{none: true}
		}
		if idx == sd.CmdSendCID {
			return c.r2(c.cid)
		}
		return c.r2(c.csd)

	case sd.CmdSelectCard:
		if !c.addressed(arg) {
			if c.state == sd.StateTransfer {
				c.state = sd.StateStandby
			}
			return response{none: true}
		}
		resp := c.r1(idx, 0)
		c.state = sd.StateTransfer
		return resp

	case sd.CmdSendStatus:
		if !c.addressed(arg) {
			return response{none: true}
		}
		if c.state == sd.StateProgramming && !c.stuckBusy {
			if c.progLeft <= 0 {
				c.state = sd.StateTransfer
			} else {
				c.progLeft--
			}
		}
		return c.r1(idx, 0)

	case sd.CmdSetBlocklen:
		if c.state != sd.StateTransfer {
			return c.r1(idx, sd.StatusIllegalCommand)
		}
		if arg != sd.BlockSize && !c.highCapacity() {
			return c.r1(idx, sd.StatusBlockLenError)
		}
		return c.r1(idx, 0)

	case sd.CmdReadSingleBlock, sd.CmdReadMultipleBlock, sd.CmdWriteBlock, sd.CmdWriteMultipleBlock:
		if c.state != sd.StateTransfer {
			return c.r1(idx, sd.StatusIllegalCommand)
		}
		block, errbits := c.blockAddr(arg)
		if errbits != 0 {
			return c.r1(idx, errbits)
		}
		resp := c.r1(idx, 0)
		c.pending = pendingData{
			op:    opRead,
			block: block,
			multi: idx == sd.CmdReadMultipleBlock || idx == sd.CmdWriteMultipleBlock,
		}
		c.state = sd.StateSending
		if idx == sd.CmdWriteBlock || idx == sd.CmdWriteMultipleBlock {
			c.pending.op = opWrite
			c.state = sd.StateReceiving
		}
		return resp

	case sd.CmdStopTransmission:
		resp := c.r1(idx, 0)
		switch c.state {
		case sd.StateSending:
			c.state = sd.StateTransfer
		case sd.StateReceiving:
			c.startProgramming()
		}
		c.pending = pendingData{}
		return resp

	case sd.CmdEraseWrBlkStart, sd.CmdEraseWrBlkEnd, sd.CmdEraseGroupStart, sd.CmdEraseGroupEnd:
		isMMCCmd := idx == sd.CmdEraseGroupStart || idx == sd.CmdEraseGroupEnd
		if c.state != sd.StateTransfer || isMMCCmd != mmc {
			return c.r1(idx, sd.StatusIllegalCommand)
		}
		block, errbits := c.blockAddr(arg)
		if errbits != 0 {
			return c.r1(idx, errbits)
		}
		if idx == sd.CmdEraseWrBlkStart || idx == sd.CmdEraseGroupStart {
			c.eraseStart = block
			c.eraseMarked = 1
		} else if c.eraseMarked == 1 {
			c.eraseEnd = block
			c.eraseMarked = 2
		} else {
			return c.r1(idx, sd.StatusEraseSeqError)
		}
		return c.r1(idx, 0)

	case sd.CmdErase:
		if c.state != sd.StateTransfer {
			return c.r1(idx, sd.StatusIllegalCommand)
		}
		if c.eraseMarked != 2 || c.eraseEnd < c.eraseStart {
			c.eraseMarked = 0
			return c.r1(idx, sd.StatusEraseSeqError)
		}
		resp := c.r1(idx, 0)
		for n := c.eraseStart; n <= c.eraseEnd; n++ {
			delete(c.data, n)
		}
		c.eraseMarked = 0
		c.startProgramming()
		return resp
	}
	return response{none: true}
}

// appCommand handles commands following CMD55. ok is false for indices
// that are not application commands, which then run as regular commands.
func (c *Card) appCommand(acmd sd.AppCommand, arg uint32) (resp response, ok bool) {
	switch acmd {
	case sd.ACmdSDSendOpCond:
		return c.r3(c.opCond(arg&uint32(sd.OCRHCS) != 0)), true

	case sd.ACmdSetBusWidth:
		if c.state != sd.StateTransfer {
			return c.r1(sd.Command(acmd), sd.StatusIllegalCommand), true
		}
		switch arg & 0b11 {
		case sd.BusWidth1Arg:
			c.width = 1
		case sd.BusWidth4Arg:
			if sd.DecodeSCR(c.scr).Supports4Bit() {
				c.width = 4
				break
			}
			fallthrough
		default:
			return c.r1(sd.Command(acmd), sd.StatusIllegalCommand), true
		}
		return c.r1(sd.Command(acmd), 0), true

	case sd.ACmdSetWrBlkEraseCount:
		if c.state != sd.StateTransfer {
			return c.r1(sd.Command(acmd), sd.StatusIllegalCommand), true
		}
		return c.r1(sd.Command(acmd), 0), true

	case sd.ACmdSendSCR:
		if c.state != sd.StateTransfer {
			return c.r1(sd.Command(acmd), sd.StatusIllegalCommand), true
		}
		resp = c.r1(sd.Command(acmd), 0)
		c.pending = pendingData{op: opSCR}
		c.state = sd.StateSending
		return resp, true
	}
	return response{}, false
}

func (c *Card) opCond(hcs bool) sd.OCR {
	if c.state != sd.StateIdle && c.state != sd.StateReady {
		return sd.OCRVoltage27
	}
	if c.busyLeft > 0 {
		c.busyLeft--
		return sd.OCRVoltage27
	}
	c.state = sd.StateReady
	ocr := sd.OCRPowerUp | sd.OCRVoltage27
	if c.highCapacity() && hcs {
		ocr |= sd.OCRCCS
	}
	return ocr
}

func (c *Card) addressed(arg uint32) bool {
	return uint16(arg>>16) == c.rca
}

// blockAddr converts a command argument to a block number reporting
// range and alignment errors.
func (c *Card) blockAddr(arg uint32) (uint32, sd.CardStatus) {
	block := arg
	if !c.highCapacity() {
		if arg%sd.BlockSize != 0 {
			return 0, sd.StatusAddressError
		}
		block = arg / sd.BlockSize
	}
	if block >= c.blocks {
		return 0, sd.StatusOutOfRange
	}
	return block, 0
}

func (c *Card) startProgramming() {
	c.state = sd.StateProgramming
	c.progLeft = c.cfg.ProgramPolls
}

// transferData moves the pending data phase through buf. ok is false when
// no data phase is pending in the direction requested.
func (c *Card) transferData(write bool, buf []byte) (ok bool) {
	p := c.pending
	switch {
	case p.op == opSCR && !write:
		copy(buf, c.scr[:])
		c.pending = pendingData{}
		c.state = sd.StateTransfer
		return true
	case p.op == opRead && !write:
		for off := 0; off+sd.BlockSize <= len(buf); off += sd.BlockSize {
			b := c.Block(p.block)
			copy(buf[off:], b[:])
			p.block++
		}
		if !p.multi {
			c.pending = pendingData{}
			c.state = sd.StateTransfer
		} else {
			c.pending.block = p.block
		}
		return true
	case p.op == opWrite && write:
		for off := 0; off+sd.BlockSize <= len(buf); off += sd.BlockSize {
			c.SetBlock(p.block, buf[off:off+sd.BlockSize])
			p.block++
		}
		if !p.multi {
			c.pending = pendingData{}
			c.startProgramming()
		} else {
			c.pending.block = p.block
		}
		return true
	}
	return false
}
