//go:build rp2040

package sdmmc

import (
	"encoding/binary"
	"errors"
	"machine"
	"runtime"
	"sync/atomic"
	"time"

	pio "github.com/tinygo-org/pio/rp2-pio"

	"github.com/soypat/sdmmc/sd"
)

// PIO instruction encoding. Both state machines side-set CLK with one
// mandatory bit so the delay field is 4 bits wide.
const (
	pioJmp  = 0b000 << 13
	pioIn   = 0b010 << 13
	pioOut  = 0b011 << 13
	pioPush = 0b100 << 13
	pioPull = 0b100<<13 | 1<<7
	pioMov  = 0b101 << 13
	pioSet  = 0b111 << 13

	jmpXDec = 2 << 5
	jmpNotY = 3 << 5
	jmpYDec = 4 << 5
	jmpPin  = 6 << 5

	srcPins    = 0 << 5
	dstPins    = 0 << 5
	dstX       = 1 << 5
	dstY       = 2 << 5
	dstPindirs = 4 << 5
	fifoBlock  = 1 << 5

	pioNop = pioMov | dstY | 2 // mov y, y

	sideHigh = 1 << 12
	delay1   = 1 << 8
)

// sdioProgram holds the command and data routines. It is loaded at offset 0
// so the jump targets are absolute. CLK only runs while a state machine
// executes, which keeps the card in step when a FIFO stalls.
var sdioProgram = [...]uint16{
	// Command. Word 0: bits to send minus one, response bits after the start
	// bit minus one (zero for no response) and the first 16 frame bits.
	pioPull | fifoBlock,                         // 0: idle with CLK low.
	pioOut | dstX | 8 | sideHigh | delay1,       // 1
	pioOut | dstY | 8 | delay1,                  // 2
	pioSet | dstPindirs | 1 | sideHigh | delay1, // 3
	pioOut | dstPins | 1 | delay1,               // 4: CMD changes on the falling edge.
	pioJmp | jmpXDec | 4 | sideHigh | delay1,    // 5
	pioSet | dstPindirs | 0 | delay1,            // 6
	pioJmp | jmpNotY | 13 | sideHigh | delay1,   // 7
	pioNop | delay1,                             // 8: wait for the start bit.
	pioJmp | jmpPin | 8 | sideHigh | delay1,     // 9
	pioNop | delay1,                             // 10
	pioIn | srcPins | 1 | sideHigh,              // 11: sample on the rising edge.
	pioJmp | jmpYDec | 10 | sideHigh,            // 12
	pioPush | fifoBlock | delay1,                // 13
	pioSet | dstY | 7 | sideHigh | delay1,       // 14: eight clocks before stopping.
	pioNop | delay1,                             // 15
	pioJmp | jmpYDec | 15 | sideHigh | delay1,   // 16

	// Data write. Word 0: clocks to drive minus one. Falls through into the
	// read routine to collect the CRC status token.
	pioOut | dstX | 0,                         // 17: out x, 32
	pioJmp | jmpPin | 20 | delay1,             // 18: wait while DAT0 is busy.
	pioJmp | 18 | sideHigh | delay1,           // 19
	pioSet | dstPindirs | 0xf | delay1,        // 20
	pioOut | dstPins | 4 | delay1,             // 21
	pioJmp | jmpXDec | 21 | sideHigh | delay1, // 22
	pioSet | dstPindirs | 0 | delay1,          // 23

	// Data read. Word 0: clocks after the start bit minus one.
	pioOut | dstX | 0,                        // 24
	pioNop | delay1,                          // 25: wait for the start bit.
	pioJmp | jmpPin | 25 | sideHigh | delay1, // 26
	pioNop | delay1,                          // 27
	pioIn | srcPins | 4 | sideHigh,           // 28
	pioJmp | jmpXDec | 27 | sideHigh,         // 29
	pioPush | fifoBlock,                      // 30
}

const (
	cmdWrapTarget   = 0
	cmdWrap         = 16
	writeWrapTarget = 17
	readWrapTarget  = 24
	dataWrap        = 30

	// Four state machine cycles per card clock. Below three the input
	// synchronizers eat into the card output hold time.
	pioMinDiv = 3
	// tokenNibbles are sampled after the CRC status start bit: three status
	// bits, the end bit and three busy clocks.
	tokenNibbles = 7
	initClocks   = 80
)

var errPIOBlockSize = errors.New("sdmmc: block size must be a multiple of 4 dividing the buffer")

var _ Bus = (*RP2040Bus)(nil)

// RP2040Bus drives the SD native bus from two PIO state machines: one runs
// the command line, the other DAT0-DAT3. The card clock is side-set by
// whichever state machine is active. Data moves through the FIFOs from a
// goroutine so there are no DMA channels to share.
type RP2040Bus struct {
	pio     *pio.PIO
	cmdSM   pio.StateMachine
	dataSM  pio.StateMachine
	offset  uint8
	clk     machine.Pin
	cmd     machine.Pin
	dat0    machine.Pin
	div     uint16
	hz      uint32
	codec   lineCodec
	handler func()
	flags   atomic.Uint32
	mask    atomic.Uint32

	// Command phase, owned by the issuing goroutine.
	pending bool
	kind    ResponseKind
	want    int
	nrx     int
	rx      [5]uint32
	respCmd uint8
	resp    [4]uint32

	active atomic.Bool
	stop   atomic.Bool
}

// NewRP2040Bus claims two state machines of p and loads the SD program at
// offset 0. DAT0 to DAT3 must be consecutive GPIOs starting at dat0.
func NewRP2040Bus(p *pio.PIO, clk, cmd, dat0 machine.Pin) (*RP2040Bus, error) {
	cmdSM, err := p.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	dataSM, err := p.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	offset, err := p.AddProgram(sdioProgram[:], 0)
	if err != nil {
		return nil, err
	}
	b := &RP2040Bus{
		pio:    p,
		cmdSM:  cmdSM,
		dataSM: dataSM,
		offset: offset,
		clk:    clk,
		cmd:    cmd,
		dat0:   dat0,
		codec:  lineCodec{width: BusWidth1},
	}
	b.SetClock(defaultIdentClock)
	return b, nil
}

// PowerOn hands the pins to the PIO and clocks the card with CMD high for
// the power up delay. Card supply is not switched.
func (b *RP2040Bus) PowerOn() {
	mode := machine.PinConfig{Mode: b.pio.PinMode()}
	b.clk.Configure(mode)
	b.cmd.Configure(mode)
	for i := range machine.Pin(4) {
		(b.dat0 + i).Configure(mode)
	}
	b.cmdSM.SetPindirsConsecutive(b.clk, 1, true)
	b.cmdSM.SetPindirsConsecutive(b.cmd, 1, false)
	b.dataSM.SetPindirsConsecutive(b.dat0, 4, false)
	b.ClearStatus(FlagsStatic)

	const fill = 0xffff_ffff
	b.startCommand(ResponseNone, 1, (initClocks-1)<<24|0xffff, fill, fill)
	deadline := time.Now().Add(10 * time.Millisecond)
	for b.Status()&FlagCmdSent == 0 && time.Now().Before(deadline) {
		runtime.Gosched()
	}
	b.ClearStatus(FlagCmdSent)
}

func (b *RP2040Bus) PowerOff() {
	b.StopData()
	b.cmdSM.SetEnabled(false)
	b.pending = false
	b.mask.Store(0)
	in := machine.PinConfig{Mode: machine.PinInput}
	b.clk.Configure(in)
	b.cmd.Configure(in)
	for i := range machine.Pin(4) {
		(b.dat0 + i).Configure(in)
	}
}

// SetClock picks the integer divider so that CPU/(4*div) <= hz.
func (b *RP2040Bus) SetClock(hz uint32) uint32 {
	cpu := machine.CPUFrequency()
	hz = max(hz, 1)
	div := cpu / (4 * hz)
	if cpu%(4*hz) != 0 {
		div++
	}
	div = min(max(div, pioMinDiv), 0xffff)
	b.div = uint16(div)
	b.hz = cpu / (4 * div)
	return b.hz
}

func (b *RP2040Bus) SetBusWidth(w BusWidth) { b.codec.width = w }

func (b *RP2040Bus) config(wrapTarget, wrap uint8, data bool) pio.StateMachineConfig {
	cfg := pio.DefaultStateMachineConfig()
	cfg.SetWrap(b.offset+wrapTarget, b.offset+wrap)
	cfg.SetSidesetParams(1, false, false)
	cfg.SetSidesetPins(b.clk)
	pin, count := b.cmd, uint8(1)
	if data {
		pin, count = b.dat0, 4
	}
	cfg.SetOutPins(pin, count)
	cfg.SetSetPins(pin, count)
	cfg.SetInPins(pin)
	cfg.SetJmpPin(pin)
	cfg.SetOutShift(false, true, 32)
	cfg.SetInShift(false, true, 32)
	cfg.SetClkDivIntFrac(b.div, 0)
	return cfg
}

func (b *RP2040Bus) SendCommand(idx uint8, arg uint32, kind ResponseKind) {
	var frame [sd.FrameLen]byte
	sd.EncodeCommand(&frame, sd.Command(idx), arg)
	var respBits uint32
	want := 1
	switch kind {
	case ResponseShort:
		respBits, want = 48-2, 2
	case ResponseLong:
		respBits, want = 136-2, 5
	}
	w0 := uint32(sd.FrameLen*8-1)<<24 | respBits<<16 | uint32(frame[0])<<8 | uint32(frame[1])
	b.startCommand(kind, want, w0, binary.BigEndian.Uint32(frame[2:]))
}

// startCommand restarts the command state machine, abandoning a response
// still being waited for.
func (b *RP2040Bus) startCommand(kind ResponseKind, want int, words ...uint32) {
	b.kind = kind
	b.want = want
	b.nrx = 0
	b.pending = true
	b.cmdSM.SetEnabled(false)
	b.cmdSM.Init(b.offset+cmdWrapTarget, b.config(cmdWrapTarget, cmdWrap, false))
	b.cmdSM.Exec(pioSet | dstPins | 1)
	for _, w := range words {
		b.cmdSM.TxPut(w)
	}
	b.cmdSM.SetEnabled(true)
}

func (b *RP2040Bus) Status() Flags {
	b.pollCommand()
	return Flags(b.flags.Load())
}

// pollCommand collects the response words pushed by the command state
// machine and sets the completion flags once all have arrived.
func (b *RP2040Bus) pollCommand() {
	if !b.pending {
		return
	}
	for b.nrx < b.want && !b.cmdSM.IsRxFIFOEmpty() {
		b.rx[b.nrx] = b.cmdSM.RxGet()
		b.nrx++
	}
	if b.nrx < b.want {
		return
	}
	b.pending = false
	switch b.kind {
	case ResponseNone:
		b.setFlags(FlagCmdSent)
	case ResponseShort:
		// 47 bits after the start bit; the second word holds the last 15.
		r := uint64(b.rx[0])<<15 | uint64(b.rx[1]&0x7fff)
		head := [5]byte{byte(r >> 40), byte(r >> 32), byte(r >> 24), byte(r >> 16), byte(r >> 8)}
		b.respCmd = head[0] & 0x3f
		b.resp = [4]uint32{uint32(r >> 8)}
		if byte(r>>1)&0x7f == sd.CRC7(head[:]) && r&1 == 1 {
			b.setFlags(FlagCmdRespEnd)
		} else {
			b.setFlags(FlagCmdCRCFail)
		}
	case ResponseLong:
		// 135 bits after the start bit. The top 7 are the direction bit and
		// the reserved index, the last word holds the final 7 bits.
		rx := &b.rx
		b.resp = [4]uint32{
			rx[0]<<7 | rx[1]>>25,
			rx[1]<<7 | rx[2]>>25,
			rx[2]<<7 | rx[3]>>25,
			rx[3]<<7 | rx[4]&0x7f,
		}
		b.respCmd = 0x3f
		if sd.RegisterCRCValid(sd.Register(b.resp)) {
			b.setFlags(FlagCmdRespEnd)
		} else {
			b.setFlags(FlagCmdCRCFail)
		}
	}
}

func (b *RP2040Bus) setFlags(f Flags) {
	for {
		old := b.flags.Load()
		if b.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (b *RP2040Bus) ClearStatus(f Flags) {
	for {
		old := b.flags.Load()
		if b.flags.CompareAndSwap(old, old&^uint32(f&FlagsStatic)) {
			return
		}
	}
}

func (b *RP2040Bus) ResponseCommand() uint8 { return b.respCmd }

func (b *RP2040Bus) Response() [4]uint32 { return b.resp }

func (b *RP2040Bus) StartData(dir Direction, buf []byte, blockSize, timeoutCycles uint32) error {
	n := uint32(len(buf))
	if n == 0 || blockSize == 0 || blockSize%4 != 0 || n%blockSize != 0 {
		return errPIOBlockSize
	}
	b.StopData()
	wrapTarget := uint8(readWrapTarget)
	if dir == DirWrite {
		wrapTarget = writeWrapTarget
	}
	b.dataSM.Init(b.offset+wrapTarget, b.config(wrapTarget, dataWrap, true))
	b.dataSM.Exec(pioSet | dstPindirs | 0)
	b.dataSM.SetEnabled(true)
	perBlock := time.Duration(timeoutCycles) * time.Second / time.Duration(b.hz)
	b.stop.Store(false)
	b.active.Store(true)
	go b.serveData(dir, buf, int(blockSize), perBlock)
	return nil
}

// serveData feeds or drains the data state machine one block at a time and
// raises the completion flags. It returns silently when StopData is called.
func (b *RP2040Bus) serveData(dir Direction, buf []byte, blockSize int, perBlock time.Duration) {
	defer b.active.Store(false)
	for off := 0; off < len(buf); off += blockSize {
		deadline := time.Now().Add(perBlock)
		block := buf[off : off+blockSize]
		var f Flags
		var ok bool
		if dir == DirRead {
			f, ok = b.readBlock(block, deadline)
		} else {
			f, ok = b.writeBlock(block, deadline)
		}
		if !ok {
			if b.stop.Load() {
				return
			}
			f = FlagDataTimeout
		}
		if f != 0 {
			b.raise(f)
			return
		}
		b.setFlags(FlagDataBlockEnd)
	}
	b.raise(FlagDataEnd)
}

func (b *RP2040Bus) readBlock(block []byte, deadline time.Time) (Flags, bool) {
	after := b.codec.nibbles(len(block)) + crcNibbles + 1
	if !b.txPut(uint32(after-1), deadline) {
		return 0, false
	}
	// Data and CRC fill whole words. The end bit arrives alone.
	var word uint32
	var left int
	crcOK, ok := b.codec.decodeBlock(block, func() (uint8, bool) {
		if left == 0 {
			w, ok := b.rxGet(deadline)
			if !ok {
				return 0, false
			}
			word, left = w, 8
		}
		nib := uint8(word >> 28)
		word <<= 4
		left--
		return nib, true
	})
	if !ok {
		return 0, false
	}
	end, ok := b.rxGet(deadline)
	if !ok {
		return 0, false
	}
	if !crcOK || end&1 == 0 {
		return FlagDataCRCFail, true
	}
	return 0, true
}

func (b *RP2040Bus) writeBlock(block []byte, deadline time.Time) (Flags, bool) {
	if !b.txPut(uint32(b.codec.streamNibbles(len(block))-1), deadline) {
		return 0, false
	}
	var word uint32
	var n int
	ok := b.codec.encodeBlock(block, func(nib uint8) bool {
		word = word<<4 | uint32(nib)
		n++
		if n < 8 {
			return true
		}
		n = 0
		return b.txPut(word, deadline)
	})
	if !ok || !b.txPut(tokenNibbles-1, deadline) {
		return 0, false
	}
	token, ok := b.rxGet(deadline)
	if !ok {
		return 0, false
	}
	// First of the seven nibbles is in bits 27:24.
	switch (token>>24&1)<<2 | (token>>20&1)<<1 | token>>16&1 {
	case 0b010:
		return 0, true
	case 0b101:
		return FlagDataCRCFail, true
	default:
		return FlagTxUnderrun, true
	}
}

func (b *RP2040Bus) txPut(w uint32, deadline time.Time) bool {
	for b.dataSM.IsTxFIFOFull() {
		if b.stop.Load() || time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
	}
	b.dataSM.TxPut(w)
	return true
}

func (b *RP2040Bus) rxGet(deadline time.Time) (uint32, bool) {
	for b.dataSM.IsRxFIFOEmpty() {
		if b.stop.Load() || time.Now().After(deadline) {
			return 0, false
		}
		runtime.Gosched()
	}
	return b.dataSM.RxGet(), true
}

// raise latches f and calls the handler if any of f is enabled.
func (b *RP2040Bus) raise(f Flags) {
	b.setFlags(f)
	if Flags(b.mask.Load())&f != 0 && b.handler != nil {
		b.handler()
	}
}

func (b *RP2040Bus) StopData() {
	b.stop.Store(true)
	for b.active.Load() {
		runtime.Gosched()
	}
	b.dataSM.SetEnabled(false)
	b.dataSM.Exec(pioSet | dstPindirs | 0)
}

func (b *RP2040Bus) TransferActive() bool { return b.active.Load() }

func (b *RP2040Bus) SetInterruptHandler(fn func()) { b.handler = fn }

func (b *RP2040Bus) EnableInterrupts(f Flags) {
	for {
		old := b.mask.Load()
		if b.mask.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (b *RP2040Bus) DisableInterrupts(f Flags) {
	for {
		old := b.mask.Load()
		if b.mask.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}
