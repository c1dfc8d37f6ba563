//go:build stm32f1 || stm32f4

package sdmmc

import (
	"errors"
	"runtime/volatile"
	"unsafe"
)

// sdioRegs is the SDIO host controller register block.
type sdioRegs struct {
	power   volatile.Register32 // 0x00
	clkcr   volatile.Register32
	arg     volatile.Register32
	cmd     volatile.Register32
	respcmd volatile.Register32 // 0x10
	resp    [4]volatile.Register32
	dtimer  volatile.Register32 // 0x24
	dlen    volatile.Register32
	dctrl   volatile.Register32
	dcount  volatile.Register32 // 0x30
	sta     volatile.Register32
	icr     volatile.Register32
	mask    volatile.Register32
	_       [2]uint32
	fifocnt volatile.Register32 // 0x48
	_       [13]uint32
	fifo    volatile.Register32 // 0x80
}

const (
	powerOn = 0b11

	clkcrDivMask = 0xff
	clkcrEnable  = 1 << 8
	clkcrWidMask = 0b11 << 11
	clkcrWid4    = 0b01 << 11

	cmdWaitShort = 0b01 << 6
	cmdWaitLong  = 0b11 << 6
	cmdCPSMEN    = 1 << 10

	dctrlDTEN   = 1 << 0
	dctrlDTDIR  = 1 << 1 // Card to controller.
	dctrlDMAEN  = 1 << 3
	dctrlBlkPos = 4

	// Bits 0 to 23 are the hardware interrupt sources.
	maskHardware = 0x00ff_ffff
	maxBlockSize = 1 << 14
)

var (
	errBufAlign  = errors.New("sdmmc: DMA buffer must be 4 byte aligned")
	errBlockSize = errors.New("sdmmc: bad block size or buffer length")
)

var _ Bus = (*STM32Bus)(nil)

// stm32bus is the single SDIO instance reached from the interrupt vector.
var stm32bus *STM32Bus

// STM32Bus drives the SDIO controller of STM32F1 and STM32F4 parts with DMA2.
// The SDIO pins (CK, CMD, D0-D3) must already be configured for their
// alternate function.
type STM32Bus struct {
	regs    *sdioRegs
	dma     dmaStream
	handler func()
}

// NewSTM32Bus returns the SDIO controller bus. There is a single controller
// so every call returns the same Bus.
func NewSTM32Bus() *STM32Bus {
	if stm32bus == nil {
		stm32bus = &STM32Bus{regs: (*sdioRegs)(unsafe.Pointer(uintptr(sdioBase)))}
		stm32bus.dma.init()
	}
	return stm32bus
}

func sdioInterrupt() {
	if stm32bus != nil && stm32bus.handler != nil {
		stm32bus.handler()
	}
}

func (b *STM32Bus) PowerOn() {
	enableClocks()
	b.regs.power.Set(powerOn)
	// POWER needs seven HCLK periods before CLKCR may be written.
	for i := 0; i < 8; i++ {
		b.regs.power.Get()
	}
	b.regs.clkcr.Set(clkcrEnable | clkcrDivMask)
	b.regs.icr.Set(uint32(FlagsStatic))
	enableSDIOInterrupt()
}

func (b *STM32Bus) PowerOff() {
	b.StopData()
	b.regs.mask.Set(0)
	b.regs.clkcr.Set(0)
	b.regs.power.Set(0)
}

// SetClock programs CLKDIV so that SDIO_CK = SDIOCLK/(CLKDIV+2) <= hz.
func (b *STM32Bus) SetClock(hz uint32) uint32 {
	if hz == 0 {
		hz = 1
	}
	div := sdioKernelHz / hz
	if sdioKernelHz%hz != 0 {
		div++
	}
	div = min(max(div, 2)-2, clkcrDivMask)
	b.regs.clkcr.ReplaceBits(div, clkcrDivMask, 0)
	return sdioKernelHz / (div + 2)
}

func (b *STM32Bus) SetBusWidth(w BusWidth) {
	var wid uint32
	if w == BusWidth4 {
		wid = clkcrWid4
	}
	b.regs.clkcr.Set(b.regs.clkcr.Get()&^clkcrWidMask | wid)
}

func (b *STM32Bus) SendCommand(idx uint8, arg uint32, kind ResponseKind) {
	cmd := uint32(idx&0x3f) | cmdCPSMEN
	switch kind {
	case ResponseShort:
		cmd |= cmdWaitShort
	case ResponseLong:
		cmd |= cmdWaitLong
	}
	b.regs.arg.Set(arg)
	b.regs.cmd.Set(cmd)
}

func (b *STM32Bus) Status() Flags {
	f := Flags(b.regs.sta.Get())
	if b.dma.complete() {
		f |= FlagDMAComplete
	}
	return f
}

func (b *STM32Bus) ClearStatus(f Flags) {
	b.regs.icr.Set(uint32(f & FlagsStatic))
	if f&FlagDMAComplete != 0 {
		b.dma.clearFlags()
	}
}

func (b *STM32Bus) ResponseCommand() uint8 {
	return uint8(b.regs.respcmd.Get() & 0x3f)
}

func (b *STM32Bus) Response() (words [4]uint32) {
	for i := range words {
		words[i] = b.regs.resp[i].Get()
	}
	return words
}

func (b *STM32Bus) StartData(dir Direction, buf []byte, blockSize, timeoutCycles uint32) error {
	n := uint32(len(buf))
	if n == 0 || blockSize == 0 || blockSize > maxBlockSize || !isaligned(blockSize, blockSize) || n%blockSize != 0 {
		return errBlockSize
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if !isaligned(addr, 4) {
		return errBufAlign
	}
	b.regs.dctrl.Set(0)
	// The timeout counter reloads for every block.
	b.regs.dtimer.Set(timeoutCycles)
	b.regs.dlen.Set(n)
	b.dma.start(dir, addr, n, uintptr(unsafe.Pointer(&b.regs.fifo)))
	dctrl := uint32(dctrlDTEN|dctrlDMAEN) | uint32(log2(blockSize))<<dctrlBlkPos
	if dir == DirRead {
		dctrl |= dctrlDTDIR
	}
	b.regs.dctrl.Set(dctrl)
	return nil
}

func (b *STM32Bus) StopData() {
	b.regs.dctrl.Set(0)
	b.dma.stop()
}

func (b *STM32Bus) TransferActive() bool {
	return b.regs.sta.HasBits(uint32(FlagTxActive|FlagRxActive)) || b.dma.active()
}

func (b *STM32Bus) SetInterruptHandler(fn func()) { b.handler = fn }

func (b *STM32Bus) EnableInterrupts(f Flags) {
	b.regs.mask.SetBits(uint32(f) & maskHardware)
}

func (b *STM32Bus) DisableInterrupts(f Flags) {
	b.regs.mask.ClearBits(uint32(f) & maskHardware)
}
