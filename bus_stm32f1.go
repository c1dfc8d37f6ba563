//go:build stm32f1

package sdmmc

import (
	"device/stm32"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"
)

const (
	sdioBase     = 0x4001_8000
	sdioKernelHz = 72_000_000 // HCLK.

	rccBase   = 0x4002_1000
	rccAHBENR = rccBase + 0x14
	rccSDIOEN = 1 << 10
	rccDMA2EN = 1 << 1
	dma2Base  = 0x4002_0400
	dmaChNum  = 4

	// ISR/IFCR bits of channel 4.
	dmaCh4Flags = 0xf << 12
	dmaCh4TC    = 1 << 13

	dmaCCREN     = 1 << 0
	dmaCCRDirM2P = 1 << 4
	dmaCCRMINC   = 1 << 7
	dmaCCRPSize  = 0b10 << 8 // 32 bit.
	dmaCCRMSize  = 0b10 << 10
	dmaCCRPLHigh = 0b11 << 12
)

type dmaChannelRegs struct {
	ccr   volatile.Register32
	cndtr volatile.Register32
	cpar  volatile.Register32
	cmar  volatile.Register32
	_     uint32
}

type dmaRegs struct {
	isr      volatile.Register32
	ifcr     volatile.Register32
	channels [7]dmaChannelRegs // Channel 1 first.
}

// dmaStream is DMA2 channel 4, hardwired to SDIO. The F1 DMA has no
// peripheral flow control so the transfer length is programmed up front.
type dmaStream struct {
	regs *dmaRegs
}

func (d *dmaStream) init() {
	d.regs = (*dmaRegs)(unsafe.Pointer(uintptr(dma2Base)))
}

func (d *dmaStream) channel() *dmaChannelRegs { return &d.regs.channels[dmaChNum-1] }

func (d *dmaStream) start(dir Direction, addr uintptr, n uint32, fifo uintptr) {
	ch := d.channel()
	d.stop()
	d.clearFlags()
	ccr := uint32(dmaCCRPLHigh | dmaCCRMSize | dmaCCRPSize | dmaCCRMINC)
	if dir == DirWrite {
		ccr |= dmaCCRDirM2P
	}
	ch.cpar.Set(uint32(fifo))
	ch.cmar.Set(uint32(addr))
	ch.cndtr.Set(n / 4)
	ch.ccr.Set(ccr)
	ch.ccr.SetBits(dmaCCREN)
}

func (d *dmaStream) stop() { d.channel().ccr.ClearBits(dmaCCREN) }

func (d *dmaStream) active() bool {
	ch := d.channel()
	return ch.ccr.HasBits(dmaCCREN) && ch.cndtr.Get() != 0
}

func (d *dmaStream) complete() bool { return d.regs.isr.HasBits(dmaCh4TC) }

func (d *dmaStream) clearFlags() { d.regs.ifcr.Set(dmaCh4Flags) }

func enableClocks() {
	(*volatile.Register32)(unsafe.Pointer(uintptr(rccAHBENR))).SetBits(rccSDIOEN | rccDMA2EN)
}

func enableSDIOInterrupt() {
	intr := interrupt.New(stm32.IRQ_SDIO, func(interrupt.Interrupt) {
		sdioInterrupt()
	})
	intr.SetPriority(0xc0)
	intr.Enable()
}
