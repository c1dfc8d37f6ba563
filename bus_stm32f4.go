//go:build stm32f4

package sdmmc

import (
	"device/stm32"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"
)

const (
	sdioBase     = 0x4001_2C00
	sdioKernelHz = 48_000_000 // PLL48CK.

	rccBase       = 0x4002_3800
	rccAHB1ENR    = rccBase + 0x30
	rccAPB2ENR    = rccBase + 0x44
	rccDMA2EN     = 1 << 22
	rccSDIOEN     = 1 << 11
	dma2Base      = 0x4002_6400
	dmaStreamNum  = 3
	dmaChannelSel = 4

	// LISR/LIFCR bits of stream 3.
	dmaS3Flags = 1<<22 | 1<<24 | 1<<25 | 1<<26 | 1<<27
	dmaS3TC    = 1 << 27

	dmaCREN     = 1 << 0
	dmaCRPFCTRL = 1 << 5 // Peripheral is the flow controller.
	dmaCRDirM2P = 0b01 << 6
	dmaCRMINC   = 1 << 10
	dmaCRPSize  = 0b10 << 11 // 32 bit.
	dmaCRMSize  = 0b10 << 13
	dmaCRPLHigh = 0b11 << 16
	dmaCRPBurst = 0b01 << 21 // INCR4.
	dmaCRMBurst = 0b01 << 23
	dmaCRChSel  = dmaChannelSel << 25

	dmaFCRDMDIS = 1 << 2
	dmaFCRFull  = 0b11
)

type dmaStreamRegs struct {
	cr   volatile.Register32
	ndtr volatile.Register32
	par  volatile.Register32
	m0ar volatile.Register32
	m1ar volatile.Register32
	fcr  volatile.Register32
}

type dmaRegs struct {
	lisr    volatile.Register32
	hisr    volatile.Register32
	lifcr   volatile.Register32
	hifcr   volatile.Register32
	streams [8]dmaStreamRegs
}

// dmaStream is DMA2 stream 3 channel 4, hardwired to SDIO.
type dmaStream struct {
	regs *dmaRegs
}

func (d *dmaStream) init() {
	d.regs = (*dmaRegs)(unsafe.Pointer(uintptr(dma2Base)))
}

func (d *dmaStream) stream() *dmaStreamRegs { return &d.regs.streams[dmaStreamNum] }

func (d *dmaStream) start(dir Direction, addr uintptr, n uint32, fifo uintptr) {
	s := d.stream()
	d.stop()
	d.clearFlags()
	cr := uint32(dmaCRChSel | dmaCRMBurst | dmaCRPBurst | dmaCRPLHigh | dmaCRMSize | dmaCRPSize | dmaCRMINC | dmaCRPFCTRL)
	if dir == DirWrite {
		cr |= dmaCRDirM2P
	}
	s.par.Set(uint32(fifo))
	s.m0ar.Set(uint32(addr))
	s.ndtr.Set(n / 4)
	s.fcr.Set(dmaFCRDMDIS | dmaFCRFull)
	s.cr.Set(cr)
	s.cr.SetBits(dmaCREN)
}

func (d *dmaStream) stop() {
	s := d.stream()
	s.cr.ClearBits(dmaCREN)
	for s.cr.HasBits(dmaCREN) {
	}
}

// active reports whether the stream is still enabled. With peripheral flow
// control the stream disables itself once the FIFO drained.
func (d *dmaStream) active() bool { return d.stream().cr.HasBits(dmaCREN) }

func (d *dmaStream) complete() bool { return d.regs.lisr.HasBits(dmaS3TC) }

func (d *dmaStream) clearFlags() { d.regs.lifcr.Set(dmaS3Flags) }

func enableClocks() {
	(*volatile.Register32)(unsafe.Pointer(uintptr(rccAPB2ENR))).SetBits(rccSDIOEN)
	(*volatile.Register32)(unsafe.Pointer(uintptr(rccAHB1ENR))).SetBits(rccDMA2EN)
}

func enableSDIOInterrupt() {
	intr := interrupt.New(stm32.IRQ_SDIO, func(interrupt.Interrupt) {
		sdioInterrupt()
	})
	intr.SetPriority(0xc0)
	intr.Enable()
}
