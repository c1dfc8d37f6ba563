package sdmmc

import (
	"runtime"
	"sync/atomic"
	"time"
)

// transferState is shared between the issuing goroutine and the interrupt
// handler. The handler only ever stores into err and done.
type transferState struct {
	err   atomic.Uint32 // First Error latched by the handler.
	done  atomic.Bool
	armed atomic.Bool
	// multi is only accessed by the issuing goroutine.
	multi bool
}

func (t *transferState) reset(multi bool) {
	t.err.Store(uint32(errNone))
	t.done.Store(false)
	t.armed.Store(false)
	t.multi = multi
}

// handleInterrupt is registered with the Bus and runs in interrupt context.
// It must not block nor allocate.
func (d *Device) handleInterrupt() {
	if !d.xfer.armed.Load() {
		d.bus.DisableInterrupts(flagsDataIRQ)
		return
	}
	flags := d.bus.Status()
	if err := flags.dataError(); err != errNone {
		d.xfer.err.CompareAndSwap(uint32(errNone), uint32(err))
	}
	if flags&flagsDataIRQ != 0 {
		d.bus.DisableInterrupts(flagsDataIRQ)
		d.xfer.done.Store(true)
	}
}

// startData arms the data path for buf and enables the completion interrupts.
func (d *Device) startData(dir Direction, buf []byte, blockSize uint32) error {
	d.xfer.armed.Store(true)
	d.bus.EnableInterrupts(flagsDataIRQ)
	err := d.bus.StartData(dir, buf, blockSize, dataTimeoutCycles)
	if err != nil {
		d.xfer.armed.Store(false)
		d.bus.DisableInterrupts(flagsDataIRQ)
		d.debug("startData:failed", errAttr(err))
		return ErrInvalidParameter
	}
	return nil
}

// waitData waits for the interrupt handler to signal completion and for the
// bus to drain its DMA stream. It returns ErrDataTimeout when the data
// timeout for blocks elapses first.
func (d *Device) waitData(blocks uint32) error {
	deadline := d.clock.Now().Add(d.dataTimeout(blocks))
	for !d.xfer.done.Load() || d.bus.TransferActive() {
		if !d.clock.Now().Before(deadline) {
			return ErrDataTimeout
		}
		runtime.Gosched()
	}
	d.xfer.armed.Store(false)
	return errOrNil(Error(d.xfer.err.Load()))
}

// abortData disarms the data path and clears static flags after a failed
// transfer so the next operation starts clean.
func (d *Device) abortData() {
	d.bus.DisableInterrupts(flagsDataIRQ)
	d.bus.StopData()
	d.xfer.armed.Store(false)
	d.bus.ClearStatus(FlagsStatic)
}

// dataTimeoutCycles is the per block data timeout in card clock cycles.
const dataTimeoutCycles = 0x0200_0000

// dataTimeout converts the cycle based data timeout into wall time at the
// current card clock.
func (d *Device) dataTimeout(blocks uint32) time.Duration {
	hz := d.clockHz
	if hz == 0 {
		hz = defaultIdentClock
	}
	perBlock := time.Duration(dataTimeoutCycles) * time.Second / time.Duration(hz)
	return perBlock * time.Duration(max(blocks, 1))
}
