package sdsim

import (
	"errors"
	"sync"

	"github.com/soypat/sdmmc"
	"github.com/soypat/sdmmc/sd"
)

// Faults injects failures into the next operations of a Bus.
type Faults struct {
	// NoCompletion makes the next n data transfers never signal completion.
	// The card still moves the data.
	NoCompletion int
	// StuckBusy keeps the card programming forever after a write or erase.
	StuckBusy bool
	// CorruptCommands flips a CRC bit in the next n command frames on the
	// wire. The card discards them and does not answer.
	CorruptCommands int
}

// Bus is a simulated host controller with one card attached. It implements
// sdmmc.Bus. Data completion interrupts are delivered from a separate
// goroutine as a real interrupt would preempt the waiting thread.
type Bus struct {
	mu       sync.Mutex
	card     *Card
	powered  bool
	hz       uint32
	width    sdmmc.BusWidth
	flags    sdmmc.Flags
	irqMask  sdmmc.Flags
	handler  func()
	respCmd  uint8
	resp     [4]uint32
	active   bool
	faults   Faults
	commands []sd.Command
	irqs     sync.WaitGroup
}

var _ sdmmc.Bus = (*Bus)(nil)

// NewBus attaches card to a new simulated controller.
func NewBus(card *Card) *Bus {
	return &Bus{card: card, width: sdmmc.BusWidth1}
}

// Card returns the attached card. Callers must not use it concurrently
// with driver operations.
func (b *Bus) Card() *Card { return b.card }

// SetFaults replaces the pending fault injection.
func (b *Bus) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
	b.card.stuckBusy = f.StuckBusy
}

// Commands returns the indices of every command sent since the last call to
// ResetCommands. Application commands appear with their own index after CMD55.
func (b *Bus) Commands() []sd.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sd.Command(nil), b.commands...)
}

func (b *Bus) ResetCommands() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = b.commands[:0]
}

// Clock returns the current card clock frequency and bus width.
func (b *Bus) Clock() (hz uint32, width sdmmc.BusWidth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hz, b.width
}

// Wait blocks until every interrupt goroutine has returned.
func (b *Bus) Wait() { b.irqs.Wait() }

func (b *Bus) PowerOn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.powered {
		b.card.reset()
	}
	b.powered = true
}

func (b *Bus) PowerOff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.powered = false
	b.hz = 0
	b.flags = 0
	b.card.reset()
}

func (b *Bus) SetClock(hz uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hz = hz
	return hz
}

func (b *Bus) SetBusWidth(w sdmmc.BusWidth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width = w
}

func (b *Bus) SendCommand(idx uint8, arg uint32, kind sdmmc.ResponseKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var frame [sd.FrameLen]byte
	sd.EncodeCommand(&frame, sd.Command(idx), arg)
	if b.faults.CorruptCommands > 0 {
		b.faults.CorruptCommands--
		frame[5] ^= 0b10
	}
	b.commands = append(b.commands, sd.Command(idx))
	b.resp = [4]uint32{}
	b.respCmd = 0
	cmd, arg, ok := sd.DecodeCommand(frame)
	if !b.powered || !ok {
		// The card ignores frames failing the CRC check.
		b.flags |= respFlags(kind, response{none: true})
		return
	}
	resp := b.card.command(cmd, arg)
	b.flags |= respFlags(kind, resp)
	if !resp.none && kind != sdmmc.ResponseNone {
		b.resp = resp.words
		b.respCmd = resp.index
	}
}

func respFlags(kind sdmmc.ResponseKind, resp response) sdmmc.Flags {
	switch {
	case kind == sdmmc.ResponseNone:
		return sdmmc.FlagCmdSent
	case resp.none:
		return sdmmc.FlagCmdTimeout
	case resp.noCRC:
		return sdmmc.FlagCmdCRCFail
	}
	return sdmmc.FlagCmdRespEnd
}

func (b *Bus) Status() sdmmc.Flags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags
}

func (b *Bus) ClearStatus(f sdmmc.Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags &^= f & sdmmc.FlagsStatic
}

func (b *Bus) ResponseCommand() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.respCmd
}

func (b *Bus) Response() [4]uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resp
}

var errBadDataLength = errors.New("sdsim: data length not a multiple of block size")

func (b *Bus) StartData(dir sdmmc.Direction, buf []byte, blockSize, timeoutCycles uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blockSize == 0 || len(buf) == 0 || uint32(len(buf))%blockSize != 0 {
		return errBadDataLength
	}
	moved := b.powered && b.card.transferData(dir == sdmmc.DirWrite, buf)
	if b.faults.NoCompletion > 0 {
		b.faults.NoCompletion--
		b.active = true
		return nil
	}
	if moved {
		b.flags |= sdmmc.FlagDataEnd | sdmmc.FlagDataBlockEnd
	} else {
		// Nothing on the data lines: the controller times out.
		b.flags |= sdmmc.FlagDataTimeout
	}
	b.irqs.Add(1)
	go b.interrupt()
	return nil
}

// interrupt calls the registered handler if an enabled flag is raised.
// The bus lock is not held while the handler runs.
func (b *Bus) interrupt() {
	defer b.irqs.Done()
	b.mu.Lock()
	fn := b.handler
	pending := b.flags&b.irqMask != 0
	b.mu.Unlock()
	if fn != nil && pending {
		fn()
	}
}

func (b *Bus) StopData() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
}

func (b *Bus) TransferActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Bus) SetInterruptHandler(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

func (b *Bus) EnableInterrupts(f sdmmc.Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqMask |= f
}

func (b *Bus) DisableInterrupts(f sdmmc.Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqMask &^= f
}
