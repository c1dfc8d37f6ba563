package sdmmc

import "time"

// Bus is the SD host controller hardware abstraction. Implementations own the
// controller registers and the DMA channel. Bus methods are called from a
// single goroutine except Status, which the interrupt handler may also call.
type Bus interface {
	// PowerOn enables the controller clock and card supply.
	PowerOn()
	// PowerOff stops the card clock and removes card power.
	PowerOff()
	// SetClock sets the card clock as close to hz as possible without
	// exceeding it and returns the frequency actually configured.
	SetClock(hz uint32) uint32
	SetBusWidth(w BusWidth)
	// SendCommand starts the command phase. It does not block.
	SendCommand(idx uint8, arg uint32, kind ResponseKind)
	// Status returns the current controller status flags.
	Status() Flags
	// ClearStatus clears the static flags set in f.
	ClearStatus(f Flags)
	// ResponseCommand returns the command index echoed by the last response.
	ResponseCommand() uint8
	// Response returns the response words. Short responses only fill the
	// first word. Long responses place bits 127:96 in the first word.
	Response() [4]uint32
	// StartData arms the data path and DMA for len(buf) bytes in blocks of
	// blockSize bytes. timeoutCycles is the per block data timeout in card
	// clock cycles. buf must remain untouched until the transfer ends.
	StartData(dir Direction, buf []byte, blockSize, timeoutCycles uint32) error
	// StopData disarms the data path and DMA.
	StopData()
	// TransferActive reports whether the data path or DMA is still moving data.
	TransferActive() bool
	// SetInterruptHandler registers the function called from interrupt
	// context when an enabled flag is raised.
	SetInterruptHandler(fn func())
	EnableInterrupts(f Flags)
	DisableInterrupts(f Flags)
}

// Flags are controller status flags. The layout matches the STM32 SDIO STA
// register so hardware implementations can return it unmodified.
type Flags uint32

const (
	FlagCmdCRCFail Flags = 1 << iota
	FlagDataCRCFail
	FlagCmdTimeout
	FlagDataTimeout
	FlagTxUnderrun
	FlagRxOverrun
	FlagCmdRespEnd
	FlagCmdSent
	FlagDataEnd
	FlagStartBitErr
	FlagDataBlockEnd
	FlagCmdActive
	FlagTxActive
	FlagRxActive

	// FlagDMAComplete is raised by the bus when the DMA stream finished
	// moving the last word.
	FlagDMAComplete Flags = 1 << 31
)

const (
	// FlagsStatic are the sticky flags cleared with ClearStatus.
	FlagsStatic = FlagCmdCRCFail | FlagDataCRCFail | FlagCmdTimeout | FlagDataTimeout |
		FlagTxUnderrun | FlagRxOverrun | FlagCmdRespEnd | FlagCmdSent | FlagDataEnd | FlagStartBitErr | FlagDataBlockEnd
	// FlagsDataErrors end a data transfer unsuccessfully.
	FlagsDataErrors = FlagDataCRCFail | FlagDataTimeout | FlagTxUnderrun | FlagRxOverrun | FlagStartBitErr
	// flagsCmdDone are the flags ending a command phase with a response.
	flagsCmdDone = FlagCmdRespEnd | FlagCmdCRCFail | FlagCmdTimeout
	// flagsDataIRQ are the interrupts enabled for the duration of a transfer.
	flagsDataIRQ = FlagDataEnd | FlagsDataErrors
)

// dataError maps data path error flags to an Error, in priority order.
func (f Flags) dataError() Error {
	switch {
	case f&FlagDataTimeout != 0:
		return ErrDataTimeout
	case f&FlagDataCRCFail != 0:
		return ErrDataCRCFail
	case f&FlagTxUnderrun != 0:
		return ErrTxUnderrun
	case f&FlagRxOverrun != 0:
		return ErrRxOverrun
	case f&FlagStartBitErr != 0:
		return ErrStartBitError
	}
	return errNone
}

// ResponseKind is the length of the response the controller waits for.
type ResponseKind uint8

const (
	ResponseNone  ResponseKind = iota
	ResponseShort              // 48 bit: R1, R1b, R3, R6, R7.
	ResponseLong               // 136 bit: R2.
)

// Direction of a data transfer.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// BusWidth is the number of data lines.
type BusWidth uint8

const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
)

// Clock is the time source for every timeout. Tests substitute a stepping
// clock to make timeouts deterministic.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
