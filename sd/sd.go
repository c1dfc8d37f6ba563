// Package sd implements the SD/MMC physical layer definitions: command
// opcodes, card status and OCR bit layouts, card states, command framing and
// the CSD, CID and SCR register layouts.
package sd

import "strconv"

// BlockSize is the only block length the driver transfers.
const BlockSize = 512

// Command is a bus command index (CMDn).
type Command uint8

const (
	CmdGoIdleState        Command = 0
	CmdSendOpCond         Command = 1 // MMC only.
	CmdAllSendCID         Command = 2
	CmdSendRelativeAddr   Command = 3 // SD: R6. MMC: SET_RELATIVE_ADDR, R1.
	CmdSetDSR             Command = 4
	CmdSwitchFunc         Command = 6
	CmdSelectCard         Command = 7
	CmdSendIfCond         Command = 8
	CmdSendCSD            Command = 9
	CmdSendCID            Command = 10
	CmdStopTransmission   Command = 12
	CmdSendStatus         Command = 13
	CmdGoInactiveState    Command = 15
	CmdSetBlocklen        Command = 16
	CmdReadSingleBlock    Command = 17
	CmdReadMultipleBlock  Command = 18
	CmdSetBlockCount      Command = 23
	CmdWriteBlock         Command = 24
	CmdWriteMultipleBlock Command = 25
	CmdProgramCSD         Command = 27
	CmdEraseWrBlkStart    Command = 32 // SD erase start address.
	CmdEraseWrBlkEnd      Command = 33 // SD erase end address.
	CmdEraseGroupStart    Command = 35 // MMC erase group start.
	CmdEraseGroupEnd      Command = 36 // MMC erase group end.
	CmdErase              Command = 38
	CmdLockUnlock         Command = 42
	CmdAppCmd             Command = 55
	CmdGenCmd             Command = 56
	cmdMax                Command = 63
)

// AppCommand is an application specific command index (ACMDn). It must be
// preceded by CmdAppCmd.
type AppCommand uint8

const (
	ACmdSetBusWidth        AppCommand = 6
	ACmdSDStatus           AppCommand = 13
	ACmdSendNumWrBlocks    AppCommand = 22
	ACmdSetWrBlkEraseCount AppCommand = 23
	ACmdSDSendOpCond       AppCommand = 41
	ACmdSetClrCardDetect   AppCommand = 42
	ACmdSendSCR            AppCommand = 51
)

func (c Command) String() string {
	var s string
	switch c {
	case CmdGoIdleState:
		s = "GO_IDLE_STATE"
	case CmdSendOpCond:
		s = "SEND_OP_COND"
	case CmdAllSendCID:
		s = "ALL_SEND_CID"
	case CmdSendRelativeAddr:
		s = "SEND_RELATIVE_ADDR"
	case CmdSetDSR:
		s = "SET_DSR"
	case CmdSwitchFunc:
		s = "SWITCH_FUNC"
	case CmdSelectCard:
		s = "SELECT_CARD"
	case CmdSendIfCond:
		s = "SEND_IF_COND"
	case CmdSendCSD:
		s = "SEND_CSD"
	case CmdSendCID:
		s = "SEND_CID"
	case CmdStopTransmission:
		s = "STOP_TRANSMISSION"
	case CmdSendStatus:
		s = "SEND_STATUS"
	case CmdGoInactiveState:
		s = "GO_INACTIVE_STATE"
	case CmdSetBlocklen:
		s = "SET_BLOCKLEN"
	case CmdReadSingleBlock:
		s = "READ_SINGLE_BLOCK"
	case CmdReadMultipleBlock:
		s = "READ_MULTIPLE_BLOCK"
	case CmdSetBlockCount:
		s = "SET_BLOCK_COUNT"
	case CmdWriteBlock:
		s = "WRITE_BLOCK"
	case CmdWriteMultipleBlock:
		s = "WRITE_MULTIPLE_BLOCK"
	case CmdProgramCSD:
		s = "PROGRAM_CSD"
	case CmdEraseWrBlkStart:
		s = "ERASE_WR_BLK_START"
	case CmdEraseWrBlkEnd:
		s = "ERASE_WR_BLK_END"
	case CmdEraseGroupStart:
		s = "ERASE_GROUP_START"
	case CmdEraseGroupEnd:
		s = "ERASE_GROUP_END"
	case CmdErase:
		s = "ERASE"
	case CmdLockUnlock:
		s = "LOCK_UNLOCK"
	case CmdAppCmd:
		s = "APP_CMD"
	case CmdGenCmd:
		s = "GEN_CMD"
	default:
		s = "CMD" + strconv.Itoa(int(c))
	}
	return s
}

func (c AppCommand) String() string {
	var s string
	switch c {
	case ACmdSetBusWidth:
		s = "SET_BUS_WIDTH"
	case ACmdSDStatus:
		s = "SD_STATUS"
	case ACmdSendNumWrBlocks:
		s = "SEND_NUM_WR_BLOCKS"
	case ACmdSetWrBlkEraseCount:
		s = "SET_WR_BLK_ERASE_COUNT"
	case ACmdSDSendOpCond:
		s = "SD_SEND_OP_COND"
	case ACmdSetClrCardDetect:
		s = "SET_CLR_CARD_DETECT"
	case ACmdSendSCR:
		s = "SEND_SCR"
	default:
		s = "ACMD" + strconv.Itoa(int(c))
	}
	return s
}

// Arguments with fixed meaning.
const (
	// IfCondArg is the CMD8 argument: 2.7-3.6V supply and 0xAA check pattern.
	IfCondArg = 0x1AA
	// IfCondCheckMask selects the echoed voltage and check pattern of R7.
	IfCondCheckMask = 0xFFF

	// OpCondVoltageWindow is the 2.7-3.6V window requested by ACMD41.
	OpCondVoltageWindow = 0x00FF_8000
	// OpCondMMCArg is the CMD1 argument: sector addressing request plus window.
	OpCondMMCArg = 0x80FF_8000

	// BusWidth4Arg is the ACMD6 argument selecting a 4 bit data bus.
	BusWidth4Arg = 0b10
	BusWidth1Arg = 0b00
)

// OCR is the Operating Conditions Register returned in R3 responses.
type OCR uint32

const (
	OCRPowerUp   OCR = 1 << 31 // Card finished its power up routine. Zero while busy.
	OCRCCS       OCR = 1 << 30 // Card capacity status. Set for high capacity cards.
	OCRHCS       OCR = OCRCCS  // Host capacity support, same bit in the ACMD41 argument.
	OCRVoltage27 OCR = 0x00FF_8000
)

// PoweredUp reports whether the card left the busy state.
func (o OCR) PoweredUp() bool { return o&OCRPowerUp != 0 }

// HighCapacity reports whether the CCS bit is set. Only meaningful once PoweredUp.
func (o OCR) HighCapacity() bool { return o&OCRCCS != 0 }

// CardStatus is the 32 bit card status returned in R1 responses.
type CardStatus uint32

// Card status bits. The error bits are reported by the card after the command
// that caused them.
const (
	StatusAKESeqError        CardStatus = 1 << 3
	StatusAppCmd             CardStatus = 1 << 5
	StatusReadyForData       CardStatus = 1 << 8
	StatusEraseReset         CardStatus = 1 << 13
	StatusCardECCDisabled    CardStatus = 1 << 14
	StatusWPEraseSkip        CardStatus = 1 << 15
	StatusCIDCSDOverwrite    CardStatus = 1 << 16
	StatusStreamWriteOverrun CardStatus = 1 << 17
	StatusStreamReadUnderrun CardStatus = 1 << 18
	StatusError              CardStatus = 1 << 19
	StatusCCError            CardStatus = 1 << 20
	StatusCardECCFailed      CardStatus = 1 << 21
	StatusIllegalCommand     CardStatus = 1 << 22
	StatusComCRCError        CardStatus = 1 << 23
	StatusLockUnlockFailed   CardStatus = 1 << 24
	StatusCardIsLocked       CardStatus = 1 << 25
	StatusWPViolation        CardStatus = 1 << 26
	StatusEraseParam         CardStatus = 1 << 27
	StatusEraseSeqError      CardStatus = 1 << 28
	StatusBlockLenError      CardStatus = 1 << 29
	StatusAddressError       CardStatus = 1 << 30
	StatusOutOfRange         CardStatus = 1 << 31

	// StatusErrorBits is the union of every error bit of the card status.
	StatusErrorBits CardStatus = 0xFDFF_E008

	statusStateShift = 9
	statusStateMask  = 0xF
)

// State returns the CURRENT_STATE field, bits 9 to 12.
func (s CardStatus) State() CardState {
	return StateFromCode(uint8(s>>statusStateShift) & statusStateMask)
}

// WithState returns s with the CURRENT_STATE field replaced.
func (s CardStatus) WithState(state CardState) CardStatus {
	s &^= statusStateMask << statusStateShift
	return s | CardStatus(state.code())<<statusStateShift
}

// Errors returns only the error bits of the card status.
func (s CardStatus) Errors() CardStatus { return s & StatusErrorBits }

// Reduced card status bits carried by the R6 response in its low half word.
const (
	R6ComCRCError    = 1 << 15
	R6IllegalCommand = 1 << 14
	R6Error          = 1 << 13
	R6ErrorBits      = R6ComCRCError | R6IllegalCommand | R6Error
)

// CardState is the card state machine state as reported by CMD13.
type CardState uint8

const (
	StateIdle CardState = iota
	StateReady
	StateIdentification
	StateStandby
	StateTransfer
	StateSending
	StateReceiving
	StateProgramming
	StateDisconnected
	// StateError is reported for reserved state codes.
	StateError
)

// StateFromCode maps a 4 bit CURRENT_STATE code to a CardState.
func StateFromCode(code uint8) CardState {
	if code > uint8(StateDisconnected) {
		return StateError
	}
	return CardState(code)
}

func (s CardState) code() uint8 {
	if s > StateDisconnected {
		return 0xF
	}
	return uint8(s)
}

// Busy reports whether the card is still absorbing data or programming.
func (s CardState) Busy() bool {
	return s == StateProgramming || s == StateReceiving
}

func (s CardState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateIdentification:
		return "ident"
	case StateStandby:
		return "stby"
	case StateTransfer:
		return "tran"
	case StateSending:
		return "data"
	case StateReceiving:
		return "rcv"
	case StateProgramming:
		return "prg"
	case StateDisconnected:
		return "dis"
	}
	return "error"
}

// CardType determines addressing mode and capacity formula.
type CardType uint8

const (
	TypeUnknown CardType = iota
	// TypeStandardV1 is a standard capacity card not answering CMD8.
	TypeStandardV1
	// TypeStandardV2 is a standard capacity card answering CMD8.
	TypeStandardV2
	// TypeHighCapacity is a SDHC/SDXC card using block addressing.
	TypeHighCapacity
	// TypeMMC is a MultiMediaCard, identified through CMD1.
	TypeMMC
)

// HighCapacity reports whether commands carry block numbers instead of byte offsets.
func (t CardType) HighCapacity() bool { return t == TypeHighCapacity }

// IsSD reports whether the card uses the SD application command set.
func (t CardType) IsSD() bool {
	return t == TypeStandardV1 || t == TypeStandardV2 || t == TypeHighCapacity
}

func (t CardType) String() string {
	switch t {
	case TypeStandardV1:
		return "SDv1"
	case TypeStandardV2:
		return "SDv2"
	case TypeHighCapacity:
		return "SDHC"
	case TypeMMC:
		return "MMC"
	}
	return "unknown"
}
