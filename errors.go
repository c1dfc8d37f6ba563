package sdmmc

import "strconv"

// Error is the closed set of failures returned by Device operations.
// Values compare with == and errors.Is.
type Error uint8

const (
	errNone Error = iota
	// Bus level failures reported by the controller.
	ErrCmdCRCFail
	ErrDataCRCFail
	ErrCmdResponseTimeout
	ErrDataTimeout
	ErrTxUnderrun
	ErrRxOverrun
	ErrStartBitError
	// Card status errors, decoded from R1 responses.
	ErrAddressOutOfRange
	ErrAddressMisaligned
	ErrBlockLengthError
	ErrEraseSequenceError
	ErrBadEraseParam
	ErrWriteProtectViolation
	ErrLockUnlockFailed
	ErrIllegalCommand
	ErrCardECCFailed
	ErrControllerError
	ErrUnknownError
	ErrStreamUnderrun
	ErrStreamOverrun
	ErrRegisterOverwrite
	ErrPartialErase
	ErrECCDisabled
	ErrEraseReset
	ErrAuthSequenceError
	// Negotiation failures.
	ErrInvalidVoltageRange
	ErrUnsupportedFeature
	ErrUnsupportedHardware
	// Caller and driver state failures.
	ErrInvalidParameter
	ErrBusyTimeout
	ErrNotReady
	ErrWriteProtected
)

// Category groups errors by the layer that produced them.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryBus
	CategoryCard
	CategoryNegotiation
	CategoryParameter
	CategoryState
)

func (e Error) Error() string { return "sdmmc: " + e.String() }

// errOrNil converts e to an error value, errNone becoming nil.
func errOrNil(e Error) error {
	if e == errNone {
		return nil
	}
	return e
}

// Category returns the group e belongs to.
func (e Error) Category() Category {
	switch {
	case e == errNone:
		return CategoryNone
	case e <= ErrStartBitError:
		return CategoryBus
	case e <= ErrAuthSequenceError:
		return CategoryCard
	case e <= ErrUnsupportedHardware:
		return CategoryNegotiation
	case e == ErrInvalidParameter:
		return CategoryParameter
	}
	return CategoryState
}

func (e Error) String() string {
	switch e {
	case errNone:
		return "no error"
	case ErrCmdCRCFail:
		return "command CRC fail"
	case ErrDataCRCFail:
		return "data CRC fail"
	case ErrCmdResponseTimeout:
		return "command response timeout"
	case ErrDataTimeout:
		return "data timeout"
	case ErrTxUnderrun:
		return "transmit FIFO underrun"
	case ErrRxOverrun:
		return "receive FIFO overrun"
	case ErrStartBitError:
		return "start bit not detected"
	case ErrAddressOutOfRange:
		return "address out of range"
	case ErrAddressMisaligned:
		return "address misaligned"
	case ErrBlockLengthError:
		return "block length error"
	case ErrEraseSequenceError:
		return "erase sequence error"
	case ErrBadEraseParam:
		return "bad erase parameter"
	case ErrWriteProtectViolation:
		return "write protect violation"
	case ErrLockUnlockFailed:
		return "lock/unlock failed"
	case ErrIllegalCommand:
		return "illegal command"
	case ErrCardECCFailed:
		return "card ECC failed"
	case ErrControllerError:
		return "card controller error"
	case ErrUnknownError:
		return "general error"
	case ErrStreamUnderrun:
		return "stream read underrun"
	case ErrStreamOverrun:
		return "stream write overrun"
	case ErrRegisterOverwrite:
		return "CID/CSD overwrite"
	case ErrPartialErase:
		return "write protected blocks skipped by erase"
	case ErrECCDisabled:
		return "card ECC disabled"
	case ErrEraseReset:
		return "erase reset"
	case ErrAuthSequenceError:
		return "authentication sequence error"
	case ErrInvalidVoltageRange:
		return "invalid voltage range"
	case ErrUnsupportedFeature:
		return "unsupported feature"
	case ErrUnsupportedHardware:
		return "unsupported hardware"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrBusyTimeout:
		return "card busy timeout"
	case ErrNotReady:
		return "card not ready"
	case ErrWriteProtected:
		return "card write protected"
	}
	return "Error(" + strconv.Itoa(int(e)) + ")"
}

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryBus:
		return "bus"
	case CategoryCard:
		return "card"
	case CategoryNegotiation:
		return "negotiation"
	case CategoryParameter:
		return "parameter"
	case CategoryState:
		return "state"
	}
	return "Category(" + strconv.Itoa(int(c)) + ")"
}
