package sdmmc

import "github.com/soypat/sdmmc/sd"

// r1ErrorTable maps card status error bits to errors. Order is priority:
// the first bit set decides the returned error.
var r1ErrorTable = [...]struct {
	bit sd.CardStatus
	err Error
}{
	{sd.StatusOutOfRange, ErrAddressOutOfRange},
	{sd.StatusAddressError, ErrAddressMisaligned},
	{sd.StatusBlockLenError, ErrBlockLengthError},
	{sd.StatusEraseSeqError, ErrEraseSequenceError},
	{sd.StatusEraseParam, ErrBadEraseParam},
	{sd.StatusWPViolation, ErrWriteProtectViolation},
	{sd.StatusLockUnlockFailed, ErrLockUnlockFailed},
	{sd.StatusComCRCError, ErrCmdCRCFail},
	{sd.StatusIllegalCommand, ErrIllegalCommand},
	{sd.StatusCardECCFailed, ErrCardECCFailed},
	{sd.StatusCCError, ErrControllerError},
	{sd.StatusError, ErrUnknownError},
	{sd.StatusStreamReadUnderrun, ErrStreamUnderrun},
	{sd.StatusStreamWriteOverrun, ErrStreamOverrun},
	{sd.StatusCIDCSDOverwrite, ErrRegisterOverwrite},
	{sd.StatusWPEraseSkip, ErrPartialErase},
	{sd.StatusCardECCDisabled, ErrECCDisabled},
	{sd.StatusEraseReset, ErrEraseReset},
	{sd.StatusAKESeqError, ErrAuthSequenceError},
}

// cardStatusError returns the highest priority error flagged in status.
func cardStatusError(status sd.CardStatus) Error {
	if status.Errors() == 0 {
		return errNone
	}
	for _, e := range r1ErrorTable {
		if status&e.bit != 0 {
			return e.err
		}
	}
	return ErrUnknownError
}

// commonError checks the flags shared by every response format.
func commonError(flags Flags, checkCRC bool) Error {
	if flags&FlagCmdTimeout != 0 {
		return ErrCmdResponseTimeout
	}
	if checkCRC && flags&FlagCmdCRCFail != 0 {
		return ErrCmdCRCFail
	}
	return errNone
}

// decodeR1 decodes a normal response. It also serves R1b, the busy signal is
// handled by status polling.
func decodeR1(sent sd.Command, rxcmd uint8, flags Flags, resp uint32) (sd.CardStatus, Error) {
	status := sd.CardStatus(resp)
	if err := commonError(flags, true); err != errNone {
		return status, err
	}
	if rxcmd != uint8(sent) {
		return status, ErrIllegalCommand
	}
	return status, cardStatusError(status)
}

// decodeR2 checks a CID/CSD response. The register is in the response words.
func decodeR2(flags Flags) Error {
	return commonError(flags, true)
}

// decodeR3 decodes an OCR response. R3 carries no valid CRC nor command index.
func decodeR3(flags Flags, resp uint32) (sd.OCR, Error) {
	return sd.OCR(resp), commonError(flags, false)
}

// decodeR6 decodes a published RCA response with its reduced status bits.
func decodeR6(sent sd.Command, rxcmd uint8, flags Flags, resp uint32) (rca uint16, err Error) {
	if err = commonError(flags, true); err != errNone {
		return 0, err
	}
	if rxcmd != uint8(sent) {
		return 0, ErrIllegalCommand
	}
	switch {
	case resp&sd.R6ComCRCError != 0:
		return 0, ErrCmdCRCFail
	case resp&sd.R6IllegalCommand != 0:
		return 0, ErrIllegalCommand
	case resp&sd.R6Error != 0:
		return 0, ErrUnknownError
	}
	return uint16(resp >> 16), errNone
}

// decodeR7 decodes the interface condition echo. Verifying the check pattern
// is left to the caller.
func decodeR7(sent sd.Command, rxcmd uint8, flags Flags, resp uint32) (echo uint32, err Error) {
	if err = commonError(flags, true); err != errNone {
		return 0, err
	}
	if rxcmd != uint8(sent) {
		return 0, ErrIllegalCommand
	}
	return resp, errNone
}
