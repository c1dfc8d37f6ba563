package sdmmc

import (
	"io"
	"log/slog"

	"github.com/soypat/sdmmc/sd"
)

// ReadBlock reads the block at addr into buf[:512].
func (d *Device) ReadBlock(addr uint32, buf []byte) error {
	return d.transferBlocks(DirRead, addr, buf, 1, false)
}

// ReadBlocks reads count consecutive blocks starting at addr using a
// multiple block transfer. count must be at least 2.
func (d *Device) ReadBlocks(addr uint32, buf []byte, count uint32) error {
	return d.transferBlocks(DirRead, addr, buf, count, true)
}

// WriteBlock writes buf[:512] to the block at addr and waits for the card to
// finish programming.
func (d *Device) WriteBlock(addr uint32, buf []byte) error {
	return d.transferBlocks(DirWrite, addr, buf, 1, false)
}

// WriteBlocks writes count consecutive blocks starting at addr using a
// multiple block transfer. count must be at least 2.
func (d *Device) WriteBlocks(addr uint32, buf []byte, count uint32) error {
	return d.transferBlocks(DirWrite, addr, buf, count, true)
}

func (d *Device) transferBlocks(dir Direction, addr uint32, buf []byte, count uint32, multi bool) error {
	err := d.acquireReady()
	defer d.release()
	if err != nil {
		return err
	}
	if multi && count < 2 {
		return ErrInvalidParameter
	}
	if err = d.checkRange(addr, count, len(buf)); err != nil {
		return err
	}
	if dir == DirWrite && d.writeProtected() {
		return ErrWriteProtected
	}
	err = d.transfer(dir, addr, buf[:count*sd.BlockSize], count, multi)
	if err != nil {
		d.debug("transfer:failed",
			slog.String("dir", dir.String()),
			slog.Uint64("addr", uint64(addr)),
			slog.Uint64("count", uint64(count)),
			errAttr(err),
		)
	}
	return err
}

func (d *Device) checkRange(addr, count uint32, buflen int) error {
	if count == 0 || uint64(buflen) < uint64(count)*sd.BlockSize {
		return ErrInvalidParameter
	}
	if uint64(addr)+uint64(count) > uint64(d.card.Blocks) {
		return ErrAddressOutOfRange
	}
	return nil
}

// cardAddress converts a block number into the command argument: a byte
// offset for standard capacity cards, the block number otherwise.
func (d *Device) cardAddress(block uint32) uint32 {
	if d.card.Type.HighCapacity() {
		return block
	}
	return block * sd.BlockSize
}

// transfer runs one command plus data phase. The device lock must be held
// and arguments validated.
func (d *Device) transfer(dir Direction, addr uint32, buf []byte, count uint32, multi bool) error {
	var cmd sd.Command
	switch {
	case dir == DirRead && multi:
		cmd = sd.CmdReadMultipleBlock
	case dir == DirRead:
		cmd = sd.CmdReadSingleBlock
	case multi:
		cmd = sd.CmdWriteMultipleBlock
	default:
		cmd = sd.CmdWriteBlock
	}
	d.bus.ClearStatus(FlagsStatic)
	d.xfer.reset(multi)
	if dir == DirWrite && multi && d.card.Type.IsSD() {
		// Pre-erase hint, must immediately precede the write command.
		if _, err := d.acmdR1(d.card.RCA, sd.ACmdSetWrBlkEraseCount, count); err != nil {
			return err
		}
	}
	if _, err := d.cmdR1(cmd, d.cardAddress(addr)); err != nil {
		return err
	}
	err := d.startData(dir, buf, sd.BlockSize)
	if err == nil {
		err = d.waitData(count)
	}
	if err != nil {
		d.abortData()
	}
	if d.xfer.multi {
		_, stopErr := d.cmdR1(sd.CmdStopTransmission, 0)
		if err == nil {
			err = stopErr
		}
	}
	if err != nil {
		if dir == DirWrite {
			d.recoverBusy()
		}
		return err
	}
	if dir == DirWrite {
		return d.waitWhileBusy(programTimeout)
	}
	return nil
}

// recoverBusy waits for the card to finish programming whatever reached it
// before a failed data phase so the next command finds it in transfer state.
func (d *Device) recoverBusy() {
	if err := d.waitWhileBusy(programTimeout); err != nil {
		d.warn("transfer:card still busy after failure", errAttr(err))
	}
}

// readSCR reads the SD configuration register through an 8 byte data phase.
func (d *Device) readSCR() (sd.SCR, error) {
	d.bus.ClearStatus(FlagsStatic)
	d.xfer.reset(false)
	_, err := d.acmdR1(d.card.RCA, sd.ACmdSendSCR, 0)
	if err != nil {
		return sd.SCR{}, err
	}
	err = d.startData(DirRead, d.scrBuf[:], sd.SCRLen)
	if err == nil {
		err = d.waitData(1)
	}
	if err != nil {
		d.abortData()
		d.recoverBusy()
		return sd.SCR{}, err
	}
	return sd.DecodeSCR(d.scrBuf), nil
}

// Erase erases blocks start through end inclusive. Erased blocks read back
// as all zeros or all ones depending on the card.
func (d *Device) Erase(start, end uint32) error {
	err := d.acquireReady()
	defer d.release()
	if err != nil {
		return err
	}
	if !d.card.CSD.SupportsClass(sd.ClassErase) {
		return ErrUnsupportedFeature
	}
	if end < start {
		return ErrInvalidParameter
	}
	if end >= d.card.Blocks {
		return ErrAddressOutOfRange
	}
	if d.writeProtected() {
		return ErrWriteProtected
	}
	startCmd, endCmd := sd.CmdEraseWrBlkStart, sd.CmdEraseWrBlkEnd
	if d.card.Type == sd.TypeMMC {
		startCmd, endCmd = sd.CmdEraseGroupStart, sd.CmdEraseGroupEnd
	}
	d.debug("erase", slog.Uint64("start", uint64(start)), slog.Uint64("end", uint64(end)))
	if _, err = d.cmdR1(startCmd, d.cardAddress(start)); err != nil {
		return err
	}
	if _, err = d.cmdR1(endCmd, d.cardAddress(end)); err != nil {
		return err
	}
	if _, err = d.cmdR1(sd.CmdErase, 0); err != nil {
		return err
	}
	return d.waitWhileBusy(eraseTimeout)
}

// ReadAt implements io.ReaderAt over whole blocks. off and len(p) must be
// multiples of the block size.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.blocksAt(DirRead, p, off)
}

// WriteAt implements io.WriterAt over whole blocks. off and len(p) must be
// multiples of the block size.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.blocksAt(DirWrite, p, off)
}

func (d *Device) blocksAt(dir Direction, p []byte, off int64) (int, error) {
	if off < 0 || !isaligned(uint64(off), sd.BlockSize) || !isaligned(uint64(len(p)), sd.BlockSize) {
		return 0, ErrInvalidParameter
	}
	if len(p) == 0 {
		return 0, nil
	}
	blocks := d.CapacityBlocks()
	start := off / sd.BlockSize
	if dir == DirRead && start >= int64(blocks) && blocks != 0 {
		return 0, io.EOF
	}
	count := uint32(len(p) / sd.BlockSize)
	var err error
	switch {
	case start > int64(^uint32(0)):
		err = ErrAddressOutOfRange
	case count == 1 && dir == DirRead:
		err = d.ReadBlock(uint32(start), p)
	case count == 1:
		err = d.WriteBlock(uint32(start), p)
	case dir == DirRead:
		err = d.ReadBlocks(uint32(start), p, count)
	default:
		err = d.WriteBlocks(uint32(start), p, count)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
