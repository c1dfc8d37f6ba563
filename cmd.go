package sdmmc

import (
	"log/slog"
	"time"

	"github.com/soypat/sdmmc/sd"
)

// commandTimeout bounds every command phase. It is not scaled by callers.
const commandTimeout = 10 * time.Millisecond

// command runs one command phase and returns the final controller flags.
// Static flags are cleared before the command is sent.
func (d *Device) command(cmd sd.Command, arg uint32, kind ResponseKind) (Flags, Error) {
	d.bus.ClearStatus(FlagsStatic)
	d.bus.SendCommand(uint8(cmd), arg, kind)
	deadline := d.clock.Now().Add(commandTimeout)
	for {
		flags := d.bus.Status()
		if kind == ResponseNone && flags&FlagCmdSent != 0 {
			return flags, errNone
		} else if kind != ResponseNone && flags&flagsCmdDone != 0 {
			return flags, errNone
		}
		if !d.clock.Now().Before(deadline) {
			return flags, ErrCmdResponseTimeout
		}
	}
}

func (d *Device) cmdNone(cmd sd.Command, arg uint32) error {
	_, err := d.command(cmd, arg, ResponseNone)
	d.traceCmd(cmd, arg, 0, err)
	return errOrNil(err)
}

func (d *Device) cmdR1(cmd sd.Command, arg uint32) (sd.CardStatus, error) {
	flags, err := d.command(cmd, arg, ResponseShort)
	var status sd.CardStatus
	if err == errNone {
		status, err = decodeR1(cmd, d.bus.ResponseCommand(), flags, d.bus.Response()[0])
	}
	d.traceCmd(cmd, arg, uint32(status), err)
	return status, errOrNil(err)
}

// cmdR2 returns the 16 byte CID or CSD register.
func (d *Device) cmdR2(cmd sd.Command, arg uint32) (reg [16]byte, _ error) {
	flags, err := d.command(cmd, arg, ResponseLong)
	if err == errNone {
		err = decodeR2(flags)
	}
	words := d.bus.Response()
	d.traceCmd(cmd, arg, words[0], err)
	if err != errNone {
		return reg, err
	}
	return sd.Register(words), nil
}

func (d *Device) cmdR3(cmd sd.Command, arg uint32) (sd.OCR, error) {
	flags, err := d.command(cmd, arg, ResponseShort)
	var ocr sd.OCR
	if err == errNone {
		ocr, err = decodeR3(flags, d.bus.Response()[0])
	}
	d.traceCmd(cmd, arg, uint32(ocr), err)
	return ocr, errOrNil(err)
}

func (d *Device) cmdR6(cmd sd.Command, arg uint32) (uint16, error) {
	flags, err := d.command(cmd, arg, ResponseShort)
	var rca uint16
	if err == errNone {
		rca, err = decodeR6(cmd, d.bus.ResponseCommand(), flags, d.bus.Response()[0])
	}
	d.traceCmd(cmd, arg, uint32(rca), err)
	return rca, errOrNil(err)
}

func (d *Device) cmdR7(cmd sd.Command, arg uint32) (uint32, error) {
	flags, err := d.command(cmd, arg, ResponseShort)
	var echo uint32
	if err == errNone {
		echo, err = decodeR7(cmd, d.bus.ResponseCommand(), flags, d.bus.Response()[0])
	}
	d.traceCmd(cmd, arg, echo, err)
	return echo, errOrNil(err)
}

// appCmd sends the APP_CMD prefix. The card must acknowledge it by setting
// the APP_CMD status bit.
func (d *Device) appCmd(rca uint16) error {
	status, err := d.cmdR1(sd.CmdAppCmd, uint32(rca)<<16)
	if err != nil {
		return err
	}
	if status&sd.StatusAppCmd == 0 {
		return ErrIllegalCommand
	}
	return nil
}

// acmdR1 sends an application specific command with an R1 response.
func (d *Device) acmdR1(rca uint16, acmd sd.AppCommand, arg uint32) (sd.CardStatus, error) {
	if err := d.appCmd(rca); err != nil {
		return 0, err
	}
	return d.cmdR1(sd.Command(acmd), arg)
}

func (d *Device) traceCmd(cmd sd.Command, arg, resp uint32, err Error) {
	if !d._traceenabled {
		return
	}
	if err != errNone {
		d.trace("cmd", slog.String("cmd", cmd.String()), slog.Uint64("arg", uint64(arg)), slog.String("err", err.String()))
		return
	}
	d.trace("cmd", slog.String("cmd", cmd.String()), slog.Uint64("arg", uint64(arg)), slog.Uint64("resp", uint64(resp)))
}
