package sdmmc

import (
	"log/slog"
	"time"

	"github.com/soypat/sdmmc/sd"
)

// QueryStatus asks the card for its current state with SEND_STATUS.
func (d *Device) QueryStatus() (sd.CardState, error) {
	err := d.acquireReady()
	defer d.release()
	if err != nil {
		return sd.StateError, err
	}
	status, err := d.status()
	if err != nil {
		return sd.StateError, err
	}
	return status.State(), nil
}

func (d *Device) status() (sd.CardStatus, error) {
	return d.cmdR1(sd.CmdSendStatus, uint32(d.card.RCA)<<16)
}

// waitWhileBusy polls the card status with backoff until it leaves the
// receiving and programming states. It fails with ErrBusyTimeout.
func (d *Device) waitWhileBusy(timeout time.Duration) error {
	backoff := 10 * time.Microsecond
	deadline := d.clock.Now().Add(timeout)
	for {
		status, err := d.status()
		if err != nil {
			return err
		}
		state := status.State()
		if !state.Busy() {
			return nil
		}
		if !d.clock.Now().Before(deadline) {
			d.warn("busy timeout", slog.String("state", state.String()), slog.Duration("timeout", timeout))
			return ErrBusyTimeout
		}
		d.clock.Sleep(backoff)
		backoff = min(2*backoff, 10*time.Millisecond)
	}
}
