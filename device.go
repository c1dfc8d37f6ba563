// Package sdmmc drives SD and MMC cards over a native 1 or 4 bit SD host
// controller with DMA. The controller is abstracted by Bus; see NewSTM32Bus for
// the STM32F1/F4 SDIO implementation.
package sdmmc

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/sdmmc/sd"
)

const (
	defaultIdentClock    = 400_000
	defaultTransferClock = 25_000_000
	// opCondTimeout bounds the voltage negotiation loop.
	opCondTimeout = time.Second
	// programTimeout bounds the wait for a write to leave the programming state.
	programTimeout = 500 * time.Millisecond
	eraseTimeout   = 5 * time.Second
	// mmcRCA is the relative address the host assigns to MMC cards.
	mmcRCA = 1
)

// Card describes a negotiated card. It is published by Init only after
// every negotiation step succeeded.
type Card struct {
	Type      sd.CardType
	RCA       uint16
	CSD       sd.CSD
	CID       sd.CID
	RawCSD    [16]byte
	RawCID    [16]byte
	SCR       sd.SCR // Zero for MMC cards or when ACMD51 failed.
	Blocks    uint32 // Capacity in 512 byte blocks.
	BlockSize uint32
	BusWidth  BusWidth
}

// Size returns the card capacity in bytes.
func (c *Card) Size() int64 { return int64(c.Blocks) * int64(c.BlockSize) }

type Config struct {
	Logger *slog.Logger
	// Clock is the time source for timeouts. Defaults to package time.
	Clock Clock
	// CardDetect reports card presence. nil means always present.
	CardDetect func() bool
	// WriteProtect reports the state of the write protect switch. nil means
	// never protected.
	WriteProtect func() bool
	// MaxBusWidth limits the negotiated data bus width. Zero means 4 bit.
	MaxBusWidth     BusWidth
	IdentClockHz    uint32
	TransferClockHz uint32
}

func DefaultConfig() Config {
	return Config{
		MaxBusWidth:     BusWidth4,
		IdentClockHz:    defaultIdentClock,
		TransferClockHz: defaultTransferClock,
	}
}

// Device is an SD or MMC card attached to a host controller Bus.
// Methods are safe for concurrent use and run one at a time.
type Device struct {
	mu            sync.Mutex
	bus           Bus
	clock         Clock
	logger        *slog.Logger
	_traceenabled bool
	cardDetect    func() bool
	writeProtect  func() bool
	clockHz       uint32
	card          Card
	ready         bool
	xfer          transferState
	scrBuf        [sd.SCRLen]byte
}

// New returns a Device using bus and registers its interrupt handler.
// Init must be called before any transfer.
func New(bus Bus) *Device {
	d := &Device{bus: bus, clock: systemClock{}}
	bus.SetInterruptHandler(d.handleInterrupt)
	return d
}

// Init powers the card up, identifies it and prepares it for block transfers.
// Calling Init again renegotiates the card from reset.
func (d *Device) Init(cfg Config) (Card, error) {
	d.acquire()
	defer d.release()
	d.ready = false
	d.card = Card{}
	d.setLogger(cfg.Logger)
	d.clock = cfg.Clock
	if d.clock == nil {
		d.clock = systemClock{}
	}
	d.cardDetect = cfg.CardDetect
	d.writeProtect = cfg.WriteProtect
	if d.cardDetect != nil && !d.cardDetect() {
		d.info("Init:no card")
		return Card{}, ErrNotReady
	}
	d.info("Init:start")
	start := d.clock.Now()
	err := d.negotiate(cfg)
	if err != nil {
		d.card = Card{}
		d.logerr("Init:failed", errAttr(err))
		return Card{}, err
	}
	d.ready = true
	d.info("Init:done",
		slog.String("type", d.card.Type.String()),
		slog.Uint64("blocks", uint64(d.card.Blocks)),
		slog.Int("buswidth", int(d.card.BusWidth)),
		slog.Uint64("clock", uint64(d.clockHz)),
		slog.Duration("took", d.clock.Now().Sub(start)),
	)
	return d.card, nil
}

// negotiate runs the identification sequence, filling d.card as it goes.
func (d *Device) negotiate(cfg Config) error {
	identHz := cfg.IdentClockHz
	if identHz == 0 {
		identHz = defaultIdentClock
	}
	transferHz := cfg.TransferClockHz
	if transferHz == 0 {
		transferHz = defaultTransferClock
	}
	maxWidth := cfg.MaxBusWidth
	if maxWidth == 0 {
		maxWidth = BusWidth4
	}

	d.bus.PowerOn()
	d.clockHz = d.bus.SetClock(identHz)
	d.bus.SetBusWidth(BusWidth1)
	d.card.BusWidth = BusWidth1
	// At least 74 clock cycles before the first command.
	d.clock.Sleep(time.Millisecond)

	d.debug("Init:reset")
	if err := d.cmdNone(sd.CmdGoIdleState, 0); err != nil {
		return err
	}

	d.debug("Init:if-cond")
	v2 := false
	echo, err := d.cmdR7(sd.CmdSendIfCond, sd.IfCondArg)
	switch {
	case err == nil:
		if echo&sd.IfCondCheckMask != sd.IfCondArg {
			d.logerr("Init:bad check pattern", slog.Uint64("echo", uint64(echo)))
			return ErrUnsupportedHardware
		}
		v2 = true
	case errors.Is(err, ErrCmdResponseTimeout):
		// Version 1.x SD or MMC.
	default:
		return err
	}

	d.debug("Init:op-cond", slog.Bool("v2", v2))
	ct, err := d.powerUp(v2)
	if err != nil {
		return err
	}
	d.card.Type = ct

	d.debug("Init:identify", slog.String("type", ct.String()))
	d.card.RawCID, err = d.cmdR2(sd.CmdAllSendCID, 0)
	if err != nil {
		return err
	}
	if ct.IsSD() {
		d.card.RCA, err = d.cmdR6(sd.CmdSendRelativeAddr, 0)
	} else {
		d.card.RCA = mmcRCA
		_, err = d.cmdR1(sd.CmdSendRelativeAddr, mmcRCA<<16)
	}
	if err != nil {
		return err
	}
	rcaArg := uint32(d.card.RCA) << 16

	d.card.RawCSD, err = d.cmdR2(sd.CmdSendCSD, rcaArg)
	if err != nil {
		return err
	}
	if err = d.parseRegisters(); err != nil {
		return err
	}

	d.debug("Init:select", slog.Uint64("rca", uint64(d.card.RCA)))
	if _, err = d.cmdR1(sd.CmdSelectCard, rcaArg); err != nil {
		return err
	}

	d.clockHz = d.bus.SetClock(transferHz)
	if ct.IsSD() {
		d.upgradeBusWidth(maxWidth)
	}

	d.debug("Init:blocklen")
	if _, err = d.cmdR1(sd.CmdSetBlocklen, sd.BlockSize); err != nil {
		return err
	}
	return nil
}

// powerUp runs the operating condition loop until the card reports power up
// complete and returns the resulting card type.
func (d *Device) powerUp(v2 bool) (sd.CardType, error) {
	arg := uint32(sd.OpCondVoltageWindow)
	if v2 {
		arg |= uint32(sd.OCRHCS)
	}
	mmc := false
	backoff := time.Millisecond
	deadline := d.clock.Now().Add(opCondTimeout)
	for first := true; ; first = false {
		var ocr sd.OCR
		var err error
		if !mmc {
			err = d.appCmd(0)
			if first && errors.Is(err, ErrCmdResponseTimeout) {
				d.debug("Init:no APP_CMD, trying MMC")
				mmc = true
				continue
			} else if err != nil {
				return sd.TypeUnknown, err
			}
			ocr, err = d.cmdR3(sd.Command(sd.ACmdSDSendOpCond), arg)
		} else {
			ocr, err = d.cmdR3(sd.CmdSendOpCond, sd.OpCondMMCArg)
		}
		if err != nil {
			return sd.TypeUnknown, err
		}
		if ocr.PoweredUp() {
			switch {
			case mmc:
				return sd.TypeMMC, nil
			case ocr.HighCapacity():
				return sd.TypeHighCapacity, nil
			case v2:
				return sd.TypeStandardV2, nil
			}
			return sd.TypeStandardV1, nil
		}
		if !d.clock.Now().Before(deadline) {
			return sd.TypeUnknown, ErrInvalidVoltageRange
		}
		d.clock.Sleep(backoff)
		backoff = min(2*backoff, 16*time.Millisecond)
	}
}

// parseRegisters decodes the raw CID and CSD and computes the capacity.
func (d *Device) parseRegisters() (err error) {
	c := &d.card
	c.CID = sd.DecodeCID(c.RawCID)
	if c.Type == sd.TypeMMC {
		c.CSD = sd.DecodeCSDv1(c.RawCSD)
	} else {
		c.CSD, err = sd.DecodeCSD(c.RawCSD)
		if err != nil {
			d.logerr("Init:csd", errAttr(err))
			return ErrUnsupportedHardware
		}
	}
	if c.CSD.ReadBlLen < 9 {
		d.logerr("Init:read block length too short", slog.Int("READ_BL_LEN", int(c.CSD.ReadBlLen)))
		return ErrUnsupportedHardware
	}
	c.Blocks = c.CSD.Blocks(c.Type)
	c.BlockSize = sd.BlockSize
	d.debug("Init:registers", slog.String("cid", c.CID.String()), slog.String("csd", c.CSD.String()))
	return nil
}

// upgradeBusWidth reads the SCR and switches to a 4 bit bus when both the card
// and maxWidth allow it. Failures leave the bus at 1 bit.
func (d *Device) upgradeBusWidth(maxWidth BusWidth) {
	scr, err := d.readSCR()
	if err != nil {
		d.warn("Init:scr unavailable", errAttr(err))
		return
	}
	d.card.SCR = scr
	if maxWidth < BusWidth4 || !scr.Supports4Bit() {
		return
	}
	_, err = d.acmdR1(d.card.RCA, sd.ACmdSetBusWidth, sd.BusWidth4Arg)
	if err != nil {
		d.warn("Init:bus width", errAttr(err))
		return
	}
	d.bus.SetBusWidth(BusWidth4)
	d.card.BusWidth = BusWidth4
}

// Card returns the negotiated card descriptor. ok is false before a
// successful Init.
func (d *Device) Card() (card Card, ok bool) {
	d.acquire()
	defer d.release()
	return d.card, d.ready
}

// CapacityBlocks returns the card capacity in blocks, or 0 before Init.
func (d *Device) CapacityBlocks() uint32 {
	d.acquire()
	defer d.release()
	if !d.ready {
		return 0
	}
	return d.card.Blocks
}

// BlockSize returns the transfer block size in bytes.
func (d *Device) BlockSize() uint32 { return sd.BlockSize }

// TransferBusy reports whether a DMA transfer is in flight. It does not take
// the device lock.
func (d *Device) TransferBusy() bool {
	return d.xfer.armed.Load() && !d.xfer.done.Load()
}

// WriteProtected reports the state of the write protect switch.
func (d *Device) WriteProtected() bool {
	d.acquire()
	defer d.release()
	return d.writeProtected()
}

func (d *Device) writeProtected() bool {
	return d.writeProtect != nil && d.writeProtect()
}

// Deinit resets the card to idle and removes its power. Init must be called
// again before further use.
func (d *Device) Deinit() error {
	d.acquire()
	defer d.release()
	wasReady := d.ready
	d.ready = false
	d.card = Card{}
	var err error
	if wasReady {
		err = d.cmdNone(sd.CmdGoIdleState, 0)
	}
	d.bus.PowerOff()
	d.clockHz = 0
	d.info("Deinit", errAttr(err))
	return err
}

func (d *Device) acquire() {
	d.mu.Lock()
}

// acquireReady locks the device and fails with ErrNotReady if no card has
// been negotiated. The lock is held in both cases.
func (d *Device) acquireReady() error {
	d.mu.Lock()
	if !d.ready {
		return ErrNotReady
	}
	return nil
}

func (d *Device) release() {
	d.mu.Unlock()
}
