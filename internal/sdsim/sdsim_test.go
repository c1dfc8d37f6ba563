package sdsim

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soypat/sdmmc"
	"github.com/soypat/sdmmc/sd"
)

func send(t *testing.T, b *Bus, cmd sd.Command, arg uint32, kind sdmmc.ResponseKind) (sdmmc.Flags, uint32) {
	t.Helper()
	b.ClearStatus(sdmmc.FlagsStatic)
	b.SendCommand(uint8(cmd), arg, kind)
	return b.Status(), b.Response()[0]
}

func TestCardIdentification(t *testing.T) {
	b := NewBus(NewCard(CardConfig{Kind: KindSDHC, BusyPolls: 2}))
	b.PowerOn()
	flags, _ := send(t, b, sd.CmdGoIdleState, 0, sdmmc.ResponseNone)
	if flags&sdmmc.FlagCmdSent == 0 {
		t.Fatalf("CMD0 not sent: %#x", flags)
	}
	flags, resp := send(t, b, sd.CmdSendIfCond, sd.IfCondArg, sdmmc.ResponseShort)
	if flags&sdmmc.FlagCmdRespEnd == 0 || resp != sd.IfCondArg {
		t.Fatalf("CMD8: flags=%#x resp=%#x", flags, resp)
	}
	var ocr sd.OCR
	polls := 0
	for !ocr.PoweredUp() {
		flags, resp = send(t, b, sd.CmdAppCmd, 0, sdmmc.ResponseShort)
		if sd.CardStatus(resp)&sd.StatusAppCmd == 0 {
			t.Fatalf("CMD55 did not set APP_CMD: %#x", resp)
		}
		flags, resp = send(t, b, sd.Command(sd.ACmdSDSendOpCond), sd.OpCondVoltageWindow|uint32(sd.OCRHCS), sdmmc.ResponseShort)
		if flags&sdmmc.FlagCmdCRCFail == 0 {
			t.Error("R3 must raise the CRC flag")
		}
		ocr = sd.OCR(resp)
		polls++
	}
	if polls != 3 || !ocr.HighCapacity() {
		t.Fatalf("polls=%d ocr=%#x", polls, uint32(ocr))
	}
	flags, _ = send(t, b, sd.CmdAllSendCID, 0, sdmmc.ResponseLong)
	if flags&sdmmc.FlagCmdRespEnd == 0 {
		t.Fatal("CMD2 no response")
	}
	cid := sd.Register(b.Response())
	if !sd.RegisterCRCValid(cid) {
		t.Error("CID CRC invalid")
	}
	_, resp = send(t, b, sd.CmdSendRelativeAddr, 0, sdmmc.ResponseShort)
	rca := uint16(resp >> 16)
	if rca != defaultRCA {
		t.Fatalf("rca %#x", rca)
	}
	// Wrong address is ignored.
	flags, _ = send(t, b, sd.CmdSendCSD, 0x1234<<16, sdmmc.ResponseLong)
	if flags&sdmmc.FlagCmdTimeout == 0 {
		t.Error("CSD served to wrong RCA")
	}
	send(t, b, sd.CmdSendCSD, uint32(rca)<<16, sdmmc.ResponseLong)
	csd, err := sd.DecodeCSD(sd.Register(b.Response()))
	if err != nil {
		t.Fatal(err)
	}
	if csd.Blocks(sd.TypeHighCapacity) != b.Card().Blocks() {
		t.Errorf("CSD capacity %d, card %d", csd.Blocks(sd.TypeHighCapacity), b.Card().Blocks())
	}
	_, resp = send(t, b, sd.CmdSelectCard, uint32(rca)<<16, sdmmc.ResponseShort)
	if sd.CardStatus(resp).State() != sd.StateStandby || b.Card().State() != sd.StateTransfer {
		t.Errorf("select: reported %v now %v", sd.CardStatus(resp).State(), b.Card().State())
	}
}

func TestLegacyCards(t *testing.T) {
	for _, kind := range []Kind{KindSDv1, KindMMC} {
		b := NewBus(NewCard(CardConfig{Kind: kind}))
		b.PowerOn()
		flags, _ := send(t, b, sd.CmdSendIfCond, sd.IfCondArg, sdmmc.ResponseShort)
		if flags&sdmmc.FlagCmdTimeout == 0 {
			t.Errorf("%s answered CMD8", kind)
		}
		flags, _ = send(t, b, sd.CmdAppCmd, 0, sdmmc.ResponseShort)
		if (kind == KindMMC) != (flags&sdmmc.FlagCmdTimeout != 0) {
			t.Errorf("%s CMD55 flags %#x", kind, flags)
		}
	}
}

func TestStandardSize(t *testing.T) {
	for _, n := range []uint32{8192, 4096, 247_808, 2_097_152} {
		csize, mult := standardSize(n)
		if got := (csize + 1) << (mult + 2); got != n {
			t.Errorf("%d blocks encoded as C_SIZE=%d MULT=%d (%d blocks)", n, csize, mult, got)
		}
	}
}

func TestCardCSDByKind(t *testing.T) {
	for _, test := range []struct {
		kind Kind
		ct   sd.CardType
	}{
		{KindSDHC, sd.TypeHighCapacity},
		{KindSDv2, sd.TypeStandardV2},
		{KindSDv1, sd.TypeStandardV1},
		{KindMMC, sd.TypeMMC},
	} {
		card := NewCard(CardConfig{Kind: test.kind})
		csd := sd.DecodeCSDv1(card.RawCSD())
		if test.kind == KindSDHC {
			csd, _ = sd.DecodeCSD(card.RawCSD())
		}
		if got := csd.Blocks(test.ct); got != card.Blocks() {
			t.Errorf("%s: CSD says %d blocks, card has %d", test.kind, got, card.Blocks())
		}
		if !sd.RegisterCRCValid(card.RawCSD()) {
			t.Errorf("%s: CSD CRC", test.kind)
		}
	}
}

func TestNoCompletionFault(t *testing.T) {
	b := NewBus(NewCard(CardConfig{Kind: KindSDHC}))
	called := make(chan struct{}, 1)
	b.SetInterruptHandler(func() { called <- struct{}{} })
	b.EnableInterrupts(sdmmc.FlagDataEnd | sdmmc.FlagsDataErrors)
	b.SetFaults(Faults{NoCompletion: 1})
	buf := make([]byte, sd.BlockSize)
	if err := b.StartData(sdmmc.DirRead, buf, sd.BlockSize, 0); err != nil {
		t.Fatal(err)
	}
	b.Wait()
	if !b.TransferActive() {
		t.Error("faulted transfer should stay active")
	}
	select {
	case <-called:
		t.Fatal("faulted transfer raised an interrupt")
	default:
	}
	b.StopData()
	// Fault is consumed, nothing pending on the card so the data path times out.
	if err := b.StartData(sdmmc.DirRead, buf, sd.BlockSize, 0); err != nil {
		t.Fatal(err)
	}
	b.Wait()
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("no interrupt")
	}
	if b.Status()&sdmmc.FlagDataTimeout == 0 {
		t.Error("expected data timeout flag")
	}
}

func TestFormatFAT32(t *testing.T) {
	const size = 64 << 20
	hello := []byte("hello from the card\n")
	img, err := FormatFAT32(size, "SDSIM", File{Name: "HELLO.TXT", Data: hello})
	if err != nil {
		t.Fatal(err)
	}
	if len(img) != size {
		t.Fatalf("image size %d", len(img))
	}
	if img[510] != 0x55 || img[511] != 0xAA {
		t.Fatalf("missing boot signature: % x", img[510:512])
	}
	if !bytes.Equal(img[82:90], []byte("FAT32   ")) {
		t.Errorf("filesystem type %q", img[82:90])
	}
	if !bytes.Contains(img, hello) {
		t.Error("file contents not in image")
	}
	card := NewCard(CardConfig{Kind: KindSDHC, Blocks: size / sd.BlockSize})
	if err := card.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	boot := card.Block(0)
	if !bytes.Equal(boot[:], img[:sd.BlockSize]) {
		t.Error("block 0 differs from image")
	}
	if err := card.LoadImage(make([]byte, size+sd.BlockSize)); err == nil {
		t.Error("oversized image accepted")
	}
}

func TestClock(t *testing.T) {
	c := NewClock(time.Microsecond)
	start := c.Now()
	c.Now()
	c.Sleep(time.Millisecond)
	if got := c.Elapsed(start); got != time.Millisecond+time.Microsecond {
		t.Errorf("elapsed %v", got)
	}
}

func TestCorruptCommandFault(t *testing.T) {
	b := NewBus(NewCard(CardConfig{Kind: KindSDHC}))
	b.PowerOn()
	b.SetFaults(Faults{CorruptCommands: 1})
	flags, _ := send(t, b, sd.CmdSendIfCond, sd.IfCondArg, sdmmc.ResponseShort)
	if flags&sdmmc.FlagCmdTimeout == 0 {
		t.Fatalf("card answered a frame with a bad CRC: %#x", flags)
	}
	if b.Card().State() != sd.StateIdle {
		t.Errorf("discarded command changed state to %s", b.Card().State())
	}
	flags, resp := send(t, b, sd.CmdSendIfCond, sd.IfCondArg, sdmmc.ResponseShort)
	if flags&sdmmc.FlagCmdRespEnd == 0 || resp != sd.IfCondArg {
		t.Fatalf("retry: flags=%#x resp=%#x", flags, resp)
	}
	if cmds := b.Commands(); len(cmds) != 2 {
		t.Errorf("want both frames logged, got %v", cmds)
	}
}

func TestFormatFAT32Errors(t *testing.T) {
	t.Setenv("TMPDIR", filepath.Join(t.TempDir(), "missing"))
	_, err := FormatFAT32(64<<20, "SDSIM")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "sdsim: ") {
		t.Errorf("missing package context: %q", err)
	}
}
