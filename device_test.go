package sdmmc_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/soypat/sdmmc"
	"github.com/soypat/sdmmc/internal/sdsim"
	"github.com/soypat/sdmmc/sd"
)

const clockStep = 10 * time.Microsecond

type testWriter struct{ t *testing.T }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimSpace(b)))
	return len(b), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
}

type fixture struct {
	dev  *sdmmc.Device
	bus  *sdsim.Bus
	clk  *sdsim.Clock
	card sdmmc.Card
}

func newFixture(t *testing.T, cardcfg sdsim.CardConfig, cfg sdmmc.Config) *fixture {
	t.Helper()
	bus := sdsim.NewBus(sdsim.NewCard(cardcfg))
	t.Cleanup(bus.Wait)
	clk := sdsim.NewClock(clockStep)
	dev := sdmmc.New(bus)
	cfg.Clock = clk
	if cfg.Logger == nil {
		cfg.Logger = testLogger(t)
	}
	card, err := dev.Init(cfg)
	if err != nil {
		t.Fatalf("Init %s: %v", cardcfg.Kind, err)
	}
	return &fixture{dev: dev, bus: bus, clk: clk, card: card}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed ^ byte(i>>9)
	}
	return b
}

func TestInitCardKinds(t *testing.T) {
	for _, test := range []struct {
		kind  sdsim.Kind
		ct    sd.CardType
		rca   uint16
		width sdmmc.BusWidth
	}{
		{kind: sdsim.KindSDHC, ct: sd.TypeHighCapacity, rca: 0xB368, width: sdmmc.BusWidth4},
		{kind: sdsim.KindSDv2, ct: sd.TypeStandardV2, rca: 0xB368, width: sdmmc.BusWidth4},
		{kind: sdsim.KindSDv1, ct: sd.TypeStandardV1, rca: 0xB368, width: sdmmc.BusWidth4},
		{kind: sdsim.KindMMC, ct: sd.TypeMMC, rca: 1, width: sdmmc.BusWidth1},
	} {
		t.Run(test.kind.String(), func(t *testing.T) {
			f := newFixture(t, sdsim.CardConfig{Kind: test.kind, BusyPolls: 3}, sdmmc.Config{})
			c := f.card
			if c.Type != test.ct {
				t.Errorf("type: got %s, want %s", c.Type, test.ct)
			}
			if c.RCA != test.rca {
				t.Errorf("rca: got %#x, want %#x", c.RCA, test.rca)
			}
			if c.Blocks != f.bus.Card().Blocks() {
				t.Errorf("blocks: got %d, want %d", c.Blocks, f.bus.Card().Blocks())
			}
			if c.BlockSize != 512 || f.dev.BlockSize() != 512 {
				t.Errorf("block size %d", c.BlockSize)
			}
			if c.BusWidth != test.width || f.bus.Card().BusWidth() != uint8(test.width) {
				t.Errorf("bus width: got %d, card %d, want %d", c.BusWidth, f.bus.Card().BusWidth(), test.width)
			}
			hz, width := f.bus.Clock()
			if hz != 25_000_000 || width != test.width {
				t.Errorf("bus: %dHz width %d", hz, width)
			}
			if test.ct.IsSD() != c.SCR.Supports4Bit() {
				t.Errorf("SCR: %+v", c.SCR)
			}
			if string(c.CID.ProductName[:]) != "SIM01" {
				t.Errorf("CID: %s", c.CID)
			}
			if f.dev.CapacityBlocks() != c.Blocks {
				t.Error("CapacityBlocks mismatch")
			}
			got, ok := f.dev.Card()
			if !ok || got != c {
				t.Error("published descriptor differs from Init result")
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{})
	again, err := f.dev.Init(sdmmc.Config{Clock: f.clk})
	if err != nil {
		t.Fatal(err)
	}
	if again != f.card {
		t.Errorf("second Init differs:\n%+v\n%+v", again, f.card)
	}
}

func TestInitFailures(t *testing.T) {
	bus := sdsim.NewBus(sdsim.NewCard(sdsim.CardConfig{Kind: sdsim.KindSDHC, BusyPolls: 1 << 20}))
	dev := sdmmc.New(bus)
	clk := sdsim.NewClock(clockStep)
	_, err := dev.Init(sdmmc.Config{Clock: clk, CardDetect: func() bool { return false }})
	if !errors.Is(err, sdmmc.ErrNotReady) {
		t.Errorf("no card: got %v", err)
	}
	if len(bus.Commands()) != 0 {
		t.Errorf("commands sent without a card: %v", bus.Commands())
	}
	start := clk.Now()
	_, err = dev.Init(sdmmc.Config{Clock: clk})
	if !errors.Is(err, sdmmc.ErrInvalidVoltageRange) {
		t.Errorf("never powered up: got %v", err)
	}
	if elapsed := clk.Elapsed(start); elapsed < time.Second || elapsed > 2*time.Second {
		t.Errorf("op-cond loop ran for %v", elapsed)
	}
	if _, ok := dev.Card(); ok {
		t.Error("descriptor published after failed Init")
	}
	if dev.CapacityBlocks() != 0 {
		t.Error("capacity reported after failed Init")
	}
}

func TestNotReady(t *testing.T) {
	bus := sdsim.NewBus(sdsim.NewCard(sdsim.CardConfig{}))
	dev := sdmmc.New(bus)
	buf := make([]byte, 512)
	if err := dev.ReadBlock(0, buf); !errors.Is(err, sdmmc.ErrNotReady) {
		t.Errorf("read: got %v", err)
	}
	if _, err := dev.QueryStatus(); !errors.Is(err, sdmmc.ErrNotReady) {
		t.Errorf("status: got %v", err)
	}
	f := newFixture(t, sdsim.CardConfig{}, sdmmc.Config{})
	if err := f.dev.Deinit(); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.WriteBlock(0, buf); !errors.Is(err, sdmmc.ErrNotReady) {
		t.Errorf("write after Deinit: got %v", err)
	}
	if f.bus.Card().State() != sd.StateIdle {
		t.Errorf("card state after Deinit: %s", f.bus.Card().State())
	}
}

func TestRoundTrip(t *testing.T) {
	for _, kind := range []sdsim.Kind{sdsim.KindSDHC, sdsim.KindSDv2, sdsim.KindSDv1, sdsim.KindMMC} {
		f := newFixture(t, sdsim.CardConfig{Kind: kind, ProgramPolls: 3}, sdmmc.Config{})
		for _, count := range []uint32{1, 2, 8} {
			const addr = 100
			data := pattern(int(count)*512, byte(count))
			var err error
			if count == 1 {
				err = f.dev.WriteBlock(addr, data)
			} else {
				err = f.dev.WriteBlocks(addr, data, count)
			}
			if err != nil {
				t.Fatalf("%s write %d: %v", kind, count, err)
			}
			for i := uint32(0); i < count; i++ {
				blk := f.bus.Card().Block(addr + i)
				if !bytes.Equal(blk[:], data[i*512:(i+1)*512]) {
					t.Fatalf("%s count %d: block %d not stored at its address", kind, count, addr+i)
				}
			}
			got := make([]byte, len(data))
			if count == 1 {
				err = f.dev.ReadBlock(addr, got)
			} else {
				err = f.dev.ReadBlocks(addr, got, count)
			}
			if err != nil {
				t.Fatalf("%s read %d: %v", kind, count, err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("%s count %d: read back differs", kind, count)
			}
			if f.dev.TransferBusy() {
				t.Error("transfer busy after completion")
			}
		}
		state, err := f.dev.QueryStatus()
		if err != nil || state != sd.StateTransfer {
			t.Errorf("%s: status %s %v", kind, state, err)
		}
	}
}

func indexOf(cmds []sd.Command, cmd sd.Command) int {
	for i, c := range cmds {
		if c == cmd {
			return i
		}
	}
	return -1
}

func TestMultiWriteSequence(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{})
	f.bus.ResetCommands()
	if err := f.dev.WriteBlocks(0, pattern(4*512, 1), 4); err != nil {
		t.Fatal(err)
	}
	cmds := f.bus.Commands()
	i := indexOf(cmds, sd.CmdWriteMultipleBlock)
	if i < 2 || cmds[i-1] != sd.Command(sd.ACmdSetWrBlkEraseCount) || cmds[i-2] != sd.CmdAppCmd {
		t.Errorf("pre-erase count must immediately precede CMD25: %v", cmds)
	}
	if indexOf(cmds[i:], sd.CmdStopTransmission) < 0 {
		t.Errorf("no stop transmission: %v", cmds)
	}

	mmc := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindMMC}, sdmmc.Config{})
	mmc.bus.ResetCommands()
	if err := mmc.dev.WriteBlocks(0, pattern(4*512, 1), 4); err != nil {
		t.Fatal(err)
	}
	cmds = mmc.bus.Commands()
	if cmds[0] != sd.CmdWriteMultipleBlock || indexOf(cmds, sd.CmdStopTransmission) < 0 {
		t.Errorf("MMC multi write: %v", cmds)
	}
}

func TestInvalidParameters(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{})
	buf := make([]byte, 8*512)
	f.bus.ResetCommands()
	for _, count := range []uint32{0, 1} {
		if err := f.dev.ReadBlocks(0, buf, count); !errors.Is(err, sdmmc.ErrInvalidParameter) {
			t.Errorf("ReadBlocks count %d: got %v", count, err)
		}
		if err := f.dev.WriteBlocks(0, buf, count); !errors.Is(err, sdmmc.ErrInvalidParameter) {
			t.Errorf("WriteBlocks count %d: got %v", count, err)
		}
		// Count is checked before the address range.
		if err := f.dev.ReadBlocks(f.card.Blocks, buf, count); !errors.Is(err, sdmmc.ErrInvalidParameter) {
			t.Errorf("ReadBlocks count %d past end: got %v", count, err)
		}
		if err := f.dev.WriteBlocks(f.card.Blocks, buf, count); !errors.Is(err, sdmmc.ErrInvalidParameter) {
			t.Errorf("WriteBlocks count %d past end: got %v", count, err)
		}
	}
	if err := f.dev.ReadBlocks(0, buf[:512], 2); !errors.Is(err, sdmmc.ErrInvalidParameter) {
		t.Errorf("short buffer: got %v", err)
	}
	if err := f.dev.ReadBlock(f.card.Blocks, buf); !errors.Is(err, sdmmc.ErrAddressOutOfRange) {
		t.Errorf("past end: got %v", err)
	}
	if err := f.dev.ReadBlocks(f.card.Blocks-1, buf, 2); !errors.Is(err, sdmmc.ErrAddressOutOfRange) {
		t.Errorf("straddling end: got %v", err)
	}
	if cmds := f.bus.Commands(); len(cmds) != 0 {
		t.Errorf("rejected requests reached the bus: %v", cmds)
	}
	if err := f.dev.ReadBlock(f.card.Blocks-1, buf); err != nil {
		t.Errorf("last block: %v", err)
	}
}

func TestDataTimeout(t *testing.T) {
	// 0x0200_0000 cycles at 25MHz.
	const bound = 1342177280 * time.Nanosecond
	ops := []struct {
		name  string
		count uint32
		write bool
	}{
		{"ReadBlock", 1, false},
		{"ReadBlocks", 2, false},
		{"WriteBlock", 1, true},
		{"WriteBlocks", 2, true},
	}
	for _, kind := range []sdsim.Kind{sdsim.KindSDHC, sdsim.KindSDv1, sdsim.KindMMC} {
		f := newFixture(t, sdsim.CardConfig{Kind: kind, ProgramPolls: 3}, sdmmc.Config{})
		for _, op := range ops {
			buf := pattern(int(op.count)*512, byte(op.count))
			f.bus.SetFaults(sdsim.Faults{NoCompletion: 1})
			start := f.clk.Now()
			var err error
			switch {
			case op.write && op.count == 1:
				err = f.dev.WriteBlock(10, buf)
			case op.write:
				err = f.dev.WriteBlocks(10, buf, op.count)
			case op.count == 1:
				err = f.dev.ReadBlock(10, buf)
			default:
				err = f.dev.ReadBlocks(10, buf, op.count)
			}
			if !errors.Is(err, sdmmc.ErrDataTimeout) {
				t.Fatalf("%s %s: got %v, want %v", kind, op.name, err, sdmmc.ErrDataTimeout)
			}
			if elapsed := f.clk.Elapsed(start); elapsed > time.Duration(op.count)*bound+10*time.Millisecond {
				t.Errorf("%s %s: timeout took %v", kind, op.name, elapsed)
			}
			if f.bus.TransferActive() || f.dev.TransferBusy() {
				t.Errorf("%s %s: data path still armed after timeout", kind, op.name)
			}
			if state := f.bus.Card().State(); state != sd.StateTransfer {
				t.Errorf("%s %s: card left in %s after timeout", kind, op.name, state)
			}
			if f.bus.Status()&sdmmc.FlagsStatic&^(sdmmc.FlagCmdRespEnd) != 0 {
				t.Errorf("%s %s: stale flags after timeout: %#x", kind, op.name, f.bus.Status())
			}
			got := make([]byte, len(buf))
			if err := f.dev.ReadBlock(10, got); err != nil {
				t.Fatalf("%s %s: operation after timeout: %v", kind, op.name, err)
			}
			if op.write {
				if err := f.dev.WriteBlock(11, got[:512]); err != nil {
					t.Fatalf("%s %s: write after timeout: %v", kind, op.name, err)
				}
			}
		}
	}
}

func TestCommandCRCRecovery(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{})
	want := pattern(512, 9)
	f.bus.Card().SetBlock(3, want)
	buf := make([]byte, 512)
	f.bus.SetFaults(sdsim.Faults{CorruptCommands: 1})
	if err := f.dev.ReadBlock(3, buf); !errors.Is(err, sdmmc.ErrCmdResponseTimeout) {
		t.Fatalf("got %v, want %v", err, sdmmc.ErrCmdResponseTimeout)
	}
	if err := f.dev.ReadBlock(3, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, want) {
		t.Error("data mismatch after retry")
	}
}

func TestErase(t *testing.T) {
	for _, kind := range []sdsim.Kind{sdsim.KindSDHC, sdsim.KindSDv1, sdsim.KindMMC} {
		f := newFixture(t, sdsim.CardConfig{Kind: kind, ProgramPolls: 5}, sdmmc.Config{})
		data := pattern(4*512, 3)
		if err := f.dev.WriteBlocks(20, data, 4); err != nil {
			t.Fatal(err)
		}
		f.bus.ResetCommands()
		if err := f.dev.Erase(21, 22); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		cmds := f.bus.Commands()
		start, end := sd.CmdEraseWrBlkStart, sd.CmdEraseWrBlkEnd
		if kind == sdsim.KindMMC {
			start, end = sd.CmdEraseGroupStart, sd.CmdEraseGroupEnd
		}
		if len(cmds) < 4 || cmds[0] != start || cmds[1] != end || cmds[2] != sd.CmdErase {
			t.Errorf("%s erase sequence: %v", kind, cmds)
		}
		got := make([]byte, len(data))
		if err := f.dev.ReadBlocks(20, got, 4); err != nil {
			t.Fatal(err)
		}
		zero := make([]byte, 1024)
		if !bytes.Equal(got[:512], data[:512]) || !bytes.Equal(got[1536:], data[1536:]) {
			t.Errorf("%s: erase touched blocks outside range", kind)
		}
		if !bytes.Equal(got[512:1536], zero) {
			t.Errorf("%s: erased blocks not cleared", kind)
		}
	}
}

func TestEraseUnsupported(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC, NoErase: true}, sdmmc.Config{})
	f.bus.ResetCommands()
	if err := f.dev.Erase(0, 10); !errors.Is(err, sdmmc.ErrUnsupportedFeature) {
		t.Fatalf("got %v, want %v", err, sdmmc.ErrUnsupportedFeature)
	}
	if cmds := f.bus.Commands(); len(cmds) != 0 {
		t.Errorf("erase without class 5 issued commands: %v", cmds)
	}
}

func TestEraseBusyTimeout(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{})
	f.bus.SetFaults(sdsim.Faults{StuckBusy: true})
	start := f.clk.Now()
	err := f.dev.Erase(0, 10)
	if !errors.Is(err, sdmmc.ErrBusyTimeout) {
		t.Fatalf("got %v, want %v", err, sdmmc.ErrBusyTimeout)
	}
	if elapsed := f.clk.Elapsed(start); elapsed > 6*time.Second {
		t.Errorf("busy wait took %v", elapsed)
	}
	if err := f.dev.Erase(11, 10); !errors.Is(err, sdmmc.ErrInvalidParameter) {
		t.Errorf("reversed range: got %v", err)
	}
	if err := f.dev.Erase(0, f.card.Blocks); !errors.Is(err, sdmmc.ErrAddressOutOfRange) {
		t.Errorf("past end: got %v", err)
	}
}

func TestWriteProtect(t *testing.T) {
	protected := true
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{
		WriteProtect: func() bool { return protected },
	})
	if !f.dev.WriteProtected() {
		t.Fatal("switch not reported")
	}
	buf := pattern(2*512, 9)
	if err := f.dev.WriteBlock(0, buf); !errors.Is(err, sdmmc.ErrWriteProtected) {
		t.Errorf("write: got %v", err)
	}
	if err := f.dev.WriteBlocks(0, buf, 2); !errors.Is(err, sdmmc.ErrWriteProtected) {
		t.Errorf("multi write: got %v", err)
	}
	if err := f.dev.Erase(0, 1); !errors.Is(err, sdmmc.ErrWriteProtected) {
		t.Errorf("erase: got %v", err)
	}
	if err := f.dev.ReadBlock(0, buf); err != nil {
		t.Errorf("read while protected: %v", err)
	}
	protected = false
	if err := f.dev.WriteBlock(0, buf); err != nil {
		t.Errorf("write after unprotect: %v", err)
	}
}

func TestBusWidthLimits(t *testing.T) {
	f := newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC, No4Bit: true}, sdmmc.Config{})
	if f.card.BusWidth != sdmmc.BusWidth1 {
		t.Errorf("1 bit card negotiated %d bits", f.card.BusWidth)
	}
	f = newFixture(t, sdsim.CardConfig{Kind: sdsim.KindSDHC}, sdmmc.Config{MaxBusWidth: sdmmc.BusWidth1})
	if f.card.BusWidth != sdmmc.BusWidth1 || !f.card.SCR.Supports4Bit() {
		t.Errorf("host limit ignored: %d bits", f.card.BusWidth)
	}
}

func TestReadAtFAT32(t *testing.T) {
	const size = 64 << 20
	hello := []byte("fat on a simulated card\n")
	img, err := sdsim.FormatFAT32(size, "SDMMC", sdsim.File{Name: "README.TXT", Data: hello})
	if err != nil {
		t.Fatal(err)
	}
	card := sdsim.NewCard(sdsim.CardConfig{Kind: sdsim.KindSDHC, Blocks: size / 512})
	if err := card.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	bus := sdsim.NewBus(card)
	t.Cleanup(bus.Wait)
	dev := sdmmc.New(bus)
	c, err := dev.Init(sdmmc.Config{Clock: sdsim.NewClock(clockStep)})
	if err != nil {
		t.Fatal(err)
	}
	if c.Size() != size {
		t.Fatalf("size %d", c.Size())
	}
	var r io.ReaderAt = dev
	boot := make([]byte, 512)
	if _, err := r.ReadAt(boot, 0); err != nil {
		t.Fatal(err)
	}
	if boot[510] != 0x55 || boot[511] != 0xAA || string(boot[82:90]) != "FAT32   " {
		t.Fatalf("bad boot sector: % x", boot[80:96])
	}
	chunk := make([]byte, 64*512)
	n, err := dev.ReadAt(chunk, 64*512)
	if err != nil || n != len(chunk) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(chunk, img[64*512:128*512]) {
		t.Error("ReadAt contents differ from image")
	}
	if _, err := dev.ReadAt(boot, size); err != io.EOF {
		t.Errorf("read at end: got %v", err)
	}
	if _, err := dev.ReadAt(boot[:100], 0); !errors.Is(err, sdmmc.ErrInvalidParameter) {
		t.Errorf("partial block: got %v", err)
	}
	var w io.WriterAt = dev
	if _, err := w.WriteAt(boot, 3); !errors.Is(err, sdmmc.ErrInvalidParameter) {
		t.Errorf("unaligned write: got %v", err)
	}
	copy(boot, "overwritten")
	if _, err := w.WriteAt(boot, 1024); err != nil {
		t.Fatal(err)
	}
	blk := card.Block(2)
	if !bytes.Equal(blk[:], boot) {
		t.Error("WriteAt did not reach block 2")
	}
}
