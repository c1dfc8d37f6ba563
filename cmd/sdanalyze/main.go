package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/sdmmc/sd"
)

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "sdanalyze - Decode SD/MMC command frames from Binary Saleae digital data files.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	cmdline := flag.String("f-cmd", "digital_1.bin", "Input filename: CMD (or MOSI) line data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: DAT3/CS line data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: CLK line data.")
	output := flag.String("o-cmd", "", "Output filename of decoded commands. Defaults to stdout.")
	flagResponses := flag.Bool("responses", false, "Also decode card responses with a valid CRC (native bus captures).")
	flagSkipRepeats := flag.Bool("collapse", true, "Collapse consecutive identical commands into one line with a count.")
	flagCSV := flag.String("csv", "", "Read a digital CSV export (time, DAT3, CMD, CLK) of a native bus capture instead of binary files.")
	flag.Parse()

	start := time.Now()
	var bursts []burst
	var err error
	if *flagCSV != "" {
		bursts, err = readCSV(*flagCSV)
	} else {
		bursts, err = scanSPIFiles(*cmdline, *clk, *enable)
	}
	if err != nil {
		slog.Error("reading captures", slog.String("err", err.Error()))
		os.Exit(1)
	}
	var w io.Writer = os.Stdout
	if *output != "" {
		fp, err := os.Create(*output)
		if err != nil {
			slog.Error("creating output", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer fp.Close()
		w = fp
	}
	an := analyzer{responses: *flagResponses, collapse: *flagSkipRepeats}
	for _, b := range bursts {
		an.feed(b.Data, b.Start)
	}
	if err := an.write(w); err != nil {
		slog.Error("writing output", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("finished", slog.Int("frames", len(an.frames)), slog.Int("badcrc", an.badCRC), slog.Duration("took", time.Since(start)))
}

func readCSV(filename string) ([]burst, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return parseCSV(fp)
}

func scanSPIFiles(fcmd, fclk, fenable string) ([]burst, error) {
	cmd, err := opendigital(fcmd)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, cmd, cmd)
	bursts := make([]burst, len(txs))
	for i, tx := range txs {
		bursts[i] = burst{Data: tx.SDO, Start: tx.StartTime()}
	}
	return bursts, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// frame is a command or response found in the bit stream.
type frame struct {
	Cmd      sd.Command
	Arg      uint32
	App      bool // Preceded by APP_CMD.
	Response bool
	Start    float64
	Count    int
}

func (f frame) String() string {
	name := f.Cmd.String()
	prefix := "CMD"
	if f.App {
		name = sd.AppCommand(f.Cmd).String()
		prefix = "ACMD"
	}
	if f.Response {
		return fmt.Sprintf("  rsp%-3d %-22s %#08x", f.Cmd, name, f.Arg)
	}
	return fmt.Sprintf("%s%-3d %-22s arg=%#08x", prefix, f.Cmd, name, f.Arg)
}

type analyzer struct {
	responses bool
	collapse  bool
	frames    []frame
	badCRC    int
	appNext   bool
}

// feed scans data for frames at any bit alignment. Frames are 48 bits:
// start bit 0, direction bit, 6 bit index, 32 bit argument, CRC7 and end bit 1.
func (an *analyzer) feed(data []byte, t float64) {
	nbits := len(data) * 8
	for bit := 0; bit+48 <= nbits; {
		raw, ok := extract(data, bit)
		if !ok {
			bit++
			continue
		}
		f, ok := an.decode(raw)
		if !ok {
			bit++
			continue
		}
		f.Start = t
		an.add(f)
		bit += 48
	}
}

func (an *analyzer) decode(raw [sd.FrameLen]byte) (frame, bool) {
	if raw[0]&0x40 == 0 {
		// Card to host. Only responses carrying a CRC7 over the status word.
		if !an.responses || raw[5]>>1 != sd.CRC7(raw[:5]) {
			return frame{}, false
		}
		arg := uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
		return frame{Cmd: sd.Command(raw[0] & 0x3f), Arg: arg, Response: true, Count: 1}, true
	}
	idx, arg, ok := sd.DecodeCommand(raw)
	if !ok {
		an.badCRC++
		return frame{}, false
	}
	f := frame{Cmd: idx, Arg: arg, App: an.appNext, Count: 1}
	an.appNext = idx == sd.CmdAppCmd
	return f, true
}

// extract returns the 6 bytes starting at bit offset off (MSB first). ok is
// false if the start and end bits do not frame a message.
func extract(data []byte, off int) (raw [sd.FrameLen]byte, ok bool) {
	for i := range raw {
		raw[i] = byteAt(data, off+8*i)
	}
	return raw, raw[0]&0x80 == 0 && raw[5]&1 == 1
}

func byteAt(data []byte, off int) byte {
	idx, shift := off/8, off%8
	b := data[idx] << shift
	if shift != 0 && idx+1 < len(data) {
		b |= data[idx+1] >> (8 - shift)
	}
	return b
}

func (an *analyzer) add(f frame) {
	if n := len(an.frames); an.collapse && n > 0 {
		last := &an.frames[n-1]
		if last.Cmd == f.Cmd && last.Arg == f.Arg && last.App == f.App && last.Response == f.Response {
			last.Count++
			return
		}
	}
	an.frames = append(an.frames, f)
}

func (an *analyzer) write(w io.Writer) error {
	for _, f := range an.frames {
		_, err := fmt.Fprintf(w, "t=%f\tx%-3d %s\n", f.Start, f.Count, f.String())
		if err != nil {
			return err
		}
	}
	return nil
}
