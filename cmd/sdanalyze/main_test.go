package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/soypat/sdmmc/sd"
)

func cmdFrame(idx sd.Command, arg uint32) []byte {
	var f [sd.FrameLen]byte
	sd.EncodeCommand(&f, idx, arg)
	return f[:]
}

// shifted returns data delayed by n bits with an idle (high) line before it.
func shifted(data []byte, n int) []byte {
	out := make([]byte, len(data)+2)
	for i := range out {
		out[i] = 0xff
	}
	for bit := 0; bit < len(data)*8; bit++ {
		v := data[bit/8] >> (7 - bit%8) & 1
		dst := bit + n + 8
		if v == 0 {
			out[dst/8] &^= 1 << (7 - dst%8)
		}
	}
	return out
}

func TestFeedAligned(t *testing.T) {
	var stream []byte
	stream = append(stream, 0xff, 0xff)
	stream = append(stream, cmdFrame(sd.CmdGoIdleState, 0)...)
	stream = append(stream, cmdFrame(sd.CmdSendIfCond, sd.IfCondArg)...)
	stream = append(stream, 0xff)
	var an analyzer
	an.feed(stream, 1.5)
	if len(an.frames) != 2 {
		t.Fatalf("want 2 frames, got %d: %+v", len(an.frames), an.frames)
	}
	if an.frames[0].Cmd != sd.CmdGoIdleState || an.frames[1].Cmd != sd.CmdSendIfCond {
		t.Errorf("frames decoded out of order: %+v", an.frames)
	}
	if an.frames[1].Arg != sd.IfCondArg || an.frames[1].Start != 1.5 {
		t.Errorf("bad CMD8 frame %+v", an.frames[1])
	}
}

func TestFeedUnaligned(t *testing.T) {
	for shift := 0; shift < 8; shift++ {
		data := shifted(cmdFrame(sd.CmdReadSingleBlock, 0x800), shift)
		var an analyzer
		an.feed(data, 0)
		if len(an.frames) != 1 {
			t.Fatalf("shift %d: got %d frames", shift, len(an.frames))
		}
		if f := an.frames[0]; f.Cmd != sd.CmdReadSingleBlock || f.Arg != 0x800 {
			t.Errorf("shift %d: %+v", shift, f)
		}
	}
}

func TestAppCommandNaming(t *testing.T) {
	var stream []byte
	stream = append(stream, cmdFrame(sd.CmdAppCmd, 0)...)
	stream = append(stream, cmdFrame(sd.Command(sd.ACmdSDSendOpCond), sd.OpCondVoltageWindow)...)
	stream = append(stream, cmdFrame(sd.CmdSendStatus, 0)...)
	var an analyzer
	an.feed(stream, 0)
	if len(an.frames) != 3 {
		t.Fatalf("got %d frames", len(an.frames))
	}
	if an.frames[0].App || !an.frames[1].App || an.frames[2].App {
		t.Errorf("application flags wrong: %+v", an.frames)
	}
	if s := an.frames[1].String(); !strings.HasPrefix(s, "ACMD41") || !strings.Contains(s, sd.ACmdSDSendOpCond.String()) {
		t.Errorf("unexpected ACMD formatting %q", s)
	}
}

func TestBadCRCRejected(t *testing.T) {
	frame := cmdFrame(sd.CmdSendStatus, 0x12340000)
	frame[5] ^= 0x02
	var an analyzer
	an.feed(frame, 0)
	if len(an.frames) != 0 {
		t.Fatalf("corrupt frame decoded: %+v", an.frames)
	}
	if an.badCRC != 1 {
		t.Errorf("badCRC=%d", an.badCRC)
	}
}

func TestResponses(t *testing.T) {
	rsp := cmdFrame(sd.CmdSendStatus, 0x900)
	rsp[0] &^= 0x40
	rsp[5] = sd.CRC7(rsp[:5])<<1 | 1
	var an analyzer
	an.feed(rsp, 0)
	if len(an.frames) != 0 {
		t.Fatal("responses decoded while disabled")
	}
	an.responses = true
	an.feed(rsp, 0)
	if len(an.frames) != 1 || !an.frames[0].Response || an.frames[0].Arg != 0x900 {
		t.Fatalf("response not decoded: %+v", an.frames)
	}
}

func TestCollapse(t *testing.T) {
	an := analyzer{collapse: true}
	for i := 0; i < 5; i++ {
		an.feed(cmdFrame(sd.CmdSendStatus, 0xB3680000), float64(i))
	}
	an.feed(cmdFrame(sd.CmdReadSingleBlock, 0), 5)
	if len(an.frames) != 2 || an.frames[0].Count != 5 {
		t.Fatalf("collapse: %+v", an.frames)
	}
	var buf bytes.Buffer
	if err := an.write(&buf); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("wrote %d lines:\n%s", lines, buf.String())
	}
}

func TestParseCSV(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Time [s],DAT3,CMD,CLK\n")
	tm := 0.0
	sample := func(cmd int) {
		// Falling then rising edge per bit.
		fmt.Fprintf(&sb, "%.7f,1,%d,0\n", tm, cmd)
		tm += 1e-6
		fmt.Fprintf(&sb, "%.7f,1,%d,1\n", tm, cmd)
		tm += 1e-6
	}
	idle := func(n int) {
		for i := 0; i < n; i++ {
			sample(1)
		}
	}
	bits := func(frame []byte) {
		for _, b := range frame {
			for i := 7; i >= 0; i-- {
				sample(int(b>>i) & 1)
			}
		}
	}
	idle(10)
	bits(cmdFrame(sd.CmdAppCmd, 0xB3680000))
	idle(3)
	bits(cmdFrame(sd.Command(sd.ACmdSetBusWidth), sd.BusWidth4Arg))
	idle(100)
	bits(cmdFrame(sd.CmdSendStatus, 0xB3680000))
	idle(5)

	bursts, err := parseCSV(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatal(err)
	}
	if len(bursts) != 2 {
		t.Fatalf("want 2 bursts, got %d", len(bursts))
	}
	if bursts[0].Start <= 0 || bursts[1].Start <= bursts[0].Start {
		t.Errorf("burst start times %v %v", bursts[0].Start, bursts[1].Start)
	}
	var an analyzer
	for _, b := range bursts {
		an.feed(b.Data, b.Start)
	}
	if len(an.frames) != 3 {
		t.Fatalf("want 3 frames, got %+v", an.frames)
	}
	if !an.frames[1].App || sd.AppCommand(an.frames[1].Cmd) != sd.ACmdSetBusWidth {
		t.Errorf("ACMD6 not recognized: %+v", an.frames[1])
	}
	if an.frames[2].Cmd != sd.CmdSendStatus || an.frames[2].App {
		t.Errorf("CMD13: %+v", an.frames[2])
	}
}
