package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
	"github.com/soypat/sdmmc"
	"github.com/soypat/sdmmc/internal/sdsim"
	"github.com/soypat/sdmmc/sd"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "sdmon - Run the SD/MMC driver against a simulated card and monitor its health.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flagKind := flag.String("kind", "sdhc", "Simulated card kind: sdhc, sdv2, sdv1 or mmc.")
	flagBlocks := flag.Uint("blocks", 0, "Card capacity in 512 byte blocks. Zero selects the simulator default.")
	flagMkfs := flag.Bool("mkfs", false, "Format the card with a FAT32 filesystem before initializing.")
	flagLabel := flag.String("label", "SDMON", "Volume label used with -mkfs.")
	flagWidth := flag.Uint("width", 4, "Maximum data bus width (1 or 4).")
	flagInterval := flag.Duration("interval", time.Second, "Health check interval.")
	flagCount := flag.Int("n", 5, "Number of health checks. Zero or negative runs until interrupted.")
	flagBroker := flag.String("mqtt", "", "MQTT broker address (host:port). Empty disables publishing.")
	flagTopic := flag.String("topic", "sdmon/health", "MQTT topic health reports are published to.")
	flagVerbose := flag.Bool("v", false, "Log every bus command.")
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug - 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	kind, err := parseKind(*flagKind)
	if err != nil {
		fatal(logger, "flags", err)
	}
	card := sdsim.NewCard(sdsim.CardConfig{Kind: kind, Blocks: uint32(*flagBlocks)})
	if *flagMkfs {
		img, err := sdsim.FormatFAT32(int64(card.Blocks())*sd.BlockSize, *flagLabel,
			sdsim.File{Name: "README.TXT", Data: []byte("simulated card formatted by sdmon\n")})
		if err != nil {
			fatal(logger, "mkfs", err)
		}
		if err := card.LoadImage(img); err != nil {
			fatal(logger, "mkfs", err)
		}
	}

	dev := sdmmc.New(sdsim.NewBus(card))
	cfg := sdmmc.DefaultConfig()
	cfg.Logger = logger
	cfg.MaxBusWidth = sdmmc.BusWidth1
	if *flagWidth == 4 {
		cfg.MaxBusWidth = sdmmc.BusWidth4
	}
	info, err := dev.Init(cfg)
	if err != nil {
		fatal(logger, "init", err)
	}
	printCard(os.Stdout, info)

	var pub *publisher
	if *flagBroker != "" {
		pub, err = dialPublisher(*flagBroker, *flagTopic, logger)
		if err != nil {
			fatal(logger, "mqtt", err)
		}
		defer pub.Close()
	}

	buf := make([]byte, sd.BlockSize)
	var payload []byte
	for i := 0; *flagCount <= 0 || i < *flagCount; i++ {
		if i > 0 {
			time.Sleep(*flagInterval)
		}
		h := checkHealth(dev, buf)
		payload = h.AppendPayload(payload[:0])
		logger.Info("health", slog.String("state", h.State.String()), slog.Bool("boot", h.BootSignature), slog.Any("err", h.Err))
		if pub != nil {
			if err := pub.Publish(payload); err != nil {
				logger.Error("mqtt:publish-failed", slog.String("reason", err.Error()))
			}
		}
	}
	if err := dev.Deinit(); err != nil {
		fatal(logger, "deinit", err)
	}
}

func fatal(logger *slog.Logger, stage string, err error) {
	logger.Error(stage, slog.String("err", err.Error()))
	os.Exit(1)
}

func parseKind(s string) (sdsim.Kind, error) {
	for _, k := range []sdsim.Kind{sdsim.KindSDHC, sdsim.KindSDv2, sdsim.KindSDv1, sdsim.KindMMC} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, errors.New("unknown card kind " + s)
}

func printCard(w io.Writer, c sdmmc.Card) {
	fmt.Fprintf(w, "type:     %s\n", c.Type)
	fmt.Fprintf(w, "rca:      %#04x\n", c.RCA)
	fmt.Fprintf(w, "capacity: %d blocks (%d MiB)\n", c.Blocks, c.Size()>>20)
	fmt.Fprintf(w, "bus:      %d bit\n", c.BusWidth)
	fmt.Fprintf(w, "cid:      %s\n", c.CID)
	fmt.Fprintf(w, "csd:      %s\n", c.CSD)
}

// health is the result of one health check of the card.
type health struct {
	State         sd.CardState
	Blocks        uint32
	BootSignature bool // Block 0 ends in 0x55AA.
	Latency       time.Duration
	Err           error
}

// checkHealth queries the card status and reads block 0.
func checkHealth(dev *sdmmc.Device, buf []byte) (h health) {
	start := time.Now()
	h.Blocks = dev.CapacityBlocks()
	h.State, h.Err = dev.QueryStatus()
	if h.Err != nil {
		return h
	}
	h.Err = dev.ReadBlock(0, buf)
	h.Latency = time.Since(start)
	if h.Err == nil {
		h.BootSignature = buf[510] == 0x55 && buf[511] == 0xAA
	}
	return h
}

// AppendPayload appends the MQTT message body for h to b.
func (h health) AppendPayload(b []byte) []byte {
	errstr := "none"
	if h.Err != nil {
		errstr = h.Err.Error()
	}
	return fmt.Appendf(b, "state=%s blocks=%d boot=%t latency=%s err=%q",
		h.State, h.Blocks, h.BootSignature, h.Latency, errstr)
}

type publisher struct {
	conn   net.Conn
	client *mqtt.Client
	flags  mqtt.PacketFlags
	vars   mqtt.VariablesPublish
	logger *slog.Logger
}

func dialPublisher(addr, topic string, logger *slog.Logger) (*publisher, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(_ mqtt.Header, varPub mqtt.VariablesPublish, _ io.Reader) error {
			logger.Debug("mqtt:received", slog.String("topic", string(varPub.TopicName)))
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte("sdmon"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("mqtt:start-connecting", slog.String("broker", addr))
	if err := client.Connect(ctx, conn, &varconn); err != nil {
		conn.Close()
		return nil, err
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &publisher{
		conn:   conn,
		client: client,
		flags:  flags,
		vars:   mqtt.VariablesPublish{TopicName: []byte(topic), PacketIdentifier: 1},
		logger: logger,
	}, nil
}

func (p *publisher) Publish(payload []byte) error {
	if !p.client.IsConnected() {
		return p.client.Err()
	}
	p.conn.SetDeadline(time.Now().Add(5 * time.Second))
	p.vars.PacketIdentifier++
	return p.client.PublishPayload(p.flags, p.vars, payload)
}

func (p *publisher) Close() error {
	return p.conn.Close()
}
