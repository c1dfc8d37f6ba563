package main

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
)

// burst is the CMD line data sampled between two idle gaps of a native bus
// capture.
type burst struct {
	Data  []byte
	Start float64
}

// idleBits is the number of consecutive high CMD samples that end a burst.
const idleBits = 64

// parseCSV reads a Saleae digital CSV export with columns time, DAT3, CMD and
// CLK. The CMD line is sampled on rising CLK edges and split into bursts at
// idle gaps, padding the final byte of each burst with ones.
func parseCSV(r io.Reader) ([]burst, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, err
	}
	if len(header) < 4 {
		return nil, errors.New("sdanalyze: CSV needs time, DAT3, CMD and CLK columns")
	}
	var (
		bursts  []burst
		current burst
		acc     uint8
		nbits   uint8
		ones    int
		prevCLK = -1
	)
	flush := func() {
		if nbits > 0 {
			acc = acc<<(8-nbits) | 0xff>>nbits
			current.Data = append(current.Data, acc)
			acc, nbits = 0, 0
		}
		if len(current.Data) > 0 {
			bursts = append(bursts, current)
		}
		current = burst{}
	}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		t, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, err
		}
		cmd, _ := strconv.Atoi(record[2])
		clk, _ := strconv.Atoi(record[3])
		rising := prevCLK == 0 && clk == 1
		prevCLK = clk
		if !rising {
			continue
		}
		if cmd == 1 {
			ones++
			if ones >= idleBits && len(current.Data) > 0 {
				flush()
				continue
			}
			if len(current.Data) == 0 && nbits == 0 {
				continue // Idle line.
			}
		} else {
			ones = 0
			if len(current.Data) == 0 && nbits == 0 {
				current.Start = t
			}
		}
		acc = acc<<1 | uint8(cmd&1)
		nbits++
		if nbits == 8 {
			current.Data = append(current.Data, acc)
			acc, nbits = 0, 0
		}
	}
	flush()
	return bursts, nil
}
