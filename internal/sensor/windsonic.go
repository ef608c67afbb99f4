package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/units"
)

// Framing bytes of the Gill polar wind report.
const (
	windSTX = 0x02
	windETX = 0x03
)

// windSonic decodes the Gill WindSonic 2D polar report:
//
//	<STX>Q,036,002.57,M,00,<ETX>A8
//
// node address, wind direction in degrees, wind speed, speed unit flag,
// status code, then ETX and the two-digit hex XOR checksum of everything
// between STX and ETX. Below the instrument's direction threshold the
// direction field is empty.
type windSonic struct{}

func newWindSonic() *windSonic {
	return &windSonic{}
}

func (w *windSonic) Variant() string                { return VariantWindSonic }
func (w *windSonic) Terminator() string             { return "\r\n" }
func (w *windSonic) DefaultBaudRate() int           { return 9600 }
func (w *windSonic) MinPollInterval() time.Duration { return time.Second }

func (w *windSonic) NullMeasurements() []protocol.Measurement {
	return []protocol.Measurement{
		{Value: math.NaN(), Unit: units.Degrees, Channel: 0},
		{Value: math.NaN(), Unit: units.MetersPerSecond, Channel: 1},
	}
}

func (w *windSonic) Decode(line []byte) ([]protocol.Measurement, error) {
	if len(line) == 0 || line[0] != windSTX {
		return nil, fmt.Errorf("missing STX framing byte")
	}
	etx := -1
	for i, b := range line {
		if b == windETX {
			etx = i
			break
		}
	}
	if etx < 0 {
		return nil, fmt.Errorf("missing ETX framing byte")
	}
	if len(line) != etx+3 {
		return nil, fmt.Errorf("expected two checksum digits after ETX, got %d bytes", len(line)-etx-1)
	}

	payload := line[1:etx]
	wantSum, err := strconv.ParseUint(string(line[etx+1:]), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("bad checksum field %q", line[etx+1:])
	}
	if gotSum := xorChecksum(payload); gotSum != byte(wantSum) {
		return nil, fmt.Errorf("checksum mismatch: computed %02X, reported %02X", gotSum, wantSum)
	}

	// Node, direction, speed, unit flag, status, then the empty field left
	// by the trailing comma.
	fields := strings.Split(string(payload), ",")
	if len(fields) != 6 || fields[5] != "" {
		return nil, fmt.Errorf("expected 5 comma-terminated fields, got %q", payload)
	}
	if len(fields[0]) != 1 || fields[0][0] < 'A' || fields[0][0] > 'Z' {
		return nil, fmt.Errorf("bad node address %q", fields[0])
	}

	direction := math.NaN()
	if fields[1] != "" {
		d, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad wind direction %q", fields[1])
		}
		if d < 0 || d > 359 {
			return nil, fmt.Errorf("wind direction %v out of range 0..359", d)
		}
		direction = d
	}

	rawSpeed, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("bad wind speed %q", fields[2])
	}
	speed, err := units.SpeedToMPS(rawSpeed, fields[3])
	if err != nil {
		return nil, err
	}

	if fields[4] != "00" {
		return nil, fmt.Errorf("instrument status %s", fields[4])
	}

	return []protocol.Measurement{
		{Value: direction, Unit: units.Degrees, Channel: 0},
		{Value: speed, Unit: units.MetersPerSecond, Channel: 1},
	}, nil
}
