package sensor

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/units"
)

// disconnectedValue is the reading a multi-probe temperature unit reports
// for a channel with no probe attached. Matched textually before numeric
// parsing.
const disconnectedValue = "9999.9990"

// temperature decodes the SEL multi-probe RTD instruments:
//
//	C00=0010.1100,C01=0009.9896*4D
//
// one zero-padded value per channel, with a disconnected probe reporting
// 9999.9990. Units in the field may append a NMEA-style XOR checksum of the
// preceding characters after '*'; when present it is verified.
type temperature struct {
	channels int
}

func newTemperature(channels int) *temperature {
	return &temperature{channels: channels}
}

func (t *temperature) Variant() string                { return VariantTemperature }
func (t *temperature) Terminator() string             { return "\r\n" }
func (t *temperature) DefaultBaudRate() int           { return 19200 }
func (t *temperature) MinPollInterval() time.Duration { return 2 * time.Second }

func (t *temperature) Channels() int { return t.channels }

func (t *temperature) NullMeasurements() []protocol.Measurement {
	ms := make([]protocol.Measurement, t.channels)
	for i := range ms {
		ms[i] = protocol.Measurement{Value: math.NaN(), Unit: units.Celsius, Channel: i}
	}
	return ms
}

func (t *temperature) Decode(line []byte) ([]protocol.Measurement, error) {
	if star := bytes.LastIndexByte(line, '*'); star >= 0 {
		sumField := line[star+1:]
		if len(sumField) != 2 {
			return nil, fmt.Errorf("expected two checksum digits after '*', got %q", sumField)
		}
		wantSum, err := strconv.ParseUint(string(sumField), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad checksum field %q", sumField)
		}
		if gotSum := xorChecksum(line[:star]); gotSum != byte(wantSum) {
			return nil, fmt.Errorf("checksum mismatch: computed %02X, reported %02X", gotSum, wantSum)
		}
		line = line[:star]
	}

	values, err := parseAssignments(string(line), t.channels, disconnectedValue)
	if err != nil {
		return nil, err
	}

	measurements := make([]protocol.Measurement, t.channels)
	for i, v := range values {
		measurements[i] = protocol.Measurement{Value: v, Unit: units.Celsius, Channel: i}
	}
	return measurements, nil
}
