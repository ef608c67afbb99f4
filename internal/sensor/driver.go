// Package sensor implements the line-protocol decoders for the supported
// environmental instruments. Each driver turns one raw line from its
// transport into an ordered set of measurements; a decode error marks the
// sample invalid without stopping the poll loop.
package sensor

import (
	"fmt"
	"time"

	"github.com/cerro-obs/sensorhub/internal/protocol"
)

// Variant names accepted in a sensor configuration.
const (
	VariantWindSonic   = "windsonic"
	VariantHX85A       = "hx85a"
	VariantHX85BA      = "hx85ba"
	VariantTemperature = "temperature"
)

// Channel limits for the multi-probe temperature instrument.
const (
	MinChannels = 1
	MaxChannels = 16
)

// Driver decodes one instrument's line protocol. Implementations are used by
// a single poll goroutine and need not be safe for concurrent use.
type Driver interface {
	// Variant returns the variant name the driver was built for.
	Variant() string

	// Terminator returns the line terminator the instrument transmits.
	Terminator() string

	// DefaultBaudRate returns the factory baud rate of the instrument.
	DefaultBaudRate() int

	// MinPollInterval returns the shortest safe time between polls.
	MinPollInterval() time.Duration

	// Decode parses one line, without its terminator, into ordered
	// measurements. A nil error with NaN values reports a valid sample with
	// null channels (calm wind, disconnected probe, partial first line). An
	// error reports an invalid sample; the returned reason is carried in
	// the telemetry.
	Decode(line []byte) ([]protocol.Measurement, error)

	// NullMeasurements returns the driver's channel layout with every value
	// NaN, the payload of a sample whose read or decode failed.
	NullMeasurements() []protocol.Measurement
}

// New builds the driver for the given variant. channels is only meaningful
// for the temperature variant and gives its probe count.
func New(variant string, channels int) (Driver, error) {
	switch variant {
	case VariantWindSonic:
		return newWindSonic(), nil
	case VariantHX85A, VariantHX85BA:
		d, err := newOmega(variant)
		if err != nil {
			return nil, err
		}
		return d, nil
	case VariantTemperature:
		if channels < MinChannels || channels > MaxChannels {
			return nil, fmt.Errorf("temperature channels %d out of range %d..%d", channels, MinChannels, MaxChannels)
		}
		return newTemperature(channels), nil
	default:
		return nil, fmt.Errorf("unknown sensor variant %q", variant)
	}
}

// KnownVariant reports whether variant names a supported instrument.
func KnownVariant(variant string) bool {
	switch variant {
	case VariantWindSonic, VariantHX85A, VariantHX85BA, VariantTemperature:
		return true
	}
	return false
}

// xorChecksum folds data with XOR, the checksum both the Gill and SEL
// instruments transmit.
func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
