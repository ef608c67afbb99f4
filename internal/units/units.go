// Package units provides the measurement units carried in telemetry samples
// and conversions from instrument unit flags to canonical units.
package units

import "fmt"

// Canonical units reported in telemetry measurements.
const (
	MetersPerSecond  = "m/s"
	Degrees          = "deg"
	Celsius          = "°C"
	RelativeHumidity = "%RH"
	Millibar         = "mbar"
)

// Wind speed unit flags as reported in the fourth field of a Gill wind
// report. Instruments are normally configured for m/s but the other flags
// appear when a unit has been reconfigured in the field.
const (
	FlagMetersPerSecond   = "M"
	FlagKnots             = "N"
	FlagMilesPerHour      = "P"
	FlagKilometersPerHour = "K"
	FlagFeetPerMinute     = "F"
)

// SpeedToMPS converts a wind speed reported under the given unit flag to
// meters per second. An unrecognized flag returns an error so the caller can
// invalidate the sample.
func SpeedToMPS(speed float64, flag string) (float64, error) {
	switch flag {
	case FlagMetersPerSecond:
		return speed, nil
	case FlagKnots:
		return speed * 0.514444, nil
	case FlagMilesPerHour:
		return speed * 0.44704, nil
	case FlagKilometersPerHour:
		return speed / 3.6, nil
	case FlagFeetPerMinute:
		return speed * 0.00508, nil
	default:
		return 0, fmt.Errorf("unknown wind speed unit flag %q", flag)
	}
}
