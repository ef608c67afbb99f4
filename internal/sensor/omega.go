package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data"

	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/units"
)

// omegaValues is the channel count of both Omega variants.
const omegaValues = 3

// omega decodes the Omega HX85A and HX85BA combined humidity instruments:
//
//	%RH=38.86,AT°C=24.32,DP°C=14.90    (HX85A)
//	%RH=38.86,AT°C=24.32,Pmb=911.40    (HX85BA)
//
// The instrument transmits ISO-8859-1, so the degree signs are translated to
// UTF-8 before parsing. Values are positional; the prefixes are not checked,
// which lets a partial first line after connect decode into its trailing
// channels with the leading ones null-filled.
type omega struct {
	variant   string
	lastUnit  string
	translate charset.Translator
}

func newOmega(variant string) (*omega, error) {
	tr, err := charset.TranslatorFrom("latin1")
	if err != nil {
		return nil, fmt.Errorf("latin1 translator: %w", err)
	}
	lastUnit := units.Celsius
	if variant == VariantHX85BA {
		lastUnit = units.Millibar
	}
	return &omega{variant: variant, lastUnit: lastUnit, translate: tr}, nil
}

func (o *omega) Variant() string                { return o.variant }
func (o *omega) Terminator() string             { return "\n\r" }
func (o *omega) DefaultBaudRate() int           { return 19200 }
func (o *omega) MinPollInterval() time.Duration { return time.Second }

func (o *omega) NullMeasurements() []protocol.Measurement {
	return []protocol.Measurement{
		{Value: math.NaN(), Unit: units.RelativeHumidity, Channel: 0},
		{Value: math.NaN(), Unit: units.Celsius, Channel: 1},
		{Value: math.NaN(), Unit: o.lastUnit, Channel: 2},
	}
}

func (o *omega) Decode(line []byte) ([]protocol.Measurement, error) {
	_, utf8Line, err := o.translate.Translate(line, true)
	if err != nil {
		return nil, fmt.Errorf("charset translation: %w", err)
	}

	values, err := parseAssignments(string(utf8Line), omegaValues, "")
	if err != nil {
		return nil, err
	}

	return []protocol.Measurement{
		{Value: values[0], Unit: units.RelativeHumidity, Channel: 0},
		{Value: values[1], Unit: units.Celsius, Channel: 1},
		{Value: values[2], Unit: o.lastUnit, Channel: 2},
	}, nil
}

// parseAssignments splits a comma-delimited list of prefix=value items into
// count values. An item without "=" decodes to NaN, as does a value matching
// disconnected. Missing leading items are null-filled so a line caught
// mid-transmission keeps its trailing channels aligned.
func parseAssignments(line string, count int, disconnected string) ([]float64, error) {
	items := strings.Split(line, ",")
	if len(items) > count {
		return nil, fmt.Errorf("expected at most %d fields, got %d", count, len(items))
	}

	values := make([]float64, 0, count)
	for _, item := range items {
		parts := strings.Split(item, "=")
		switch len(parts) {
		case 1:
			values = append(values, math.NaN())
		case 2:
			if disconnected != "" && parts[1] == disconnected {
				values = append(values, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad value in field %q", item)
			}
			values = append(values, v)
		default:
			return nil, fmt.Errorf("at most one '=' expected in field %q", item)
		}
	}

	for len(values) < count {
		values = append([]float64{math.NaN()}, values...)
	}
	return values, nil
}
