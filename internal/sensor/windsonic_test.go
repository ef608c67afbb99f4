package sensor

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerro-obs/sensorhub/internal/units"
)

// windLine frames payload between STX/ETX and appends the XOR checksum the
// instrument would transmit.
func windLine(payload string) []byte {
	var sum byte
	for _, b := range []byte(payload) {
		sum ^= b
	}
	return []byte(fmt.Sprintf("\x02%s\x03%02X", payload, sum))
}

func TestWindSonicDecode(t *testing.T) {
	t.Parallel()
	d := newWindSonic()

	ms, err := d.Decode(windLine("Q,036,002.57,M,00,"))
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.InDelta(t, 36.0, ms[0].Value, 1e-9)
	assert.Equal(t, units.Degrees, ms[0].Unit)
	assert.Equal(t, 0, ms[0].Channel)

	assert.InDelta(t, 2.57, ms[1].Value, 1e-9)
	assert.Equal(t, units.MetersPerSecond, ms[1].Unit)
	assert.Equal(t, 1, ms[1].Channel)
}

func TestWindSonicDecodeCalmAir(t *testing.T) {
	t.Parallel()
	d := newWindSonic()

	// Below the direction threshold the instrument leaves the field empty.
	ms, err := d.Decode(windLine("Q,,000.03,M,00,"))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.True(t, math.IsNaN(ms[0].Value))
	assert.InDelta(t, 0.03, ms[1].Value, 1e-9)
}

func TestWindSonicDecodeUnitFlagConversion(t *testing.T) {
	t.Parallel()
	d := newWindSonic()

	ms, err := d.Decode(windLine("Q,090,010.00,N,00,"))
	require.NoError(t, err)
	assert.InDelta(t, 5.14444, ms[1].Value, 1e-4)
	assert.Equal(t, units.MetersPerSecond, ms[1].Unit)
}

func TestWindSonicDecodeErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		line    []byte
		wantMsg string
	}{
		{"empty", nil, "STX"},
		{"missing stx", []byte("Q,036,002.57,M,00,\x03A8"), "STX"},
		{"missing etx", []byte("\x02Q,036,002.57,M,00,"), "ETX"},
		{"short checksum", []byte("\x02Q,036,002.57,M,00,\x03A"), "checksum"},
		{"checksum mismatch", []byte("\x02Q,036,002.57,M,00,\x03FF"), "checksum mismatch"},
		{"non hex checksum", []byte("\x02Q,036,002.57,M,00,\x03ZZ"), "checksum"},
		{"bad field count", windLine("Q,036,002.57,M,00"), "fields"},
		{"bad node address", windLine("9,036,002.57,M,00,"), "node address"},
		{"bad direction", windLine("Q,NaN,002.57,M,00,"), "direction"},
		{"direction out of range", windLine("Q,360,002.57,M,00,"), "direction"},
		{"bad speed", windLine("Q,036,badspd,M,00,"), "speed"},
		{"unknown unit flag", windLine("Q,036,002.57,Z,00,"), "unit flag"},
		{"fault status", windLine("Q,036,002.57,M,04,"), "status"},
	}

	d := newWindSonic()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := d.Decode(tc.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestWindSonicDefaults(t *testing.T) {
	t.Parallel()
	d := newWindSonic()
	assert.Equal(t, VariantWindSonic, d.Variant())
	assert.Equal(t, "\r\n", d.Terminator())
	assert.Equal(t, 9600, d.DefaultBaudRate())
	assert.Equal(t, "1s", d.MinPollInterval().String())
}
