package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerro-obs/sensorhub/internal/transport"
)

func windConfig(name, device string) SensorConfig {
	return SensorConfig{
		Name:       name,
		SensorType: "windsonic",
		Transport:  transport.Config{Type: transport.TypeSerial, Device: device},
	}
}

func tempConfig(name, device string, channels int) SensorConfig {
	return SensorConfig{
		Name:       name,
		SensorType: "temperature",
		Channels:   channels,
		Transport:  transport.Config{Type: transport.TypeSerial, Device: device},
	}
}

func TestNormalizeConfigsAppliesDriverDefaults(t *testing.T) {
	t.Parallel()

	got, err := normalizeConfigs([]SensorConfig{
		windConfig("dome-wind", "/dev/ttyUSB0"),
		tempConfig("mirror-temp", "/dev/ttyUSB1", 4),
		{
			Name:       "weather-hut",
			SensorType: "hx85ba",
			Transport:  transport.Config{Type: transport.TypeFTDI, Device: "AB0JRKBX"},
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 9600, got[0].Transport.BaudRate)
	assert.Equal(t, "\r\n", got[0].Transport.Terminator)
	assert.Equal(t, 1000, got[0].PollIntervalMS)

	assert.Equal(t, 19200, got[1].Transport.BaudRate)
	assert.Equal(t, "\r\n", got[1].Transport.Terminator)
	assert.Equal(t, 2000, got[1].PollIntervalMS)

	assert.Equal(t, 19200, got[2].Transport.BaudRate)
	assert.Equal(t, "\n\r", got[2].Transport.Terminator)
	assert.Equal(t, 1000, got[2].PollIntervalMS)
}

func TestNormalizeConfigsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := windConfig("dome-wind", "/dev/ttyUSB0")
	cfg.Transport.BaudRate = 38400
	cfg.PollIntervalMS = 5000

	got, err := normalizeConfigs([]SensorConfig{cfg})
	require.NoError(t, err)
	assert.Equal(t, 38400, got[0].Transport.BaudRate)
	assert.Equal(t, 5000, got[0].PollIntervalMS)
}

func TestNormalizeConfigsRejections(t *testing.T) {
	t.Parallel()

	badType := windConfig("w", "/dev/ttyUSB0")
	badType.SensorType = "thermocouple"

	badTransport := windConfig("w", "AA:BB")
	badTransport.Transport.Type = "bluetooth"

	channelsOnWind := windConfig("w", "/dev/ttyUSB0")
	channelsOnWind.Channels = 2

	slowPoll := windConfig("w", "/dev/ttyUSB0")
	slowPoll.PollIntervalMS = 250

	cases := []struct {
		name    string
		configs []SensorConfig
		wantMsg string
	}{
		{"empty payload", nil, "at least one sensor"},
		{"empty name", []SensorConfig{windConfig("", "/dev/ttyUSB0")}, "name"},
		{
			"duplicate name",
			[]SensorConfig{windConfig("w", "/dev/ttyUSB0"), windConfig("w", "/dev/ttyUSB1")},
			"already used",
		},
		{"unknown type", []SensorConfig{badType}, "sensor_type"},
		{"temperature without channels", []SensorConfig{tempConfig("t", "/dev/ttyUSB0", 0)}, "channels"},
		{"temperature channels too high", []SensorConfig{tempConfig("t", "/dev/ttyUSB0", 17)}, "channels"},
		{"channels on windsonic", []SensorConfig{channelsOnWind}, "channels"},
		{"bad transport", []SensorConfig{badTransport}, "transport type"},
		{
			"device conflict",
			[]SensorConfig{windConfig("a", "/dev/ttyUSB0"), tempConfig("b", "/dev/ttyUSB0", 2)},
			"already claimed",
		},
		{"poll below minimum", []SensorConfig{slowPoll}, "below the"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := normalizeConfigs(tc.configs)
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestConfigErrorText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "invalid configuration: boom",
		(&ConfigError{Index: -1, Reason: "boom"}).Error())
	assert.Equal(t, `invalid configuration for sensor "w": boom`,
		(&ConfigError{Index: 2, Name: "w", Reason: "boom"}).Error())
	assert.Equal(t, "invalid configuration at entry 2: boom",
		(&ConfigError{Index: 2, Reason: "boom"}).Error())
}
