package registry

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerro-obs/sensorhub/internal/sensor"
	"github.com/cerro-obs/sensorhub/internal/timeutil"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// fastInstance builds an instance around port with a short poll interval so
// timeout paths do not slow the suite down.
func fastInstance(t *testing.T, port transport.Porter, clock timeutil.Clock) *Instance {
	t.Helper()

	driver, err := sensor.New(sensor.VariantWindSonic, 0)
	require.NoError(t, err)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Instance{
		cfg: SensorConfig{
			Name:           "dome-wind",
			SensorType:     sensor.VariantWindSonic,
			PollIntervalMS: 40,
			Transport:      transport.Config{Type: transport.TypeSerial, Device: "/dev/ttyUSB0"},
		},
		driver: driver,
		reader: transport.NewLineReader(port, driver.Terminator()),
		clock:  clock,
	}
}

func windLine(payload string) []byte {
	var sum byte
	for _, b := range []byte(payload) {
		sum ^= b
	}
	return []byte(fmt.Sprintf("\x02%s\x03%02X\r\n", payload, sum))
}

func TestInstancePollValidSample(t *testing.T) {
	t.Parallel()

	at := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	clock := timeutil.NewMockClock(at)

	port := transport.NewTestablePort()
	port.AddReadData(windLine("Q,036,002.57,M,00,"))

	inst := fastInstance(t, port, clock)
	defer inst.Close()

	sample := inst.Poll(context.Background())
	assert.True(t, sample.Valid)
	assert.Empty(t, sample.Reason)
	assert.Equal(t, "dome-wind", sample.SensorName)
	assert.InDelta(t, 1700000000.0, sample.Timestamp, 1e-6)
	require.Len(t, sample.Measurements, 2)
	assert.InDelta(t, 36.0, sample.Measurements[0].Value, 1e-9)
	assert.InDelta(t, 2.57, sample.Measurements[1].Value, 1e-9)
}

func TestInstancePollReadTimeout(t *testing.T) {
	t.Parallel()

	port := transport.NewTestablePort()
	inst := fastInstance(t, port, nil)
	defer inst.Close()

	sample := inst.Poll(context.Background())
	assert.False(t, sample.Valid)
	assert.Equal(t, "read timed out", sample.Reason)

	// Channels stay present so consumers keep their layout.
	require.Len(t, sample.Measurements, 2)
	for _, m := range sample.Measurements {
		assert.True(t, math.IsNaN(m.Value))
	}
}

func TestInstancePollRecoversAfterBadLine(t *testing.T) {
	t.Parallel()

	port := transport.NewTestablePort()
	port.AddReadData([]byte("\x02Q,036,002.57,M,00,\x03FF\r\n"))
	port.AddReadData(windLine("Q,120,004.00,M,00,"))

	inst := fastInstance(t, port, nil)
	defer inst.Close()

	bad := inst.Poll(context.Background())
	assert.False(t, bad.Valid)
	assert.Contains(t, bad.Reason, "checksum mismatch")

	good := inst.Poll(context.Background())
	assert.True(t, good.Valid)
	assert.InDelta(t, 120.0, good.Measurements[0].Value, 1e-9)
}

func TestInstancePollCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inst := fastInstance(t, transport.NewTestablePort(), nil)
	defer inst.Close()

	sample := inst.Poll(ctx)
	assert.False(t, sample.Valid)
	assert.Equal(t, "poll canceled", sample.Reason)
}

func TestInstanceAccessors(t *testing.T) {
	t.Parallel()

	inst := fastInstance(t, transport.NewTestablePort(), nil)
	defer inst.Close()

	assert.Equal(t, "dome-wind", inst.Name())
	assert.Equal(t, 40*time.Millisecond, inst.PollInterval())
	assert.Equal(t, 80*time.Millisecond, inst.readBudget())
	assert.Equal(t, sensor.VariantWindSonic, inst.Config().SensorType)

	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())
}
