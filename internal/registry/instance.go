package registry

import (
	"context"
	"errors"
	"time"

	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/sensor"
	"github.com/cerro-obs/sensorhub/internal/timeutil"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// Instance is one configured sensor bound to its open transport. A single
// poll goroutine drives it; Close may be called concurrently to tear the
// transport down under a blocked read.
type Instance struct {
	cfg    SensorConfig
	driver sensor.Driver
	reader *transport.LineReader
	clock  timeutil.Clock
}

// Name returns the configured sensor name.
func (i *Instance) Name() string {
	return i.cfg.Name
}

// Config returns the normalized sensor configuration.
func (i *Instance) Config() SensorConfig {
	return i.cfg
}

// PollInterval returns the pacing between poll cycles.
func (i *Instance) PollInterval() time.Duration {
	return i.cfg.PollInterval()
}

// Sample reasons for read-level failures. Decode failures carry the decoder
// message instead.
const (
	ReasonReadTimeout  = "read timed out"
	ReasonPollCanceled = "poll canceled"
	ReadFailedPrefix   = "read failed: "
)

// readBudget bounds one poll's read. An instrument transmits once per
// interval, so missing two intervals in a row means the device is gone.
func (i *Instance) readBudget() time.Duration {
	return 2 * i.cfg.PollInterval()
}

// Poll performs one read/decode cycle and always returns a sample. Read
// timeouts, transport faults, and decode failures yield an invalid sample
// with every channel null and a diagnostic reason.
func (i *Instance) Poll(ctx context.Context) protocol.TelemetrySample {
	line, readErr := i.reader.ReadLine(ctx, i.readBudget())

	sample := protocol.TelemetrySample{
		SensorName: i.cfg.Name,
		Timestamp:  protocol.UnixSeconds(i.clock.Now()),
		Valid:      true,
	}

	if readErr != nil {
		sample.Valid = false
		sample.Reason = readReason(readErr)
		sample.Measurements = i.driver.NullMeasurements()
		return sample
	}

	measurements, err := i.driver.Decode(line)
	if err != nil {
		sample.Valid = false
		sample.Reason = err.Error()
		sample.Measurements = i.driver.NullMeasurements()
		return sample
	}

	sample.Measurements = measurements
	return sample
}

// Close releases the transport. Idempotent.
func (i *Instance) Close() error {
	return i.reader.Close()
}

func readReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrReadTimeout):
		return ReasonReadTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonPollCanceled
	default:
		return ReadFailedPrefix + err.Error()
	}
}
