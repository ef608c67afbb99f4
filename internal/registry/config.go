package registry

import (
	"fmt"
	"time"

	"github.com/cerro-obs/sensorhub/internal/sensor"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// SensorConfig is one sensor definition from a configure payload. Channels
// is only valid for the temperature variant. A zero poll interval or baud
// rate takes the driver default during validation.
type SensorConfig struct {
	Name           string           `json:"name"`
	SensorType     string           `json:"sensor_type"`
	Channels       int              `json:"channels,omitempty"`
	PollIntervalMS int              `json:"poll_interval_ms,omitempty"`
	Transport      transport.Config `json:"transport"`
}

// PollInterval returns the normalized poll interval.
func (c SensorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ConfigError reports why a configure payload was rejected. Index is the
// position of the offending sensor entry, -1 for payload-level faults.
type ConfigError struct {
	Index  int
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	if e.Name != "" {
		return fmt.Sprintf("invalid configuration for sensor %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("invalid configuration at entry %d: %s", e.Index, e.Reason)
}

func configErrorf(index int, name, format string, args ...any) *ConfigError {
	return &ConfigError{Index: index, Name: name, Reason: fmt.Sprintf(format, args...)}
}

// normalizeConfigs validates a configure payload as a whole and returns a
// normalized copy with driver defaults applied. The payload is accepted or
// rejected atomically.
func normalizeConfigs(configs []SensorConfig) ([]SensorConfig, error) {
	if len(configs) == 0 {
		return nil, &ConfigError{Index: -1, Reason: "at least one sensor required"}
	}

	names := make(map[string]int, len(configs))
	devices := make(map[string]int, len(configs))

	out := make([]SensorConfig, len(configs))
	for i, cfg := range configs {
		if cfg.Name == "" {
			return nil, configErrorf(i, "", "sensor name must not be empty")
		}
		if prev, dup := names[cfg.Name]; dup {
			return nil, configErrorf(i, cfg.Name, "name already used by entry %d", prev)
		}
		names[cfg.Name] = i

		if !sensor.KnownVariant(cfg.SensorType) {
			return nil, configErrorf(i, cfg.Name, "unknown sensor_type %q", cfg.SensorType)
		}
		if cfg.SensorType == sensor.VariantTemperature {
			if cfg.Channels < sensor.MinChannels || cfg.Channels > sensor.MaxChannels {
				return nil, configErrorf(i, cfg.Name, "channels %d out of range %d..%d",
					cfg.Channels, sensor.MinChannels, sensor.MaxChannels)
			}
		} else if cfg.Channels != 0 {
			return nil, configErrorf(i, cfg.Name, "channels only apply to %q sensors", sensor.VariantTemperature)
		}

		if err := cfg.Transport.Validate(); err != nil {
			return nil, configErrorf(i, cfg.Name, "%v", err)
		}
		if prev, dup := devices[cfg.Transport.Device]; dup {
			return nil, configErrorf(i, cfg.Name, "device %q already claimed by entry %d", cfg.Transport.Device, prev)
		}
		devices[cfg.Transport.Device] = i

		driver, err := sensor.New(cfg.SensorType, cfg.Channels)
		if err != nil {
			return nil, configErrorf(i, cfg.Name, "%v", err)
		}

		if cfg.Transport.BaudRate == 0 {
			cfg.Transport.BaudRate = driver.DefaultBaudRate()
		}
		if cfg.Transport.Terminator == "" {
			cfg.Transport.Terminator = driver.Terminator()
		}

		minInterval := driver.MinPollInterval()
		if cfg.PollIntervalMS == 0 {
			cfg.PollIntervalMS = int(minInterval / time.Millisecond)
		} else if cfg.PollInterval() < minInterval {
			return nil, configErrorf(i, cfg.Name, "poll interval %v below the %v minimum for %s",
				cfg.PollInterval(), minInterval, cfg.SensorType)
		}

		out[i] = cfg
	}
	return out, nil
}
