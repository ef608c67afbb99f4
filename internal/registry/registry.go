// Package registry owns the configured sensor set: it validates configure
// payloads, claims each device for exactly one sensor, and manages the
// open/close lifecycle of the resulting instances.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cerro-obs/sensorhub/internal/sensor"
	"github.com/cerro-obs/sensorhub/internal/timeutil"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// ErrSensorsOpen is returned when an operation requires all instances to be
// closed first.
var ErrSensorsOpen = errors.New("registry: sensors are open")

// Opener opens the transport for one configured sensor. The registry calls
// it with normalized configs, so baud rate and terminator are always set.
type Opener func(cfg SensorConfig) (transport.Porter, error)

// RealOpener adapts a transport factory to the Opener signature.
func RealOpener(f transport.Factory) Opener {
	return func(cfg SensorConfig) (transport.Porter, error) {
		return f.Open(cfg.Transport)
	}
}

// Registry holds the accepted sensor configuration and, between OpenAll and
// CloseAll, the live instances built from it.
type Registry struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	configs   []SensorConfig
	instances []*Instance
}

// New builds an empty registry. A nil clock uses the wall clock.
func New(clock timeutil.Clock) *Registry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{clock: clock}
}

// Configure validates and stores a new sensor set, replacing any previous
// one. The payload is accepted in full or rejected in full with a
// ConfigError. Fails while instances are open.
func (r *Registry) Configure(configs []SensorConfig) error {
	normalized, err := normalizeConfigs(configs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.instances) > 0 {
		return ErrSensorsOpen
	}
	r.configs = normalized
	return nil
}

// Configured reports whether a sensor set has been accepted.
func (r *Registry) Configured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs) > 0
}

// Configs returns a copy of the accepted configuration.
func (r *Registry) Configs() []SensorConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SensorConfig, len(r.configs))
	copy(out, r.configs)
	return out
}

// Clear drops the stored configuration. Fails while instances are open.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.instances) > 0 {
		return ErrSensorsOpen
	}
	r.configs = nil
	return nil
}

// OpenAll opens every configured sensor through open and returns the live
// instances. If any open fails, instances already opened are closed again
// and no instance remains.
func (r *Registry) OpenAll(open Opener) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.instances) > 0 {
		return nil, ErrSensorsOpen
	}
	if len(r.configs) == 0 {
		return nil, errors.New("registry: not configured")
	}

	opened := make([]*Instance, 0, len(r.configs))
	for _, cfg := range r.configs {
		driver, err := sensor.New(cfg.SensorType, cfg.Channels)
		if err != nil {
			closeInstances(opened)
			return nil, fmt.Errorf("sensor %s: %w", cfg.Name, err)
		}

		port, err := open(cfg)
		if err != nil {
			closeInstances(opened)
			return nil, fmt.Errorf("sensor %s: %w", cfg.Name, err)
		}

		opened = append(opened, &Instance{
			cfg:    cfg,
			driver: driver,
			reader: transport.NewLineReader(port, cfg.Transport.Terminator),
			clock:  r.clock,
		})
	}

	r.instances = opened

	out := make([]*Instance, len(opened))
	copy(out, opened)
	return out, nil
}

// CloseAll closes every open instance and releases their devices. Safe to
// call when nothing is open.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = nil
	r.mu.Unlock()

	return closeInstances(instances)
}

func closeInstances(instances []*Instance) error {
	var errs []error
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", inst.Name(), err))
		}
	}
	return errors.Join(errs...)
}
