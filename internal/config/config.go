// Package config loads the daemon's process configuration: command listener
// address, debug listener, MQTT mirror settings, and simulation mode. Values
// come from an optional YAML file; the daemon's flags override the common
// knobs afterwards.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Listen ListenConfig `mapstructure:"listen"`
	Debug  DebugConfig  `mapstructure:"debug"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Serial SerialConfig `mapstructure:"serial"`
}

// ListenConfig selects the TCP command/telemetry listener.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr renders the listener address for net.Listen.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// DebugConfig selects the debug/metrics HTTP listener. An empty Listen
// disables the debug surface entirely.
type DebugConfig struct {
	Listen string `mapstructure:"listen"`
}

// MQTTConfig configures the telemetry mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	QoS         int    `mapstructure:"qos"`
}

// SerialConfig controls how sensor transports are opened.
type SerialConfig struct {
	// Simulate replaces every transport with a simulated instrument.
	Simulate bool `mapstructure:"simulate"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path and returns the validated configuration.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sensorhub/telemetry"
	}
}

func (c *Config) validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range 0..2", c.MQTT.QoS)
	}
	if c.MQTT.Broker == "" && (c.MQTT.Username != "" || c.MQTT.TopicPrefix != "") {
		return fmt.Errorf("mqtt settings given without mqtt.broker")
	}
	return nil
}
