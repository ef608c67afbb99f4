// Package mirror republishes the telemetry stream to an MQTT broker, one
// message per sample on <topic_prefix>/<sensorName>. The mirror rides the
// hub's subscriber fan-out, so a slow or absent broker never disturbs the
// TCP client: backed-up lines are dropped upstream and publish failures are
// only counted and logged.
package mirror

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/telemetry"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectMS   = 250
)

// Config selects the broker and topic layout.
type Config struct {
	Broker      string
	TopicPrefix string
	Username    string
	Password    string
	ClientID    string
	QoS         byte
}

// Mirror forwards published telemetry lines to the broker until Stop.
type Mirror struct {
	cfg     Config
	metrics *monitoring.Metrics

	// newClient is swapped by tests to avoid a real broker.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	client mqtt.Client
	subID  string
	wg     sync.WaitGroup
}

// New builds a stopped mirror. Nil metrics register throwaway collectors.
func New(cfg Config, metrics *monitoring.Metrics) *Mirror {
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorhub-" + randomSuffix()
	}
	return &Mirror{cfg: cfg, metrics: metrics, newClient: mqtt.NewClient}
}

// Start connects to the broker and begins forwarding every line the hub
// publishes. The subscription stays attached across the hub's start/stop
// cycles until Stop is called.
func (m *Mirror) Start(hub *telemetry.Hub) error {
	if m.cfg.Broker == "" {
		return errors.New("mirror: no broker configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("mirror: connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Logf("mirror: connected to %s", m.cfg.Broker)
	})

	client := m.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mirror: connect to %s: %w", m.cfg.Broker, token.Error())
	}
	m.client = client

	id, ch := hub.Subscribe()
	m.subID = id
	m.wg.Add(1)
	go m.forwardLoop(hub, ch)
	return nil
}

// Stop detaches from the hub, drains the forward loop, and disconnects.
func (m *Mirror) Stop(hub *telemetry.Hub) {
	if m.client == nil {
		return
	}
	hub.Unsubscribe(m.subID)
	m.wg.Wait()
	m.client.Disconnect(disconnectMS)
	m.client = nil
}

func (m *Mirror) forwardLoop(hub *telemetry.Hub, ch <-chan string) {
	defer m.wg.Done()
	for line := range ch {
		m.publish(line)
	}
}

func (m *Mirror) publish(line string) {
	topic := m.cfg.TopicPrefix + "/" + sensorNameOf(line)

	token := m.client.Publish(topic, m.cfg.QoS, false, []byte(line))
	if !token.WaitTimeout(publishTimeout) {
		m.metrics.MirrorErrors.Inc()
		monitoring.Logf("mirror: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.metrics.MirrorErrors.Inc()
		monitoring.Logf("mirror: publish to %s: %v", topic, err)
		return
	}
	m.metrics.MirrorPublished.Inc()
}

// sensorNameOf pulls the sensor name back out of an encoded telemetry line.
// Unparseable lines land under the "unknown" subtopic rather than vanish.
func sensorNameOf(line string) string {
	var sample struct {
		SensorName string `json:"sensorName"`
	}
	if err := json.Unmarshal([]byte(line), &sample); err != nil || sample.SensorName == "" {
		return "unknown"
	}
	return sample.SensorName
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
