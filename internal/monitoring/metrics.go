package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed on the debug listener.
type Metrics struct {
	SamplesTotal    *prometheus.CounterVec
	ReadErrors      *prometheus.CounterVec
	PollDuration    *prometheus.HistogramVec
	SensorsRunning  prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec
	ClientConnected prometheus.Gauge
	SubscriberDrops prometheus.Counter
	MirrorPublished prometheus.Counter
	MirrorErrors    prometheus.Counter
}

// NewMetrics builds and registers the collectors with reg. Passing nil
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_samples_total",
			Help: "Telemetry samples produced, by sensor and validity.",
		}, []string{"sensor", "valid"}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_read_errors_total",
			Help: "Transport read failures, by sensor.",
		}, []string{"sensor"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sensorhub_poll_duration_seconds",
			Help:    "Time from poll start to decoded sample.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"sensor"}),
		SensorsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_sensors_running",
			Help: "Number of sensors currently polling.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_commands_total",
			Help: "Commands processed, by verb and reply status.",
		}, []string{"command", "status"}),
		ClientConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_client_connected",
			Help: "1 while a command client session is active.",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_subscriber_dropped_total",
			Help: "Telemetry lines dropped on slow multiplexer subscribers.",
		}),
		MirrorPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_mirror_published_total",
			Help: "Telemetry samples mirrored to the MQTT broker.",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_mirror_errors_total",
			Help: "MQTT mirror publish failures.",
		}),
	}

	reg.MustRegister(
		m.SamplesTotal,
		m.ReadErrors,
		m.PollDuration,
		m.SensorsRunning,
		m.CommandsTotal,
		m.ClientConnected,
		m.SubscriberDrops,
		m.MirrorPublished,
		m.MirrorErrors,
	)
	return m
}
