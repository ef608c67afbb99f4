// Command sensorhubd runs the environmental sensor hub: a TCP command and
// telemetry server in front of the serial-attached weather instruments,
// with an optional debug/metrics HTTP listener and MQTT telemetry mirror.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerro-obs/sensorhub/internal/config"
	"github.com/cerro-obs/sensorhub/internal/mirror"
	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/registry"
	"github.com/cerro-obs/sensorhub/internal/server"
	"github.com/cerro-obs/sensorhub/internal/simulator"
	"github.com/cerro-obs/sensorhub/internal/telemetry"
	"github.com/cerro-obs/sensorhub/internal/transport"
	"github.com/cerro-obs/sensorhub/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (optional)")
	listen      = flag.String("listen", "", "Command listener address (overrides config)")
	debugListen = flag.String("debug-listen", "", "Debug/metrics HTTP address (overrides config)")
	simMode     = flag.Bool("sim", false, "Use simulated instruments instead of serial devices")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig merges the optional config file with the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *debugListen != "" {
		cfg.Debug.Listen = *debugListen
	}
	if *simMode {
		cfg.Serial.Simulate = true
	}
	return cfg, nil
}

// listenAddr prefers the -listen flag over the config file.
func listenAddr(cfg *config.Config) string {
	if *listen != "" {
		return *listen
	}
	return cfg.Listen.Addr()
}

// simOpener opens a simulated instrument for any configured sensor.
func simOpener(cfg registry.SensorConfig) (transport.Porter, error) {
	port, err := simulator.New(cfg.SensorType, cfg.Channels, nil)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func serveDebug(addr string, srv *server.Server, promReg *prometheus.Registry) {
	mux := http.NewServeMux()
	srv.AttachAdminRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	log.Printf("debug listener on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("debug listener: %v", err)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sensorhubd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := monitoring.NewMetrics(promReg)

	var opener registry.Opener
	if cfg.Serial.Simulate {
		log.Printf("simulation mode: sensors use generated instrument lines")
		opener = simOpener
	} else {
		opener = registry.RealOpener(&transport.SerialFactory{})
	}

	reg := registry.New(nil)
	hub := telemetry.New(nil, metrics)
	defer hub.Close()

	srv := server.New(listenAddr(cfg), reg, hub, opener, metrics)
	if err := srv.Listen(); err != nil {
		log.Fatalf("%v", err)
	}

	if cfg.Debug.Listen != "" {
		go serveDebug(cfg.Debug.Listen, srv, promReg)
	}

	if cfg.MQTT.Broker != "" {
		m := mirror.New(mirror.Config{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
		}, metrics)
		if err := m.Start(hub); err != nil {
			log.Printf("mqtt mirror disabled: %v", err)
		} else {
			defer m.Stop(hub)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Printf("sensorhubd shut down")
}
