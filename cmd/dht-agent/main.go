// Command dht-agent publishes DHT11 temperature and humidity readings to
// an MQTT broker over TLS.
//
// Configuration is read from the environment, optionally seeded from the
// dotenv file named by ENV_FILE (default ".env").
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dratasich/dht-telemetry-agent/agent"
	"github.com/dratasich/dht-telemetry-agent/config"
	"github.com/dratasich/dht-telemetry-agent/identity"
	"github.com/dratasich/dht-telemetry-agent/metrics"
	"github.com/dratasich/dht-telemetry-agent/mqtt"
	"github.com/dratasich/dht-telemetry-agent/sensor"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := exitCode(run(ctx, envFile()))
	stop()
	os.Exit(code)
}

func envFile() string {
	if path, ok := os.LookupEnv("ENV_FILE"); ok {
		return path
	}
	return ".env"
}

// exitCode maps the result of run to the process exit status: 0 after an
// interrupt, 1 for everything else that stopped the agent.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, mqtt.ErrNotConnected):
		log.Error().Msgf("Unable to connect to mqtt. Exiting... (%s)", err)
		return 1
	case errors.Is(err, context.Canceled):
		// interrupted while connecting
		return 0
	default:
		log.Error().Msgf("Exiting: %s", err)
		return 1
	}
}

// run wires the agent and blocks until ctx is cancelled or the agent
// stops on its own.
func run(ctx context.Context, envFile string) error {
	cfg, err := config.LoadFromEnv(envFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}

	serial := identity.Resolve(cfg.CPUInfoPath)
	log.Info().Msgf("Device serial: %s", serial)

	dht, err := sensor.NewDHT11(cfg.SensorDevice)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}

	client, err := mqtt.NewClient(mqtt.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Username:     cfg.Username,
		Password:     cfg.Password,
		CAPath:       cfg.CAPath,
		ClientID:     identity.ClientID(serial),
		QoS:          byte(cfg.QoS),
		KeepAlive:    cfg.KeepAlive,
		ConnectGrace: cfg.ConnectGrace,
	})
	if err != nil {
		_ = dht.Close()
		return fmt.Errorf("invalid MQTT configuration: %w", err)
	}

	// the metrics server stops together with the agent
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	var served chan error
	if cfg.MetricsAddr != "" {
		served = make(chan error, 1)
		go func() {
			err := m.Serve(ctx, cfg.MetricsAddr)
			if err != nil {
				log.Error().Msgf("Metrics server stopped: %s", err)
			}
			served <- err
		}()
	}

	a := agent.New(agent.Config{
		DeviceID:        serial,
		Interval:        cfg.Interval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, dht, client, m)

	err = a.Run(ctx)

	cancel()
	if served != nil {
		select {
		case <-served:
		case <-time.After(cfg.ShutdownTimeout):
			log.Warn().Msgf("Metrics server did not stop within %s", cfg.ShutdownTimeout)
		}
	}
	return err
}
