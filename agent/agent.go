// Package agent runs the sampling loop: read the sensor, publish the
// reading, sleep, until the context is cancelled or the sensor fails for
// good. Afterwards the sensor and the broker session are released
// exactly once.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dratasich/dht-telemetry-agent/events"
	"github.com/dratasich/dht-telemetry-agent/metrics"
	"github.com/dratasich/dht-telemetry-agent/sensor"
	"github.com/rs/zerolog/log"
)

// Sensor is the hardware the readings come from, see sensor.DHT11.
type Sensor interface {
	Read() (sensor.Measurement, error)
	Close() error
}

// Broker is the telemetry sink, see mqtt.Client.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close(ctx context.Context) error
}

type Config struct {
	DeviceID        string
	Interval        time.Duration // sleep between two cycles
	ShutdownTimeout time.Duration // bound on releasing the broker session
}

type Agent struct {
	config  Config
	sensor  Sensor
	broker  Broker
	metrics *metrics.Metrics
	topic   string

	// clock, replaced in tests
	now func() time.Time

	state        atomic.Int32
	shutdownOnce sync.Once
	shutdownErr  error
}

const defaultShutdownTimeout = 5 * time.Second

// New creates an agent. m may be nil.
func New(cfg Config, s Sensor, b Broker, m *metrics.Metrics) *Agent {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	a := &Agent{
		config:  cfg,
		sensor:  s,
		broker:  b,
		metrics: m,
		topic:   events.ReadingsTopic(cfg.DeviceID),
		now:     time.Now,
	}
	a.state.Store(int32(StateConnecting))
	return a
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	log.Debug().Msgf("Agent state %s -> %s", a.State(), s)
	a.state.Store(int32(s))
}

// Run connects the broker and samples until ctx is cancelled, which
// returns nil. A failed connection or a fatal sensor error is returned.
// Shutdown runs before Run returns in every case.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Shutdown()

	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	a.setState(StateRunning)
	log.Info().Msgf("Publishing readings to %s every %s", a.topic, a.config.Interval)

	for {
		if _, err := a.Cycle(ctx); err != nil {
			log.Error().Msgf("Stopping on fatal error: %s", err)
			return err
		}

		if !sleep(ctx, a.config.Interval) {
			log.Info().Msg("Interrupt received")
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cycle performs one read and publish. The returned error is non-nil only
// for failures that must stop the loop; transient sensor errors and
// publish failures are logged and reported through the outcome.
func (a *Agent) Cycle(ctx context.Context) (Outcome, error) {
	m, err := a.sensor.Read()
	if err != nil {
		if errors.Is(err, sensor.ErrTransient) {
			log.Warn().Msgf("Sensor read failed, skipping cycle: %s", err)
			a.metrics.SensorError(metrics.KindTransient)
			return OutcomeSkipped, nil
		}
		a.metrics.SensorError(metrics.KindFatal)
		return OutcomeSkipped, fmt.Errorf("read sensor: %w", err)
	}

	reading := events.NewReading(a.config.DeviceID, m.TemperatureCelsius, m.HumidityPercent, a.now())
	a.metrics.ObserveReading(a.config.DeviceID, reading.TemperatureCelsius, reading.Humidity)
	log.Info().Msgf("DeviceId: %s   Temp: %.1f F / %.1f C    Humidity: %v%%   Timestamp: %s",
		reading.SerialNumber, reading.Temperature, reading.TemperatureCelsius, reading.Humidity, reading.Timestamp)

	payload, err := reading.Payload()
	if err != nil {
		// NaN or Inf from the device, nothing to publish
		log.Warn().Msgf("Failed to serialize reading, skipping cycle: %s", err)
		a.metrics.SensorError(metrics.KindTransient)
		return OutcomeSkipped, nil
	}

	if err := a.broker.Publish(ctx, a.topic, payload); err != nil {
		log.Error().Msgf("Failed to send message to topic %s: %s", a.topic, err)
		a.metrics.PublishFailed()
		return OutcomePublishFailed, nil
	}
	log.Info().Msgf("Message successfully sent to topic %s", a.topic)
	a.metrics.Published()
	return OutcomePublished, nil
}

// Shutdown releases the sensor and closes the broker session. Every step
// is attempted even if a previous one failed. Only the first call does
// anything; later calls return the first result.
func (a *Agent) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.setState(StateShuttingDown)

		var errs []error
		log.Info().Msg("Disconnecting DHT device")
		if err := a.sensor.Close(); err != nil {
			log.Error().Msgf("Failed to close sensor: %s", err)
			errs = append(errs, fmt.Errorf("close sensor: %w", err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		if err := a.broker.Close(ctx); err != nil {
			log.Error().Msgf("Failed to close broker session: %s", err)
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}

		a.shutdownErr = errors.Join(errs...)
		a.setState(StateStopped)
	})
	return a.shutdownErr
}
