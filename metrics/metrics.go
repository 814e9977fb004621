// Package metrics exposes the agent's readings and publish statistics as
// Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	KindTransient = "transient"
	KindFatal     = "fatal"
)

// Metrics holds the agent collectors on a dedicated registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	temperature     *prometheus.GaugeVec
	humidity        *prometheus.GaugeVec
	published       prometheus.Counter
	publishFailures prometheus.Counter
	sensorErrors    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dht_temperature_celsius",
			Help: "Last temperature read from the sensor in Celsius",
		}, []string{"device"}),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dht_humidity_percent",
			Help: "Last relative humidity read from the sensor",
		}, []string{"device"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dht_readings_published_total",
			Help: "Readings accepted by the broker",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dht_publish_failures_total",
			Help: "Readings the broker client failed to publish",
		}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dht_sensor_errors_total",
			Help: "Failed sensor reads by kind",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.temperature, m.humidity, m.published, m.publishFailures, m.sensorErrors)
	return m
}

// ObserveReading records the latest device values.
func (m *Metrics) ObserveReading(device string, celsius, humidity float64) {
	if m == nil {
		return
	}
	m.temperature.WithLabelValues(device).Set(celsius)
	m.humidity.WithLabelValues(device).Set(humidity)
}

func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// SensorError counts a failed read of the given kind.
func (m *Metrics) SensorError(kind string) {
	if m == nil {
		return
	}
	m.sensorErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled and returns once
// the server has shut down.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// ListenAndServe returns as soon as Shutdown starts, wait for it to finish
	if err := <-stopped; err != nil {
		return fmt.Errorf("stop metrics server: %w", err)
	}
	return nil
}
