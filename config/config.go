// Package config builds the agent configuration from the process
// environment, optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/dratasich/dht-telemetry-agent/identity"
	"github.com/dratasich/dht-telemetry-agent/sensor"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
)

// Agent configuration
type Config struct {
	Username string `env:"MQTT_USERNAME"` // MQTT Username to use when connecting to server
	Password string `env:"MQTT_PASSWORD"` // MQTT Password to use when connecting to server
	Host     string `env:"MQTT_HOST"`
	Port     int    `env:"MQTT_PORT"`
	CAPath   string `env:"CA_PATH"` // certificate authority of the broker (PEM)

	QoS       int    `env:"MQTT_QOS"`
	KeepAlive uint16 `env:"MQTT_KEEP_ALIVE"` // seconds between keepalive packets

	ConnectGrace    time.Duration `env:"CONNECT_GRACE"`    // wait for the broker session
	Interval        time.Duration `env:"SAMPLE_INTERVAL"`  // sleep between two readings
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"` // bound on the cleanup

	CPUInfoPath  string `env:"CPUINFO_PATH"`  // identity file
	SensorDevice string `env:"SENSOR_DEVICE"` // dht11 IIO device directory

	MetricsAddr string `env:"METRICS_ADDR"` // prometheus listen address, disabled if empty
	LogLevel    string `env:"LOG_LEVEL"`
	LogFormat   string `env:"LOG_FORMAT"` // json or console
}

// ErrMissing is returned when a required variable is unset or empty.
var ErrMissing = errors.New("missing required environment variable")

var required = []string{"MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_HOST", "MQTT_PORT", "CA_PATH"}

// Default returns the configuration used for unset optional variables.
func Default() Config {
	return Config{
		QoS:             0,
		KeepAlive:       60,
		ConnectGrace:    5 * time.Second,
		Interval:        60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		CPUInfoPath:     identity.CPUInfoPath,
		SensorDevice:    sensor.DefaultDevice,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// LoadFromEnv loads envFile into the process environment (variables that
// are already set win, a missing file is ignored) and decodes the result.
func LoadFromEnv(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return Load(os.Environ())
}

// Load decodes environ ("KEY=value" entries, see os.Environ) on top of
// the defaults.
func Load(environ []string) (Config, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[key] = value
	}

	var missing []string
	for _, key := range required {
		if strings.TrimSpace(vars[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	// drop empty optionals so the defaults apply
	for key, value := range vars {
		if value == "" {
			delete(vars, key)
		}
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "env",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(vars); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the ranges mapstructure cannot express.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("MQTT_PORT %d out of range", c.Port)
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("MQTT_QOS %d must be 0, 1 or 2", c.QoS)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL %s must be positive", c.Interval)
	}
	if c.ConnectGrace <= 0 {
		return fmt.Errorf("CONNECT_GRACE %s must be positive", c.ConnectGrace)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT %s must be positive", c.ShutdownTimeout)
	}
	return nil
}
