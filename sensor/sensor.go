// Package sensor reads temperature and humidity from a DHT11 through the
// Linux industrial I/O (IIO) interface of the dht11 kernel driver.
//
// The driver is enabled with the device tree overlay `dtoverlay=dht11,gpiopin=4`
// and exposes one IIO device:
//
//	/sys/bus/iio/devices/iio:device0/in_temp_input               milli degrees Celsius
//	/sys/bus/iio/devices/iio:device0/in_humidityrelative_input   milli percent
//
// The single-wire protocol is timing sensitive and checksum or timeout
// failures are common. Those are reported as [ErrTransient].
package sensor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// DefaultDevice is the IIO directory of the first dht11 device.
const DefaultDevice = "/sys/bus/iio/devices/iio:device0"

const (
	temperatureFile = "in_temp_input"
	humidityFile    = "in_humidityrelative_input"
)

var (
	// ErrTransient marks read failures worth skipping a cycle for.
	ErrTransient = errors.New("transient sensor error")
	// ErrClosed is returned by reads after Close.
	ErrClosed = errors.New("sensor closed")
)

// Measurement as reported by the device
type Measurement struct {
	TemperatureCelsius float64
	HumidityPercent    float64
}

// DHT11 reads a dht11 IIO device. It is safe for concurrent use.
type DHT11 struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// NewDHT11 opens the IIO device directory dir and checks it exposes both
// channels.
func NewDHT11(dir string) (*DHT11, error) {
	for _, name := range []string{temperatureFile, humidityFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("dht11 device %s: %w", dir, err)
		}
	}
	return &DHT11{dir: dir}, nil
}

// Read samples both channels. Errors wrapping [ErrTransient] can be retried
// on the next cycle, any other error means the device is gone.
func (d *DHT11) Read() (Measurement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Measurement{}, ErrClosed
	}

	temperature, err := readMilli(filepath.Join(d.dir, temperatureFile))
	if err != nil {
		return Measurement{}, fmt.Errorf("read temperature: %w", err)
	}
	humidity, err := readMilli(filepath.Join(d.dir, humidityFile))
	if err != nil {
		return Measurement{}, fmt.Errorf("read humidity: %w", err)
	}

	return Measurement{
		TemperatureCelsius: temperature,
		HumidityPercent:    humidity,
	}, nil
}

// Close releases the device. Further reads return [ErrClosed].
func (d *DHT11) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

func readMilli(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, classify(err)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		// a torn read, the driver only ever writes integers
		return 0, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return float64(value) / 1000, nil
}

// classify wraps the errno values the dht11 driver returns for bad
// checksums, missed edges and concurrent reads.
func classify(err error) error {
	for _, errno := range []syscall.Errno{syscall.EIO, syscall.ETIMEDOUT, syscall.EAGAIN, syscall.EBUSY} {
		if errors.Is(err, errno) {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return err
}
