package events

import (
	"encoding/json"
	"time"
)

// TimestampLayout is ISO-8601 with microsecond precision. UTC renders as
// "+00:00" (not "Z") and trailing zero fractions are dropped.
const TimestampLayout = "2006-01-02T15:04:05.999999-07:00"

// Reading of one sampling cycle
//
// example payload:
// `{"temperature": 68, "timestamp": "2024-01-01T00:00:00+00:00", "humidity": 50, "serialNumber": "abc123"}`
type Reading struct {
	// Temperature in degrees Fahrenheit
	Temperature float64 `json:"temperature"`
	// UTC time of the sensor read
	Timestamp string `json:"timestamp"`
	// Relative humidity in percent (not validated)
	Humidity float64 `json:"humidity"`
	// Device identifier, see package identity
	SerialNumber string `json:"serialNumber"`

	// device reported value, not part of the payload
	TemperatureCelsius float64 `json:"-"`
}

// NewReading builds a reading from device reported values captured at t.
func NewReading(deviceID string, celsius, humidity float64, t time.Time) Reading {
	return Reading{
		Temperature:        CelsiusToFahrenheit(celsius),
		Timestamp:          FormatTimestamp(t),
		Humidity:           humidity,
		SerialNumber:       deviceID,
		TemperatureCelsius: celsius,
	}
}

func CelsiusToFahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Topic the readings of a device are published to
func ReadingsTopic(deviceID string) string {
	return "devices/" + deviceID + "/readings"
}

// Payload serializes the reading to JSON.
func (r Reading) Payload() ([]byte, error) {
	return json.Marshal(r)
}
