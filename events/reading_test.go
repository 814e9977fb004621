package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decodedReading struct {
	Temperature  float64 `mapstructure:"temperature"`
	Timestamp    string  `mapstructure:"timestamp"`
	Humidity     float64 `mapstructure:"humidity"`
	SerialNumber string  `mapstructure:"serialNumber"`
}

func TestCelsiusToFahrenheit(t *testing.T) {
	cases := map[float64]float64{
		-40:  -40,
		0:    32,
		20:   68,
		37.5: 99.5,
		100:  212,
	}
	for celsius, want := range cases {
		assert.Equal(t, want, CelsiusToFahrenheit(celsius), "celsius %v", celsius)
	}
}

func TestReadingPayload(t *testing.T) {
	// arrange
	ts, err := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	require.NoError(t, err)

	// act
	reading := NewReading("abc123", 20.0, 50, ts)
	payload, err := reading.Payload()
	require.NoError(t, err)

	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	var decoded decodedReading
	if err := mapstructure.Decode(attrs, &decoded); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}

	// assert
	assert.Len(t, attrs, 4, "payload must only carry the wire fields")
	assert.Equal(t, 68.0, decoded.Temperature)
	assert.Equal(t, "2024-01-01T00:00:00+00:00", decoded.Timestamp)
	assert.Equal(t, 50.0, decoded.Humidity)
	assert.Equal(t, "abc123", decoded.SerialNumber)
	assert.Equal(t, "devices/abc123/readings", ReadingsTopic(reading.SerialNumber))
	assert.Equal(t, 20.0, reading.TemperatureCelsius)
}

func TestFormatTimestamp(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	ts := time.Date(2024, 6, 1, 14, 30, 5, 123456000, berlin)

	assert.Equal(t, "2024-06-01T13:30:05.123456+00:00", FormatTimestamp(ts))
	assert.Equal(t, "2024-06-01T13:30:05.5+00:00", FormatTimestamp(ts.Add(-123456000+500000000)))
}
