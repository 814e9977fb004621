// Package identity derives the device identifier from the host.
//
// On a Raspberry Pi the SoC serial number is exposed in /proc/cpuinfo:
//
//	Serial          : 10000000abcdef01
//
// The identifier is best effort: resolution never fails, it falls back
// to a sentinel serial instead.
package identity

import (
	"bufio"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// CPUInfoPath is the default identity file.
	CPUInfoPath = "/proc/cpuinfo"

	// UnknownSerial is used when the file holds no serial line.
	UnknownSerial = "0000000000000000"
	// ErrorSerial is used when the file cannot be read.
	ErrorSerial = "ERROR000000000"

	serialMarker = "Serial"
	serialStart  = 10
	serialEnd    = 26
)

// Resolve returns the serial of the first line starting with "Serial".
func Resolve(path string) string {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to read device serial from %s", path)
		return ErrorSerial
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, serialMarker) {
			continue
		}
		if serial := extract(line); serial != "" {
			return serial
		}
		break
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msgf("Failed to read device serial from %s", path)
		return ErrorSerial
	}

	log.Warn().Msgf("No serial line found in %s", path)
	return UnknownSerial
}

// extract cuts the serial at its fixed column offset, tolerating short lines.
func extract(line string) string {
	if len(line) <= serialStart {
		return ""
	}
	end := min(len(line), serialEnd)
	return strings.TrimSpace(line[serialStart:end])
}

// IsSentinel reports whether serial is one of the fallback values.
func IsSentinel(serial string) bool {
	return serial == UnknownSerial || serial == ErrorSerial
}

// ClientID returns the MQTT client identifier for a device. Devices
// without a real serial get a random suffix so they don't take over each
// other's broker session.
func ClientID(serial string) string {
	if !IsSentinel(serial) {
		return serial
	}
	return serial + "-" + uuid.NewString()[:8]
}
