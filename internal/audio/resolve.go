package audio

import (
	"strings"

	"github.com/rs/zerolog"
)

// DefaultDeviceMatch is the loopback driver the listener looks for by default.
const DefaultDeviceMatch = "BlackHole"

// Resolve returns the first input-capable device whose name contains match.
// The comparison is case-sensitive. An empty match never selects a device.
func Resolve(devices []AudioDevice, match string) (AudioDevice, bool) {
	if match == "" {
		return AudioDevice{}, false
	}
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		if strings.Contains(d.Name, match) {
			return d, true
		}
	}
	return AudioDevice{}, false
}

// FindInput looks up the input device matching match. It never fails: when
// enumeration errors or nothing matches it logs a warning and returns nil so
// the caller falls back to the system default input.
func FindInput(c Capture, match string, log zerolog.Logger) *AudioDevice {
	devices, err := c.ListDevices()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enumerate input devices, using default input")
		return nil
	}

	d, ok := Resolve(devices, match)
	if !ok {
		log.Warn().Str("match", match).Msg("No matching input device, using default input")
		return nil
	}

	log.Info().Str("device", d.Name).Msg("Resolved input device")
	return &d
}
