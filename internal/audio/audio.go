package audio

import "errors"

var (
	// ErrDeviceUnavailable is returned when an input stream cannot be opened
	// (device busy, unsupported rate, permission denied).
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrStreamFault reports a fatal error on a running stream, e.g. the
	// device was disconnected.
	ErrStreamFault = errors.New("audio stream fault")
)

// Capture defines the interface for audio capture
type Capture interface {
	// Start opens the input stream and begins delivering chunks to push.
	// push is called from the capture goroutine and must not block. fault is
	// called at most once if the stream dies while running.
	Start(opts StreamOptions, push func(samples []float32), fault func(err error)) error
	Stop() error
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// StreamOptions describes the stream Start should open.
type StreamOptions struct {
	// Device selects the input. Nil means the system default input device.
	Device          *AudioDevice
	SampleRate      int
	FramesPerBuffer int
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID                string
	Name              string
	Default           bool
	MaxInputChannels  int
	DefaultSampleRate float64
}
