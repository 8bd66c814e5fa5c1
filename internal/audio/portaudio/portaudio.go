// Package portaudio implements audio.Capture on top of PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/audio"
)

const (
	// pollInterval is how long the read loop sleeps when less than one full
	// chunk is buffered by the driver.
	pollInterval = 5 * time.Millisecond

	// stopTimeout bounds how long Stop waits for the read loop to notice.
	stopTimeout = 500 * time.Millisecond
)

type portAudioCapture struct {
	log zerolog.Logger

	mu     sync.Mutex
	stream *pa.Stream
	stop   chan struct{}
	done   chan struct{}
}

// New creates a new PortAudio-based audio capture
func New(log zerolog.Logger) (audio.Capture, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioCapture{log: log}, nil
}

func (p *portAudioCapture) Start(opts audio.StreamOptions, push func([]float32), fault func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return fmt.Errorf("%w: stream already open", audio.ErrDeviceUnavailable)
	}

	device, err := lookupDevice(opts.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	// Open stream: mono, specified sample rate, float32
	buffer := make([]float32, opts.FramesPerBuffer)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(opts.SampleRate),
		FramesPerBuffer: len(buffer),
	}, buffer)
	if err != nil {
		return fmt.Errorf("%w: open stream on %q: %v", audio.ErrDeviceUnavailable, device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start stream on %q: %v", audio.ErrDeviceUnavailable, device.Name, err)
	}

	p.stream = stream
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.readLoop(stream, buffer, push, fault, p.stop, p.done)

	p.log.Debug().
		Str("device", device.Name).
		Int("sample_rate", opts.SampleRate).
		Int("frames_per_buffer", len(buffer)).
		Msg("Capture stream started")

	return nil
}

// readLoop only calls Read once a full chunk is available so that it never
// sits inside the driver when Stop wants the stream back.
func (p *portAudioCapture) readLoop(stream *pa.Stream, buffer []float32, push func([]float32), fault func(error), stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		available, err := stream.AvailableToRead()
		if err != nil {
			fault(fmt.Errorf("%w: %v", audio.ErrStreamFault, err))
			return
		}
		if available < len(buffer) {
			time.Sleep(pollInterval)
			continue
		}

		if err := stream.Read(); err != nil {
			if err == pa.InputOverflowed {
				p.log.Warn().Msg("Input overflowed, chunk skipped")
				continue
			}
			fault(fmt.Errorf("%w: %v", audio.ErrStreamFault, err))
			return
		}

		// Copy buffer and hand off; the driver reuses it on the next Read.
		samples := make([]float32, len(buffer))
		copy(samples, buffer)
		push(samples)
	}
}

func (p *portAudioCapture) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}

	close(p.stop)
	stream := p.stream
	p.stream = nil

	return closeAfter(p.done, stopTimeout, p.log, func() error {
		var errs []error
		if err := stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		return errors.Join(errs...)
	})
}

// closeAfter runs closeStream once the read loop has exited. When the loop
// is still inside the driver after timeout, closing moves to a goroutine that
// waits for it, so the stream is only ever touched by one goroutine.
func closeAfter(done <-chan struct{}, timeout time.Duration, log zerolog.Logger, closeStream func() error) error {
	select {
	case <-done:
		return closeStream()
	case <-time.After(timeout):
	}

	log.Warn().Dur("timeout", timeout).Msg("Capture read loop did not exit in time, closing stream once it does")
	go func() {
		<-done
		if err := closeStream(); err != nil {
			log.Warn().Err(err).Msg("Error closing capture stream")
		}
	}()
	return nil
}

func (p *portAudioCapture) ListDevices() ([]audio.AudioDevice, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultDevice, _ := pa.DefaultInputDevice()

	result := make([]audio.AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, toAudioDevice(d, defaultDevice))
		}
	}

	return result, nil
}

func (p *portAudioCapture) Close() error {
	err := p.Stop()
	if terr := pa.Terminate(); terr != nil {
		err = errors.Join(err, terr)
	}
	return err
}

func lookupDevice(want *audio.AudioDevice) (*pa.DeviceInfo, error) {
	if want == nil {
		device, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return device, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == want.ID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", want.ID)
}

func toAudioDevice(d, defaultDevice *pa.DeviceInfo) audio.AudioDevice {
	return audio.AudioDevice{
		ID:                d.Name,
		Name:              d.Name,
		Default:           defaultDevice != nil && d.Name == defaultDevice.Name,
		MaxInputChannels:  d.MaxInputChannels,
		DefaultSampleRate: d.DefaultSampleRate,
	}
}
