package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/audio"
	"github.com/petems/voice-segmenter/internal/metrics"
)

const (
	DefaultFramesPerBuffer = 1024
	DefaultQueueSize       = 256
	DefaultEventBuffer     = 16

	// joinTimeout bounds how long Stop waits for the worker to flush and exit.
	joinTimeout = 1500 * time.Millisecond
)

// Options configure a Recorder. Capture and Sink are required.
type Options struct {
	Params  Params
	Capture audio.Capture
	// Device is the resolved input device; nil uses the system default.
	Device *audio.AudioDevice
	Sink   Sink

	FramesPerBuffer int
	QueueSize       int
	EventBuffer     int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnStateChange is called from the worker goroutine on every transition.
	// It must not block.
	OnStateChange func(State)
}

// Recorder listens on an input device and emits speech segments on Events.
type Recorder struct {
	params          Params
	capture         audio.Capture
	device          *audio.AudioDevice
	sink            Sink
	framesPerBuffer int
	queueSize       int
	log             zerolog.Logger
	metrics         *metrics.Metrics
	onStateChange   func(State)

	events chan Event
	idle   chan struct{}

	mu   sync.Mutex
	sess *session
	last *session
}

// session is the per-Start plumbing between the capture goroutine and the
// worker. Nothing in it outlives a Start/Stop cycle.
type session struct {
	queue  chan []float32
	faults chan error
	stop   chan struct{}
	done   chan struct{}
}

// New validates opts and returns an idle Recorder.
func New(opts Options) (*Recorder, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if opts.Capture == nil {
		return nil, fmt.Errorf("%w: capture is required", ErrCorruptConfig)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrCorruptConfig)
	}
	if opts.FramesPerBuffer < 0 || opts.QueueSize < 0 || opts.EventBuffer < 0 {
		return nil, fmt.Errorf("%w: buffer sizes must not be negative", ErrCorruptConfig)
	}
	if opts.FramesPerBuffer == 0 {
		opts.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}

	idle := make(chan struct{})
	close(idle)

	return &Recorder{
		params:          opts.Params,
		capture:         opts.Capture,
		device:          opts.Device,
		sink:            opts.Sink,
		framesPerBuffer: opts.FramesPerBuffer,
		queueSize:       opts.QueueSize,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		onStateChange:   opts.OnStateChange,
		events:          make(chan Event, opts.EventBuffer),
		idle:            idle,
	}, nil
}

// Events delivers finalized segments and errors. The channel stays open for
// the lifetime of the Recorder; consumers must keep draining it, otherwise
// the worker stalls and the capture side starts dropping chunks.
func (r *Recorder) Events() <-chan Event {
	return r.events
}

// Done returns a channel that is closed once the most recently started
// worker has exited. Every event it produced is on Events by then, including
// a flush that finished after Stop gave up waiting.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return r.idle
	}
	return r.last.done
}

// Running reports whether a stream is open.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Start opens the stream and starts the worker with a fresh state. On error
// the Recorder is left idle and Start may be called again.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		r.log.Debug().Msg("Recorder already running")
		return nil
	}

	s := &session{
		queue:  make(chan []float32, r.queueSize),
		faults: make(chan error, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	opts := audio.StreamOptions{
		Device:          r.device,
		SampleRate:      r.params.SampleRate,
		FramesPerBuffer: r.framesPerBuffer,
	}
	if err := r.capture.Start(opts, r.enqueue(s), s.fault); err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return err
	}

	r.sess = s
	r.last = s
	go r.run(s)

	r.log.Info().Msg("Recorder started")
	return nil
}

// Stop closes the stream, flushes any in-flight segment and waits a bounded
// time for the worker to exit. Stop on an idle Recorder is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s == nil {
		return
	}

	if err := r.capture.Stop(); err != nil {
		r.log.Warn().Err(err).Msg("Error stopping capture stream")
	}

	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(joinTimeout):
		r.log.Warn().Dur("timeout", joinTimeout).Msg("Worker did not exit in time, abandoning join")
	}

	r.log.Info().Msg("Recorder stopped")
}

// enqueue returns the capture-side push. It never blocks: when the queue is
// full the chunk is dropped.
func (r *Recorder) enqueue(s *session) func([]float32) {
	return func(samples []float32) {
		select {
		case s.queue <- samples:
		default:
			r.metrics.ChunksDropped.Add(context.Background(), 1)
			r.log.Warn().Err(ErrQueueOverflow).Int("frames", len(samples)).Msg("Dropping audio chunk")
		}
	}
}

func (s *session) fault(err error) {
	select {
	case s.faults <- err:
	default:
	}
}

// run is the worker goroutine. It is the only code touching the state.
func (r *Recorder) run(s *session) {
	defer close(s.done)

	p := newProcessor(r.params, r.sink, r.log, r.metrics, r.emit, r.onStateChange)
	p.setState(StateListening)

	for {
		select {
		case chunk := <-s.queue:
			p.handle(chunk)

		case <-s.stop:
			drain(s, p)
			p.shutdown()
			return

		case err := <-s.faults:
			r.metrics.StreamFaults.Add(context.Background(), 1)
			r.log.Error().Err(err).Msg("Capture stream failed")
			// Give up the stream first so a Start from the Idle
			// notification or the fault event opens a new one.
			r.release(s)
			drain(s, p)
			p.shutdown()
			r.emit(Event{Err: err})
			return
		}
	}
}

// drain processes whatever the capture side queued before it stopped.
func drain(s *session, p *processor) {
	for {
		select {
		case chunk := <-s.queue:
			p.handle(chunk)
		default:
			return
		}
	}
}

// release closes the stream after a fault unless Stop already took over.
func (r *Recorder) release(s *session) {
	r.mu.Lock()
	owned := r.sess == s
	if owned {
		r.sess = nil
	}
	r.mu.Unlock()

	if !owned {
		return
	}
	if err := r.capture.Stop(); err != nil {
		r.log.Warn().Err(err).Msg("Error releasing faulted capture stream")
	}
}

func (r *Recorder) emit(ev Event) {
	r.events <- ev
}
