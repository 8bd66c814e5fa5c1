package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petems/voice-segmenter/internal/audio"
	"github.com/petems/voice-segmenter/internal/metrics"
)

// Mock implementations for testing
type mockCapture struct {
	mu       sync.Mutex
	startErr error
	push     func([]float32)
	fault    func(error)
	opts     audio.StreamOptions
	starts   int
	stops    int
}

func (m *mockCapture) Start(opts audio.StreamOptions, push func([]float32), fault func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.opts = opts
	m.push = push
	m.fault = fault
	m.starts++
	return nil
}

func (m *mockCapture) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.push != nil {
		m.stops++
	}
	m.push = nil
	return nil
}

func (m *mockCapture) ListDevices() ([]audio.AudioDevice, error) {
	return nil, nil
}

func (m *mockCapture) Close() error {
	return m.Stop()
}

func (m *mockCapture) send(chunks ...[]float32) {
	m.mu.Lock()
	push := m.push
	m.mu.Unlock()
	for _, c := range chunks {
		push(c)
	}
}

func (m *mockCapture) fail(err error) {
	m.mu.Lock()
	fault := m.fault
	m.mu.Unlock()
	fault(err)
}

func (m *mockCapture) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *mockCapture) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type lockedSink struct {
	mu sync.Mutex
	mockSink
}

func (s *lockedSink) Write(samples []float32, sampleRate int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mockSink.Write(samples, sampleRate)
}

// blockingSink holds the first Write until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Write(samples []float32, sampleRate int) (string, error) {
	close(s.entered)
	<-s.release
	return "recordings/late.wav", nil
}

func newTestRecorder(t *testing.T, c *mockCapture, opts Options) *Recorder {
	t.Helper()
	opts.Capture = c
	if opts.Sink == nil {
		opts.Sink = &lockedSink{}
	}
	if opts.Params == (Params{}) {
		opts.Params = DefaultParams()
	}
	opts.Logger = zerolog.Nop()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func waitEvent(t *testing.T, r *Recorder) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, r *Recorder) {
	t.Helper()
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRejectsCorruptConfig(t *testing.T) {
	bad := DefaultParams()
	bad.AmplitudeThreshold = 2

	tests := []struct {
		name string
		opts Options
	}{
		{"bad params", Options{Params: bad, Capture: &mockCapture{}, Sink: &mockSink{}}},
		{"no capture", Options{Params: DefaultParams(), Sink: &mockSink{}}},
		{"no sink", Options{Params: DefaultParams(), Capture: &mockCapture{}}},
		{"negative queue", Options{Params: DefaultParams(), Capture: &mockCapture{}, Sink: &mockSink{}, QueueSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); !errors.Is(err, ErrCorruptConfig) {
				t.Errorf("expected ErrCorruptConfig, got %v", err)
			}
		})
	}
}

func TestRecorderPassesStreamOptions(t *testing.T) {
	c := &mockCapture{}
	dev := &audio.AudioDevice{ID: "BlackHole 2ch", Name: "BlackHole 2ch", MaxInputChannels: 2}
	r := newTestRecorder(t, c, Options{Device: dev, FramesPerBuffer: 512})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.opts.Device != dev || c.opts.SampleRate != 16000 || c.opts.FramesPerBuffer != 512 {
		t.Errorf("unexpected stream options %+v", c.opts)
	}
}

func TestRecorderEmitsSegmentsWhileRunning(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(repeat(10, loud, testChunk)...)
	c.send(repeat(13, quiet, testChunk)...)

	ev := waitEvent(t, r)
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if ev.Segment.Forced || ev.Segment.Path == "" {
		t.Errorf("unexpected segment %+v", ev.Segment)
	}
	if ev.Segment.Frames != 10*testChunk+20800 {
		t.Errorf("expected %d frames, got %d", 10*testChunk+20800, ev.Segment.Frames)
	}

	r.Stop()
	expectNoEvent(t, r)
}

func TestRecorderStopFlushesInFlightSegment(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(quiet(testChunk), loud(testChunk))
	r.Stop()

	ev := waitEvent(t, r)
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if !ev.Segment.Forced {
		t.Error("expected a forced segment")
	}
	if ev.Segment.Frames != 2*testChunk {
		t.Errorf("expected pre-roll plus speech (%d frames), got %d", 2*testChunk, ev.Segment.Frames)
	}
	expectNoEvent(t, r)
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	r.Stop()
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	r.Stop()
	r.Stop()

	if c.starts != 1 {
		t.Errorf("expected 1 stream start, got %d", c.starts)
	}
	if got := c.stopCount(); got != 1 {
		t.Errorf("expected 1 stream stop, got %d", got)
	}
	if r.Running() {
		t.Error("recorder should be idle")
	}
}

func TestRecorderStartFailureLeavesIdle(t *testing.T) {
	c := &mockCapture{startErr: fmt.Errorf("%w: device busy", audio.ErrDeviceUnavailable)}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if r.Running() {
		t.Fatal("recorder must stay idle after a failed start")
	}

	c.startErr = errors.New("permission denied")
	if err := r.Start(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected unclassified start errors to be wrapped, got %v", err)
	}

	c.startErr = nil
	if err := r.Start(); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if !r.Running() {
		t.Fatal("expected recorder to run after retry")
	}
}

func TestRecorderFreshStateAcrossRestart(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(quiet(testChunk), quiet(testChunk))
	r.Stop()
	expectNoEvent(t, r)

	if err := r.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.send(loud(testChunk))
	r.Stop()

	// The pre-roll from the first run must not leak into the second.
	ev := waitEvent(t, r)
	if ev.Segment.Frames != testChunk {
		t.Errorf("expected %d frames, got %d", testChunk, ev.Segment.Frames)
	}
}

func TestRecorderStreamFault(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(loud(testChunk))
	c.fail(fmt.Errorf("%w: device disconnected", audio.ErrStreamFault))

	flushed := waitEvent(t, r)
	if flushed.Err != nil || !flushed.Segment.Forced || flushed.Segment.Frames != testChunk {
		t.Fatalf("expected forced flush before the fault, got %+v", flushed)
	}

	fault := waitEvent(t, r)
	if !errors.Is(fault.Err, ErrStreamFault) {
		t.Fatalf("expected ErrStreamFault, got %v", fault.Err)
	}

	var released bool
	for i := 0; i < 100; i++ { // Poll for 1 second
		if c.stopCount() == 1 && !r.Running() {
			released = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !released {
		t.Fatal("expected the stream to be released and the recorder idle")
	}

	r.Stop()
	if got := c.stopCount(); got != 1 {
		t.Errorf("Stop after a fault must be a no-op, got %d stream stops", got)
	}
}

func TestRecorderStateChanges(t *testing.T) {
	var mu sync.Mutex
	var states []State

	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(loud(testChunk))
	r.Stop()
	waitEvent(t, r)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateListening, StateCapturing, StateListening, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := metrics.New(mp)
	if err != nil {
		t.Fatal(err)
	}

	r := newTestRecorder(t, &mockCapture{}, Options{QueueSize: 1, Metrics: met})
	s := &session{queue: make(chan []float32, r.queueSize)}
	push := r.enqueue(s)

	first := loud(testChunk)
	push(first)
	push(quiet(testChunk))
	push(quiet(testChunk))

	if len(s.queue) != 1 {
		t.Fatalf("expected 1 queued chunk, got %d", len(s.queue))
	}
	if got := <-s.queue; &got[0] != &first[0] {
		t.Error("the first chunk must be kept and later ones dropped")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "voiceseg.chunks.dropped" {
				dropped = m.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	if dropped != 2 {
		t.Errorf("expected 2 dropped chunks, got %d", dropped)
	}
}

func TestRecorderRestartAfterFaultEvent(t *testing.T) {
	c := &mockCapture{}
	r := newTestRecorder(t, c, Options{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.fail(fmt.Errorf("%w: device disconnected", audio.ErrStreamFault))

	ev := waitEvent(t, r)
	if !errors.Is(ev.Err, ErrStreamFault) {
		t.Fatalf("expected ErrStreamFault, got %v", ev.Err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start after fault: %v", err)
	}
	if !r.Running() {
		t.Fatal("expected the recorder to be running after a retry")
	}
	if got := c.startCount(); got != 2 {
		t.Errorf("expected a second stream to be opened, got %d starts", got)
	}
}

func TestRecorderRestartFromIdleNotification(t *testing.T) {
	c := &mockCapture{}
	faulted := make(chan struct{})
	retried := make(chan error, 1)

	var r *Recorder
	var once sync.Once
	r = newTestRecorder(t, c, Options{
		OnStateChange: func(s State) {
			if s != StateIdle {
				return
			}
			select {
			case <-faulted:
				once.Do(func() { retried <- r.Start() })
			default:
			}
		},
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(faulted)
	c.fail(fmt.Errorf("%w: device disconnected", audio.ErrStreamFault))

	select {
	case err := <-retried:
		if err != nil {
			t.Fatalf("Start from the Idle notification: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the retry")
	}

	if ev := waitEvent(t, r); !errors.Is(ev.Err, ErrStreamFault) {
		t.Fatalf("expected ErrStreamFault, got %v", ev.Err)
	}
	if !r.Running() {
		t.Fatal("Start reported success but the recorder is idle")
	}
	if got := c.startCount(); got != 2 {
		t.Errorf("expected a second stream to be opened, got %d starts", got)
	}
}

func TestRecorderStopJoinIsBounded(t *testing.T) {
	c := &mockCapture{}
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	r := newTestRecorder(t, c, Options{Sink: sink})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.send(loud(testChunk))

	start := time.Now()
	r.Stop()
	elapsed := time.Since(start)

	if elapsed < joinTimeout || elapsed > joinTimeout+time.Second {
		t.Errorf("expected Stop to give up after about %v, took %v", joinTimeout, elapsed)
	}
	if r.Running() {
		t.Error("expected the recorder to be idle after Stop")
	}
	if got := c.stopCount(); got != 1 {
		t.Errorf("expected the stream to be closed once, got %d", got)
	}

	select {
	case <-sink.entered:
	default:
		t.Fatal("expected the forced flush to be writing")
	}
	select {
	case <-r.Done():
		t.Fatal("worker exited while the sink was still blocked")
	default:
	}

	close(sink.release)
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after the sink was released")
	}

	ev := waitEvent(t, r)
	if ev.Err != nil || !ev.Segment.Forced || ev.Segment.Path != "recordings/late.wav" {
		t.Errorf("expected the late flush to be delivered, got %+v", ev)
	}
}

func TestRecorderDoneBeforeStart(t *testing.T) {
	r := newTestRecorder(t, &mockCapture{}, Options{})

	select {
	case <-r.Done():
	default:
		t.Error("Done should be closed when no worker was started")
	}
}
