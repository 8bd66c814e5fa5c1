package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/petems/voice-segmenter/internal/audio"
	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/metrics"
	"github.com/petems/voice-segmenter/internal/segment"
	"github.com/petems/voice-segmenter/internal/transcribe"
	"github.com/petems/voice-segmenter/internal/wav"
)

const (
	DefaultRecentLimit = 20

	jobQueueSize = 32

	// flushTimeout bounds how long a stopped listener's last segment is
	// awaited before its consumer gives up.
	flushTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on an App after Shutdown.
var ErrClosed = errors.New("app is shut down")

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetListening()
	SetCapturing()
	SetProcessing()
	SetError()
}

// Clipboard receives finished transcripts.
type Clipboard interface {
	WriteAll(text string) error
}

type Config struct {
	Audio         audio.Capture
	Transcriber   transcribe.Transcriber
	Clipboard     Clipboard // Optional - can be nil
	Config        *config.Config
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics // Optional - defaults to no-op
	StatusUpdater StatusUpdater    // Optional - can be nil
	Sink          segment.Sink     // Optional - defaults to WAV files in the recordings dir
	RecentLimit   int

	// OnTranscript is called from the transcription goroutine for every
	// successful transcript.
	OnTranscript func(Transcript)
}

// Transcript is a transcribed speech segment.
type Transcript struct {
	// Path is the recording; empty once deleted.
	Path     string
	Text     string
	Duration time.Duration
	Forced   bool
	At       time.Time
}

type App struct {
	capture      audio.Capture
	stt          transcribe.Transcriber
	clip         Clipboard
	cfg          *config.Config
	log          zerolog.Logger
	met          *metrics.Metrics
	status       StatusUpdater
	onTranscript func(Transcript)
	recentLimit  int
	params       segment.Params
	sink         segment.Sink

	jobs   chan segment.Segment
	group  *errgroup.Group
	cancel context.CancelFunc

	mu       sync.Mutex
	rec      *segment.Recorder
	consumer *consumer
	device   *audio.AudioDevice
	closed   bool

	recentMu sync.Mutex
	recent   []Transcript

	statusMu   sync.Mutex
	state      segment.State
	processing int
	failed     bool
}

// consumer drains one recorder's event channel.
type consumer struct {
	quit chan struct{}
	done chan struct{}
}

// New resolves the input device, builds the listener and starts the
// transcription worker. The listener starts idle.
func New(cfg Config) (*App, error) {
	if cfg.Audio == nil || cfg.Transcriber == nil || cfg.Config == nil {
		return nil, errors.New("app: audio, transcriber and config are required")
	}
	params, err := cfg.Config.Listener.Params(cfg.Config.Audio.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}
	if cfg.Sink == nil {
		cfg.Sink = wav.NewWriter(cfg.Config.Listener.RecordingsDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	a := &App{
		capture:      cfg.Audio,
		stt:          cfg.Transcriber,
		clip:         cfg.Clipboard,
		cfg:          cfg.Config,
		log:          cfg.Logger,
		met:          cfg.Metrics,
		status:       cfg.StatusUpdater,
		onTranscript: cfg.OnTranscript,
		recentLimit:  cfg.RecentLimit,
		params:       params,
		sink:         cfg.Sink,
		jobs:         make(chan segment.Segment, jobQueueSize),
		group:        group,
		cancel:       cancel,
	}

	a.device = audio.FindInput(a.capture, a.cfg.Audio.DeviceMatch, a.log)
	a.rec, err = a.newRecorder(a.device)
	if err != nil {
		cancel()
		return nil, err
	}
	a.consumer = a.consume(a.rec)

	group.Go(func() error {
		return a.transcribeLoop(gctx)
	})

	return a, nil
}

func (a *App) newRecorder(dev *audio.AudioDevice) (*segment.Recorder, error) {
	return segment.New(segment.Options{
		Params:          a.params,
		Capture:         a.capture,
		Device:          dev,
		Sink:            a.sink,
		FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
		QueueSize:       a.cfg.Audio.QueueSize,
		Logger:          a.log,
		Metrics:         a.met,
		OnStateChange:   a.onStateChange,
	})
}

// OnHotkey maps hotkey presses to the listener according to the mode.
func (a *App) OnHotkey(pressed bool) {
	var err error
	switch a.Mode() {
	case config.ModePushToTalk:
		if pressed {
			err = a.StartListening()
		} else {
			a.StopListening()
		}
	default:
		if pressed {
			err = a.ToggleListening()
		}
	}
	if err != nil {
		a.log.Error().Err(err).Msg("Hotkey action failed")
	}
}

// StartListening opens the input stream. It is a no-op when already
// listening.
func (a *App) StartListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked()
}

func (a *App) startLocked() error {
	if a.closed {
		return ErrClosed
	}
	if err := a.rec.Start(); err != nil {
		a.log.Error().Err(err).Str("device", deviceName(a.device)).Msg("Failed to start listening")
		a.setError()
		return err
	}
	a.log.Info().Str("device", deviceName(a.device)).Msg("Listening")
	return nil
}

// StopListening closes the stream and flushes any segment in progress.
func (a *App) StopListening() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.rec.Stop()
}

func (a *App) ToggleListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rec.Running() {
		a.rec.Stop()
		return nil
	}
	return a.startLocked()
}

func (a *App) IsListening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.Running()
}

// Shutdown stops listening, transcribes what is already queued and waits
// for the worker. Pending work is abandoned when ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.rec.Stop()
	a.stopConsumerLocked()
	a.mu.Unlock()

	close(a.jobs)

	done := make(chan error, 1)
	go func() {
		done <- a.group.Wait()
	}()

	select {
	case err := <-done:
		a.cancel()
		return err
	case <-ctx.Done():
		a.cancel()
		return fmt.Errorf("transcription did not finish: %w", ctx.Err())
	}
}

// Tray actions

func (a *App) Mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Mode
}

func (a *App) SetMode(mode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Mode = mode
	if err := a.cfg.Save(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to save config")
	}
}

// SetDevice switches to the input device matching name. The listener is
// rebuilt and restarted if it was running.
func (a *App) SetDevice(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	dev := audio.FindInput(a.capture, name, a.log)
	rec, err := a.newRecorder(dev)
	if err != nil {
		return err
	}

	wasRunning := a.rec.Running()
	a.rec.Stop()
	a.stopConsumerLocked()

	a.rec = rec
	a.device = dev
	a.consumer = a.consume(rec)

	a.cfg.Audio.DeviceMatch = name
	if err := a.cfg.Save(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to save config")
	}
	a.log.Info().Str("device", deviceName(dev)).Msg("Input device changed")

	if wasRunning {
		return a.startLocked()
	}
	return nil
}

// CurrentDevice returns the selected device name, or "" for the system
// default input.
func (a *App) CurrentDevice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return ""
	}
	return a.device.Name
}

func (a *App) ListDevices() ([]audio.AudioDevice, error) {
	return a.capture.ListDevices()
}

// Recent returns the latest transcripts, oldest first.
func (a *App) Recent() []Transcript {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	out := make([]Transcript, len(a.recent))
	copy(out, a.recent)
	return out
}

func (a *App) addRecent(t Transcript) {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	a.recent = append(a.recent, t)
	if over := len(a.recent) - a.recentLimit; over > 0 {
		a.recent = append(a.recent[:0], a.recent[over:]...)
	}
}

// ===== EVENTS =====

func (a *App) consume(rec *segment.Recorder) *consumer {
	c := &consumer{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			select {
			case ev := <-rec.Events():
				a.handleEvent(ev)
			case <-c.quit:
				a.drainFlushed(rec)
				return
			}
		}
	}()
	return c
}

// drainFlushed takes everything a stopped recorder still produces. Stop may
// return before a slow forced flush lands, so this waits for the worker.
func (a *App) drainFlushed(rec *segment.Recorder) {
	timeout := time.NewTimer(flushTimeout)
	defer timeout.Stop()

	done := rec.Done()
	for {
		select {
		case ev := <-rec.Events():
			a.handleEvent(ev)
		case <-done:
			for {
				select {
				case ev := <-rec.Events():
					a.handleEvent(ev)
				default:
					return
				}
			}
		case <-timeout.C:
			a.log.Warn().Dur("timeout", flushTimeout).Msg("Listener still flushing, its last segment will not be transcribed")
			return
		}
	}
}

func (a *App) stopConsumerLocked() {
	close(a.consumer.quit)
	<-a.consumer.done
}

func (a *App) handleEvent(ev segment.Event) {
	if ev.Err != nil {
		switch {
		case errors.Is(ev.Err, segment.ErrStreamFault):
			a.log.Error().Err(ev.Err).Msg("Input stream failed, listening stopped")
		default:
			a.log.Error().Err(ev.Err).Msg("Segment lost")
		}
		a.setError()
		return
	}
	a.jobs <- ev.Segment
}

func (a *App) transcribeLoop(ctx context.Context) error {
	for seg := range a.jobs {
		if ctx.Err() != nil {
			continue
		}
		a.transcribe(ctx, seg)
	}
	return nil
}

func (a *App) transcribe(ctx context.Context, seg segment.Segment) {
	a.setProcessing(1)
	defer a.setProcessing(-1)

	tctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Transcribe.TimeoutS)*time.Second)
	start := time.Now()
	text, err := a.stt.Transcribe(tctx, transcribe.Audio{
		Path:       seg.Path,
		Samples:    seg.Samples,
		SampleRate: seg.SampleRate,
	})
	cancel()
	a.met.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("backend", a.stt.Name())))

	if err != nil {
		a.log.Error().Err(err).Str("path", seg.Path).Str("backend", a.stt.Name()).Msg("Transcription failed")
		a.setError()
		return
	}

	t := Transcript{
		Path:     seg.Path,
		Text:     applyFilters(text),
		Duration: seg.Duration(),
		Forced:   seg.Forced,
		At:       time.Now(),
	}

	if !a.cfg.Listener.KeepRecordings && seg.Path != "" {
		if err := os.Remove(seg.Path); err != nil {
			a.log.Warn().Err(err).Str("path", seg.Path).Msg("Failed to delete recording")
		} else {
			t.Path = ""
		}
	}

	a.addRecent(t)
	a.log.Info().Str("text", t.Text).Dur("duration", t.Duration).Msg("Transcribed")

	if t.Text != "" && a.cfg.CopyToClipboard && a.clip != nil {
		if err := a.clip.WriteAll(t.Text); err != nil {
			a.log.Warn().Err(err).Msg("Failed to copy transcript")
		}
	}
	if a.onTranscript != nil {
		a.onTranscript(t)
	}
}

func applyFilters(text string) string {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return text
	}

	// Auto-capitalize first letter
	if text[0] >= 'a' && text[0] <= 'z' {
		text = string(text[0]-32) + text[1:]
	}

	return text
}

// ===== STATUS =====

// onStateChange runs on the recorder worker and must not take a.mu.
func (a *App) onStateChange(s segment.State) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.state = s
	if s != segment.StateIdle {
		a.failed = false
	}
	a.renderLocked()
}

func (a *App) setProcessing(delta int) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.processing += delta
	a.renderLocked()
}

func (a *App) setError() {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.failed = true
	a.renderLocked()
}

func (a *App) renderLocked() {
	if a.status == nil {
		return
	}
	switch {
	case a.processing > 0:
		a.status.SetProcessing()
	case a.failed:
		a.status.SetError()
	case a.state == segment.StateCapturing:
		a.status.SetCapturing()
	case a.state == segment.StateListening:
		a.status.SetListening()
	default:
		a.status.SetIdle()
	}
}

func deviceName(d *audio.AudioDevice) string {
	if d == nil {
		return "default"
	}
	return d.Name
}
