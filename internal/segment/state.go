package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petems/voice-segmenter/internal/metrics"
)

// State is the externally visible recorder state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCapturing:
		return "capturing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sink persists a finalized segment and returns a reference to it.
type Sink interface {
	Write(samples []float32, sampleRate int) (string, error)
}

// Segment is one finalized span of speech.
type Segment struct {
	// Path is the sink reference; empty when the write failed.
	Path       string
	Samples    []float32
	SampleRate int
	Frames     int
	// Forced is set when the segment was flushed by Stop or a stream fault
	// and skipped the minimum duration check.
	Forced bool
}

// Duration returns the audio length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames) * time.Second / time.Duration(s.SampleRate)
}

// Event is delivered for every segment the recorder finalizes and keeps, and
// for errors the caller has to surface. Err wraps ErrSinkWrite or
// ErrStreamFault.
type Event struct {
	Segment Segment
	Err     error
}

// preRollBuffer holds chunks not yet confirmed as speech, bounded in frames.
type preRollBuffer struct {
	chunks [][]float32
	frames int
	limit  int
}

// push appends c and evicts the oldest chunks until the bound holds again.
func (b *preRollBuffer) push(c []float32) {
	b.chunks = append(b.chunks, c)
	b.frames += len(c)
	for b.frames > b.limit && len(b.chunks) > 0 {
		b.frames -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

func (b *preRollBuffer) reset() {
	b.chunks = nil
	b.frames = 0
}

// recorderState is owned by exactly one worker goroutine.
type recorderState struct {
	running          bool
	captureActive    bool
	framesSinceVoice uint64
	preRoll          preRollBuffer
	active           [][]float32
	activeFrames     int
}

// processor runs the per-chunk state machine. It is not safe for concurrent
// use; the recorder confines it to its worker goroutine.
type processor struct {
	params  Params
	sink    Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
	emit    func(Event)
	notify  func(State)

	state   recorderState
	current State
}

func newProcessor(params Params, sink Sink, log zerolog.Logger, met *metrics.Metrics, emit func(Event), notify func(State)) *processor {
	return &processor{
		params:  params,
		sink:    sink,
		log:     log,
		metrics: met,
		emit:    emit,
		notify:  notify,
		state: recorderState{
			running: true,
			preRoll: preRollBuffer{limit: params.PreRollFrames},
		},
	}
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float64(peak)
}

func (p *processor) handle(chunk []float32) {
	p.metrics.ChunksProcessed.Add(context.Background(), 1)

	st := &p.state
	speaking := Peak(chunk) > p.params.AmplitudeThreshold

	if speaking && !st.captureActive {
		st.active = append(st.active, st.preRoll.chunks...)
		st.activeFrames += st.preRoll.frames
		st.preRoll.reset()
		st.captureActive = true
		st.framesSinceVoice = 0
		p.setState(StateCapturing)
	}

	if !st.captureActive {
		st.preRoll.push(chunk)
		return
	}

	st.active = append(st.active, chunk)
	st.activeFrames += len(chunk)
	if speaking {
		st.framesSinceVoice = 0
		return
	}

	st.framesSinceVoice += uint64(len(chunk))
	if st.framesSinceVoice >= uint64(p.params.SilenceFrames) {
		p.finalize(false)
	}
}

// finalize closes the active segment. Short segments are dropped unless
// force is set. Whatever the outcome, capture state and the pre-roll window
// start over.
func (p *processor) finalize(force bool) {
	defer p.reset()

	st := &p.state
	if len(st.active) == 0 {
		return
	}

	samples := make([]float32, 0, st.activeFrames)
	for _, c := range st.active {
		samples = append(samples, c...)
	}

	ctx := context.Background()
	if !force && len(samples) < p.params.MinSpeechFrames {
		p.metrics.SegmentsDiscarded.Add(ctx, 1)
		p.log.Debug().
			Int("frames", len(samples)).
			Int("min_frames", p.params.MinSpeechFrames).
			Msg("Discarded short audio segment")
		return
	}

	seg := Segment{
		Samples:    samples,
		SampleRate: p.params.SampleRate,
		Frames:     len(samples),
		Forced:     force,
	}

	path, err := p.sink.Write(samples, p.params.SampleRate)
	if err != nil {
		p.metrics.SinkErrors.Add(ctx, 1)
		p.log.Error().Err(err).Int("frames", seg.Frames).Msg("Failed to write segment")
		p.emit(Event{Segment: seg, Err: fmt.Errorf("%w: %w", ErrSinkWrite, err)})
		return
	}
	seg.Path = path

	p.metrics.SegmentsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", force)))
	p.metrics.SegmentDuration.Record(ctx, seg.Duration().Seconds())
	p.log.Info().
		Str("path", path).
		Int("frames", seg.Frames).
		Dur("duration", seg.Duration()).
		Bool("forced", force).
		Msg("Segment ready")

	p.emit(Event{Segment: seg})
}

func (p *processor) reset() {
	st := &p.state
	st.active = nil
	st.activeFrames = 0
	st.captureActive = false
	st.framesSinceVoice = 0
	st.preRoll.reset()
	if st.running {
		p.setState(StateListening)
	}
}

// shutdown flushes whatever is being captured and leaves the processor Idle.
func (p *processor) shutdown() {
	p.finalize(true)
	p.state.running = false
	p.setState(StateIdle)
}

func (p *processor) setState(s State) {
	if s == p.current {
		return
	}
	p.current = s
	if p.notify != nil {
		p.notify(s)
	}
}
