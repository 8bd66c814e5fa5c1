// Package metrics holds the OpenTelemetry instruments recorded by the
// listener and the transcription consumer.
//
// Tests should build their own [Metrics] with [New] and an SDK
// MeterProvider backed by a ManualReader. Production code calls
// [InitProvider] once, which exports everything through Prometheus.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all instruments.
const meterName = "github.com/petems/voice-segmenter"

// Metrics holds all metric instruments. All fields are safe for concurrent use.
type Metrics struct {
	// ChunksProcessed counts chunks consumed by the segmentation worker.
	ChunksProcessed metric.Int64Counter

	// ChunksDropped counts chunks dropped because the queue was full.
	ChunksDropped metric.Int64Counter

	// SegmentsEmitted counts segments written and delivered. Use with
	// attribute.Bool("forced", ...).
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts segments rejected as shorter than the
	// minimum speech duration.
	SegmentsDiscarded metric.Int64Counter

	// SinkErrors counts segments lost because they could not be written.
	SinkErrors metric.Int64Counter

	// StreamFaults counts fatal capture stream errors.
	StreamFaults metric.Int64Counter

	// SegmentDuration tracks the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// TranscriptionDuration tracks transcription latency. Use with
	// attribute.String("backend", ...).
	TranscriptionDuration metric.Float64Histogram
}

var segmentBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// New creates a fully initialised Metrics using mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksProcessed, err = m.Int64Counter("voiceseg.chunks.processed",
		metric.WithDescription("Audio chunks consumed by the segmentation worker."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voiceseg.chunks.dropped",
		metric.WithDescription("Audio chunks dropped because the queue was full."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("voiceseg.segments.emitted",
		metric.WithDescription("Speech segments written and delivered."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("voiceseg.segments.discarded",
		metric.WithDescription("Speech segments shorter than the minimum duration."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("voiceseg.sink.errors",
		metric.WithDescription("Segments lost because they could not be written."),
	); err != nil {
		return nil, err
	}
	if met.StreamFaults, err = m.Int64Counter("voiceseg.stream.faults",
		metric.WithDescription("Fatal capture stream errors."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voiceseg.segment.duration",
		metric.WithDescription("Audio length of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("voiceseg.transcription.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns Metrics whose instruments record nothing.
func Nop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails instrument creation.
		panic(err)
	}
	return m
}
