// Package segment turns a live stream of audio chunks into discrete speech
// segments using a peak-amplitude threshold, a trailing-silence timer and a
// pre-roll buffer.
package segment

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultSampleRate         = 16000
	DefaultSilenceDuration    = 1.3
	DefaultMinSpeechDuration  = 1.0
	DefaultPreRoll            = 0.4
	DefaultAmplitudeThreshold = 0.015
)

// Params are the fixed segmentation parameters, expressed in frames.
type Params struct {
	SampleRate int

	// SilenceFrames of contiguous trailing silence finalize a segment.
	SilenceFrames int

	// MinSpeechFrames is the shortest segment kept by a non-forced finalize.
	MinSpeechFrames int

	// PreRollFrames bounds the audio retained before speech onset.
	PreRollFrames int

	// AmplitudeThreshold is compared against the chunk peak; strictly greater
	// means speech.
	AmplitudeThreshold float64
}

// NewParams converts durations in seconds to frame counts at sampleRate and
// validates the result.
func NewParams(sampleRate int, silence, minSpeech, preRoll, threshold float64) (Params, error) {
	for name, v := range map[string]float64{
		"silence duration":    silence,
		"min speech duration": minSpeech,
		"pre-roll":            preRoll,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return Params{}, fmt.Errorf("%w: %s must be a finite non-negative number of seconds, got %v", ErrCorruptConfig, name, v)
		}
	}

	p := Params{
		SampleRate:         sampleRate,
		SilenceFrames:      secondsToFrames(silence, sampleRate),
		MinSpeechFrames:    secondsToFrames(minSpeech, sampleRate),
		PreRollFrames:      secondsToFrames(preRoll, sampleRate),
		AmplitudeThreshold: threshold,
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// DefaultParams returns the 16 kHz defaults.
func DefaultParams() Params {
	return Params{
		SampleRate:         DefaultSampleRate,
		SilenceFrames:      secondsToFrames(DefaultSilenceDuration, DefaultSampleRate),
		MinSpeechFrames:    secondsToFrames(DefaultMinSpeechDuration, DefaultSampleRate),
		PreRollFrames:      secondsToFrames(DefaultPreRoll, DefaultSampleRate),
		AmplitudeThreshold: DefaultAmplitudeThreshold,
	}
}

// Validate reports ErrCorruptConfig for parameters the state machine cannot
// run with.
func (p Params) Validate() error {
	switch {
	case p.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrCorruptConfig, p.SampleRate)
	case p.SilenceFrames <= 0:
		return fmt.Errorf("%w: silence duration must be at least one frame, got %d", ErrCorruptConfig, p.SilenceFrames)
	case p.MinSpeechFrames < 0:
		return fmt.Errorf("%w: min speech duration must not be negative, got %d", ErrCorruptConfig, p.MinSpeechFrames)
	case p.PreRollFrames < 0:
		return fmt.Errorf("%w: pre-roll must not be negative, got %d", ErrCorruptConfig, p.PreRollFrames)
	case !(p.AmplitudeThreshold > 0 && p.AmplitudeThreshold < 1):
		return fmt.Errorf("%w: amplitude threshold must be in (0, 1), got %v", ErrCorruptConfig, p.AmplitudeThreshold)
	}
	return nil
}

// Duration returns the playback length of frames at the configured rate.
func (p Params) Duration(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

// secondsToFrames truncates like the frame arithmetic everywhere else.
func secondsToFrames(seconds float64, sampleRate int) int {
	return int(seconds * float64(sampleRate))
}
