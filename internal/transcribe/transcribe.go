// Package transcribe turns finalized speech segments into text.
package transcribe

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when a segment carries neither a file nor samples.
var ErrEmptyAudio = errors.New("no audio to transcribe")

// Audio is one finalized segment. Backends prefer Path and fall back to
// Samples when the file is gone.
type Audio struct {
	Path       string
	Samples    []float32
	SampleRate int
}

func (a Audio) empty() bool {
	return a.Path == "" && len(a.Samples) == 0
}

// Transcriber interface for speech-to-text
type Transcriber interface {
	Transcribe(ctx context.Context, a Audio) (string, error)
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

type none struct{}

// None returns a Transcriber that produces no text. Segments are still
// written and reported.
func None() Transcriber {
	return none{}
}

func (none) Transcribe(ctx context.Context, a Audio) (string, error) {
	if a.empty() {
		return "", ErrEmptyAudio
	}
	return "", ctx.Err()
}

func (none) Name() string { return "none" }

func (none) Close() error { return nil }
