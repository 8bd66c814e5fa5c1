package segment

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.SampleRate != 16000 || p.SilenceFrames != 20800 || p.MinSpeechFrames != 16000 || p.PreRollFrames != 6400 {
		t.Errorf("unexpected defaults %+v", p)
	}
	if p.AmplitudeThreshold != 0.015 {
		t.Errorf("expected threshold 0.015, got %v", p.AmplitudeThreshold)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestNewParams(t *testing.T) {
	p, err := NewParams(48000, 0.5, 0.25, 0.1, 0.02)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	if p.SilenceFrames != 24000 || p.MinSpeechFrames != 12000 || p.PreRollFrames != 4800 {
		t.Errorf("unexpected frame counts %+v", p)
	}
	if got := p.Duration(24000); got != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", got)
	}
}

func TestNewParamsRejectsCorruptConfig(t *testing.T) {
	tests := []struct {
		name                        string
		rate                        int
		silence, min, pre, threshold float64
	}{
		{"zero rate", 0, 1.3, 1, 0.4, 0.015},
		{"negative rate", -16000, 1.3, 1, 0.4, 0.015},
		{"zero silence", 16000, 0, 1, 0.4, 0.015},
		{"silence under one frame", 16000, 0.00001, 1, 0.4, 0.015},
		{"negative min speech", 16000, 1.3, -1, 0.4, 0.015},
		{"negative pre-roll", 16000, 1.3, 1, -0.4, 0.015},
		{"nan pre-roll", 16000, 1.3, 1, math.NaN(), 0.015},
		{"infinite silence", 16000, math.Inf(1), 1, 0.4, 0.015},
		{"zero threshold", 16000, 1.3, 1, 0.4, 0},
		{"threshold of one", 16000, 1.3, 1, 0.4, 1},
		{"nan threshold", 16000, 1.3, 1, 0.4, math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParams(tt.rate, tt.silence, tt.min, tt.pre, tt.threshold)
			if !errors.Is(err, ErrCorruptConfig) {
				t.Errorf("expected ErrCorruptConfig, got %v", err)
			}
		})
	}
}

func TestZeroPreRollAndMinimumAreValid(t *testing.T) {
	if _, err := NewParams(16000, 1.3, 0, 0, 0.015); err != nil {
		t.Errorf("zero pre-roll and min speech should be allowed: %v", err)
	}
}
