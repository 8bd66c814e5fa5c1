// Package whispercpp runs segments through a local whisper.cpp model.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/transcribe"
)

// sampleRate is the only rate whisper.cpp accepts.
const sampleRate = 16000

type Transcriber struct {
	opts config.TranscribeConfig
	log  zerolog.Logger

	mu    sync.Mutex
	model whisper.Model
}

// New loads cfg.Model from the models directory, downloading it first if
// needed.
func New(ctx context.Context, cfg config.TranscribeConfig, log zerolog.Logger) (*Transcriber, error) {
	d := &transcribe.Downloader{Dir: config.ModelsPath(), Log: log}
	modelPath, err := d.Ensure(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	// Load model using official bindings
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	log.Info().Str("model", cfg.Model).Str("path", modelPath).Msg("Whisper model loaded")
	return &Transcriber{opts: cfg, log: log, model: model}, nil
}

// Transcribe runs the model over the segment samples. Calls are serialized;
// the model is shared and each call gets its own context.
func (w *Transcriber) Transcribe(ctx context.Context, a transcribe.Audio) (string, error) {
	if len(a.Samples) == 0 {
		return "", transcribe.ErrEmptyAudio
	}
	if a.SampleRate != sampleRate {
		return "", fmt.Errorf("whisper requires %d Hz audio, got %d", sampleRate, a.SampleRate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return "", errors.New("whisper model closed")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("failed to create context: %w", err)
	}

	// Set parameters
	if w.opts.Threads > 0 {
		wctx.SetThreads(uint(w.opts.Threads))
	}
	if w.opts.Language != "auto" && w.opts.Language != "" {
		if err := wctx.SetLanguage(w.opts.Language); err != nil {
			return "", fmt.Errorf("failed to set language: %w", err)
		}
	}
	wctx.SetTranslate(false)

	if err := wctx.Process(a.Samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process failed: %w", err)
	}

	var text strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		text.WriteString(seg.Text)
	}

	return strings.TrimSpace(text.String()), nil
}

func (w *Transcriber) Name() string { return "whisper" }

func (w *Transcriber) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model != nil {
		err := w.model.Close()
		w.model = nil
		return err
	}
	return nil
}
