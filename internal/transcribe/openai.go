package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/wav"
)

// OpenAI sends segments to the audio transcriptions endpoint.
type OpenAI struct {
	client   openai.Client
	model    string
	language string
}

// NewOpenAI builds the hosted backend. The API key normally comes from
// OPENAI_API_KEY through the config loader.
func NewOpenAI(cfg config.TranscribeConfig) (*OpenAI, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty (set OPENAI_API_KEY)")
	}
	model := cfg.OpenAIModel
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIAPIKey),
	}
	if cfg.OpenAIBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.TimeoutS > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutS) * time.Second,
		}))
	}

	return &OpenAI{
		client:   openai.NewClient(reqOpts...),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, a Audio) (string, error) {
	if a.empty() {
		return "", ErrEmptyAudio
	}

	file, name, err := openAudio(a)
	if err != nil {
		return "", err
	}
	if c, ok := file.(io.Closer); ok {
		defer c.Close()
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(file, name, "audio/wav"),
		Model: openai.AudioModel(o.model),
	}
	if o.language != "" && o.language != "auto" {
		params.Language = openai.String(o.language)
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Close() error { return nil }

// openAudio returns the segment file, or an in-memory WAV when only samples
// are available.
func openAudio(a Audio) (io.Reader, string, error) {
	if a.Path != "" {
		f, err := os.Open(a.Path)
		if err == nil {
			return f, filepath.Base(a.Path), nil
		}
		if len(a.Samples) == 0 {
			return nil, "", fmt.Errorf("open segment: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := wav.Encode(&buf, a.Samples, a.SampleRate); err != nil {
		return nil, "", fmt.Errorf("encode segment: %w", err)
	}
	return &buf, "segment.wav", nil
}
