package transcribe

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/wav"
)

type capturedRequest struct {
	path     string
	auth     string
	model    string
	language string
	filename string
	audio    []byte
}

func newTranscriptionServer(t *testing.T, status int, body string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")

		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err == nil {
			mr := multipart.NewReader(r.Body, params["boundary"])
			for {
				part, err := mr.NextPart()
				if err != nil {
					break
				}
				data, _ := io.ReadAll(part)
				switch part.FormName() {
				case "model":
					got.model = string(data)
				case "language":
					got.language = string(data)
				case "file":
					got.filename = part.FileName()
					got.audio = data
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func openAIConfig(baseURL string) config.TranscribeConfig {
	cfg := config.Default().Transcribe
	cfg.Backend = config.BackendOpenAI
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIBaseURL = baseURL
	cfg.Language = "en"
	return cfg
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	cfg := config.Default().Transcribe
	cfg.OpenAIAPIKey = ""
	if _, err := NewOpenAI(cfg); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestOpenAITranscribeFile(t *testing.T) {
	srv, got := newTranscriptionServer(t, http.StatusOK, `{"text": "  hello world \n"}`)

	path := filepath.Join(t.TempDir(), "recording.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := wav.Encode(f, make([]float32, 1600), 16000); err != nil {
		t.Fatal(err)
	}
	f.Close()

	o, err := NewOpenAI(openAIConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	text, err := o.Transcribe(context.Background(), Audio{Path: path, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("expected trimmed text, got %q", text)
	}
	if !strings.HasSuffix(got.path, "/audio/transcriptions") {
		t.Errorf("unexpected request path %s", got.path)
	}
	if got.auth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", got.auth)
	}
	if got.model != "whisper-1" || got.language != "en" {
		t.Errorf("unexpected form fields model=%q language=%q", got.model, got.language)
	}
	if got.filename != "recording.wav" {
		t.Errorf("expected file name recording.wav, got %q", got.filename)
	}
	if len(got.audio) != 44+2*1600 {
		t.Errorf("expected the full WAV file to be uploaded, got %d bytes", len(got.audio))
	}
}

func TestOpenAITranscribeSamplesWithoutFile(t *testing.T) {
	srv, got := newTranscriptionServer(t, http.StatusOK, `{"text": "from memory"}`)

	cfg := openAIConfig(srv.URL)
	cfg.Language = "auto"
	o, err := NewOpenAI(cfg)
	if err != nil {
		t.Fatal(err)
	}

	a := Audio{
		Path:       filepath.Join(t.TempDir(), "deleted.wav"),
		Samples:    make([]float32, 800),
		SampleRate: 16000,
	}
	text, err := o.Transcribe(context.Background(), a)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "from memory" {
		t.Errorf("unexpected text %q", text)
	}
	if got.language != "" {
		t.Errorf("auto language must not be sent, got %q", got.language)
	}
	if len(got.audio) != 44+2*800 {
		t.Errorf("expected in-memory WAV upload, got %d bytes", len(got.audio))
	}
}

func TestOpenAITranscribeHTTPError(t *testing.T) {
	srv, _ := newTranscriptionServer(t, http.StatusBadRequest, `{"error": {"message": "bad audio", "type": "invalid_request_error"}}`)

	o, err := NewOpenAI(openAIConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Transcribe(context.Background(), Audio{Samples: make([]float32, 10), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}

func TestEmptyAudio(t *testing.T) {
	o, err := NewOpenAI(openAIConfig("http://127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}

	for _, tr := range []Transcriber{None(), o} {
		if _, err := tr.Transcribe(context.Background(), Audio{}); !errors.Is(err, ErrEmptyAudio) {
			t.Errorf("%s: expected ErrEmptyAudio, got %v", tr.Name(), err)
		}
	}
}

func TestNoneTranscriber(t *testing.T) {
	n := None()
	text, err := n.Transcribe(context.Background(), Audio{Path: "recordings/x.wav"})
	if err != nil || text != "" {
		t.Errorf("expected empty result, got %q, %v", text, err)
	}
	if n.Name() != "none" {
		t.Errorf("unexpected name %s", n.Name())
	}
}

func TestDownloaderEnsure(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/ggml-base.en.bin" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "model-bytes")
	}))
	defer srv.Close()

	d := &Downloader{Dir: filepath.Join(t.TempDir(), "models"), BaseURL: srv.URL, Log: zerolog.Nop()}

	path, err := d.Ensure(context.Background(), "base.en")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "model-bytes" {
		t.Errorf("unexpected model contents %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be removed")
	}

	// Second call uses the cached file.
	if _, err := d.Ensure(context.Background(), "base.en"); err != nil {
		t.Fatal(err)
	}
	if requests != 1 {
		t.Errorf("expected 1 download, got %d", requests)
	}
}

func TestDownloaderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &Downloader{Dir: t.TempDir(), BaseURL: srv.URL, Log: zerolog.Nop()}

	if _, err := d.Ensure(context.Background(), "no-such-model"); err == nil {
		t.Error("expected error for unknown model")
	}
	path, err := d.Ensure(context.Background(), "small.en")
	if err == nil {
		t.Fatal("expected error for HTTP failure")
	}
	if path != "" {
		t.Errorf("expected no path on failure, got %s", path)
	}
	if _, err := os.Stat(d.ModelPath("small.en")); !os.IsNotExist(err) {
		t.Error("no model file should exist after a failed download")
	}
}
