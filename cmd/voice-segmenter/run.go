package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/app"
	"github.com/petems/voice-segmenter/internal/audio"
	"github.com/petems/voice-segmenter/internal/audio/portaudio"
	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/hotkey"
	"github.com/petems/voice-segmenter/internal/logging"
	"github.com/petems/voice-segmenter/internal/metrics"
	"github.com/petems/voice-segmenter/internal/permissions"
	"github.com/petems/voice-segmenter/internal/transcribe"
	"github.com/petems/voice-segmenter/internal/transcribe/whispercpp"
	"github.com/petems/voice-segmenter/internal/tray"
)

const shutdownTimeout = 10 * time.Second

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}

// services are the long-lived dependencies shared by tray and listen.
type services struct {
	cfg     *config.Config
	log     zerolog.Logger
	capture audio.Capture
	stt     transcribe.Transcriber
	met     *metrics.Metrics

	shutdownMetrics func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if deviceName != "" {
		cfg.Audio.DeviceMatch = deviceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsureMicrophone(); err != nil {
		return nil, err
	}

	met, shutdownMetrics, err := metrics.InitProvider(Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	// Initialize audio capture
	capture, err := portaudio.New(log)
	if err != nil {
		shutdownMetrics(context.Background())
		return nil, fmt.Errorf("failed to initialize audio: %w", err)
	}

	stt, err := newTranscriber(ctx, cfg.Transcribe, log)
	if err != nil {
		capture.Close()
		shutdownMetrics(context.Background())
		return nil, fmt.Errorf("failed to initialize %s transcriber: %w", cfg.Transcribe.Backend, err)
	}

	return &services{
		cfg:             cfg,
		log:             log,
		capture:         capture,
		stt:             stt,
		met:             met,
		shutdownMetrics: shutdownMetrics,
	}, nil
}

func newTranscriber(ctx context.Context, cfg config.TranscribeConfig, log zerolog.Logger) (transcribe.Transcriber, error) {
	switch cfg.Backend {
	case config.BackendWhisper:
		return whispercpp.New(ctx, cfg, log)
	case config.BackendOpenAI:
		return transcribe.NewOpenAI(cfg)
	case config.BackendNone:
		return transcribe.None(), nil
	default:
		return nil, fmt.Errorf("unknown transcribe backend %q", cfg.Backend)
	}
}

func (s *services) newApp(status app.StatusUpdater, onTranscript func(app.Transcript)) (*app.App, error) {
	var clip app.Clipboard
	if s.cfg.CopyToClipboard {
		clip = systemClipboard{}
	}
	return app.New(app.Config{
		Audio:         s.capture,
		Transcriber:   s.stt,
		Clipboard:     clip,
		Config:        s.cfg,
		Logger:        s.log,
		Metrics:       s.met,
		StatusUpdater: status,
		OnTranscript:  onTranscript,
	})
}

// close shuts the app down first so queued segments are still transcribed.
func (s *services) close(application *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if application != nil {
		if err := application.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("Shutdown error")
		}
	}
	if err := s.stt.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close transcriber")
	}
	if err := s.capture.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close audio")
	}
	if err := s.shutdownMetrics(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to shut down metrics")
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runTray(parent context.Context) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	s, err := setup(ctx)
	if err != nil {
		return err
	}

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(s.cfg, s.log, Version, Commit)

	application, err := s.newApp(trayUI, nil)
	if err != nil {
		s.close(nil)
		return err
	}
	defer s.close(application)

	// Set app reference in tray
	trayUI.SetApp(application)

	// Register global hotkey; the tray menu still works without it
	if permissions.HotkeysAllowed(true) {
		if hkManager, err := hotkey.New(); err != nil {
			s.log.Warn().Err(err).Msg("Hotkeys unavailable")
		} else {
			defer hkManager.Close()
			if err := hkManager.Register(s.cfg.PlatformHotkey(), application.OnHotkey); err != nil {
				s.log.Warn().Err(err).Str("hotkey", s.cfg.PlatformHotkey()).Msg("Failed to register hotkey")
			}
		}
	} else {
		s.log.Warn().Msg("Accessibility permission required for hotkeys")
	}

	if s.cfg.Mode == config.ModeToggle {
		if err := application.StartListening(); err != nil {
			s.log.Error().Err(err).Msg("Failed to start listening")
		}
	}

	s.log.Info().Str("version", Version).Msg("Voice Segmenter starting...")

	// Start tray UI - MUST run on main thread
	return trayUI.Run(ctx)
}

func runListen(parent context.Context, out io.Writer) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	s, err := setup(ctx)
	if err != nil {
		return err
	}

	application, err := s.newApp(nil, func(t app.Transcript) {
		printTranscript(out, t)
	})
	if err != nil {
		s.close(nil)
		return err
	}
	defer s.close(application)

	if err := application.StartListening(); err != nil {
		return err
	}
	s.log.Info().Str("device", application.CurrentDevice()).Msg("Listening, press Ctrl+C to stop")

	<-ctx.Done()
	s.log.Info().Msg("Shutting down...")
	return nil
}

func printTranscript(out io.Writer, t app.Transcript) {
	stamp := t.At.Format("15:04:05")
	switch {
	case t.Text != "":
		fmt.Fprintf(out, "[%s %5.1fs] %s\n", stamp, t.Duration.Seconds(), t.Text)
	case t.Path != "":
		fmt.Fprintf(out, "[%s %5.1fs] %s\n", stamp, t.Duration.Seconds(), t.Path)
	default:
		fmt.Fprintf(out, "[%s %5.1fs] (no speech recognized)\n", stamp, t.Duration.Seconds())
	}
}

func runDevices(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	capture, err := portaudio.New(zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to initialize audio: %w", err)
	}
	defer capture.Close()

	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	return printDevices(out, devices, cfg.Audio.DeviceMatch)
}

func printDevices(out io.Writer, devices []audio.AudioDevice, match string) error {
	selected, found := audio.Resolve(devices, match)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tINPUTS\tRATE\t")
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		mark := ""
		if found && d.ID == selected.ID {
			mark = "*"
		}
		note := ""
		if d.Default {
			note = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%s\n", mark, d.Name, d.MaxInputChannels, d.DefaultSampleRate, note)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !found {
		if match == "" {
			fmt.Fprintln(out, "No device match configured; the system default input is used.")
		} else {
			fmt.Fprintf(out, "No input device matches %q; the system default input is used.\n", match)
		}
	}
	return nil
}
