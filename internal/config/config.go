package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/petems/voice-segmenter/internal/audio"
	"github.com/petems/voice-segmenter/internal/segment"
)

const (
	ModeToggle     = "Toggle"
	ModePushToTalk = "PushToTalk"

	BackendWhisper = "whisper"
	BackendOpenAI  = "openai"
	BackendNone    = "none"

	envPrefix = "VOICESEG"
)

type Config struct {
	Hotkey          string           `json:"hotkey" mapstructure:"hotkey"`
	HotkeyDarwin    string           `json:"hotkey_darwin" mapstructure:"hotkey_darwin"`
	Mode            string           `json:"mode" mapstructure:"mode"` // "Toggle" or "PushToTalk"
	LogLevel        string           `json:"log_level" mapstructure:"log_level"`
	CopyToClipboard bool             `json:"copy_to_clipboard" mapstructure:"copy_to_clipboard"`
	MetricsAddr     string           `json:"metrics_addr" mapstructure:"metrics_addr"` // empty disables /metrics
	Audio           AudioConfig      `json:"audio" mapstructure:"audio"`
	Listener        ListenerConfig   `json:"listener" mapstructure:"listener"`
	Transcribe      TranscribeConfig `json:"transcribe" mapstructure:"transcribe"`

	path string
}

type AudioConfig struct {
	DeviceMatch     string `json:"device_match" mapstructure:"device_match"` // substring of the input device name
	SampleRate      int    `json:"sample_rate" mapstructure:"sample_rate"`
	FramesPerBuffer int    `json:"frames_per_buffer" mapstructure:"frames_per_buffer"`
	QueueSize       int    `json:"queue_size" mapstructure:"queue_size"`
}

type ListenerConfig struct {
	SilenceDurationS   float64 `json:"silence_duration_s" mapstructure:"silence_duration_s"`
	MinSpeechDurationS float64 `json:"min_speech_duration_s" mapstructure:"min_speech_duration_s"`
	PreRollS           float64 `json:"pre_roll_s" mapstructure:"pre_roll_s"`
	AmplitudeThreshold float64 `json:"amplitude_threshold" mapstructure:"amplitude_threshold"`
	RecordingsDir      string  `json:"recordings_dir" mapstructure:"recordings_dir"`
	KeepRecordings     bool    `json:"keep_recordings" mapstructure:"keep_recordings"`
}

type TranscribeConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"`   // "whisper", "openai" or "none"
	Model         string `json:"model" mapstructure:"model"`       // "base.en", "small", etc.
	Language      string `json:"language" mapstructure:"language"` // "auto", "en", etc.
	Threads       int    `json:"threads" mapstructure:"threads"`
	OpenAIModel   string `json:"openai_model" mapstructure:"openai_model"`
	OpenAIAPIKey  string `json:"openai_api_key,omitempty" mapstructure:"openai_api_key"`
	OpenAIBaseURL string `json:"openai_base_url,omitempty" mapstructure:"openai_base_url"`
	TimeoutS      int    `json:"timeout_s" mapstructure:"timeout_s"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Hotkey:          "Alt+Space",
		HotkeyDarwin:    "Alt+Space", // Option+Space
		Mode:            ModeToggle,
		LogLevel:        "info",
		CopyToClipboard: true,
		Audio: AudioConfig{
			DeviceMatch:     audio.DefaultDeviceMatch,
			SampleRate:      segment.DefaultSampleRate,
			FramesPerBuffer: segment.DefaultFramesPerBuffer,
			QueueSize:       segment.DefaultQueueSize,
		},
		Listener: ListenerConfig{
			SilenceDurationS:   segment.DefaultSilenceDuration,
			MinSpeechDurationS: segment.DefaultMinSpeechDuration,
			PreRollS:           segment.DefaultPreRoll,
			AmplitudeThreshold: segment.DefaultAmplitudeThreshold,
			RecordingsDir:      "recordings",
			KeepRecordings:     true,
		},
		Transcribe: TranscribeConfig{
			Backend:     BackendWhisper,
			Model:       "base.en",
			Language:    "auto",
			Threads:     0, // Auto-detect
			OpenAIModel: "whisper-1",
			TimeoutS:    60,
		},
	}
}

// Load reads the config at path, or the platform config file when path is
// empty. A missing file yields the defaults. Every key can be overridden with
// a VOICESEG_ environment variable, e.g. VOICESEG_LISTENER_PRE_ROLL_S.
func Load(path string) (*Config, error) {
	if path == "" {
		path = configPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("transcribe.openai_api_key", envPrefix+"_TRANSCRIBE_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.path = path

	return cfg, nil
}

// setDefaults registers every field so that environment overrides apply to
// keys missing from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("hotkey", cfg.Hotkey)
	v.SetDefault("hotkey_darwin", cfg.HotkeyDarwin)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("copy_to_clipboard", cfg.CopyToClipboard)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)

	v.SetDefault("audio.device_match", cfg.Audio.DeviceMatch)
	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.frames_per_buffer", cfg.Audio.FramesPerBuffer)
	v.SetDefault("audio.queue_size", cfg.Audio.QueueSize)

	v.SetDefault("listener.silence_duration_s", cfg.Listener.SilenceDurationS)
	v.SetDefault("listener.min_speech_duration_s", cfg.Listener.MinSpeechDurationS)
	v.SetDefault("listener.pre_roll_s", cfg.Listener.PreRollS)
	v.SetDefault("listener.amplitude_threshold", cfg.Listener.AmplitudeThreshold)
	v.SetDefault("listener.recordings_dir", cfg.Listener.RecordingsDir)
	v.SetDefault("listener.keep_recordings", cfg.Listener.KeepRecordings)

	v.SetDefault("transcribe.backend", cfg.Transcribe.Backend)
	v.SetDefault("transcribe.model", cfg.Transcribe.Model)
	v.SetDefault("transcribe.language", cfg.Transcribe.Language)
	v.SetDefault("transcribe.threads", cfg.Transcribe.Threads)
	v.SetDefault("transcribe.openai_model", cfg.Transcribe.OpenAIModel)
	v.SetDefault("transcribe.openai_api_key", cfg.Transcribe.OpenAIAPIKey)
	v.SetDefault("transcribe.openai_base_url", cfg.Transcribe.OpenAIBaseURL)
	v.SetDefault("transcribe.timeout_s", cfg.Transcribe.TimeoutS)
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.Path()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	// The API key usually comes from the environment; never persist it.
	out := *c
	out.Transcribe.OpenAIAPIKey = ""

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	if c.path != "" {
		return c.path
	}
	return configPath()
}

// Validate reports settings the listener cannot run with.
func (c *Config) Validate() error {
	if c.Mode != ModeToggle && c.Mode != ModePushToTalk {
		return fmt.Errorf("%w: unknown mode %q", segment.ErrCorruptConfig, c.Mode)
	}
	switch c.Transcribe.Backend {
	case BackendWhisper, BackendOpenAI, BackendNone:
	default:
		return fmt.Errorf("%w: unknown transcribe backend %q", segment.ErrCorruptConfig, c.Transcribe.Backend)
	}
	if c.Transcribe.TimeoutS <= 0 {
		return fmt.Errorf("%w: transcribe.timeout_s must be positive", segment.ErrCorruptConfig)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.FramesPerBuffer <= 0 || c.Audio.QueueSize <= 0 {
		return fmt.Errorf("%w: audio sample_rate, frames_per_buffer and queue_size must be positive", segment.ErrCorruptConfig)
	}
	_, err := c.Listener.Params(c.Audio.SampleRate)
	return err
}

// Params converts the listener settings to frame counts at sampleRate.
func (l ListenerConfig) Params(sampleRate int) (segment.Params, error) {
	return segment.NewParams(sampleRate, l.SilenceDurationS, l.MinSpeechDurationS, l.PreRollS, l.AmplitudeThreshold)
}

// PlatformHotkey returns the appropriate hotkey for the current platform
func (c *Config) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && c.HotkeyDarwin != "" {
		return c.HotkeyDarwin
	}
	return c.Hotkey
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "voice-segmenter", "config.json")
}

// ModelsPath returns the platform-specific models directory path
func ModelsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "voice-segmenter", "models")
}
