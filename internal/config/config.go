// Package config loads tutor settings from an optional YAML file, a .env file
// and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tutor-voice-lab/internal/logging"
)

const (
	DefaultModel          = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultNativeLanguage = "English"
	DefaultTargetLanguage = "Spanish"
	DefaultVoice          = "Zephyr"

	TransportGenai     = "genai"
	TransportWebsocket = "websocket"

	HistoryFile     = "file"
	HistoryPostgres = "postgres"
)

// Languages the tutor persona is tuned for.
var Languages = []string{"English", "Spanish", "French", "German", "Japanese", "Italian", "Hindi", "Bengali", "Tamil", "Telugu", "Marathi"}

// Voices are the prebuilt voices offered for the tutor.
var Voices = []string{"Zephyr", "Puck", "Charon", "Kore", "Fenrir"}

// Config is the complete tutor configuration.
type Config struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Transport      string `yaml:"transport"`
	WebsocketURL   string `yaml:"websocket_url"`
	NativeLanguage string `yaml:"native_language"`
	TargetLanguage string `yaml:"target_language"`
	Voice          string `yaml:"voice"`

	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	History   HistoryConfig   `yaml:"history"`
	Dictation DictationConfig `yaml:"dictation"`

	Recording RecordingConfig `yaml:"recording"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// RecordingConfig controls saving the user's captured audio per session.
type RecordingConfig struct {
	Dir            string `yaml:"dir"`
	RetentionHours int    `yaml:"retention_hours"`
	MaxFiles       int    `yaml:"max_files"`
}

// CaptureConfig tunes the microphone pipeline.
type CaptureConfig struct {
	FrameSize  int `yaml:"frame_size"`  // samples per chunk at 16 kHz
	DeviceRate int `yaml:"device_rate"` // 0 uses the hardware default
}

// PlaybackConfig tunes the speaker output.
type PlaybackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BufferMs   int `yaml:"buffer_ms"`
}

// HistoryConfig selects where finished sessions are kept.
type HistoryConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	MaxRecords  int    `yaml:"max_records"`
}

// DictationConfig tunes the standalone speech-to-text mode.
type DictationConfig struct {
	SilenceMs int `yaml:"silence_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model:          DefaultModel,
		Transport:      TransportGenai,
		NativeLanguage: DefaultNativeLanguage,
		TargetLanguage: DefaultTargetLanguage,
		Voice:          DefaultVoice,
		Capture:        CaptureConfig{FrameSize: 4096},
		Playback:       PlaybackConfig{SampleRate: 24000, BufferMs: 100},
		History:        HistoryConfig{Backend: HistoryFile, Path: "tutor-history.json", MaxRecords: 100},
		Dictation:      DictationConfig{SilenceMs: 1500},
		Recording:      RecordingConfig{RetentionHours: 168, MaxFiles: 200},
		LogLevel:       "info",
	}
}

// Load builds the configuration. path may be empty, in which case
// TUTOR_CONFIG is consulted; a missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warnw("config: ignoring unreadable .env", "error", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("TUTOR_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := firstEnv("GEMINI_API_KEY", "API_KEY"); v != "" {
		c.APIKey = v
	}
	setString(&c.Model, "TUTOR_MODEL")
	setString(&c.Transport, "TUTOR_TRANSPORT")
	setString(&c.WebsocketURL, "TUTOR_WS_URL")
	setString(&c.NativeLanguage, "TUTOR_NATIVE_LANGUAGE")
	setString(&c.TargetLanguage, "TUTOR_TARGET_LANGUAGE")
	setString(&c.Voice, "TUTOR_VOICE")
	setInt(&c.Capture.FrameSize, "CAPTURE_FRAME_SIZE")
	setInt(&c.Capture.DeviceRate, "CAPTURE_DEVICE_RATE")
	setInt(&c.Playback.BufferMs, "PLAYBACK_BUFFER_MS")
	setString(&c.History.Backend, "HISTORY_BACKEND")
	setString(&c.History.Path, "HISTORY_PATH")
	setString(&c.History.DatabaseURL, "DATABASE_URL")
	setInt(&c.History.MaxRecords, "HISTORY_MAX_RECORDS")
	setInt(&c.Dictation.SilenceMs, "DICTATION_SILENCE_MS")
	setString(&c.Recording.Dir, "SAVE_AUDIO_DIR")
	setInt(&c.Recording.RetentionHours, "SAVE_AUDIO_RETENTION_HOURS")
	setInt(&c.Recording.MaxFiles, "SAVE_AUDIO_MAX_FILES")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logging.Warnw("config: invalid integer; using default", "key", key, "value", v, "default", *dst)
		return
	}
	*dst = n
}

// Validate checks values that would otherwise fail deep inside a session.
// A missing API key is not a validation error; the session reports it as
// its own state.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportGenai, TransportWebsocket:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportGenai, TransportWebsocket, c.Transport)
	}
	if c.NativeLanguage == "" || c.TargetLanguage == "" {
		return fmt.Errorf("native and target language are required")
	}
	if strings.EqualFold(c.NativeLanguage, c.TargetLanguage) {
		return fmt.Errorf("target language must differ from native language %q", c.NativeLanguage)
	}
	if !slices.Contains(Languages, c.TargetLanguage) {
		logging.Warnw("config: target language outside the tuned set", "language", c.TargetLanguage)
	}
	if c.Capture.FrameSize < 256 {
		return fmt.Errorf("capture frame_size must be at least 256 samples, got %d", c.Capture.FrameSize)
	}
	if c.Playback.SampleRate <= 0 {
		return fmt.Errorf("playback sample_rate must be positive, got %d", c.Playback.SampleRate)
	}
	switch c.History.Backend {
	case HistoryFile:
		if c.History.Path == "" {
			return fmt.Errorf("history path is required for the file backend")
		}
	case HistoryPostgres:
		if c.History.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("history backend must be %q or %q, got %q", HistoryFile, HistoryPostgres, c.History.Backend)
	}
	if c.Dictation.SilenceMs <= 0 {
		return fmt.Errorf("dictation silence_ms must be positive, got %d", c.Dictation.SilenceMs)
	}
	return nil
}

// HasCredential reports whether an API key is configured.
func (c *Config) HasCredential() bool { return strings.TrimSpace(c.APIKey) != "" }
