// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for voxlink.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/internal/health"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StoreBackend selects where the last successful model is persisted.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreFile     StoreBackend = "file"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	return b == StoreMemory || b == StoreFile || b == StorePostgres
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Live    LiveConfig    `yaml:"live"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Health  HealthConfig  `yaml:"health"`
	Store   StoreConfig   `yaml:"store"`
	Observe ObserveConfig `yaml:"observe"`
}

// ServerConfig holds the status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the status server address. Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig selects and configures the remote speech model.
type LiveConfig struct {
	// Provider is a name registered in the [Registry] (gemini, openai, mock).
	Provider string `yaml:"provider"`

	// APIKey falls back to GEMINI_API_KEY or OPENAI_API_KEY when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Models is the ordered candidate roster.
	Models []string `yaml:"models"`

	Voice             string `yaml:"voice"`
	LanguageCode      string `yaml:"language_code"`
	SystemInstruction string `yaml:"system_instruction"`

	// Search enables the provider's built-in web search grounding.
	Search bool `yaml:"search"`

	Tools []ToolConfig `yaml:"tools"`

	Compression *CompressionConfig `yaml:"context_window_compression"`

	// SendQueue bounds outbound messages per connection. Default 64.
	SendQueue int `yaml:"send_queue"`

	// Keepalive is the websocket ping interval. Default 20s; negative disables.
	Keepalive time.Duration `yaml:"keepalive"`
}

// ToolConfig declares one function the model may call.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// CompressionConfig enables sliding-window context compression.
type CompressionConfig struct {
	TriggerTokens int `yaml:"trigger_tokens"`
	TargetTokens  int `yaml:"target_tokens"`
}

// AudioConfig configures the devices and the audio pipeline.
type AudioConfig struct {
	// Backend is auto, malgo or null.
	Backend  string         `yaml:"backend"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`

	// BatchMS is the length of one input batch. Default 40.
	BatchMS int `yaml:"batch_ms"`

	// Period is the device callback period. Default 20ms.
	Period time.Duration `yaml:"period"`
}

// BatchSamples returns the batch length in samples.
func (c CaptureConfig) BatchSamples() int {
	return c.SampleRate * c.BatchMS / 1000
}

// PlaybackConfig configures the speaker side and the scheduler tuning.
type PlaybackConfig struct {
	SampleRate     int           `yaml:"sample_rate"`
	Prebuffer      time.Duration `yaml:"prebuffer"`
	MaxBuffer      time.Duration `yaml:"max_buffer"`
	ScheduleMargin time.Duration `yaml:"schedule_margin"`
	RefillInterval time.Duration `yaml:"refill_interval"`

	// OutputBuffer is the device's own buffer. Default 60ms.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// SessionConfig configures the connection state machine.
type SessionConfig struct {
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	InterruptDebounce time.Duration   `yaml:"interrupt_debounce"`
	StatusClearAfter  time.Duration   `yaml:"status_clear_after"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	EventLogSize      int             `yaml:"event_log_size"`
}

// ReconnectConfig configures the backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// HealthConfig configures the playback health monitor.
type HealthConfig struct {
	SampleInterval time.Duration     `yaml:"sample_interval"`
	Thresholds     health.Thresholds `yaml:"thresholds"`
}

// StoreConfig selects the key-value store for the last successful model.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`

	// Path is the YAML file used by the file backend.
	Path string `yaml:"path"`

	PostgresDSN string `yaml:"postgres_dsn"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`

	// MetricsEnabled serves /metrics. Default true.
	MetricsEnabled *bool `yaml:"metrics_enabled"`
}

// Metrics reports whether /metrics is served.
func (o ObserveConfig) Metrics() bool {
	return o.MetricsEnabled == nil || *o.MetricsEnabled
}
