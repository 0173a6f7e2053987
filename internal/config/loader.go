package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlink/internal/health"
)

// apiKeyEnv maps provider names to the environment variable holding their
// API key.
var apiKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// defaultModels is the roster used when live.models is empty.
var defaultModels = map[string][]string{
	"gemini": {"gemini-2.5-flash-native-audio-preview-09-2025", "gemini-2.0-flash-live-001"},
	"openai": {"gpt-4o-realtime-preview", "gpt-4o-mini-realtime-preview"},
	"mock":   {"mock-live"},
}

var defaultVoices = map[string]string{
	"gemini": "Puck",
	"openai": "alloy",
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the API
// key environment fallback, and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if cfg.Live.APIKey == "" {
		if env, ok := apiKeyEnv[cfg.Live.Provider]; ok {
			cfg.Live.APIKey = os.Getenv(env)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	l := &cfg.Live
	if l.Provider == "" {
		l.Provider = "gemini"
	}
	if len(l.Models) == 0 {
		l.Models = slices.Clone(defaultModels[l.Provider])
	}
	if l.Voice == "" {
		l.Voice = defaultVoices[l.Provider]
	}
	if l.LanguageCode == "" {
		l.LanguageCode = "en-US"
	}
	if l.SendQueue <= 0 {
		l.SendQueue = 64
	}
	if l.Keepalive == 0 {
		l.Keepalive = 20 * time.Second
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = "auto"
	}
	if a.Capture.SampleRate <= 0 {
		a.Capture.SampleRate = 16000
	}
	if a.Capture.BatchMS <= 0 {
		a.Capture.BatchMS = 40
	}
	if a.Capture.Period <= 0 {
		a.Capture.Period = 20 * time.Millisecond
	}
	setDuration(&a.Playback.Prebuffer, 250*time.Millisecond)
	setDuration(&a.Playback.MaxBuffer, 350*time.Millisecond)
	setDuration(&a.Playback.ScheduleMargin, 50*time.Millisecond)
	setDuration(&a.Playback.RefillInterval, 50*time.Millisecond)
	setDuration(&a.Playback.OutputBuffer, 60*time.Millisecond)
	if a.Playback.SampleRate <= 0 {
		a.Playback.SampleRate = 24000
	}

	s := &cfg.Session
	setDuration(&s.Reconnect.BaseDelay, 500*time.Millisecond)
	setDuration(&s.Reconnect.MaxDelay, 5*time.Second)
	if s.Reconnect.MaxJitter == 0 {
		s.Reconnect.MaxJitter = 200 * time.Millisecond
	}
	if s.Reconnect.MaxAttempts <= 0 {
		s.Reconnect.MaxAttempts = 5
	}
	if s.InterruptDebounce == 0 {
		s.InterruptDebounce = 300 * time.Millisecond
	}
	setDuration(&s.StatusClearAfter, 5*time.Second)
	setDuration(&s.ConnectTimeout, 15*time.Second)
	if s.EventLogSize <= 0 {
		s.EventLogSize = 200
	}

	setDuration(&cfg.Health.SampleInterval, health.DefaultSampleInterval)
	if cfg.Health.Thresholds == (health.Thresholds{}) {
		cfg.Health.Thresholds = health.DefaultThresholds()
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFile
	}
	if cfg.Store.Backend == StoreFile && cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "voxlink"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// defaultStorePath is voxlink/state.yaml under the user config directory, or
// in the working directory when that is unknown.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voxlink-state.yaml"
	}
	return filepath.Join(dir, "voxlink", "state.yaml")
}

// Validate checks that cfg is coherent and returns every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Live.Provider == "" {
		errs = append(errs, errors.New("live.provider is required"))
	} else if _, known := defaultModels[cfg.Live.Provider]; !known {
		slog.Warn("unknown live provider; it must be registered by the embedding program", "provider", cfg.Live.Provider)
	}
	if len(cfg.Live.Models) == 0 {
		errs = append(errs, errors.New("live.models must list at least one model"))
	}
	for i, m := range cfg.Live.Models {
		if m == "" {
			errs = append(errs, fmt.Errorf("live.models[%d] is empty", i))
		}
	}
	if _, needsKey := apiKeyEnv[cfg.Live.Provider]; needsKey && cfg.Live.APIKey == "" {
		errs = append(errs, fmt.Errorf("live.api_key is required for provider %q (or set %s)", cfg.Live.Provider, apiKeyEnv[cfg.Live.Provider]))
	}
	seen := make(map[string]int, len(cfg.Live.Tools))
	for i, t := range cfg.Live.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("live.tools[%d].name is required", i))
			continue
		}
		if prev, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("live.tools[%d].name %q is a duplicate of live.tools[%d]", i, t.Name, prev))
		}
		seen[t.Name] = i
	}
	if c := cfg.Live.Compression; c != nil {
		if c.TriggerTokens < 0 || c.TargetTokens < 0 {
			errs = append(errs, errors.New("live.context_window_compression token counts must not be negative"))
		}
		if c.TriggerTokens > 0 && c.TargetTokens >= c.TriggerTokens {
			errs = append(errs, fmt.Errorf("live.context_window_compression.target_tokens (%d) must be below trigger_tokens (%d)", c.TargetTokens, c.TriggerTokens))
		}
	}

	switch cfg.Audio.Backend {
	case "auto", "malgo", "null":
	default:
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: auto, malgo, null", cfg.Audio.Backend))
	}
	if cfg.Audio.Capture.SampleRate > 0 && cfg.Audio.Capture.BatchSamples() <= 0 {
		errs = append(errs, errors.New("audio.capture.batch_ms is too small for the sample rate"))
	}
	p := cfg.Audio.Playback
	if p.MaxBuffer > 0 && p.Prebuffer > p.MaxBuffer {
		errs = append(errs, fmt.Errorf("audio.playback.prebuffer (%s) must not exceed max_buffer (%s)", p.Prebuffer, p.MaxBuffer))
	}
	if p.MaxBuffer > 0 && p.ScheduleMargin >= p.MaxBuffer {
		errs = append(errs, fmt.Errorf("audio.playback.schedule_margin (%s) must be below max_buffer (%s)", p.ScheduleMargin, p.MaxBuffer))
	}

	r := cfg.Session.Reconnect
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		errs = append(errs, fmt.Errorf("session.reconnect.base_delay (%s) must not exceed max_delay (%s)", r.BaseDelay, r.MaxDelay))
	}

	if err := cfg.Health.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, file, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	}

	return errors.Join(errs...)
}
