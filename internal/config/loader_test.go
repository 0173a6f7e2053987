package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
)

const fullYAML = `
server:
  listen_addr: "127.0.0.1:8090"
  log_level: debug
live:
  provider: gemini
  api_key: secret
  models: [model-a, model-b]
  voice: Kore
  language_code: de-DE
  system_instruction: "You are a helpful assistant."
  search: true
  tools:
    - name: lookup
      description: Look something up.
      parameters:
        type: object
  context_window_compression:
    trigger_tokens: 25000
    target_tokens: 12000
audio:
  backend: "null"
  capture:
    sample_rate: 16000
    batch_ms: 40
  playback:
    prebuffer: 200ms
    max_buffer: 400ms
session:
  reconnect:
    base_delay: 250ms
    max_attempts: 3
  interrupt_debounce: 150ms
health:
  thresholds:
    err_below: 50ms
    warn_below: 100ms
    healthy_min: 180ms
    healthy_max: 320ms
    high_above: 480ms
store:
  backend: memory
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.ListenAddr != "127.0.0.1:8090" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !slices.Equal(cfg.Live.Models, []string{"model-a", "model-b"}) || cfg.Live.Voice != "Kore" {
		t.Errorf("live = %+v", cfg.Live)
	}
	if cfg.Live.Compression == nil || cfg.Live.Compression.TargetTokens != 12000 {
		t.Errorf("compression = %+v", cfg.Live.Compression)
	}
	if len(cfg.Live.Tools) != 1 || cfg.Live.Tools[0].Parameters["type"] != "object" {
		t.Errorf("tools = %+v", cfg.Live.Tools)
	}
	if got := cfg.Audio.Capture.BatchSamples(); got != 640 {
		t.Errorf("batch samples = %d, want 640", got)
	}
	if cfg.Audio.Playback.Prebuffer != 200*time.Millisecond || cfg.Audio.Playback.ScheduleMargin != 50*time.Millisecond {
		t.Errorf("playback = %+v", cfg.Audio.Playback)
	}
	r := cfg.Session.Reconnect
	if r.BaseDelay != 250*time.Millisecond || r.MaxDelay != 5*time.Second || r.MaxAttempts != 3 {
		t.Errorf("reconnect = %+v", r)
	}
	if cfg.Health.Thresholds.HealthyMin != 180*time.Millisecond {
		t.Errorf("thresholds = %+v", cfg.Health.Thresholds)
	}
	if cfg.Store.Backend != config.StoreMemory {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("live:\n  provider: mock\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if !slices.Equal(cfg.Live.Models, []string{"mock-live"}) {
		t.Errorf("models = %v", cfg.Live.Models)
	}
	if cfg.Audio.Backend != "auto" || cfg.Audio.Capture.BatchSamples() != 640 || cfg.Audio.Playback.SampleRate != 24000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	p := cfg.Audio.Playback
	if p.Prebuffer != 250*time.Millisecond || p.MaxBuffer != 350*time.Millisecond || p.RefillInterval != 50*time.Millisecond {
		t.Errorf("playback = %+v", p)
	}
	s := cfg.Session
	if s.Reconnect.MaxAttempts != 5 || s.InterruptDebounce != 300*time.Millisecond || s.StatusClearAfter != 5*time.Second || s.EventLogSize != 200 {
		t.Errorf("session = %+v", s)
	}
	if cfg.Health.SampleInterval != 500*time.Millisecond || cfg.Health.Thresholds != health.DefaultThresholds() {
		t.Errorf("health = %+v", cfg.Health)
	}
	if cfg.Store.Backend != config.StoreFile || cfg.Store.Path == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Observe.Metrics() || cfg.Observe.ServiceName != "voxlink" {
		t.Errorf("observe = %+v", cfg.Observe)
	}
}

func TestLoadFromReader_APIKeyFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	cfg, err := config.LoadFromReader(strings.NewReader("live:\n  provider: gemini\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Live.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Live.APIKey)
	}
	if cfg.Live.Voice != "Puck" || len(cfg.Live.Models) != 2 {
		t.Errorf("live defaults = %+v", cfg.Live)
	}
}

func TestLoadFromReader_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := config.LoadFromReader(strings.NewReader("live:\n  provider: openai\n"))
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("err = %v, want api key error", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("live:\n  provider: mock\n  modle: x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server: {log_level: loud}", "server.log_level"},
		{"empty model", "live: {models: [a, '']}", "live.models[1]"},
		{"duplicate tool", "live: {tools: [{name: t}, {name: t}]}", "duplicate"},
		{"compression order", "live: {context_window_compression: {trigger_tokens: 100, target_tokens: 200}}", "target_tokens"},
		{"audio backend", "audio: {backend: pulse}", "audio.backend"},
		{"prebuffer", "audio: {playback: {prebuffer: 500ms, max_buffer: 350ms}}", "prebuffer"},
		{"reconnect", "session: {reconnect: {base_delay: 10s, max_delay: 1s}}", "base_delay"},
		{"thresholds", "health: {thresholds: {err_below: 60ms, warn_below: 50ms, healthy_min: 200ms, healthy_max: 350ms, high_above: 500ms}}", "warn_below"},
		{"store backend", "store: {backend: redis}", "store.backend"},
		{"postgres dsn", "store: {backend: postgres}", "postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := tt.yaml
			if !strings.Contains(doc, "live:") {
				doc += "\nlive: {provider: mock}"
			} else {
				doc = strings.Replace(doc, "live: {", "live: {provider: mock, ", 1)
			}
			_, err := config.LoadFromReader(strings.NewReader(doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("live: {provider: mock}\nserver: {log_level: loud}\naudio: {backend: pulse}\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("err = %v, want two joined errors", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Live.APIKey)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "example")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	def, err := config.LoadFromReader(strings.NewReader("server: {listen_addr: \"127.0.0.1:8090\"}\nlive: {system_instruction: \"You are a friendly voice assistant. Keep answers short.\"}\nstore: {backend: file}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if d := config.Diff(def, cfg); !d.Empty() {
		t.Errorf("example config differs from the defaults: %+v", d)
	}
}
