// Package device provides the platform audio backends.
//
//   - malgo: microphone capture through miniaudio (github.com/gen2brain/malgo)
//     and speaker playback through github.com/ebitengine/oto/v3.
//   - null: a real-time silent microphone and a speaker that discards audio.
//     Useful on headless machines and in CI.
//
// The backend is selected by name; "auto" picks malgo when a miniaudio
// context can be created and falls back to null otherwise.
package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Backend names an audio backend.
type Backend string

const (
	// BackendAuto selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendMalgo uses miniaudio for capture and oto for playback.
	BackendMalgo Backend = "malgo"
	// BackendNull uses silent, clock-driven devices.
	BackendNull Backend = "null"
)

// Valid reports whether b is a known backend name.
func (b Backend) Valid() bool {
	switch b {
	case BackendAuto, BackendMalgo, BackendNull:
		return true
	default:
		return false
	}
}

// Config holds device settings.
type Config struct {
	// Backend selects the implementation. Default: auto.
	Backend Backend

	// CaptureRate is the microphone rate. Default: [audio.CaptureSampleRate].
	CaptureRate int

	// PlaybackRate is the speaker rate. Default: [audio.PlaybackSampleRate].
	PlaybackRate int

	// Period is the capture callback period. Default: 20ms.
	Period time.Duration

	// OutputBuffer is the speaker's own buffer. Default: 60ms.
	OutputBuffer time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	if c.CaptureRate <= 0 {
		c.CaptureRate = audio.CaptureSampleRate
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.PlaybackSampleRate
	}
	if c.Period <= 0 {
		c.Period = 20 * time.Millisecond
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 60 * time.Millisecond
	}
	return c
}

// Devices is an opened capture/playback pair.
type Devices struct {
	Backend  Backend
	Capture  audio.CaptureDevice
	Playback audio.PlaybackDevice
}

// Open constructs the devices for cfg. Devices are not acquired until their
// Start method is called.
func Open(cfg Config, logger *slog.Logger) (Devices, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Backend.Valid() {
		return Devices{}, fmt.Errorf("device: unsupported backend %q", cfg.Backend)
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend(logger)
	}

	logger.Info("opening audio devices",
		"backend", backend,
		"capture_rate", cfg.CaptureRate,
		"playback_rate", cfg.PlaybackRate,
		"period_ms", cfg.Period.Milliseconds(),
	)

	switch backend {
	case BackendMalgo:
		return Devices{
			Backend:  BackendMalgo,
			Capture:  NewCapture(cfg.CaptureRate, cfg.Period, logger),
			Playback: NewSpeaker(cfg.PlaybackRate, cfg.OutputBuffer, logger),
		}, nil
	default:
		return Devices{
			Backend:  BackendNull,
			Capture:  NewNullCapture(cfg.CaptureRate, cfg.Period),
			Playback: NewNullSpeaker(cfg.PlaybackRate, cfg.Period),
		}, nil
	}
}

// detectBestBackend probes miniaudio once.
func detectBestBackend(logger *slog.Logger) Backend {
	if err := probeMalgo(); err != nil {
		logger.Warn("no usable audio backend, falling back to null devices", "err", err)
		return BackendNull
	}
	return BackendMalgo
}
