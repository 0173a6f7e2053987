package config_test

import (
	"errors"
	"log/slog"
	"slices"
	"testing"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/provider/live"
	"github.com/MrWong99/voxlink/pkg/provider/live/mock"
)

func TestRegistry_CreateLive(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.LiveConfig
	reg.RegisterLive("mock", func(cfg config.LiveConfig, _ *slog.Logger) (live.Provider, error) {
		got = cfg
		return &mock.Provider{}, nil
	})
	reg.RegisterLive("gemini", func(config.LiveConfig, *slog.Logger) (live.Provider, error) {
		return nil, errors.New("unused")
	})

	p, err := reg.CreateLive(config.LiveConfig{Provider: "mock", Voice: "v"}, slog.New(slog.DiscardHandler))
	if err != nil || p == nil {
		t.Fatalf("CreateLive = %v, %v", p, err)
	}
	if got.Voice != "v" {
		t.Errorf("factory saw %+v", got)
	}
	if names := reg.LiveNames(); !slices.Equal(names, []string{"gemini", "mock"}) {
		t.Errorf("LiveNames = %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	logger := slog.New(slog.DiscardHandler)

	if _, err := reg.CreateLive(config.LiveConfig{Provider: "nope"}, logger); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v", err)
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Backend: "nope"}, logger); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAudio err = %v", err)
	}
}

func TestRegistry_CreateAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterAudio("null", func(cfg config.AudioConfig, logger *slog.Logger) (device.Devices, error) {
		return device.Open(device.Config{
			Backend:      device.BackendNull,
			CaptureRate:  cfg.Capture.SampleRate,
			PlaybackRate: cfg.Playback.SampleRate,
		}, logger)
	})

	d, err := reg.CreateAudio(config.AudioConfig{
		Backend:  "null",
		Capture:  config.CaptureConfig{SampleRate: 16000},
		Playback: config.PlaybackConfig{SampleRate: 24000},
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if d.Backend != device.BackendNull || d.Capture == nil || d.Playback == nil {
		t.Errorf("devices = %+v", d)
	}
}
