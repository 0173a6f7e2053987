package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/provider/live"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from its config section.
type LiveFactory func(cfg LiveConfig, logger *slog.Logger) (live.Provider, error)

// AudioFactory builds the capture/playback pair for an audio backend.
type AudioFactory func(cfg AudioConfig, logger *slog.Logger) (device.Devices, error)

// Registry maps provider and audio backend names to their constructors. It
// is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]LiveFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]LiveFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterLive registers a live provider factory, replacing any previous one
// with the same name.
func (r *Registry) RegisterLive(name string, f LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = f
}

// RegisterAudio registers an audio backend factory.
func (r *Registry) RegisterAudio(name string, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = f
}

// CreateLive builds the provider named by cfg.Provider.
func (r *Registry) CreateLive(cfg LiveConfig, logger *slog.Logger) (live.Provider, error) {
	r.mu.RLock()
	f, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q (registered: %v)", ErrProviderNotRegistered, cfg.Provider, r.LiveNames())
	}
	return f(cfg, logger)
}

// CreateAudio builds the devices for cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig, logger *slog.Logger) (device.Devices, error) {
	r.mu.RLock()
	f, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return device.Devices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return f(cfg, logger)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
