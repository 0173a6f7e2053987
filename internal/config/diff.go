package config

import (
	"slices"
	"time"

	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
)

// ConfigDiff describes what changed between two configs.
//
// Log level, playback tuning, health thresholds and the interrupt debounce
// are applied live. Everything listed in RestartRequired only takes effect
// after the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PlaybackChanged bool
	NewPlayback     playback.Config

	ThresholdsChanged bool
	NewThresholds     health.Thresholds

	DebounceChanged bool
	NewDebounce     time.Duration

	// RestartRequired names the changed sections that cannot be hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlaybackChanged && !d.ThresholdsChanged &&
		!d.DebounceChanged && len(d.RestartRequired) == 0
}

// PlaybackTuning converts the playback section into scheduler tuning.
func (p PlaybackConfig) PlaybackTuning() playback.Config {
	return playback.Config{
		Prebuffer:      p.Prebuffer,
		MaxBuffer:      p.MaxBuffer,
		ScheduleMargin: p.ScheduleMargin,
		RefillInterval: p.RefillInterval,
	}
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if op, np := old.Audio.Playback.PlaybackTuning(), new.Audio.Playback.PlaybackTuning(); op != np {
		d.PlaybackChanged = true
		d.NewPlayback = np
	}
	if old.Health.Thresholds != new.Health.Thresholds {
		d.ThresholdsChanged = true
		d.NewThresholds = new.Health.Thresholds
	}
	if old.Session.InterruptDebounce != new.Session.InterruptDebounce {
		d.DebounceChanged = true
		d.NewDebounce = new.Session.InterruptDebounce
	}

	if !liveEqual(old.Live, new.Live) {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if old.Audio.Backend != new.Audio.Backend || old.Audio.Capture != new.Audio.Capture ||
		old.Audio.Playback.SampleRate != new.Audio.Playback.SampleRate ||
		old.Audio.Playback.OutputBuffer != new.Audio.Playback.OutputBuffer {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Session.Reconnect != new.Session.Reconnect || old.Session.ConnectTimeout != new.Session.ConnectTimeout ||
		old.Session.StatusClearAfter != new.Session.StatusClearAfter || old.Session.EventLogSize != new.Session.EventLogSize {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Health.SampleInterval != new.Health.SampleInterval {
		d.RestartRequired = append(d.RestartRequired, "health.sample_interval")
	}
	return d
}

// liveEqual compares the comparable parts of two live sections. Tool
// parameter schemas are compared by name and description only.
func liveEqual(a, b LiveConfig) bool {
	if a.Provider != b.Provider || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Voice != b.Voice || a.LanguageCode != b.LanguageCode ||
		a.SystemInstruction != b.SystemInstruction || a.Search != b.Search ||
		a.SendQueue != b.SendQueue || a.Keepalive != b.Keepalive {
		return false
	}
	if !slices.Equal(a.Models, b.Models) {
		return false
	}
	if (a.Compression == nil) != (b.Compression == nil) ||
		(a.Compression != nil && *a.Compression != *b.Compression) {
		return false
	}
	return slices.EqualFunc(a.Tools, b.Tools, func(x, y ToolConfig) bool {
		return x.Name == y.Name && x.Description == y.Description
	})
}
