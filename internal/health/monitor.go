package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/eventloop"
)

// DefaultSampleInterval is how often the monitor samples by default.
const DefaultSampleInterval = 500 * time.Millisecond

// State is the discrete playback health shown to the user.
type State string

// Health states.
const (
	StateIdle    State = "idle"
	StateErr     State = "err"
	StateWarn    State = "warn"
	StateNormal  State = "normal"
	StateHealthy State = "healthy"
	StateHigh    State = "high"
)

func (s State) String() string { return string(s) }

// Thresholds map buffered-ahead time to a [State] while output is active.
//
//	[0, ErrBelow)                 err
//	[ErrBelow, WarnBelow)         warn
//	[WarnBelow, HealthyMin)       normal
//	[HealthyMin, HealthyMax]      healthy
//	(HealthyMax, HighAbove]       normal
//	above HighAbove               high
type Thresholds struct {
	ErrBelow   time.Duration `yaml:"err_below"`
	WarnBelow  time.Duration `yaml:"warn_below"`
	HealthyMin time.Duration `yaml:"healthy_min"`
	HealthyMax time.Duration `yaml:"healthy_max"`
	HighAbove  time.Duration `yaml:"high_above"`
}

// DefaultThresholds returns 60/120/200–350/500ms.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrBelow:   60 * time.Millisecond,
		WarnBelow:  120 * time.Millisecond,
		HealthyMin: 200 * time.Millisecond,
		HealthyMax: 350 * time.Millisecond,
		HighAbove:  500 * time.Millisecond,
	}
}

// Validate checks that the thresholds are non-negative and ordered.
func (t Thresholds) Validate() error {
	if t.ErrBelow < 0 {
		return errors.New("health thresholds: err_below must not be negative")
	}
	steps := []struct {
		name string
		lo   time.Duration
		hi   time.Duration
	}{
		{"warn_below", t.ErrBelow, t.WarnBelow},
		{"healthy_min", t.WarnBelow, t.HealthyMin},
		{"healthy_max", t.HealthyMin, t.HealthyMax},
		{"high_above", t.HealthyMax, t.HighAbove},
	}
	var errs []error
	for _, s := range steps {
		if s.hi < s.lo {
			errs = append(errs, fmt.Errorf("health thresholds: %s (%s) below previous threshold (%s)", s.name, s.hi, s.lo))
		}
	}
	return errors.Join(errs...)
}

// Sample is one observation of the session and the playback scheduler.
type Sample struct {
	SessionError  bool
	Connected     bool
	ActiveOutput  bool
	BufferedAhead time.Duration
}

// Classify derives the [State] for s. Audio still draining after the
// connection dropped is reported as idle.
func Classify(s Sample, t Thresholds) State {
	switch {
	case s.SessionError:
		return StateErr
	case !s.Connected, !s.ActiveOutput:
		return StateIdle
	}
	b := s.BufferedAhead
	switch {
	case b < t.ErrBelow:
		return StateErr
	case b < t.WarnBelow:
		return StateWarn
	case b < t.HealthyMin:
		return StateNormal
	case b <= t.HealthyMax:
		return StateHealthy
	case b <= t.HighAbove:
		return StateNormal
	default:
		return StateHigh
	}
}

// Recorder receives monitor telemetry.
type Recorder interface {
	RecordHealthTransition(ctx context.Context, to string)
	RecordBufferedAhead(ctx context.Context, ms float64)
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithInterval sets the sample interval. Non-positive values keep the default.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThresholds sets the classification thresholds.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// OnChange registers fn to run on every state transition.
func OnChange(fn func(from, to State)) MonitorOption {
	return func(m *Monitor) { m.onChange = fn }
}

// WithMonitorRecorder sets the telemetry recorder.
func WithMonitorRecorder(r Recorder) MonitorOption {
	return func(m *Monitor) { m.rec = r }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = l }
}

// Monitor samples periodically on the event loop and reports state
// transitions only. All methods must be called on the loop goroutine.
type Monitor struct {
	loop       eventloop.Scheduler
	sample     func() Sample
	interval   time.Duration
	thresholds Thresholds
	onChange   func(from, to State)
	rec        Recorder
	log        *slog.Logger

	timer *eventloop.Timer
	state State
	last  Sample
}

// NewMonitor creates a stopped monitor reading from sample.
func NewMonitor(loop eventloop.Scheduler, sample func() Sample, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		loop:       loop,
		sample:     sample,
		interval:   DefaultSampleInterval,
		thresholds: DefaultThresholds(),
		log:        slog.Default(),
		state:      StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start takes a sample immediately and then every interval. Calling Start on
// a running monitor is a no-op.
func (m *Monitor) Start() {
	if m.timer != nil {
		return
	}
	m.tick()
}

// Stop cancels the sampling timer.
func (m *Monitor) Stop() {
	m.timer.Stop()
	m.timer = nil
}

// State returns the current state.
func (m *Monitor) State() State { return m.state }

// LastSample returns the most recent observation.
func (m *Monitor) LastSample() Sample { return m.last }

// SetThresholds replaces the thresholds. The next sample uses them.
func (m *Monitor) SetThresholds(t Thresholds) { m.thresholds = t }

func (m *Monitor) tick() {
	m.Observe(m.sample())
	m.timer = m.loop.AfterFunc(m.interval, m.tick)
}

// Observe classifies s and fires the change callback if the state moved.
func (m *Monitor) Observe(s Sample) State {
	m.last = s
	if m.rec != nil && s.ActiveOutput {
		m.rec.RecordBufferedAhead(context.Background(), float64(s.BufferedAhead)/float64(time.Millisecond))
	}

	next := Classify(s, m.thresholds)
	if next == m.state {
		return next
	}
	prev := m.state
	m.state = next
	m.log.Debug("playback health changed", "from", prev, "to", next, "buffered_ahead", s.BufferedAhead)
	if m.rec != nil {
		m.rec.RecordHealthTransition(context.Background(), string(next))
	}
	if m.onChange != nil {
		m.onChange(prev, next)
	}
	return next
}
