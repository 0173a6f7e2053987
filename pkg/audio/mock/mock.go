// Package mock provides in-memory implementations of the [audio.CaptureDevice],
// [audio.PlaybackDevice] and [audio.OutputContext] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := mock.NewOutputContext(audio.PlaybackSampleRate)
//	sched := playback.New(out, loop, playback.DefaultConfig())
//	sched.Enqueue(chunk)
//	out.AdvanceTo(0.5) // ends every source that finished by t=0.5s
package mock

import (
	"io"
	"sort"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*CaptureDevice)(nil)
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
	_ audio.OutputContext  = (*OutputContext)(nil)
	_ audio.Source         = (*Source)(nil)
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
// Set the exported error fields before use; inspect the CallCount fields after.
type CaptureDevice struct {
	mu sync.Mutex

	// StartError is returned by [CaptureDevice.Start].
	StartError error

	// StopError is returned by [CaptureDevice.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onFrame func(audio.AudioFrame)
}

// Start implements [audio.CaptureDevice]. Returns StartError; on success the
// callback is retained for [CaptureDevice.Emit].
func (d *CaptureDevice) Start(onFrame func(audio.AudioFrame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.onFrame = onFrame
	return nil
}

// Stop implements [audio.CaptureDevice]. The retained callback is dropped.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.onFrame = nil
	return d.StopError
}

// Running reports whether a callback is currently registered.
func (d *CaptureDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onFrame != nil
}

// Emit delivers samples to the registered callback, as the device thread
// would. It reports false when the device is not running.
func (d *CaptureDevice) Emit(samples []int16) bool {
	d.mu.Lock()
	cb := d.onFrame
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(audio.AudioFrame{Samples: samples, SampleRate: audio.CaptureSampleRate})
	return true
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice]. It does
// not read from the reader on its own; tests pull with [PlaybackDevice.Pull].
type PlaybackDevice struct {
	mu sync.Mutex

	// StartError is returned by [PlaybackDevice.Start].
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	reader io.Reader
}

// Start implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Start(r io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.reader = r
	return nil
}

// Stop implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.reader = nil
	return nil
}

// Pull reads n bytes from the reader passed to Start, as the device would.
func (d *PlaybackDevice) Pull(n int) ([]byte, error) {
	d.mu.Lock()
	r := d.reader
	d.mu.Unlock()
	if r == nil {
		return nil, io.ErrClosedPipe
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// Source is a buffer scheduled on an [OutputContext].
type Source struct {
	Buffer audio.Buffer
	At     float64

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func()
}

// End returns the clock time at which the source finishes.
func (s *Source) End() float64 { return s.At + s.Buffer.Seconds() }

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Ended reports whether the source finished naturally.
func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// OutputContext is a mock implementation of [audio.OutputContext] with a clock
// that only moves when the test says so.
type OutputContext struct {
	mu      sync.Mutex
	now     float64
	rate    int
	sources []*Source
}

// NewOutputContext returns an output context at clock time zero.
func NewOutputContext(rate int) *OutputContext {
	return &OutputContext{rate: rate}
}

// CurrentTime implements [audio.OutputContext].
func (c *OutputContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SampleRate implements [audio.OutputContext].
func (c *OutputContext) SampleRate() int { return c.rate }

// Start implements [audio.OutputContext]. The source is recorded in
// [OutputContext.Sources].
func (c *OutputContext) Start(buf audio.Buffer, at float64, onEnded func()) audio.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Source{Buffer: buf, At: at, onEnded: onEnded}
	c.sources = append(c.sources, s)
	return s
}

// Sources returns every source ever started, in start order.
func (c *OutputContext) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Source(nil), c.sources...)
}

// Playing returns the sources that are neither stopped nor ended.
func (c *OutputContext) Playing() []*Source {
	var out []*Source
	for _, s := range c.Sources() {
		if !s.Stopped() && !s.Ended() {
			out = append(out, s)
		}
	}
	return out
}

// AdvanceTo moves the clock to t and ends, in end-time order, every live
// source that finished by then. onEnded callbacks run on the calling
// goroutine.
func (c *OutputContext) AdvanceTo(t float64) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	now := c.now
	var due []*Source
	for _, s := range c.sources {
		s.mu.Lock()
		if !s.stopped && !s.ended && s.End() <= now+1e-9 {
			s.ended = true
			due = append(due, s)
		}
		s.mu.Unlock()
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].End() < due[j].End() })
	for _, s := range due {
		if s.onEnded != nil {
			s.onEnded()
		}
	}
}
