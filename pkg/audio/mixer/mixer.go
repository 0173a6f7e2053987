package mixer

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputContext = (*Mixer)(nil)
	_ audio.Source        = (*source)(nil)
)

const defaultQueueCap = 16

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithTap attaches a tap that receives every rendered sample.
func WithTap(t *audio.Tap) Option {
	return func(m *Mixer) { m.tap = t }
}

// WithGain scales every source before summing. Defaults to 1.
func WithGain(g float64) Option {
	return func(m *Mixer) {
		if g >= 0 {
			m.gain = g
		}
	}
}

// Mixer renders scheduled buffers onto a continuous mono PCM16 stream.
//
// Start and Stop may be called from any goroutine; Read is called by the
// playback device. onEnded callbacks are invoked on the goroutine calling
// Read, after the mixer's lock is released.
type Mixer struct {
	rate int
	gain float64
	tap  *audio.Tap

	// frame is the clock in rendered frames.
	frame atomic.Int64

	mu      sync.Mutex
	waiting sourceHeap
	playing []*source
	seq     uint64
	acc     []int32
}

// New returns a mixer running at rate Hz.
func New(rate int, opts ...Option) *Mixer {
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	m := &Mixer{
		rate:    rate,
		gain:    1,
		waiting: make(sourceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.waiting)
	return m
}

// CurrentTime implements [audio.OutputContext].
func (m *Mixer) CurrentTime() float64 {
	return float64(m.frame.Load()) / float64(m.rate)
}

// SampleRate implements [audio.OutputContext].
func (m *Mixer) SampleRate() int { return m.rate }

// Start implements [audio.OutputContext]. A start time already in the past
// starts the buffer on the next rendered frame.
func (m *Mixer) Start(buf audio.Buffer, at float64, onEnded func()) audio.Source {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != m.rate {
		samples = audio.DecodePCM16(audio.ResampleMono16(audio.EncodePCM16(samples), buf.SampleRate, m.rate))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := &source{
		m:          m,
		samples:    samples,
		startFrame: int64(math.Round(at * float64(m.rate))),
		seq:        m.seq,
		onEnded:    onEnded,
	}
	heap.Push(&m.waiting, s)
	return s
}

// Active returns the number of sources that are waiting or playing.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.waiting {
		if !s.stopped {
			n++
		}
	}
	for _, s := range m.playing {
		if !s.stopped {
			n++
		}
	}
	return n
}

// Read renders len(p)/2 frames of little-endian PCM16 into p and advances
// the clock. It always fills whole frames and never blocks; silence is
// rendered when nothing is scheduled.
func (m *Mixer) Read(p []byte) (int, error) {
	frames := len(p) / 2
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	base := m.frame.Load()
	if cap(m.acc) < frames {
		m.acc = make([]int32, frames)
	}
	acc := m.acc[:frames]
	clear(acc)

	var ended []func()
	for i := range frames {
		f := base + int64(i)
		for m.waiting.Len() > 0 && m.waiting[0].startFrame <= f {
			s := heap.Pop(&m.waiting).(*source)
			if !s.stopped {
				m.playing = append(m.playing, s)
			}
		}
		if len(m.playing) == 0 {
			continue
		}
		var sum int32
		live := m.playing[:0]
		for _, s := range m.playing {
			if s.stopped {
				continue
			}
			if s.pos < len(s.samples) {
				sum += int32(float64(s.samples[s.pos]) * m.gain)
				s.pos++
			}
			if s.pos >= len(s.samples) {
				s.stopped = true
				if s.onEnded != nil {
					ended = append(ended, s.onEnded)
				}
				continue
			}
			live = append(live, s)
		}
		clear(m.playing[len(live):])
		m.playing = live
		acc[i] = sum
	}
	m.frame.Store(base + int64(frames))
	m.mu.Unlock()

	out := make([]int16, frames)
	for i, v := range acc {
		out[i] = audio.Clamp16(v)
		p[i*2] = byte(out[i])
		p[i*2+1] = byte(out[i] >> 8)
	}
	if m.tap != nil {
		m.tap.Write(out)
	}
	for _, fn := range ended {
		fn()
	}
	return frames * 2, nil
}

// Reset stops every source without invoking callbacks. The clock keeps
// running.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.waiting {
		s.stopped = true
	}
	for _, s := range m.playing {
		s.stopped = true
	}
	m.waiting = m.waiting[:0]
	m.playing = nil
}

// source is one buffer on the timeline.
type source struct {
	m          *Mixer
	samples    []int16
	startFrame int64
	seq        uint64
	pos        int
	stopped    bool
	onEnded    func()
}

// Stop implements [audio.Source]. The callback of a stopped source never
// runs.
func (s *source) Stop() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.stopped = true
}
