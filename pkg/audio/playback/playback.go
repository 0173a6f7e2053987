// Package playback turns bursty, jittery arrival of output audio chunks into
// gap-free, time-paced playback.
//
// Received chunks are queued undecoded. A scheduling pass moves chunks from
// the queue onto the output clock while the audio scheduled ahead of "now"
// stays within [Config.MaxBuffer]; the rest waits. Passes run when a chunk
// arrives, when a scheduled source finishes, and on a short refill timer while
// chunks are waiting. The first chunk after silence starts
// [Config.Prebuffer] in the future to absorb initial jitter; later chunks are
// appended back-to-back and never start sooner than [Config.ScheduleMargin]
// from now.
package playback

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/eventloop"
)

// epsilon absorbs float rounding when comparing clock times.
const epsilon = 1e-9

// Config holds the scheduler tuning.
type Config struct {
	// Prebuffer is the delay before the first chunk after silence starts.
	Prebuffer time.Duration

	// MaxBuffer bounds how far ahead of the clock audio is scheduled.
	MaxBuffer time.Duration

	// ScheduleMargin is the minimum lead for a chunk appended while audio is
	// already playing.
	ScheduleMargin time.Duration

	// RefillInterval is how often waiting chunks are reconsidered.
	RefillInterval time.Duration
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Prebuffer:      250 * time.Millisecond,
		MaxBuffer:      350 * time.Millisecond,
		ScheduleMargin: 50 * time.Millisecond,
		RefillInterval: 50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prebuffer <= 0 {
		c.Prebuffer = d.Prebuffer
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = d.MaxBuffer
	}
	if c.ScheduleMargin <= 0 {
		c.ScheduleMargin = d.ScheduleMargin
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = d.RefillInterval
	}
	return c
}

// Recorder receives scheduler telemetry.
type Recorder interface {
	RecordChunkScheduled(ctx context.Context, leadSeconds float64)
	RecordInterrupt(ctx context.Context, reason string)
	RecordError(ctx context.Context, kind string)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.rec = r }
}

// WithErrorHandler registers fn to receive chunks that could not be decoded.
// The errors are of kind fault.EmptyResult.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	BufferedAheadSeconds float64 `json:"buffered_ahead_seconds"`
	PendingQueuedSeconds float64 `json:"pending_queued_seconds"`
	ActiveSources        int     `json:"active_sources"`
	PendingChunks        int     `json:"pending_chunks"`
}

type handle struct {
	src        audio.Source
	start, end float64
}

// Scheduler schedules output chunks on an [audio.OutputContext].
//
// A Scheduler is owned by the event loop; all methods must be called from the
// loop goroutine.
type Scheduler struct {
	out     audio.OutputContext
	loop    eventloop.Scheduler
	cfg     Config
	log     *slog.Logger
	rec     Recorder
	onError func(error)

	pending   []audio.OutputChunk
	active    map[*handle]struct{}
	nextStart float64
	refill    *eventloop.Timer
}

// New returns a scheduler rendering to out. Source completions and refill
// timers are delivered through loop.
func New(out audio.OutputContext, loop eventloop.Scheduler, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		loop:   loop,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		active: make(map[*handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetConfig replaces the tuning. It applies from the next scheduling pass.
func (s *Scheduler) SetConfig(cfg Config) {
	s.cfg = cfg.withDefaults()
}

// Config returns the tuning in effect.
func (s *Scheduler) Config() Config { return s.cfg }

// Enqueue queues chunk and runs a scheduling pass.
func (s *Scheduler) Enqueue(chunk audio.OutputChunk) {
	s.pending = append(s.pending, chunk)
	s.schedule()
}

// schedule moves chunks from the queue onto the clock while they fit under
// MaxBuffer.
func (s *Scheduler) schedule() {
	prebuffer := s.cfg.Prebuffer.Seconds()
	maxBuffer := s.cfg.MaxBuffer.Seconds()
	margin := s.cfg.ScheduleMargin.Seconds()

	for len(s.pending) > 0 {
		now := s.out.CurrentTime()
		// Handles whose end callback is still queued do not count.
		playing := len(s.active) > 0 && s.nextStart > now
		chunk := s.pending[0]

		start := now + prebuffer
		if playing {
			start = max(s.nextStart, now+margin)
			lead := start - now
			// Wait for room. A chunk longer than the whole buffer is let
			// through once the lead has shrunk to the margin.
			if lead+chunk.EstimatedSeconds() > maxBuffer+epsilon && lead > margin+epsilon {
				break
			}
		}

		s.pending[0] = audio.OutputChunk{}
		s.pending = s.pending[1:]

		buf, err := chunk.Decode(s.out.SampleRate())
		if err != nil {
			s.log.Warn("playback: dropping undecodable chunk", "err", err)
			if s.rec != nil {
				s.rec.RecordError(context.Background(), "empty_result")
			}
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}

		h := &handle{start: start, end: start + buf.Seconds()}
		h.src = s.out.Start(buf, start, func() {
			s.loop.Post(func() { s.ended(h) })
		})
		s.active[h] = struct{}{}
		s.nextStart = h.end

		if s.rec != nil {
			s.rec.RecordChunkScheduled(context.Background(), start-now)
		}
		s.log.Debug("playback: chunk scheduled",
			"start", start,
			"lead", start-now,
			"seconds", buf.Seconds(),
			"pending", len(s.pending),
		)
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	s.armRefill()
}

// ended drops a naturally finished source and refills. Sources stopped by
// Interrupt are no longer tracked and are ignored.
func (s *Scheduler) ended(h *handle) {
	if _, ok := s.active[h]; !ok {
		return
	}
	delete(s.active, h)
	s.schedule()
}

func (s *Scheduler) armRefill() {
	if len(s.pending) == 0 {
		s.refill.Stop()
		s.refill = nil
		return
	}
	if s.refill != nil {
		return
	}
	s.refill = s.loop.AfterFunc(s.cfg.RefillInterval, func() {
		s.refill = nil
		s.schedule()
	})
}

// Interrupt stops every scheduled source immediately, discards the queue and
// resets the clock position, so that the next chunk starts after a fresh
// prebuffer.
func (s *Scheduler) Interrupt() {
	hadOutput := s.HasActiveOutput()
	for h := range s.active {
		h.src.Stop()
	}
	clear(s.active)
	s.pending = nil
	s.nextStart = 0
	s.refill.Stop()
	s.refill = nil

	if hadOutput && s.rec != nil {
		s.rec.RecordInterrupt(context.Background(), "barge_in")
	}
}

// BufferedAheadSeconds returns how much scheduled audio lies ahead of the
// clock. It is never negative.
func (s *Scheduler) BufferedAheadSeconds() float64 {
	return max(0, s.nextStart-s.out.CurrentTime())
}

// PendingQueuedSeconds estimates the playing time of queued chunks from their
// encoded length, without decoding them.
func (s *Scheduler) PendingQueuedSeconds() float64 {
	var total float64
	for _, c := range s.pending {
		total += c.EstimatedSeconds()
	}
	return total
}

// HasActiveOutput reports whether anything is scheduled or queued.
func (s *Scheduler) HasActiveOutput() bool {
	return len(s.active) > 0 || len(s.pending) > 0
}

// Stats returns a snapshot of the scheduler state.
func (s *Scheduler) Stats() Stats {
	return Stats{
		BufferedAheadSeconds: s.BufferedAheadSeconds(),
		PendingQueuedSeconds: s.PendingQueuedSeconds(),
		ActiveSources:        len(s.active),
		PendingChunks:        len(s.pending),
	}
}
