// Package pipeline owns the platform audio devices and connects them to the
// capture batcher and the playback scheduler.
//
// The microphone runs only while recording. The speaker runs for the whole
// life of the pipeline so that remote audio can play at any time; it pulls
// from a software mixer that also serves as the scheduler's clock.
//
// Device callbacks never touch pipeline state. Captured samples are copied
// into a small lock-protected inbox, and the event loop moves them into the
// batcher. Stopping drains the inbox before the final flush, so audio
// captured right before a stop is still sent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/batch"
	"github.com/MrWong99/voxlink/pkg/audio/mixer"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/eventloop"
	"github.com/MrWong99/voxlink/pkg/fault"
)

// tapSamples is how much signal each visualisation tap keeps.
const tapSamples = 2048

// Recorder receives capture telemetry.
type Recorder interface {
	playback.Recorder
	RecordBatchSent(ctx context.Context, batchSamples int, final bool)
}

// Level is the read-only view of a tap handed to visualisers.
type Level interface {
	Snapshot(dst []int16) []int16
	Level() float64
}

// Config holds pipeline settings.
type Config struct {
	BatchSamples int
	CaptureRate  int
	PlaybackRate int
	Playback     playback.Config
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.rec = r }
}

// WithDecodeErrorHandler receives output chunks that could not be decoded.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onDecodeErr = fn }
}

// Pipeline is the audio device pipeline. Every method must be called on the
// event loop goroutine.
type Pipeline struct {
	loop     eventloop.Scheduler
	capture  audio.CaptureDevice
	speaker  audio.PlaybackDevice
	log      *slog.Logger
	rec      Recorder
	cfg      Config
	inTap    *audio.Tap
	outTap   *audio.Tap
	mix      *mixer.Mixer
	batcher  *batch.Batcher
	sched    *playback.Scheduler
	onBatch  func(audio.InputBatch)
	inboxMu  sync.Mutex
	inbox    []captured
	posted   bool
	run      uint64
	started  bool
	speaking bool
	closed   bool

	onDecodeErr func(error)
}

// New builds a pipeline around the given devices. Batches produced while
// recording are passed to onBatch on the loop goroutine.
func New(loop eventloop.Scheduler, capture audio.CaptureDevice, speaker audio.PlaybackDevice, cfg Config, onBatch func(audio.InputBatch), opts ...Option) *Pipeline {
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = audio.CaptureSampleRate
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = audio.PlaybackSampleRate
	}
	if cfg.BatchSamples <= 0 {
		cfg.BatchSamples = audio.DefaultBatchSamples
	}

	p := &Pipeline{
		loop:    loop,
		capture: capture,
		speaker: speaker,
		log:     slog.Default(),
		cfg:     cfg,
		inTap:   audio.NewTap(tapSamples),
		outTap:  audio.NewTap(tapSamples),
		onBatch: onBatch,
	}
	for _, o := range opts {
		o(p)
	}

	p.mix = mixer.New(cfg.PlaybackRate, mixer.WithTap(p.outTap))
	p.batcher = batch.New(cfg.BatchSamples, p.emit, batch.WithSampleRate(cfg.CaptureRate))

	schedOpts := []playback.Option{playback.WithLogger(p.log)}
	if p.rec != nil {
		schedOpts = append(schedOpts, playback.WithRecorder(p.rec))
	}
	if p.onDecodeErr != nil {
		schedOpts = append(schedOpts, playback.WithErrorHandler(p.onDecodeErr))
	}
	p.sched = playback.New(p.mix, loop, cfg.Playback, schedOpts...)
	return p
}

// ── Output ────────────────────────────────────────────────────────────────────

// StartOutput opens the speaker. It is idempotent.
func (p *Pipeline) StartOutput() error {
	if p.speaking || p.closed {
		return nil
	}
	if err := p.speaker.Start(p.mix); err != nil {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			err = fault.New(fault.Device, "speaker start", err)
		}
		return err
	}
	p.speaking = true
	return nil
}

// Scheduler returns the playback scheduler.
func (p *Pipeline) Scheduler() *playback.Scheduler { return p.sched }

// Play queues a chunk of remote audio.
func (p *Pipeline) Play(chunk audio.OutputChunk) {
	p.sched.Enqueue(chunk)
}

// Interrupt stops playback immediately and drops queued audio.
func (p *Pipeline) Interrupt() {
	p.sched.Interrupt()
}

// ── Capture ───────────────────────────────────────────────────────────────────

// Start acquires the microphone and begins producing batches. Calling Start
// while recording is a no-op. Acquisition failures are returned as errors of
// kind [fault.Permission] or [fault.Device].
func (p *Pipeline) Start() error {
	if p.closed {
		return fmt.Errorf("pipeline start: closed")
	}
	if p.started {
		return nil
	}

	p.run++
	run := p.run
	p.batcher.Reset()
	p.inTap.Reset()

	err := p.capture.Start(func(f audio.AudioFrame) { p.deliver(run, f) })
	if err != nil {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			kind := fault.Classify(err.Error())
			if kind != fault.Permission {
				kind = fault.Device
			}
			err = fault.New(kind, "capture start", err)
		}
		p.log.Error("microphone unavailable", "err", err)
		return err
	}
	p.started = true
	p.log.Info("recording started", "batch_samples", p.cfg.BatchSamples, "sample_rate", p.cfg.CaptureRate)
	return nil
}

// Stop releases the microphone and flushes the trailing partial batch.
// Calling Stop while not recording is a no-op.
func (p *Pipeline) Stop() error {
	if !p.started {
		return nil
	}
	p.started = false

	// The device guarantees no callback after Stop returns, so the inbox is
	// complete once it does.
	err := p.capture.Stop()
	p.pump()
	p.batcher.Flush()
	p.run++
	p.inTap.Reset()
	p.log.Info("recording stopped")
	if err != nil {
		return fmt.Errorf("pipeline stop: %w", err)
	}
	return nil
}

// Recording reports whether the microphone is running.
func (p *Pipeline) Recording() bool { return p.started }

// deliver runs on the device thread.
func (p *Pipeline) deliver(run uint64, f audio.AudioFrame) {
	if len(f.Samples) == 0 {
		return
	}
	p.inTap.Write(f.Samples)

	p.inboxMu.Lock()
	p.inbox = append(p.inbox, captured{run: run, samples: append([]int16(nil), f.Samples...)})
	post := !p.posted
	p.posted = true
	p.inboxMu.Unlock()

	if post {
		p.loop.Post(p.pump)
	}
}

// captured is one device frame tagged with the recording run it belongs to.
type captured struct {
	run     uint64
	samples []int16
}

// pump moves captured samples into the batcher. Samples from an earlier
// recording run are discarded.
func (p *Pipeline) pump() {
	p.inboxMu.Lock()
	frames := p.inbox
	p.inbox = nil
	p.posted = false
	p.inboxMu.Unlock()

	for _, f := range frames {
		if f.run == p.run {
			p.batcher.Enqueue(f.samples)
		}
	}
	p.batcher.Drain()
}

func (p *Pipeline) emit(b audio.InputBatch) {
	if p.rec != nil {
		p.rec.RecordBatchSent(context.Background(), len(b.Samples), b.Final)
	}
	if p.onBatch != nil {
		p.onBatch(b)
	}
}

// ── Taps & teardown ───────────────────────────────────────────────────────────

// InputLevel returns the microphone tap.
func (p *Pipeline) InputLevel() Level { return p.inTap }

// OutputLevel returns the speaker tap.
func (p *Pipeline) OutputLevel() Level { return p.outTap }

// SetPlaybackConfig replaces the scheduler tuning.
func (p *Pipeline) SetPlaybackConfig(cfg playback.Config) {
	p.sched.SetConfig(cfg)
}

// Close stops recording and playback and releases both devices. It is
// idempotent.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	var errs []error
	if err := p.Stop(); err != nil {
		errs = append(errs, err)
	}
	p.sched.Interrupt()
	p.mix.Reset()
	if p.speaking {
		if err := p.speaker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("speaker stop: %w", err))
		}
		p.speaking = false
	}
	p.closed = true
	return errors.Join(errs...)
}
