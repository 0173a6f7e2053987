package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/fault"
)

var _ audio.CaptureDevice = (*Capture)(nil)

// probeMalgo reports whether a miniaudio context can be created.
func probeMalgo() error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	_ = mctx.Uninit()
	mctx.Free()
	return nil
}

// Capture is a microphone opened through miniaudio. It delivers mono int16
// frames at the configured rate; miniaudio converts from the device format.
type Capture struct {
	rate   int
	period time.Duration
	log    *slog.Logger

	// onFrame is swapped to nil before the device is torn down so that no
	// callback outlives Stop.
	onFrame atomic.Pointer[func(audio.AudioFrame)]

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	started time.Time
	frames  atomic.Int64
}

// NewCapture returns an unopened microphone.
func NewCapture(rate int, period time.Duration, logger *slog.Logger) *Capture {
	return &Capture{rate: rate, period: period, log: logger}
}

// Start implements [audio.CaptureDevice].
func (c *Capture) Start(onFrame func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		c.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return captureError("capture init context", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.rate)
	cfg.PeriodSizeInMilliseconds = uint32(c.period.Milliseconds())

	c.onFrame.Store(&onFrame)
	c.frames.Store(0)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			cb := c.onFrame.Load()
			if cb == nil || len(input) == 0 {
				return
			}
			offset := time.Duration(c.frames.Add(int64(frameCount))-int64(frameCount)) * time.Second / time.Duration(c.rate)
			(*cb)(audio.AudioFrame{
				Samples:    audio.DecodePCM16(input),
				SampleRate: c.rate,
				Timestamp:  offset,
			})
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		c.onFrame.Store(nil)
		_ = mctx.Uninit()
		mctx.Free()
		return captureError("capture init device", err)
	}
	if err := dev.Start(); err != nil {
		c.onFrame.Store(nil)
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return captureError("capture start", err)
	}

	c.mctx = mctx
	c.dev = dev
	c.started = time.Now()
	c.log.Info("microphone started", "sample_rate", c.rate, "period_ms", c.period.Milliseconds())
	return nil
}

// Stop implements [audio.CaptureDevice].
func (c *Capture) Stop() error {
	c.onFrame.Store(nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}

	var err error
	if stopErr := c.dev.Stop(); stopErr != nil {
		err = fmt.Errorf("capture stop: %w", stopErr)
	}
	c.dev.Uninit()
	_ = c.mctx.Uninit()
	c.mctx.Free()
	c.dev = nil
	c.mctx = nil
	c.log.Info("microphone stopped", "uptime", time.Since(c.started).Round(time.Millisecond))
	return err
}

// captureError classifies a miniaudio failure. Anything that is not an access
// problem is a device failure.
func captureError(op string, err error) error {
	kind := fault.Classify(err.Error())
	if kind != fault.Permission {
		kind = fault.Device
	}
	return fault.New(kind, op, err)
}
