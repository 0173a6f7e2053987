package device

import (
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

var (
	_ audio.CaptureDevice  = (*NullCapture)(nil)
	_ audio.PlaybackDevice = (*NullSpeaker)(nil)
)

// ticker runs fn every period on its own goroutine until stop is called.
// stop waits for the goroutine, so fn never runs after stop returns.
type ticker struct {
	quit chan struct{}
	done chan struct{}
}

func startTicker(period time.Duration, fn func()) *ticker {
	t := &ticker{quit: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-t.quit:
				return
			case <-tk.C:
				fn()
			}
		}
	}()
	return t
}

func (t *ticker) stop() {
	close(t.quit)
	<-t.done
}

// NullCapture delivers silence at real-time pace.
type NullCapture struct {
	rate   int
	period time.Duration

	mu sync.Mutex
	t  *ticker
}

// NewNullCapture returns a silent microphone.
func NewNullCapture(rate int, period time.Duration) *NullCapture {
	return &NullCapture{rate: rate, period: period}
}

// Start implements [audio.CaptureDevice].
func (c *NullCapture) Start(onFrame func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != nil {
		return nil
	}
	n := int(c.period.Seconds() * float64(c.rate))
	var elapsed time.Duration
	c.t = startTicker(c.period, func() {
		onFrame(audio.AudioFrame{Samples: make([]int16, n), SampleRate: c.rate, Timestamp: elapsed})
		elapsed += c.period
	})
	return nil
}

// Stop implements [audio.CaptureDevice].
func (c *NullCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t == nil {
		return nil
	}
	c.t.stop()
	c.t = nil
	return nil
}

// NullSpeaker pulls from its reader at real-time pace and discards the audio.
type NullSpeaker struct {
	rate   int
	period time.Duration

	mu sync.Mutex
	t  *ticker
}

// NewNullSpeaker returns a speaker that plays nothing.
func NewNullSpeaker(rate int, period time.Duration) *NullSpeaker {
	return &NullSpeaker{rate: rate, period: period}
}

// Start implements [audio.PlaybackDevice].
func (s *NullSpeaker) Start(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		return nil
	}
	buf := make([]byte, int(s.period.Seconds()*float64(s.rate))*2)
	s.t = startTicker(s.period, func() {
		_, _ = io.ReadFull(r, buf)
	})
	return nil
}

// Stop implements [audio.PlaybackDevice].
func (s *NullSpeaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return nil
	}
	s.t.stop()
	s.t = nil
	return nil
}
