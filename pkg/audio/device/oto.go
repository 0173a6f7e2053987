package device

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/fault"
)

var _ audio.PlaybackDevice = (*Speaker)(nil)

// oto allows one context per process; it is created on first use and kept.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedOtoContext(rate int, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
		otoRate = rate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != rate {
		return nil, fmt.Errorf("oto context already running at %d Hz, want %d Hz", otoRate, rate)
	}
	return otoCtx, nil
}

// Speaker plays mono PCM16 through oto. oto pulls from the reader passed to
// Start on its own goroutine.
type Speaker struct {
	rate   int
	buffer time.Duration
	log    *slog.Logger

	mu     sync.Mutex
	player *oto.Player
}

// NewSpeaker returns an unopened speaker.
func NewSpeaker(rate int, buffer time.Duration, logger *slog.Logger) *Speaker {
	return &Speaker{rate: rate, buffer: buffer, log: logger}
}

// Start implements [audio.PlaybackDevice].
func (s *Speaker) Start(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return nil
	}

	ctx, err := sharedOtoContext(s.rate, s.buffer)
	if err != nil {
		return fault.New(fault.Device, "speaker open", err)
	}
	p := ctx.NewPlayer(r)
	// 2 bytes per mono frame.
	p.SetBufferSize(int(s.buffer.Seconds()*float64(s.rate)) * 2)
	p.Play()
	s.player = p
	s.log.Info("speaker started", "sample_rate", s.rate, "buffer_ms", s.buffer.Milliseconds())
	return nil
}

// Stop implements [audio.PlaybackDevice].
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	s.player.Pause()
	err := s.player.Close()
	s.player = nil
	s.log.Info("speaker stopped")
	if err != nil {
		return fmt.Errorf("speaker stop: %w", err)
	}
	return nil
}
