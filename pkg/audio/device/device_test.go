package device

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Backend: "jack"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpen_NullBackend(t *testing.T) {
	t.Parallel()
	d, err := Open(Config{Backend: BackendNull}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Backend != BackendNull {
		t.Errorf("backend = %q, want null", d.Backend)
	}
	if _, ok := d.Capture.(*NullCapture); !ok {
		t.Errorf("capture is %T, want *NullCapture", d.Capture)
	}
	if _, ok := d.Playback.(*NullSpeaker); !ok {
		t.Errorf("playback is %T, want *NullSpeaker", d.Playback)
	}
}

func TestNullCapture_DeliversSilenceUntilStopped(t *testing.T) {
	t.Parallel()
	c := NewNullCapture(16000, 5*time.Millisecond)

	var mu sync.Mutex
	var frames []audio.AudioFrame
	got := make(chan struct{}, 1)
	if err := c.Start(func(f audio.AudioFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second Start is a no-op.
	if err := c.Start(func(audio.AudioFrame) { t.Error("replacement callback used") }); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	mu.Lock()
	n := len(frames)
	first := frames[0]
	mu.Unlock()
	if len(first.Samples) != 80 || first.SampleRate != 16000 {
		t.Errorf("frame has %d samples at %d Hz, want 80 at 16000", len(first.Samples), first.SampleRate)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(frames) != n {
		t.Errorf("frames delivered after Stop: %d -> %d", n, len(frames))
	}
}

type countingReader struct{ n atomic.Int64 }

func (r *countingReader) Read(p []byte) (int, error) {
	r.n.Add(int64(len(p)))
	return len(p), nil
}

var _ io.Reader = (*countingReader)(nil)

func TestNullSpeaker_PullsAtRate(t *testing.T) {
	t.Parallel()
	s := NewNullSpeaker(24000, 5*time.Millisecond)
	r := &countingReader{}

	if err := s.Start(r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for r.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := r.n.Load()
	if n == 0 || n%240 != 0 {
		t.Errorf("pulled %d bytes, want a positive multiple of 240", n)
	}
}
