package mixer

import (
	"math"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// constBuf returns n samples of value v at 1 kHz so frame maths stays readable.
func constBuf(v int16, n int) audio.Buffer {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.Buffer{Samples: s, SampleRate: 1000}
}

func read(t *testing.T, m *Mixer, frames int) []int16 {
	t.Helper()
	p := make([]byte, frames*2)
	n, err := m.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(p) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(p))
	}
	return audio.DecodePCM16(p)
}

func TestMixer_ClockAdvancesWithReads(t *testing.T) {
	t.Parallel()
	m := New(1000)

	if m.CurrentTime() != 0 {
		t.Fatalf("expected clock at 0, got %v", m.CurrentTime())
	}
	read(t, m, 250)
	if got := m.CurrentTime(); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("clock = %v, want 0.25", got)
	}
}

func TestMixer_StartsAtScheduledFrame(t *testing.T) {
	t.Parallel()
	m := New(1000)

	ended := 0
	m.Start(constBuf(100, 5), 0.003, func() { ended++ })

	out := read(t, m, 10)
	want := []int16{0, 0, 0, 100, 100, 100, 100, 100, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("frame %d = %d, want %d (all: %v)", i, out[i], want[i], out)
		}
	}
	if ended != 1 {
		t.Errorf("expected onEnded once, got %d", ended)
	}
	if m.Active() != 0 {
		t.Errorf("expected no active sources, got %d", m.Active())
	}
}

func TestMixer_SumsAndSaturates(t *testing.T) {
	t.Parallel()
	m := New(1000)

	m.Start(constBuf(30000, 4), 0, nil)
	m.Start(constBuf(30000, 2), 0, nil)

	out := read(t, m, 4)
	if out[0] != math.MaxInt16 || out[1] != math.MaxInt16 {
		t.Errorf("overlapping frames should saturate, got %v", out[:2])
	}
	if out[2] != 30000 || out[3] != 30000 {
		t.Errorf("single-source frames = %v, want 30000", out[2:])
	}
}

func TestMixer_StoppedSourceIsSilentAndNeverEnds(t *testing.T) {
	t.Parallel()
	m := New(1000)

	ended := false
	src := m.Start(constBuf(500, 100), 0, func() { ended = true })
	read(t, m, 10)
	src.Stop()

	for _, v := range read(t, m, 200) {
		if v != 0 {
			t.Fatalf("stopped source still audible: %d", v)
		}
	}
	if ended {
		t.Error("onEnded must not run for a stopped source")
	}
}

func TestMixer_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()
	m := New(1000)
	read(t, m, 100)

	m.Start(constBuf(7, 3), 0.01, nil)
	out := read(t, m, 3)
	for i, v := range out {
		if v != 7 {
			t.Errorf("frame %d = %d, want 7", i, v)
		}
	}
}

func TestMixer_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	m := New(2000)

	done := false
	m.Start(constBuf(10, 4), 0, func() { done = true }) // 4 samples at 1kHz → 8 at 2kHz
	read(t, m, 7)
	if done {
		t.Fatal("source ended early; resampling did not stretch it")
	}
	read(t, m, 1)
	if !done {
		t.Error("expected source to end after 8 frames")
	}
}

func TestMixer_TapAndReset(t *testing.T) {
	t.Parallel()
	tap := audio.NewTap(4)
	m := New(1000, WithTap(tap), WithGain(0.5))

	m.Start(constBuf(1000, 10), 0, nil)
	read(t, m, 4)
	if got := tap.Snapshot(nil); got[3] != 500 {
		t.Errorf("tap saw %v, want gain-scaled 500", got)
	}

	m.Reset()
	if m.Active() != 0 {
		t.Errorf("expected no sources after Reset, got %d", m.Active())
	}
	if got := read(t, m, 2); got[0] != 0 {
		t.Errorf("expected silence after Reset, got %v", got)
	}
}
