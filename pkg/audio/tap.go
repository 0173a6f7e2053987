package audio

import "sync"

// Tap keeps the most recent samples that passed through a point of the
// pipeline so that visualisers can read them. A tap never influences the
// signal or the lifecycle of the stage it is attached to.
//
// Tap is safe for concurrent use.
type Tap struct {
	mu     sync.Mutex
	ring   []int16
	pos    int
	filled bool
}

// NewTap returns a tap holding the last size samples.
func NewTap(size int) *Tap {
	if size <= 0 {
		size = 1
	}
	return &Tap{ring: make([]int16, size)}
}

// Write records samples, overwriting the oldest ones.
func (t *Tap) Write(samples []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(samples) >= len(t.ring) {
		copy(t.ring, samples[len(samples)-len(t.ring):])
		t.pos = 0
		t.filled = true
		return
	}
	for _, s := range samples {
		t.ring[t.pos] = s
		t.pos++
		if t.pos == len(t.ring) {
			t.pos = 0
			t.filled = true
		}
	}
}

// Snapshot appends the recorded samples to dst, oldest first, and returns the
// extended slice.
func (t *Tap) Snapshot(dst []int16) []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled {
		dst = append(dst, t.ring[t.pos:]...)
	}
	return append(dst, t.ring[:t.pos]...)
}

// Level returns the RMS level of the recorded samples in [0, 1].
func (t *Tap) Level() float64 {
	return RMS(t.Snapshot(nil))
}

// Reset discards all recorded samples.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.pos = 0
	t.filled = false
}
