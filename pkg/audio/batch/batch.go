// Package batch turns variable-length microphone callbacks into fixed-size
// input batches.
//
// Capture devices deliver frames whose length depends on the platform and
// its buffer settings. The remote model is fed fixed 40ms batches instead,
// which bounds per-batch latency while keeping per-message overhead low.
package batch

import "github.com/MrWong99/voxlink/pkg/audio"

// Batcher accumulates samples and emits batches of exactly Size samples.
//
// A Batcher is not safe for concurrent use; it is owned by the event loop.
type Batcher struct {
	size int
	rate int
	emit func(audio.InputBatch)

	// backlog holds enqueued chunks; head is the read offset into backlog[0].
	backlog [][]int16
	head    int
	total   int
	seq     uint64
}

// Option configures a [Batcher].
type Option func(*Batcher)

// WithSampleRate sets the rate stamped on emitted batches. Defaults to
// [audio.CaptureSampleRate].
func WithSampleRate(rate int) Option {
	return func(b *Batcher) {
		if rate > 0 {
			b.rate = rate
		}
	}
}

// New returns a batcher emitting batches of size samples to emit. A
// non-positive size selects [audio.DefaultBatchSamples].
func New(size int, emit func(audio.InputBatch), opts ...Option) *Batcher {
	if size <= 0 {
		size = audio.DefaultBatchSamples
	}
	b := &Batcher{
		size: size,
		rate: audio.CaptureSampleRate,
		emit: emit,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Size returns the batch size in samples.
func (b *Batcher) Size() int { return b.size }

// Backlog returns the number of samples waiting for the next batch.
func (b *Batcher) Backlog() int { return b.total }

// Enqueue appends samples to the backlog. The slice is copied, so callers may
// reuse it.
func (b *Batcher) Enqueue(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.backlog = append(b.backlog, append([]int16(nil), samples...))
	b.total += len(samples)
}

// Drain emits one batch for every full batch worth of backlog and keeps the
// remainder. It returns the number of batches emitted.
func (b *Batcher) Drain() int {
	n := 0
	for b.total >= b.size {
		b.emitBatch(b.take(b.size), false)
		n++
	}
	return n
}

// Flush emits whatever is left in the backlog as one final, possibly short,
// batch. It reports whether a batch was emitted; a flush with an empty backlog
// emits nothing. Flush also restarts batch numbering.
func (b *Batcher) Flush() bool {
	b.Drain()
	defer func() { b.seq = 0 }()
	if b.total == 0 {
		return false
	}
	b.emitBatch(b.take(b.total), true)
	return true
}

// Reset discards the backlog without emitting anything.
func (b *Batcher) Reset() {
	b.backlog = nil
	b.head = 0
	b.total = 0
	b.seq = 0
}

// take removes n samples from the front of the backlog, copying across chunk
// boundaries. n must not exceed b.total.
func (b *Batcher) take(n int) []int16 {
	out := make([]int16, 0, n)
	for len(out) < n {
		chunk := b.backlog[0][b.head:]
		want := n - len(out)
		if len(chunk) > want {
			out = append(out, chunk[:want]...)
			b.head += want
			break
		}
		out = append(out, chunk...)
		b.backlog[0] = nil
		b.backlog = b.backlog[1:]
		b.head = 0
	}
	b.total -= n
	if len(b.backlog) == 0 {
		b.backlog = nil
	}
	return out
}

func (b *Batcher) emitBatch(samples []int16, final bool) {
	batch := audio.InputBatch{
		Samples:    samples,
		SampleRate: b.rate,
		Seq:        b.seq,
		Final:      final,
	}
	b.seq++
	if b.emit != nil {
		b.emit(batch)
	}
}
