// Package mixer provides a software output timeline: an [audio.OutputContext]
// whose clock advances as a playback device pulls PCM from it.
//
// Buffers are started at absolute clock times. Each call to [Mixer.Read]
// renders the next frames, sums every source that is live in that window and
// saturates the result to int16. The clock is the number of frames rendered,
// so it runs ahead of the speaker by the device's own buffer latency.
package mixer

// sourceHeap implements [container/heap.Interface] as a min-heap of sources
// waiting to start, ordered by start frame with FIFO tie-breaking on seq.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].startFrame != h[j].startFrame {
		return h[i].startFrame < h[j].startFrame
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *sourceHeap) Push(x any) {
	*h = append(*h, x.(*source))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
