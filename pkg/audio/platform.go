package audio

import "io"

// CaptureDevice is a platform microphone. Implementations deliver mono
// frames at [CaptureSampleRate].
//
// onFrame is invoked on the device's own thread. It must not block and must
// not retain the frame's sample slice after returning; callers that need the
// data later copy it.
type CaptureDevice interface {
	// Start acquires the device and begins delivering frames. Acquisition
	// failures are returned as errors of kind fault.Permission or
	// fault.Device.
	Start(onFrame func(AudioFrame)) error

	// Stop stops delivery and releases the device. After Stop returns,
	// onFrame is never called again. Stop on a stopped device is a no-op.
	Stop() error
}

// PlaybackDevice is a platform speaker that pulls 16-bit little-endian mono
// PCM from a reader at a fixed rate.
type PlaybackDevice interface {
	// Start opens the device and begins pulling from r.
	Start(r io.Reader) error

	// Stop stops pulling and releases the device. Stop on a stopped device is
	// a no-op.
	Stop() error
}

// OutputContext is a playback clock with the ability to start buffers at
// precise times on that clock. It is the seam between the playback scheduler
// and whatever renders audio.
type OutputContext interface {
	// CurrentTime returns the playback clock in seconds. It only moves
	// forward.
	CurrentTime() float64

	// SampleRate returns the rate buffers must be in.
	SampleRate() int

	// Start schedules buf to begin at clock time at. onEnded is called once
	// when the buffer finishes playing naturally; it is not called after
	// Source.Stop. onEnded may be called from any goroutine.
	Start(buf Buffer, at float64, onEnded func()) Source
}

// Source is a handle to one scheduled buffer.
type Source interface {
	// Stop cancels the buffer immediately, whether or not it started.
	Stop()
}
