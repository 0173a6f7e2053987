package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxlink/pkg/fault"
)

const (
	// CaptureSampleRate is the rate the remote model expects for input audio.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate the remote model produces output audio at.
	// Capture and playback rates differ on purpose; both are fixed by the wire
	// protocol.
	PlaybackSampleRate = 24000

	// DefaultBatchSamples is 40ms of mono audio at [CaptureSampleRate].
	DefaultBatchSamples = 640
)

// ErrEmptyChunk is wrapped by [OutputChunk.Decode] when a chunk carries no
// samples.
var ErrEmptyChunk = errors.New("audio: chunk decoded to zero samples")

// AudioFrame is one microphone callback worth of mono samples. Frames vary in
// length and live only until the batcher has copied them.
type AudioFrame struct {
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// InputBatch is a fixed-length run of capture samples sent to the remote
// model as one message. Only the batch emitted by a flush may be shorter.
type InputBatch struct {
	Samples    []int16
	SampleRate int

	// Seq numbers batches from 0 within one capture run.
	Seq uint64

	// Final is set on the batch emitted by a flush.
	Final bool
}

// PCM returns the batch as 16-bit little-endian PCM.
func (b InputBatch) PCM() []byte { return EncodePCM16(b.Samples) }

// Base64 returns the PCM bytes base64-encoded for transmission.
func (b InputBatch) Base64() string {
	return base64.StdEncoding.EncodeToString(b.PCM())
}

// Duration returns the playing time of the batch.
func (b InputBatch) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// OutputChunk is base64 PCM16 audio received from the remote model. It stays
// encoded until the scheduler is ready to play it.
type OutputChunk struct {
	// Data is base64-encoded 16-bit little-endian mono PCM.
	Data string

	// SampleRate of the encoded PCM. Zero means [PlaybackSampleRate].
	SampleRate int
}

func (c OutputChunk) rate() int {
	if c.SampleRate > 0 {
		return c.SampleRate
	}
	return PlaybackSampleRate
}

// EncodedSize returns the number of PCM bytes the chunk will decode to,
// computed without decoding.
func (c OutputChunk) EncodedSize() int {
	n := base64.StdEncoding.DecodedLen(len(c.Data))
	// DecodedLen assumes no padding; account for up to two '=' characters.
	n -= strings.Count(c.Data[max(0, len(c.Data)-2):], "=")
	return max(n, 0)
}

// EstimatedSeconds returns the playing time of the chunk, estimated from its
// encoded length.
func (c OutputChunk) EstimatedSeconds() float64 {
	return float64(c.EncodedSize()/2) / float64(c.rate())
}

// Decode turns the chunk into a playable buffer at targetRate, resampling when
// the chunk rate differs. A chunk that yields no samples returns an error of
// kind [fault.EmptyResult].
func (c OutputChunk) Decode(targetRate int) (Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return Buffer{}, fault.New(fault.EmptyResult, "decode output chunk", fmt.Errorf("base64: %w", err))
	}
	if targetRate > 0 && c.rate() != targetRate {
		pcm = ResampleMono16(pcm, c.rate(), targetRate)
	} else {
		targetRate = c.rate()
	}
	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return Buffer{}, fault.New(fault.EmptyResult, "decode output chunk", ErrEmptyChunk)
	}
	return Buffer{Samples: samples, SampleRate: targetRate}, nil
}

// Buffer is decoded mono audio ready to be scheduled.
type Buffer struct {
	Samples    []int16
	SampleRate int
}

// Seconds returns the playing time of the buffer.
func (b Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is absent or
// malformed.
func RateFromMIME(mime string, def int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if r, err := strconv.Atoi(v); err == nil && r > 0 {
			return r
		}
	}
	return def
}
