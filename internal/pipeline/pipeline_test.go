package pipeline

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/eventloop"
	"github.com/MrWong99/voxlink/pkg/fault"
)

type fixture struct {
	loop    *eventloop.Manual
	mic     *mock.CaptureDevice
	speaker *mock.PlaybackDevice
	p       *Pipeline
	batches []audio.InputBatch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		loop:    eventloop.NewManual(time.Unix(0, 0)),
		mic:     &mock.CaptureDevice{},
		speaker: &mock.PlaybackDevice{},
	}
	f.p = New(f.loop, f.mic, f.speaker, Config{}, func(b audio.InputBatch) {
		f.batches = append(f.batches, b)
	})
	return f
}

func TestPipeline_BatchesWhileRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.p.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if f.mic.CallCountStart != 1 {
		t.Errorf("expected device started once, got %d", f.mic.CallCountStart)
	}

	for range 4 {
		f.mic.Emit(make([]int16, 320))
	}
	f.loop.RunPending()

	if len(f.batches) != 2 {
		t.Fatalf("expected 2 batches from 1280 samples, got %d", len(f.batches))
	}
	if len(f.batches[0].Samples) != audio.DefaultBatchSamples {
		t.Errorf("batch size = %d, want %d", len(f.batches[0].Samples), audio.DefaultBatchSamples)
	}
	if f.p.InputLevel() == nil || len(f.p.InputLevel().Snapshot(nil)) != 1280 {
		t.Error("expected input tap to see captured samples")
	}
}

func TestPipeline_StopFlushesUnprocessedFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The loop never ran, so these frames are still in the inbox.
	f.mic.Emit(make([]int16, 700))

	if err := f.p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(f.batches) != 2 {
		t.Fatalf("expected 2 batches (full + flushed), got %d", len(f.batches))
	}
	if last := f.batches[1]; len(last.Samples) != 60 || !last.Final {
		t.Errorf("final batch: %d samples final=%v", len(last.Samples), last.Final)
	}

	if f.mic.Emit(make([]int16, 10)) {
		t.Error("device callback still attached after Stop")
	}
	f.loop.RunPending()
	if len(f.batches) != 2 {
		t.Errorf("stale work produced batches: %d", len(f.batches))
	}

	if err := f.p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if f.mic.CallCountStop != 1 {
		t.Errorf("expected device stopped once, got %d", f.mic.CallCountStop)
	}
}

func TestPipeline_RestartKeepsNewFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.p.Start()
	f.mic.Emit(make([]int16, 100))
	_ = f.p.Stop()
	_ = f.p.Start()
	f.mic.Emit(make([]int16, 640))
	f.loop.RunPending()

	if len(f.batches) != 2 {
		t.Fatalf("expected flushed batch plus one new batch, got %d", len(f.batches))
	}
	if len(f.batches[1].Samples) != 640 || f.batches[1].Seq != 0 {
		t.Errorf("unexpected second batch: %d samples seq %d", len(f.batches[1].Samples), f.batches[1].Seq)
	}
}

func TestPipeline_StartClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"permission", errors.New("NotAllowedError: permission denied"), fault.Permission},
		{"device", errors.New("failed to open stream"), fault.Device},
		{"already classified", fault.New(fault.Permission, "capture", errors.New("x")), fault.Permission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.mic.StartError = tt.err

			err := f.p.Start()
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
			if f.p.Recording() {
				t.Error("pipeline must not be recording after a failed start")
			}
		})
	}
}

func TestPipeline_OutputPlaysScheduledAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.p.StartOutput(); err != nil {
		t.Fatalf("StartOutput: %v", err)
	}
	if err := f.p.StartOutput(); err != nil {
		t.Fatalf("second StartOutput: %v", err)
	}
	if f.speaker.CallCountStart != 1 {
		t.Errorf("expected speaker started once, got %d", f.speaker.CallCountStart)
	}

	samples := make([]int16, 2400)
	for i := range samples {
		samples[i] = 1000
	}
	f.p.Play(audio.OutputChunk{Data: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples))})
	if !f.p.Scheduler().HasActiveOutput() {
		t.Fatal("expected scheduled output")
	}

	// 0.35s of rendering covers the 0.25s prebuffer and the 0.1s chunk.
	pcm, err := f.speaker.Pull(int(0.35*audio.PlaybackSampleRate) * 2)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	out := audio.DecodePCM16(pcm)
	if out[0] != 0 || out[6000] != 1000 {
		t.Errorf("expected silence then audio, got %d and %d", out[0], out[6000])
	}
	if f.p.OutputLevel().Level() == 0 {
		t.Error("expected output tap to record audio")
	}

	f.loop.RunPending()
	if f.p.Scheduler().HasActiveOutput() {
		t.Error("expected source completion to reach the scheduler")
	}
}

func TestPipeline_CloseReleasesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.p.StartOutput()
	_ = f.p.Start()
	f.p.SetPlaybackConfig(playback.Config{Prebuffer: time.Second})
	f.p.Play(audio.OutputChunk{Data: base64.StdEncoding.EncodeToString(make([]byte, 480))})

	if err := f.p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.mic.CallCountStop != 1 || f.speaker.CallCountStop != 1 {
		t.Errorf("expected both devices stopped once, got mic=%d speaker=%d", f.mic.CallCountStop, f.speaker.CallCountStop)
	}
	if f.p.Scheduler().HasActiveOutput() {
		t.Error("expected no output after Close")
	}
	if err := f.p.Start(); err == nil {
		t.Error("expected Start after Close to fail")
	}
}
