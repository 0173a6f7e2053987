package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/fault"
	"github.com/MrWong99/voxlink/pkg/provider/live"
	"github.com/MrWong99/voxlink/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The server is
// automatically closed when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return setup
}

func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(-1))
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
					LanguageCode string `json:"languageCode"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
				GoogleSearch *struct{} `json:"googleSearch"`
			} `json:"tools"`
			ContextWindowCompression *struct {
				TriggerTokens int `json:"triggerTokens"`
				SlidingWindow struct {
					TargetTokens int `json:"targetTokens"`
				} `json:"slidingWindow"`
			} `json:"contextWindowCompression"`
			InputAudioTranscription *struct{} `json:"inputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{
		Model:             "gemini-live-test",
		Voice:             "Kore",
		LanguageCode:      "de-DE",
		SystemInstruction: "Be brief.",
		Tools:             []live.Tool{{Name: "lookup", Description: "Looks things up"}},
		Search:            true,
		Compression:       &live.Compression{TriggerTokens: 25600, TargetTokens: 12800},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if key := <-keys; key != "test-api-key" {
		t.Errorf("api key = %q", key)
	}

	msg := <-received
	s := msg.Setup
	if s.Model != "models/gemini-live-test" {
		t.Errorf("model = %q", s.Model)
	}
	if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", s.GenerationConfig.ResponseModalities)
	}
	if got := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q", got)
	}
	if got := s.GenerationConfig.SpeechConfig.LanguageCode; got != "de-DE" {
		t.Errorf("languageCode = %q", got)
	}
	if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("systemInstruction = %+v", s.SystemInstruction)
	}
	if len(s.Tools) != 2 || s.Tools[0].FunctionDeclarations[0].Name != "lookup" || s.Tools[1].GoogleSearch == nil {
		t.Errorf("tools = %+v", s.Tools)
	}
	if cwc := s.ContextWindowCompression; cwc == nil || cwc.TriggerTokens != 25600 || cwc.SlidingWindow.TargetTokens != 12800 {
		t.Errorf("contextWindowCompression = %+v", cwc)
	}
	if s.InputAudioTranscription == nil {
		t.Error("expected input transcription to be requested")
	}
}

func TestConnect_ServerErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "You exceeded your current quota"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	var se *live.ServerError
	if !errors.As(err, &se) || se.Code != "RESOURCE_EXHAUSTED" {
		t.Errorf("expected wrapped ServerError, got %v", err)
	}
	if kind := fault.Classify(err.Error()); kind != fault.Quota {
		t.Errorf("classified as %v, want quota", kind)
	}
}

func TestConnect_CloseDuringSetupCarriesReason(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusPolicyViolation, "models/gemini-x is not found for API version v1beta, or is not supported for bidiGenerateContent")
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{Model: "gemini-x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := fault.Classify(err.Error()); kind != fault.UnsupportedModel {
		t.Errorf("classified %q as %v, want unsupported model", err, kind)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Inbound traffic ───────────────────────────────────────────────────────────

func TestListen_DeliversServerContent(t *testing.T) {
	t.Parallel()

	pcm := audio.EncodePCM16([]int16{1, 2, 3, 4})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": b64(pcm)}},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=16000", "data": b64(pcm)}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"groundingMetadata": map[string]any{"groundingChunks": []any{
				map[string]any{"web": map[string]any{"uri": "https://example.com/a", "title": "A"}},
				map[string]any{"retrievedContext": map[string]any{}},
			}},
			"turnComplete": true,
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"interrupted":         true,
			"inputTranscription":  map[string]any{"text": "hello"},
			"outputTranscription": map[string]any{"text": "hi there"},
		}})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "9.5s"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	msgs := make(chan live.Message, 8)
	if err := c.Listen(live.Handler{OnMessage: func(m live.Message) { msgs <- m }}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := c.Listen(live.Handler{}); err == nil {
		t.Error("expected second Listen to fail")
	}

	next := func() live.Message {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for message")
			return live.Message{}
		}
	}

	m := next()
	if len(m.Audio) != 2 || m.Audio[0].SampleRate != 24000 || m.Audio[1].SampleRate != 16000 {
		t.Fatalf("audio = %+v", m.Audio)
	}
	if m.Audio[0].EncodedSize() != len(pcm) {
		t.Errorf("encoded size = %d", m.Audio[0].EncodedSize())
	}

	m = next()
	if len(m.Sources) != 1 || m.Sources[0].URI != "https://example.com/a" || !m.TurnComplete {
		t.Errorf("grounding message = %+v", m)
	}

	m = next()
	if !m.Interrupted || m.InputTranscript != "hello" || m.OutputTranscript != "hi there" {
		t.Errorf("interrupt message = %+v", m)
	}

	m = next()
	if m.GoAway == nil || m.GoAway.TimeLeft != 9500*time.Millisecond {
		t.Errorf("goAway = %+v", m.GoAway)
	}
}

func TestListen_ErrorAndRemoteClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		conn.Close(websocket.StatusGoingAway, "session expired")
	})

	c, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	errs := make(chan error, 1)
	closes := make(chan live.CloseEvent, 2)
	_ = c.Listen(live.Handler{
		OnError: func(err error) { errs <- err },
		OnClose: func(ev live.CloseEvent) { closes <- ev },
	})

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "internal") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error")
	}

	select {
	case ev := <-closes:
		if ev.Local || ev.Code != int(websocket.StatusGoingAway) || ev.Reason != "session expired" {
			t.Errorf("close event = %+v", ev)
		}
		if ev.Text() != "session expired" {
			t.Errorf("Text() = %q", ev.Text())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close")
	}

	if err := c.SendAudio(audio.InputBatch{Samples: []int16{1}}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after remote close = %v, want ErrClosed", err)
	}
}

// ── Outbound audio ────────────────────────────────────────────────────────────

func TestSendAudio_MediaChunk(t *testing.T) {
	t.Parallel()

	type mediaMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan mediaMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var m mediaMsg
		readJSON(t, conn, &m)
		got <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	_ = c.Listen(live.Handler{})

	batch := audio.InputBatch{Samples: []int16{100, -100, 200}, SampleRate: 16000}
	if err := c.SendAudio(batch); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case m := <-got:
		chunks := m.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("chunks = %d", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mime = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != batch.Base64() {
			t.Errorf("data = %q, want %q", chunks[0].Data, batch.Base64())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for media chunk")
	}
}

func TestClose_IdempotentAndLocal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	closes := make(chan live.CloseEvent, 2)
	_ = c.Listen(live.Handler{OnClose: func(ev live.CloseEvent) { closes <- ev }})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case ev := <-closes:
		if !ev.Local {
			t.Errorf("expected local close, got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close event")
	}
	if err := c.SendAudio(audio.InputBatch{Samples: []int16{1}}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if len(caps.Voices) == 0 || caps.OutputSampleRate != audio.PlaybackSampleRate {
		t.Errorf("capabilities = %+v", caps)
	}
}

func b64(p []byte) string {
	return audio.InputBatch{Samples: audio.DecodePCM16(p)}.Base64()
}
