// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// The endpoint expects 24 kHz PCM16 in both directions, so capture batches are
// resampled before they are appended to the input audio buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/live"
	"github.com/MrWong99/voxlink/pkg/provider/live/internal/stream"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireSampleRate is the rate of "pcm16" on the Realtime API.
	wireSampleRate = 24000

	defaultSetupTimeout = 15 * time.Second
	transcriptionModel  = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithQueueSize sets the outbound audio queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// WithKeepalive sets the ping interval. A negative value disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// WithSetupTimeout bounds how long Connect waits for session.created.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	baseURL      string
	queueSize    int
	keepalive    time.Duration
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		OutputSampleRate:   wireSampleRate,
		MaxSessionDuration: 30 * time.Minute,
	}
}

// Connect dials the Realtime endpoint, waits for session.created and sends a
// session.update with the voice, instructions and tools.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	s := stream.New(ws, stream.Options{
		Name:      "openai",
		QueueSize: p.queueSize,
		Keepalive: p.keepalive,
		Logger:    p.log,
	})

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	if err := awaitSessionCreated(setupCtx, s); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("openai: setup: %w", err)
	}
	if err := s.WriteJSON(setupCtx, buildSessionUpdate(cfg)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	p.log.Debug("openai session open", "model", model)
	return &conn{s: s, log: p.log}, nil
}

func awaitSessionCreated(ctx context.Context, s *stream.Conn) error {
	for {
		data, err := s.ReadFrame(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "error":
			return evt.serverError()
		case "session.created":
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Tools                   []oaiTool                `json:"tools,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverEvent) serverError() *live.ServerError {
	se := &live.ServerError{Provider: "openai", Message: "unknown error"}
	if e.Error != nil {
		se.Code = e.Error.Code
		if se.Code == "" {
			se.Code = e.Error.Type
		}
		if e.Error.Message != "" {
			se.Message = e.Error.Message
		}
	}
	return se
}

func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &inputAudioTranscription{
			Model:    transcriptionModel,
			Language: primaryLanguage(cfg.LanguageCode),
		},
		TurnDetection: &turnDetection{Type: "server_vad"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// primaryLanguage reduces a BCP-47 tag to its ISO-639-1 part ("en-US" -> "en").
func primaryLanguage(code string) string {
	lang, _, _ := strings.Cut(code, "-")
	return strings.ToLower(lang)
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	s   *stream.Conn
	log *slog.Logger

	// transcript accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done. Only the receive goroutine touches it.
	transcript strings.Builder
}

// Listen implements live.Conn.
func (c *conn) Listen(h live.Handler) error {
	return c.s.Run(func(data []byte) {
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Debug("openai: skipping malformed event", "err", err)
			return
		}
		if evt.Type == "error" {
			if h.OnError != nil {
				h.OnError(evt.serverError())
			}
			return
		}
		if msg := c.toMessage(&evt); !msg.Empty() && h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}, h.OnClose)
}

func (c *conn) toMessage(evt *serverEvent) live.Message {
	var msg live.Message
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta != "" {
			msg.Audio = []audio.OutputChunk{{Data: evt.Delta, SampleRate: wireSampleRate}}
		}
	case "response.audio_transcript.delta":
		c.transcript.WriteString(evt.Delta)
	case "response.audio_transcript.done":
		msg.OutputTranscript = c.transcript.String()
		c.transcript.Reset()
	case "conversation.item.input_audio_transcription.completed":
		msg.InputTranscript = evt.Transcript
	case "input_audio_buffer.speech_started":
		msg.Interrupted = true
	case "response.done":
		msg.TurnComplete = true
	}
	return msg
}

// SendAudio implements live.Conn. Batches are resampled to 24 kHz.
func (c *conn) SendAudio(b audio.InputBatch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	pcm := b.PCM()
	if b.SampleRate > 0 && b.SampleRate != wireSampleRate {
		pcm = audio.ResampleMono16(pcm, b.SampleRate, wireSampleRate)
	}
	return c.s.Enqueue(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Close implements live.Conn.
func (c *conn) Close() error { return c.s.Close() }
