// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM media chunks; model
// audio, transcriptions, grounding citations and interruption signals arrive
// as serverContent messages.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpoint       = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSetupTimeout = 15 * time.Second
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

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	baseURL      string
	queueSize    int
	keepalive    time.Duration
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
		OutputSampleRate:   audio.PlaybackSampleRate,
		MaxSessionDuration: 15 * time.Minute,
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for
// setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s/%s?key=%s", p.baseURL, endpoint, url.QueryEscape(p.apiKey))

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	s := stream.New(ws, stream.Options{
		Name:      "gemini",
		QueueSize: p.queueSize,
		Keepalive: p.keepalive,
		Logger:    p.log,
	})

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	if err := s.WriteJSON(setupCtx, buildSetup(model, cfg)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := awaitSetupComplete(setupCtx, s); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	p.log.Debug("gemini session open", "model", model)
	return &conn{s: s, log: p.log}, nil
}

func awaitSetupComplete(ctx context.Context, s *stream.Conn) error {
	for {
		data, err := s.ReadFrame(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error.toLive()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string                    `json:"model"`
	GenerationConfig         generationConfig          `json:"generationConfig"`
	SystemInstruction        *systemInstruction        `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool              `json:"tools,omitempty"`
	ContextWindowCompression *contextWindowCompression `json:"contextWindowCompression,omitempty"`
	InputAudioTranscription  *struct{}                 `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}                 `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type contextWindowCompression struct {
	TriggerTokens int           `json:"triggerTokens,omitempty"`
	SlidingWindow slidingWindow `json:"slidingWindow"`
}

type slidingWindow struct {
	TargetTokens int `json:"targetTokens,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *json.RawMessage `json:"toolCall,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) toLive() *live.ServerError {
	code := e.Status
	if code == "" && e.Code != 0 {
		code = strconv.Itoa(e.Code)
	}
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return &live.ServerError{Provider: "gemini", Code: code, Message: msg}
}

type serverContent struct {
	ModelTurn           *modelTurn         `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *transcription     `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription     `json:"outputTranscription,omitempty"`
	GroundingMetadata   *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *webSource `json:"web,omitempty"`
}

type webSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type goAway struct {
	// TimeLeft is a protobuf Duration in its JSON form, e.g. "9.5s".
	TimeLeft string `json:"timeLeft"`
}

// buildSetup translates a session config into the BidiGenerateContent setup
// message.
func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.Voice != "" || cfg.LanguageCode != "" {
		sc := &speechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = append(msg.Setup.Tools, geminiTool{FunctionDeclarations: decls})
	}
	if cfg.Search {
		msg.Setup.Tools = append(msg.Setup.Tools, geminiTool{GoogleSearch: &struct{}{}})
	}

	if c := cfg.Compression; c != nil {
		msg.Setup.ContextWindowCompression = &contextWindowCompression{
			TriggerTokens: c.TriggerTokens,
			SlidingWindow: slidingWindow{TargetTokens: c.TargetTokens},
		}
	}
	return msg
}

// toMessage normalises one server message.
func toMessage(sm *serverMessage) live.Message {
	var msg live.Message
	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				msg.Audio = append(msg.Audio, audio.OutputChunk{
					Data:       p.InlineData.Data,
					SampleRate: audio.RateFromMIME(p.InlineData.MIMEType, audio.PlaybackSampleRate),
				})
			}
		}
		if gm := sc.GroundingMetadata; gm != nil {
			for _, gc := range gm.GroundingChunks {
				if gc.Web != nil && gc.Web.URI != "" {
					msg.Sources = append(msg.Sources, live.Source{URI: gc.Web.URI, Title: gc.Web.Title})
				}
			}
		}
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		if sc.InputTranscription != nil {
			msg.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscript = sc.OutputTranscription.Text
		}
	}
	if sm.GoAway != nil {
		left, _ := time.ParseDuration(sm.GoAway.TimeLeft)
		msg.GoAway = &live.GoAway{TimeLeft: left}
	}
	return msg
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	s   *stream.Conn
	log *slog.Logger
}

// Listen implements live.Conn.
func (c *conn) Listen(h live.Handler) error {
	return c.s.Run(func(data []byte) {
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			c.log.Debug("gemini: skipping malformed frame", "err", err)
			return
		}
		if sm.Error != nil && h.OnError != nil {
			h.OnError(sm.Error.toLive())
		}
		if sm.ToolCall != nil {
			c.log.Debug("gemini: tool call ignored")
		}
		if msg := toMessage(&sm); !msg.Empty() && h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}, h.OnClose)
}

// SendAudio implements live.Conn.
func (c *conn) SendAudio(b audio.InputBatch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	rate := b.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	return c.s.Enqueue(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate), Data: b.Base64()},
			},
		},
	})
}

// Close implements live.Conn.
func (c *conn) Close() error { return c.s.Close() }
