// Package live defines the Provider interface for real-time speech model
// backends.
//
// A live provider wraps a remote model that accepts a continuous stream of
// microphone audio and answers with streamed audio over one stateful,
// bidirectional connection. Examples include the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is [Conn]: an open session on the remote side.
// Inbound traffic is delivered through the callbacks of a [Handler] that the
// owner registers with [Conn.Listen]. Callbacks run on the connection's receive
// goroutine, so owners that keep single-threaded state must hop back onto
// their own goroutine before touching it.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Sentinel errors shared by all implementations.
var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("live: connection closed")

	// ErrSendQueueFull is returned by [Conn.SendAudio] when the outbound queue
	// is saturated. The batch is dropped.
	ErrSendQueueFull = errors.New("live: send queue full")
)

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Compression enables server-side context window compression. When the
// context reaches TriggerTokens the server slides it down to TargetTokens.
type Compression struct {
	TriggerTokens int
	TargetTokens  int
}

// SessionConfig is the session-open payload.
type SessionConfig struct {
	// Model is the remote model identifier, without any "models/" prefix.
	Model string

	// Voice is the prebuilt voice name. Empty selects the provider default.
	Voice string

	// LanguageCode is a BCP-47 code such as "en-US". Empty lets the model
	// detect the language.
	LanguageCode string

	// SystemInstruction defines the assistant's behaviour.
	SystemInstruction string

	// Tools is the set of function declarations offered to the model.
	Tools []Tool

	// Search enables the provider's built-in web search grounding, if any.
	Search bool

	// Compression enables context window compression when non-nil.
	Compression *Compression
}

// Source is one grounding citation attached to a model turn.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// GoAway is the server's notice that it will close the connection soon.
type GoAway struct {
	TimeLeft time.Duration
}

// Message is one inbound server message, normalised across providers. A
// single message may carry several parts at once.
type Message struct {
	// Audio holds output audio chunks in arrival order.
	Audio []audio.OutputChunk

	// Sources holds grounding citations for the current turn.
	Sources []Source

	// Interrupted is set when the server detected user speech over the
	// current response (barge-in).
	Interrupted bool

	// TurnComplete is set when the model finished its turn.
	TurnComplete bool

	// InputTranscript is recognised user speech.
	InputTranscript string

	// OutputTranscript is the text of the model's spoken output.
	OutputTranscript string

	// GoAway is non-nil when the server announced a shutdown.
	GoAway *GoAway
}

// Empty reports whether the message carries nothing a consumer would act on.
func (m Message) Empty() bool {
	return len(m.Audio) == 0 && len(m.Sources) == 0 && !m.Interrupted && !m.TurnComplete &&
		m.InputTranscript == "" && m.OutputTranscript == "" && m.GoAway == nil
}

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	// Code is the websocket close status, or -1 when no close frame was
	// received.
	Code int

	// Reason is the free-text close reason sent by the server.
	Reason string

	// Local is true when the connection was closed by [Conn.Close].
	Local bool

	// Err is the underlying read error, if any.
	Err error
}

// Text returns the most descriptive text for classification.
func (e CloseEvent) Text() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("connection closed with status %d", e.Code)
	}
}

// ServerError is an in-band error reported by the remote side while the
// connection stays open, or while it is being set up.
type ServerError struct {
	Provider string
	Code     string
	Message  string
}

// Error implements error.
func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Handler receives inbound traffic from a [Conn]. Nil fields are ignored.
type Handler struct {
	OnMessage func(Message)
	OnError   func(error)
	// OnClose runs exactly once when the receive loop ends, including after a
	// local [Conn.Close].
	OnClose func(CloseEvent)
}

// Conn is an open session on the remote model.
//
// Callers must call Close when the connection is no longer needed.
type Conn interface {
	// Listen starts delivering inbound traffic to h. It must be called at most
	// once; a second call returns an error.
	Listen(h Handler) error

	// SendAudio queues one capture batch for transmission. It never blocks on
	// the network: a full queue yields [ErrSendQueueFull] and the batch is
	// dropped.
	SendAudio(b audio.InputBatch) error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names.
	Voices []string

	// OutputSampleRate is the rate of the audio the model produces.
	OutputSampleRate int

	// MaxSessionDuration is the server-imposed session lifetime. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration
}

// Provider opens sessions on a live speech backend.
type Provider interface {
	// Connect opens a session. It returns only once the remote side accepted
	// the session configuration. A server error or close during setup is
	// returned as an error whose text carries the server's reason.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
