// Package session implements the connection session state machine.
//
// A [Session] owns at most one remote connection at a time. Every connection
// attempt runs under a generation number; the number is bumped whenever a new
// attempt starts or the user disconnects, and every asynchronous callback
// (dial results, inbound messages, errors, closes, timers) carries the
// generation it was created under. Callbacks from an older generation are
// dropped without touching any state, so a late close from a replaced socket
// can never tear down its successor.
//
// Failures are classified with package fault. Transport failures are retried
// with bounded exponential backoff; a model the remote side rejects is removed
// from the roster and the next candidate is tried; quota failures disable
// automatic reconnects until [Session.Restart].
//
// A Session is owned by the event loop: every exported method must be called
// on the loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/roster"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/eventloop"
	"github.com/MrWong99/voxlink/pkg/fault"
	"github.com/MrWong99/voxlink/pkg/provider/live"
)

// Sentinel errors.
var (
	ErrNotConnected = errors.New("session: not connected")
	ErrClosed       = errors.New("session: closed")
)

const (
	defaultInterruptDebounce = 300 * time.Millisecond
	defaultStatusClearAfter  = 5 * time.Second
	defaultConnectTimeout    = 15 * time.Second
	persistTimeout           = 5 * time.Second
)

// State is the lifecycle state of the current connection.
type State int

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "message-flow"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Audio is the audio pipeline as seen by the session.
type Audio interface {
	Start() error
	Stop() error
	Recording() bool
	Play(chunk audio.OutputChunk)
	Interrupt()
}

// Recorder receives session telemetry.
type Recorder interface {
	RecordConnect(ctx context.Context, model string, ok bool, d time.Duration)
	RecordReconnect(ctx context.Context, attempt int)
	RecordError(ctx context.Context, kind string)
}

// Transcript is recognised speech from either side of the conversation.
type Transcript struct {
	// Role is "user" or "model".
	Role string
	Text string
	Time time.Time
}

// Listener receives session notifications on the loop goroutine. Nil fields
// are ignored.
type Listener struct {
	OnState        func(State)
	OnStatus       func(Status)
	OnTranscript   func(Transcript)
	OnTurnComplete func()
	// OnSources receives each distinct set of grounding citations once.
	OnSources func([]live.Source)
}

// Status is the user-visible status line.
type Status struct {
	Text string `json:"text,omitempty"`
	// Kind is the fault kind when the status reports an error.
	Kind string `json:"kind,omitempty"`
	// Terminal statuses persist until [Session.Restart].
	Terminal bool      `json:"terminal"`
	Since    time.Time `json:"since,omitzero"`
}

type statusMode int

const (
	// transient statuses clear after Config.StatusClearAfter.
	transient statusMode = iota
	// sticky statuses stay until superseded.
	sticky
	terminal
)

// Config holds session settings.
type Config struct {
	// Live is the session-open payload. Its Model is chosen from the roster.
	Live live.SessionConfig

	Reconnect ReconnectConfig

	// InterruptDebounce suppresses repeated barge-in signals. Defaults to
	// 300ms if zero; negative disables debouncing.
	InterruptDebounce time.Duration

	// StatusClearAfter is how long transient status text stays visible.
	// Defaults to 5s if zero.
	StatusClearAfter time.Duration

	// EventLogSize bounds the event log. Defaults to 200.
	EventLogSize int

	// ConnectTimeout bounds one dial including session setup. Defaults to 15s.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Reconnect = c.Reconnect.withDefaults()
	if c.InterruptDebounce == 0 {
		c.InterruptDebounce = defaultInterruptDebounce
	}
	if c.StatusClearAfter <= 0 {
		c.StatusClearAfter = defaultStatusClearAfter
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// WithListener sets the notification listener.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithRunner sets how blocking work (dialing, persisting) is started. The
// default runs fn on a new goroutine. Tests pass a synchronous runner.
func WithRunner(run func(fn func())) Option {
	return func(s *Session) { s.run = run }
}

// WithJitter replaces the reconnect jitter source. fn receives the configured
// maximum and returns a duration in [0, max].
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(s *Session) { s.jitter = fn }
}

// Session is the connection session state machine.
type Session struct {
	loop     eventloop.Scheduler
	provider live.Provider
	roster   *roster.Roster
	audio    Audio
	cfg      Config
	log      *slog.Logger
	rec      Recorder
	listener Listener
	run      func(func())
	jitter   func(time.Duration) time.Duration
	events   *EventLog

	ctx    context.Context
	cancel context.CancelFunc

	id            string
	gen           uint64
	state         State
	conn          live.Conn
	model         string
	attempts      int
	plan          ReconnectPlan
	reconnect     *eventloop.Timer
	autoReconnect bool
	terminal      error
	status        Status
	statusTimer   *eventloop.Timer
	lastInterrupt time.Time
	sourceKeys    map[string]struct{}
	sources       []live.Source
	closed        bool
}

// New creates an idle session. Call [Session.Connect] to open it.
func New(loop eventloop.Scheduler, provider live.Provider, r *roster.Roster, a Audio, cfg Config, opts ...Option) *Session {
	s := &Session{
		loop:          loop,
		provider:      provider,
		roster:        r,
		audio:         a,
		cfg:           cfg.withDefaults(),
		log:           slog.Default(),
		run:           func(fn func()) { go fn() },
		jitter:        randomJitter,
		autoReconnect: true,
		sourceKeys:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.events = NewEventLog(s.cfg.EventLogSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ── User actions ──────────────────────────────────────────────────────────────

// Connect opens a session unless one is open or being opened. It fails while
// a terminal error is shown; use [Session.Restart] then.
func (s *Session) Connect() error {
	if s.closed {
		return ErrClosed
	}
	if s.terminal != nil {
		return s.terminal
	}
	if s.conn != nil || s.IsConnecting() {
		return nil
	}
	s.initSession()
	s.connect()
	return nil
}

// Restart is the explicit user action that recovers from terminal errors. It
// clears the status, re-enables automatic reconnects, resets the attempt
// counter and connects with a fresh generation.
func (s *Session) Restart() error {
	if s.closed {
		return ErrClosed
	}
	s.log.Info("session restart requested", "generation", s.gen)
	s.terminal = nil
	s.autoReconnect = true
	s.attempts = 0
	s.plan = ReconnectPlan{}
	s.stopReconnect()
	s.clearStatus()
	s.initSession()
	s.connect()
	return nil
}

// Disconnect stops recording and closes the connection. Nothing reconnects
// until the next Connect or Restart.
func (s *Session) Disconnect() {
	s.gen++
	s.stopReconnect()
	s.stopRecording()
	if s.conn != nil {
		s.setState(StateClosing)
		conn := s.conn
		s.conn = nil
		_ = conn.Close()
	}
	s.setState(StateClosed)
	s.event(EventInfo, "disconnected")
}

// StartRecording starts the microphone. The session must be open.
func (s *Session) StartRecording() error {
	if s.closed {
		return ErrClosed
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	if s.audio.Recording() {
		return nil
	}
	if err := s.audio.Start(); err != nil {
		ferr := withOp(err, "start recording")
		s.reportError(ferr)
		mode := transient
		if ferr.Kind.Persistent() {
			mode = sticky
		}
		s.setStatus(userText(ferr), ferr.Kind.String(), mode)
		return ferr
	}
	if k := s.status.Kind; k == fault.Permission.String() || k == fault.Device.String() {
		s.clearStatus()
	}
	s.event(EventInfo, "recording started")
	return nil
}

// ReportPlaybackError surfaces an output chunk that could not be played. It
// sets a transient status and is never retried.
func (s *Session) ReportPlaybackError(err error) {
	if s.closed {
		return
	}
	ferr := withOp(err, "play output")
	if ferr.Model == "" {
		ferr.Model = s.model
	}
	s.logError(ferr)
	s.setStatus(userText(ferr), ferr.Kind.String(), transient)
}

// StopRecording stops the microphone and sends the trailing audio.
func (s *Session) StopRecording() error {
	if !s.audio.Recording() {
		return nil
	}
	if err := s.audio.Stop(); err != nil {
		return fmt.Errorf("session stop recording: %w", err)
	}
	s.event(EventInfo, "recording stopped")
	return nil
}

// ToggleRecording starts or stops the microphone.
func (s *Session) ToggleRecording() error {
	if s.audio.Recording() {
		return s.StopRecording()
	}
	return s.StartRecording()
}

// SendBatch forwards one capture batch to the remote side. Batches produced
// while no connection is open are dropped.
func (s *Session) SendBatch(b audio.InputBatch) {
	if s.conn == nil {
		s.log.Debug("dropping batch, not connected", "seq", b.Seq)
		return
	}
	if err := s.conn.SendAudio(b); err != nil {
		if errors.Is(err, live.ErrSendQueueFull) {
			s.log.Warn("send queue full, batch dropped", "seq", b.Seq)
			return
		}
		s.log.Debug("send failed", "seq", b.Seq, "err", err)
	}
}

// SetInterruptDebounce changes the barge-in debounce window.
func (s *Session) SetInterruptDebounce(d time.Duration) {
	s.cfg.InterruptDebounce = d
}

// Close disconnects and cancels every timer and in-flight dial. Idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.Disconnect()
	s.statusTimer.Stop()
	s.statusTimer = nil
	s.cancel()
	s.closed = true
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Model returns the model of the open connection, or the last one used.
func (s *Session) Model() string { return s.model }

// Generation returns the current generation.
func (s *Session) Generation() uint64 { return s.gen }

// ID returns the identifier of the current session attempt.
func (s *Session) ID() string { return s.id }

// ReconnectAttempts returns the number of reconnects since the last open.
func (s *Session) ReconnectAttempts() int { return s.attempts }

// IsConnecting reports whether a dial is in flight or a reconnect is pending.
func (s *Session) IsConnecting() bool {
	return s.state == StateConnecting || s.reconnect != nil
}

// Connected reports whether a connection is open.
func (s *Session) Connected() bool { return s.conn != nil }

// AutoReconnect reports whether automatic reconnects are enabled.
func (s *Session) AutoReconnect() bool { return s.autoReconnect }

// Terminal returns the error that stopped the session, or nil.
func (s *Session) Terminal() error { return s.terminal }

// Status returns the status line.
func (s *Session) Status() Status { return s.status }

// Plan returns the most recently scheduled reconnect.
func (s *Session) Plan() ReconnectPlan { return s.plan }

// Sources returns the distinct grounding citations of the current session.
func (s *Session) Sources() []live.Source { return slices.Clone(s.sources) }

// Events returns the event log.
func (s *Session) Events() *EventLog { return s.events }

// Info is a serialisable snapshot of the session.
type Info struct {
	ID                string        `json:"id,omitempty"`
	Generation        uint64        `json:"generation"`
	State             string        `json:"state"`
	Model             string        `json:"model,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempt_count"`
	IsConnecting      bool          `json:"is_connecting"`
	AutoReconnect     bool          `json:"auto_reconnect"`
	Recording         bool          `json:"recording"`
	Status            Status        `json:"status"`
	Candidates        []string      `json:"candidates"`
	Removed           []string      `json:"removed_models,omitempty"`
	Sources           []live.Source `json:"sources,omitempty"`
}

// Snapshot returns the current [Info].
func (s *Session) Snapshot() Info {
	return Info{
		ID:                s.id,
		Generation:        s.gen,
		State:             s.state.String(),
		Model:             s.model,
		ReconnectAttempts: s.attempts,
		IsConnecting:      s.IsConnecting(),
		AutoReconnect:     s.autoReconnect,
		Recording:         s.audio.Recording(),
		Status:            s.status,
		Candidates:        s.roster.Candidates(),
		Removed:           s.roster.Removed(),
		Sources:           s.Sources(),
	}
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

// initSession starts a new generation and drops the previous connection.
func (s *Session) initSession() {
	s.gen++
	s.id = uuid.NewString()
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		_ = conn.Close()
	}
	clear(s.sourceKeys)
	s.sources = nil
	s.lastInterrupt = time.Time{}
}

// connect tries the roster candidates in order.
func (s *Session) connect() {
	cands := s.roster.Candidates()
	if len(cands) == 0 {
		s.fatal(fault.New(fault.UnsupportedModel, "connect", roster.ErrAllModelsUnsupported))
		return
	}
	s.setState(StateConnecting)
	s.dial(s.gen, cands, 0, nil)
}

func (s *Session) dial(gen uint64, cands []string, i int, lastErr error) {
	for i < len(cands) && !s.roster.Contains(cands[i]) {
		i++
	}
	if i >= len(cands) {
		s.connectFailed(gen, lastErr)
		return
	}

	model := cands[i]
	cfg := s.cfg.Live
	cfg.Model = model
	ctx, timeout := s.ctx, s.cfg.ConnectTimeout
	started := s.loop.Now()
	s.log.Info("connecting", "model", model, "generation", gen)

	s.run(func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := s.provider.Connect(dctx, cfg)
		cancel()
		s.loop.Post(func() { s.dialed(gen, cands, i, started, conn, err) })
	})
}

func (s *Session) dialed(gen uint64, cands []string, i int, started time.Time, conn live.Conn, err error) {
	model := cands[i]
	if gen != s.gen || s.closed {
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Debug("discarding stale connect result", "generation", gen, "current", s.gen, "model", model)
		return
	}
	elapsed := s.loop.Now().Sub(started)
	if s.rec != nil {
		s.rec.RecordConnect(s.ctx, model, err == nil, elapsed)
	}

	if err != nil {
		ferr := &fault.Error{Kind: fault.KindOf(err), Op: "connect", Model: model, Err: err}
		s.reportError(ferr)
		switch ferr.Kind {
		case fault.UnsupportedModel:
			s.roster.MarkUnsupported(model)
			if s.roster.Len() == 0 {
				s.fatal(fault.New(fault.UnsupportedModel, "connect", roster.ErrAllModelsUnsupported))
				return
			}
		case fault.Quota:
			s.quotaExceeded(ferr)
			return
		case fault.Permission, fault.Device:
			s.fatal(ferr)
			return
		}
		s.dial(gen, cands, i+1, ferr)
		return
	}

	if err := conn.Listen(s.handler(gen)); err != nil {
		_ = conn.Close()
		ferr := &fault.Error{Kind: fault.Transport, Op: "listen", Model: model, Err: err}
		s.reportError(ferr)
		s.dial(gen, cands, i+1, ferr)
		return
	}
	s.opened(model, conn, elapsed)
}

func (s *Session) opened(model string, conn live.Conn, elapsed time.Duration) {
	s.conn = conn
	s.model = model
	s.attempts = 0
	s.plan = ReconnectPlan{}
	s.setState(StateOpen)
	if !s.status.Terminal {
		s.clearStatus()
	}
	s.roster.SetPreferred(model)
	s.persistPreferred()
	s.event(EventInfo, "connected to "+model)
	s.log.Info("session open", "model", model, "generation", s.gen, "elapsed", elapsed)
}

func (s *Session) persistPreferred() {
	ctx, r, log := s.ctx, s.roster, s.log
	s.run(func() {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		if err := r.Persist(pctx); err != nil {
			log.Warn("could not persist last successful model", "err", err)
		}
	})
}

// connectFailed runs when every candidate failed with a retryable error.
func (s *Session) connectFailed(gen uint64, lastErr error) {
	s.setState(StateError)
	reason := "connection failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	s.scheduleReconnect(gen, reason)
}

// handler tags every callback of a connection with its generation.
func (s *Session) handler(gen uint64) live.Handler {
	return live.Handler{
		OnMessage: func(m live.Message) { s.post(gen, func() { s.onMessage(m) }) },
		OnError:   func(err error) { s.post(gen, func() { s.onError(err) }) },
		OnClose:   func(ev live.CloseEvent) { s.post(gen, func() { s.onClose(ev) }) },
	}
}

// post runs fn on the loop if gen is still current and its connection is
// still attached.
func (s *Session) post(gen uint64, fn func()) {
	s.loop.Post(func() {
		if gen != s.gen || s.conn == nil || s.closed {
			s.log.Debug("dropping stale callback", "generation", gen, "current", s.gen)
			return
		}
		fn()
	})
}

func (s *Session) onMessage(m live.Message) {
	if s.state == StateOpen {
		s.setState(StateStreaming)
	}
	for _, c := range m.Audio {
		s.audio.Play(c)
	}
	if len(m.Sources) > 0 {
		s.addSources(m.Sources)
	}
	if m.Interrupted {
		s.interrupted()
	}
	now := s.loop.Now()
	if m.InputTranscript != "" && s.listener.OnTranscript != nil {
		s.listener.OnTranscript(Transcript{Role: "user", Text: m.InputTranscript, Time: now})
	}
	if m.OutputTranscript != "" && s.listener.OnTranscript != nil {
		s.listener.OnTranscript(Transcript{Role: "model", Text: m.OutputTranscript, Time: now})
	}
	if m.TurnComplete && s.listener.OnTurnComplete != nil {
		s.listener.OnTurnComplete()
	}
	if m.GoAway != nil {
		s.log.Warn("server announced disconnect", "model", s.model, "time_left", m.GoAway.TimeLeft)
		s.event(EventWarn, fmt.Sprintf("server closes the session in %s", m.GoAway.TimeLeft))
	}
}

// interrupted handles barge-in while recording, with a leading-edge debounce.
func (s *Session) interrupted() {
	if !s.audio.Recording() {
		return
	}
	now := s.loop.Now()
	if d := s.cfg.InterruptDebounce; d > 0 && !s.lastInterrupt.IsZero() && now.Sub(s.lastInterrupt) < d {
		s.log.Debug("interrupt debounced", "since_last", now.Sub(s.lastInterrupt))
		return
	}
	s.lastInterrupt = now
	s.audio.Interrupt()
}

func (s *Session) addSources(srcs []live.Source) {
	key := sourceKey(srcs)
	if _, seen := s.sourceKeys[key]; seen {
		return
	}
	s.sourceKeys[key] = struct{}{}
	s.sources = append(s.sources, srcs...)
	s.event(EventInfo, fmt.Sprintf("%d grounding source(s)", len(srcs)))
	if s.listener.OnSources != nil {
		s.listener.OnSources(slices.Clone(srcs))
	}
}

// sourceKey identifies a citation set independent of its order.
func sourceKey(srcs []live.Source) string {
	ids := make([]string, len(srcs))
	for i, src := range srcs {
		ids[i] = src.URI
		if ids[i] == "" {
			ids[i] = src.Title
		}
	}
	slices.Sort(ids)
	return strings.Join(ids, "\n")
}

// onError handles in-band server errors. Retryable ones are only reported;
// the connection's close drives the reconnect.
func (s *Session) onError(err error) {
	kind := fault.KindOf(err)
	if kind == fault.Transport || kind == fault.EmptyResult {
		ferr := &fault.Error{Kind: kind, Op: "stream", Model: s.model, Err: err}
		s.reportError(ferr)
		s.setStatus(userText(ferr), kind.String(), transient)
		return
	}
	s.failure(kind, err)
}

func (s *Session) onClose(ev live.CloseEvent) {
	if ev.Local {
		return
	}
	err := fmt.Errorf("connection closed (code %d): %s", ev.Code, ev.Text())
	s.failure(fault.Classify(ev.Text()), err)
}

// failure tears down the current connection and applies the policy for kind.
func (s *Session) failure(kind fault.Kind, err error) {
	ferr := &fault.Error{Kind: kind, Op: "stream", Model: s.model, Err: err}
	s.reportError(ferr)

	s.stopRecording()
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		_ = conn.Close()
	}

	switch kind {
	case fault.Quota:
		s.quotaExceeded(ferr)
		return
	case fault.UnsupportedModel:
		s.roster.MarkUnsupported(ferr.Model)
		if s.roster.Len() == 0 {
			s.fatal(fault.New(fault.UnsupportedModel, "stream", roster.ErrAllModelsUnsupported))
			return
		}
	case fault.Permission, fault.Device:
		s.fatal(ferr)
		return
	}
	s.setState(StateError)
	s.setStatus(userText(ferr), kind.String(), transient)
	s.scheduleReconnect(s.gen, ferr.Error())
}

// scheduleReconnect arms the reconnect timer for generation gen.
func (s *Session) scheduleReconnect(gen uint64, reason string) {
	if gen != s.gen {
		s.log.Debug("ignoring reconnect for stale generation", "generation", gen, "current", s.gen)
		return
	}
	if !s.autoReconnect {
		s.log.Info("auto reconnect disabled", "reason", reason)
		return
	}
	if s.reconnect != nil {
		return
	}
	if s.roster.Len() == 0 {
		s.fatal(fault.New(fault.UnsupportedModel, "reconnect", roster.ErrAllModelsUnsupported))
		return
	}
	rc := s.cfg.Reconnect
	if s.attempts >= rc.MaxAttempts {
		s.fatal(fault.New(fault.Transport, "reconnect",
			fmt.Errorf("%w after %d attempts: %s", ErrReconnectExhausted, s.attempts, reason)))
		return
	}

	s.attempts++
	delay := rc.Delay(s.attempts, s.jitter(rc.MaxJitter))
	s.plan = ReconnectPlan{Attempt: s.attempts, MaxAttempts: rc.MaxAttempts, Delay: delay}
	if s.rec != nil {
		s.rec.RecordReconnect(s.ctx, s.attempts)
	}
	s.log.Warn("reconnect scheduled", "attempt", s.attempts, "max_attempts", rc.MaxAttempts, "delay", delay, "reason", reason)
	s.event(EventWarn, fmt.Sprintf("reconnecting in %s (attempt %d/%d)", delay.Round(time.Millisecond), s.attempts, rc.MaxAttempts))
	s.setStatus(fmt.Sprintf("Connection lost. Reconnecting (attempt %d/%d)…", s.attempts, rc.MaxAttempts), "", transient)

	s.reconnect = s.loop.AfterFunc(delay, func() {
		s.reconnect = nil
		if gen != s.gen || s.closed || !s.autoReconnect {
			return
		}
		s.initSession()
		s.connect()
	})
}

func (s *Session) stopReconnect() {
	s.reconnect.Stop()
	s.reconnect = nil
}

func (s *Session) quotaExceeded(err *fault.Error) {
	s.autoReconnect = false
	s.fatal(err)
}

// fatal surfaces err as a terminal error. Nothing retries until Restart.
func (s *Session) fatal(err error) {
	s.stopReconnect()
	s.stopRecording()
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		_ = conn.Close()
	}
	s.terminal = err
	s.setState(StateError)

	kind := fault.KindOf(err)
	s.log.Error("session stopped", "kind", kind, "err", err)
	s.event(EventError, "session stopped: "+err.Error())
	s.setStatus(userText(err), kind.String(), terminal)
}

func (s *Session) stopRecording() {
	if !s.audio.Recording() {
		return
	}
	if err := s.audio.Stop(); err != nil {
		s.log.Warn("stopping recording failed", "err", err)
	}
	s.event(EventInfo, "recording stopped")
}

// ── Status & events ───────────────────────────────────────────────────────────

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("session state", "from", s.state, "to", st, "generation", s.gen)
	s.state = st
	if s.listener.OnState != nil {
		s.listener.OnState(st)
	}
}

// setStatus replaces the status line. A terminal status is only replaced by
// another terminal one.
func (s *Session) setStatus(text, kind string, mode statusMode) {
	if s.status.Terminal && mode != terminal {
		return
	}
	s.statusTimer.Stop()
	s.statusTimer = nil
	s.status = Status{Text: text, Kind: kind, Terminal: mode == terminal, Since: s.loop.Now()}
	if mode == transient {
		s.statusTimer = s.loop.AfterFunc(s.cfg.StatusClearAfter, func() {
			s.statusTimer = nil
			s.status = Status{}
			s.notifyStatus()
		})
	}
	s.notifyStatus()
}

func (s *Session) clearStatus() {
	s.statusTimer.Stop()
	s.statusTimer = nil
	if s.status == (Status{}) {
		return
	}
	s.status = Status{}
	s.notifyStatus()
}

func (s *Session) notifyStatus() {
	if s.listener.OnStatus != nil {
		s.listener.OnStatus(s.status)
	}
}

func (s *Session) reportError(err *fault.Error) {
	if s.rec != nil {
		s.rec.RecordError(s.ctx, err.Kind.String())
	}
	s.logError(err)
}

// logError logs err and appends it to the event log without counting it.
func (s *Session) logError(err *fault.Error) {
	if err.Kind.Retryable() {
		s.log.Warn("session error", "kind", err.Kind, "model", err.Model, "err", err.Err)
	} else {
		s.log.Error("session error", "kind", err.Kind, "model", err.Model, "err", err.Err)
	}
	s.events.Append(Event{
		Time:       s.loop.Now(),
		Kind:       EventError,
		Generation: s.gen,
		Model:      err.Model,
		ErrorKind:  err.Kind.String(),
		Message:    err.Error(),
	})
}

func (s *Session) event(kind EventKind, msg string) {
	s.events.Append(Event{
		Time:       s.loop.Now(),
		Kind:       kind,
		Generation: s.gen,
		Model:      s.model,
		Message:    msg,
	})
}

// withOp returns err as a [fault.Error] for op. An existing fault.Error is
// copied so its kind and model survive.
func withOp(err error, op string) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		c := *fe
		c.Op = op
		return &c
	}
	return &fault.Error{Kind: fault.KindOf(err), Op: op, Err: err}
}

// userText is the status line shown for err.
func userText(err error) string {
	switch fault.KindOf(err) {
	case fault.Quota:
		return "Quota or billing limit reached. Restart once it is available again."
	case fault.Permission:
		return "Microphone access was denied."
	case fault.Device:
		return "The audio device could not be opened."
	case fault.UnsupportedModel:
		if errors.Is(err, roster.ErrAllModelsUnsupported) {
			return "No configured model is available for this account or region."
		}
		return "The model is not available for this account or region."
	case fault.EmptyResult:
		return "Received audio could not be played."
	}
	if errors.Is(err, ErrReconnectExhausted) {
		return "Connection lost. Giving up after repeated attempts."
	}
	return "Connection problem: " + err.Error()
}
