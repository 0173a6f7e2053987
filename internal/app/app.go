// Package app wires all voxlink subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates every subsystem, Run
// executes the event loop, HTTP server and config watcher, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore, WithMetrics,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/kvstore"
	"github.com/MrWong99/voxlink/internal/kvstore/postgres"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/pipeline"
	"github.com/MrWong99/voxlink/internal/roster"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/eventloop"
	"github.com/MrWong99/voxlink/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// Compile-time interface assertions.
var (
	_ session.Recorder  = (*observe.Metrics)(nil)
	_ pipeline.Recorder = (*observe.Metrics)(nil)
	_ health.Recorder   = (*observe.Metrics)(nil)
	_ session.Audio     = (*pipeline.Pipeline)(nil)
)

// Providers holds the external collaborators built by main.go through the
// config registry.
type Providers struct {
	Live    live.Provider
	Devices device.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	log        *slog.Logger
	level      *slog.LevelVar
	configPath string
	listener   session.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	store     kvstore.Store
	roster    *roster.Roster
	loop      *eventloop.Loop
	pipeline  *pipeline.Pipeline
	session   *session.Session
	monitor   *health.Monitor
	server    *http.Server
	handler   http.Handler
	watcher   *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func() error

	running  atomic.Bool
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a key-value store instead of creating one from config.
func WithStore(s kvstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics recorder instead of initialising the
// OpenTelemetry SDK.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler that
// owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener receives session notifications on the loop goroutine.
func WithListener(l session.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. No device is opened
// and no connection is made until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	if providers.Devices.Capture == nil || providers.Devices.Playback == nil {
		return nil, errors.New("app: capture and playback devices are required")
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Store + roster ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.roster = roster.New(cfg.Live.Models, roster.WithStore(a.store), roster.WithLogger(a.log))
	if err := a.roster.Load(ctx); err != nil {
		a.log.Warn("could not load last successful model", "err", err)
	}

	// ── 3. Event loop, pipeline, session ─────────────────────────────────
	a.loop = eventloop.New(eventloop.WithLogger(a.log))
	a.initPipeline()
	a.initSession()

	// ── 4. Health monitor ────────────────────────────────────────────────
	a.monitor = health.NewMonitor(a.loop, a.sample,
		health.WithInterval(cfg.Health.SampleInterval),
		health.WithThresholds(cfg.Health.Thresholds),
		health.WithMonitorRecorder(a.metrics),
		health.WithMonitorLogger(a.log),
		health.OnChange(func(from, to health.State) {
			a.log.Debug("playback health changed", "from", from, "to", to)
		}),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatcherLogger(a.log))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OpenTelemetry SDK unless metrics were injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	if !a.cfg.Observe.Metrics() {
		a.metrics = observe.DefaultMetrics()
		return nil
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: a.cfg.Observe.ServiceName})
	if err != nil {
		return err
	}
	a.telemetry = tel
	a.metrics = observe.DefaultMetrics()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return tel.Shutdown(ctx)
	})
	return nil
}

// initStore opens the configured key-value store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StoreMemory:
		a.store = kvstore.NewMemory()
	case config.StorePostgres:
		s, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
	default:
		s, err := kvstore.OpenFile(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.store = s
	}
	a.log.Debug("store opened", "backend", a.cfg.Store.Backend)
	return nil
}

// initPipeline builds the device pipeline. Batches are forwarded to the
// session, which is created right after.
func (a *App) initPipeline() {
	ac := a.cfg.Audio
	a.pipeline = pipeline.New(a.loop, a.providers.Devices.Capture, a.providers.Devices.Playback,
		pipeline.Config{
			BatchSamples: ac.Capture.BatchSamples(),
			CaptureRate:  ac.Capture.SampleRate,
			PlaybackRate: ac.Playback.SampleRate,
			Playback:     ac.Playback.PlaybackTuning(),
		},
		func(b audio.InputBatch) { a.session.SendBatch(b) },
		pipeline.WithLogger(a.log),
		pipeline.WithRecorder(a.metrics),
		pipeline.WithDecodeErrorHandler(func(err error) { a.session.ReportPlaybackError(err) }),
	)
	a.closers = append(a.closers, a.pipeline.Close)
}

// initSession builds the connection state machine.
func (a *App) initSession() {
	sc := a.cfg.Session
	a.session = session.New(a.loop, tracedProvider{a.providers.Live}, a.roster, a.pipeline,
		session.Config{
			Live: liveSessionConfig(a.cfg.Live),
			Reconnect: session.ReconnectConfig{
				BaseDelay:   sc.Reconnect.BaseDelay,
				MaxDelay:    sc.Reconnect.MaxDelay,
				MaxJitter:   sc.Reconnect.MaxJitter,
				MaxAttempts: sc.Reconnect.MaxAttempts,
			},
			InterruptDebounce: sc.InterruptDebounce,
			StatusClearAfter:  sc.StatusClearAfter,
			EventLogSize:      sc.EventLogSize,
			ConnectTimeout:    sc.ConnectTimeout,
		},
		session.WithLogger(a.log),
		session.WithRecorder(a.metrics),
		session.WithListener(a.listener),
	)
	a.closers = append(a.closers, func() error {
		a.session.Close()
		return nil
	})
}

// liveSessionConfig converts the live config section into the session-open
// payload. The model is chosen per dial from the roster.
func liveSessionConfig(c config.LiveConfig) live.SessionConfig {
	sc := live.SessionConfig{
		Voice:             c.Voice,
		LanguageCode:      c.LanguageCode,
		SystemInstruction: c.SystemInstruction,
		Search:            c.Search,
	}
	for _, t := range c.Tools {
		sc.Tools = append(sc.Tools, live.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if c.Compression != nil {
		sc.Compression = &live.Compression{
			TriggerTokens: c.Compression.TriggerTokens,
			TargetTokens:  c.Compression.TargetTokens,
		}
	}
	return sc
}

// initHTTP builds the health, status and metrics routes.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.NewHandler(
		health.WithChecker("session", a.checkSession),
		health.WithChecker("roster", a.checkRoster),
		health.WithStatus(func(ctx context.Context) (any, error) { return a.Status(ctx) }),
		health.WithHandlerLogger(a.log),
	).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the event loop, opens the speaker, connects the session and
// serves HTTP. It blocks until ctx is cancelled or a component fails, and
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app: Run called twice")
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.loop.Run(gctx) })
	a.loop.Post(a.start)

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// start runs on the loop goroutine once Run began.
func (a *App) start() {
	if err := a.pipeline.StartOutput(); err != nil {
		a.log.Error("could not open the speaker", "err", err)
	}
	a.monitor.Start()
	if err := a.session.Connect(); err != nil {
		a.log.Error("connect failed", "err", err)
	}
}

// Handler returns the HTTP handler serving the health, status and metrics
// routes.
func (a *App) Handler() http.Handler { return a.handler }

// ─── User actions ────────────────────────────────────────────────────────────

// ToggleRecording starts or stops the microphone.
func (a *App) ToggleRecording(ctx context.Context) error {
	return a.do(ctx, a.session.ToggleRecording)
}

// Restart clears a terminal error and reconnects.
func (a *App) Restart(ctx context.Context) error {
	return a.do(ctx, a.session.Restart)
}

// do runs fn on the loop and returns its error.
func (a *App) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := a.loop.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// ─── Status & readiness ──────────────────────────────────────────────────────

// StatusReport is the /status document.
type StatusReport struct {
	Session      session.Info    `json:"session"`
	Health       string          `json:"health"`
	Playback     playbackReport  `json:"playback"`
	InputLevel   float64         `json:"input_level"`
	OutputLevel  float64         `json:"output_level"`
	RecentEvents []session.Event `json:"recent_events,omitempty"`
}

type playbackReport struct {
	BufferedAheadMS float64 `json:"buffered_ahead_ms"`
	PendingQueuedMS float64 `json:"pending_queued_ms"`
	HasActiveOutput bool    `json:"has_active_output"`
	ActiveSources   int     `json:"active_sources"`
	PendingChunks   int     `json:"pending_chunks"`
}

// recentEvents is how many event log entries /status includes.
const recentEvents = 20

// Status collects a [StatusReport] on the loop goroutine.
func (a *App) Status(ctx context.Context) (StatusReport, error) {
	var r StatusReport
	err := a.loop.Do(ctx, func() {
		sched := a.pipeline.Scheduler()
		st := sched.Stats()
		r = StatusReport{
			Session: a.session.Snapshot(),
			Health:  a.monitor.State().String(),
			Playback: playbackReport{
				BufferedAheadMS: st.BufferedAheadSeconds * 1000,
				PendingQueuedMS: st.PendingQueuedSeconds * 1000,
				HasActiveOutput: sched.HasActiveOutput(),
				ActiveSources:   st.ActiveSources,
				PendingChunks:   st.PendingChunks,
			},
			InputLevel:  a.pipeline.InputLevel().Level(),
			OutputLevel: a.pipeline.OutputLevel().Level(),
		}
		events := a.session.Events().Entries()
		if n := len(events); n > recentEvents {
			events = events[n-recentEvents:]
		}
		r.RecentEvents = events
	})
	return r, err
}

// checkSession fails while a terminal error is shown.
func (a *App) checkSession(ctx context.Context) error {
	var terr error
	if err := a.loop.Do(ctx, func() { terr = a.session.Terminal() }); err != nil {
		return err
	}
	return terr
}

// checkRoster fails once every model was found unsupported.
func (a *App) checkRoster(ctx context.Context) error {
	var n int
	if err := a.loop.Do(ctx, func() { n = a.roster.Len() }); err != nil {
		return err
	}
	if n == 0 {
		return roster.ErrAllModelsUnsupported
	}
	return nil
}

// sample feeds the health monitor. It runs on the loop goroutine.
func (a *App) sample() health.Sample {
	sched := a.pipeline.Scheduler()
	return health.Sample{
		SessionError:  a.session.State() == session.StateError,
		Connected:     a.session.Connected(),
		ActiveOutput:  sched.HasActiveOutput(),
		BufferedAhead: time.Duration(sched.BufferedAheadSeconds() * float64(time.Second)),
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable part of a config change. It runs on
// the watcher goroutine and hops onto the loop for component state.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if !d.PlaybackChanged && !d.ThresholdsChanged && !d.DebounceChanged {
		return
	}
	a.loop.Post(func() {
		if d.PlaybackChanged {
			a.pipeline.SetPlaybackConfig(d.NewPlayback)
			a.log.Info("playback tuning changed",
				"prebuffer", d.NewPlayback.Prebuffer,
				"max_buffer", d.NewPlayback.MaxBuffer,
				"schedule_margin", d.NewPlayback.ScheduleMargin,
			)
		}
		if d.ThresholdsChanged {
			a.monitor.SetThresholds(d.NewThresholds)
			a.log.Info("health thresholds changed")
		}
		if d.DebounceChanged {
			a.session.SetInterruptDebounce(d.NewDebounce)
			a.log.Info("interrupt debounce changed", "debounce", d.NewDebounce)
		}
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. Component
// teardown runs on the loop goroutine while it is still running, otherwise
// directly. If ctx expires before all closers finish, the remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if !a.running.Load() {
			a.loop.Close()
		}

		stopMonitor := func() { a.monitor.Stop() }
		if err := a.loop.Do(ctx, stopMonitor); errors.Is(err, eventloop.ErrClosed) {
			stopMonitor()
		} else if err != nil {
			shutdownErr = err
			return
		}

		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.runCloser(ctx, a.closers[i]); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		a.loop.Close()
		shutdownErr = errors.Join(errs...)
	})
	return shutdownErr
}

// runCloser runs fn on the loop, or directly once the loop stopped.
func (a *App) runCloser(ctx context.Context, fn func() error) error {
	var err error
	derr := a.loop.Do(ctx, func() { err = fn() })
	if errors.Is(derr, eventloop.ErrClosed) {
		return fn()
	}
	if derr != nil {
		return derr
	}
	return err
}

// closeAll releases whatever New created before it failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
