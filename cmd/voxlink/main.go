// Command voxlink streams the microphone to a live speech model and plays the
// model's spoken answers back in real time.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/provider/live"
	"github.com/MrWong99/voxlink/pkg/provider/live/gemini"
	"github.com/MrWong99/voxlink/pkg/provider/live/mock"
	"github.com/MrWong99/voxlink/pkg/provider/live/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	console := flag.Bool("console", true, "read interactive commands from stdin")
	watch := flag.Bool("watch", true, "reload the hot-reloadable parts of the config file on change")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxlink starting",
		"config", *configPath,
		"provider", cfg.Live.Provider,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	liveProvider, err := reg.CreateLive(cfg.Live, logger)
	if err != nil {
		slog.Error("failed to create live provider", "provider", cfg.Live.Provider, "err", err)
		return 1
	}
	devices, err := reg.CreateAudio(cfg.Audio, logger)
	if err != nil {
		slog.Error("failed to open audio devices", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, devices.Backend)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithListener(printingListener(os.Stdout)),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, &app.Providers{Live: liveProvider, Devices: devices}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *console {
		go runConsole(ctx, os.Stdin, application, stop)
		fmt.Println("commands: [r] toggle recording  [x] restart  [s] status  [q] quit")
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return 1
	}

	slog.Info("shutdown signal received, stopping")
	if err := shutdown(application); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Shutdown(ctx)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live providers and audio backends that
// ship with voxlink into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(cfg config.LiveConfig, logger *slog.Logger) (live.Provider, error) {
		opts := []gemini.Option{
			gemini.WithQueueSize(cfg.SendQueue),
			gemini.WithKeepalive(cfg.Keepalive),
			gemini.WithLogger(logger),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(cfg config.LiveConfig, logger *slog.Logger) (live.Provider, error) {
		opts := []openai.Option{
			openai.WithQueueSize(cfg.SendQueue),
			openai.WithKeepalive(cfg.Keepalive),
			openai.WithLogger(logger),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, opts...), nil
	})

	// mock echoes captured audio back, which makes headless runs audible.
	reg.RegisterLive("mock", func(config.LiveConfig, *slog.Logger) (live.Provider, error) {
		return &mock.Provider{Echo: true}, nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	for _, backend := range []device.Backend{device.BackendAuto, device.BackendMalgo, device.BackendNull} {
		reg.RegisterAudio(string(backend), func(cfg config.AudioConfig, logger *slog.Logger) (device.Devices, error) {
			return device.Open(device.Config{
				Backend:      backend,
				CaptureRate:  cfg.Capture.SampleRate,
				PlaybackRate: cfg.Playback.SampleRate,
				Period:       cfg.Capture.Period,
				OutputBuffer: cfg.Playback.OutputBuffer,
			}, logger)
		})
	}

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}

// ── Console ───────────────────────────────────────────────────────────────────

// runConsole executes single-letter commands read from r until ctx ends or
// r is exhausted.
func runConsole(ctx context.Context, r io.Reader, a *app.App, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "r":
			if err := a.ToggleRecording(cmdCtx); err != nil {
				fmt.Printf("recording: %v\n", err)
			}
		case "x":
			if err := a.Restart(cmdCtx); err != nil {
				fmt.Printf("restart: %v\n", err)
			}
		case "s":
			printStatus(cmdCtx, a)
		case "q":
			cancel()
			quit()
			return
		case "":
		default:
			fmt.Println("commands: [r] toggle recording  [x] restart  [s] status  [q] quit")
		}
		cancel()
	}
}

func printStatus(ctx context.Context, a *app.App) {
	r, err := a.Status(ctx)
	if err != nil {
		fmt.Printf("status: %v\n", err)
		return
	}
	s := r.Session
	fmt.Printf("state=%s model=%s recording=%t health=%s buffered=%.0fms reconnects=%d\n",
		s.State, s.Model, s.Recording, r.Health, r.Playback.BufferedAheadMS, s.ReconnectAttempts)
	if s.Status.Text != "" {
		fmt.Printf("status: %s\n", s.Status.Text)
	}
	for _, src := range s.Sources {
		fmt.Printf("source: %s %s\n", src.Title, src.URI)
	}
}

// printingListener echoes transcripts and status changes to w.
func printingListener(w io.Writer) session.Listener {
	return session.Listener{
		OnState: func(st session.State) {
			fmt.Fprintf(w, "[%s]\n", st)
		},
		OnStatus: func(st session.Status) {
			if st.Text != "" {
				fmt.Fprintf(w, "status: %s\n", st.Text)
			}
		},
		OnTranscript: func(t session.Transcript) {
			fmt.Fprintf(w, "%s: %s\n", t.Role, t.Text)
		},
		OnSources: func(srcs []live.Source) {
			for _, s := range srcs {
				fmt.Fprintf(w, "source: %s %s\n", s.Title, s.URI)
			}
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backend device.Backend) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxlink: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Live.Provider)
	printRow("Models", strings.Join(cfg.Live.Models, ","))
	printRow("Voice", cfg.Live.Voice)
	printRow("Audio", string(backend))
	printRow("Store", string(cfg.Store.Backend))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
