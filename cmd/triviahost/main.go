// Command triviahost runs a spoken trivia game against a realtime
// speech-to-speech model, using the local microphone and speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/triviahost/internal/app"
	"github.com/MrWong99/triviahost/internal/config"
	"github.com/MrWong99/triviahost/internal/observe"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
	geminilive "github.com/MrWong99/triviahost/pkg/provider/s2s/gemini"
	geminisdk "github.com/MrWong99/triviahost/pkg/provider/s2s/genai"
	oais2s "github.com/MrWong99/triviahost/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "triviahost: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "triviahost: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.LogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("triviahost starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"host", cfg.Game.Host,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to create provider", "name", cfg.Provider.Name, "registered", reg.Names(), "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(levelVar)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, provider, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	host := application.Host()
	slog.Info("connecting, press Ctrl+C to end the game", "host", host.Name, "voice", host.Voice)

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("game ended with error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	score := application.Scoreboard().Score()
	slog.Info("final score", "player", score.Player, "host", score.AI)

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-speech providers that ship
// with triviahost into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S(config.ProviderGeminiLive, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		opts = append(opts, geminilive.WithTranscription(entry.Transcription))
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderGeminiGenAI, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminisdk.Option
		if entry.Model != "" {
			opts = append(opts, geminisdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminisdk.WithBaseURL(entry.BaseURL))
		}
		opts = append(opts, geminisdk.WithTranscription(entry.Transcription))
		return geminisdk.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if entry.Transcription {
			opts = append(opts, oais2s.WithTranscriptionModel("whisper-1"))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	slog.Debug("registered providers", "names", reg.Names())
}
