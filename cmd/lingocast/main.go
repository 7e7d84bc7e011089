// Command lingocast is the LingoCast real-time translation broadcast server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/config"
	"github.com/lingocast/lingocast/internal/cost"
	"github.com/lingocast/lingocast/internal/fanout"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observe"
	"github.com/lingocast/lingocast/internal/registry"
	"github.com/lingocast/lingocast/internal/resilience"
	"github.com/lingocast/lingocast/internal/router"
	"github.com/lingocast/lingocast/internal/server"
	"github.com/lingocast/lingocast/internal/tokencache"
	"github.com/lingocast/lingocast/internal/tts"
	"github.com/lingocast/lingocast/pkg/provider/idp/cognito"
	"github.com/lingocast/lingocast/pkg/provider/synth/polly"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingocast: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lingocast starting",
		"version", version,
		"listen_addr", cfg.ListenAddr(),
		"base_url", cfg.BaseURL(),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lingocast",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Upstream providers ────────────────────────────────────────────────────
	idp, err := cognito.New(ctx, cfg.Identity.Region, cfg.Identity.UserPoolID, cfg.Identity.ClientID)
	if err != nil {
		slog.Error("failed to create identity provider", "err", err)
		return 1
	}
	synth, err := polly.New(ctx, cfg.TTS.Region)
	if err != nil {
		slog.Error("failed to create synthesis provider", "err", err)
		return 1
	}

	// ── Persistent state ──────────────────────────────────────────────────────
	ids, err := identity.NewFileStore(cfg.Persist.IdentityDir, logger)
	if err != nil {
		slog.Error("failed to open identity store", "err", err)
		return 1
	}
	reg, err := registry.New(registry.Config{
		Dir:             cfg.Persist.SessionDir,
		IDPrefix:        cfg.Limits.SessionIDPrefix,
		MaxListeners:    cfg.Limits.MaxClientsPerSession,
		RehydrateWindow: cfg.Persist.SessionRehydrateWindow,
		DeleteGrace:     cfg.Persist.SessionDeleteGrace,
	}, logger)
	if err != nil {
		slog.Error("failed to open session registry", "err", err)
		return 1
	}
	cache, err := audiocache.New(audiocache.Config{
		Dir:         cfg.AudioCache.Dir,
		MaxBytes:    cfg.AudioCache.MaxBytes,
		MaxAge:      cfg.AudioCache.MaxAge,
		URLSecret:   cfg.AudioCache.URLSecret,
		URLTokenTTL: cfg.AudioCache.URLTokenTTL,
	}, logger)
	if err != nil {
		slog.Error("failed to open audio cache", "err", err)
		return 1
	}

	// ── TTS pipeline ──────────────────────────────────────────────────────────
	voices := tts.DefaultVoices()
	if cfg.TTS.VoiceTablePath != "" {
		voices, err = tts.LoadVoiceTable(cfg.TTS.VoiceTablePath)
		if err != nil {
			slog.Error("failed to load voice table", "path", cfg.TTS.VoiceTablePath, "err", err)
			return 1
		}
	}
	pipeline := tts.New(synth, cache, tts.Config{
		Voices:       voices,
		SynthTimeout: cfg.TTS.SynthTimeout,
		Breaker:      resilience.New(resilience.Config{Name: "polly"}, logger),
	}, logger)

	// ── Router and server ─────────────────────────────────────────────────────
	rt := router.New(router.Config{
		BaseURL:         cfg.BaseURL(),
		TokenWarnBefore: cfg.Identity.TokenWarnBefore,
		Prices: cost.Prices{
			NeuralPerMillionChars:    cfg.Cost.NeuralPerMillionChars,
			StandardPerMillionChars:  cfg.Cost.StandardPerMillionChars,
			TranslatePerMillionChars: cfg.Cost.TranslatePerMillionChars,
		},
		AlarmHourlyUSD: cfg.Cost.AlarmHourlyUSD,
		AlarmCooldown:  cfg.Cost.AlarmCooldown,
		Metrics:        metrics,
	}, idp, ids, tokencache.New(time.Hour, 10*time.Minute), reg, fanout.New(), pipeline, logger)

	srv := server.New(server.Config{
		Addr:              cfg.ListenAddr(),
		AuthGrace:         cfg.Server.AuthGrace,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		DrainPeriod:       cfg.Server.DrainPeriod,
		OutboundQueueSize: cfg.Server.OutboundQueueSize,
		MaxConnections:    cfg.Limits.MaxConnections,
		AudioRateLimit:    cfg.AudioCache.RateLimit,
		SweepInterval:     cfg.AudioCache.SweepInterval,
		IdentityRetention: cfg.Identity.Retention,
	}, rt, reg, ids, cache, metrics, logger)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
