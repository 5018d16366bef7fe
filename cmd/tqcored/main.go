// Command tqcored hosts the CORE protocol engine: it loads configuration,
// wires the connection manager and dispatcher together, and runs the
// accept loop until a shutdown signal arrives. Bootstrap wiring only — no
// gameplay logic lives here (spec.md §1 Non-goals) — following the
// config-load/slog-setup/errgroup/signal-handling shape of the teacher's
// cmd/gameserver/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tqserver/core/internal/config"
	"github.com/tqserver/core/internal/constants"
	"github.com/tqserver/core/internal/core/bufpool"
	"github.com/tqserver/core/internal/core/codec"
	"github.com/tqserver/core/internal/core/dh"
	"github.com/tqserver/core/internal/core/dispatch"
	"github.com/tqserver/core/internal/core/manager"
)

const defaultConfigPath = "config/tqcored.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("TQCORED_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.LoadCore(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("tqcored starting",
		"bind_address", cfg.BindAddress,
		"listen_port", cfg.ListenPort,
		"handler_mode", cfg.HandlerMode,
		"max_players", cfg.MaxPlayers,
	)

	p, g, err := dh.ParseParameters(cfg.DHParameters.P, cfg.DHParameters.G)
	if err != nil {
		return fmt.Errorf("parsing DH parameters: %w", err)
	}

	pool := bufpool.New(constants.DefaultReadBufSize)
	inbound := make(chan codec.InboundMessage, cfg.SendQueueSize)

	mgr := manager.New(manager.Config{
		P:             p,
		G:             g,
		Pool:          pool,
		Inbound:       inbound,
		SendQueueSize: cfg.SendQueueSize,
	})

	// Gameplay packet handlers are registered by whatever embeds this
	// engine (spec.md §1 Non-goals); the core boots an empty registry so
	// unhandled types are dropped and counted rather than left unbound.
	registry := dispatch.NewRegistry()
	limiter := dispatch.NewRateLimiterRegistry()
	slow := dispatch.NewSlowPacketRegistry()
	metrics := dispatch.NewMetrics()
	pipeline := dispatch.BuildPipeline(cfg.HandlerMode, registry, limiter, slow, metrics)
	mgr.SetOnRemove(pipeline.Forget)

	dispatcher := dispatch.New(inbound, pipeline, mgr.Get, metrics)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	slog.Info("listening", "addr", addr)

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		if err := mgr.Accept(gctx, ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("connection manager: %w", err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("tqcored: %w", err)
	}

	slog.Info("tqcored stopped cleanly")
	return nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
