// Command arbnet runs the arbitrage trading platform: the bot
// supervisor, AI opportunity pipeline, task orchestrator, and the
// HTTP/WebSocket API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawinfra/arbnet/internal/api"
	"github.com/clawinfra/arbnet/internal/config"
	"github.com/clawinfra/arbnet/internal/core"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "arbnet.toml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	autonomous := flag.Bool("autonomous", false, "start the autonomous discovery loop immediately")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbnet %s (built %s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("arbnet starting",
		"version", version,
		"port", cfg.Server.Port,
		"tokens", cfg.Arbitrage.Tokens,
		"bots", len(cfg.Bots),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := core.New(cfg, logger)
	if err := c.Initialize(ctx); err != nil {
		logger.Error("initialization failed", "error", err)
		return 1
	}

	if *autonomous {
		c.StartAutonomousMode(ctx)
	}

	server := api.NewServer(cfg.Server.Port, c, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", "error", err)
			exitCode = 1
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	c.Shutdown(shutdownCtx)

	logger.Info("arbnet stopped")
	return exitCode
}

// parseLogLevel converts a config log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
