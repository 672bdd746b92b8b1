package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/llm-meter-gateway/internal/config"
	"github.com/tjfontaine/llm-meter-gateway/internal/runtime"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		return err
	}
	cfg, err := watcher.Load()
	if err != nil {
		return err
	}

	gw, err := runtime.New(ctx, cfg, runtime.WithLogger(logger), runtime.WithWatcher(watcher))
	if err != nil {
		return err
	}

	logger.Info("gateway starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("config", configPath))
	return gw.Run(ctx)
}
