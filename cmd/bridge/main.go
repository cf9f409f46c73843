package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tp-bridge/internal/app"
	"tp-bridge/internal/config"
	"tp-bridge/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	bridge, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize bridge", zap.Error(err))
		os.Exit(1)
	}
	log.Info("bridge initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil && err != context.Canceled {
		log.Error("bridge terminated", zap.Error(err))
		os.Exit(1)
	}
}
